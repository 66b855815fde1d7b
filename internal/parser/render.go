package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mickamy/taqo/internal/model"
)

// Render prints a tree back in the EXPLAIN text layout it was parsed from.
func Render(tree *model.Tree) string {
	if tree == nil || tree.Root == nil {
		return ""
	}
	analyzed := false
	Walk(tree, func(n *model.PlanNode) {
		if n.HasActuals {
			analyzed = true
		}
	})

	var b strings.Builder
	renderNode(&b, tree.Root, 0, analyzed)
	for _, p := range tree.Properties {
		b.WriteString(formatProperty(p))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderNode(b *strings.Builder, n *model.PlanNode, depth int, analyzed bool) {
	propIndent := strings.Repeat(" ", 6*depth+2)
	if depth > 0 {
		b.WriteString(strings.Repeat(" ", 6*(depth-1)+2))
		b.WriteString(childMarker + "  ")
	}
	b.WriteString(n.Name)
	if n.HasCosts {
		fmt.Fprintf(b, "  (cost=%.2f..%.2f rows=%s width=%s)",
			n.StartupCost, n.TotalCost, formatCount(n.PlanRows), formatCount(n.PlanWidth))
	}
	switch {
	case n.HasActuals:
		fmt.Fprintf(b, " (actual time=%.3f..%.3f rows=%s loops=%s)",
			n.StartupMs, n.TotalMs, formatCount(n.Rows), formatCount(n.NLoops))
	case analyzed:
		b.WriteString(" (never executed)")
	}
	b.WriteByte('\n')

	for _, p := range n.Properties {
		b.WriteString(propIndent)
		b.WriteString(formatProperty(p))
		b.WriteByte('\n')
	}
	for _, child := range n.Children {
		renderNode(b, child, depth+1, analyzed)
	}
}

func formatProperty(p model.Property) string {
	if p.Value == "" {
		return p.Key
	}
	return p.Key + ": " + p.Value
}

func formatCount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
