package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mickamy/taqo/internal/model"
)

var (
	// ErrPlanUnparseable reports plan text whose node headers cannot be read.
	ErrPlanUnparseable = errors.New("plan unparseable")
	// ErrInvalidCost reports a tree whose costs stay inconsistent after FixInvalidCosts.
	ErrInvalidCost = errors.New("invalid plan cost")
)

const childMarker = "->"

const num = `(\d+(?:\.\d+)?)`

var (
	annotationStart  = regexp.MustCompile(`\s+\((?:cost=|actual |never executed\))`)
	costAnnotation   = regexp.MustCompile(`\(cost=` + num + `\.\.` + num + ` rows=` + num + ` width=` + num + `\)`)
	actualAnnotation = regexp.MustCompile(`\(actual (?:time=` + num + `\.\.` + num + ` )?rows=` + num + ` loops=` + num + `\)`)
	scanHeader       = regexp.MustCompile(`^(.*?Scan)( Backward)?(?: using (\S+))?(?: on (\S+)(?: (\S+))?)?$`)
)

// ParsePlan parses the text held by an execution plan.
func ParsePlan(p *model.ExecutionPlan) (*model.Tree, error) {
	if p.Empty() {
		return nil, errors.Wrap(ErrPlanUnparseable, "parser: empty plan")
	}
	return Parse(p.FullStr)
}

// Parse reads EXPLAIN text output into a node tree.
func Parse(text string) (*model.Tree, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	tree := &model.Tree{}
	var (
		stack    []*model.PlanNode
		current  *model.PlanNode
		trailing bool
	)

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		trimmed := strings.TrimLeft(line, " ")
		indent := len(line) - len(trimmed)

		if tree.Root == nil {
			node, err := parseHeader(strings.TrimSpace(strings.TrimPrefix(trimmed, childMarker)), 0)
			if err != nil {
				return nil, errors.Wrapf(err, "parser: line %d", i+1)
			}
			tree.Root = node
			stack = append(stack, node)
			current = node
			continue
		}

		if !trailing && strings.HasPrefix(trimmed, childMarker) {
			level := indent / 2
			if level <= tree.Root.Level {
				return nil, errors.Wrapf(ErrPlanUnparseable, "parser: line %d: child at root level", i+1)
			}
			node, err := parseHeader(strings.TrimSpace(strings.TrimPrefix(trimmed, childMarker)), level)
			if err != nil {
				return nil, errors.Wrapf(err, "parser: line %d", i+1)
			}
			for len(stack) > 0 && stack[len(stack)-1].Level >= level {
				stack = stack[:len(stack)-1]
			}
			parent := stack[len(stack)-1]
			node.Parent = parent
			parent.Children = append(parent.Children, node)
			stack = append(stack, node)
			current = node
			continue
		}

		if indent == 0 {
			trailing = true
		}
		prop := parseProperty(trimmed)
		if trailing {
			tree.Properties = append(tree.Properties, prop)
			continue
		}
		current.Properties = append(current.Properties, prop)
	}

	if tree.Root == nil {
		return nil, errors.Wrap(ErrPlanUnparseable, "parser: no plan nodes")
	}
	return tree, nil
}

func parseHeader(header string, level int) (*model.PlanNode, error) {
	node := &model.PlanNode{Level: level}

	name := header
	if loc := annotationStart.FindStringIndex(header); loc != nil {
		name = header[:loc[0]]
		rest := header[loc[0]:]

		if strings.Contains(rest, "(cost=") {
			m := costAnnotation.FindStringSubmatch(rest)
			if m == nil {
				return nil, errors.Wrapf(ErrPlanUnparseable, "malformed cost annotation %q", rest)
			}
			node.HasCosts = true
			node.StartupCost = parseFloat(m[1])
			node.TotalCost = parseFloat(m[2])
			node.PlanRows = parseFloat(m[3])
			node.PlanWidth = parseFloat(m[4])
		}
		if strings.Contains(rest, "(actual ") {
			m := actualAnnotation.FindStringSubmatch(rest)
			if m == nil {
				return nil, errors.Wrapf(ErrPlanUnparseable, "malformed actual annotation %q", rest)
			}
			node.HasActuals = true
			node.StartupMs = parseFloat(m[1])
			node.TotalMs = parseFloat(m[2])
			node.Rows = parseFloat(m[3])
			node.NLoops = parseFloat(m[4])
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Wrap(ErrPlanUnparseable, "empty node name")
	}
	node.Name = name
	node.NodeType = name
	classifyScan(node)
	return node, nil
}

func classifyScan(node *model.PlanNode) {
	m := scanHeader.FindStringSubmatch(node.Name)
	if m == nil {
		return
	}
	node.NodeType = m[1]
	node.IsBackward = m[2] != ""
	node.IndexName = m[3]

	switch {
	case strings.HasSuffix(node.NodeType, "Bitmap Index Scan"):
		// the target of a bitmap index scan is the index itself
		node.IndexName = m[4]
	default:
		node.TableName = m[4]
		node.TableAlias = m[5]
	}

	node.IsSeqScan = strings.HasSuffix(node.NodeType, "Seq Scan")
	node.IsIndexOnlyScan = strings.HasSuffix(node.NodeType, "Index Only Scan")
	node.IsAnyIndexScan = strings.HasSuffix(node.NodeType, "Index Scan") || node.IsIndexOnlyScan
}

func parseProperty(line string) model.Property {
	line = strings.TrimSpace(line)
	key, value, ok := strings.Cut(line, ": ")
	if !ok {
		return model.Property{Key: line}
	}
	return model.Property{Key: key, Value: strings.TrimSpace(value)}
}

// Walk visits every node of the tree in pre-order.
func Walk(tree *model.Tree, fn func(*model.PlanNode)) {
	if tree == nil {
		return
	}
	tree.Root.Walk(fn)
}

// FixInvalidCosts raises the total cost of every invalid-cost node (cheaper than one of its
// children) to the sum of its children's totals. It runs once, bottom-up, and then verifies
// the tree. Trees with monotone costs are left untouched.
func FixInvalidCosts(tree *model.Tree) error {
	if tree == nil || tree.Root == nil {
		return nil
	}
	fixCosts(tree.Root)

	var bad *model.PlanNode
	Walk(tree, func(n *model.PlanNode) {
		if bad != nil {
			return
		}
		if n.InvalidCost() || (n.HasCosts && n.StartupCost > n.TotalCost) {
			bad = n
		}
	})
	if bad != nil {
		return errors.Wrapf(ErrInvalidCost, "parser: node %q", bad.Name)
	}
	return nil
}

func fixCosts(n *model.PlanNode) {
	var sum float64
	for _, child := range n.Children {
		fixCosts(child)
		if child.HasCosts {
			sum += child.TotalCost
		}
	}
	if n.InvalidCost() {
		n.TotalCost = sum
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
