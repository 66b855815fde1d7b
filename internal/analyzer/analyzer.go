package analyzer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/parser"
)

// PlanAnalysis contains derived metrics for a parsed plan.
type PlanAnalysis struct {
	Tree            *model.Tree
	Root            *NodeStats
	PlanningTimeMs  float64
	ExecutionTimeMs float64
	TotalTimeMs     float64
	NodeCount       int
	HotNodes        []*NodeStats
	DivergentNodes  []*NodeStats
}

// NodeStats augments a plan node with flags and computed statistics.
type NodeStats struct {
	Node              *model.PlanNode
	Depth             int
	Flags             NodeFlags
	InclusiveTimeMs   float64
	ExclusiveTimeMs   float64
	PercentExclusive  float64
	ActualTotalRows   float64
	EstimatedRows     float64
	RowEstimateFactor float64
	Warnings          []string
	Children          []*NodeStats
}

// Analyze parses plan, repairs inconsistent costs and derives metrics.
// Plans whose costs cannot be repaired are reported with parser.ErrInvalidCost.
func Analyze(plan *model.ExecutionPlan) (*PlanAnalysis, error) {
	tree, err := parser.ParsePlan(plan)
	if err != nil {
		return nil, err
	}
	if err := parser.FixInvalidCosts(tree); err != nil {
		return nil, errors.Wrap(err, "analyze")
	}

	root := buildStats(tree.Root, 0)
	totalTime := root.InclusiveTimeMs
	annotateRatios(root, totalTime)

	allNodes := flatten(root)
	for _, n := range allNodes {
		n.Warnings = deriveWarnings(n)
	}

	return &PlanAnalysis{
		Tree:            tree,
		Root:            root,
		PlanningTimeMs:  trailerMs(tree, "Planning Time"),
		ExecutionTimeMs: trailerMs(tree, "Execution Time"),
		TotalTimeMs:     totalTime,
		NodeCount:       len(allNodes),
		HotNodes:        selectHotNodes(allNodes),
		DivergentNodes:  selectDivergentNodes(allNodes),
	}, nil
}

// Nodes flattens the analysis in pre-order.
func (a *PlanAnalysis) Nodes() []*NodeStats {
	if a == nil || a.Root == nil {
		return nil
	}
	return flatten(a.Root)
}

func buildStats(node *model.PlanNode, depth int) *NodeStats {
	loops := node.NLoops
	if loops <= 0 {
		loops = 1
	}

	stats := &NodeStats{
		Node:            node,
		Depth:           depth,
		Flags:           ClassifyNode(node),
		InclusiveTimeMs: node.TotalMs * loops,
		ActualTotalRows: node.Rows * loops,
		EstimatedRows:   node.PlanRows * loops,
	}

	var childTime float64
	for _, childNode := range node.Children {
		child := buildStats(childNode, depth+1)
		stats.Children = append(stats.Children, child)
		childTime += child.InclusiveTimeMs
	}

	stats.ExclusiveTimeMs = math.Max(stats.InclusiveTimeMs-childTime, 0)
	if node.HasActuals {
		stats.RowEstimateFactor = computeEstimateFactor(stats.EstimatedRows, stats.ActualTotalRows)
	} else {
		stats.RowEstimateFactor = 1
	}
	return stats
}

func annotateRatios(node *NodeStats, total float64) {
	if total > 0 {
		node.PercentExclusive = node.ExclusiveTimeMs / total
	}
	for _, child := range node.Children {
		annotateRatios(child, total)
	}
}

func flatten(root *NodeStats) []*NodeStats {
	var out []*NodeStats
	var walk func(*NodeStats)
	walk = func(n *NodeStats) {
		out = append(out, n)
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}

func selectHotNodes(nodes []*NodeStats) []*NodeStats {
	candidates := make([]*NodeStats, 0, len(nodes))
	for _, n := range nodes {
		if n.PercentExclusive > 0 {
			candidates = append(candidates, n)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].PercentExclusive > candidates[j].PercentExclusive
	})

	limit := min(5, len(candidates))
	const cutoff = 0.10

	var out []*NodeStats
	for _, candidate := range candidates[:limit] {
		if candidate.PercentExclusive < cutoff {
			break
		}
		out = append(out, candidate)
	}
	if len(out) == 0 {
		out = candidates[:limit]
	}
	return out
}

func selectDivergentNodes(nodes []*NodeStats) []*NodeStats {
	var out []*NodeStats
	for _, n := range nodes {
		if math.IsInf(n.RowEstimateFactor, 0) {
			out = append(out, n)
			continue
		}
		if (n.RowEstimateFactor >= 2.0 || n.RowEstimateFactor <= 0.5) && (n.EstimatedRows > 0 || n.ActualTotalRows > 0) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return divergence(out[i].RowEstimateFactor) > divergence(out[j].RowEstimateFactor)
	})
	return out[:min(5, len(out))]
}

// divergence is symmetric: 10x over and 10x under rank the same.
func divergence(factor float64) float64 {
	if factor <= 0 {
		return math.Inf(1)
	}
	return math.Abs(math.Log(factor))
}

func computeEstimateFactor(estimated, actual float64) float64 {
	const epsilon = 1e-9
	if estimated <= epsilon {
		if actual <= epsilon {
			return 1
		}
		return math.Inf(1)
	}
	return actual / estimated
}

func deriveWarnings(stats *NodeStats) []string {
	var warnings []string
	if stats.PercentExclusive >= 0.20 {
		warnings = append(warnings, fmt.Sprintf("self time %.1f%% of plan", stats.PercentExclusive*100))
	}
	switch {
	case math.IsInf(stats.RowEstimateFactor, 1):
		warnings = append(warnings, "rows returned where none were estimated")
	case stats.RowEstimateFactor >= 2.0:
		warnings = append(warnings, fmt.Sprintf("rows %.1fx higher than estimate", stats.RowEstimateFactor))
	case stats.RowEstimateFactor <= 0.5:
		warnings = append(warnings, fmt.Sprintf("rows %.1fx lower than estimate", stats.RowEstimateFactor))
	}
	if stats.Flags.HasRowsRemovedByRecheck {
		warnings = append(warnings, "lossy index recheck")
	}
	return warnings
}

// trailerMs reads a plan-level "<key>: <n> ms" property.
func trailerMs(tree *model.Tree, key string) float64 {
	for _, p := range tree.Properties {
		if p.Key != key {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(p.Value), " ms"), 64)
		if err == nil {
			return v
		}
	}
	return 0
}
