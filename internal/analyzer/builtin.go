package analyzer

import (
	"sort"

	"github.com/mickamy/taqo/internal/model"
)

var builtin = builtinSpecs()

func builtinSpecs() []ChartSpec {
	scans := ChartSpec{
		Name:    "scan-cost",
		Title:   "Scan cost vs time",
		Kind:    ChartXY,
		Options: ChartOptions{MultiplyByLoops: true},
		NodeFilter: func(n *NodeStats) bool {
			return n.Node.IsScan()
		},
	}

	seqScans := From(scans).
		Name("seq-scan-cost", "Seq scan cost vs time").
		WhereNode(func(n *NodeStats) bool { return n.Flags.IsSeqScan }).
		Build()

	indexScans := From(scans).
		Name("index-scan-cost", "Index scan cost vs time").
		WhereNode(func(n *NodeStats) bool { return n.Flags.IsAnyIndexScan }).
		Build()

	keyAccess := From(indexScans).
		Name("index-key-access-cost", "Index scans with key access, cost adjusted by rows").
		WhereNode(func(n *NodeStats) bool { return n.Flags.HasIndexAccessCond }).
		Suffix(" (key access)").
		Options(func(o *ChartOptions) { o.CostAdjusted = true }).
		Build()

	singleTable := From(scans).
		Name("single-table-scan-cost", "Scans of single-table queries").
		WhereQuery(func(_ *model.Query, f QueryFlags) bool { return f.IsSingleTable }).
		Build()

	joins := ChartSpec{
		Name:    "join-cost",
		Title:   "Join cost vs time",
		Kind:    ChartXY,
		Options: ChartOptions{LogX: true, LogY: true},
		QueryFilter: func(_ *model.Query, f QueryFlags) bool {
			return f.HasJoin
		},
		NodeFilter: func(n *NodeStats) bool { return n.Flags.IsJoin },
	}

	aggregates := ChartSpec{
		Name:  "aggregate-cost",
		Title: "Aggregate cost vs time",
		Kind:  ChartXY,
		QueryFilter: func(_ *model.Query, f QueryFlags) bool {
			return f.HasAggregate
		},
		NodeFilter: func(n *NodeStats) bool { return n.Flags.IsAggregate },
	}

	nodeTime := ChartSpec{
		Name:    "node-time",
		Title:   "Time per node type",
		Kind:    ChartBoxplot,
		Options: ChartOptions{ShowOutliers: true},
	}

	return []ChartSpec{seqScans, indexScans, keyAccess, singleTable, joins, aggregates, nodeTime}
}

// Builtin returns the predefined charts ordered by name.
func Builtin() []ChartSpec {
	out := append([]ChartSpec(nil), builtin...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BuiltinByName returns the predefined chart called name.
func BuiltinByName(name string) (ChartSpec, bool) {
	for _, spec := range builtin {
		if spec.Name == name {
			return spec, true
		}
	}
	return ChartSpec{}, false
}
