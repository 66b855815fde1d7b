package analyzer

import (
	"strings"

	"github.com/mickamy/taqo/internal/model"
)

// NodeFlags classify a single plan node.
type NodeFlags struct {
	IsSeqScan               bool `json:"is_seq_scan"`
	IsAnyIndexScan          bool `json:"is_any_index_scan"`
	IsJoin                  bool `json:"is_join"`
	IsAggregate             bool `json:"is_aggregate"`
	IsSort                  bool `json:"is_sort"`
	HasIndexAccessCond      bool `json:"has_index_access_cond"`
	HasScanFilter           bool `json:"has_scan_filter"`
	HasTFBRFilter           bool `json:"has_tfbr_filter"`
	HasLocalFilter          bool `json:"has_local_filter"`
	HasRowsRemovedByRecheck bool `json:"has_rows_removed_by_recheck"`
	HasNoCondition          bool `json:"has_no_condition"`
	HasPartialAggregate     bool `json:"has_partial_aggregate"`
}

// ClassifyNode derives the flags of n from its type and predicate properties.
func ClassifyNode(n *model.PlanNode) NodeFlags {
	f := NodeFlags{
		IsSeqScan:               n.IsSeqScan,
		IsAnyIndexScan:          n.IsAnyIndexScan,
		IsJoin:                  isJoin(n.NodeType),
		IsAggregate:             strings.Contains(n.NodeType, "Aggregate") || n.NodeType == "Group",
		IsSort:                  strings.HasSuffix(n.NodeType, "Sort"),
		HasIndexAccessCond:      n.IndexCond() != "",
		HasScanFilter:           n.RemoteFilter() != "",
		HasTFBRFilter:           n.RemoteTFBRFilter() != "",
		HasLocalFilter:          n.LocalFilter() != "",
		HasRowsRemovedByRecheck: n.RowsRemovedByRecheck() != "",
	}
	if n.IsScan() {
		f.HasNoCondition = !f.HasIndexAccessCond && !f.HasScanFilter && !f.HasTFBRFilter && !f.HasLocalFilter
	}
	partial, _ := n.Property("Partial Aggregate")
	f.HasPartialAggregate = strings.EqualFold(partial, "true") ||
		(f.IsAggregate && strings.HasPrefix(n.Name, "Partial "))
	return f
}

func isJoin(nodeType string) bool {
	return strings.HasSuffix(nodeType, "Join") || strings.HasSuffix(nodeType, "Nested Loop")
}

// QueryFlags aggregate node flags over every plan observed for a query.
type QueryFlags struct {
	IsSingleTable         bool `json:"is_single_table"`
	HasJoin               bool `json:"has_join"`
	HasAggregate          bool `json:"has_aggregate"`
	HasSort               bool `json:"has_sort"`
	HasKeyAccessIndex     bool `json:"has_key_access_index"`
	HasScanFilterIndex    bool `json:"has_scan_filter_index"`
	HasTFBRFilterIndex    bool `json:"has_tfbr_filter_index"`
	HasNoFilterIndex      bool `json:"has_no_filter_index"`
	HasTableFilterSeqScan bool `json:"has_table_filter_seqscan"`
	HasLocalFilter        bool `json:"has_local_filter"`
	HasSingleScanNode     bool `json:"has_single_scan_node"`
	HasNoConditionScan    bool `json:"has_no_condition_scan"`
}

// PlanRef is an analyzed plan of a query: the default one when Optimization is nil.
type PlanRef struct {
	Optimization *model.Optimization
	Plan         *model.ExecutionPlan
	Analysis     *PlanAnalysis
}

// Hints returns the hints the plan was produced with.
func (p PlanRef) Hints(q *model.Query) string {
	if p.Optimization != nil {
		return p.Optimization.ExplainHints
	}
	return q.ExplainHints
}

// QueryAnalysis holds the analyzable plans of a query and their aggregated flags.
type QueryAnalysis struct {
	Query *model.Query
	Plans []PlanRef
	Flags QueryFlags
	// Skipped counts plans that could not be parsed or whose costs could not be repaired.
	Skipped int
}

// AnalyzeQuery analyzes the default plan and the plans of every evaluated optimization.
func AnalyzeQuery(q *model.Query) *QueryAnalysis {
	qa := &QueryAnalysis{Query: q}
	add := func(o *model.Optimization, plan *model.ExecutionPlan) {
		if plan.Empty() {
			return
		}
		a, err := Analyze(plan)
		if err != nil {
			qa.Skipped++
			return
		}
		qa.Plans = append(qa.Plans, PlanRef{Optimization: o, Plan: plan, Analysis: a})
	}

	add(nil, q.ExecutionPlan)
	for _, o := range q.Optimizations {
		if o.Status == model.StatusOK {
			add(o, o.ExecutionPlan)
		}
	}
	qa.Flags = classifyQuery(q, qa.Plans)
	return qa
}

func classifyQuery(q *model.Query, plans []PlanRef) QueryFlags {
	f := QueryFlags{IsSingleTable: len(q.Tables) == 1}
	if len(plans) == 0 {
		return f
	}
	f.HasSingleScanNode = true
	for _, p := range plans {
		scans := 0
		for _, n := range p.Analysis.Nodes() {
			nf := n.Flags
			f.HasJoin = f.HasJoin || nf.IsJoin
			f.HasAggregate = f.HasAggregate || nf.IsAggregate
			f.HasSort = f.HasSort || nf.IsSort
			f.HasLocalFilter = f.HasLocalFilter || nf.HasLocalFilter
			if !n.Node.IsScan() {
				continue
			}
			scans++
			f.HasNoConditionScan = f.HasNoConditionScan || nf.HasNoCondition
			if nf.IsAnyIndexScan {
				f.HasKeyAccessIndex = f.HasKeyAccessIndex || nf.HasIndexAccessCond
				f.HasScanFilterIndex = f.HasScanFilterIndex || nf.HasScanFilter
				f.HasTFBRFilterIndex = f.HasTFBRFilterIndex || nf.HasTFBRFilter
				f.HasNoFilterIndex = f.HasNoFilterIndex || (!nf.HasIndexAccessCond && !nf.HasScanFilter && !nf.HasTFBRFilter)
			}
			if nf.IsSeqScan {
				f.HasTableFilterSeqScan = f.HasTableFilterSeqScan || nf.HasScanFilter || nf.HasLocalFilter
			}
		}
		if scans != 1 {
			f.HasSingleScanNode = false
		}
	}
	return f
}
