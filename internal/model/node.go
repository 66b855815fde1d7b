package model

import "strings"

// Property is one labelled line attached to a plan node, e.g. "Index Cond: (a = 1)".
type Property struct {
	Key   string
	Value string
}

// PlanNode captures one node in the execution plan tree.
type PlanNode struct {
	// Level is the child marker position divided by two; the root is 0.
	Level      int
	Name       string
	NodeType   string
	Children   []*PlanNode
	Parent     *PlanNode
	Properties []Property

	TableName       string
	TableAlias      string
	IndexName       string
	IsSeqScan       bool
	IsAnyIndexScan  bool
	IsIndexOnlyScan bool
	IsBackward      bool

	HasCosts    bool
	StartupCost float64
	TotalCost   float64
	PlanRows    float64
	PlanWidth   float64

	HasActuals bool
	StartupMs  float64
	TotalMs    float64
	Rows       float64
	NLoops     float64
}

// Tree is a parsed plan: the node tree plus plan-level trailer properties.
type Tree struct {
	Root       *PlanNode
	Properties []Property
}

// Property returns the first value recorded under key.
func (n *PlanNode) Property(key string) (string, bool) {
	for _, p := range n.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (n *PlanNode) firstOf(keys ...string) string {
	for _, key := range keys {
		if v, ok := n.Property(key); ok {
			return v
		}
	}
	return ""
}

// Predicate labels folded into one taxonomy across dialects.
var (
	IndexCondLabels    = []string{"Index Cond"}
	RemoteFilterLabels = []string{"Remote Filter", "Remote Index Filter", "Storage Filter", "Storage Index Filter"}
	TFBRFilterLabels   = []string{"Remote Table Filter", "Storage Table Filter"}
	LocalFilterLabels  = []string{"Filter"}
	RecheckLabel       = "Rows Removed by Index Recheck"
)

// IndexCond returns the index access condition.
func (n *PlanNode) IndexCond() string { return n.firstOf(IndexCondLabels...) }

// RemoteFilter returns the filter pushed down to storage.
func (n *PlanNode) RemoteFilter() string { return n.firstOf(RemoteFilterLabels...) }

// RemoteTFBRFilter returns the table filter applied by storage after index lookup.
func (n *PlanNode) RemoteTFBRFilter() string { return n.firstOf(TFBRFilterLabels...) }

// LocalFilter returns the filter evaluated by the executor.
func (n *PlanNode) LocalFilter() string { return n.firstOf(LocalFilterLabels...) }

// RowsRemovedByRecheck returns the recheck counter text, if any.
func (n *PlanNode) RowsRemovedByRecheck() string { return n.firstOf(RecheckLabel) }

// IsScan reports whether the node reads a relation.
func (n *PlanNode) IsScan() bool {
	return n.IsSeqScan || n.IsAnyIndexScan || strings.HasSuffix(n.NodeType, "Scan")
}

// NeverExecuted reports whether the node carries no actual statistics.
func (n *PlanNode) NeverExecuted() bool {
	return !n.HasActuals || n.NLoops == 0
}

// InvalidCost reports whether a non-leaf node is cheaper than its most expensive child.
func (n *PlanNode) InvalidCost() bool {
	if !n.HasCosts || len(n.Children) == 0 {
		return false
	}
	for _, child := range n.Children {
		if child.HasCosts && n.TotalCost < child.TotalCost {
			return true
		}
	}
	return false
}

// Depth returns the distance from the root.
func (n *PlanNode) Depth() int {
	depth := 0
	for p := n.Parent; p != nil; p = p.Parent {
		depth++
	}
	return depth
}

// Walk visits n and its descendants in pre-order.
func (n *PlanNode) Walk(fn func(*PlanNode)) {
	if n == nil {
		return
	}
	fn(n)
	for _, child := range n.Children {
		child.Walk(fn)
	}
}

// Nodes flattens the tree in pre-order.
func (t *Tree) Nodes() []*PlanNode {
	if t == nil {
		return nil
	}
	var out []*PlanNode
	t.Root.Walk(func(n *PlanNode) { out = append(out, n) })
	return out
}

// ScanNodes returns the nodes that read a relation.
func (t *Tree) ScanNodes() []*PlanNode {
	var out []*PlanNode
	for _, n := range t.Nodes() {
		if n.IsScan() {
			out = append(out, n)
		}
	}
	return out
}

// Depth returns the number of levels in the tree.
func (t *Tree) Depth() int {
	max := 0
	for _, n := range t.Nodes() {
		if d := n.Depth() + 1; d > max {
			max = d
		}
	}
	return max
}
