package hints

import (
	"fmt"
	"strings"

	"github.com/mickamy/taqo/internal/model"
)

// JoinMethod is a join hint keyword.
type JoinMethod string

const (
	HashJoin  JoinMethod = "HashJoin"
	MergeJoin JoinMethod = "MergeJoin"
	NestLoop  JoinMethod = "NestLoop"
)

// JoinMethods lists join hints in enumeration order.
var JoinMethods = []JoinMethod{HashJoin, MergeJoin, NestLoop}

// PlanNodeName returns the plan node name a join hint is expected to produce.
func (m JoinMethod) PlanNodeName() string {
	switch m {
	case HashJoin:
		return "Hash Join"
	case MergeJoin:
		return "Merge Join"
	case NestLoop:
		return "Nested Loop"
	default:
		return ""
	}
}

// Leading builds a left-deep join order hint, e.g. Leading(((a b) c)).
func Leading(order []string) string {
	if len(order) < 2 {
		return ""
	}
	tree := order[0]
	for _, ref := range order[1:] {
		tree = "(" + tree + " " + ref + ")"
	}
	return "Leading(" + tree + ")"
}

// Join builds the hint applying method to the first len(refs) tables of a join order.
func Join(method JoinMethod, refs []string) string {
	return fmt.Sprintf("%s(%s)", method, strings.Join(refs, " "))
}

// ScanChoices returns the scan hints available for a table: a sequential scan, one index
// scan per indexed field and an index-only scan.
func ScanChoices(t model.Table) []string {
	ref := t.Ref()
	out := []string{fmt.Sprintf("SeqScan(%s)", ref)}
	for _, f := range t.Indexes() {
		out = append(out, fmt.Sprintf("IndexScan(%s %s)", ref, t.IndexNameOf(f)))
	}
	out = append(out, fmt.Sprintf("IndexOnlyScan(%s)", ref))
	return out
}

// JoinMethodsIn returns the join methods named by a hint string.
func JoinMethodsIn(hint string) []JoinMethod {
	var out []JoinMethod
	for _, m := range JoinMethods {
		if strings.Contains(hint, string(m)+"(") {
			out = append(out, m)
		}
	}
	return out
}

// Fair reports whether every join method named by hint shows up in the cost-free plan.
func Fair(hint, plan string) bool {
	for _, m := range JoinMethodsIn(hint) {
		if !strings.Contains(plan, m.PlanNodeName()) {
			return false
		}
	}
	return true
}

func compose(parts ...[]string) string {
	var b strings.Builder
	for _, group := range parts {
		for _, p := range group {
			if p == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(p)
		}
	}
	return b.String()
}
