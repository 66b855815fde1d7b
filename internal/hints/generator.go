package hints

import (
	"github.com/mickamy/taqo/internal/model"
)

// Strategy names the enumeration used for a query.
type Strategy string

const (
	StrategyNone          Strategy = "none"
	StrategyCartesian     Strategy = "cartesian"
	StrategyPermutePairs  Strategy = "permutations-pairwise"
	StrategyPairwiseScans Strategy = "pairwise-scans"
)

// Generator enumerates hint strings for the tables of a query.
type Generator struct {
	threshold int
}

// NewGenerator creates a generator switching strategies at allPairsThreshold tables.
func NewGenerator(allPairsThreshold int) *Generator {
	return &Generator{threshold: allPairsThreshold}
}

// Strategy reports which enumeration applies to n tables.
func (g *Generator) Strategy(n int) Strategy {
	switch {
	case n == 0:
		return StrategyNone
	case n < g.threshold:
		return StrategyCartesian
	case n == g.threshold:
		return StrategyPermutePairs
	default:
		return StrategyPairwiseScans
	}
}

// Hints returns every hint string for tables in enumeration order.
func (g *Generator) Hints(tables []model.Table) []string {
	n := len(tables)
	refs := make([]string, n)
	scans := make([][]string, n)
	for i, t := range tables {
		refs[i] = t.Ref()
		scans[i] = ScanChoices(t)
	}

	var out []string
	switch g.Strategy(n) {
	case StrategyNone:
		return nil
	case StrategyCartesian:
		joinSizes := repeat(len(JoinMethods), n-1)
		scanSizes := sizesOf(scans)
		for _, perm := range Permutations(n) {
			order := pick(refs, perm)
			for _, joins := range Product(joinSizes) {
				for _, choice := range Product(scanSizes) {
					out = append(out, build(order, joins, scans, choice))
				}
			}
		}
	case StrategyPermutePairs:
		sizes := append(repeat(len(JoinMethods), n-1), sizesOf(scans)...)
		rows := Pairwise(sizes)
		for _, perm := range Permutations(n) {
			order := pick(refs, perm)
			for _, row := range rows {
				out = append(out, build(order, row[:n-1], scans, row[n-1:]))
			}
		}
	case StrategyPairwiseScans:
		for _, row := range Pairwise(sizesOf(scans)) {
			out = append(out, build(nil, nil, scans, row))
		}
	}
	return out
}

// Generate turns the hints accepted by the query's tips into pending optimizations.
func (g *Generator) Generate(q *model.Query) []*model.Optimization {
	var out []*model.Optimization
	for _, h := range g.Hints(q.Tables) {
		if !q.OptimizerTips.Accepts(h) {
			continue
		}
		out = append(out, model.NewOptimization(q, h))
	}
	return out
}

func build(order []string, joins []int, scans [][]string, choice []int) string {
	joinHints := make([]string, 0, len(joins))
	for i, m := range joins {
		joinHints = append(joinHints, Join(JoinMethods[m], order[:i+2]))
	}
	scanHints := make([]string, 0, len(choice))
	for i, c := range choice {
		scanHints = append(scanHints, scans[i][c])
	}
	return compose([]string{Leading(order)}, joinHints, scanHints)
}

// Permutations returns every ordering of 0..n-1 in lexicographic order.
func Permutations(n int) [][]int {
	if n == 0 {
		return nil
	}
	cur := make([]int, n)
	for i := range cur {
		cur[i] = i
	}
	out := [][]int{append([]int(nil), cur...)}
	for {
		k := n - 2
		for k >= 0 && cur[k] >= cur[k+1] {
			k--
		}
		if k < 0 {
			return out
		}
		l := n - 1
		for cur[l] <= cur[k] {
			l--
		}
		cur[k], cur[l] = cur[l], cur[k]
		for i, j := k+1, n-1; i < j; i, j = i+1, j-1 {
			cur[i], cur[j] = cur[j], cur[i]
		}
		out = append(out, append([]int(nil), cur...))
	}
}

// Product returns every tuple drawn from 0..sizes[p]-1 per position, last position fastest.
// An empty sizes list yields a single empty tuple.
func Product(sizes []int) [][]int {
	out := [][]int{{}}
	for _, s := range sizes {
		next := make([][]int, 0, len(out)*s)
		for _, prefix := range out {
			for v := 0; v < s; v++ {
				row := append(append(make([]int, 0, len(prefix)+1), prefix...), v)
				next = append(next, row)
			}
		}
		out = next
	}
	return out
}

func repeat(v, n int) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func sizesOf(choices [][]string) []int {
	out := make([]int, len(choices))
	for i, c := range choices {
		out[i] = len(c)
	}
	return out
}

func pick(refs []string, perm []int) []string {
	out := make([]string, len(perm))
	for i, p := range perm {
		out[i] = refs[p]
	}
	return out
}
