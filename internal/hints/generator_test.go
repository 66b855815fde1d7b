package hints_test

import (
	"fmt"
	"strings"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/taqo/internal/hints"
	"github.com/mickamy/taqo/internal/model"
)

func table(name string, indexes int) model.Table {
	t := model.Table{Name: name, Fields: []model.Field{{Name: "id", Position: 0}}}
	for i := 0; i < indexes; i++ {
		t.Fields = append(t.Fields, model.Field{Name: fmt.Sprintf("c%d", i), IsIndex: true, Position: i + 1})
	}
	return t
}

func factorial(n int) int {
	if n <= 1 {
		return 1
	}
	return n * factorial(n-1)
}

func pow(b, e int) int {
	out := 1
	for i := 0; i < e; i++ {
		out *= b
	}
	return out
}

func TestCartesianCount(t *testing.T) {
	cases := [][]int{{0}, {2}, {1, 0}, {1, 2}, {0, 1, 2}}
	for _, idx := range cases {
		t.Run(fmt.Sprint(idx), func(t *testing.T) {
			var tables []model.Table
			want := factorial(len(idx)) * pow(3, len(idx)-1)
			for i, k := range idx {
				tables = append(tables, table(fmt.Sprintf("t%d", i), k))
				want *= k + 2
			}

			got := hints.NewGenerator(len(idx) + 1).Hints(tables)
			assert.Len(t, got, want)
			assert.Equal(t, len(got), mapset.NewThreadUnsafeSet(got...).Cardinality(), "hints must be distinct")
		})
	}
}

func TestSingleTableEmitsScansOnly(t *testing.T) {
	got := hints.NewGenerator(3).Hints([]model.Table{table("t", 1)})
	assert.Equal(t, []string{"SeqScan(t)", "IndexScan(t t_c0_idx)", "IndexOnlyScan(t)"}, got)
}

func TestZeroTables(t *testing.T) {
	g := hints.NewGenerator(3)
	assert.Empty(t, g.Hints(nil))
	assert.Equal(t, hints.StrategyNone, g.Strategy(0))
	assert.Empty(t, g.Generate(model.NewQuery("x", "SELECT 1", nil)))
}

func TestTwoTableHintShape(t *testing.T) {
	a := table("a", 0)
	b := table("b", 0)
	b.Alias = "bb"

	got := hints.NewGenerator(3).Hints([]model.Table{a, b})
	require.NotEmpty(t, got)
	assert.Equal(t, "Leading((a bb)) HashJoin(a bb) SeqScan(a) SeqScan(bb)", got[0])
	assert.Equal(t, "Leading((a bb)) HashJoin(a bb) SeqScan(a) IndexOnlyScan(bb)", got[1])
	assert.Contains(t, got, "Leading((bb a)) NestLoop(bb a) IndexOnlyScan(a) SeqScan(bb)")
}

func TestThreeTableLeading(t *testing.T) {
	got := hints.NewGenerator(4).Hints([]model.Table{table("a", 0), table("b", 0), table("c", 0)})
	assert.Equal(t, "Leading(((a b) c)) HashJoin(a b) HashJoin(a b c) SeqScan(a) SeqScan(b) SeqScan(c)", got[0])
}

func TestGeneratorIsDeterministic(t *testing.T) {
	tables := []model.Table{table("a", 1), table("b", 2), table("c", 0)}
	for _, threshold := range []int{2, 3, 4} {
		g := hints.NewGenerator(threshold)
		assert.Equal(t, g.Hints(tables), g.Hints(tables))
	}
}

func TestPermutationsWithPairwiseMethods(t *testing.T) {
	tables := []model.Table{table("a", 1), table("b", 1), table("c", 1)}
	g := hints.NewGenerator(3)
	require.Equal(t, hints.StrategyPermutePairs, g.Strategy(3))

	got := g.Hints(tables)
	full := hints.NewGenerator(4).Hints(tables)
	assert.Less(t, len(got), len(full))
	assert.Zero(t, len(got)%6, "every permutation gets the same pairwise rows")

	leading := mapset.NewThreadUnsafeSet[string]()
	for _, h := range got {
		leading.Add(splitHints(h)[0])
	}
	assert.Equal(t, 6, leading.Cardinality())
}

// S4: more tables than the threshold, two indexes each.
func TestPairwiseScansOnly(t *testing.T) {
	tables := []model.Table{table("a", 2), table("b", 2), table("c", 2), table("d", 2)}
	got := hints.NewGenerator(3).Hints(tables)
	require.NotEmpty(t, got)

	covered := mapset.NewThreadUnsafeSet[string]()
	for _, h := range got {
		assert.NotContains(t, h, "Leading(")
		for _, m := range hints.JoinMethods {
			assert.NotContains(t, h, string(m))
		}
		scans := splitHints(h)
		require.Len(t, scans, 4)
		for i := range scans {
			for j := i + 1; j < len(scans); j++ {
				covered.Add(scans[i] + "|" + scans[j])
			}
		}
	}

	for i := range tables {
		for j := i + 1; j < len(tables); j++ {
			for _, si := range hints.ScanChoices(tables[i]) {
				for _, sj := range hints.ScanChoices(tables[j]) {
					assert.True(t, covered.Contains(si+"|"+sj), "pair %s %s not covered", si, sj)
				}
			}
		}
	}
	assert.Less(t, len(got), pow(4, 4))
}

func TestPairwiseCoverage(t *testing.T) {
	for _, sizes := range [][]int{{3, 3}, {2, 3, 4}, {3, 3, 3, 3, 3}, {5, 2, 2, 4}} {
		rows := hints.Pairwise(sizes)
		seen := mapset.NewThreadUnsafeSet[[4]int]()
		for _, row := range rows {
			require.Len(t, row, len(sizes))
			for i := range row {
				for j := i + 1; j < len(row); j++ {
					seen.Add([4]int{i, row[i], j, row[j]})
				}
			}
		}
		for i := range sizes {
			for j := i + 1; j < len(sizes); j++ {
				for vi := 0; vi < sizes[i]; vi++ {
					for vj := 0; vj < sizes[j]; vj++ {
						assert.True(t, seen.Contains([4]int{i, vi, j, vj}), "sizes %v missing %d=%d %d=%d", sizes, i, vi, j, vj)
					}
				}
			}
		}
		assert.Equal(t, rows, hints.Pairwise(sizes))
	}

	assert.Equal(t, [][]int{{0}, {1}, {2}}, hints.Pairwise([]int{3}))
	assert.Nil(t, hints.Pairwise(nil))
	assert.Len(t, hints.Pairwise([]int{3, 3}), 9)
}

func TestGenerateAppliesTips(t *testing.T) {
	q := model.NewQuery("join", "SELECT * FROM a JOIN b USING (id)", []model.Table{table("a", 0), table("b", 1)})
	q.OptimizerTips = model.QueryTips{Accept: []string{"Leading((a b))"}, Reject: []string{"MergeJoin"}}

	opts := hints.NewGenerator(3).Generate(q)
	require.NotEmpty(t, opts)
	for _, o := range opts {
		assert.Contains(t, o.ExplainHints, "Leading((a b))")
		assert.NotContains(t, o.ExplainHints, "MergeJoin")
		assert.Equal(t, q.QueryHash, o.QueryHash)
		assert.Equal(t, q.Query, o.Query)
	}
	// 2 join methods x 2 x 3 scan choices
	assert.Len(t, opts, 12)
}

func TestFair(t *testing.T) {
	plan := "Hash Join\n  ->  Seq Scan on a\n  ->  Hash\n        ->  Seq Scan on b"
	assert.True(t, hints.Fair("Leading((a b)) HashJoin(a b) SeqScan(a) SeqScan(b)", plan))
	assert.False(t, hints.Fair("Leading((a b)) NestLoop(a b) SeqScan(a) SeqScan(b)", plan))
	assert.True(t, hints.Fair("SeqScan(a)", plan))
}

func TestPermutationsAndProduct(t *testing.T) {
	assert.Equal(t, [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}, hints.Permutations(3))
	assert.Equal(t, [][]int{{}}, hints.Product(nil))
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}, hints.Product([]int{3, 2}))
}

// splitHints separates a hint string into its parenthesized clauses.
func splitHints(h string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range h {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				out = append(out, strings.TrimSpace(h[start:i+1]))
				start = i + 1
			}
		}
	}
	return out
}
