package analyzer_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/taqo/internal/analyzer"
	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/parser"
	"github.com/mickamy/taqo/test"
)

func plan(t *testing.T, name string) *model.ExecutionPlan {
	t.Helper()
	return model.NewExecutionPlan(test.LoadPlan(t, "plans.txtar", name))
}

func byName(a *analyzer.PlanAnalysis, prefix string) *analyzer.NodeStats {
	for _, n := range a.Nodes() {
		if len(n.Node.Name) >= len(prefix) && n.Node.Name[:len(prefix)] == prefix {
			return n
		}
	}
	return nil
}

func TestAnalyzeNestedLoop(t *testing.T) {
	a, err := analyzer.Analyze(plan(t, "nested-loop.plan"))
	require.NoError(t, err)

	assert.Equal(t, 3, a.NodeCount)
	assert.InDelta(t, 0.210, a.PlanningTimeMs, 1e-9)
	assert.InDelta(t, 0.150, a.ExecutionTimeMs, 1e-9)
	assert.InDelta(t, 0.112, a.TotalTimeMs, 1e-9)

	root := a.Root
	assert.True(t, root.Flags.IsJoin)
	assert.InDelta(t, 0.112-0.020-0.070, root.ExclusiveTimeMs, 1e-9)

	seq := byName(a, "Seq Scan")
	require.NotNil(t, seq)
	assert.True(t, seq.Flags.IsSeqScan)
	assert.True(t, seq.Flags.HasLocalFilter)
	assert.False(t, seq.Flags.HasNoCondition)
	assert.Equal(t, 1, seq.Depth)

	idx := byName(a, "Index Scan")
	require.NotNil(t, idx)
	assert.True(t, idx.Flags.IsAnyIndexScan)
	assert.True(t, idx.Flags.HasIndexAccessCond)
	assert.InDelta(t, 0.070, idx.InclusiveTimeMs, 1e-9)
	assert.InDelta(t, 10, idx.ActualTotalRows, 1e-9)
	assert.InDelta(t, 1, idx.RowEstimateFactor, 1e-9)

	require.NotEmpty(t, a.HotNodes)
	assert.Equal(t, idx, a.HotNodes[0])
}

func TestAnalyzeYugabyteScans(t *testing.T) {
	a, err := analyzer.Analyze(plan(t, "yb-scans.plan"))
	require.NoError(t, err)

	assert.True(t, a.Root.Flags.IsAggregate)
	assert.True(t, byName(a, "Hash Join").Flags.IsJoin)

	ios := byName(a, "Index Only Scan")
	assert.True(t, ios.Flags.IsAnyIndexScan)
	assert.True(t, ios.Flags.HasIndexAccessCond)

	seq := byName(a, "Seq Scan")
	assert.True(t, seq.Flags.HasScanFilter)
	assert.False(t, seq.Flags.HasLocalFilter)

	items := byName(a, "Index Scan using items_pkey")
	assert.True(t, items.Flags.HasTFBRFilter)
	assert.True(t, items.Node.NeverExecuted())
	assert.InDelta(t, 1, items.RowEstimateFactor, 1e-9)
}

func TestAnalyzeBitmapRecheck(t *testing.T) {
	a, err := analyzer.Analyze(plan(t, "bitmap.plan"))
	require.NoError(t, err)

	assert.True(t, a.Root.Flags.HasRowsRemovedByRecheck)
	assert.Contains(t, a.Root.Warnings, "lossy index recheck")
	assert.Empty(t, a.DivergentNodes)
}

func TestAnalyzeRepairsOrRejectsCosts(t *testing.T) {
	a, err := analyzer.Analyze(plan(t, "invalid-cost.plan"))
	require.NoError(t, err)
	assert.InDelta(t, 35.5, a.Root.Node.TotalCost, 1e-9)

	merge, err := analyzer.Analyze(model.NewExecutionPlan("Merge Join  (cost=0.00..150.00 rows=10 width=8)\n" +
		"  ->  Sort  (cost=0.00..100.00 rows=10 width=4)\n" +
		"  ->  Sort  (cost=0.00..100.00 rows=10 width=4)"))
	require.NoError(t, err)
	assert.InDelta(t, 150, merge.Root.Node.TotalCost, 1e-9)

	_, err = analyzer.Analyze(model.NewExecutionPlan("Seq Scan on t  (cost=50.00..35.50 rows=1 width=4)"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, parser.ErrInvalidCost))

	_, err = analyzer.Analyze(plan(t, "unparseable.plan"))
	assert.True(t, errors.Is(err, parser.ErrPlanUnparseable))
}

func TestDivergentNodes(t *testing.T) {
	a, err := analyzer.Analyze(model.NewExecutionPlan(
		"Hash Join  (cost=1.00..50.00 rows=10 width=8) (actual time=0.100..9.000 rows=5000 loops=1)\n" +
			"  ->  Seq Scan on a  (cost=0.00..20.00 rows=1000 width=4) (actual time=0.010..2.000 rows=1000 loops=1)\n" +
			"  ->  Seq Scan on b  (cost=0.00..20.00 rows=100 width=4) (actual time=0.010..1.000 rows=1 loops=1)"))
	require.NoError(t, err)

	require.Len(t, a.DivergentNodes, 2)
	assert.Equal(t, "Hash Join", a.DivergentNodes[0].Node.Name)
	assert.Contains(t, a.Root.Warnings, "rows 500.0x higher than estimate")
	assert.Equal(t, "Seq Scan on b", a.DivergentNodes[1].Node.Name)
}

func evaluatedQuery(t *testing.T) *model.Query {
	t.Helper()
	q := model.NewQuery("join", "SELECT * FROM t1 JOIN t2 ON t1.a = t2.a WHERE t1.b < 10",
		[]model.Table{{Name: "t1"}, {Name: "t2"}})
	q.ExecutionPlan = plan(t, "nested-loop.plan")

	ok := model.NewOptimization(q, "Leading((t1 t2))")
	ok.Status = model.StatusOK
	ok.ExecutionPlan = plan(t, "yb-scans.plan")

	broken := model.NewOptimization(q, "Leading((t2 t1))")
	broken.Status = model.StatusOK
	broken.ExecutionPlan = plan(t, "unparseable.plan")

	dup := model.NewOptimization(q, "HashJoin(t1 t2)")
	dup.Status = model.StatusDuplicate
	dup.ExecutionPlan = plan(t, "bitmap.plan")

	q.Optimizations = []*model.Optimization{ok, broken, dup}
	return q
}

func TestAnalyzeQuery(t *testing.T) {
	qa := analyzer.AnalyzeQuery(evaluatedQuery(t))

	require.Len(t, qa.Plans, 2)
	assert.Nil(t, qa.Plans[0].Optimization)
	assert.Equal(t, 1, qa.Skipped)

	assert.Equal(t, analyzer.QueryFlags{
		HasJoin:               true,
		HasAggregate:          true,
		HasKeyAccessIndex:     true,
		HasTFBRFilterIndex:    true,
		HasTableFilterSeqScan: true,
		HasLocalFilter:        true,
	}, qa.Flags)
}

func TestSingleScanQueryFlags(t *testing.T) {
	q := model.NewQuery("scan", "SELECT * FROM t", []model.Table{{Name: "t"}})
	q.ExecutionPlan = model.NewExecutionPlan("Seq Scan on t  (cost=0.00..35.50 rows=2550 width=4)")

	f := analyzer.AnalyzeQuery(q).Flags
	assert.True(t, f.IsSingleTable)
	assert.True(t, f.HasSingleScanNode)
	assert.True(t, f.HasNoConditionScan)
	assert.False(t, f.HasTableFilterSeqScan)
}

func TestCollectSeqScans(t *testing.T) {
	result := &model.CollectResult{Queries: []*model.Query{evaluatedQuery(t)}}
	spec, ok := analyzer.BuiltinByName("seq-scan-cost")
	require.True(t, ok)

	chart, err := analyzer.Collect(result, spec)
	require.NoError(t, err)
	assert.Equal(t, 1, chart.Skipped)
	require.Len(t, chart.Series, 1)

	s := chart.Series[0]
	assert.Equal(t, "Seq Scan", s.Label)
	require.Len(t, s.Points, 2)
	assert.InDelta(t, 22.70, s.Points[0].X, 1e-9)
	assert.InDelta(t, 0.020, s.Points[0].Y, 1e-9)
	assert.Empty(t, s.Points[0].Hints)
	assert.InDelta(t, 22.00, s.Points[1].X, 1e-9)
	assert.InDelta(t, 0.380, s.Points[1].Y, 1e-9)
	assert.Equal(t, "Leading((t1 t2))", s.Points[1].Hints)
	assert.Nil(t, s.Summary)
}

func TestCollectKeyAccess(t *testing.T) {
	result := &model.CollectResult{Queries: []*model.Query{evaluatedQuery(t)}}
	spec, ok := analyzer.BuiltinByName("index-key-access-cost")
	require.True(t, ok)

	chart, err := analyzer.Collect(result, spec)
	require.NoError(t, err)
	require.Len(t, chart.Series, 2)
	assert.Equal(t, "Index Only Scan (key access)", chart.Series[0].Label)
	assert.Equal(t, "Index Scan (key access)", chart.Series[1].Label)
	require.Len(t, chart.Series[1].Points, 1, "never executed nodes are left out")
	assert.InDelta(t, 0.070, chart.Series[1].Points[0].Y, 1e-9)
}

func TestCollectQueryFilter(t *testing.T) {
	result := &model.CollectResult{Queries: []*model.Query{evaluatedQuery(t)}}
	spec, ok := analyzer.BuiltinByName("single-table-scan-cost")
	require.True(t, ok)

	chart, err := analyzer.Collect(result, spec)
	require.NoError(t, err)
	assert.Empty(t, chart.Series)
}

func TestCollectBoxplot(t *testing.T) {
	result := &model.CollectResult{Queries: []*model.Query{evaluatedQuery(t)}}
	spec, ok := analyzer.BuiltinByName("node-time")
	require.True(t, ok)

	chart, err := analyzer.Collect(result, spec)
	require.NoError(t, err)
	require.NotEmpty(t, chart.Series)
	for _, s := range chart.Series {
		require.NotNil(t, s.Summary, s.Label)
		assert.LessOrEqual(t, s.Summary.Min, s.Summary.Median)
		assert.LessOrEqual(t, s.Summary.Median, s.Summary.Max)
	}
}

func TestBuilderDoesNotMutateParent(t *testing.T) {
	parent := analyzer.ChartSpec{
		Name:       "scans",
		NodeFilter: func(n *analyzer.NodeStats) bool { return n.Node.IsScan() },
	}
	child := analyzer.From(parent).
		Name("seq", "Seq").
		WhereNode(func(n *analyzer.NodeStats) bool { return n.Flags.IsSeqScan }).
		Suffix(" (seq)").
		Options(func(o *analyzer.ChartOptions) { o.LogY = true }).
		Build()

	a, err := analyzer.Analyze(plan(t, "nested-loop.plan"))
	require.NoError(t, err)
	idx := byName(a, "Index Scan")

	assert.True(t, parent.NodeFilter(idx))
	assert.False(t, child.NodeFilter(idx))
	assert.Equal(t, "scans", parent.Name)
	assert.Empty(t, parent.SeriesSuffix)
	assert.False(t, parent.Options.LogY)
	assert.Equal(t, " (seq)", child.SeriesSuffix)
	assert.True(t, child.Options.LogY)
}

func TestSummarize(t *testing.T) {
	points := func(ys ...float64) []analyzer.Point {
		out := make([]analyzer.Point, 0, len(ys))
		for _, y := range ys {
			out = append(out, analyzer.Point{Y: y})
		}
		return out
	}

	s, err := analyzer.Summarize(points(5, 1, 100, 3, 2, 4), true)
	require.NoError(t, err)
	assert.Equal(t, analyzer.Summary{Min: 1, Q1: 2, Median: 3.5, Q3: 5, Max: 100, Outliers: []float64{100}}, *s)

	s, err = analyzer.Summarize(points(2, 1, 3), true)
	require.NoError(t, err)
	assert.Equal(t, analyzer.Summary{Min: 1, Q1: 2, Median: 2, Q3: 2, Max: 3}, *s)
}

func TestBuiltin(t *testing.T) {
	specs := analyzer.Builtin()
	require.Len(t, specs, 7)
	for i := 1; i < len(specs); i++ {
		assert.Less(t, specs[i-1].Name, specs[i].Name)
	}
	_, ok := analyzer.BuiltinByName("nope")
	assert.False(t, ok)
}
