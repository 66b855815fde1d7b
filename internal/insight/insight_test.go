package insight_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/taqo/internal/analyzer"
	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/insight"
	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/test"
)

func cfg() config.InsightConfig {
	return config.Default().Insights
}

func queryWithBest(defaultMs, bestMs float64) *model.Query {
	q := model.NewQuery("q", "SELECT * FROM t WHERE a = 1", []model.Table{{Name: "t"}})
	q.ExecutionTimeMs = defaultMs
	slow := model.NewOptimization(q, "SeqScan(t)")
	slow.Status = model.StatusOK
	slow.ExecutionTimeMs = defaultMs * 2
	best := model.NewOptimization(q, "IndexScan(t t_a_idx)")
	best.Status = model.StatusOK
	best.ExecutionTimeMs = bestMs
	q.Optimizations = []*model.Optimization{slow, best}
	return q
}

func TestBestRatioSeverity(t *testing.T) {
	tests := []struct {
		name     string
		def      float64
		best     float64
		severity insight.Severity
	}{
		{name: "critical", def: 40, best: 10, severity: insight.SeverityCritical},
		{name: "warning", def: 16, best: 10, severity: insight.SeverityWarning},
		{name: "below threshold", def: 12, best: 10},
		{name: "too fast to matter", def: 0.5, best: 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := insight.BuildMessages(queryWithBest(tt.def, tt.best), cfg())
			if tt.severity == "" {
				assert.Empty(t, msgs)
				return
			}
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.severity, msgs[0].Severity)
			assert.Equal(t, "IndexScan(t t_a_idx)", msgs[0].Anchor)
			assert.Contains(t, msgs[0].Text, "slower than IndexScan(t t_a_idx)")
		})
	}
}

func TestTimedOutDefault(t *testing.T) {
	q := queryWithBest(-1, 5)
	msgs := insight.BuildMessages(q, cfg())
	require.Len(t, msgs, 1)
	assert.Equal(t, insight.SeverityCritical, msgs[0].Severity)
	assert.Equal(t, "Default plan timed out; IndexScan(t t_a_idx) finishes in 5.00 ms", msgs[0].Text)

	q.Optimizations = nil
	msgs = insight.BuildMessages(q, cfg())
	require.Len(t, msgs, 1)
	assert.Equal(t, insight.SeverityWarning, msgs[0].Severity)
}

func TestMismatchAndFailures(t *testing.T) {
	q := queryWithBest(10, 10)
	q.Optimizations[0].ResultMismatch = true
	failed := model.NewOptimization(q, "Leading((t))")
	failed.Status = model.StatusFailed
	q.Optimizations = append(q.Optimizations, failed)

	msgs := insight.BuildMessages(q, cfg())
	require.Len(t, msgs, 2)
	assert.Equal(t, insight.SeverityCritical, msgs[0].Severity)
	assert.Contains(t, msgs[0].Text, "1 hinted plan(s) returned different rows")
	assert.Equal(t, "SeqScan(t)", msgs[0].Anchor)
	assert.Equal(t, insight.Message{Severity: insight.SeverityWarning, Text: "1 hinted plan(s) failed to execute"}, msgs[1])
}

func TestHotspotFromDefaultPlan(t *testing.T) {
	q := model.NewQuery("join", "SELECT 1", nil)
	q.ExecutionPlan = model.NewExecutionPlan(test.LoadPlan(t, "plans.txtar", "nested-loop.plan"))

	msgs := insight.BuildMessages(q, cfg())
	require.Len(t, msgs, 1)
	assert.Equal(t, insight.SeverityCritical, msgs[0].Severity)
	assert.True(t, strings.HasPrefix(msgs[0].Text, "Hot spot: Index Scan t2 self 0.07 ms (62.5%)"), msgs[0].Text)
	assert.Equal(t, "index-scan-t2", msgs[0].Anchor)
}

func TestUnparseableDefaultPlan(t *testing.T) {
	q := model.NewQuery("broken", "SELECT 1", nil)
	q.ExecutionPlan = model.NewExecutionPlan(test.LoadPlan(t, "plans.txtar", "unparseable.plan"))

	msgs := insight.BuildMessages(q, cfg())
	require.Len(t, msgs, 1)
	assert.Equal(t, insight.SeverityInfo, msgs[0].Severity)
}

func TestDriftMessages(t *testing.T) {
	a, err := analyzer.Analyze(model.NewExecutionPlan(
		"Hash Join  (cost=1.00..50.00 rows=10 width=8) (actual time=0.100..9.000 rows=5000 loops=1)\n" +
			"  ->  Seq Scan on a  (cost=0.00..20.00 rows=1000 width=4) (actual time=0.010..2.000 rows=1000 loops=1)\n" +
			"  ->  Seq Scan on b  (cost=0.00..20.00 rows=100 width=4) (actual time=0.010..1.000 rows=20 loops=1)"))
	require.NoError(t, err)

	var drift []insight.Message
	for _, m := range insight.PlanMessages(a, cfg()) {
		if strings.HasPrefix(m.Text, "Estimate drift") {
			drift = append(drift, m)
		}
	}
	require.Len(t, drift, 2)
	assert.Equal(t, insight.SeverityCritical, drift[0].Severity)
	assert.Contains(t, drift[0].Text, "Hash Join expected 10 got 5000 (x500.00)")
	assert.Equal(t, insight.SeverityWarning, drift[1].Severity)
	assert.Equal(t, "seq-scan-b", drift[1].Anchor)
}

func TestNestedLoopMessages(t *testing.T) {
	a, err := analyzer.Analyze(model.NewExecutionPlan(
		"Nested Loop  (cost=0.29..95.45 rows=2000 width=8) (actual time=0.031..50.000 rows=2000 loops=1)\n" +
			"  ->  Seq Scan on a  (cost=0.00..22.70 rows=2000 width=4) (actual time=0.010..1.000 rows=2000 loops=1)\n" +
			"  ->  Index Scan using b_pkey on b  (cost=0.29..7.27 rows=1 width=4) (actual time=0.006..0.020 rows=1 loops=2000)\n" +
			"        Index Cond: (id = a.b_id)"))
	require.NoError(t, err)

	var loops []insight.Message
	for _, m := range insight.PlanMessages(a, cfg()) {
		if strings.HasPrefix(m.Text, "Nested Loop:") {
			loops = append(loops, m)
		}
	}
	require.Len(t, loops, 1)
	assert.Equal(t, insight.SeverityWarning, loops[0].Severity)
	assert.Equal(t, "Nested Loop: Nested Loop invoked Index Scan b 2000 times, consider a hash or merge join", loops[0].Text)
	assert.Equal(t, "nested-loop", loops[0].Anchor)
}

func TestBuild(t *testing.T) {
	quiet := queryWithBest(12, 10)
	loud := queryWithBest(40, 10)
	loud.Tag = "loud"
	loud.Optimizations[0].Status = model.StatusFailed

	out := insight.Build(&model.CollectResult{Queries: []*model.Query{quiet, loud}}, cfg())
	require.Len(t, out, 1)
	assert.Equal(t, "loud", out[0].Tag)
	assert.Equal(t, loud.QueryHash, out[0].QueryHash)
	assert.Len(t, out[0].Messages, 2)
	assert.Equal(t, insight.SeverityCritical, out[0].Worst())

	assert.Nil(t, insight.Build(nil, cfg()))
	assert.Equal(t, insight.Severity(""), insight.QueryInsights{}.Worst())
}

func TestLabels(t *testing.T) {
	node := &analyzer.NodeStats{Node: &model.PlanNode{NodeType: "Index Only Scan", TableName: "orders", TableAlias: "o"}}
	assert.Equal(t, "Index Only Scan orders (o)", insight.NodeLabel(node))
	assert.Equal(t, "index-only-scan-orders-o", insight.AnchorID(node))

	long := &analyzer.NodeStats{Node: &model.PlanNode{NodeType: "Seq Scan", TableName: strings.Repeat("x", 80)}}
	assert.Len(t, insight.CompactLabel(long), 60)
	assert.True(t, strings.HasSuffix(insight.CompactLabel(long), "..."))

	assert.Equal(t, "a b", insight.NormalizeWhitespace("  a \n\t b "))
	assert.Empty(t, insight.AnchorID(nil))
}
