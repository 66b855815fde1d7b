package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/store"
	"github.com/mickamy/taqo/test"
)

func saveResult(t *testing.T, name string, defaultMs float64) string {
	t.Helper()
	q := model.NewQuery("join", "SELECT * FROM t1 JOIN t2 ON t1.a = t2.a WHERE t1.b < 10",
		[]model.Table{{Name: "t1"}, {Name: "t2"}})
	q.ExecutionTimeMs = defaultMs
	q.ExecutionPlan = model.NewExecutionPlan(test.LoadPlan(t, "plans.txtar", "nested-loop.plan"))
	q.CostOffExplain = model.NewExecutionPlan(q.ExecutionPlan.NoCostPlan())

	o := model.NewOptimization(q, "Leading((t2 t1))")
	o.Status = model.StatusOK
	o.ExecutionTimeMs = 2
	o.ExecutionPlan = model.NewExecutionPlan(test.LoadPlan(t, "plans.txtar", "yb-scans.plan"))
	q.Optimizations = []*model.Optimization{o}

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, store.Save(path, &model.CollectResult{DBVersion: "PostgreSQL 16.1", Queries: []*model.Query{q}}))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("TAQO_CONFIG", "")
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestReportCommand(t *testing.T) {
	out, err := execute(t, "report", saveResult(t, "run.json", 10))
	require.NoError(t, err)
	assert.Contains(t, out, "Queries 1 | Optimizations 1")
	assert.Contains(t, out, "Leading((t2 t1))")
	assert.Contains(t, out, "x5.00")
}

func TestDiffCommand(t *testing.T) {
	base := saveResult(t, "base.json", 10)
	target := saveResult(t, "target.json", 30)

	out, err := execute(t, "diff", base, target)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# taqo diff\n"), out)
	assert.Contains(t, out, "default +20.00 ms")

	out, err = execute(t, "diff", "--format", "json", base, target)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded["regressions"], 1)

	_, err = execute(t, "diff", "--format", "xml", base, target)
	require.Error(t, err)
}

func TestMetricsCommand(t *testing.T) {
	out, err := execute(t, "metrics", "--list")
	require.NoError(t, err)
	assert.Contains(t, out, "seq-scan-cost")

	path := saveResult(t, "run.json", 10)
	out, err = execute(t, "metrics", "--chart", "seq-scan-cost", path)
	require.NoError(t, err)
	var charts []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &charts))
	require.Len(t, charts, 1)
	assert.Equal(t, "seq-scan-cost", charts[0]["spec"].(map[string]any)["name"])

	out, err = execute(t, "metrics", "--format", "table", "--chart", "node-time", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Time per node type (node-time)")

	_, err = execute(t, "metrics", "--chart", "nope", path)
	require.Error(t, err)
	_, err = execute(t, "metrics")
	require.Error(t, err)
}

func TestCollectRequiresQueries(t *testing.T) {
	_, err := execute(t, "collect", "--no-progress")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--sql or --query is required")

	_, err = execute(t, "collect", "--query", "SELECT 1", "--sql", "x.sql")
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--short")
	require.NoError(t, err)
	v, _ := resolveVersion()
	assert.Equal(t, v+"\n", out)
}
