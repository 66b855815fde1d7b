package diff

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/model"
)

// Options configures the diff sensitivity.
type Options struct {
	MinDeltaMs       float64
	MinPercentChange float64
	MaxItems         int
	// PlanContext is the number of context lines in plan diffs.
	PlanContext int
}

// OptionsFrom maps the configured thresholds onto diff options.
func OptionsFrom(cfg config.DiffConfig) Options {
	return Options{
		MinDeltaMs:       cfg.MinDeltaMs,
		MinPercentChange: cfg.MinPercentChange,
		MaxItems:         cfg.MaxItems,
	}
}

// Report summarises the delta between two collect results.
type Report struct {
	Summary      SummaryDiff      `json:"summary"`
	Regressions  []Entry          `json:"regressions"`
	Improvements []Entry          `json:"improvements"`
	PlanChanges  []PlanChange     `json:"plan_changes"`
	Added        []string         `json:"added"`
	Removed      []string         `json:"removed"`
	Insights     []insightMessage `json:"insights"`
	Options      Options          `json:"-"`
}

// SummaryDiff covers run-level differences.
type SummaryDiff struct {
	BaseVersion   string  `json:"base_version"`
	TargetVersion string  `json:"target_version"`
	BaseQueries   int     `json:"base_queries"`
	TargetQueries int     `json:"target_queries"`
	Matched       int     `json:"matched"`
	BaseTotalMs   float64 `json:"base_total_ms"`
	TargetTotalMs float64 `json:"target_total_ms"`
	DeltaTotalMs  float64 `json:"delta_total_ms"`
	PercentTotal  float64 `json:"percent_total"`
}

// Entry captures the delta of one query present in both runs.
type Entry struct {
	QueryHash       string  `json:"query_hash"`
	Tag             string  `json:"tag"`
	BaseDefaultMs   float64 `json:"base_default_ms"`
	TargetDefaultMs float64 `json:"target_default_ms"`
	DeltaDefaultMs  float64 `json:"delta_default_ms"`
	PercentChange   float64 `json:"percent_change"`
	BaseTimedOut    bool    `json:"base_timed_out,omitempty"`
	TargetTimedOut  bool    `json:"target_timed_out,omitempty"`
	BaseBestMs      float64 `json:"base_best_ms"`
	TargetBestMs    float64 `json:"target_best_ms"`
	BaseBestHints   string  `json:"base_best_hints,omitempty"`
	TargetBestHints string  `json:"target_best_hints,omitempty"`
	PlanChanged     bool    `json:"plan_changed"`
}

// PlanChange is the unified diff of a default plan that changed between runs.
type PlanChange struct {
	QueryHash string `json:"query_hash"`
	Tag       string `json:"tag"`
	Diff      string `json:"diff"`
}

type insightMessage struct {
	Severity string `json:"severity"`
	Icon     string `json:"icon"`
	Message  string `json:"message"`
}

// Compare builds a diff report for two collect results matched by query hash.
func Compare(base, target *model.CollectResult, opts Options) (*Report, error) {
	if base == nil {
		return nil, errors.New("diff: base result missing")
	}
	if target == nil {
		return nil, errors.New("diff: target result missing")
	}

	opts = applyDefaults(opts)

	report := &Report{
		Summary: SummaryDiff{
			BaseVersion:   base.DBVersion,
			TargetVersion: target.DBVersion,
			BaseQueries:   len(base.Queries),
			TargetQueries: len(target.Queries),
		},
		Options: opts,
	}

	for _, hash := range unionKeys(base, target) {
		b, t := base.Find(hash), target.Find(hash)
		switch {
		case b == nil:
			report.Added = append(report.Added, hash)
			continue
		case t == nil:
			report.Removed = append(report.Removed, hash)
			continue
		}

		report.Summary.Matched++
		if !b.TimedOut() && !t.TimedOut() {
			report.Summary.BaseTotalMs += b.ExecutionTimeMs
			report.Summary.TargetTotalMs += t.ExecutionTimeMs
		}

		entry := buildEntry(b, t)
		if entry.PlanChanged {
			change, err := planChange(b, t, opts.PlanContext)
			if err != nil {
				return nil, err
			}
			report.PlanChanges = append(report.PlanChanges, change)
		}

		if passesRegression(entry, opts) {
			report.Regressions = append(report.Regressions, entry)
		} else if passesImprovement(entry, opts) {
			report.Improvements = append(report.Improvements, entry)
		}
	}

	sort.SliceStable(report.Regressions, func(i, j int) bool {
		return severityKey(report.Regressions[i]) > severityKey(report.Regressions[j])
	})
	sort.SliceStable(report.Improvements, func(i, j int) bool {
		return severityKey(report.Improvements[i]) < severityKey(report.Improvements[j])
	})

	if opts.MaxItems > 0 {
		if len(report.Regressions) > opts.MaxItems {
			report.Regressions = report.Regressions[:opts.MaxItems]
		}
		if len(report.Improvements) > opts.MaxItems {
			report.Improvements = report.Improvements[:opts.MaxItems]
		}
	}

	s := &report.Summary
	s.DeltaTotalMs = s.TargetTotalMs - s.BaseTotalMs
	s.PercentTotal = percentChange(s.BaseTotalMs, s.TargetTotalMs)

	report.Insights = synthesizeInsights(report)
	return report, nil
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# taqo diff\n\n")
	b.WriteString("## Summary\n")
	if r.Summary.BaseVersion != r.Summary.TargetVersion {
		_, _ = fmt.Fprintf(&b, "- Version: %s → %s\n", r.Summary.BaseVersion, r.Summary.TargetVersion)
	}
	_, _ = fmt.Fprintf(&b, "- Queries: %d → %d (%d matched, %d added, %d removed)\n",
		r.Summary.BaseQueries, r.Summary.TargetQueries, r.Summary.Matched, len(r.Added), len(r.Removed))
	_, _ = fmt.Fprintf(&b, "- Default plans: %.3f ms → %.3f ms (%+.3f ms, %+.1f%%)\n\n",
		r.Summary.BaseTotalMs, r.Summary.TargetTotalMs, r.Summary.DeltaTotalMs, r.Summary.PercentTotal)

	b.WriteString("### Insights\n")
	if len(r.Insights) == 0 {
		b.WriteString("- No notable changes detected\n")
	} else {
		for _, insight := range r.Insights {
			_, _ = fmt.Fprintf(&b, "- %s %s\n", insight.Icon, insight.Message)
		}
	}

	b.WriteString("\n### Regressions\n")
	writeEntries(&b, r.Regressions)
	b.WriteString("\n### Improvements\n")
	writeEntries(&b, r.Improvements)

	if len(r.PlanChanges) > 0 {
		b.WriteString("\n### Plan changes\n")
		for _, change := range r.PlanChanges {
			_, _ = fmt.Fprintf(&b, "\n#### %s (%s)\n\n```diff\n%s```\n", change.Tag, shortHash(change.QueryHash), change.Diff)
		}
	}
	return b.String()
}

// JSON marshals the diff report into an indented JSON document.
func (r *Report) JSON() ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil report")
	}
	type alias Report
	return json.MarshalIndent((*alias)(r), "", "  ")
}

func writeEntries(b *strings.Builder, entries []Entry) {
	if len(entries) == 0 {
		b.WriteString("- None above threshold\n")
		return
	}
	b.WriteString("| Query | Base (ms) | Target (ms) | Δ (ms) | Δ % | Best (base → target) | Plan |\n")
	b.WriteString("|---|---:|---:|---:|---:|---|---|\n")
	for _, entry := range entries {
		plan := ""
		if entry.PlanChanged {
			plan = "changed"
		}
		_, _ = fmt.Fprintf(b, "| %s (%s) | %s | %s | %+.2f | %+.1f%% | %s | %s |\n",
			entry.Tag,
			shortHash(entry.QueryHash),
			formatMs(entry.BaseDefaultMs, entry.BaseTimedOut),
			formatMs(entry.TargetDefaultMs, entry.TargetTimedOut),
			entry.DeltaDefaultMs,
			entry.PercentChange,
			bestSummary(entry),
			plan)
	}
}

func formatMs(ms float64, timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	return fmt.Sprintf("%.2f", ms)
}

func bestSummary(entry Entry) string {
	return fmt.Sprintf("%s → %s", formatBest(entry.BaseBestMs, entry.BaseBestHints), formatBest(entry.TargetBestMs, entry.TargetBestHints))
}

func formatBest(ms float64, hints string) string {
	if ms <= 0 {
		return "-"
	}
	if hints == "" {
		return fmt.Sprintf("%.2f", ms)
	}
	return fmt.Sprintf("%.2f `%s`", ms, hints)
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func synthesizeInsights(r *Report) []insightMessage {
	if r == nil {
		return nil
	}
	var insights []insightMessage
	const maxItems = 3

	for i, entry := range r.Regressions {
		if i >= maxItems {
			break
		}
		var text string
		if entry.TargetTimedOut {
			text = fmt.Sprintf("%s (%s) now times out, was %.2f ms", entry.Tag, shortHash(entry.QueryHash), entry.BaseDefaultMs)
		} else {
			text = fmt.Sprintf("%s (%s) default +%.2f ms (+%.1f%%)", entry.Tag, shortHash(entry.QueryHash), entry.DeltaDefaultMs, entry.PercentChange)
		}
		if entry.PlanChanged {
			text += ", plan changed"
		}
		insights = append(insights, insightMessage{Severity: "critical", Icon: "🔥", Message: text})
	}

	for i, entry := range r.Improvements {
		if i >= maxItems {
			break
		}
		var text string
		if entry.BaseTimedOut {
			text = fmt.Sprintf("%s (%s) no longer times out, now %.2f ms", entry.Tag, shortHash(entry.QueryHash), entry.TargetDefaultMs)
		} else {
			text = fmt.Sprintf("%s (%s) default %.2f ms (%.1f%%)", entry.Tag, shortHash(entry.QueryHash), entry.DeltaDefaultMs, entry.PercentChange)
		}
		insights = append(insights, insightMessage{Severity: "improvement", Icon: "✅", Message: text})
	}

	changed := 0
	for _, change := range r.PlanChanges {
		if !containsHash(r.Regressions, change.QueryHash) {
			changed++
		}
	}
	if changed > 0 {
		text := fmt.Sprintf("%d default plan(s) changed without a significant time change", changed)
		insights = append(insights, insightMessage{Severity: "warning", Icon: "⚠️", Message: text})
	}

	if len(r.Removed) > 0 {
		text := fmt.Sprintf("%d query(ies) missing from the target run", len(r.Removed))
		insights = append(insights, insightMessage{Severity: "warning", Icon: "⚠️", Message: text})
	}

	return insights
}

func containsHash(entries []Entry, hash string) bool {
	for _, e := range entries {
		if e.QueryHash == hash {
			return true
		}
	}
	return false
}

func unionKeys(base, target *model.CollectResult) []string {
	seen := map[string]struct{}{}
	for _, q := range base.Queries {
		seen[q.QueryHash] = struct{}{}
	}
	for _, q := range target.Queries {
		seen[q.QueryHash] = struct{}{}
	}
	all := make([]string, 0, len(seen))
	for k := range seen {
		all = append(all, k)
	}
	sort.Strings(all)
	return all
}

func buildEntry(base, target *model.Query) Entry {
	entry := Entry{
		QueryHash:       base.QueryHash,
		Tag:             target.Tag,
		BaseDefaultMs:   base.ExecutionTimeMs,
		TargetDefaultMs: target.ExecutionTimeMs,
		BaseTimedOut:    base.TimedOut(),
		TargetTimedOut:  target.TimedOut(),
		PlanChanged:     planChanged(base, target),
	}
	if !entry.BaseTimedOut && !entry.TargetTimedOut {
		entry.DeltaDefaultMs = target.ExecutionTimeMs - base.ExecutionTimeMs
		entry.PercentChange = percentChange(base.ExecutionTimeMs, target.ExecutionTimeMs)
	}
	if best := base.BestOptimization(); best != nil {
		entry.BaseBestMs, entry.BaseBestHints = best.ExecutionTimeMs, best.ExplainHints
	}
	if best := target.BestOptimization(); best != nil {
		entry.TargetBestMs, entry.TargetBestHints = best.ExecutionTimeMs, best.ExplainHints
	}
	return entry
}

// comparablePlan prefers the cost-off plan since it is stable across runs.
func comparablePlan(q *model.Query) *model.ExecutionPlan {
	if !q.CostOffExplain.Empty() {
		return q.CostOffExplain
	}
	return q.ExecutionPlan
}

func planChanged(base, target *model.Query) bool {
	b, t := comparablePlan(base), comparablePlan(target)
	if b.Empty() || t.Empty() {
		return false
	}
	return !b.Equal(t)
}

func planChange(base, target *model.Query, context int) (PlanChange, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(withNewline(comparablePlan(base).NoCostPlan())),
		B:        difflib.SplitLines(withNewline(comparablePlan(target).NoCostPlan())),
		FromFile: "base",
		ToFile:   "target",
		Context:  context,
	})
	if err != nil {
		return PlanChange{}, errors.Wrapf(err, "diff: plan of %s", base.QueryHash)
	}
	return PlanChange{QueryHash: base.QueryHash, Tag: target.Tag, Diff: text}, nil
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func passesRegression(entry Entry, opts Options) bool {
	if entry.TargetTimedOut {
		return !entry.BaseTimedOut
	}
	if entry.BaseTimedOut {
		return false
	}
	return entry.DeltaDefaultMs >= opts.MinDeltaMs && entry.PercentChange >= opts.MinPercentChange
}

func passesImprovement(entry Entry, opts Options) bool {
	if entry.BaseTimedOut {
		return !entry.TargetTimedOut
	}
	if entry.TargetTimedOut {
		return false
	}
	return entry.DeltaDefaultMs <= -opts.MinDeltaMs && entry.PercentChange <= -opts.MinPercentChange
}

// severityKey ranks timeouts beyond any finite delta.
func severityKey(entry Entry) float64 {
	switch {
	case entry.TargetTimedOut && !entry.BaseTimedOut:
		return math.Inf(1)
	case entry.BaseTimedOut && !entry.TargetTimedOut:
		return math.Inf(-1)
	default:
		return entry.DeltaDefaultMs
	}
}

func percentChange(base, target float64) float64 {
	const eps = 1e-9
	if math.Abs(base) <= eps {
		if math.Abs(target) <= eps {
			return 0
		}
		if target > 0 {
			return 100
		}
		return -100
	}
	return (target - base) / math.Abs(base) * 100
}

func applyDefaults(opts Options) Options {
	defaults := OptionsFrom(config.Default().Diff)
	if opts.MinDeltaMs <= 0 {
		opts.MinDeltaMs = defaults.MinDeltaMs
	}
	if opts.MinPercentChange <= 0 {
		opts.MinPercentChange = defaults.MinPercentChange
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaults.MaxItems
	}
	if opts.PlanContext <= 0 {
		opts.PlanContext = 3
	}
	return opts
}
