package tui

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/mickamy/taqo/internal/analyzer"
	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/insight"
	"github.com/mickamy/taqo/internal/model"
)

// Options controls how the TUI renderer behaves.
type Options struct {
	EnableColor  bool
	MaxDepth     int
	ShowWarnings bool
	BarWidth     int
	// Plans prints the analyzed default plan of every query below the summary.
	Plans    bool
	Insights config.InsightConfig
}

// RenderReport prints a per-query summary of a collect result followed by insights.
func RenderReport(w io.Writer, result *model.CollectResult, opts Options) error {
	if w == nil {
		return errors.New("tui: writer is nil")
	}
	if result == nil {
		return errors.New("tui: empty result")
	}

	optimizations, mismatches := 0, 0
	for _, q := range result.Queries {
		optimizations += len(q.Optimizations)
		for _, o := range q.Optimizations {
			if o.ResultMismatch {
				mismatches++
			}
		}
	}
	if result.DBVersion != "" {
		_, _ = fmt.Fprintf(w, "%s\n", result.DBVersion)
	}
	_, _ = fmt.Fprintf(w, "Queries %s | Optimizations %s | Result mismatches %s\n\n",
		humanize.Comma(int64(len(result.Queries))), humanize.Comma(int64(optimizations)), humanize.Comma(int64(mismatches)))

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Tag", "Query", "Default (ms)", "Best (ms)", "Ratio", "Best hints", "Plans"})
	for _, q := range result.Queries {
		table.Append(summaryRow(q))
	}
	table.Render()

	all := insight.Build(result, opts.Insights)
	if len(all) > 0 {
		_, _ = fmt.Fprintln(w, "\nInsights:")
		for _, qi := range all {
			_, _ = fmt.Fprintf(w, "  %s (%s)\n", qi.Tag, shortHash(qi.QueryHash))
			for _, msg := range qi.Messages {
				text := msg.Text
				if opts.EnableColor {
					text = applyColor(text, severityColor(msg.Severity))
				}
				_, _ = fmt.Fprintf(w, "    - %s %s\n", severityIcon(msg.Severity), text)
			}
		}
	}

	if !opts.Plans {
		return nil
	}
	for _, q := range result.Queries {
		if q.ExecutionPlan.Empty() {
			continue
		}
		_, _ = fmt.Fprintf(w, "\n== %s (%s)\n", q.Tag, shortHash(q.QueryHash))
		analysis, err := analyzer.Analyze(q.ExecutionPlan)
		if err != nil {
			_, _ = fmt.Fprintf(w, "plan not analyzable: %v\n", err)
			continue
		}
		if err := RenderPlan(w, analysis, opts); err != nil {
			return err
		}
	}
	return nil
}

func summaryRow(q *model.Query) []string {
	best := q.BestOptimization()
	bestMs, ratio, hints := "-", "-", ""
	if best != nil {
		bestMs = formatMs(best.ExecutionTimeMs)
		hints = insight.NormalizeWhitespace(best.ExplainHints)
		if q.ExecutionTimeMs > 0 {
			ratio = fmt.Sprintf("x%.2f", q.ExecutionTimeMs/best.ExecutionTimeMs)
		}
	}
	plans := make(map[string]struct{}, len(q.Optimizations))
	for _, o := range q.Optimizations {
		if o.Status == model.StatusOK {
			plans[o.CostOffExplain.Hash()] = struct{}{}
		}
	}
	return []string{
		q.Tag,
		shortHash(q.QueryHash),
		formatMs(q.ExecutionTimeMs),
		bestMs,
		ratio,
		hints,
		fmt.Sprintf("%d/%d", len(plans), len(q.Optimizations)),
	}
}

// RenderChart prints one row per series of a collected chart.
func RenderChart(w io.Writer, chart *analyzer.Chart) error {
	if w == nil {
		return errors.New("tui: writer is nil")
	}
	if chart == nil {
		return errors.New("tui: empty chart")
	}
	_, _ = fmt.Fprintf(w, "%s (%s)\n", chart.Spec.Title, chart.Spec.Name)
	if chart.Skipped > 0 {
		_, _ = fmt.Fprintf(w, "%s plan(s) skipped\n", humanize.Comma(int64(chart.Skipped)))
	}

	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	if chart.Spec.Kind == analyzer.ChartBoxplot {
		table.SetHeader([]string{"Series", "Points", "Min", "Q1", "Median", "Q3", "Max", "Outliers"})
	} else {
		table.SetHeader([]string{"Series", "Points", "X range", "Y range (ms)"})
	}
	for _, s := range chart.Series {
		count := humanize.Comma(int64(len(s.Points)))
		if s.Summary != nil {
			sum := s.Summary
			table.Append([]string{
				s.Label, count,
				formatMs(sum.Min), formatMs(sum.Q1), formatMs(sum.Median), formatMs(sum.Q3), formatMs(sum.Max),
				fmt.Sprintf("%d", len(sum.Outliers)),
			})
			continue
		}
		minX, maxX, minY, maxY := bounds(s.Points)
		table.Append([]string{
			s.Label, count,
			fmt.Sprintf("%s..%s", humanize.CommafWithDigits(minX, 2), humanize.CommafWithDigits(maxX, 2)),
			fmt.Sprintf("%s..%s", formatMs(minY), formatMs(maxY)),
		})
	}
	table.Render()
	return nil
}

func bounds(points []analyzer.Point) (minX, maxX, minY, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	return minX, maxX, minY, maxY
}

// RenderPlan prints an ASCII tree that highlights hot nodes and row estimation issues.
func RenderPlan(w io.Writer, analysis *analyzer.PlanAnalysis, opts Options) error {
	if w == nil {
		return errors.New("tui: writer is nil")
	}
	if analysis == nil || analysis.Root == nil {
		return errors.New("tui: empty analysis")
	}

	if opts.BarWidth <= 0 {
		opts.BarWidth = 20
	}

	_, _ = fmt.Fprintf(w, "Execution time %.3f ms (planning %.3f ms)\n", analysis.TotalTimeMs, analysis.PlanningTimeMs)
	_, _ = fmt.Fprintf(w, "Nodes %d | Hot nodes >=10%% runtime %d | Divergent estimates %d\n\n",
		analysis.NodeCount, len(analysis.HotNodes), len(analysis.DivergentNodes))

	renderInsights(w, analysis, opts)

	_, _ = fmt.Fprintf(w, "%s\n", renderLine(analysis.Root, opts))
	printChildren(w, analysis.Root, "", opts)

	return nil
}

func printChildren(w io.Writer, parent *analyzer.NodeStats, prefix string, opts Options) {
	for i, child := range parent.Children {
		renderBranch(w, child, prefix, i == len(parent.Children)-1, opts)
	}
}

func renderBranch(w io.Writer, node *analyzer.NodeStats, prefix string, isLast bool, opts Options) {
	connector := "|-- "
	childPrefix := prefix + "|   "
	if isLast {
		connector = "`-- "
		childPrefix = prefix + "    "
	}

	line := renderLine(node, opts)
	_, _ = fmt.Fprintf(w, "%s%s%s\n", prefix, connector, line)

	if opts.MaxDepth > 0 && node.Depth >= opts.MaxDepth {
		if len(node.Children) > 0 {
			_, _ = fmt.Fprintf(w, "%s`-- ... (%d more nodes)\n", childPrefix, countDescendants(node))
		}
		return
	}

	printChildren(w, node, childPrefix, opts)
}

func renderLine(node *analyzer.NodeStats, opts Options) string {
	label := insight.NodeLabel(node)
	if node.Node.IndexName != "" {
		label += " using " + node.Node.IndexName
	}

	if node.Node.NeverExecuted() {
		return label + " | never executed"
	}

	self := fmt.Sprintf("self %.2f ms", node.ExclusiveTimeMs)
	share := fmt.Sprintf("%5.1f%%", node.PercentExclusive*100)

	bar := drawBar(node.PercentExclusive, opts.BarWidth)
	barColor := pickColor(node.PercentExclusive)
	if !opts.EnableColor {
		barColor = ""
	}
	if barColor != "" {
		bar = applyColor(bar, barColor)
	}

	rowInfo := ""
	if node.EstimatedRows > 0 || node.ActualTotalRows > 0 {
		rowInfo = fmt.Sprintf("rows %.0f/%.0f", node.ActualTotalRows, node.EstimatedRows)
		if node.RowEstimateFactor > 0 && !math.IsInf(node.RowEstimateFactor, 0) {
			rowInfo += fmt.Sprintf(" (x%.2f)", node.RowEstimateFactor)
		} else if math.IsInf(node.RowEstimateFactor, 1) {
			rowInfo += " (unbounded)"
		}
	}

	loopInfo := ""
	if node.Node.NLoops > 1 {
		loopInfo = "loops " + humanize.Comma(int64(node.Node.NLoops))
	}

	warningText := ""
	if len(node.Warnings) > 0 {
		warningText = strings.Join(node.Warnings, "; ")
		if opts.ShowWarnings && opts.EnableColor {
			warningText = applyColor(warningText, "yellow")
		}
		warningText = " [" + warningText + "]"
	}

	parts := []string{label, self, share, bar}
	if rowInfo != "" {
		parts = append(parts, rowInfo)
	}
	if loopInfo != "" {
		parts = append(parts, loopInfo)
	}

	return strings.Join(parts, " | ") + warningText
}

func renderInsights(w io.Writer, analysis *analyzer.PlanAnalysis, opts Options) {
	messages := insight.PlanMessages(analysis, opts.Insights)
	if len(messages) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "Insights:")
	for _, msg := range messages {
		icon := severityIcon(msg.Severity)
		_, _ = fmt.Fprintf(w, "  - %s %s\n", icon, msg.Text)
	}
	_, _ = fmt.Fprintln(w)
}

func formatMs(ms float64) string {
	switch {
	case ms < 0:
		return "timeout"
	case ms == 0:
		return "-"
	default:
		return humanize.CommafWithDigits(ms, 2)
	}
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

func drawBar(ratio float64, width int) string {
	if width <= 0 {
		return ""
	}
	clamped := math.Min(math.Max(ratio, 0), 1)
	fill := int(math.Round(clamped * float64(width)))
	if clamped > 0 && fill == 0 {
		fill = 1
	}
	return strings.Repeat("#", fill) + strings.Repeat("-", width-fill)
}

func pickColor(ratio float64) string {
	switch {
	case ratio >= 0.40:
		return "red"
	case ratio >= 0.20:
		return "yellow"
	case ratio >= 0.10:
		return "cyan"
	default:
		return ""
	}
}

func applyColor(text, color string) string {
	code := ""
	switch color {
	case "red":
		code = "\033[31m"
	case "yellow":
		code = "\033[33m"
	case "cyan":
		code = "\033[36m"
	default:
		return text
	}
	return code + text + "\033[0m"
}

func countDescendants(node *analyzer.NodeStats) int {
	total := 0
	var walk func(*analyzer.NodeStats)
	walk = func(n *analyzer.NodeStats) {
		for _, child := range n.Children {
			total++
			walk(child)
		}
	}
	walk(node)
	return total
}

func severityIcon(sev insight.Severity) string {
	switch sev {
	case insight.SeverityCritical:
		return "🔥"
	case insight.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func severityColor(sev insight.Severity) string {
	switch sev {
	case insight.SeverityCritical:
		return "red"
	case insight.SeverityWarning:
		return "yellow"
	default:
		return ""
	}
}
