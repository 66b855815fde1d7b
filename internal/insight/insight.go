package insight

import (
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mickamy/taqo/internal/analyzer"
	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/parser"
)

// Severity expresses the urgency of an insight message.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message represents an actionable observation about a query.
type Message struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
	Anchor   string   `json:"anchor,omitempty"`
}

// QueryInsights groups the messages of one query.
type QueryInsights struct {
	QueryHash string    `json:"query_hash"`
	Tag       string    `json:"tag"`
	Messages  []Message `json:"messages"`
}

// Worst returns the highest severity among the messages.
func (qi QueryInsights) Worst() Severity {
	worst := Severity("")
	for _, m := range qi.Messages {
		if rank(m.Severity) > rank(worst) {
			worst = m.Severity
		}
	}
	return worst
}

func rank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Build derives messages for every query of result. Queries without findings are omitted.
func Build(result *model.CollectResult, cfg config.InsightConfig) []QueryInsights {
	if result == nil {
		return nil
	}
	var out []QueryInsights
	for _, q := range result.Queries {
		msgs := BuildMessages(q, cfg)
		if len(msgs) == 0 {
			continue
		}
		out = append(out, QueryInsights{QueryHash: q.QueryHash, Tag: q.Tag, Messages: msgs})
	}
	return out
}

// BuildMessages derives human-readable insight messages for a query and its optimizations.
func BuildMessages(q *model.Query, cfg config.InsightConfig) []Message {
	if q == nil {
		return nil
	}
	var out []Message

	if msg := timeoutMessage(q); msg != nil {
		out = append(out, *msg)
	}

	if msg := bestRatioMessage(q, cfg); msg != nil {
		out = append(out, *msg)
	}

	if msg := mismatchMessage(q); msg != nil {
		out = append(out, *msg)
	}

	if msg := failedMessage(q); msg != nil {
		out = append(out, *msg)
	}

	if q.ExecutionPlan.Empty() {
		return out
	}
	analysis, err := analyzer.Analyze(q.ExecutionPlan)
	if err != nil {
		return append(out, unanalyzableMessage(err))
	}
	return append(out, PlanMessages(analysis, cfg)...)
}

// PlanMessages derives messages from the shape of a single analyzed plan.
func PlanMessages(analysis *analyzer.PlanAnalysis, cfg config.InsightConfig) []Message {
	if analysis == nil {
		return nil
	}
	var out []Message

	if msg := hotspotMessage(analysis, cfg); msg != nil {
		out = append(out, *msg)
	}

	out = append(out, driftMessages(analysis, cfg)...)
	out = append(out, nestedLoopMessages(analysis, cfg)...)

	return out
}

func timeoutMessage(q *model.Query) *Message {
	if !q.TimedOut() {
		return nil
	}
	best := q.BestOptimization()
	if best == nil {
		return &Message{Severity: SeverityWarning, Text: "Default plan timed out and no hinted plan finished"}
	}
	text := fmt.Sprintf("Default plan timed out; %s finishes in %.2f ms", hintsLabel(best.ExplainHints), best.ExecutionTimeMs)
	return &Message{Severity: SeverityCritical, Text: text, Anchor: best.ExplainHints}
}

func bestRatioMessage(q *model.Query, cfg config.InsightConfig) *Message {
	if q.ExecutionTimeMs <= 0 || q.ExecutionTimeMs < cfg.MinDefaultTimeMs {
		return nil
	}
	best := q.BestOptimization()
	if best == nil || best.ExecutionTimeMs >= q.ExecutionTimeMs {
		return nil
	}
	ratio := q.ExecutionTimeMs / best.ExecutionTimeMs
	severity := SeverityInfo
	switch {
	case cfg.BestRatioCritical > 0 && ratio >= cfg.BestRatioCritical:
		severity = SeverityCritical
	case cfg.BestRatioWarning > 0 && ratio >= cfg.BestRatioWarning:
		severity = SeverityWarning
	default:
		return nil
	}
	text := fmt.Sprintf("Default plan %.2f ms is x%.2f slower than %s at %.2f ms",
		q.ExecutionTimeMs, ratio, hintsLabel(best.ExplainHints), best.ExecutionTimeMs)
	return &Message{Severity: severity, Text: text, Anchor: best.ExplainHints}
}

func mismatchMessage(q *model.Query) *Message {
	var first *model.Optimization
	count := 0
	for _, o := range q.Optimizations {
		if !o.ResultMismatch {
			continue
		}
		if first == nil {
			first = o
		}
		count++
	}
	if count == 0 {
		return nil
	}
	text := fmt.Sprintf("Result mismatch: %d hinted plan(s) returned different rows than the default, first %s",
		count, hintsLabel(first.ExplainHints))
	return &Message{Severity: SeverityCritical, Text: text, Anchor: first.ExplainHints}
}

func failedMessage(q *model.Query) *Message {
	count := 0
	for _, o := range q.Optimizations {
		if o.Status == model.StatusFailed {
			count++
		}
	}
	if count == 0 {
		return nil
	}
	return &Message{Severity: SeverityWarning, Text: fmt.Sprintf("%d hinted plan(s) failed to execute", count)}
}

func unanalyzableMessage(err error) Message {
	switch {
	case errors.Is(err, parser.ErrInvalidCost):
		return Message{Severity: SeverityInfo, Text: "Default plan carries costs that could not be repaired"}
	default:
		return Message{Severity: SeverityInfo, Text: "Default plan could not be parsed"}
	}
}

func hotspotMessage(analysis *analyzer.PlanAnalysis, cfg config.InsightConfig) *Message {
	if len(analysis.HotNodes) == 0 {
		return nil
	}
	hot := analysis.HotNodes[0]
	if hot.ExclusiveTimeMs <= 0 {
		return nil
	}
	text := fmt.Sprintf("Hot spot: %s self %.2f ms (%.1f%%)", CompactLabel(hot), hot.ExclusiveTimeMs, hot.PercentExclusive*100)
	if hot.Flags.IsSeqScan && (hot.Node.LocalFilter() != "" || hot.Node.RemoteFilter() != "") {
		text += ", consider adding an index or tightening the filter"
	}
	return &Message{Severity: severityForHotspot(hot, cfg), Text: text, Anchor: AnchorID(hot)}
}

func severityForHotspot(node *analyzer.NodeStats, cfg config.InsightConfig) Severity {
	switch {
	case node.PercentExclusive >= cfg.HotspotCriticalPercent:
		return SeverityCritical
	case node.PercentExclusive >= cfg.HotspotWarningPercent:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func driftMessages(analysis *analyzer.PlanAnalysis, cfg config.InsightConfig) []Message {
	const limit = 2
	var msgs []Message
	for _, node := range analysis.DivergentNodes {
		if len(msgs) >= limit {
			break
		}
		ratio := node.RowEstimateFactor
		text := fmt.Sprintf("Estimate drift: %s expected %.0f got %.0f", CompactLabel(node), node.EstimatedRows, node.ActualTotalRows)
		if math.IsInf(ratio, 1) {
			text += " (unbounded)"
		} else if !math.IsNaN(ratio) {
			text += fmt.Sprintf(" (x%.2f)", ratio)
		}
		text += ", update statistics (ANALYZE) or review estimates"
		severity := SeverityWarning
		if ratio >= cfg.RowEstimateCriticalHigh || ratio <= cfg.RowEstimateCriticalLow {
			severity = SeverityCritical
		}
		msgs = append(msgs, Message{Severity: severity, Text: text, Anchor: AnchorID(node)})
	}
	return msgs
}

func nestedLoopMessages(analysis *analyzer.PlanAnalysis, cfg config.InsightConfig) []Message {
	if analysis.Root == nil || cfg.NestedLoopWarnLoops <= 0 {
		return nil
	}
	var msgs []Message
	walkNodes(analysis.Root, func(node *analyzer.NodeStats) {
		if node.Node.NodeType != "Nested Loop" {
			return
		}
		for _, child := range node.Children {
			if child.Node.NLoops <= cfg.NestedLoopWarnLoops || !child.Node.IsScan() {
				continue
			}
			text := fmt.Sprintf("Nested Loop: %s invoked %s %.0f times, consider a hash or merge join",
				CompactLabel(node), CompactLabel(child), child.Node.NLoops)
			severity := SeverityWarning
			if child.Node.NLoops >= cfg.NestedLoopCriticalLoops {
				severity = SeverityCritical
			}
			msgs = append(msgs, Message{Severity: severity, Text: text, Anchor: AnchorID(node)})
			break
		}
	})
	if len(msgs) > 2 {
		return msgs[:2]
	}
	return msgs
}

func walkNodes(node *analyzer.NodeStats, fn func(*analyzer.NodeStats)) {
	if node == nil {
		return
	}
	fn(node)
	for _, child := range node.Children {
		walkNodes(child, fn)
	}
}

func hintsLabel(hints string) string {
	if hints == "" {
		return "the unhinted plan"
	}
	return NormalizeWhitespace(hints)
}

// NodeLabel builds a descriptive label for a plan node.
func NodeLabel(node *analyzer.NodeStats) string {
	if node == nil {
		return ""
	}
	n := node.Node
	label := n.NodeType
	switch {
	case n.TableName != "":
		label = fmt.Sprintf("%s %s", label, n.TableName)
		if n.TableAlias != "" && n.TableAlias != n.TableName {
			label = fmt.Sprintf("%s (%s)", label, n.TableAlias)
		}
	case n.TableAlias != "":
		label = fmt.Sprintf("%s (%s)", label, n.TableAlias)
	}
	return label
}

// CompactLabel shortens long labels for inline summaries.
func CompactLabel(node *analyzer.NodeStats) string {
	label := NodeLabel(node)
	if len(label) > 60 {
		return label[:57] + "..."
	}
	return label
}

// NormalizeWhitespace collapses whitespace for use in single-line text.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var anchorReplacer = strings.NewReplacer(" ", "-", "/", "-", "\\", "-", "(", "", ")", "", ",", "")

// AnchorID derives a stable identifier for a plan node.
func AnchorID(node *analyzer.NodeStats) string {
	if node == nil {
		return ""
	}
	label := anchorReplacer.Replace(strings.ToLower(NodeLabel(node)))
	for strings.Contains(label, "--") {
		label = strings.ReplaceAll(label, "--", "-")
	}
	return label
}
