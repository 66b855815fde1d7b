package analyzer

import (
	"sort"

	"github.com/montanaflynn/stats"

	"github.com/mickamy/taqo/internal/model"
)

// ChartKind selects how a chart is drawn.
type ChartKind string

const (
	ChartBoxplot ChartKind = "boxplot"
	ChartXY      ChartKind = "x-y"
)

// QueryFilter selects the queries a chart looks at.
type QueryFilter func(q *model.Query, flags QueryFlags) bool

// NodeFilter selects the plan nodes a chart plots.
type NodeFilter func(n *NodeStats) bool

// XFunc extracts the x value of a node.
type XFunc func(n *NodeStats) float64

// LabelFunc names the series a node belongs to.
type LabelFunc func(n *NodeStats) string

// ChartOptions tune how points are computed and drawn.
type ChartOptions struct {
	LogX bool `json:"log_x,omitempty"`
	LogY bool `json:"log_y,omitempty"`
	// CostAdjusted scales the estimated cost by actual over estimated rows.
	CostAdjusted bool `json:"cost_adjusted,omitempty"`
	// MultiplyByLoops reports per-node time over all loops.
	MultiplyByLoops bool `json:"multiply_by_loops,omitempty"`
	ShowOutliers    bool `json:"show_outliers,omitempty"`
}

// ChartSpec describes one chart over a collect result.
type ChartSpec struct {
	Name         string       `json:"name"`
	Title        string       `json:"title"`
	Kind         ChartKind    `json:"kind"`
	SeriesSuffix string       `json:"series_suffix,omitempty"`
	Options      ChartOptions `json:"options"`

	QueryFilter QueryFilter `json:"-"`
	NodeFilter  NodeFilter  `json:"-"`
	X           XFunc       `json:"-"`
	Label       LabelFunc   `json:"-"`
}

// Builder derives chart specs from a parent without touching it.
type Builder struct {
	spec ChartSpec
}

// From starts a builder from a copy of spec.
func From(spec ChartSpec) *Builder {
	return &Builder{spec: spec}
}

// Name sets the name and title of the derived chart.
func (b *Builder) Name(name, title string) *Builder {
	b.spec.Name, b.spec.Title = name, title
	return b
}

// WhereQuery adds a query filter on top of the existing one.
func (b *Builder) WhereQuery(f QueryFilter) *Builder {
	parent := b.spec.QueryFilter
	b.spec.QueryFilter = func(q *model.Query, flags QueryFlags) bool {
		return (parent == nil || parent(q, flags)) && f(q, flags)
	}
	return b
}

// WhereNode adds a node filter on top of the existing one.
func (b *Builder) WhereNode(f NodeFilter) *Builder {
	parent := b.spec.NodeFilter
	b.spec.NodeFilter = func(n *NodeStats) bool {
		return (parent == nil || parent(n)) && f(n)
	}
	return b
}

// Suffix appends s to the series labels.
func (b *Builder) Suffix(s string) *Builder {
	b.spec.SeriesSuffix += s
	return b
}

// Options edits the chart options.
func (b *Builder) Options(fn func(*ChartOptions)) *Builder {
	fn(&b.spec.Options)
	return b
}

// Build returns the derived spec.
func (b *Builder) Build() ChartSpec {
	return b.spec
}

// Point is one plotted node.
type Point struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	QueryHash string  `json:"query_hash"`
	Hints     string  `json:"hints,omitempty"`
	NodeName  string  `json:"node"`
}

// Summary is the five-number summary of a boxplot series.
type Summary struct {
	Min      float64   `json:"min"`
	Q1       float64   `json:"q1"`
	Median   float64   `json:"median"`
	Q3       float64   `json:"q3"`
	Max      float64   `json:"max"`
	Outliers []float64 `json:"outliers,omitempty"`
}

// Series groups the points sharing a label.
type Series struct {
	Label   string   `json:"label"`
	Points  []Point  `json:"points"`
	Summary *Summary `json:"summary,omitempty"`
}

// Chart is the collected data of a spec.
type Chart struct {
	Spec   ChartSpec `json:"spec"`
	Series []Series  `json:"series"`
	// Skipped counts plans left out because they could not be parsed or repaired.
	Skipped int `json:"skipped"`
}

// Collect walks every analyzable plan of result and groups the matching nodes into series.
// Nodes that never executed are left out.
func Collect(result *model.CollectResult, spec ChartSpec) (*Chart, error) {
	chart := &Chart{Spec: spec}
	if result == nil {
		return chart, nil
	}
	x := spec.X
	if x == nil {
		x = EstimatedCost(spec.Options.CostAdjusted)
	}
	label := spec.Label
	if label == nil {
		label = ByNodeType
	}

	bySeries := map[string]*Series{}
	for _, q := range result.Queries {
		qa := AnalyzeQuery(q)
		chart.Skipped += qa.Skipped
		if spec.QueryFilter != nil && !spec.QueryFilter(q, qa.Flags) {
			continue
		}
		for _, plan := range qa.Plans {
			for _, n := range plan.Analysis.Nodes() {
				if n.Node.NeverExecuted() || (spec.NodeFilter != nil && !spec.NodeFilter(n)) {
					continue
				}
				p := Point{
					X:         x(n),
					Y:         actualTime(n, spec.Options.MultiplyByLoops),
					QueryHash: q.QueryHash,
					Hints:     plan.Hints(q),
					NodeName:  n.Node.Name,
				}
				if (spec.Options.LogX && p.X <= 0) || (spec.Options.LogY && p.Y <= 0) {
					continue
				}
				name := label(n) + spec.SeriesSuffix
				s, ok := bySeries[name]
				if !ok {
					s = &Series{Label: name}
					bySeries[name] = s
				}
				s.Points = append(s.Points, p)
			}
		}
	}

	labels := make([]string, 0, len(bySeries))
	for name := range bySeries {
		labels = append(labels, name)
	}
	sort.Strings(labels)
	for _, name := range labels {
		s := bySeries[name]
		if spec.Kind == ChartBoxplot {
			summary, err := Summarize(s.Points, spec.Options.ShowOutliers)
			if err != nil {
				return nil, err
			}
			s.Summary = summary
		}
		chart.Series = append(chart.Series, *s)
	}
	return chart, nil
}

// Summarize computes the boxplot summary of the y values of points.
func Summarize(points []Point, outliers bool) (*Summary, error) {
	data := make(stats.Float64Data, 0, len(points))
	for _, p := range points {
		data = append(data, p.Y)
	}
	if len(data) == 0 {
		return nil, nil
	}
	minimum, _ := stats.Min(data)
	maximum, _ := stats.Max(data)
	median, _ := stats.Median(data)
	s := &Summary{Min: minimum, Median: median, Max: maximum, Q1: median, Q3: median}
	if len(data) < 4 {
		return s, nil
	}
	q, err := stats.Quartile(data)
	if err != nil {
		return nil, err
	}
	s.Q1, s.Q3 = q.Q1, q.Q3
	if outliers {
		o, err := stats.QuartileOutliers(data)
		if err != nil {
			return nil, err
		}
		s.Outliers = append(append(s.Outliers, o.Mild...), o.Extreme...)
		sort.Float64s(s.Outliers)
	}
	return s, nil
}

// EstimatedCost returns the x extractor plotting the node's total cost, optionally scaled by
// actual over estimated rows.
func EstimatedCost(adjusted bool) XFunc {
	return func(n *NodeStats) float64 {
		cost := n.Node.TotalCost
		if adjusted && n.Node.PlanRows > 0 {
			cost = cost / n.Node.PlanRows * n.Node.Rows
		}
		return cost
	}
}

// ByNodeType labels series by node type.
func ByNodeType(n *NodeStats) string { return n.Node.NodeType }

func actualTime(n *NodeStats, loops bool) float64 {
	if loops {
		return n.InclusiveTimeMs
	}
	return n.Node.TotalMs
}
