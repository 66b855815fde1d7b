package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
)

// Field is a column of a table as seen by the generator.
type Field struct {
	Name         string `json:"name"`
	IsIndex      bool   `json:"is_index"`
	IndexName    string `json:"index_name,omitempty"`
	AvgWidth     int    `json:"avg_width"`
	DefinedWidth int    `json:"defined_width"`
	Position     int    `json:"position"`
}

// Table is a relation referenced by a query.
type Table struct {
	Name     string  `json:"name"`
	Alias    string  `json:"alias,omitempty"`
	Fields   []Field `json:"fields"`
	RowCount int64   `json:"rows"`
}

// Ref returns the identifier hints must use for this table.
func (t Table) Ref() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.Name
}

// Indexes returns the indexed fields ordered by position.
func (t Table) Indexes() []Field {
	var out []Field
	for _, f := range t.Fields {
		if f.IsIndex {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// IndexNameOf returns the index name to use in hints for an indexed field.
func (t Table) IndexNameOf(f Field) string {
	if f.IndexName != "" {
		return f.IndexName
	}
	return fmt.Sprintf("%s_%s_idx", t.Name, f.Name)
}

// DMLTag marks queries whose optimization sweep is suppressed.
const DMLTag = "dml"

// QueryTips filter generated hints and tune evaluation of a single query.
type QueryTips struct {
	Accept     []string      `json:"accept,omitempty"`
	Reject     []string      `json:"reject,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	MaxTimeout time.Duration `json:"max_timeout,omitempty"`
	DebugHints string        `json:"debug_hints,omitempty"`
}

// Accepts reports whether hint contains every accepted and none of the rejected fragments.
func (t QueryTips) Accepts(hint string) bool {
	for _, a := range t.Accept {
		if !strings.Contains(hint, a) {
			return false
		}
	}
	for _, r := range t.Reject {
		if strings.Contains(hint, r) {
			return false
		}
	}
	return true
}

// HasTag reports whether tag was attached to the query.
func (t QueryTips) HasTag(tag string) bool {
	return mapset.NewThreadUnsafeSet(t.Tags...).Contains(tag)
}

func (t QueryTips) normalized() QueryTips {
	t.Accept = sortedSet(t.Accept)
	t.Reject = sortedSet(t.Reject)
	t.Tags = sortedSet(t.Tags)
	return t
}

func sortedSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := mapset.NewThreadUnsafeSet(values...).ToSlice()
	sort.Strings(out)
	return out
}

// Measurement is what the evaluator records for one statement variant.
type Measurement struct {
	ExplainHints      string         `json:"explain_hints"`
	ExecutionPlan     *ExecutionPlan `json:"execution_plan"`
	CostOffExplain    *ExecutionPlan `json:"cost_off_explain"`
	ExecutionTimeMs   float64        `json:"execution_time_ms"`
	ResultCardinality int            `json:"result_cardinality"`
	ResultHash        string         `json:"result_hash"`
	Parameters        []any          `json:"parameters"`
}

// TimedOut reports whether the measured time marks a timeout.
func (m Measurement) TimedOut() bool {
	return m.ExecutionTimeMs < 0
}

// Query is one statement of the model together with its default measurement.
type Query struct {
	Tag           string    `json:"tag"`
	Query         string    `json:"query"`
	QueryHash     string    `json:"query_hash"`
	Tables        []Table   `json:"tables"`
	OptimizerTips QueryTips `json:"optimizer_tips"`
	Measurement
	Optimizations []*Optimization `json:"optimizations"`

	Extra Extra `json:"-"`
}

// NewQuery builds a query with a hash derived from its text.
func NewQuery(tag, text string, tables []Table) *Query {
	return &Query{
		Tag:       tag,
		Query:     text,
		QueryHash: HashQuery(text),
		Tables:    tables,
	}
}

// HashQuery returns the stable digest of a query text.
func HashQuery(text string) string {
	return HashString(text)
}

// TableRefs lists the hint identifiers of the query's tables in model order.
func (q *Query) TableRefs() []string {
	out := make([]string, 0, len(q.Tables))
	for _, t := range q.Tables {
		out = append(out, t.Ref())
	}
	return out
}

// BestOptimization returns the optimization with the smallest positive time.
// Ties keep the earliest one in generator order.
func (q *Query) BestOptimization() *Optimization {
	var best *Optimization
	for _, o := range q.Optimizations {
		if o.ExecutionTimeMs <= 0 {
			continue
		}
		if best == nil || o.ExecutionTimeMs < best.ExecutionTimeMs {
			best = o
		}
	}
	return best
}

// HasFailedOptimizations reports whether any optimization failed or diverged in results.
func (q *Query) HasFailedOptimizations() bool {
	for _, o := range q.Optimizations {
		if o.Status == StatusFailed || o.ResultMismatch {
			return true
		}
	}
	return false
}

// MarshalJSON keeps unknown fields and emits tips in sorted order.
func (q Query) MarshalJSON() ([]byte, error) {
	type alias Query
	a := alias(q)
	a.OptimizerTips = q.OptimizerTips.normalized()
	return encodeWithExtra(a, q.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (q *Query) UnmarshalJSON(data []byte) error {
	type alias Query
	var a alias
	extra, err := decodeWithExtra(data, &a)
	if err != nil {
		return errors.Wrap(err, "decode query")
	}
	*q = Query(a)
	q.Extra = extra
	return nil
}

// Status is the definite outcome of one optimization.
type Status string

const (
	StatusPending   Status = ""
	StatusOK        Status = "ok"
	StatusTimedOut  Status = "timed_out"
	StatusDuplicate Status = "duplicate"
	StatusFailed    Status = "failed"
)

// Optimization is a hinted variant of a query. It refers to its parent by query hash.
type Optimization struct {
	QueryHash string `json:"query_hash"`
	Query     string `json:"query"`
	Measurement
	Status         Status `json:"status,omitempty"`
	ResultMismatch bool   `json:"result_mismatch,omitempty"`

	Extra Extra `json:"-"`
}

// NewOptimization creates a pending optimization of parent carrying hints.
func NewOptimization(parent *Query, hints string) *Optimization {
	return &Optimization{
		QueryHash:   parent.QueryHash,
		Query:       parent.Query,
		Measurement: Measurement{ExplainHints: hints},
	}
}

// MarshalJSON keeps unknown fields.
func (o Optimization) MarshalJSON() ([]byte, error) {
	type alias Optimization
	return encodeWithExtra(alias(o), o.Extra)
}

// UnmarshalJSON captures unknown fields into Extra.
func (o *Optimization) UnmarshalJSON(data []byte) error {
	type alias Optimization
	var a alias
	extra, err := decodeWithExtra(data, &a)
	if err != nil {
		return errors.Wrap(err, "decode optimization")
	}
	*o = Optimization(a)
	o.Extra = extra
	return nil
}

var _ json.Marshaler = Query{}
