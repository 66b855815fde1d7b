package store

import (
	"github.com/mickamy/taqo/internal/model"
)

// BaselineEntry is what an earlier run knows about one query.
type BaselineEntry struct {
	QueryHash   string
	DefaultMs   float64
	DefaultPlan *model.ExecutionPlan
	BestMs      float64
	BestHints   string
	BestPlan    *model.ExecutionPlan
}

// Baseline indexes an earlier run by query hash.
type Baseline struct {
	entries map[string]BaselineEntry
}

// NewBaseline builds the baseline view of r.
// The best time is the fastest evaluated optimization; the default execution only fills DefaultMs.
func NewBaseline(r *model.CollectResult) *Baseline {
	b := &Baseline{entries: map[string]BaselineEntry{}}
	if r == nil {
		return b
	}
	for _, q := range r.Queries {
		if _, ok := b.entries[q.QueryHash]; ok {
			continue
		}
		e := BaselineEntry{
			QueryHash:   q.QueryHash,
			DefaultMs:   q.ExecutionTimeMs,
			DefaultPlan: q.ExecutionPlan,
		}
		if o := q.BestOptimization(); o != nil {
			e.BestMs = o.ExecutionTimeMs
			e.BestHints = o.ExplainHints
			e.BestPlan = o.ExecutionPlan
		}
		b.entries[q.QueryHash] = e
	}
	return b
}

// LoadBaseline reads the result document at path and indexes it.
func LoadBaseline(path string) (*Baseline, error) {
	r, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewBaseline(r), nil
}

// Lookup returns the entry of a query hash.
func (b *Baseline) Lookup(hash string) (BaselineEntry, bool) {
	if b == nil {
		return BaselineEntry{}, false
	}
	e, ok := b.entries[hash]
	return e, ok
}

// BestTimeMs returns the best known positive time of a query.
func (b *Baseline) BestTimeMs(hash string) (float64, bool) {
	e, ok := b.Lookup(hash)
	if !ok || e.BestMs <= 0 {
		return 0, false
	}
	return e.BestMs, true
}

// Len returns the number of indexed queries.
func (b *Baseline) Len() int {
	if b == nil {
		return 0
	}
	return len(b.entries)
}
