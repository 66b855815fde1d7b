package model

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// CollectResult is the canonical record of one run.
type CollectResult struct {
	DBVersion    string   `json:"db_version"`
	GitMessage   string   `json:"git_message"`
	Config       string   `json:"config"`
	ModelQueries []string `json:"model_queries"`
	Queries      []*Query `json:"queries"`

	Extra Extra `json:"-"`
}

// Append adds an evaluated query to the result.
func (r *CollectResult) Append(q *Query) {
	r.Queries = append(r.Queries, q)
}

// SortQueries orders queries by hash. Queries with equal hashes keep their relative order.
func (r *CollectResult) SortQueries() {
	sort.SliceStable(r.Queries, func(i, j int) bool {
		return r.Queries[i].QueryHash < r.Queries[j].QueryHash
	})
}

// Find returns the first query with the given hash.
func (r *CollectResult) Find(hash string) *Query {
	if r == nil {
		return nil
	}
	for _, q := range r.Queries {
		if q.QueryHash == hash {
			return q
		}
	}
	return nil
}

// MarshalJSON emits queries sorted by hash so that repeated runs diff cleanly.
func (r CollectResult) MarshalJSON() ([]byte, error) {
	type alias CollectResult
	a := alias(r)
	a.Queries = append([]*Query(nil), r.Queries...)
	sort.SliceStable(a.Queries, func(i, j int) bool {
		return a.Queries[i].QueryHash < a.Queries[j].QueryHash
	})
	if a.ModelQueries == nil {
		a.ModelQueries = []string{}
	}
	if a.Queries == nil {
		a.Queries = []*Query{}
	}
	return encodeWithExtra(a, r.Extra)
}

// UnmarshalJSON rehydrates nested queries and optimizations and keeps unknown fields.
func (r *CollectResult) UnmarshalJSON(data []byte) error {
	type alias CollectResult
	var a alias
	extra, err := decodeWithExtra(data, &a)
	if err != nil {
		return errors.Wrap(err, "decode collect result")
	}
	*r = CollectResult(a)
	r.Extra = extra
	return nil
}
