package model

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ExecutionPlan owns the raw EXPLAIN text of one statement. Everything else is derived from it.
type ExecutionPlan struct {
	FullStr string
	// Extra carries additional fields of the serialized plan that we do not interpret.
	Extra Extra
}

// NewExecutionPlan wraps raw plan text.
func NewExecutionPlan(text string) *ExecutionPlan {
	return &ExecutionPlan{FullStr: text}
}

// Empty reports whether no plan text was captured.
func (p *ExecutionPlan) Empty() bool {
	return p == nil || strings.TrimSpace(p.FullStr) == ""
}

// String returns the raw plan text.
func (p *ExecutionPlan) String() string {
	if p == nil {
		return ""
	}
	return p.FullStr
}

var (
	costPattern          = regexp.MustCompile(`cost=(\d+(?:\.\d+)?)\.\.(\d+(?:\.\d+)?)`)
	tableReadsPattern    = regexp.MustCompile(`Storage Table Read Requests:\s*(\d+(?:\.\d+)?)`)
	indexReadsPattern    = regexp.MustCompile(`Storage Index Read Requests:\s*(\d+(?:\.\d+)?)`)
	catalogReadsPattern  = regexp.MustCompile(`Storage Catalog Read Requests:\s*(\d+(?:\.\d+)?)`)
	writeRequestsPattern = regexp.MustCompile(`Storage Write Requests:\s*(\d+(?:\.\d+)?)`)
	rowsScannedPattern   = regexp.MustCompile(`Storage (?:Table|Index) Rows Scanned:\s*(\d+(?:\.\d+)?)`)
	memoryPattern        = regexp.MustCompile(`(?:Peak Memory Usage|Memory Usage|Memory):\s*(?:used=)?(\d+)\s*kB`)
)

// EstimatedCost returns the total cost of the root node, or 0 when the plan carries no costs.
func (p *ExecutionPlan) EstimatedCost() float64 {
	if p.Empty() {
		return 0
	}
	m := costPattern.FindStringSubmatch(p.FullStr)
	if m == nil {
		return 0
	}
	return parseFloat(m[2])
}

// RPCCounts groups the storage request counters reported by distributed engines.
type RPCCounts struct {
	TableReads   float64 `json:"table_reads"`
	IndexReads   float64 `json:"index_reads"`
	CatalogReads float64 `json:"catalog_reads"`
	Writes       float64 `json:"writes"`
}

// Total returns the sum of all request counters.
func (c RPCCounts) Total() float64 {
	return c.TableReads + c.IndexReads + c.CatalogReads + c.Writes
}

// RPCCounts sums the per-node storage request counters of the plan.
func (p *ExecutionPlan) RPCCounts() RPCCounts {
	if p.Empty() {
		return RPCCounts{}
	}
	return RPCCounts{
		TableReads:   sumMatches(tableReadsPattern, p.FullStr),
		IndexReads:   sumMatches(indexReadsPattern, p.FullStr),
		CatalogReads: sumMatches(catalogReadsPattern, p.FullStr),
		Writes:       sumMatches(writeRequestsPattern, p.FullStr),
	}
}

// ScannedRows sums table and index rows scanned in storage.
func (p *ExecutionPlan) ScannedRows() float64 {
	if p.Empty() {
		return 0
	}
	return sumMatches(rowsScannedPattern, p.FullStr)
}

// PeakMemoryKB returns the largest memory figure reported anywhere in the plan.
func (p *ExecutionPlan) PeakMemoryKB() float64 {
	if p.Empty() {
		return 0
	}
	var peak float64
	for _, m := range memoryPattern.FindAllStringSubmatch(p.FullStr, -1) {
		if v := parseFloat(m[1]); v > peak {
			peak = v
		}
	}
	return peak
}

// NoCostPlan strips runtime and cost annotations.
func (p *ExecutionPlan) NoCostPlan() string {
	return DefaultNormalizer.NoCost(p.String())
}

// NoTreePlan collapses the tree drawing of the plan.
func (p *ExecutionPlan) NoTreePlan() string {
	return DefaultNormalizer.NoTree(p.String())
}

// CleanPlan is the canonical form used for plan equality.
func (p *ExecutionPlan) CleanPlan() string {
	return DefaultNormalizer.Clean(p.String())
}

// Hash returns the md5 of the clean form.
func (p *ExecutionPlan) Hash() string {
	return HashString(p.CleanPlan())
}

// Equal compares plans by their clean form. Plans that normalize to nothing or carry
// malformed annotations fall back to a raw comparison.
func (p *ExecutionPlan) Equal(other *ExecutionPlan) bool {
	a, okA := DefaultNormalizer.CleanChecked(p.String())
	b, okB := DefaultNormalizer.CleanChecked(other.String())
	if !okA || !okB || a == "" || b == "" {
		return strings.TrimSpace(p.String()) == strings.TrimSpace(other.String())
	}
	return a == b
}

// MarshalJSON emits the plan as {"full_str": ...} plus any preserved fields.
func (p ExecutionPlan) MarshalJSON() ([]byte, error) {
	type wire struct {
		FullStr string `json:"full_str"`
	}
	return encodeWithExtra(wire{FullStr: p.FullStr}, p.Extra)
}

// UnmarshalJSON accepts both the object form and a bare string.
func (p *ExecutionPlan) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &p.FullStr)
	}
	type wire struct {
		FullStr string `json:"full_str"`
	}
	var w wire
	extra, err := decodeWithExtra(data, &w)
	if err != nil {
		return errors.Wrap(err, "decode execution plan")
	}
	p.FullStr = w.FullStr
	p.Extra = extra
	return nil
}

// HashString returns the hex md5 digest of s.
func HashString(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sumMatches(re *regexp.Regexp, text string) float64 {
	var total float64
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		total += parseFloat(m[1])
	}
	return total
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
