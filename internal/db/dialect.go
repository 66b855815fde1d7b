package db

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mickamy/taqo/internal/model"
)

// Dialect describes how a PostgreSQL-compatible engine takes hints and reports plans.
type Dialect struct {
	Name string
	// HintOpen and HintClose wrap the hint block in front of a statement.
	HintOpen  string
	HintClose string
	// AnalyzeOptions are appended to EXPLAIN ANALYZE.
	AnalyzeOptions []string
	// Knobs are session settings applied once after connecting.
	Knobs      map[string]string
	Normalizer model.Normalizer
}

var (
	Postgres = Dialect{
		Name:       "postgres",
		HintOpen:   "/*+",
		HintClose:  "*/",
		Knobs:      map[string]string{"pg_hint_plan.enable_hint": "on"},
		Normalizer: model.DefaultNormalizer,
	}
	Yugabyte = Dialect{
		Name:           "yugabyte",
		HintOpen:       "/*+",
		HintClose:      "*/",
		AnalyzeOptions: []string{"DIST"},
		Knobs: map[string]string{
			"pg_hint_plan.enable_hint":        "on",
			"yb_enable_base_scans_cost_model": "on",
		},
		Normalizer: model.DefaultNormalizer.With(nil, []*regexp.Regexp{
			regexp.MustCompile(`^Read RPC (?:Count|Wait Time):`),
		}),
	}
)

// DialectByName resolves a configured dialect name.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "yugabyte", "yugabytedb", "yb", "":
		return Yugabyte, nil
	default:
		return Dialect{}, errors.Newf("db: unknown dialect %q", name)
	}
}

// Hint prefixes sql with a hint block. debug carries hints that only control planner output.
func (d Dialect) Hint(debug, hints, sql string) string {
	body := strings.TrimSpace(strings.TrimSpace(debug) + " " + strings.TrimSpace(hints))
	if body == "" {
		return sql
	}
	return d.HintOpen + " " + body + " " + d.HintClose + " " + sql
}

// ExplainSQL builds the EXPLAIN statement for sql.
func (d Dialect) ExplainSQL(sql string, opts ExplainOptions) string {
	var flags []string
	if opts.Analyze {
		flags = append(flags, "ANALYZE")
		flags = append(flags, d.AnalyzeOptions...)
	}
	if opts.CostsOff {
		flags = append(flags, "COSTS OFF")
	}
	stmt := "EXPLAIN " + sql
	if len(flags) > 0 {
		stmt = "EXPLAIN (" + strings.Join(flags, ", ") + ") " + sql
	}
	return d.Hint(opts.DebugHints, opts.Hints, stmt)
}
