package workload

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jackc/pgx/v5"

	"github.com/mickamy/taqo/internal/db"
	"github.com/mickamy/taqo/internal/model"
)

// Inline is a model made of literal statements and DDL.
type Inline struct {
	Tag        string
	Statements []Statement
	Teardown   []string
	Create     []string
	Import     []string
	// Analyze refreshes statistics of every table in the schema after the DDL ran.
	Analyze bool
}

var _ Model = (*Inline)(nil)

// NewInline builds a model from a workload file and a DDL file.
func NewInline(tag, queries, ddl string) (*Inline, error) {
	stmts, err := ParseStatements(queries)
	if err != nil {
		return nil, errors.Wrap(err, "workload: queries")
	}
	create, err := SplitSQL(ddl)
	if err != nil {
		return nil, errors.Wrap(err, "workload: ddl")
	}
	return &Inline{Tag: tag, Statements: stmts, Create: create, Analyze: len(create) > 0}, nil
}

// CreateTables applies the DDL and describes the tables of the current schema.
func (m *Inline) CreateTables(ctx context.Context, session db.Session) (Setup, error) {
	setup := Setup{Teardown: m.Teardown, Create: m.Create, Import: m.Import}
	for _, group := range [][]string{m.Teardown, m.Create, m.Import} {
		for _, stmt := range group {
			if err := session.Exec(ctx, stmt); err != nil {
				return setup, errors.Wrapf(err, "workload: apply %q", stmt)
			}
		}
	}

	names, err := session.TableNames(ctx)
	if err != nil {
		return setup, errors.Wrap(err, "workload: list tables")
	}
	if m.Analyze {
		for _, name := range names {
			stmt := "ANALYZE " + pgx.Identifier{name}.Sanitize()
			if err := session.Exec(ctx, stmt); err != nil {
				return setup, errors.Wrapf(err, "workload: analyze %s", name)
			}
			setup.Analyze = append(setup.Analyze, stmt)
		}
	}

	tables, err := session.Tables(ctx, names)
	if err != nil {
		return setup, errors.Wrap(err, "workload: describe tables")
	}
	setup.Tables = tables
	return setup, nil
}

// Queries builds one query per statement, resolving referenced tables by name.
func (m *Inline) Queries(tables []model.Table) ([]*model.Query, error) {
	if len(m.Statements) == 0 {
		return nil, errors.New("workload: no queries")
	}
	out := make([]*model.Query, 0, len(m.Statements))
	for _, stmt := range m.Statements {
		q := model.NewQuery(m.Tag, stmt.SQL, ResolveTables(stmt.SQL, tables))
		q.OptimizerTips = stmt.Tips
		if IsDML(stmt.SQL) && !q.OptimizerTips.HasTag(model.DMLTag) {
			q.OptimizerTips.Tags = append(q.OptimizerTips.Tags, model.DMLTag)
		}
		out = append(out, q)
	}
	return out, nil
}

var dmlVerbs = mapset.NewSet("insert", "update", "delete", "merge")

// IsDML reports whether sql modifies data.
func IsDML(sql string) bool {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return false
	}
	return dmlVerbs.Contains(strings.ToLower(fields[0]))
}

var (
	aliasPattern = regexp.MustCompile(`^\s+(?:(?i:as)\s+)?([A-Za-z_][A-Za-z0-9_]*)`)
	// words that may follow a table reference without being its alias
	notAliases = mapset.NewSet(
		"where", "join", "inner", "left", "right", "full", "cross", "outer", "natural", "lateral",
		"on", "using", "group", "order", "limit", "offset", "fetch", "for", "having", "window",
		"union", "except", "intersect", "set", "values", "returning", "select", "default",
		"tablesample", "and", "or", "as",
	)
)

// ResolveTables returns the tables of catalog that sql references, in order of first
// reference. A table followed by an alias carries it so that hints address the alias.
func ResolveTables(sql string, catalog []model.Table) []model.Table {
	type hit struct {
		at    int
		table model.Table
	}
	var hits []hit
	for _, t := range catalog {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t.Name) + `\b`)
		for _, loc := range re.FindAllStringIndex(sql, -1) {
			if loc[0] > 0 && strings.ContainsRune(".'", rune(sql[loc[0]-1])) {
				continue
			}
			if loc[1] < len(sql) && strings.ContainsRune(".(", rune(sql[loc[1]])) {
				continue
			}
			ref := t
			if m := aliasPattern.FindStringSubmatch(sql[loc[1]:]); m != nil && !notAliases.Contains(strings.ToLower(m[1])) {
				ref.Alias = m[1]
			}
			hits = append(hits, hit{at: loc[0], table: ref})
			break
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	out := make([]model.Table, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.table)
	}
	return out
}
