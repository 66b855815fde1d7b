package evaluator_test

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mickamy/taqo/internal/db"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// variant is how the fake database behaves for one hint string.
type variant struct {
	plan string
	cost float64
	took time.Duration
	rows [][]any
	err  error
}

// fakeConn simulates statement timeouts by advancing a fake clock.
type fakeConn struct {
	clock      *fakeClock
	variants   map[string]variant
	timeout    time.Duration
	timeouts   []time.Duration
	options    map[string]string
	executions map[string]int
}

func newFakeConn(variants map[string]variant) *fakeConn {
	return &fakeConn{
		clock:      &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		variants:   variants,
		options:    map[string]string{},
		executions: map[string]int{},
	}
}

func canceled() error {
	return db.Classify(&pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"})
}

func (c *fakeConn) variant(hints string) variant {
	if v, ok := c.variants[hints]; ok {
		return v
	}
	if v, ok := c.variants["*"]; ok && hints != "" {
		return v
	}
	return c.variants[""]
}

func (c *fakeConn) Dialect() db.Dialect { return db.Postgres }

func (c *fakeConn) SetStatementTimeout(_ context.Context, d time.Duration) error {
	c.timeout = d
	c.timeouts = append(c.timeouts, d)
	return nil
}

func (c *fakeConn) SetSessionOption(_ context.Context, key, value string) error {
	c.options[key] = value
	return nil
}

func (c *fakeConn) Execute(_ context.Context, sql string) (db.Result, error) {
	hints := ""
	if strings.HasPrefix(sql, "/*+ ") {
		hints = sql[len("/*+ "):strings.Index(sql, " */")]
	}
	v := c.variant(hints)
	c.executions[hints]++
	if v.err != nil {
		return db.Result{}, v.err
	}
	if v.took > c.timeout {
		c.clock.advance(c.timeout)
		return db.Result{}, canceled()
	}
	c.clock.advance(v.took)
	return db.Result{Rows: v.rows}, nil
}

func (c *fakeConn) Explain(_ context.Context, _ string, opts db.ExplainOptions) (string, error) {
	v := c.variant(opts.Hints)
	if v.err != nil {
		return "", v.err
	}
	if opts.Analyze && v.took > c.timeout {
		return "", canceled()
	}
	if opts.CostsOff {
		return v.plan, nil
	}
	head, rest, _ := strings.Cut(v.plan, "\n")
	out := fmt.Sprintf("%s  (cost=0.00..%.2f rows=1 width=4)", head, v.cost)
	if rest != "" {
		out += "\n" + rest
	}
	return out, nil
}

func (c *fakeConn) Version(context.Context) (string, error) { return "PostgreSQL 16.2", nil }

func (c *fakeConn) Close(context.Context) error { return nil }

var errBoom = errors.New("boom")

type recorder struct {
	label    string
	total    int
	suffixes []string
	finished bool
}

func (r *recorder) Start(label string, total int) { r.label, r.total = label, total }
func (r *recorder) Step(suffix string)            { r.suffixes = append(r.suffixes, suffix) }
func (r *recorder) Finish()                       { r.finished = true }

func (r *recorder) last() string {
	if len(r.suffixes) == 0 {
		return ""
	}
	return r.suffixes[len(r.suffixes)-1]
}

type baseline map[string]float64

func (b baseline) BestTimeMs(hash string) (float64, bool) {
	v, ok := b[hash]
	return v, ok
}
