package db

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mickamy/taqo/internal/model"
)

var (
	// ErrQueryCanceled marks errors raised when the server cancels a statement on timeout.
	ErrQueryCanceled = errors.New("query canceled")
	// ErrDB marks every other error reported by the database.
	ErrDB = errors.New("database error")
)

// sqlstate of query_canceled.
const codeQueryCanceled = "57014"

// ExplainOptions selects the EXPLAIN flavour.
type ExplainOptions struct {
	Analyze  bool
	CostsOff bool
	// Hints are injected in front of the EXPLAIN statement.
	Hints      string
	DebugHints string
}

// Result is the materialized output of a statement.
type Result struct {
	Rows [][]any
}

// Conn is the capability set the evaluator needs from a database session.
type Conn interface {
	Dialect() Dialect
	SetStatementTimeout(ctx context.Context, d time.Duration) error
	SetSessionOption(ctx context.Context, key, value string) error
	Execute(ctx context.Context, sql string) (Result, error)
	Explain(ctx context.Context, sql string, opts ExplainOptions) (string, error)
	Version(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Catalog exposes schema metadata used to describe query tables.
type Catalog interface {
	TableNames(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, names []string) ([]model.Table, error)
}

// Session is a connection that can also run model DDL and answer catalog lookups.
type Session interface {
	Conn
	Catalog
	Exec(ctx context.Context, sql string) error
}

// Classify marks err as ErrQueryCanceled or ErrDB.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrQueryCanceled) || errors.Is(err, ErrDB) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeQueryCanceled {
		return errors.Mark(err, ErrQueryCanceled)
	}
	return errors.Mark(err, ErrDB)
}

// IsCanceled reports whether err is a statement timeout.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrQueryCanceled)
}
