package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/model"
)

// ConnConfig identifies the database under test. DSN, when set, wins over the discrete fields.
type ConnConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	DSN      string
}

// ConnConfigFrom copies connection settings out of the run configuration.
func ConnConfigFrom(c config.Connection) ConnConfig {
	return ConnConfig{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Database,
	}
}

func (c ConnConfig) pgxConfig() (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(c.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "db: parse dsn")
	}
	if c.DSN == "" {
		if c.Host != "" {
			cfg.Host = c.Host
		}
		if c.Port > 0 {
			cfg.Port = uint16(c.Port)
		}
		if c.User != "" {
			cfg.User = c.User
		}
		if c.Password != "" {
			cfg.Password = c.Password
		}
		if c.Database != "" {
			cfg.Database = c.Database
		}
	}
	// hinted statements are never reused
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	return cfg, nil
}

// PgxConn is a Session backed by a single pgx connection.
type PgxConn struct {
	conn    *pgx.Conn
	dialect Dialect
	logger  *zap.Logger
}

var _ Session = (*PgxConn)(nil)

// Connect opens a session and applies the dialect's knobs.
func Connect(ctx context.Context, cc ConnConfig, dialect Dialect, logger *zap.Logger) (*PgxConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := cc.pgxConfig()
	if err != nil {
		return nil, err
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "db: connect")
	}
	c := &PgxConn{conn: conn, dialect: dialect, logger: logger}

	keys := make([]string, 0, len(dialect.Knobs))
	for k := range dialect.Knobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.SetSessionOption(ctx, k, dialect.Knobs[k]); err != nil {
			// unknown knobs are logged and skipped
			logger.Warn("apply dialect knob", zap.String("knob", k), zap.Error(err))
		}
	}
	logger.Debug("connected", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return c, nil
}

// Dialect returns the dialect the session was opened with.
func (c *PgxConn) Dialect() Dialect { return c.dialect }

// SetStatementTimeout applies a session-wide statement_timeout.
func (c *PgxConn) SetStatementTimeout(ctx context.Context, d time.Duration) error {
	return c.SetSessionOption(ctx, "statement_timeout", StatementTimeout(d))
}

// StatementTimeout formats d as a statement_timeout value. Anything below one millisecond
// becomes 1ms, since 0 disables the timeout.
func StatementTimeout(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%dms", ms)
}

// SetSessionOption sets a session setting outside of any transaction so that it survives rollbacks.
func (c *PgxConn) SetSessionOption(ctx context.Context, key, value string) error {
	if _, err := c.conn.Exec(ctx, "SELECT set_config($1, $2, false)", key, value); err != nil {
		return Classify(errors.Wrapf(err, "db: set %s", key))
	}
	return nil
}

// Execute runs sql inside a transaction that is always rolled back.
func (c *PgxConn) Execute(ctx context.Context, sql string) (Result, error) {
	var res Result
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				return err
			}
			res.Rows = append(res.Rows, values)
		}
		return rows.Err()
	})
	if err != nil {
		return Result{}, Classify(errors.Wrap(err, "db: execute"))
	}
	return res, nil
}

// Explain returns the text plan of sql.
func (c *PgxConn) Explain(ctx context.Context, sql string, opts ExplainOptions) (string, error) {
	stmt := c.dialect.ExplainSQL(sql, opts)
	var lines []string
	err := c.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var line string
			if err := rows.Scan(&line); err != nil {
				return err
			}
			lines = append(lines, line)
		}
		return rows.Err()
	})
	if err != nil {
		return "", Classify(errors.Wrap(err, "db: explain"))
	}
	return strings.Join(lines, "\n"), nil
}

// Version returns the server version string.
func (c *PgxConn) Version(ctx context.Context) (string, error) {
	var v string
	if err := c.conn.QueryRow(ctx, "SELECT version()").Scan(&v); err != nil {
		return "", Classify(errors.Wrap(err, "db: version"))
	}
	return v, nil
}

// Exec runs a statement in autocommit mode. It is used for model DDL.
func (c *PgxConn) Exec(ctx context.Context, sql string) error {
	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return Classify(errors.Wrap(err, "db: exec"))
	}
	return nil
}

// Close terminates the session.
func (c *PgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *PgxConn) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			c.logger.Debug("rollback", zap.Error(err))
		}
	}()
	return fn(tx)
}

const tableNamesSQL = `
SELECT c.relname
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p') AND n.nspname = current_schema()
ORDER BY c.relname`

const columnsSQL = `
SELECT c.relname,
       a.attname,
       a.attnum,
       COALESCE(s.avg_width, 0),
       CASE WHEN a.atttypmod > 4 THEN a.atttypmod - 4 ELSE GREATEST(t.typlen, 0) END,
       COALESCE(ix.relname, ''),
       GREATEST(c.reltuples, 0)::bigint
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum > 0 AND NOT a.attisdropped
JOIN pg_type t ON t.oid = a.atttypid
LEFT JOIN pg_stats s ON s.schemaname = n.nspname AND s.tablename = c.relname AND s.attname = a.attname
LEFT JOIN LATERAL (
    SELECT ic.relname
    FROM pg_index x
    JOIN pg_class ic ON ic.oid = x.indexrelid
    WHERE x.indrelid = c.oid AND x.indnatts = 1 AND x.indkey[0] = a.attnum
    ORDER BY ic.relname
    LIMIT 1
) ix ON true
WHERE c.relkind IN ('r', 'p') AND n.nspname = current_schema() AND c.relname = ANY($1)
ORDER BY c.relname, a.attnum`

// TableNames lists the tables of the current schema.
func (c *PgxConn) TableNames(ctx context.Context) ([]string, error) {
	rows, err := c.conn.Query(ctx, tableNamesSQL)
	if err != nil {
		return nil, Classify(errors.Wrap(err, "db: list tables"))
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, Classify(errors.Wrap(err, "db: list tables"))
	}
	return names, nil
}

// Tables describes the named tables: columns, single-column indexes and row estimates.
// Tables are returned in the order of names; unknown names are skipped.
func (c *PgxConn) Tables(ctx context.Context, names []string) ([]model.Table, error) {
	if len(names) == 0 {
		return nil, nil
	}
	rows, err := c.conn.Query(ctx, columnsSQL, names)
	if err != nil {
		return nil, Classify(errors.Wrap(err, "db: describe tables"))
	}
	defer rows.Close()

	byName := map[string]*model.Table{}
	for rows.Next() {
		var (
			table, column, index string
			position, avgWidth   int32
			definedWidth         int32
			count                int64
		)
		if err := rows.Scan(&table, &column, &position, &avgWidth, &definedWidth, &index, &count); err != nil {
			return nil, Classify(errors.Wrap(err, "db: describe tables"))
		}
		t, ok := byName[table]
		if !ok {
			t = &model.Table{Name: table, RowCount: count}
			byName[table] = t
		}
		t.Fields = append(t.Fields, model.Field{
			Name:         column,
			IsIndex:      index != "",
			IndexName:    index,
			AvgWidth:     int(avgWidth),
			DefinedWidth: int(definedWidth),
			Position:     int(position),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(errors.Wrap(err, "db: describe tables"))
	}

	out := make([]model.Table, 0, len(names))
	for _, name := range names {
		if t, ok := byName[name]; ok {
			out = append(out, *t)
		}
	}
	return out, nil
}
