package runner

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/db"
	"github.com/mickamy/taqo/internal/evaluator"
	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/progress"
	"github.com/mickamy/taqo/internal/store"
	"github.com/mickamy/taqo/internal/workload"
)

// Connector opens the session a run works on.
type Connector func(ctx context.Context) (db.Session, error)

// Options customises how a run is executed.
type Options struct {
	// DSN overrides the connection settings of the configuration.
	DSN string
	// Timeout bounds the whole run. Zero means no limit.
	Timeout  time.Duration
	Logger   *zap.Logger
	Progress progress.Reporter
	// Connect replaces the pgx connector.
	Connect Connector
}

// Runner executes one collection run.
type Runner struct {
	cfg      config.Config
	opts     Options
	logger   *zap.Logger
	progress progress.Reporter

	hasFailures bool
}

// New creates a runner for cfg.
func New(cfg config.Config, opts Options) *Runner {
	r := &Runner{cfg: cfg, opts: opts, logger: opts.Logger, progress: opts.Progress}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.progress == nil {
		r.progress = progress.Nop()
	}
	return r
}

// HasFailures reports whether the last run saw result mismatches.
func (r *Runner) HasFailures() bool { return r.hasFailures }

// Run prepares the model, evaluates every query and returns the collected result.
// On a fail-fast mismatch the partial result is returned together with the error.
func (r *Runner) Run(ctx context.Context, m workload.Model) (*model.CollectResult, error) {
	if m == nil {
		return nil, errors.New("runner: nil model")
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}

	var cancel context.CancelFunc
	if r.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	session, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(context.Background()); err != nil {
			r.logger.Debug("close session", zap.Error(err))
		}
	}()

	version, err := session.Version(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "runner: version")
	}
	serialized, err := r.cfg.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "runner: config")
	}
	result := &model.CollectResult{
		DBVersion:  version,
		GitMessage: r.cfg.GitMessage,
		Config:     serialized,
	}

	setup, err := m.CreateTables(ctx, session)
	if err != nil {
		return nil, errors.Wrap(err, "runner: create tables")
	}
	result.ModelQueries = setup.Statements()

	queries, err := m.Queries(setup.Tables)
	if err != nil {
		return nil, errors.Wrap(err, "runner: queries")
	}

	options := []evaluator.Option{
		evaluator.WithLogger(r.logger),
		evaluator.WithProgress(r.progress),
	}
	if r.cfg.BaselinePath != "" {
		baseline, err := store.LoadBaseline(r.cfg.BaselinePath)
		if err != nil {
			return nil, errors.Wrap(err, "runner: baseline")
		}
		r.logger.Info("baseline loaded", zap.String("path", r.cfg.BaselinePath), zap.Int("queries", baseline.Len()))
		options = append(options, evaluator.WithBaseline(baseline))
	}
	ev := evaluator.New(session, evaluator.OptionsFrom(r.cfg), options...)

	r.logger.Info("run started", zap.String("db_version", version), zap.Int("queries", len(queries)))
	started := time.Now()
	for i, q := range queries {
		r.logger.Debug("evaluate", zap.Int("index", i), zap.String("query_hash", q.QueryHash), zap.String("query", q.Query))
		err := ev.Evaluate(ctx, q)
		result.Append(q)
		if err != nil {
			r.hasFailures = ev.HasFailures()
			return result, errors.Wrapf(err, "runner: query %d", i)
		}
	}
	r.hasFailures = ev.HasFailures()
	result.SortQueries()
	r.logger.Info("run finished", zap.Duration("took", time.Since(started)), zap.Bool("has_failures", r.hasFailures))
	return result, nil
}

func (r *Runner) connect(ctx context.Context) (db.Session, error) {
	if r.opts.Connect != nil {
		s, err := r.opts.Connect(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "runner: connect")
		}
		return s, nil
	}
	dialect, err := db.DialectByName(r.cfg.Dialect)
	if err != nil {
		return nil, err
	}
	cc := db.ConnConfigFrom(r.cfg.Connection)
	cc.DSN = r.opts.DSN
	conn, err := db.Connect(ctx, cc, dialect, r.logger)
	if err != nil {
		return nil, errors.Wrap(err, "runner: connect")
	}
	return conn, nil
}
