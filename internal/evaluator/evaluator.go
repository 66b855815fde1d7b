package evaluator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/db"
	"github.com/mickamy/taqo/internal/hints"
	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/progress"
)

// ErrResultMismatch is returned in fail-fast mode when an optimization returns different rows.
var ErrResultMismatch = errors.New("result hash mismatch")

// queries calling now() are exempt from result validation
const nowCall = "now()"

// Options tune evaluation of every query of a run.
type Options struct {
	NumRetries        int
	NumWarmup         int
	SkipTimeoutDelta  time.Duration
	TestQueryTimeout  time.Duration
	AllPairsThreshold int
	PlansOnly         bool
	ExplainAnalyze    bool
	Optimizations     bool
	ExitOnFail        bool
	SessionProps      map[string]string
}

// OptionsFrom extracts evaluator options from the run configuration.
func OptionsFrom(cfg config.Config) Options {
	return Options{
		NumRetries:        cfg.NumRetries,
		NumWarmup:         cfg.NumWarmup,
		SkipTimeoutDelta:  cfg.SkipTimeoutDelta,
		TestQueryTimeout:  cfg.TestQueryTimeout,
		AllPairsThreshold: cfg.AllPairsThreshold,
		PlansOnly:         cfg.PlansOnly,
		ExplainAnalyze:    cfg.ExplainAnalyze,
		Optimizations:     cfg.Optimizations,
		ExitOnFail:        cfg.ExitOnFail,
		SessionProps:      cfg.SessionProps,
	}
}

// Baseline provides best known times from an earlier run.
type Baseline interface {
	BestTimeMs(queryHash string) (float64, bool)
}

// Evaluator measures the default plan of a query and sweeps its hinted variants.
type Evaluator struct {
	conn      db.Conn
	opts      Options
	generator *hints.Generator
	baseline  Baseline
	logger    *zap.Logger
	progress  progress.Reporter
	now       func() time.Time

	hasFailures bool
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// WithProgress sets the sweep observer.
func WithProgress(p progress.Reporter) Option {
	return func(e *Evaluator) { e.progress = p }
}

// WithBaseline seeds default timeouts from an earlier run.
func WithBaseline(b Baseline) Option {
	return func(e *Evaluator) { e.baseline = b }
}

// WithClock replaces the wall clock used to time executions.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// New creates an evaluator bound to one connection.
func New(conn db.Conn, opts Options, options ...Option) *Evaluator {
	e := &Evaluator{
		conn:      conn,
		opts:      opts,
		generator: hints.NewGenerator(opts.AllPairsThreshold),
		logger:    zap.NewNop(),
		progress:  progress.Nop(),
		now:       time.Now,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// HasFailures reports whether any evaluated query produced mismatching results.
func (e *Evaluator) HasFailures() bool { return e.hasFailures }

// sweepState holds the counters of one optimization sweep.
type sweepState struct {
	minMs      float64
	timedOut   int
	duplicates int
	seen       mapset.Set[string]
}

// Evaluate fills the default measurement and the optimizations of q.
// Database errors are logged and recorded on the query; only context cancellation and
// fail-fast result mismatches are returned.
func (e *Evaluator) Evaluate(ctx context.Context, q *model.Query) error {
	log := e.logger.With(zap.String("query_hash", q.QueryHash), zap.String("tag", q.Tag))
	e.applySession(ctx, log)

	ok := e.evaluateDefault(ctx, q, log)
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ok || !e.shouldSweep(q) {
		return nil
	}

	e.sweep(ctx, q, log)
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.validateResults(q, log)
}

func (e *Evaluator) applySession(ctx context.Context, log *zap.Logger) {
	keys := make([]string, 0, len(e.opts.SessionProps))
	for k := range e.opts.SessionProps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := e.conn.SetSessionOption(ctx, k, e.opts.SessionProps[k]); err != nil {
			log.Warn("set session option", zap.String("key", k), zap.Error(err))
		}
	}
}

// ceilingMs is the time the default ran against: the baseline best when known,
// the test query timeout otherwise.
func (e *Evaluator) ceilingMs(q *model.Query) float64 {
	if e.baseline != nil {
		if best, ok := e.baseline.BestTimeMs(q.QueryHash); ok && best > 0 {
			return best
		}
	}
	return durationToMs(e.opts.TestQueryTimeout)
}

func (e *Evaluator) defaultTimeout(q *model.Query) time.Duration {
	timeout := e.opts.TestQueryTimeout
	if e.baseline != nil {
		if best, ok := e.baseline.BestTimeMs(q.QueryHash); ok && best > 0 {
			timeout = msToDuration(best) + e.opts.SkipTimeoutDelta
		}
	}
	if q.OptimizerTips.MaxTimeout > timeout {
		timeout = q.OptimizerTips.MaxTimeout
	}
	return timeout
}

// evaluateDefault runs EXPLAIN_DEFAULT and TIME_DEFAULT. It returns false when the default
// failed with a database error.
func (e *Evaluator) evaluateDefault(ctx context.Context, q *model.Query, log *zap.Logger) bool {
	q.ExecutionPlan = model.NewExecutionPlan("")
	q.CostOffExplain = model.NewExecutionPlan("")

	if err := e.conn.SetStatementTimeout(ctx, e.defaultTimeout(q)); err != nil {
		log.Warn("set default timeout", zap.Error(err))
	}

	debug := q.OptimizerTips.DebugHints
	analyze := e.opts.ExplainAnalyze && !e.opts.PlansOnly
	plan, err := e.conn.Explain(ctx, q.Query, db.ExplainOptions{Analyze: analyze, DebugHints: debug})
	if db.IsCanceled(err) && analyze {
		log.Info("default explain analyze timed out, retrying without analyze")
		plan, err = e.conn.Explain(ctx, q.Query, db.ExplainOptions{DebugHints: debug})
	}
	switch {
	case db.IsCanceled(err):
		log.Info("default explain timed out")
	case err != nil:
		log.Error("default explain failed", zap.String("query", q.Query), zap.Error(err))
		return false
	default:
		q.ExecutionPlan = model.NewExecutionPlan(plan)
	}

	costOff, err := e.conn.Explain(ctx, q.Query, db.ExplainOptions{CostsOff: true, DebugHints: debug})
	if err != nil {
		log.Warn("default cost-off explain failed", zap.Error(err))
	} else {
		q.CostOffExplain = model.NewExecutionPlan(costOff)
	}

	if e.opts.PlansOnly {
		q.ExecutionTimeMs = q.ExecutionPlan.EstimatedCost()
		return true
	}

	m, err := e.measure(ctx, e.conn.Dialect().Hint(debug, "", q.Query))
	switch {
	case db.IsCanceled(err):
		q.ExecutionTimeMs = -1
		log.Info("default execution timed out")
	case err != nil:
		log.Error("default execution failed", zap.String("query", q.Query), zap.Error(err))
		return false
	default:
		q.ExecutionTimeMs = m.meanMs
		q.ResultCardinality = m.cardinality
		q.ResultHash = m.hash
	}
	return true
}

func (e *Evaluator) shouldSweep(q *model.Query) bool {
	return e.opts.Optimizations && len(q.Tables) > 0 && !q.OptimizerTips.HasTag(model.DMLTag)
}

func (e *Evaluator) sweep(ctx context.Context, q *model.Query, log *zap.Logger) {
	normalizer := e.conn.Dialect().Normalizer
	s := &sweepState{
		minMs: e.ceilingMs(q),
		seen:  mapset.NewThreadUnsafeSet[string](),
	}
	if q.ExecutionTimeMs > 0 && q.ExecutionTimeMs < s.minMs {
		s.minMs = q.ExecutionTimeMs
	}
	defaultClean := ""
	if !q.CostOffExplain.Empty() {
		defaultClean = normalizer.Clean(q.CostOffExplain.FullStr)
		s.seen.Add(model.HashString(defaultClean))
	}

	optimizations := e.generator.Generate(q)
	q.Optimizations = optimizations

	label := q.Tag
	if label == "" {
		label = q.QueryHash
	}
	e.progress.Start(label, len(optimizations))
	defer e.progress.Finish()

	for _, o := range optimizations {
		if ctx.Err() != nil {
			return
		}
		e.evaluateOptimization(ctx, q, o, s, defaultClean, log)
		e.progress.Step(progress.Suffix(s.timedOut, s.duplicates, s.minMs))
	}
}

func (e *Evaluator) sweepTimeout(q *model.Query, s *sweepState) time.Duration {
	if e.opts.PlansOnly {
		return e.opts.TestQueryTimeout
	}
	timeout := msToDuration(s.minMs) + e.opts.SkipTimeoutDelta
	if q.OptimizerTips.MaxTimeout > timeout {
		timeout = q.OptimizerTips.MaxTimeout
	}
	return timeout
}

func (e *Evaluator) evaluateOptimization(ctx context.Context, q *model.Query, o *model.Optimization, s *sweepState, defaultClean string, log *zap.Logger) {
	log = log.With(zap.String("hints", o.ExplainHints))
	normalizer := e.conn.Dialect().Normalizer
	debug := q.OptimizerTips.DebugHints
	o.ExecutionPlan = model.NewExecutionPlan("")
	o.CostOffExplain = model.NewExecutionPlan("")

	if err := e.conn.SetStatementTimeout(ctx, e.sweepTimeout(q, s)); err != nil {
		log.Warn("set optimization timeout", zap.Error(err))
	}

	costOff, err := e.conn.Explain(ctx, q.Query, db.ExplainOptions{CostsOff: true, Hints: o.ExplainHints, DebugHints: debug})
	if e.fail(o, s, err, log) {
		return
	}
	o.CostOffExplain = model.NewExecutionPlan(costOff)
	clean := normalizer.Clean(costOff)

	if q.ExplainHints == "" && defaultClean != "" && clean == defaultClean && hints.Fair(o.ExplainHints, costOff) {
		q.ExplainHints = o.ExplainHints
		log.Debug("default hints discovered")
	}

	hash := model.HashString(clean)
	if s.seen.Contains(hash) {
		o.Status = model.StatusDuplicate
		s.duplicates++
		return
	}
	s.seen.Add(hash)

	analyze := e.opts.ExplainAnalyze && !e.opts.PlansOnly
	plan, err := e.conn.Explain(ctx, q.Query, db.ExplainOptions{Analyze: analyze, Hints: o.ExplainHints, DebugHints: debug})
	if e.fail(o, s, err, log) {
		return
	}
	o.ExecutionPlan = model.NewExecutionPlan(plan)

	if e.opts.PlansOnly {
		o.ExecutionTimeMs = o.ExecutionPlan.EstimatedCost()
		o.Status = model.StatusOK
		if o.ExecutionTimeMs > 0 && o.ExecutionTimeMs < s.minMs {
			s.minMs = o.ExecutionTimeMs
		}
		return
	}

	m, err := e.measure(ctx, e.conn.Dialect().Hint(debug, o.ExplainHints, q.Query))
	if e.fail(o, s, err, log) {
		return
	}
	o.ExecutionTimeMs = m.meanMs
	o.ResultCardinality = m.cardinality
	o.ResultHash = m.hash
	o.Status = model.StatusOK
	if m.meanMs < s.minMs {
		s.minMs = m.meanMs
	}
}

// fail records a timed-out or failed outcome for err and reports whether there was one.
func (e *Evaluator) fail(o *model.Optimization, s *sweepState, err error, log *zap.Logger) bool {
	switch {
	case err == nil:
		return false
	case db.IsCanceled(err):
		o.Status = model.StatusTimedOut
		o.ExecutionTimeMs = 0
		s.timedOut++
	default:
		log.Error("optimization failed", zap.String("query", o.Query), zap.Error(err))
		o.Status = model.StatusFailed
		o.ExecutionTimeMs = 0
	}
	return true
}

func (e *Evaluator) validateResults(q *model.Query, log *zap.Logger) error {
	if q.ResultHash == "" || strings.Contains(strings.ToLower(q.Query), nowCall) {
		return nil
	}
	mismatches := 0
	for _, o := range q.Optimizations {
		if o.Status != model.StatusOK || o.ResultHash == "" || o.ResultHash == q.ResultHash {
			continue
		}
		o.ResultMismatch = true
		mismatches++
		log.Warn("result mismatch", zap.String("hints", o.ExplainHints),
			zap.String("expected", q.ResultHash), zap.String("actual", o.ResultHash))
	}
	if mismatches == 0 {
		return nil
	}
	e.hasFailures = true
	if e.opts.ExitOnFail {
		return errors.Wrapf(ErrResultMismatch, "evaluator: query %s: %d optimizations", q.QueryHash, mismatches)
	}
	return nil
}

type measurement struct {
	meanMs      float64
	cardinality int
	hash        string
}

// measure runs the warmups and then times NumRetries executions of sql.
func (e *Evaluator) measure(ctx context.Context, sql string) (measurement, error) {
	for i := 0; i < e.opts.NumWarmup; i++ {
		if _, err := e.conn.Execute(ctx, sql); err != nil {
			return measurement{}, err
		}
	}

	retries := e.opts.NumRetries
	if retries < 1 {
		retries = 1
	}
	durations := make([]float64, 0, retries)
	var last db.Result
	for i := 0; i < retries; i++ {
		start := e.now()
		res, err := e.conn.Execute(ctx, sql)
		if err != nil {
			return measurement{}, err
		}
		durations = append(durations, durationToMs(e.now().Sub(start)))
		last = res
	}

	mean, err := stats.Mean(durations)
	if err != nil {
		return measurement{}, errors.Wrap(err, "evaluator: mean")
	}
	return measurement{meanMs: mean, cardinality: len(last.Rows), hash: ResultHash(last.Rows)}, nil
}

// ResultHash digests result rows so that runs with different plans can be compared.
// Row order is ignored.
func ResultHash(rows [][]any) string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%v", row))
	}
	sort.Strings(lines)

	h := md5.New()
	for _, line := range lines {
		_, _ = io.WriteString(h, line)
		_, _ = io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func durationToMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
