package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mickamy/taqo/internal/analyzer"
	"github.com/mickamy/taqo/internal/config"
	"github.com/mickamy/taqo/internal/diff"
	"github.com/mickamy/taqo/internal/model"
	"github.com/mickamy/taqo/internal/progress"
	"github.com/mickamy/taqo/internal/render/tui"
	"github.com/mickamy/taqo/internal/runner"
	"github.com/mickamy/taqo/internal/store"
	"github.com/mickamy/taqo/internal/workload"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "taqo",
		Short:         "Query optimizer testing for PostgreSQL-compatible databases",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to configuration file (YAML or JSON). Falls back to $TAQO_CONFIG")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newCollectCommand(g),
		newReportCommand(g),
		newDiffCommand(g),
		newMetricsCommand(),
		newVersionCommand(),
	)
	return root
}

func (g *globalFlags) load() (config.Config, error) {
	path := strings.TrimSpace(g.configPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TAQO_CONFIG"))
	}
	return config.Load(path)
}

func (g *globalFlags) logger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !g.verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}

type collectFlags struct {
	dsn           string
	host          string
	port          int
	user          string
	password      string
	database      string
	dialect       string
	queries       []string
	sqlPath       string
	ddlPath       string
	tag           string
	out           string
	baseline      string
	gitMessage    string
	timeout       time.Duration
	retries       int
	plansOnly     bool
	noOptimize    bool
	exitOnFail    bool
	noProgressBar bool
}

func newCollectCommand(g *globalFlags) *cobra.Command {
	f := &collectFlags{}
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Evaluate queries and their hinted variants and write the result document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollect(cmd, g, f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string; defaults to $DATABASE_URL")
	fs.StringVar(&f.host, "host", "", "Database host (overrides config)")
	fs.IntVar(&f.port, "port", 0, "Database port (overrides config)")
	fs.StringVar(&f.user, "user", "", "Database user (overrides config)")
	fs.StringVar(&f.password, "password", "", "Database password (overrides config)")
	fs.StringVar(&f.database, "database", "", "Database name (overrides config)")
	fs.StringVar(&f.dialect, "dialect", "", "SQL dialect: postgres or yugabyte (overrides config)")
	fs.StringArrayVarP(&f.queries, "query", "q", nil, "Inline SQL statement to evaluate; repeatable")
	fs.StringVar(&f.sqlPath, "sql", "", "Path to a file of ;-separated statements to evaluate")
	fs.StringVar(&f.ddlPath, "ddl", "", "Path to a file of ;-separated DDL applied before evaluation")
	fs.StringVar(&f.tag, "tag", "inline", "Tag recorded on every query")
	fs.StringVarP(&f.out, "out", "o", "", "Path to write the result JSON (stdout if omitted)")
	fs.StringVar(&f.baseline, "baseline", "", "Previous result used to derive adaptive timeouts")
	fs.StringVar(&f.gitMessage, "git-message", "", "Free-form revision note stored in the result")
	fs.DurationVar(&f.timeout, "timeout", 0, "Optional limit for the whole run, e.g. 30m")
	fs.IntVar(&f.retries, "retries", 0, "Measured executions per statement (overrides config)")
	fs.BoolVar(&f.plansOnly, "plans-only", false, "Collect plans without executing statements")
	fs.BoolVar(&f.noOptimize, "no-optimizations", false, "Only evaluate the default plan")
	fs.BoolVar(&f.exitOnFail, "exit-on-fail", false, "Stop at the first result mismatch")
	fs.BoolVar(&f.noProgressBar, "no-progress", false, "Disable the progress bar")
	return cmd
}

func (f *collectFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("host") {
		cfg.Connection.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Connection.Port = f.port
	}
	if fs.Changed("user") {
		cfg.Connection.User = f.user
	}
	if fs.Changed("password") {
		cfg.Connection.Password = f.password
	}
	if fs.Changed("database") {
		cfg.Connection.Database = f.database
	}
	if f.dialect != "" {
		cfg.Dialect = f.dialect
	}
	if f.baseline != "" {
		cfg.BaselinePath = f.baseline
	}
	if f.gitMessage != "" {
		cfg.GitMessage = f.gitMessage
	}
	if f.retries > 0 {
		cfg.NumRetries = f.retries
	}
	if f.plansOnly {
		cfg.PlansOnly = true
	}
	if f.noOptimize {
		cfg.Optimizations = false
	}
	if f.exitOnFail {
		cfg.ExitOnFail = true
	}
}

func (f *collectFlags) model() (*workload.Inline, error) {
	if len(f.queries) > 0 && f.sqlPath != "" {
		return nil, errors.New("specify only one of --sql or --query")
	}
	var queries string
	switch {
	case f.sqlPath != "":
		data, err := os.ReadFile(f.sqlPath)
		if err != nil {
			return nil, errors.Wrap(err, "read sql file")
		}
		queries = string(data)
	case len(f.queries) > 0:
		queries = strings.Join(f.queries, ";\n")
	default:
		return nil, errors.New("--sql or --query is required")
	}

	var ddl string
	if f.ddlPath != "" {
		data, err := os.ReadFile(f.ddlPath)
		if err != nil {
			return nil, errors.Wrap(err, "read ddl file")
		}
		ddl = string(data)
	}
	return workload.NewInline(f.tag, queries, ddl)
}

func runCollect(cmd *cobra.Command, g *globalFlags, f *collectFlags) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	f.apply(cmd, &cfg)

	m, err := f.model()
	if err != nil {
		return err
	}

	logger, err := g.logger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	var bar progress.Reporter = progress.Nop()
	if !f.noProgressBar {
		bar = progress.NewBar(cmd.ErrOrStderr())
	}

	r := runner.New(cfg, runner.Options{
		DSN:      strings.TrimSpace(f.dsn),
		Timeout:  f.timeout,
		Logger:   logger,
		Progress: bar,
	})
	result, runErr := r.Run(cmd.Context(), m)
	if result == nil {
		return runErr
	}

	if err := writeResult(cmd, f.out, result); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if r.HasFailures() {
		return errors.New("result mismatches detected")
	}
	return nil
}

func writeResult(cmd *cobra.Command, path string, result *model.CollectResult) error {
	if path == "" {
		return store.Encode(cmd.OutOrStdout(), result)
	}
	return store.Save(path, result)
}

type reportFlags struct {
	out      string
	plans    bool
	color    bool
	maxDepth int
	warnings bool
}

func newReportCommand(g *globalFlags) *cobra.Command {
	f := &reportFlags{}
	cmd := &cobra.Command{
		Use:   "report <result.json>",
		Short: "Render a terminal summary of a result document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			result, err := store.Load(args[0])
			if err != nil {
				return err
			}
			return withOutput(cmd, f.out, func(w io.Writer) error {
				return tui.RenderReport(w, result, tui.Options{
					EnableColor:  f.color,
					MaxDepth:     f.maxDepth,
					ShowWarnings: f.warnings,
					Plans:        f.plans,
					Insights:     cfg.Insights,
				})
			})
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&f.out, "out", "o", "", "Output path (stdout if omitted)")
	fs.BoolVar(&f.plans, "plans", false, "Print the analyzed default plan of every query")
	fs.BoolVar(&f.color, "color", false, "Enable ANSI colors")
	fs.IntVar(&f.maxDepth, "max-depth", 0, "Limit plan tree depth")
	fs.BoolVar(&f.warnings, "warnings", true, "Highlight node warnings")
	return cmd
}

type diffFlags struct {
	format   string
	out      string
	minDelta float64
	minPct   float64
	maxItems int
}

func newDiffCommand(g *globalFlags) *cobra.Command {
	f := &diffFlags{}
	cmd := &cobra.Command{
		Use:   "diff <base.json> <target.json>",
		Short: "Compare two result documents and summarise regressions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			base, err := store.Load(args[0])
			if err != nil {
				return errors.Wrap(err, "load base")
			}
			target, err := store.Load(args[1])
			if err != nil {
				return errors.Wrap(err, "load target")
			}

			opts := diff.OptionsFrom(cfg.Diff)
			if f.minDelta > 0 {
				opts.MinDeltaMs = f.minDelta
			}
			if f.minPct > 0 {
				opts.MinPercentChange = f.minPct
			}
			if f.maxItems > 0 {
				opts.MaxItems = f.maxItems
			}
			report, err := diff.Compare(base, target, opts)
			if err != nil {
				return err
			}

			switch f.format {
			case "md", "markdown":
				return withOutput(cmd, f.out, func(w io.Writer) error {
					_, err := io.WriteString(w, report.Markdown())
					return err
				})
			case "json":
				payload, err := report.JSON()
				if err != nil {
					return err
				}
				return withOutput(cmd, f.out, func(w io.Writer) error {
					_, err := w.Write(append(payload, '\n'))
					return err
				})
			default:
				return errors.Newf("unsupported format %q", f.format)
			}
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.format, "format", "md", "Output format: md or json")
	fs.StringVarP(&f.out, "out", "o", "", "Output path (stdout if omitted)")
	fs.Float64Var(&f.minDelta, "min-delta", 0, "Minimum default time delta in ms to report (default from config)")
	fs.Float64Var(&f.minPct, "min-percent", 0, "Minimum percent change to report (default from config)")
	fs.IntVar(&f.maxItems, "limit", 0, "Maximum rows per section (default from config)")
	return cmd
}

type metricsFlags struct {
	charts []string
	format string
	out    string
	list   bool
}

func newMetricsCommand() *cobra.Command {
	f := &metricsFlags{}
	cmd := &cobra.Command{
		Use:   "metrics [result.json]",
		Short: "Compute cost-vs-time chart series from a result document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.list {
				for _, spec := range analyzer.Builtin() {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", spec.Name, spec.Title)
				}
				return nil
			}
			if len(args) == 0 {
				return errors.New("a result document is required")
			}
			result, err := store.Load(args[0])
			if err != nil {
				return err
			}
			specs, err := selectCharts(f.charts)
			if err != nil {
				return err
			}
			charts := make([]*analyzer.Chart, 0, len(specs))
			for _, spec := range specs {
				chart, err := analyzer.Collect(result, spec)
				if err != nil {
					return errors.Wrapf(err, "chart %s", spec.Name)
				}
				charts = append(charts, chart)
			}

			switch f.format {
			case "json":
				payload, err := json.MarshalIndent(charts, "", "  ")
				if err != nil {
					return errors.Wrap(err, "encode charts")
				}
				return withOutput(cmd, f.out, func(w io.Writer) error {
					_, err := w.Write(append(payload, '\n'))
					return err
				})
			case "table":
				return withOutput(cmd, f.out, func(w io.Writer) error {
					for i, chart := range charts {
						if i > 0 {
							_, _ = fmt.Fprintln(w)
						}
						if err := tui.RenderChart(w, chart); err != nil {
							return err
						}
					}
					return nil
				})
			default:
				return errors.Newf("unsupported format %q", f.format)
			}
		},
	}
	fs := cmd.Flags()
	fs.StringArrayVar(&f.charts, "chart", nil, "Builtin chart to compute; repeatable (all if omitted)")
	fs.StringVar(&f.format, "format", "json", "Output format: json or table")
	fs.StringVarP(&f.out, "out", "o", "", "Output path (stdout if omitted)")
	fs.BoolVar(&f.list, "list", false, "List builtin charts")
	return cmd
}

func selectCharts(names []string) ([]analyzer.ChartSpec, error) {
	if len(names) == 0 {
		return analyzer.Builtin(), nil
	}
	specs := make([]analyzer.ChartSpec, 0, len(names))
	for _, name := range names {
		spec, ok := analyzer.BuiltinByName(name)
		if !ok {
			return nil, errors.Newf("unknown chart %q", name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show CLI version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, meta := resolveVersion()
			out := cmd.OutOrStdout()
			switch {
			case short:
				_, _ = fmt.Fprintln(out, v)
			case meta != "":
				_, _ = fmt.Fprintf(out, "taqo %s (%s)\n", v, meta)
			default:
				_, _ = fmt.Fprintf(out, "taqo %s\n", v)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}

func withOutput(cmd *cobra.Command, path string, fn func(io.Writer) error) error {
	if path == "" {
		return fn(cmd.OutOrStdout())
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	if err := fn(file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrap(file.Close(), "close output")
}

func resolveVersion() (string, string) {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}

	var commit, buildTime string
	var dirty bool
	if info, ok := debug.ReadBuildInfo(); ok {
		if (v == "dev" || v == "(devel)") &&
			info.Main.Version != "" &&
			info.Main.Version != "(devel)" &&
			!strings.HasPrefix(info.Main.Version, "v0.0.0-") {
			v = info.Main.Version
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				buildTime = setting.Value
			case "vcs.modified":
				dirty = setting.Value == "true"
			}
		}
	}

	var details []string
	if commit != "" {
		short := commit
		if len(short) > 12 {
			short = short[:12]
		}
		if dirty {
			short += "*"
			dirty = false
		}
		details = append(details, fmt.Sprintf("commit %s", short))
	}
	if buildTime != "" {
		details = append(details, fmt.Sprintf("built %s", buildTime))
	}
	if dirty {
		details = append(details, "modified workspace")
	}

	return v, strings.Join(details, ", ")
}
