package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/opsflow/internal/app"
	"github.com/ajitpratap0/opsflow/internal/orchestrator"
	"github.com/ajitpratap0/opsflow/pkg/config"
	"github.com/ajitpratap0/opsflow/pkg/connector/core"
	"github.com/ajitpratap0/opsflow/pkg/connector/registry"
	"github.com/ajitpratap0/opsflow/pkg/connector/sources"
	"github.com/ajitpratap0/opsflow/pkg/json"
	"github.com/ajitpratap0/opsflow/pkg/logger"
	"github.com/ajitpratap0/opsflow/pkg/models"
	"github.com/ajitpratap0/opsflow/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
)

var version = "0.1.0"

// cliPrincipal is recorded in the audit trail for runs started from the CLI.
const cliPrincipal = "cli"

type globalFlags struct {
	configFile string
	jobsFile   string
	logLevel   string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var flags globalFlags
	root := &cobra.Command{
		Use:   "opsflow",
		Short: "opsflow - staged ETL for operational data",
		Long: `opsflow extracts operational records from POS, inventory and workforce
systems, stages them raw, validates and normalizes them, and aggregates the
result into warehouse tables on a schedule.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to the YAML configuration file")
	root.PersistentFlags().StringVarP(&flags.jobsFile, "jobs", "j", "", "Path to a YAML file of job definitions (overrides scheduler.jobs_file)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsflow v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var timeout time.Duration
	runCmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one job and wait for it to finish",
		Long: `Run triggers a single job through the supervisor, retrying it per its
max_retries, and prints the run summary as JSON.

Example:
  opsflow run pos_ingest --config opsflow.yaml --jobs jobs.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd.Context(), flags, args[0], timeout)
		},
	}
	runCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Maximum time to wait for the run")
	root.AddCommand(runCmd)

	var metricsAddr string
	var trace bool
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Evaluate job schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return schedule(cmd.Context(), flags, metricsAddr, trace)
		},
	}
	scheduleCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (overrides metrics.address)")
	scheduleCmd.Flags().BoolVar(&trace, "trace", false, "Export spans to stdout")
	root.AddCommand(scheduleCmd)

	connectorsCmd := &cobra.Command{
		Use:   "connectors",
		Short: "Inspect source connectors",
	}
	connectorsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available connector types",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := sources.NewRegistry(registry.NewRegistry(nil))
			if err != nil {
				return err
			}
			fmt.Println("Available Source Connectors:")
			for _, t := range reg.Types() {
				fmt.Printf("  - %s\n", t)
			}
			return nil
		},
	})
	connectorsCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configured connectors and record their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConnectors(cmd.Context(), flags)
		},
	})
	root.AddCommand(connectorsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// setup loads configuration, initializes the global logger and wires an
// App with jobs loaded from the jobs file when one is given.
func setup(ctx context.Context, flags globalFlags, reg *prometheus.Registry) (*app.App, *config.PipelineConfig, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Encoding,
		OutputPaths: cfg.Logging.OutputPaths,
	}); err != nil {
		return nil, nil, err
	}
	log := logger.Get().With(zap.String("component", "opsflow-cli"), zap.String("deployment", cfg.Name))

	a, err := app.New(ctx, cfg, app.Options{Logger: log, Registry: reg})
	if err != nil {
		return nil, nil, err
	}
	jobs := flags.jobsFile
	if jobs == "" {
		jobs = cfg.Scheduler.JobsFile
	}
	if jobs != "" {
		loaded, err := a.LoadJobs(ctx, jobs, cliPrincipal)
		if err != nil {
			_ = a.Close(ctx)
			return nil, nil, err
		}
		log.Info("loaded jobs", zap.String("file", jobs), zap.Int("count", len(loaded)))
	}
	return a, cfg, nil
}

func runJob(ctx context.Context, flags globalFlags, jobID string, timeout time.Duration) error {
	a, _, err := setup(ctx, flags, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	summary, err := a.RunJob(ctx, jobID, cliPrincipal)
	if err != nil {
		return fmt.Errorf("run %s: %w", jobID, err)
	}
	if err := printJSON(summary); err != nil {
		return err
	}
	for _, al := range a.Alerts.Alerts() {
		fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", al.Severity, al.Title, al.Message)
	}
	if summary.Status != models.RunSuccess {
		return fmt.Errorf("run %s finished %s", summary.RunID, summary.Status)
	}
	return nil
}

func schedule(ctx context.Context, flags globalFlags, metricsAddr string, trace bool) error {
	reg := prometheus.NewRegistry()
	a, cfg, err := setup(ctx, flags, reg)
	if err != nil {
		return err
	}
	defer closeApp(a)
	log := a.Logger

	if trace || cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracing(observability.TracingConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			SamplingRate:   cfg.Tracing.SampleRate,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}

	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Address
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Info("serving metrics", zap.String("address", metricsAddr))
	}

	a.Supervisor.AddSummaryListener(func(s orchestrator.RunSummary) {
		log.Info("run finished",
			zap.String("job_id", s.JobID),
			zap.String("run_id", s.RunID),
			zap.String("status", string(s.Status)),
			zap.Int("attempts", s.Attempts),
			zap.Int64("rows_inserted", s.RowsInserted),
			zap.Duration("duration", s.Duration))
	})
	if err := a.Start(ctx); err != nil {
		return err
	}
	log.Info("scheduler started", zap.Duration("tick", cfg.Scheduler.Tick))
	if err := a.Scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("scheduler stopped")
	return nil
}

func validateConnectors(ctx context.Context, flags globalFlags) error {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return err
	}
	reg, err := sources.NewRegistry(registry.NewRegistry(logger.Get()))
	if err != nil {
		return err
	}
	if err := reg.ValidateAll(ctx, cfg.Connectors, core.Dependencies{Logger: logger.Get()}); err != nil {
		return err
	}

	a, _, err := setup(ctx, flags, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer closeApp(a)
	checked, err := a.CheckConnectors(ctx)
	if perr := printJSON(checked); perr != nil {
		return perr
	}
	return err
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("failed to close cleanly", zap.Error(err))
	}
	_ = logger.Sync()
}
