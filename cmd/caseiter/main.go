// Command caseiter drives a model over a stream of cases using the
// worker-pool orchestrator in internal/caseiter: a root command,
// persistent flags, and one RunE-backed subcommand per verb.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caseiter/driver/internal/caseiter"
	"github.com/caseiter/driver/internal/config"
	"github.com/caseiter/driver/internal/exprcache"
	"github.com/caseiter/driver/internal/monitor"
)

var (
	casesFlag    int
	workersFlag  int
	dsnFlag      string
	monitorFlag  string
	sequentialFlag bool

	rootCmd = &cobra.Command{
		Use:   "caseiter",
		Short: "Run a model over a stream of cases, sequentially or across a worker pool",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "recorder-dsn", "", "recorder DSN: empty for ./cases.db, or postgres://...")
	rootCmd.PersistentFlags().StringVar(&monitorFlag, "monitor-addr", "", "address to serve the live monitor on (empty disables it)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo case stream against an in-memory model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context())
		},
	}
	runCmd.Flags().IntVar(&casesFlag, "cases", 20, "number of demo cases to generate")
	runCmd.Flags().IntVar(&workersFlag, "workers", 4, "worker pool size for concurrent mode")
	runCmd.Flags().BoolVar(&sequentialFlag, "sequential", false, "run the demo model in-process instead of across a worker pool")
	rootCmd.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load configuration from the environment and report any problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Printf("config ok: sequential=%v max_retries=%d startup_mode=%s\n", cfg.Sequential, cfg.MaxRetries, cfg.StartupMode)
			return nil
		},
	}
	rootCmd.AddCommand(validateCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("caseiter: building logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.Load()
	cfg.Sequential = sequentialFlag
	if err := cfg.Validate(); err != nil {
		return err
	}

	rec, closeFn, err := openRecorder(ctx, dsnFlag)
	if err != nil {
		return err
	}
	defer closeFn()

	metrics := caseiter.NewMetrics(prometheus.DefaultRegisterer)

	exprCache, err := exprcache.New(128, caseiter.DemoExprCompiler)
	if err != nil {
		return fmt.Errorf("caseiter: building expression cache: %w", err)
	}
	caseiter.UseExprCache(exprCache)

	cases := make([]*caseiter.Case, 0, casesFlag)
	for i := 0; i < casesFlag; i++ {
		c := caseiter.NewCase([]caseiter.NamedValue{
			{Name: "x", Value: float64(i)},
			{Name: "z*3", Value: float64(i)}, // non-identifier expression input, exercises the memoized compile path
		}, []string{"y"})
		cases = append(cases, c)
	}
	iter := caseiter.NewSliceCaseIterator(cases)

	var model caseiter.Scope
	var allocator caseiter.ResourceAllocator
	var packager caseiter.ModelPackager
	if cfg.Sequential {
		model = caseiter.NewInMemoryScope(nil)
	} else {
		allocator = &caseiter.InMemoryAllocator{Capacity: workersFlag}
		packager = demoPackager{}
	}

	orch := caseiter.NewOrchestrator(cfg, allocator, packager, rec, model, logger, metrics)
	if !cfg.Sequential {
		orch.AttachTransfer(caseiter.LocalFileTransfer{})
	}

	if monitorFlag != "" {
		mon := monitor.New(logger)
		orch.AttachMonitor(mon)
		monCtx, monCancel := context.WithCancel(ctx)
		defer monCancel()
		go mon.Run(monCtx)
		go func() {
			if err := serveMonitor(monCtx, monitorFlag, mon); err != nil {
				logger.Warn("monitor server stopped", zap.Error(err))
			}
		}()
	}

	stopCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stopCh)
	}()

	if err := orch.Execute(ctx, iter, stopCh); err != nil {
		return fmt.Errorf("caseiter: run failed: %w", err)
	}
	logger.Info("run complete", zap.Int("cases", casesFlag))
	return nil
}
