// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"analysisqueue/src/backend"
	"analysisqueue/src/cluster"
	"analysisqueue/src/config"
	"analysisqueue/src/containerization"
	"analysisqueue/src/dedup"
	"analysisqueue/src/logging"
	"analysisqueue/src/monitor"
	"analysisqueue/src/notify"
	"analysisqueue/src/processor"
	"analysisqueue/src/reconcile"
	"analysisqueue/src/store"
)

type CLI struct {
	Serve   ServeCommand   `cmd:"" default:"1" help:"Run the scheduler and its HTTP API"`
	Migrate MigrateCommand `cmd:"" help:"Create or upgrade the task tables"`
	Sweep   SweepCommand   `cmd:"" help:"Run one reconciliation, timeout check and retention sweep"`
	Notify  NotifyCommand  `cmd:"" help:"Report a finished cluster job to the completion callback"`
}

type ServeCommand struct {
	Port    string `help:"Override the API port"`
	Backend string `help:"Override the execution backend (local|cluster)"`
}

type MigrateCommand struct{}

type SweepCommand struct{}

type NotifyCommand struct {
	Status string `arg:"" optional:"" default:"completed" help:"Status to report"`
	TaskID string `env:"TASK_ID" help:"Task the job ran for"`
	URL    string `env:"API_URL" help:"Completion callback URL"`
	Token  string `env:"INTERNAL_API_TOKEN" help:"Bearer token for the callback"`
}

type runtimeContext struct {
	Context context.Context
	Config  config.Config
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logging.Log(err.Error(), slog.LevelError)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c CLI
	parser, err := kong.New(&c,
		kong.Name("analysisqueue"),
		kong.Description("Sandbox analysis admission and scheduling service"),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&runtimeContext{Context: ctx, Config: cfg})
}

func openStore(ctx context.Context, db config.Database) (*store.SQLStore, error) {
	var (
		st  *store.SQLStore
		err error
	)
	switch db.Driver {
	case "sqlite":
		st, err = store.OpenSQLite(ctx, db.SQLitePath)
	default:
		st, err = store.OpenPostgres(ctx, db.PostgresDSN())
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (m *MigrateCommand) Run(rt *runtimeContext) error {
	st, err := openStore(rt.Context, rt.Config.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	logging.Log(fmt.Sprintf("Schema is up to date (%s)", st.Dialect()), slog.LevelInfo)
	return nil
}

// Run reconciles cluster jobs, expires timed-out tasks and applies retention
// once. It cannot stop local containers; the serving process does that on
// its own check.
func (s *SweepCommand) Run(rt *runtimeContext) error {
	cfg := rt.Config
	st, err := openStore(rt.Context, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	sched := processor.New(st, dedup.New(st, cfg.Scheduler.ActiveWindow, cfg.Scheduler.RaceWindow), nil, processor.Options{
		ID:      "sweep",
		BaseURL: cfg.API.BaseURL,
	})
	timer := monitor.NewTimeoutMonitor(st, sched, cfg.Scheduler.TimeoutCheckInterval)

	if cfg.Scheduler.Backend == config.BackendCluster {
		jobs, err := clusterJobs(cfg.Cluster)
		if err != nil {
			return err
		}
		sched.WithCluster(jobs)
		timer.Canceller = jobs
		stats, err := reconcile.New(st, jobs, sched, cfg.Scheduler.ReconcileInterval).Once(rt.Context)
		if err != nil {
			return err
		}
		logging.Log(fmt.Sprintf("Reconciled %d jobs: %d completed, %d failed, %d errors",
			stats.Checked, stats.Completed, stats.Failed, stats.Errors), slog.LevelInfo)
	}

	timedOut, err := timer.Check(rt.Context)
	if err != nil {
		return err
	}
	deleted, err := monitor.NewRetention(st, cfg.Scheduler.RetentionDays, cfg.Scheduler.RetentionInterval).Sweep(rt.Context)
	if err != nil {
		return err
	}
	logging.Log(fmt.Sprintf("Sweep finished: %d timed out, %d deleted", timedOut, deleted), slog.LevelInfo)
	return nil
}

func clusterJobs(c config.Cluster) (*cluster.Jobs, error) {
	kube, err := cluster.NewClient(c.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return cluster.New(kube, cluster.Options{
		Namespace:     c.Namespace,
		AnalysisImage: c.AnalysisImage,
		SandboxImage:  c.SandboxImage,
		ResultsDir:    c.ResultsDir,
		ResultsClaim:  c.ResultsClaim,
		CallbackURL:   c.CallbackURL,
		TokenSecret:   c.TokenSecret,
	}), nil
}

func (n *NotifyCommand) Run(rt *runtimeContext) error {
	if n.URL == "" {
		return errors.New("API_URL is required")
	}
	return notify.NewReporter(n.TaskID, n.URL, n.Token).ReportDone(rt.Context, n.Status)
}

func (s *ServeCommand) Run(rt *runtimeContext) error {
	ctx, cancel := context.WithCancel(rt.Context)
	defer cancel()
	cfg := rt.Config
	if s.Port != "" {
		cfg.API.Port = s.Port
	}
	if s.Backend != "" {
		cfg.Scheduler.Backend = s.Backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		return fmt.Errorf("setup otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			logging.Log(fmt.Sprintf("OTel shutdown: %v", err), slog.LevelError)
		}
	}()
	logging.InitializeMetrics()

	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var wake <-chan struct{}
	if st.Dialect() == "postgres" {
		wake, err = store.Listen(ctx, cfg.Database.PostgresDSN())
		if err != nil {
			logging.Log(fmt.Sprintf("LISTEN unavailable, falling back to polling: %v", err), slog.LevelWarn)
		}
	}

	schedulerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting scheduler %s with %s backend", schedulerID, cfg.Scheduler.Backend), slog.LevelInfo)

	opts := processor.Options{
		ID:                    schedulerID,
		BaseURL:               cfg.API.BaseURL,
		DefaultTimeoutMinutes: cfg.Scheduler.DefaultTimeoutMin,
		PollingInterval:       cfg.Scheduler.PollingInterval,
		Retry: processor.RetryPolicy{
			ContentionDelay:      cfg.Scheduler.DispatchRetryDelay,
			MaxContentionRetries: cfg.Scheduler.DispatchMaxRetries,
			BackoffBase:          cfg.Scheduler.ExecutionRetryBase,
			MaxExecutionRetries:  cfg.Scheduler.ExecutionMaxRetries,
		},
		Wake: wake,
	}
	finder := dedup.New(st, cfg.Scheduler.ActiveWindow, cfg.Scheduler.RaceWindow)

	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	var (
		sched *processor.Scheduler
		timer = monitor.NewTimeoutMonitor(st, nil, cfg.Scheduler.TimeoutCheckInterval)
	)
	switch cfg.Scheduler.Backend {
	case config.BackendCluster:
		jobs, err := clusterJobs(cfg.Cluster)
		if err != nil {
			return err
		}
		sched = processor.New(st, finder, backend.NewClusterExecutor(jobs), opts).WithCluster(jobs)
		timer.Canceller = jobs

		rec := reconcile.New(st, jobs, sched, cfg.Scheduler.ReconcileInterval)
		goRun(rec.Run)

	default:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("create docker client: %w", err)
		}
		defer cli.Close()

		sandbox, err := containerization.NewSandbox(ctx, cli, containerization.Options{
			Image:       cfg.Sandbox.Image,
			MemoryMB:    cfg.Sandbox.MemoryMB,
			CPULimit:    cfg.Sandbox.CPULimit,
			IdleTimeout: cfg.Sandbox.IdleTimeout,
		})
		if err != nil {
			return err
		}
		defer sandbox.Cleanup(context.Background())

		opts.RecoverOrphans = true
		sched = processor.New(st, finder, backend.NewLocalExecutor(sandbox), opts)
		timer.Stopper = sandbox
		goRun(sandbox.RunReaper)
	}
	timer.Final = sched

	goRun(timer.Run)
	goRun(monitor.NewRetention(st, cfg.Scheduler.RetentionDays, cfg.Scheduler.RetentionInterval).Run)

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	api := NewAPIServer(sched, st, cfg.API.InternalToken)
	apiErr := StartAPIServer(ctx, cfg.API.Port, api.Handler())
	cancel()
	if err := <-schedErr; err != nil {
		return errors.Join(apiErr, err)
	}
	return apiErr
}
