package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/keyward/internal/broker"
	"github.com/jkaninda/keyward/internal/gateway"
	"github.com/jkaninda/keyward/internal/gateway/httpapi"
	"github.com/jkaninda/keyward/internal/scheduler"
	"github.com/jkaninda/keyward/internal/secrets"
	"github.com/jkaninda/keyward/internal/validator"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the credential broker HTTP API",
	Long: `Serve loads the permission policy, mints one bearer token (printed once
to stderr) and serves broker operations over HTTP. When
validation.schedule is set, credentials are also revalidated on that
cron schedule and failures are alerted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override listen address (e.g. 127.0.0.1:8765)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Broker.ListenAddr = serveAddr
	}
	logger := newLogger(cfg, true)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	svc, err := sc.buildBroker()
	if err != nil {
		return err
	}
	// Pending usage alerts finish before storage and the audit log close.
	defer svc.Ledger().Wait()

	if _, err := issueSessionToken(ctx, svc); err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	go sweepTokens(ctx, svc, cfg.Broker.SweepInterval())

	if expr := cfg.Validation.Schedule; expr != "" {
		stopSched, err := startScheduler(ctx, sc, expr)
		if err != nil {
			return err
		}
		defer stopSched()
	}

	httpCfg := httpapi.Config{
		ListenAddr:    cfg.Broker.Addr(),
		EnableDocs:    cfg.Broker.EnableDocs,
		HealthChecker: sc.Obs.HealthOrNil(),
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.Metrics = m
		httpCfg.MetricsRegistry = m.Registry
		if cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		httpCfg.Tracer = ts.Tracer()
	}
	gateways := []gateway.Gateway{httpapi.NewGateway(httpCfg, svc, logger)}

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}

// sweepTokens drops expired tokens until ctx is done.
func sweepTokens(ctx context.Context, svc *broker.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.SweepTokens(ctx)
		}
	}
}

// startScheduler revalidates the validation env file on the cron schedule.
// The file is re-read on every tick so rotated keys are picked up.
func startScheduler(ctx context.Context, sc *components, expr string) (func(), error) {
	orch, err := sc.buildOrchestrator(false)
	if err != nil {
		return nil, err
	}
	envFile := sc.Config.Validation.EnvFile
	load := func(ctx context.Context) ([]validator.Pair, error) {
		f, err := secrets.OpenFile(envFile)
		if err != nil {
			return nil, err
		}
		return pairsFrom(ctx, f)
	}

	opts := []scheduler.Option{scheduler.WithNotifier(sc.Dispatcher)}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		opts = append(opts, scheduler.WithMetrics(scheduler.NewMetrics(m.Registry)))
	}
	sched, err := scheduler.New(expr, orch, load, sc.Logger, opts...)
	if err != nil {
		return nil, withCode(exitConfig, fmt.Errorf("validation.schedule: %w", err))
	}
	sc.Logger.Info("scheduled revalidation enabled",
		slog.String("schedule", expr),
		slog.Time("next_run", sched.NextRun(time.Now())),
	)
	return sched.Start(ctx), nil
}
