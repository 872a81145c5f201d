package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/keyward/internal/audit"
	"github.com/jkaninda/keyward/internal/broker"
	"github.com/jkaninda/keyward/internal/cache"
	"github.com/jkaninda/keyward/internal/config"
	"github.com/jkaninda/keyward/internal/notification"
	"github.com/jkaninda/keyward/internal/observability"
	"github.com/jkaninda/keyward/internal/policy"
	"github.com/jkaninda/keyward/internal/provider"
	"github.com/jkaninda/keyward/internal/secrets"
	"github.com/jkaninda/keyward/internal/storage"
	pgstore "github.com/jkaninda/keyward/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/keyward/internal/storage/sqlite"
	"github.com/jkaninda/keyward/internal/usage"
	"github.com/jkaninda/keyward/internal/validator"
)

// components holds the subsystems every command shares. Built once by
// initShared, torn down by Cleanup.
type components struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Store      storage.Store // nil when storage is not configured.
	Audit      audit.Sink
	Dispatcher *notification.Dispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// loadConfig resolves the config path from the flag or KEYWARD_CONFIG.
// Config errors carry exit code 2.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = goutils.Env("KEYWARD_CONFIG", config.DefaultConfigPath())
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	return cfg, nil
}

// newLogger writes to stderr: JSON for long-running modes, text for CLI runs.
func newLogger(cfg *config.Config, jsonFormat bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if jsonFormat {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// initShared performs the initialization common to every command.
// Callers must call Cleanup when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, withCode(exitConfig, fmt.Errorf("initializing observability: %w", err))
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage (optional).
	if cfg.Storage != nil {
		store, err := initStore(ctx, cfg, logger)
		if err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		c.Store = store
		c.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(ctx); err != nil {
			c.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		if h := obs.HealthOrNil(); h != nil {
			h.AddCheck("storage", store.Ping)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Audit log.
	fileLog, err := audit.NewFileLogger(cfg.AuditLogPath(), cfg.AuditMaxSize(), logger)
	if err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	c.addCleanup(func() {
		if err := fileLog.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	c.Audit = fileLog
	if cfg.Audit.Database && c.Store != nil {
		c.Audit = audit.Multi{fileLog, audit.NewStoreSink(c.Store.Audit(), logger)}
	}
	logger.Debug("audit log initialized",
		slog.String("path", cfg.AuditLogPath()),
		slog.Bool("database", cfg.Audit.Database),
	)

	// Notification subsystem. Alerts are always logged; other senders are opt-in.
	dispatcher := notification.NewDispatcher(c.Audit, logger)
	dispatcher.RegisterSender(notification.NewLogSender(logger))
	if n := cfg.Notification; n != nil && n.Enabled {
		if n.Webhook != nil && n.Webhook.URL != "" {
			dispatcher.RegisterSender(notification.NewWebhookSender(n.Webhook.URL, logger,
				notification.WithWebhookHeaders(n.Webhook.Headers)))
		}
		if n.Slack != nil && n.Slack.WebhookURL != "" {
			dispatcher.RegisterSender(notification.NewSlackSender(n.Slack.WebhookURL, logger))
		}
	}
	c.Dispatcher = dispatcher
	logger.Debug("notification dispatcher initialized", slog.Any("senders", dispatcher.Senders()))

	return c, nil
}

// initStore creates the storage backend selected by storage.driver.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		return initPostgresStore(ctx, cfg, logger)
	case storage.DriverSQLite:
		journalMode := "wal"
		if cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initPostgresStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	if err := pgstore.Probe(ctx, pg.DSN); err != nil {
		return nil, err
	}
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(db), nil
}

// buildRegistry returns the provider registry, restricted and instrumented
// per config.
func (c *components) buildRegistry() (*provider.Registry, error) {
	reg := provider.DefaultRegistry()
	if names := c.Config.Validation.Providers; len(names) > 0 {
		restricted, err := reg.Restrict(names)
		if err != nil {
			return nil, withCode(exitConfig, err)
		}
		reg = restricted
	}
	return observability.InstrumentRegistry(reg, c.Obs.MetricsOrNil(), c.Obs.TracerOrNil()), nil
}

// buildOrchestrator wires the validation orchestrator to the shared stack.
func (c *components) buildOrchestrator(strict bool) (*validator.Orchestrator, error) {
	reg, err := c.buildRegistry()
	if err != nil {
		return nil, err
	}
	vc := &c.Config.Validation
	opts := validator.Options{
		Timeout:       vc.Timeout(),
		RunTimeout:    vc.RunTimeout(),
		Concurrency:   vc.Concurrency(),
		BailThreshold: vc.Bail(),
		Strict:        strict || vc.Strict,
	}
	options := []validator.Option{validator.WithAudit(c.Audit)}
	if m := c.Obs.MetricsOrNil(); m != nil {
		options = append(options, validator.WithMetrics(m))
	}
	if ts := c.Obs.TracerOrNil(); ts != nil {
		options = append(options, validator.WithTracer(ts.Tracer()))
	}
	if c.Store != nil {
		options = append(options, validator.WithHistory(c.Store.History()))
	}
	vcache := cache.New(vc.CacheTTL(), cache.WithMaxEntries(vc.CacheSize()))
	return validator.New(reg, vcache, opts, c.Logger, options...), nil
}

// buildSource composes the broker's credential sources in priority order:
// age vault, .env file, Vault KV.
func (c *components) buildSource() (secrets.Source, error) {
	bc := &c.Config.Broker
	var sources []secrets.Source

	if bc.VaultPath != "" {
		v, err := secrets.OpenVault(bc.VaultPath, bc.VaultPassphrase)
		if err != nil {
			return nil, withCode(exitConfig, err)
		}
		sources = append(sources, v)
	}
	if bc.EnvFile != "" {
		f, err := secrets.OpenFile(bc.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist) && (bc.VaultPath != "" || bc.KV != nil):
			c.Logger.Warn("credential env file not found, skipping", slog.String("path", bc.EnvFile))
		case err != nil:
			return nil, withCode(exitConfig, err)
		default:
			sources = append(sources, f)
		}
	}
	if kv := bc.KV; kv != nil {
		var timeout time.Duration
		if kv.Timeout != "" {
			d, err := time.ParseDuration(kv.Timeout)
			if err != nil {
				return nil, withCode(exitConfig, fmt.Errorf("broker.kv.timeout: %w", err))
			}
			timeout = d
		}
		src, err := secrets.NewKVSource(secrets.KVConfig{
			Address:       kv.Address,
			Token:         kv.Token,
			Namespace:     kv.Namespace,
			Path:          kv.Path,
			Timeout:       timeout,
			TLSSkipVerify: kv.TLSSkipVerify,
		})
		if err != nil {
			return nil, withCode(exitConfig, err)
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		return nil, withCode(exitConfig, errors.New("no credential source configured (set broker.env_file, broker.vault_path or broker.kv)"))
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	return secrets.NewCompositeSource(sources...), nil
}

// buildBroker loads the policy and wires the broker service.
func (c *components) buildBroker() (*broker.Service, error) {
	doc, err := policy.Load(c.Config.Broker.PolicyPath)
	if err != nil {
		return nil, withCode(exitConfig, err)
	}
	if len(doc.Rules) == 0 {
		c.Logger.Warn("policy allows no credentials; every request will be denied",
			slog.String("path", c.Config.Broker.PolicyPath),
		)
	}
	src, err := c.buildSource()
	if err != nil {
		return nil, err
	}
	reg, err := c.buildRegistry()
	if err != nil {
		return nil, err
	}

	ledgerOpts := []usage.Option{usage.WithNotifier(c.Dispatcher)}
	if c.Store != nil {
		ledgerOpts = append(ledgerOpts, usage.WithStore(c.Store.Usage()))
	}
	ledger := usage.NewLedger(c.Config.Broker.AlertThreshold, c.Logger, ledgerOpts...)

	opts := []broker.Option{broker.WithAudit(c.Audit)}
	if m := c.Obs.MetricsOrNil(); m != nil {
		opts = append(opts, broker.WithMetrics(m))
	}
	if ts := c.Obs.TracerOrNil(); ts != nil {
		opts = append(opts, broker.WithTracer(ts.Tracer()))
	}
	svc, err := broker.New(broker.Deps{
		Policy:   doc,
		Source:   src,
		Registry: reg,
		Ledger:   ledger,
	}, c.Logger, opts...)
	if err != nil {
		return nil, err
	}
	if h := c.Obs.HealthOrNil(); h != nil {
		h.AddCheck("credential_source", func(ctx context.Context) error {
			_, err := src.Names(ctx)
			return err
		})
	}
	c.Logger.Info("broker initialized",
		slog.String("policy", c.Config.Broker.PolicyPath),
		slog.String("source", src.Name()),
		slog.Int("rules", len(doc.Rules)),
		slog.Int64("alert_threshold", c.Config.Broker.AlertThreshold),
	)
	return svc, nil
}

// issueSessionToken mints the startup token and prints it once to stderr.
func issueSessionToken(ctx context.Context, svc *broker.Service) (string, error) {
	tok, err := svc.IssueToken(ctx)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "keyward token (expires %s): %s\n",
		tok.ExpiresAt().UTC().Format(time.RFC3339), tok.Value)
	return tok.Value, nil
}
