// Package postgres persists audit events, validation history and usage
// reports through GORM. The SQLite backend reuses its models and
// repositories. Rows carry credential names and key fingerprints only.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the PostgreSQL connection pool. Zero values fall back
// to the defaults in pool().
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type poolSettings struct {
	maxOpen, maxIdle      int
	maxLifetime, maxIdleT time.Duration
}

func (c Config) pool() poolSettings {
	p := poolSettings{maxOpen: 25, maxIdle: 5, maxLifetime: 30 * time.Minute, maxIdleT: 10 * time.Minute}
	if c.MaxOpenConns > 0 {
		p.maxOpen = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		p.maxIdle = min(c.MaxIdleConns, p.maxOpen)
	}
	if c.ConnMaxLifetime > 0 {
		p.maxLifetime = c.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime > 0 {
		p.maxIdleT = c.ConnMaxIdleTime
	}
	return p
}

// DB is a pooled GORM connection.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects and sizes the pool. Tables are created by Store.Migrate.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required (storage.postgres.dsn or KEYWARD_DB_DSN)")
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:      NewGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	p := cfg.pool()
	sqlDB.SetMaxOpenConns(p.maxOpen)
	sqlDB.SetMaxIdleConns(p.maxIdle)
	sqlDB.SetConnMaxLifetime(p.maxLifetime)
	sqlDB.SetConnMaxIdleTime(p.maxIdleT)

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", p.maxOpen),
		slog.Int("max_idle_conns", p.maxIdle),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

// GormDB returns the connection for repository constructors.
func (d *DB) GormDB() *gorm.DB { return d.gormDB }

func (d *DB) migrate(ctx context.Context) error {
	if err := d.gormDB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("migrating postgres schema: %w", err)
	}
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Probe dials once with pgx and pings, so a bad DSN or an unreachable
// server is reported before the pool is built.
func Probe(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer conn.Close(context.Background())
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}
	return nil
}

// NewGormLogger routes GORM warnings and slow queries (over 200ms) through
// slog. Query text is logged without bound parameters.
func NewGormLogger(l *slog.Logger) logger.Interface {
	return logger.New(gormWriter{l}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		ParameterizedQueries:      true,
	})
}

type gormWriter struct{ l *slog.Logger }

func (w gormWriter) Printf(format string, args ...any) {
	w.l.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}
