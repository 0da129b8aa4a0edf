// Package database keeps run and notification history in SQLite (default)
// or PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// DB wraps the connection pool.
type DB struct {
	logger        *zap.Logger
	db            *sql.DB
	driver        string
	slowThreshold time.Duration
}

// Config represents database configuration.
type Config struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Driver             string        `mapstructure:"driver" yaml:"driver" json:"driver"`
	DSN                string        `mapstructure:"dsn" yaml:"dsn" json:"dsn"`
	MaxOpenConns       int           `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns       int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold" json:"slow_query_threshold"`
}

// DefaultConfig returns a SQLite file under logs/.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Driver:             "sqlite3",
		DSN:                "logs/qmoi.db",
		MaxOpenConns:       4,
		MaxIdleConns:       2,
		ConnMaxLifetime:    30 * time.Minute,
		SlowQueryThreshold: 100 * time.Millisecond,
	}
}

// NormalizeDriver maps accepted driver names to database/sql names.
func NormalizeDriver(driver string) (string, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// New opens the database, checks connectivity and applies migrations.
func New(ctx context.Context, logger *zap.Logger, config Config) (*DB, error) {
	driver, err := NormalizeDriver(config.Driver)
	if err != nil {
		return nil, err
	}

	inMemory := driver == "sqlite3" && strings.Contains(config.DSN, ":memory:")
	if driver == "sqlite3" && !inMemory {
		if dir := filepath.Dir(config.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	switch {
	case inMemory:
		db.SetMaxOpenConns(1)
	case config.MaxOpenConns > 0:
		db.SetMaxOpenConns(config.MaxOpenConns)
	default:
		db.SetMaxOpenConns(4)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 && !inMemory {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{
		logger:        logger,
		db:            db,
		driver:        driver,
		slowThreshold: config.SlowQueryThreshold,
	}
	if d.slowThreshold <= 0 {
		d.slowThreshold = 100 * time.Millisecond
	}

	if err := d.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Database connected", zap.String("driver", driver))
	return d, nil
}

// Driver returns the database/sql driver name.
func (d *DB) Driver() string { return d.driver }

// Close closes the pool.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if d.db == nil {
		return errors.New("database not initialized")
	}
	return d.db.PingContext(ctx)
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := d.db.ExecContext(ctx, d.rebind(query), args...)
	d.observe(query, time.Since(start))
	return res, err
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	d.observe(query, time.Since(start))
	return rows, err
}

func (d *DB) observe(query string, took time.Duration) {
	if took > d.slowThreshold {
		d.logger.Warn("Slow query", zap.String("query", query), zap.Duration("duration", took))
	}
}

// Stats returns pool statistics.
func (d *DB) Stats() sql.DBStats {
	if d.db == nil {
		return sql.DBStats{}
	}
	return d.db.Stats()
}
