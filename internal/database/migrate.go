package database

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Migration is one schema step. {{id}} expands to the driver's
// auto-increment primary key.
type Migration struct {
	ID    int
	Name  string
	UpSQL string
}

var migrations = []Migration{
	{
		ID:   1,
		Name: "create_runs_table",
		UpSQL: `CREATE TABLE IF NOT EXISTS runs (
			id {{id}},
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL,
			summary TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	},
	{
		ID:    2,
		Name:  "index_runs_kind",
		UpSQL: `CREATE INDEX IF NOT EXISTS idx_runs_kind_created ON runs (kind, created_at)`,
	},
	{
		ID:   3,
		Name: "create_notifications_table",
		UpSQL: `CREATE TABLE IF NOT EXISTS notifications (
			id {{id}},
			notification_id TEXT NOT NULL,
			type TEXT NOT NULL,
			priority TEXT NOT NULL,
			channels TEXT NOT NULL,
			delivered TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			subject TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
	},
	{
		ID:    4,
		Name:  "index_notifications_type",
		UpSQL: `CREATE INDEX IF NOT EXISTS idx_notifications_type ON notifications (type)`,
	},
}

func (d *DB) idColumn() string {
	if d.driver == "postgres" {
		return "SERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Migrate applies pending migrations in order. It is safe to call repeatedly.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.exec(ctx, `CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.ID] {
			continue
		}
		ddl := strings.ReplaceAll(m.UpSQL, "{{id}}", d.idColumn())
		if _, err := d.exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.Name, err)
		}
		if _, err := d.exec(ctx, "INSERT INTO migrations (id, name) VALUES (?, ?)", m.ID, m.Name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
		}
		d.logger.Debug("Applied migration", zap.Int("id", m.ID), zap.String("name", m.Name))
	}
	return nil
}

func (d *DB) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := d.query(ctx, "SELECT id FROM migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
