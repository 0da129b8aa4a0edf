package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/qmoi/qmoi-ops/internal/notification"
)

// Run is a stored orchestration, push or deploy run.
type Run struct {
	RunID     string          `json:"run_id"`
	Kind      string          `json:"kind"`
	Success   bool            `json:"success"`
	Duration  time.Duration   `json:"duration"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotificationCount groups stored notifications by type.
type NotificationCount struct {
	Type      string `json:"type"`
	Total     int    `json:"total"`
	Delivered int    `json:"delivered"`
}

// RecordRun stores a finished run. summary is stored as JSON.
func (d *DB) RecordRun(ctx context.Context, kind, id string, success bool, duration time.Duration, summary any) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = d.exec(ctx,
		`INSERT INTO runs (run_id, kind, success, duration_ms, summary, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, kind, success, duration.Milliseconds(), string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// RecentRuns returns the newest runs first. An empty kind matches all kinds.
func (d *DB) RecentRuns(ctx context.Context, kind string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT run_id, kind, success, duration_ms, summary, created_at FROM runs`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			ms      int64
			summary *string
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.Success, &ms, &summary, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		if summary != nil {
			r.Summary = json.RawMessage(*summary)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RecordNotification stores a sent notification with its deliveries.
func (d *DB) RecordNotification(ctx context.Context, rec notification.Record) error {
	var delivered []string
	for _, del := range rec.Deliveries {
		if del.Success {
			delivered = append(delivered, del.Channel)
		}
	}
	n := rec.Notification
	_, err := d.exec(ctx,
		`INSERT INTO notifications (notification_id, type, priority, channels, delivered, success, subject, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, string(n.Priority), strings.Join(n.Channels, ","), strings.Join(delivered, ","),
		rec.Success, n.Subject, n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}
	return nil
}

// NotificationStats counts stored notifications per type.
func (d *DB) NotificationStats(ctx context.Context) ([]NotificationCount, error) {
	rows, err := d.query(ctx,
		`SELECT type, COUNT(*), SUM(CASE WHEN success THEN 1 ELSE 0 END)
		 FROM notifications GROUP BY type ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification stats: %w", err)
	}
	defer rows.Close()

	var out []NotificationCount
	for rows.Next() {
		var c NotificationCount
		if err := rows.Scan(&c.Type, &c.Total, &c.Delivered); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
