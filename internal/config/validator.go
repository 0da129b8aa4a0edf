package config

import (
	"errors"
	"fmt"

	"github.com/qmoi/qmoi-ops/internal/database"
	"github.com/qmoi/qmoi-ops/internal/notification"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
)

// Validate rejects impossible values. It reports the first problem found.
func (c *Config) Validate() error {
	checks := []struct {
		section string
		fn      func() error
	}{
		{"runner", c.validateRunner},
		{"orchestrator", c.validateOrchestrator},
		{"monitor", c.validateMonitor},
		{"notification", c.validateNotification},
		{"store", c.validateStore},
		{"cooldown", c.validateCooldown},
		{"server", c.validateServer},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			return fmt.Errorf("%s config: %w", check.section, err)
		}
	}
	return nil
}

func (c *Config) validateRunner() error {
	r := c.Runner
	if r.Retries < 1 {
		return errors.New("retries must be at least 1")
	}
	if r.Backoff < 0 {
		return errors.New("backoff cannot be negative")
	}
	if r.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	o := c.Orchestrator
	if o.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if len(o.Platforms) == 0 {
		return errors.New("at least one platform is required")
	}
	seen := make(map[string]bool, len(o.Platforms))
	for _, p := range o.Platforms {
		if p.Name == "" {
			return errors.New("platform name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate platform %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, ph := range o.Phases {
		if !orchestrator.KnownPhase(ph) {
			return fmt.Errorf("unknown phase %q", ph)
		}
	}
	if o.Work != "pattern" && o.Work != "command" {
		return fmt.Errorf("work must be pattern or command, got %q", o.Work)
	}
	return nil
}

func (c *Config) validateMonitor() error {
	m := c.Monitor
	for name, d := range map[string]int64{
		"system_interval":   int64(m.SystemInterval),
		"endpoint_interval": int64(m.EndpointInterval),
		"backup_interval":   int64(m.BackupInterval),
		"fallback_interval": int64(m.FallbackInterval),
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if m.MaxHistory < 1 {
		return errors.New("max_history must be at least 1")
	}
	if m.FlushEvery < 1 {
		return errors.New("flush_every must be at least 1")
	}
	if m.AlertCooldown < 0 {
		return errors.New("alert_cooldown cannot be negative")
	}
	for _, t := range m.Thresholds {
		if t.Metric == "" || t.AlertType == "" {
			return errors.New("thresholds need a metric and an alert_type")
		}
	}
	return nil
}

func (c *Config) validateNotification() error {
	n := c.Notification
	if n.QueueSize < 1 {
		return errors.New("queue_size must be at least 1")
	}
	if n.HistorySize < 1 {
		return errors.New("history_size must be at least 1")
	}
	for typ, r := range n.Rules {
		if r.Priority != "" && !r.Priority.Valid() {
			return fmt.Errorf("rule %s: unknown priority %q", typ, r.Priority)
		}
		if r.Cooldown < 0 {
			return fmt.Errorf("rule %s: cooldown cannot be negative", typ)
		}
		for _, ch := range r.Channels {
			if !notification.KnownChannel(ch) {
				return fmt.Errorf("rule %s: unknown channel %q", typ, ch)
			}
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.Enabled {
		return nil
	}
	if _, err := database.NormalizeDriver(c.Store.Driver); err != nil {
		return err
	}
	if c.Store.DSN == "" {
		return errors.New("dsn is required")
	}
	return nil
}

func (c *Config) validateCooldown() error {
	switch c.Cooldown.Backend {
	case "", "memory":
		return nil
	case "redis":
		if c.Cooldown.Redis.Addr == "" {
			return errors.New("redis addr is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown backend %q", c.Cooldown.Backend)
	}
}

func (c *Config) validateServer() error {
	if c.Server.Enabled && c.Server.Addr == "" {
		return errors.New("addr is required")
	}
	return nil
}
