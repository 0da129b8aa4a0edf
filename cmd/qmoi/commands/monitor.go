package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/qmoi/qmoi-ops/internal/app"
	"github.com/qmoi/qmoi-ops/internal/config"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll system, endpoint and backup metrics and raise alerts",
	Long: `Run the poll-and-report monitors. Every cycle samples metrics, checks
thresholds, dispatches alerts through the notifier (subject to cooldown) and
writes the latest snapshot under the report directory.

Examples:
  # One cycle of every monitor
  qmoi monitor --once

  # Endpoint checks every 30 seconds until interrupted
  qmoi monitor --type endpoints --interval 30s

  # Long-running with the status API and a PID file
  qmoi monitor --daemon --pid-file qmoi.pid

In continuous mode, edits to the config file's thresholds, intervals and
notification rules apply without a restart.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().String("type", "all", "Monitor type (system, endpoints, backup, all)")
	monitorCmd.Flags().Duration("interval", 0, "Polling interval (default from config)")
	monitorCmd.Flags().Bool("once", false, "Run a single cycle and exit")
	monitorCmd.Flags().Bool("continuous", true, "Poll until interrupted")
	monitorCmd.Flags().Bool("daemon", false, "Serve the status API and write a PID file")
	monitorCmd.Flags().String("pid-file", "qmoi.pid", "PID file path (daemon mode)")
	monitorCmd.Flags().StringP("output", "o", "table", "Output format for --once (table, json, yaml)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("type")
	interval, _ := cmd.Flags().GetDuration("interval")
	once, _ := cmd.Flags().GetBool("once")
	continuous, _ := cmd.Flags().GetBool("continuous")
	daemon, _ := cmd.Flags().GetBool("daemon")
	pidFile, _ := cmd.Flags().GetString("pid-file")
	format, _ := cmd.Flags().GetString("output")

	kinds, err := monitorKinds(kind)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	adjust := func(cfg *config.Config) error {
		if interval > 0 {
			cfg.Monitor.SystemInterval = interval
			cfg.Monitor.EndpointInterval = interval
			cfg.Monitor.BackupInterval = interval
		}
		if daemon {
			cfg.Server.Enabled = true
		}
		return nil
	}

	a, logger, err := bootstrap(ctx, adjust, app.WithMonitors(kinds...))
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	if once || !continuous {
		return monitorOnce(ctx, cmd.OutOrStdout(), a, format)
	}

	if daemon {
		if err := writePIDFile(pidFile); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer os.Remove(pidFile)
	}

	if err := a.Start(); err != nil {
		return err
	}
	if path := configPath(); path != "" {
		// Thresholds, intervals and notification rules follow the file.
		if err := a.WatchConfig(path, adjust); err != nil {
			logger.Warn("Configuration hot reload disabled", zap.Error(err))
		}
	}
	logger.Info("Monitoring, press Ctrl+C to stop", zap.Strings("monitors", kinds))

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

func monitorKinds(kind string) ([]string, error) {
	if kind == "" || kind == "all" {
		return monitoring.Kinds(), nil
	}
	for _, k := range monitoring.Kinds() {
		if k == kind {
			return []string{k}, nil
		}
	}
	return nil, apperrors.Fatalf("monitor", "unknown monitor type %q", kind)
}

func monitorOnce(ctx context.Context, w io.Writer, a *app.Application, format string) error {
	snapshots := make([]monitoring.Snapshot, 0, len(a.Monitors()))
	for _, m := range a.Monitors() {
		if err := m.CheckEnv(); err != nil {
			return err
		}
		snap, err := m.RunOnce(ctx)
		if snap != nil {
			snapshots = append(snapshots, *snap)
		}
		if err != nil && apperrors.IsFatal(err) {
			return err
		}
	}
	return display(w, format, snapshots, func(w io.Writer) {
		for _, s := range snapshots {
			printSnapshot(w, s)
		}
	})
}

func printSnapshot(w io.Writer, s monitoring.Snapshot) {
	fmt.Fprintf(w, "%s %s cycle %d at %s\n", statusTag(s.Healthy()), s.Monitor, s.Cycle, s.Timestamp.Format(time.RFC3339))
	for _, name := range s.MetricNames() {
		fmt.Fprintf(w, "  %-28s %s\n", name, formatMetric(s.Metrics[name]))
	}
	for sampler, msg := range s.Errors {
		fmt.Fprintf(w, "  error %-22s %s\n", sampler, msg)
	}
	for _, alert := range s.Alerts {
		state := "sent"
		if alert.Suppressed {
			state = "suppressed"
		} else if !alert.Dispatched {
			state = "undelivered"
		}
		fmt.Fprintf(w, "  ALERT [%s] %s (%s)\n", alert.Severity, alert.Message, state)
	}
	fmt.Fprintln(w)
}

func formatMetric(v float64) string {
	if v == float64(int64(v)) && (v >= 1e4 || v <= -1e4) {
		return humanize.Comma(int64(v))
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func writePIDFile(path string) error {
	data := []byte(fmt.Sprintf("%d\n", os.Getpid()))
	return os.WriteFile(path, data, 0o644)
}
