package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/qmoi/qmoi-ops/internal/api"
	"github.com/qmoi/qmoi-ops/internal/config"
	"github.com/qmoi/qmoi-ops/internal/database"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last orchestration, monitor snapshots and recent runs",
	Long: `Display status from the report files and the history store, or from a
running daemon when --api-url is given.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "", "Status API of a running daemon, e.g. http://127.0.0.1:8090")
	statusCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Int("runs", 10, "Recent runs to show")
}

// LocalStatus is assembled from files and the store.
type LocalStatus struct {
	Orchestration *orchestrator.Summary `json:"orchestration,omitempty" yaml:"orchestration,omitempty"`
	Monitors      []monitoring.Snapshot `json:"monitors" yaml:"monitors"`
	Runs          []database.Run        `json:"runs,omitempty" yaml:"runs,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	format, _ := cmd.Flags().GetString("output")
	limit, _ := cmd.Flags().GetInt("runs")

	if apiURL != "" {
		status, err := fetchStatus(cmd.Context(), apiURL)
		if err != nil {
			return fmt.Errorf("failed to fetch status: %w", err)
		}
		return display(cmd.OutOrStdout(), format, status, func(w io.Writer) {
			printRemoteStatus(w, status)
		})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	status := collectLocalStatus(cmd.Context(), logger, cfg, limit)
	return display(cmd.OutOrStdout(), format, status, func(w io.Writer) {
		printLocalStatus(w, status)
	})
}

func collectLocalStatus(ctx context.Context, logger *zap.Logger, cfg *config.Config, limit int) *LocalStatus {
	status := &LocalStatus{}

	summaryPath := orchestrator.NewReportWriter(cfg.Orchestrator.ReportDir, cfg.Orchestrator.Name).SummaryPath()
	if summary, err := orchestrator.ReadSummary(summaryPath); err == nil {
		status.Orchestration = summary
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Unreadable orchestration summary", zap.String("path", summaryPath), zap.Error(err))
	}

	persister := monitoring.NewPersister(cfg.Monitor.ReportDir)
	for _, kind := range monitoring.Kinds() {
		snap, err := monitoring.ReadLatest(persister.LatestPath(kind))
		if err != nil {
			continue
		}
		status.Monitors = append(status.Monitors, *snap)
	}

	if cfg.Store.Enabled {
		db, err := database.New(ctx, logger.Named("store"), cfg.Store)
		if err != nil {
			logger.Warn("History store unavailable", zap.Error(err))
			return status
		}
		defer db.Close()
		if runs, err := db.RecentRuns(ctx, "", limit); err == nil {
			status.Runs = runs
		} else {
			logger.Warn("Failed to read recent runs", zap.Error(err))
		}
	}
	return status
}

func fetchStatus(ctx context.Context, apiURL string) (*api.StatusPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Success bool              `json:"success"`
		Data    api.StatusPayload `json:"data"`
		Error   string            `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if !envelope.Success {
		return nil, errors.New(envelope.Error)
	}
	return &envelope.Data, nil
}

func printLocalStatus(w io.Writer, s *LocalStatus) {
	fmt.Fprintf(w, "QMOI Status - %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	fmt.Fprintln(w, "Orchestration:")
	if o := s.Orchestration; o != nil {
		fmt.Fprintf(w, "  Last run     : %s (%s)\n", o.ID, whenRFC3339(o.Timestamp))
		fmt.Fprintf(w, "  Success rate : %.1f%%\n", o.SuccessRate)
		fmt.Fprintf(w, "  Failed tasks : %d\n", len(o.FailedTasks))
		fmt.Fprintf(w, "  Report       : %s\n", o.DetailedReport)
	} else {
		fmt.Fprintln(w, "  no runs yet")
	}

	fmt.Fprintln(w, "\nMonitors:")
	for _, snap := range s.Monitors {
		fmt.Fprintf(w, "  %s %-10s cycle %-6d %s, %d alert(s)\n",
			statusTag(snap.Healthy()), snap.Monitor, snap.Cycle, humanize.Time(snap.Timestamp), len(snap.Alerts))
	}
	if len(s.Monitors) == 0 {
		fmt.Fprintln(w, "  no snapshots yet")
	}

	if len(s.Runs) > 0 {
		fmt.Fprintln(w, "\nRecent runs:")
		for _, r := range s.Runs {
			fmt.Fprintf(w, "  %s %-12s %s  %s  %s\n",
				statusTag(r.Success), r.Kind, r.RunID, r.Duration.Round(time.Millisecond), humanize.Time(r.CreatedAt))
		}
	}
}

func printRemoteStatus(w io.Writer, s *api.StatusPayload) {
	fmt.Fprintf(w, "%s %s (up %s)\n\n", s.Service, s.Version, humanize.Time(s.StartedAt))

	fmt.Fprintln(w, "Monitors:")
	for _, m := range s.Monitors {
		fmt.Fprintf(w, "  %-10s %-8s cycles=%d alerts=%d\n", m.Name, m.State, m.Cycles, m.Alerts)
	}
	if n := s.Notifications; n != nil {
		fmt.Fprintf(w, "\nNotifications: %d sent, %d failed, %d suppressed, %d queued\n",
			n.Successful, n.Failed, n.Suppressed, n.Queued)
	}
	if r := s.LastRun; r != nil {
		fmt.Fprintf(w, "\nLast run: %s %.1f%% (%s)\n", r.ID, r.SuccessRate, whenRFC3339(r.Timestamp))
	}
	if len(s.Processes) > 0 {
		fmt.Fprintln(w, "\nRunning processes:")
		for _, p := range s.Processes {
			fmt.Fprintf(w, "  %-7d %s\n", p.PID, p.Command)
		}
	}
}

func whenRFC3339(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
