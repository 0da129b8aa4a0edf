package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/qmoi/qmoi-ops/internal/app"
	"github.com/qmoi/qmoi-ops/internal/config"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/orchestrator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run the parallel platform phases",
	Long: `Run every phase (detect, fix, optimize, activate, evolve) across the
configured platforms with bounded parallelism, then write the aggregate
report and summary.

Examples:
  qmoi orchestrate --once
  qmoi orchestrate --continuous --interval 30m
  qmoi orchestrate --phases detect,fix --work command`,
	RunE: runOrchestrate,
}

func init() {
	rootCmd.AddCommand(orchestrateCmd)

	orchestrateCmd.Flags().Bool("once", true, "Run a single pass")
	orchestrateCmd.Flags().Bool("continuous", false, "Run repeatedly until interrupted")
	orchestrateCmd.Flags().Duration("interval", 0, "Interval between continuous runs (default from config)")
	orchestrateCmd.Flags().StringSlice("phases", nil, "Phases to run, in order")
	orchestrateCmd.Flags().String("work", "", "Task implementation (pattern, command)")
	orchestrateCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	continuous, _ := cmd.Flags().GetBool("continuous")
	interval, _ := cmd.Flags().GetDuration("interval")
	phases, _ := cmd.Flags().GetStringSlice("phases")
	work, _ := cmd.Flags().GetString("work")
	format, _ := cmd.Flags().GetString("output")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, logger, err := bootstrap(ctx, func(cfg *config.Config) error {
		for _, p := range phases {
			if !orchestrator.KnownPhase(p) {
				return apperrors.Fatalf("orchestrate", "unknown phase %q (known: %s)",
					p, strings.Join(orchestrator.DefaultPhases(), ", "))
			}
		}
		if len(phases) > 0 {
			cfg.Orchestrator.Phases = phases
		}
		if work != "" {
			cfg.Orchestrator.Work = work
		}
		return nil
	}, app.WithMonitors())
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	if err := a.Start(); err != nil {
		return err
	}

	if continuous {
		logger.Info("Running orchestration continuously", zap.Duration("interval", interval))
		return a.Orchestrator().RunContinuous(ctx, interval)
	}

	report, err := a.Orchestrator().Run(ctx)
	if err != nil {
		return err
	}
	return display(cmd.OutOrStdout(), format, report, func(w io.Writer) {
		printReport(w, report, a.Orchestrator().SummaryPath())
	})
}

func printReport(w io.Writer, r *orchestrator.AggregateReport, summaryPath string) {
	completed := r.Stats[orchestrator.StatTasksCompleted]
	failed := r.Stats[orchestrator.StatTasksFailed]

	fmt.Fprintf(w, "%s %s (%s)\n\n", statusTag(r.Succeeded()), r.Name, r.ID)
	fmt.Fprintf(w, "  Platforms    : %d\n", len(r.Platforms))
	fmt.Fprintf(w, "  Tasks        : %s completed, %s failed\n", humanize.Comma(int64(completed)), humanize.Comma(int64(failed)))
	fmt.Fprintf(w, "  Success rate : %.1f%%\n", r.SuccessRate)
	fmt.Fprintf(w, "  Duration     : %s\n", time.Duration(r.DurationSeconds*float64(time.Second)).Round(time.Millisecond))
	if r.Cancelled {
		fmt.Fprintln(w, "  Cancelled    : yes")
	}

	if len(r.Phases) > 0 {
		fmt.Fprintln(w, "\nPhases:")
		for _, p := range r.Phases {
			fmt.Fprintf(w, "  - %-9s ok=%d failed=%d took=%.2fs\n", p.Phase, p.Succeeded, p.Failed, p.DurationSeconds)
		}
	}
	if summaryPath != "" {
		fmt.Fprintf(w, "\nSummary written to %s\n", summaryPath)
	}
}
