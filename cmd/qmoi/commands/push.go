package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/qmoi/qmoi-ops/internal/app"
	"github.com/qmoi/qmoi-ops/internal/config"
	"github.com/qmoi/qmoi-ops/internal/deployment"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Back up, prepare and push the workspace",
	Long: `Run the push pipeline: archive the workspace, clear stale git locks,
run the preparation steps, commit and push. Preparation steps are best
effort; the exit status is non-zero only for a fatal error such as a
missing git repository.`,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)

	pushCmd.Flags().String("dir", "", "Repository directory (default from config)")
	pushCmd.Flags().StringP("message", "m", "", "Commit message (default from config)")
	pushCmd.Flags().String("branch", "", "Branch to push (default: current)")
	pushCmd.Flags().Bool("force", false, "Force push")
	pushCmd.Flags().Bool("skip-backup", false, "Skip the workspace archive")
	pushCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
}

func runPush(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, logger, err := bootstrap(ctx, func(cfg *config.Config) error {
		applyPushFlags(cmd, &cfg.Push)
		return nil
	}, app.WithMonitors())
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	result, err := a.PushPipeline(a.Config().Push).Run(ctx)
	if err != nil {
		if apperrors.IsFatal(err) {
			return err
		}
		logger.Warn("Push finished with errors", zap.Error(err))
	}
	if result == nil {
		return nil
	}
	return display(cmd.OutOrStdout(), format, result, func(w io.Writer) {
		printPush(w, result)
	})
}

func applyPushFlags(cmd *cobra.Command, cfg *deployment.PushConfig) {
	if v, _ := cmd.Flags().GetString("dir"); v != "" {
		cfg.Dir = v
	}
	if v, _ := cmd.Flags().GetString("message"); v != "" {
		cfg.Message = v
	}
	if v, _ := cmd.Flags().GetString("branch"); v != "" {
		cfg.Branch = v
	}
	if cmd.Flags().Changed("force") {
		cfg.Force, _ = cmd.Flags().GetBool("force")
	}
	if cmd.Flags().Changed("skip-backup") {
		cfg.SkipBackup, _ = cmd.Flags().GetBool("skip-backup")
	}
}

func printPush(w io.Writer, r *deployment.PushResult) {
	fmt.Fprintf(w, "%s push #%d %q\n", statusTag(r.Success), r.Number, r.Message)
	if r.Backup != nil {
		fmt.Fprintf(w, "  Backup   : %s (%d files, %s)\n", r.Backup.Path, r.Backup.Files, humanize.Bytes(uint64(r.Backup.Bytes)))
	}
	for _, step := range r.Steps {
		line := fmt.Sprintf("  %-8s %-14s attempts=%d", statusTag(step.Success), step.Name, step.Attempts)
		if step.Remediation != "" {
			line += " fix=" + step.Remediation
		}
		fmt.Fprintln(w, line)
	}
	switch {
	case r.NoChanges:
		fmt.Fprintln(w, "  Nothing to commit")
	case r.Pushed:
		fmt.Fprintf(w, "  Pushed to %s\n", r.Branch)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  Error    : %s\n", r.Error)
	}
	fmt.Fprintf(w, "  Duration : %s\n", r.Duration.Round(time.Millisecond))
}
