package commands

import (
	"fmt"
	"io"
	"time"

	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/qmoi/qmoi-ops/internal/runner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command [args...]",
	Short: "Run one command with retry, backoff and auto-fix",
	Long: `Run a command through the command runner. Failed attempts are retried
with exponential backoff; when every attempt fails, one matching auto-fix is
applied and the command is retried once more.

A failed --critical command exits non-zero. Any other failure is reported
and the exit status stays zero.

Examples:
  qmoi exec -- git push origin main
  qmoi exec --retries 5 --backoff 2s --critical -- npm test`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().Int("retries", 0, "Attempts before giving up (default from config)")
	execCmd.Flags().Duration("backoff", 0, "Base backoff between attempts (default from config)")
	execCmd.Flags().Duration("timeout", 0, "Per-attempt timeout (default from config)")
	execCmd.Flags().Bool("critical", false, "Exit non-zero when the command finally fails")
	execCmd.Flags().Bool("auto-fix", true, "Apply a matching remediation after the last failed attempt")
	execCmd.Flags().String("dir", "", "Working directory")
	execCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
}

func runExec(cmd *cobra.Command, args []string) error {
	retries, _ := cmd.Flags().GetInt("retries")
	backoff, _ := cmd.Flags().GetDuration("backoff")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	critical, _ := cmd.Flags().GetBool("critical")
	dir, _ := cmd.Flags().GetString("dir")
	format, _ := cmd.Flags().GetString("output")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	opts := runner.Options{Retries: retries, Backoff: backoff, Timeout: timeout, Critical: critical}
	if cmd.Flags().Changed("auto-fix") {
		autoFix, _ := cmd.Flags().GetBool("auto-fix")
		opts = opts.WithAutoFix(autoFix)
	}

	r := runner.New(logger.Named("runner"), cfg.Runner)
	command := runner.NewCommand(args...).In(dir)
	out, runErr := r.Run(ctx, command, opts)

	if err := display(cmd.OutOrStdout(), format, out, func(w io.Writer) {
		printOutcome(w, command, out)
	}); err != nil {
		return err
	}

	if runErr != nil {
		if apperrors.IsFatal(runErr) {
			return runErr
		}
		logger.Warn("Command did not complete", zap.Error(runErr))
	}
	return nil
}

func printOutcome(w io.Writer, command runner.Command, out runner.Outcome) {
	fmt.Fprintf(w, "%s %s\n", statusTag(out.Success), command)
	fmt.Fprintf(w, "  Attempts : %d\n", out.Attempts)
	fmt.Fprintf(w, "  Duration : %s\n", out.Duration.Round(time.Millisecond))
	if out.Remediation != "" {
		fmt.Fprintf(w, "  Auto-fix : %s\n", out.Remediation)
	}
	if !out.Success && out.Stderr != "" {
		fmt.Fprintf(w, "  Stderr   : %s\n", out.Stderr)
	}
}
