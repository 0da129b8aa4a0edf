package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/qmoi/qmoi-ops/internal/app"
	"github.com/qmoi/qmoi-ops/internal/config"
	"github.com/qmoi/qmoi-ops/internal/deployment"
	apperrors "github.com/qmoi/qmoi-ops/internal/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var deployCmd = &cobra.Command{
	Use:   "deploy [provider...]",
	Short: "Deploy to the configured cloud providers",
	Long: `Deploy the application to each provider in turn. A provider without
credentials is skipped; a failing provider does not stop the others.

Providers: ` + strings.Join(deployment.KnownProviders(), ", ") + `

Examples:
  qmoi deploy
  qmoi deploy heroku vercel --app-name qmoi-staging`,
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().String("dir", "", "Project directory (default from config)")
	deployCmd.Flags().String("app-name", "", "Application name (default from config)")
	deployCmd.Flags().String("region", "", "Region (default from config)")
	deployCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	appName, _ := cmd.Flags().GetString("app-name")
	region, _ := cmd.Flags().GetString("region")
	format, _ := cmd.Flags().GetString("output")

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, logger, err := bootstrap(ctx, func(cfg *config.Config) error {
		if dir != "" {
			cfg.Deploy.Dir = dir
		}
		if appName != "" {
			cfg.Deploy.AppName = appName
		}
		if region != "" {
			cfg.Deploy.Region = region
		}
		return nil
	}, app.WithMonitors())
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	report, err := a.Deployer().Deploy(ctx, args...)
	if err != nil {
		if apperrors.IsFatal(err) {
			return err
		}
		logger.Warn("Deploy finished with errors", zap.Error(err))
	}
	if report == nil {
		return nil
	}
	return display(cmd.OutOrStdout(), format, report, func(w io.Writer) {
		printDeploy(w, report)
	})
}

func printDeploy(w io.Writer, r *deployment.DeployReport) {
	fmt.Fprintf(w, "%s deploy %s\n", statusTag(r.Succeeded()), r.ID)
	for _, res := range r.Results {
		fmt.Fprintf(w, "  %-13s %-9s %s", res.Provider, res.Status, res.Duration.Round(time.Millisecond))
		if res.Error != "" {
			fmt.Fprintf(w, "  %s", res.Error)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  Duration : %s\n", r.Duration.Round(time.Millisecond))
}
