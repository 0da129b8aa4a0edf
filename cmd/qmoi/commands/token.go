package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/qmoi/qmoi-ops/internal/api"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the control API",
	Long: `Sign a token for the /api/v1/control endpoints with QMOI_JWT_SECRET.

Example:
  curl -X POST -H "Authorization: Bearer $(qmoi token)" \
    http://127.0.0.1:8090/api/v1/control/emergency-stop`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("subject", "qmoi-cli", "Token subject")
	tokenCmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return errors.New("QMOI_JWT_SECRET is not set")
	}

	token, err := api.NewAuthenticator(cfg.Server.JWTSecret, cfg.Server.JWTIssuer).Issue(subject, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
