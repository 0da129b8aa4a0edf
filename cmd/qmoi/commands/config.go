package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/qmoi/qmoi-ops/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, show and validate the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Long: `Write the built-in defaults to path (default ./qmoi.yaml). Credentials
are never written; set them in the environment or a .env file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configShowCmd.Flags().StringP("output", "o", "yaml", "Output format (json, yaml)")
	configShowCmd.Flags().Bool("credentials", false, "List which credentials are set")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	path := DefaultConfigFile
	if len(args) == 1 {
		path = args[0]
	}
	if !force && fileExists(path) {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration written to %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set credentials (SLACK_WEBHOOK_URL, SMTP_SERVER, HEROKU_API_KEY, ...) in the environment or .env")
	fmt.Fprintln(out, "  2. Run 'qmoi config validate'")
	fmt.Fprintln(out, "  3. Run 'qmoi monitor --once' or 'qmoi orchestrate --once'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	creds, _ := cmd.Flags().GetBool("credentials")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if creds {
		present := cfg.Credentials.Present()
		return display(cmd.OutOrStdout(), format, present, func(w io.Writer) {
			names := make([]string, 0, len(present))
			for name := range present {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				state := "unset"
				if present[name] {
					state = "set"
				}
				fmt.Fprintf(w, "  %-22s %s\n", name, state)
			}
		})
	}

	if format == "table" || format == "" {
		format = "yaml"
	}
	return display(cmd.OutOrStdout(), format, cfg, nil)
}
