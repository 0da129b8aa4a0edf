package commands

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/qmoi/qmoi-ops/internal/app"
	"github.com/qmoi/qmoi-ops/internal/database"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send notifications and inspect delivery history",
}

var notifySendCmd = &cobra.Command{
	Use:   "send <type> [key=value...]",
	Short: "Send one notification through the channels of its rule",
	Long: `Send a notification of the given type. The type selects the rule
(channels, priority, cooldown, template); key=value pairs fill the template.
Numeric values are sent as numbers.

Examples:
  qmoi notify send system_health status=degraded message="disk filling up"
  qmoi notify send backup_status status=failed --report`,
	Args: cobra.MinimumNArgs(1),
	RunE: runNotifySend,
}

var notifyReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show stored delivery counts and channel states",
	RunE:  runNotifyReport,
}

func init() {
	rootCmd.AddCommand(notifyCmd)
	notifyCmd.AddCommand(notifySendCmd, notifyReportCmd)

	notifySendCmd.Flags().StringP("message", "m", "", "Message text")
	notifySendCmd.Flags().Bool("report", false, "Write the delivery report afterwards")
	notifyReportCmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
}

func runNotifySend(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	writeReport, _ := cmd.Flags().GetBool("report")

	data, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	if message != "" {
		data["message"] = message
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	a, logger, err := bootstrap(ctx, nil, app.WithMonitors())
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	n := a.Notifier()
	delivered := n.Notify(ctx, args[0], data)

	out := cmd.OutOrStdout()
	if delivered {
		fmt.Fprintf(out, "%s %s delivered\n", statusTag(true), args[0])
	} else {
		fmt.Fprintf(out, "%s %s not delivered (cooldown or no channel accepted it)\n", statusTag(false), args[0])
	}
	if history := n.History(); len(history) > 0 {
		for _, d := range history[len(history)-1].Deliveries {
			line := fmt.Sprintf("  %-9s %s", d.Channel, statusTag(d.Success))
			if d.Error != "" {
				line += " " + d.Error
			}
			fmt.Fprintln(out, line)
		}
	}

	if writeReport {
		path, err := n.WriteReport(a.Config().Notification.ReportDir)
		if err != nil {
			logger.Warn("Failed to write notification report", zap.Error(err))
		} else {
			fmt.Fprintf(out, "Report written to %s\n", path)
		}
	}
	return nil
}

// notificationOverview is the output of notify report.
type notificationOverview struct {
	Channels map[string]string            `json:"channels" yaml:"channels"`
	Stored   []database.NotificationCount `json:"stored,omitempty" yaml:"stored,omitempty"`
}

func runNotifyReport(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")

	a, logger, err := bootstrap(cmd.Context(), nil, app.WithMonitors())
	if err != nil {
		return err
	}
	defer shutdown(a, logger)

	overview := notificationOverview{Channels: a.Notifier().ChannelStates()}
	if store := a.Store(); store != nil {
		overview.Stored, err = store.NotificationStats(cmd.Context())
		if err != nil {
			return err
		}
	}

	return display(cmd.OutOrStdout(), format, overview, func(w io.Writer) {
		fmt.Fprintln(w, "Channels:")
		names := make([]string, 0, len(overview.Channels))
		for name := range overview.Channels {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-9s %s\n", name, overview.Channels[name])
		}
		if len(names) == 0 {
			fmt.Fprintln(w, "  none configured")
		}

		if a.Store() == nil {
			return
		}
		fmt.Fprintln(w, "\nDelivered notifications:")
		for _, c := range overview.Stored {
			fmt.Fprintf(w, "  %-20s %d/%d\n", c.Type, c.Delivered, c.Total)
		}
		if len(overview.Stored) == 0 {
			fmt.Fprintln(w, "  none recorded")
		}
	})
}

// parseFields turns key=value arguments into template data.
func parseFields(args []string) (map[string]any, error) {
	data := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", arg)
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			data[key] = f
		} else {
			data[key] = value
		}
	}
	return data, nil
}
