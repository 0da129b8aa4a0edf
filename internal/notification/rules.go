package notification

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Priority of a notification.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Channel names.
const (
	ChannelEmail    = "email"
	ChannelSlack    = "slack"
	ChannelDiscord  = "discord"
	ChannelWebhook  = "webhook"
	ChannelTelegram = "telegram"
	ChannelNATS     = "nats"
)

// KnownChannel reports whether name is a supported channel.
func KnownChannel(name string) bool {
	switch name {
	case ChannelEmail, ChannelSlack, ChannelDiscord, ChannelWebhook, ChannelTelegram, ChannelNATS:
		return true
	}
	return false
}

// Rule says where a notification type goes, how urgent it is, and how often
// it may be sent. Subject and Template use {key} placeholders.
type Rule struct {
	Channels []string      `mapstructure:"channels" yaml:"channels" json:"channels"`
	Priority Priority      `mapstructure:"priority" yaml:"priority" json:"priority"`
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
	Subject  string        `mapstructure:"subject" yaml:"subject,omitempty" json:"subject,omitempty"`
	Template string        `mapstructure:"template" yaml:"template,omitempty" json:"template,omitempty"`
}

const alertTemplate = `{message}

**Monitor:** {monitor}
**Metric:** {metric}
**Value:** {value}
**Threshold:** {threshold}
**Severity:** {severity}
**Time:** {timestamp}

---
QMOI System Monitor`

// DefaultRules returns the built-in rule table.
func DefaultRules() map[string]Rule {
	rules := map[string]Rule{
		"system_health": {
			Channels: []string{ChannelEmail, ChannelSlack},
			Priority: PriorityHigh,
			Cooldown: 300 * time.Second,
			Subject:  "QMOI System Health Alert",
			Template: `QMOI System Health Alert

**System:** {system_name}
**Status:** {status}
**Severity:** {severity}
**Time:** {timestamp}
**Details:** {details}

**Actions Required:**
{actions}

---
QMOI AI System Monitor`,
		},
		"security_alert": {
			Channels: []string{ChannelEmail, ChannelSlack, ChannelDiscord},
			Priority: PriorityCritical,
			Cooldown: 60 * time.Second,
			Subject:  "QMOI Security Alert - IMMEDIATE ACTION REQUIRED",
			Template: `CRITICAL SECURITY ALERT

**Threat Type:** {threat_type}
**Severity:** {severity}
**Time:** {timestamp}
**Affected System:** {system_name}
**Details:** {details}

**IMMEDIATE ACTIONS:**
{actions}

**Status:** {status}

---
QMOI Security Monitor`,
		},
		"performance_issue": {
			Channels: []string{ChannelSlack},
			Priority: PriorityMedium,
			Cooldown: 600 * time.Second,
			Subject:  "QMOI Performance Issue Detected",
			Template: `Performance Issue Detected

**Component:** {component}
**Issue:** {issue}
**Impact:** {impact}
**Time:** {timestamp}
**Metrics:** {metrics}

**Recommendations:**
{recommendations}

---
QMOI Performance Monitor`,
		},
		"cost_alert": {
			Channels: []string{ChannelEmail, ChannelSlack},
			Priority: PriorityHigh,
			Cooldown: 1800 * time.Second,
			Subject:  "QMOI Cost Alert",
			Template: `Cost Alert

**Current Cost:** ${current_cost}
**Threshold:** ${threshold}
**Period:** {period}
**Time:** {timestamp}

**Cost Breakdown:**
{cost_breakdown}

**Recommendations:**
{recommendations}

---
QMOI Cost Monitor`,
		},
		"backup_status": {
			Channels: []string{ChannelEmail},
			Priority: PriorityLow,
			Cooldown: 3600 * time.Second,
			Subject:  "QMOI Backup Status Report",
			Template: `Backup Status Report

**Status:** {status}
**Last Backup:** {last_backup}
**Next Backup:** {next_backup}
**Size:** {size}
**Duration:** {duration}

**Details:**
{details}

---
QMOI Backup Monitor`,
		},
		"deployment_status": {
			Channels: []string{ChannelSlack, ChannelWebhook},
			Priority: PriorityMedium,
			Cooldown: 300 * time.Second,
			Subject:  "QMOI Deployment {status}: {provider}",
			Template: `Deployment {status}

**Provider:** {provider}
**Target:** {target}
**Time:** {timestamp}
**Details:** {details}

---
QMOI Deploy`,
		},
	}

	for _, alertType := range []string{"high_cpu", "high_memory", "high_disk", "endpoint_down", "backup_overdue"} {
		rules[alertType] = Rule{
			Channels: []string{ChannelSlack, ChannelEmail},
			Priority: PriorityHigh,
			Cooldown: 300 * time.Second,
			Template: alertTemplate,
		}
	}
	return rules
}

// fallbackRule applies to types with no rule.
func fallbackRule(channels []string) Rule {
	return Rule{
		Channels: channels,
		Priority: PriorityMedium,
		Cooldown: 300 * time.Second,
		Template: "**{notification_type}**\n\n{details}",
	}
}

var titler = cases.Title(language.English)

// defaultSubject renders "QMOI High Cpu Alert" style subjects.
func defaultSubject(notificationType string) string {
	return fmt.Sprintf("QMOI %s Alert", titler.String(strings.ReplaceAll(notificationType, "_", " ")))
}

// Render substitutes {key} placeholders with values from data. Placeholders
// with no value render as "-". {notification_type} and {details} are always
// available.
func Render(tmpl, notificationType string, data map[string]any) string {
	values := make(map[string]string, len(data)+2)
	for k, v := range data {
		values[k] = formatValue(v)
	}
	if _, ok := values["notification_type"]; !ok {
		values["notification_type"] = notificationType
	}
	if _, ok := values["details"]; !ok {
		values["details"] = details(data)
	}

	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			break
		}
		end += open

		key := tmpl[open+1 : end]
		b.WriteString(tmpl[:open])
		if v, ok := values[key]; ok {
			b.WriteString(v)
		} else if isPlaceholder(key) {
			b.WriteString("-")
		} else {
			b.WriteString(tmpl[open : end+1])
		}
		tmpl = tmpl[end+1:]
	}
	return strings.TrimSpace(b.String())
}

func isPlaceholder(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if !(r == '_' || r == '.' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.2f", x)
	case float32:
		return fmt.Sprintf("%.2f", x)
	case []string:
		return strings.Join(x, "\n")
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// details renders data as sorted key: value lines.
func details(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, formatValue(data[k])))
	}
	return strings.Join(lines, "\n")
}
