package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Channel delivers a notification to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string   `mapstructure:"host" yaml:"host" json:"host"`
	Port     int      `mapstructure:"port" yaml:"port" json:"port"`
	Username string   `mapstructure:"username" yaml:"username" json:"username"`
	Password string   `mapstructure:"password" yaml:"-" json:"-"`
	From     string   `mapstructure:"from" yaml:"from" json:"from"`
	To       []string `mapstructure:"to" yaml:"to" json:"to"`
}

// Enabled reports whether enough is configured to send.
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

// SlackConfig configures the Slack incoming webhook.
type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"-" json:"-"`
	Channel    string `mapstructure:"channel" yaml:"channel" json:"channel"`
	Username   string `mapstructure:"username" yaml:"username" json:"username"`
}

// DiscordConfig configures the Discord webhook.
type DiscordConfig struct {
	WebhookURL string `mapstructure:"webhook_url" yaml:"-" json:"-"`
	Username   string `mapstructure:"username" yaml:"username" json:"username"`
}

// WebhookConfig configures generic JSON webhooks.
type WebhookConfig struct {
	URLs  []string `mapstructure:"urls" yaml:"urls" json:"urls"`
	Token string   `mapstructure:"token" yaml:"-" json:"-"`
}

// TelegramConfig configures the Telegram Bot API.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token" yaml:"-" json:"-"`
	ChatID   string `mapstructure:"chat_id" yaml:"chat_id" json:"chat_id"`
	APIBase  string `mapstructure:"api_base" yaml:"api_base" json:"api_base"`
}

// EmailChannel sends through SMTP with PLAIN auth.
type EmailChannel struct {
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailChannel(config EmailConfig) *EmailChannel {
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config, send: smtp.SendMail}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.config.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(n.Priority)), n.Subject)
	fmt.Fprintf(&msg, "X-QMOI-Notification: %s\r\n", n.ID)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(n.Body)

	addr := net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
	if err := c.send(addr, auth, c.config.From, c.config.To, msg.Bytes()); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// httpChannel is the shared JSON POST used by the webhook style channels.
type httpChannel struct {
	client *http.Client
}

func newHTTPChannel(client *http.Client) httpChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return httpChannel{client: client}
}

// post sends payload as JSON and checks the status against accepted. Errors
// never include endpoint, which may carry a secret.
func (h httpChannel) post(ctx context.Context, endpoint, token string, payload any, accepted ...int) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", redactURL(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return redactURL(err)
	}
	defer resp.Body.Close()

	for _, code := range accepted {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// redactURL strips the request URL from a *url.Error.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request failed: %w", uerr.Op, uerr.Err)
	}
	return err
}

// truncate shortens s to at most max runes, marking the cut with "...".
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}

// SlackChannel posts to a Slack incoming webhook.
type SlackChannel struct {
	httpChannel
	config SlackConfig
}

func NewSlackChannel(config SlackConfig, client *http.Client) *SlackChannel {
	return &SlackChannel{httpChannel: newHTTPChannel(client), config: config}
}

func (c *SlackChannel) Name() string { return ChannelSlack }

func (c *SlackChannel) Send(ctx context.Context, n *Notification) error {
	payload := map[string]any{
		"text":       fmt.Sprintf("*%s*\n%s", n.Subject, n.Body),
		"icon_emoji": ":robot_face:",
	}
	if c.config.Channel != "" {
		payload["channel"] = c.config.Channel
	}
	if c.config.Username != "" {
		payload["username"] = c.config.Username
	}
	if err := c.post(ctx, c.config.WebhookURL, "", payload, http.StatusOK); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

// DiscordChannel posts to a Discord webhook.
type DiscordChannel struct {
	httpChannel
	config DiscordConfig
}

func NewDiscordChannel(config DiscordConfig, client *http.Client) *DiscordChannel {
	return &DiscordChannel{httpChannel: newHTTPChannel(client), config: config}
}

func (c *DiscordChannel) Name() string { return ChannelDiscord }

func (c *DiscordChannel) Send(ctx context.Context, n *Notification) error {
	content := fmt.Sprintf("**%s**\n%s", n.Subject, n.Body)
	// Discord rejects content longer than 2000 characters.
	payload := map[string]any{"content": truncate(content, 2000)}
	if c.config.Username != "" {
		payload["username"] = c.config.Username
	}
	if err := c.post(ctx, c.config.WebhookURL, "", payload, http.StatusNoContent, http.StatusOK); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// WebhookChannel posts the full notification to every configured URL. It
// succeeds when at least one URL accepts.
type WebhookChannel struct {
	httpChannel
	config WebhookConfig
}

func NewWebhookChannel(config WebhookConfig, client *http.Client) *WebhookChannel {
	urls := config.URLs[:0:0]
	for _, u := range config.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	config.URLs = urls
	return &WebhookChannel{httpChannel: newHTTPChannel(client), config: config}
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	payload := map[string]any{
		"notification_id": n.ID,
		"type":            n.Type,
		"priority":        n.Priority,
		"timestamp":       n.CreatedAt.Format(time.RFC3339),
		"subject":         n.Subject,
		"body":            n.Body,
		"data":            n.Data,
	}

	var errs []error
	for _, endpoint := range c.config.URLs {
		err := c.post(ctx, endpoint, c.config.Token, payload, http.StatusOK, http.StatusCreated, http.StatusAccepted)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", endpoint, err))
	}
	if len(errs) == 0 {
		return errors.New("webhook: no urls configured")
	}
	return fmt.Errorf("webhook: %w", errors.Join(errs...))
}

// TelegramChannel sends through the Bot API sendMessage method.
type TelegramChannel struct {
	httpChannel
	config TelegramConfig
}

func NewTelegramChannel(config TelegramConfig, client *http.Client) *TelegramChannel {
	if config.APIBase == "" {
		config.APIBase = "https://api.telegram.org"
	}
	return &TelegramChannel{httpChannel: newHTTPChannel(client), config: config}
}

func (c *TelegramChannel) Name() string { return ChannelTelegram }

func (c *TelegramChannel) Send(ctx context.Context, n *Notification) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(c.config.APIBase, "/"), c.config.BotToken)
	payload := map[string]any{
		"chat_id":    c.config.ChatID,
		"text":       fmt.Sprintf("*%s*\n\n%s", n.Subject, n.Body),
		"parse_mode": "Markdown",
	}
	if err := c.post(ctx, endpoint, "", payload, http.StatusOK); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}
