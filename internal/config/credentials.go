package config

import (
	"os"
	"strconv"
	"strings"
)

// Credentials are secrets read from the environment. An empty value disables
// the feature that needs it.
type Credentials struct {
	GitHubToken         string
	HerokuAPIKey        string
	DigitalOceanToken   string
	VercelToken         string
	AzureSubscriptionID string

	SlackWebhookURL   string
	DiscordWebhookURL string
	TelegramBotToken  string
	TelegramChatID    string
	WebhookURLs       []string
	WebhookToken      string

	SMTPServer    string
	SMTPPort      int
	EmailUsername string
	EmailPassword string
	EmailFrom     string
	EmailTo       []string

	JWTSecret string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	RedisPassword      string
}

// CredentialsFromEnv reads every known credential variable.
func CredentialsFromEnv() Credentials {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	return Credentials{
		GitHubToken:         firstEnv("GITHUB_TOKEN", "GH_TOKEN", "QMOI_GITHUB_TOKEN"),
		HerokuAPIKey:        os.Getenv("HEROKU_API_KEY"),
		DigitalOceanToken:   firstEnv("DIGITALOCEAN_TOKEN", "DIGITALOCEAN_ACCESS_TOKEN"),
		VercelToken:         firstEnv("VERCEL_TOKEN", "QMOI_VERCEL_TOKEN"),
		AzureSubscriptionID: os.Getenv("AZURE_SUBSCRIPTION_ID"),

		SlackWebhookURL:   os.Getenv("SLACK_WEBHOOK_URL"),
		DiscordWebhookURL: os.Getenv("DISCORD_WEBHOOK_URL"),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:    os.Getenv("TELEGRAM_CHAT_ID"),
		WebhookURLs:       splitList(os.Getenv("WEBHOOK_URLS")),
		WebhookToken:      os.Getenv("WEBHOOK_TOKEN"),

		SMTPServer:    firstEnv("SMTP_SERVER", "SMTP_HOST"),
		SMTPPort:      port,
		EmailUsername: firstEnv("EMAIL_USERNAME", "QMOI_EMAIL_USER"),
		EmailPassword: os.Getenv("EMAIL_PASSWORD"),
		EmailFrom:     os.Getenv("EMAIL_FROM"),
		EmailTo:       splitList(os.Getenv("EMAIL_TO")),

		JWTSecret: os.Getenv("QMOI_JWT_SECRET"),

		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
	}
}

// Apply copies set credentials into the component configs.
func (c Credentials) Apply(cfg *Config) {
	n := &cfg.Notification
	setIf(&n.Slack.WebhookURL, c.SlackWebhookURL)
	setIf(&n.Discord.WebhookURL, c.DiscordWebhookURL)
	setIf(&n.Telegram.BotToken, c.TelegramBotToken)
	setIf(&n.Telegram.ChatID, c.TelegramChatID)
	setIf(&n.Webhook.Token, c.WebhookToken)
	if len(c.WebhookURLs) > 0 {
		n.Webhook.URLs = c.WebhookURLs
	}
	setIf(&n.Email.Host, c.SMTPServer)
	if c.SMTPPort > 0 {
		n.Email.Port = c.SMTPPort
	}
	setIf(&n.Email.Username, c.EmailUsername)
	setIf(&n.Email.Password, c.EmailPassword)
	setIf(&n.Email.From, c.EmailFrom)
	if len(c.EmailTo) > 0 {
		n.Email.To = c.EmailTo
	}

	setIf(&cfg.Deploy.HerokuAPIKey, c.HerokuAPIKey)
	setIf(&cfg.Deploy.DigitalOceanToken, c.DigitalOceanToken)
	setIf(&cfg.Deploy.VercelToken, c.VercelToken)

	setIf(&cfg.Server.JWTSecret, c.JWTSecret)
	setIf(&cfg.Storage.AccessKeyID, c.AWSAccessKeyID)
	setIf(&cfg.Storage.SecretAccessKey, c.AWSSecretAccessKey)
	setIf(&cfg.Cooldown.Redis.Password, c.RedisPassword)
}

// Present lists which credentials are set, for status output. Values are
// never returned.
func (c Credentials) Present() map[string]bool {
	return map[string]bool{
		"GITHUB_TOKEN":          c.GitHubToken != "",
		"HEROKU_API_KEY":        c.HerokuAPIKey != "",
		"DIGITALOCEAN_TOKEN":    c.DigitalOceanToken != "",
		"VERCEL_TOKEN":          c.VercelToken != "",
		"AZURE_SUBSCRIPTION_ID": c.AzureSubscriptionID != "",
		"SLACK_WEBHOOK_URL":     c.SlackWebhookURL != "",
		"DISCORD_WEBHOOK_URL":   c.DiscordWebhookURL != "",
		"TELEGRAM_BOT_TOKEN":    c.TelegramBotToken != "",
		"WEBHOOK_URLS":          len(c.WebhookURLs) > 0,
		"EMAIL_PASSWORD":        c.EmailPassword != "",
		"QMOI_JWT_SECRET":       c.JWTSecret != "",
		"AWS_ACCESS_KEY_ID":     c.AWSAccessKeyID != "",
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
