package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotification() *Notification {
	return &Notification{
		ID:        "n-1",
		Type:      "high_cpu",
		Priority:  PriorityHigh,
		Subject:   "CPU",
		Body:      "cpu is 91%",
		Data:      map[string]any{"value": 91.0},
		CreatedAt: time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC),
	}
}

func jsonServer(t *testing.T, status int, got *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if got != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(got))
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSlackChannel(t *testing.T) {
	var payload map[string]any
	srv := jsonServer(t, http.StatusOK, &payload)

	ch := NewSlackChannel(SlackConfig{WebhookURL: srv.URL, Channel: "#ops", Username: "bot"}, nil)
	require.NoError(t, ch.Send(context.Background(), testNotification()))
	assert.Equal(t, "#ops", payload["channel"])
	assert.Equal(t, "*CPU*\ncpu is 91%", payload["text"])

	bad := NewSlackChannel(SlackConfig{WebhookURL: jsonServer(t, http.StatusForbidden, nil).URL}, nil)
	err := bad.Send(context.Background(), testNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestDiscordChannelAccepts204(t *testing.T) {
	var payload map[string]any
	srv := jsonServer(t, http.StatusNoContent, &payload)

	ch := NewDiscordChannel(DiscordConfig{WebhookURL: srv.URL, Username: "QMOI Monitor"}, nil)
	require.NoError(t, ch.Send(context.Background(), testNotification()))
	assert.Equal(t, "QMOI Monitor", payload["username"])
	assert.Contains(t, payload["content"], "cpu is 91%")
}

func TestWebhookChannelSucceedsIfAnyURLAccepts(t *testing.T) {
	var payload map[string]any
	down := jsonServer(t, http.StatusInternalServerError, nil)
	up := jsonServer(t, http.StatusAccepted, &payload)

	ch := NewWebhookChannel(WebhookConfig{URLs: []string{"", down.URL, up.URL}}, nil)
	require.NoError(t, ch.Send(context.Background(), testNotification()))
	assert.Equal(t, "n-1", payload["notification_id"])
	assert.Equal(t, "high", payload["priority"])
	assert.Equal(t, "2026-02-02T02:02:02Z", payload["timestamp"])

	allDown := NewWebhookChannel(WebhookConfig{URLs: []string{down.URL}}, nil)
	assert.Error(t, allDown.Send(context.Background(), testNotification()))
}

func TestWebhookChannelSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URLs: []string{srv.URL}, Token: "s3cret"}, nil)
	assert.NoError(t, ch.Send(context.Background(), testNotification()))
}

func TestTelegramChannel(t *testing.T) {
	var path string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewTelegramChannel(TelegramConfig{BotToken: "123:abc", ChatID: "42", APIBase: srv.URL}, nil)
	require.NoError(t, ch.Send(context.Background(), testNotification()))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", payload["chat_id"])
	assert.Equal(t, "Markdown", payload["parse_mode"])
	assert.True(t, strings.HasPrefix(payload["text"].(string), "*CPU*"))
}

func TestTelegramChannelErrorHidesToken(t *testing.T) {
	ch := NewTelegramChannel(TelegramConfig{BotToken: "SECRET123", ChatID: "42", APIBase: "http://127.0.0.1:1"}, nil)

	err := ch.Send(context.Background(), testNotification())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET123")
	assert.NotContains(t, err.Error(), "/bot")
	assert.Contains(t, err.Error(), "telegram: Post request failed")
}

func TestDiscordChannelTruncatesOnRuneBoundary(t *testing.T) {
	var payload map[string]any
	srv := jsonServer(t, http.StatusNoContent, &payload)

	n := testNotification()
	n.Body = strings.Repeat("é", 2500)
	ch := NewDiscordChannel(DiscordConfig{WebhookURL: srv.URL}, nil)
	require.NoError(t, ch.Send(context.Background(), n))

	content := payload["content"].(string)
	assert.True(t, utf8.ValidString(content))
	assert.Equal(t, 2000, utf8.RuneCountInString(content))
	assert.True(t, strings.HasSuffix(content, "é..."))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "日本...", truncate("日本語のテキスト", 5))
}

func TestEmailChannel(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	ch := NewEmailChannel(EmailConfig{
		Host: "smtp.example.com", Username: "u", Password: "p",
		From: "qmoi@example.com", To: []string{"ops@example.com", "oncall@example.com"},
	})
	ch.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	require.NoError(t, ch.Send(context.Background(), testNotification()))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Len(t, gotTo, 2)
	assert.Contains(t, gotMsg, "Subject: [HIGH] CPU\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "cpu is 91%"))

	ch.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("535 auth failed") }
	assert.ErrorContains(t, ch.Send(context.Background(), testNotification()), "535")
}

type fakePublisher struct {
	subject   string
	data      []byte
	published int
	flushes   []time.Duration
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject, p.data = subject, data
	p.published++
	return nil
}

func (p *fakePublisher) FlushTimeout(d time.Duration) error {
	p.flushes = append(p.flushes, d)
	return nil
}

func TestNATSChannel(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewNATSChannel(pub, "")

	require.NoError(t, ch.Send(context.Background(), testNotification()))
	assert.Equal(t, "qmoi.notifications.high_cpu", pub.subject)

	var got Notification
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "n-1", got.ID)
	assert.Equal(t, []time.Duration{5 * time.Second}, pub.flushes)
}

func TestNATSChannelFlushTimeoutFollowsDeadline(t *testing.T) {
	pub := &fakePublisher{}
	ch := NewNATSChannel(pub, "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, testNotification()))
	require.Len(t, pub.flushes, 1)
	assert.Greater(t, pub.flushes[0], time.Duration(0))
	assert.LessOrEqual(t, pub.flushes[0], time.Second)

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	err := ch.Send(expired, testNotification())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, pub.published, "nothing is published past the deadline")
	assert.Len(t, pub.flushes, 1)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		data map[string]any
		want string
	}{
		{"simple", "Status: {status}", map[string]any{"status": "ok"}, "Status: ok"},
		{"float", "{value}%", map[string]any{"value": 85.0}, "85.00%"},
		{"missing key", "Status: {status}", nil, "Status: -"},
		{"dollar prefix", "${cost}", map[string]any{"cost": 12}, "$12"},
		{"not a placeholder", `{"json": true}`, nil, `{"json": true}`},
		{"type", "{notification_type}", nil, "cost_alert"},
		{"list", "{actions}", map[string]any{"actions": []string{"a", "b"}}, "a\nb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.tmpl, "cost_alert", tt.data))
		})
	}
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()

	assert.Equal(t, []string{ChannelEmail, ChannelSlack, ChannelDiscord}, rules["security_alert"].Channels)
	assert.Equal(t, PriorityCritical, rules["security_alert"].Priority)
	assert.Equal(t, 60*time.Second, rules["security_alert"].Cooldown)
	assert.Equal(t, 1800*time.Second, rules["cost_alert"].Cooldown)
	assert.Equal(t, PriorityLow, rules["backup_status"].Priority)
	assert.Equal(t, []string{ChannelSlack, ChannelWebhook}, rules["deployment_status"].Channels)
	for _, alertType := range []string{"high_cpu", "high_memory", "high_disk", "endpoint_down", "backup_overdue"} {
		assert.Equal(t, PriorityHigh, rules[alertType].Priority, alertType)
	}
}
