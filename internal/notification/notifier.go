// Package notification fans notifications out to email, chat webhooks,
// Telegram and the event bus, gated by a per-type cooldown.
package notification

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qmoi/qmoi-ops/internal/cooldown"
	"github.com/qmoi/qmoi-ops/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrNoChannels = errors.New("no channels configured for notification")
	ErrQueueFull  = errors.New("notification queue full")
)

// Notification is one rendered message.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	Channels  []string       `json:"channels"`
	Cooldown  time.Duration  `json:"cooldown"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Delivery is the result of one channel attempt.
type Delivery struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Record is a sent notification and how each channel fared.
type Record struct {
	Notification Notification `json:"notification"`
	Deliveries   []Delivery   `json:"deliveries"`
	Success      bool         `json:"success"`
}

// Config configures the notifier and its channels.
type Config struct {
	DefaultChannels []string        `mapstructure:"default_channels" yaml:"default_channels" json:"default_channels"`
	Rules           map[string]Rule `mapstructure:"rules" yaml:"rules" json:"rules"`
	QueueSize       int             `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	HistorySize     int             `mapstructure:"history_size" yaml:"history_size" json:"history_size"`
	ReportDir       string          `mapstructure:"report_dir" yaml:"report_dir" json:"report_dir"`
	SendTimeout     time.Duration   `mapstructure:"send_timeout" yaml:"send_timeout" json:"send_timeout"`
	Breaker         BreakerConfig   `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
	Email           EmailConfig     `mapstructure:"email" yaml:"email" json:"email"`
	Slack           SlackConfig     `mapstructure:"slack" yaml:"slack" json:"slack"`
	Discord         DiscordConfig   `mapstructure:"discord" yaml:"discord" json:"discord"`
	Webhook         WebhookConfig   `mapstructure:"webhook" yaml:"webhook" json:"webhook"`
	Telegram        TelegramConfig  `mapstructure:"telegram" yaml:"telegram" json:"telegram"`
	NATS            NATSConfig      `mapstructure:"nats" yaml:"nats" json:"nats"`
}

// DefaultConfig returns notifier defaults. Channel credentials come from the
// environment.
func DefaultConfig() Config {
	return Config{
		DefaultChannels: []string{ChannelSlack, ChannelEmail},
		Rules:           DefaultRules(),
		QueueSize:       100,
		HistorySize:     1000,
		ReportDir:       "logs",
		SendTimeout:     10 * time.Second,
		Breaker:         DefaultBreakerConfig(),
		Email: EmailConfig{
			Host: "smtp.gmail.com",
			Port: 587,
			From: "qmoi@alpha-q.ai",
		},
		Slack:   SlackConfig{Channel: "#qmoi-alerts", Username: "QMOI Monitor"},
		Discord: DiscordConfig{Username: "QMOI Monitor"},
		NATS:    NATSConfig{Subject: "qmoi.notifications"},
	}
}

// RecordStore persists delivered notifications, typically the history store.
type RecordStore interface {
	RecordNotification(ctx context.Context, r Record) error
}

type queued struct {
	notificationType string
	data             map[string]any
}

// Notifier renders notifications from the rule table and delivers them to
// every channel of the rule.
type Notifier struct {
	logger   *zap.Logger
	config   Config
	cooldown cooldown.Tracker
	metrics  *metrics.Metrics
	store    RecordStore
	now      func() time.Time

	channels map[string]Channel

	histMu  sync.RWMutex
	history []Record

	rulesMu sync.RWMutex

	suppressed atomic.Uint64
	queue      chan queued

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithTracker shares a cooldown tracker, e.g. a RedisTracker.
func WithTracker(t cooldown.Tracker) Option {
	return func(n *Notifier) { n.cooldown = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

func WithStore(s RecordStore) Option {
	return func(n *Notifier) { n.store = s }
}

// WithChannel registers an extra channel, replacing one of the same name.
func WithChannel(ch Channel) Option {
	return func(n *Notifier) { n.channels[ch.Name()] = ch }
}

func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a notifier. Channels whose credentials are missing are not
// registered.
func New(logger *zap.Logger, config Config, opts ...Option) *Notifier {
	if config.Rules == nil {
		config.Rules = DefaultRules()
	}
	if config.HistorySize < 1 {
		config.HistorySize = 1000
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}

	n := &Notifier{
		logger:   logger,
		config:   config,
		now:      time.Now,
		channels: make(map[string]Channel),
		queue:    make(chan queued, config.QueueSize),
	}
	n.registerConfigured()
	for _, opt := range opts {
		opt(n)
	}
	if n.cooldown == nil {
		n.cooldown = cooldown.NewMemoryTracker()
	}
	for name, ch := range n.channels {
		if _, wrapped := ch.(*breakerChannel); !wrapped {
			n.channels[name] = withBreaker(logger, ch, config.Breaker, n.metrics)
		}
	}

	logger.Info("Notifier initialized", zap.Strings("channels", n.Channels()))
	return n
}

func (n *Notifier) registerConfigured() {
	client := &http.Client{Timeout: n.config.SendTimeout}
	c := n.config

	if c.Email.Enabled() {
		n.channels[ChannelEmail] = NewEmailChannel(c.Email)
	}
	if c.Slack.WebhookURL != "" {
		n.channels[ChannelSlack] = NewSlackChannel(c.Slack, client)
	}
	if c.Discord.WebhookURL != "" {
		n.channels[ChannelDiscord] = NewDiscordChannel(c.Discord, client)
	}
	if wh := NewWebhookChannel(c.Webhook, client); len(wh.config.URLs) > 0 {
		n.channels[ChannelWebhook] = wh
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID != "" {
		n.channels[ChannelTelegram] = NewTelegramChannel(c.Telegram, client)
	}
}

// Channels lists registered channel names.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for name := range n.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rule returns the rule for a type, or the fallback rule.
func (n *Notifier) Rule(notificationType string) Rule {
	n.rulesMu.RLock()
	defer n.rulesMu.RUnlock()
	if r, ok := n.config.Rules[notificationType]; ok {
		return r
	}
	return fallbackRule(n.config.DefaultChannels)
}

// SetRules replaces the rule table and the fallback channels. A nil table
// restores the default rules. Registered channels are not changed.
func (n *Notifier) SetRules(rules map[string]Rule, defaultChannels []string) {
	if rules == nil {
		rules = DefaultRules()
	}
	n.rulesMu.Lock()
	n.config.Rules = rules
	n.config.DefaultChannels = append([]string(nil), defaultChannels...)
	n.rulesMu.Unlock()
	n.logger.Info("Notification rules updated", zap.Int("rules", len(rules)))
}

// Build renders a notification without sending it.
func (n *Notifier) Build(notificationType string, data map[string]any) *Notification {
	rule := n.Rule(notificationType)
	subject := rule.Subject
	if subject == "" {
		subject = defaultSubject(notificationType)
	} else {
		subject = Render(subject, notificationType, data)
	}
	priority := rule.Priority
	if !priority.Valid() {
		priority = PriorityMedium
	}
	return &Notification{
		ID:        uuid.NewString(),
		Type:      notificationType,
		Priority:  priority,
		Channels:  append([]string(nil), rule.Channels...),
		Cooldown:  rule.Cooldown,
		Subject:   subject,
		Body:      Render(rule.Template, notificationType, data),
		Data:      data,
		CreatedAt: n.now().UTC(),
	}
}

// Notify sends a notification of the given type to every channel of its
// rule and reports whether any channel accepted it. The cooldown is checked
// once per type before fan-out; inside the window nothing is sent.
func (n *Notifier) Notify(ctx context.Context, notificationType string, data map[string]any) bool {
	rule := n.Rule(notificationType)

	allowed, err := n.cooldown.Allow(ctx, "notify/"+notificationType, rule.Cooldown)
	if err != nil {
		n.logger.Warn("Cooldown check failed, sending anyway", zap.String("type", notificationType), zap.Error(err))
		allowed = true
	}
	if !allowed {
		n.suppressed.Add(1)
		n.metrics.Suppressed(notificationType)
		n.logger.Debug("Notification skipped due to cooldown", zap.String("type", notificationType))
		return false
	}

	note := n.Build(notificationType, data)
	rec := Record{Notification: *note, Deliveries: n.deliver(ctx, note)}
	for _, d := range rec.Deliveries {
		if d.Success {
			rec.Success = true
			break
		}
	}

	if len(rec.Deliveries) == 0 {
		n.logger.Warn("Notification dropped",
			zap.String("type", notificationType),
			zap.Strings("wanted", rule.Channels),
			zap.Error(ErrNoChannels),
		)
	} else if rec.Success {
		n.logger.Info("Notification sent",
			zap.String("id", note.ID),
			zap.String("type", notificationType),
			zap.String("priority", string(note.Priority)),
			zap.Int("channels", len(rec.Deliveries)),
		)
	} else {
		n.logger.Error("Notification failed on every channel",
			zap.String("id", note.ID),
			zap.String("type", notificationType),
		)
	}

	n.remember(rec)
	if n.store != nil {
		if err := n.store.RecordNotification(ctx, rec); err != nil {
			n.logger.Warn("Failed to store notification", zap.Error(err))
		}
	}
	return rec.Success
}

// deliver attempts every registered channel of the notification
// concurrently. Results keep the rule's channel order.
func (n *Notifier) deliver(ctx context.Context, note *Notification) []Delivery {
	var targets []Channel
	for _, name := range note.Channels {
		if ch, ok := n.channels[name]; ok {
			targets = append(targets, ch)
		}
	}

	out := make([]Delivery, len(targets))
	var wg sync.WaitGroup
	for i, ch := range targets {
		i, ch := i, ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = n.send(ctx, ch, note)
		}()
	}
	wg.Wait()
	return out
}

func (n *Notifier) send(ctx context.Context, ch Channel, note *Notification) (d Delivery) {
	d.Channel = ch.Name()
	defer func() {
		if r := recover(); r != nil {
			d.Success = false
			d.Error = "panic in channel"
			n.logger.Error("Channel panicked", zap.String("channel", d.Channel), zap.Any("panic", r))
		}
		n.metrics.Delivery(d.Channel, d.Success)
	}()

	sendCtx := ctx
	if n.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, n.config.SendTimeout)
		defer cancel()
	}

	if err := ch.Send(sendCtx, note); err != nil {
		n.logger.Warn("Channel delivery failed",
			zap.String("channel", d.Channel),
			zap.String("id", note.ID),
			zap.Error(err),
		)
		d.Error = err.Error()
		return d
	}
	d.Success = true
	return d
}

func (n *Notifier) remember(r Record) {
	n.histMu.Lock()
	defer n.histMu.Unlock()

	n.history = append(n.history, r)
	if over := len(n.history) - n.config.HistorySize; over > 0 {
		n.history = append(n.history[:0:0], n.history[over:]...)
	}
}

// History returns sent notifications, oldest first.
func (n *Notifier) History() []Record {
	n.histMu.RLock()
	defer n.histMu.RUnlock()
	return append([]Record(nil), n.history...)
}

// Suppressed returns how many notifications the cooldown blocked.
func (n *Notifier) Suppressed() uint64 { return n.suppressed.Load() }

// Enqueue queues a notification for the background consumer.
func (n *Notifier) Enqueue(notificationType string, data map[string]any) error {
	select {
	case n.queue <- queued{notificationType: notificationType, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the queue consumer until Stop or ctx is done. Starting a
// started notifier is a no-op.
func (n *Notifier) Start(ctx context.Context) error {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.cancel != nil {
		return nil
	}
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-n.queue:
				n.Notify(ctx, item.notificationType, item.data)
			}
		}
	}()
	return nil
}

// Stop stops the consumer, delivers what is still queued, and closes owned
// channels.
func (n *Notifier) Stop(ctx context.Context) {
	n.runMu.Lock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.wg.Wait()
	n.runMu.Unlock()

drain:
	for {
		select {
		case item := <-n.queue:
			n.Notify(ctx, item.notificationType, item.data)
		default:
			break drain
		}
	}

	for _, ch := range n.channels {
		if b, ok := ch.(*breakerChannel); ok {
			if c, ok := b.Channel.(interface{ Close() }); ok {
				c.Close()
			}
		}
	}
}

// QueueLen returns the number of queued notifications.
func (n *Notifier) QueueLen() int { return len(n.queue) }

// ChannelStates returns the breaker state per registered channel.
func (n *Notifier) ChannelStates() map[string]string {
	out := make(map[string]string, len(n.channels))
	for name, ch := range n.channels {
		if b, ok := ch.(*breakerChannel); ok {
			out[name] = b.State()
		} else {
			out[name] = "closed"
		}
	}
	return out
}
