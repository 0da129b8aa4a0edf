package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig configures the event bus channel.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url" json:"url"`
	Subject string `mapstructure:"subject" yaml:"subject" json:"subject"`
}

// Publisher is the part of *nats.Conn the channel uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSChannel publishes notifications as JSON to a subject, one subject per
// notification type: <subject>.<type>.
type NATSChannel struct {
	conn    Publisher
	subject string
	close   func()
}

// DialNATS connects to the bus with reconnects enabled.
func DialNATS(logger *zap.Logger, config NATSConfig) (*NATSChannel, error) {
	nc, err := nats.Connect(config.URL,
		nats.Name("qmoi-notifier"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("Connected to NATS", zap.String("url", config.URL))

	ch := NewNATSChannel(nc, config.Subject)
	ch.close = nc.Close
	return ch, nil
}

// NewNATSChannel wraps an existing publisher.
func NewNATSChannel(conn Publisher, subject string) *NATSChannel {
	if subject == "" {
		subject = "qmoi.notifications"
	}
	return &NATSChannel{conn: conn, subject: subject}
}

func (c *NATSChannel) Name() string { return ChannelNATS }

func (c *NATSChannel) Send(ctx context.Context, n *Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := c.conn.Publish(c.subject+"."+n.Type, data); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	// The flush gets what is left of ctx, or 5s without a deadline.
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return fmt.Errorf("nats flush: %w", context.DeadlineExceeded)
		}
	}
	if err := c.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close closes the underlying connection when the channel owns it.
func (c *NATSChannel) Close() {
	if c.close != nil {
		c.close()
	}
}
