package notification

import (
	"context"
	"time"

	"github.com/qmoi/qmoi-ops/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the per-channel circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests" yaml:"max_requests" json:"max_requests"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval" json:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold" json:"failure_threshold"`
}

// DefaultBreakerConfig returns breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          5 * time.Minute,
		FailureThreshold: 5,
	}
}

// breakerChannel stops calling a channel after repeated failures and lets a
// probe through once the timeout has passed.
type breakerChannel struct {
	Channel
	cb *gobreaker.CircuitBreaker
}

func withBreaker(logger *zap.Logger, ch Channel, config BreakerConfig, m *metrics.Metrics) *breakerChannel {
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ch.Name(),
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Channel breaker state changed",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.BreakerState(name, int(to))
		},
	})
	return &breakerChannel{Channel: ch, cb: cb}
}

func (b *breakerChannel) Send(ctx context.Context, n *Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Channel.Send(ctx, n)
	})
	return err
}

func (b *breakerChannel) State() string {
	return b.cb.State().String()
}
