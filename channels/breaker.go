package channels

import (
	"context"
	"errors"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes a Breaker. Zero values take the defaults noted.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker. Default 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of sends allowed while half-open. Default 1.
	HalfOpenProbes uint32
	Logger         *zap.Logger
}

// Breaker wraps a sender with a circuit breaker. Invalid destinations and
// template errors are caller mistakes and do not count as failures.
type Breaker struct {
	next goMFA.ChannelSender
	cb   *gobreaker.CircuitBreaker
}

var _ goMFA.ChannelSender = (*Breaker)(nil)

// NewBreaker wraps next.
func NewBreaker(next goMFA.ChannelSender, cfg BreakerConfig) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 1
	}
	if cfg.Name == "" {
		cfg.Name = "channel"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.ConsecutiveFailures
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.HalfOpenProbes,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || isCallerError(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("channel breaker state change",
					zap.String("channel", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// Send implements goMFA.ChannelSender.
func (b *Breaker) Send(ctx context.Context, msg goMFA.Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the breaker state ("closed", "half-open" or "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrInvalidDestination) || errors.Is(err, ErrUnknownTemplate)
}
