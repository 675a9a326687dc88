package event

import (
	"log/slog"
	"time"
)

// BusOption configures an event Bus.
type BusOption func(*busConfig)

type busConfig struct {
	// poolSize bounds the number of concurrently running async handlers.
	poolSize int

	// handlerTimeout is applied to the context of every async delivery.
	handlerTimeout time.Duration

	logger *slog.Logger
}

func defaultBusConfig() busConfig {
	return busConfig{
		poolSize:       1024,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
}

// WithPoolSize sets the async worker pool capacity.
func WithPoolSize(size int) BusOption {
	return func(c *busConfig) {
		if size > 0 {
			c.poolSize = size
		}
	}
}

// WithHandlerTimeout sets the deadline applied to async handlers.
func WithHandlerTimeout(d time.Duration) BusOption {
	return func(c *busConfig) {
		if d > 0 {
			c.handlerTimeout = d
		}
	}
}

// WithLogger sets the logger used for handler failures.
func WithLogger(l *slog.Logger) BusOption {
	return func(c *busConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// SubscriptionOption configures a single subscription.
type SubscriptionOption func(*subscription)

// WithOwner tags the subscription so it can be removed with UnsubscribeOwner.
func WithOwner(owner string) SubscriptionOption {
	return func(s *subscription) {
		s.owner = owner
	}
}

// WithOnce cancels the subscription after its first delivery.
func WithOnce() SubscriptionOption {
	return func(s *subscription) {
		s.once = true
	}
}
