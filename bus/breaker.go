package bus

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vinayprograms/taskmesh/logging"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 10 * time.Second
	defaultBreakerInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures BreakerBus.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// MaxFailures is the number of consecutive publish failures before the
	// circuit opens.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before a trial publish.
	Timeout time.Duration

	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration

	Logger *logging.Logger
}

// BreakerBus wraps a MessageBus so that publishes fail fast with
// ErrUnavailable while the underlying transport keeps failing.
// Subscriptions pass straight through.
type BreakerBus struct {
	inner   MessageBus
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerBus wraps inner. Zero-valued config fields take defaults.
func NewBreakerBus(inner MessageBus, cfg BreakerConfig) *BreakerBus {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultBreakerMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultBreakerTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultBreakerInterval
	}
	if cfg.Name == "" {
		cfg.Name = "bus"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	logger := cfg.Logger.WithComponent("bus")
	maxFailures := cfg.MaxFailures

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker_state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		// Caller mistakes say nothing about transport health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidSubject)
		},
	})

	return &BreakerBus{inner: inner, breaker: cb}
}

// Publish runs the inner publish through the breaker.
func (b *BreakerBus) Publish(subject string, data []byte) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Publish(subject, data)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("publish %s: %w: %w", subject, ErrUnavailable, err)
	}
	return err
}

// Subscribe passes through to the inner bus.
func (b *BreakerBus) Subscribe(subject string) (Subscription, error) {
	return b.inner.Subscribe(subject)
}

// QueueSubscribe passes through to the inner bus.
func (b *BreakerBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	return b.inner.QueueSubscribe(subject, queue)
}

// Close closes the inner bus.
func (b *BreakerBus) Close() error {
	return b.inner.Close()
}

// State returns the current breaker state for health reporting.
func (b *BreakerBus) State() gobreaker.State {
	return b.breaker.State()
}

// Inner returns the wrapped bus.
func (b *BreakerBus) Inner() MessageBus {
	return b.inner
}
