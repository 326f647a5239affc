package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("persistence unavailable")

// BreakerSettings tunes the circuit breaker around a backend.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings trips after five consecutive failed commits and
// probes again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker fails commits fast once the wrapped backend keeps failing, so
// ingestion requests do not pile up behind a dead database while holding
// the store's writer lock.
type Breaker struct {
	next    store.Persister
	breaker *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(next store.Persister, name string, st BreakerSettings, logger *slog.Logger) *Breaker {
	if st == (BreakerSettings{}) {
		st = DefaultBreakerSettings()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Load is not guarded; startup must fail loudly.
func (b *Breaker) Load(ctx context.Context) (*store.Snapshot, error) {
	return b.next.Load(ctx)
}

// Apply forwards c unless the breaker is open.
func (b *Breaker) Apply(ctx context.Context, c *store.Commit) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Apply(ctx, c)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// Ping reports the breaker as unhealthy while it is open.
func (b *Breaker) Ping(ctx context.Context) error {
	if b.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit breaker open", ErrUnavailable)
	}
	return b.next.Ping(ctx)
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// Close closes the wrapped backend.
func (b *Breaker) Close() error {
	return b.next.Close()
}
