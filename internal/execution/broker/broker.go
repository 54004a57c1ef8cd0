// Package broker defines the BrokerClient contract every execution
// engine worker calls through, and wraps it with a per-broker circuit
// breaker and rate limiter so a single misbehaving broker can't starve
// workers processing other strategies.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// OrderRequest is what the engine submits to place an order.
type OrderRequest struct {
	StrategyID string
	Symbol     string
	Kind       domain.EventKind // BUY, SELL or STOPLOSS
	Quantity   int64
	LimitPrice *float64 // nil for a market order
}

// OrderResponse is the broker's reply to a successful order placement.
type OrderResponse struct {
	BrokerOrderID string
	FilledPrice   float64
	FilledAt      time.Time
	RawBlob       string
}

// PermanentError marks a broker response that retrying will never fix —
// the engine must not resubmit, only log and transition to failed.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return "permanent broker error: " + e.Cause.Error() }
func (e *PermanentError) Unwrap() error { return e.Cause }

// TransientError marks a broker response the engine should retry with
// backoff, up to its retry budget.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string { return "transient broker error: " + e.Cause.Error() }
func (e *TransientError) Unwrap() error { return e.Cause }

// RejectedError marks an order the broker declined outright, e.g. for
// insufficient margin or a symbol it won't trade. It still follows the
// normal retry policy: repeated rejection drains the retry budget like
// any other failure, ending in a SAFETY_ABORT rather than an instant
// transition to failed.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "broker rejected order: " + e.Reason }

// TokenInvalidError marks a broker session whose credentials the broker
// no longer honors. Unlike RejectedError this skips the retry policy
// entirely: the engine escalates straight to a SAFETY_ABORT.
type TokenInvalidError struct {
	Cause error
}

func (e *TokenInvalidError) Error() string {
	return "broker session token invalid: " + e.Cause.Error()
}
func (e *TokenInvalidError) Unwrap() error { return e.Cause }

// RateLimitedError marks a broker-side rate limit distinct from the
// registry's own token bucket. Treated as transient: the engine retries
// it with backoff like any other transient failure.
type RateLimitedError struct {
	Cause error
}

func (e *RateLimitedError) Error() string { return "broker rate limited: " + e.Cause.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Cause }

// TickCallback is invoked by a Client's SubscribeTicks for every tick
// observed on the subscribed symbol.
type TickCallback func(symbol string, price float64, at time.Time)

// Client is the interface every execution engine worker calls through to
// place an order with a specific broker. Implementations are looked up
// by StrategyConfig.Broker.
type Client interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)

	// ValidateCredentials reports whether the broker still honors the
	// session this Client was constructed with, returning a
	// *TokenInvalidError if not.
	ValidateCredentials(ctx context.Context) error

	// SubscribeTicks registers callback against symbol and returns an
	// opaque handle to later pass to Unsubscribe.
	SubscribeTicks(ctx context.Context, symbol string, callback TickCallback) (string, error)

	// Unsubscribe drops a subscription previously returned by
	// SubscribeTicks.
	Unsubscribe(ctx context.Context, handle string) error
}

// Registry resolves a broker name to its guarded Client, wrapping every
// call in a circuit breaker and a token-bucket rate limiter keyed by
// broker name, mirroring a factory-by-name pattern kept alongside
// per-name metrics.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter

	rateLimit  rate.Limit
	rateBurst  int
	logger     *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRateLimit overrides the default per-broker request rate.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(r *Registry) {
		r.rateLimit = rate.Limit(requestsPerSecond)
		r.rateBurst = burst
	}
}

// NewRegistry constructs an empty broker Registry.
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		clients:   make(map[string]Client),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rate.Limit(20),
		rateBurst: 20,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds a Client under its own Name().
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

func (r *Registry) breakerFor(name string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}

	logger := r.logger
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit breaker state change",
				zap.String("broker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	r.breakers[name] = cb
	return cb
}

func (r *Registry) limiterFor(name string) *rate.Limiter {
	r.mu.RLock()
	l, ok := r.limiters[name]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.limiters[name]; ok {
		return l
	}
	l = rate.NewLimiter(r.rateLimit, r.rateBurst)
	r.limiters[name] = l
	return l
}

// PlaceOrder resolves req's broker, waits for rate-limiter admission
// bounded by ctx, then runs the call through that broker's circuit
// breaker. ErrUnknownBroker surfaces directly; a failed rate-limiter wait
// and the breaker's own gobreaker.ErrOpenState/ErrTooManyRequests are
// wrapped in a TransientError; errors raised by the client itself are
// returned unchanged.
func (r *Registry) PlaceOrder(ctx context.Context, brokerName string, req OrderRequest) (OrderResponse, error) {
	r.mu.RLock()
	client, ok := r.clients[brokerName]
	r.mu.RUnlock()
	if !ok {
		return OrderResponse{}, fmt.Errorf("%w: %s", domain.ErrUnknownBroker, brokerName)
	}

	if err := r.limiterFor(brokerName).Wait(ctx); err != nil {
		return OrderResponse{}, &TransientError{Cause: err}
	}

	cb := r.breakerFor(brokerName)
	result, err := cb.Execute(func() (interface{}, error) {
		return client.PlaceOrder(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return OrderResponse{}, &TransientError{Cause: err}
		}
		return OrderResponse{}, err
	}
	return result.(OrderResponse), nil
}

// ValidateCredentials resolves brokerName and delegates, so a caller
// never needs to hold a reference to the underlying Client directly.
func (r *Registry) ValidateCredentials(ctx context.Context, brokerName string) error {
	r.mu.RLock()
	client, ok := r.clients[brokerName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBroker, brokerName)
	}
	return client.ValidateCredentials(ctx)
}

// SubscribeTicks resolves brokerName and delegates.
func (r *Registry) SubscribeTicks(ctx context.Context, brokerName, symbol string, callback TickCallback) (string, error) {
	r.mu.RLock()
	client, ok := r.clients[brokerName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownBroker, brokerName)
	}
	return client.SubscribeTicks(ctx, symbol, callback)
}

// UnsubscribeTicks resolves brokerName and delegates.
func (r *Registry) UnsubscribeTicks(ctx context.Context, brokerName, handle string) error {
	r.mu.RLock()
	client, ok := r.clients[brokerName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownBroker, brokerName)
	}
	return client.Unsubscribe(ctx, handle)
}

// State reports the circuit breaker state for brokerName, for status
// surfaces and metrics; unseen brokers report closed.
func (r *Registry) State(brokerName string) gobreaker.State {
	r.mu.RLock()
	cb, ok := r.breakers[brokerName]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}
