package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// ReferenceClient is an in-memory BrokerClient used for local runs and
// tests. It never talks to a real broker; it fills every order against
// the last price handed to it via Quote, optionally injecting latency
// and failures for exercising the retry and circuit breaker paths.
type ReferenceClient struct {
	name string

	mu     sync.Mutex
	quotes map[string]float64
	rng    *rand.Rand
	subs   map[string]subscription

	failureRate float64
	latency     time.Duration
	tokenValid  bool
}

type subscription struct {
	symbol   string
	callback TickCallback
}

// NewReferenceClient constructs a ReferenceClient named name.
func NewReferenceClient(name string) *ReferenceClient {
	return &ReferenceClient{
		name:       name,
		quotes:     make(map[string]float64),
		rng:        rand.New(rand.NewSource(1)),
		subs:       make(map[string]subscription),
		tokenValid: true,
	}
}

// InvalidateToken makes ValidateCredentials (and, per the reference
// implementation's convention, every later PlaceOrder) report TokenInvalid,
// for exercising the engine's no-retry escalation path in tests.
func (c *ReferenceClient) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenValid = false
}

// WithFailureRate injects a synthetic failure on the given fraction of
// calls, for exercising retry and circuit breaker behavior in tests.
func (c *ReferenceClient) WithFailureRate(rate float64) *ReferenceClient {
	c.failureRate = rate
	return c
}

// WithLatency adds a fixed artificial delay to every PlaceOrder call.
func (c *ReferenceClient) WithLatency(d time.Duration) *ReferenceClient {
	c.latency = d
	return c
}

// Quote sets the fill price ReferenceClient will use for symbol.
func (c *ReferenceClient) Quote(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = price
}

func (c *ReferenceClient) Name() string { return c.name }

// ValidateCredentials reports the session invalidated by InvalidateToken,
// if any; a fresh ReferenceClient always validates.
func (c *ReferenceClient) ValidateCredentials(ctx context.Context) error {
	c.mu.Lock()
	valid := c.tokenValid
	c.mu.Unlock()
	if !valid {
		return &TokenInvalidError{Cause: fmt.Errorf("reference broker: session revoked for %s", c.name)}
	}
	return nil
}

// SubscribeTicks registers callback for symbol, returning a ksuid handle.
// Tests drive ticks through PushTick.
func (c *ReferenceClient) SubscribeTicks(ctx context.Context, symbol string, callback TickCallback) (string, error) {
	handle := ksuid.New().String()
	c.mu.Lock()
	c.subs[handle] = subscription{symbol: symbol, callback: callback}
	c.mu.Unlock()
	return handle, nil
}

// Unsubscribe drops the subscription behind handle. Idempotent.
func (c *ReferenceClient) Unsubscribe(ctx context.Context, handle string) error {
	c.mu.Lock()
	delete(c.subs, handle)
	c.mu.Unlock()
	return nil
}

// PushTick feeds a synthetic tick to every subscription on symbol, for
// exercising SubscribeTicks-driven consumers in tests.
func (c *ReferenceClient) PushTick(symbol string, price float64) {
	c.mu.Lock()
	subs := make([]subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.symbol == symbol {
			subs = append(subs, sub)
		}
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.callback(symbol, price, time.Now())
	}
}

func (c *ReferenceClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return OrderResponse{}, &TransientError{Cause: ctx.Err()}
		}
	}

	c.mu.Lock()
	price, known := c.quotes[req.Symbol]
	fail := c.failureRate > 0 && c.rng.Float64() < c.failureRate
	tokenValid := c.tokenValid
	c.mu.Unlock()

	if !tokenValid {
		return OrderResponse{}, &TokenInvalidError{Cause: fmt.Errorf("reference broker: session revoked for %s", c.name)}
	}
	if fail {
		return OrderResponse{}, &TransientError{Cause: fmt.Errorf("reference broker: simulated failure for %s", req.Symbol)}
	}
	if !known {
		price = 0
	}
	if req.LimitPrice != nil {
		price = *req.LimitPrice
	}

	return OrderResponse{
		BrokerOrderID: ksuid.New().String(),
		FilledPrice:   price,
		FilledAt:      time.Now(),
		RawBlob:       fmt.Sprintf(`{"broker":%q,"symbol":%q,"qty":%d,"price":%f}`, c.name, req.Symbol, req.Quantity, price),
	}, nil
}
