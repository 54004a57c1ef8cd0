// Package market owns the live tick feed: subscribing/unsubscribing per
// symbol on demand, dispatching ticks to the RuntimeStore price cache,
// detecting stop-loss breaches and enqueuing STOPLOSS events ahead of
// everything else, and reconnecting the upstream feed with backoff.
package market

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// Tick is one price observation for a symbol.
type Tick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Feed is the upstream source of ticks. A real implementation dials a
// broker/exchange WebSocket; tests and local runs use an in-memory fake.
type Feed interface {
	// Connect dials the upstream and returns a channel of ticks that
	// closes when the connection drops. Connect itself may block while
	// dialing; it returns an error if the dial fails outright.
	Connect(ctx context.Context) (<-chan Tick, error)
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
}

// PriceStore is the RuntimeStore surface the listener writes ticks into.
// ReadRuntimeView, not WithLock, is deliberate: the tick hot path must
// never take a per-strategy lock, so it reads a non-locking snapshot and
// lets the engine re-validate position under lock before acting on it.
type PriceStore interface {
	UpdatePrice(symbol string, price float64, ts time.Time)
	SymbolSubscribers(symbol string) []string
	ReadRuntimeView(id string) (domain.RuntimeView, bool)
	EnqueueEvent(ev domain.EventRecord)
}

// Listener bridges a Feed to the RuntimeStore, enqueuing a STOPLOSS event
// for every resident whose stop_loss is breached on a tick.
type Listener struct {
	feed   Feed
	store  PriceStore
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[string]int // symbol -> reference count
	rng         *rand.Rand
}

// New constructs a Listener over feed, writing into store.
func New(feed Feed, store PriceStore, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		feed:        feed,
		store:       store,
		logger:      logger,
		subscribers: make(map[string]int),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe increments symbol's reference count, dialing the upstream
// subscription only on the first reference.
func (l *Listener) Subscribe(ctx context.Context, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribers[symbol] > 0 {
		l.subscribers[symbol]++
		return nil
	}
	if err := l.feed.Subscribe(ctx, symbol); err != nil {
		return err
	}
	l.subscribers[symbol] = 1
	return nil
}

// Unsubscribe decrements symbol's reference count, dropping the upstream
// subscription once the last resident holding that symbol releases it.
func (l *Listener) Unsubscribe(ctx context.Context, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	count, ok := l.subscribers[symbol]
	if !ok || count == 0 {
		return nil
	}
	count--
	if count == 0 {
		delete(l.subscribers, symbol)
		return l.feed.Unsubscribe(ctx, symbol)
	}
	l.subscribers[symbol] = count
	return nil
}

// Run connects to the feed and processes ticks until ctx is cancelled,
// reconnecting with jittered exponential backoff on every drop.
func (l *Listener) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ticks, err := l.feed.Connect(ctx)
		if err != nil {
			l.logger.Warn("market feed connect failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			if !l.sleepBackoff(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		l.drain(ctx, ticks)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("market feed disconnected, reconnecting")
	}
}

func (l *Listener) sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := time.Duration(float64(next) * (0.8 + 0.4*randFloat()))
	if jitter > maxBackoff {
		jitter = maxBackoff
	}
	return jitter
}

var randFloat = func() float64 { return rand.Float64() }

func (l *Listener) drain(ctx context.Context, ticks <-chan Tick) {
	for {
		select {
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			l.onTick(ctx, tick)
		case <-ctx.Done():
			return
		}
	}
}

// onTick is the hot path: update the price cache unconditionally, then
// check every strategy currently holding a bought position in symbol for
// a stop-loss breach, enqueuing STOPLOSS ahead of the normal lane for any
// that trip. It never takes a per-strategy lock — drain is serial, so a
// slow lock acquisition here would stall every other subscriber's tick.
// The non-locking read can race a concurrent SELL completion; that's
// fine, since the engine re-validates position under lock before it
// ever places an order.
func (l *Listener) onTick(ctx context.Context, tick Tick) {
	l.store.UpdatePrice(tick.Symbol, tick.Price, tick.At)

	for _, strategyID := range l.store.SymbolSubscribers(tick.Symbol) {
		view, ok := l.store.ReadRuntimeView(strategyID)
		if !ok {
			continue
		}
		if view.State.Position != domain.PositionBought || view.State.LastBuyOrderID == "" {
			continue
		}
		if tick.Price > view.Config.StopLoss {
			continue
		}

		l.logger.Info("stop-loss breached", zap.String("strategy_id", strategyID), zap.String("symbol", tick.Symbol), zap.Float64("price", tick.Price))
		price := tick.Price
		l.store.EnqueueEvent(domain.EventRecord{
			Kind:         domain.EventStopLoss,
			StrategyID:   strategyID,
			Attempt:      1,
			EnqueuedAt:   time.Now(),
			TriggerPrice: &price,
			DedupKey:     fmt.Sprintf("%s:STOPLOSS:1", strategyID),
		})
	}
}
