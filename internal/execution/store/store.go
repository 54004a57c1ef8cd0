// Package store implements the RuntimeStore: the process-resident hub
// that owns per-strategy runtime state, the per-strategy lock, the event
// FIFO, the symbol index and the price cache.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

const (
	priceCacheExpiration = 5 * time.Second
	priceCacheCleanup    = 30 * time.Second
)

type resident struct {
	config domain.StrategyConfig
	state  domain.RuntimeState
}

// RuntimeStore is the sole authority for in-flight strategy mutation.
// All exported methods are safe for concurrent use.
type RuntimeStore struct {
	mu        sync.RWMutex
	residents map[string]*resident

	symbolsMu sync.RWMutex
	symbols   map[string]map[string]struct{} // symbol -> strategy ids in `bought`

	locks  *lockRegistry
	queue  *eventFIFO
	prices *cache.Cache

	logger *zap.Logger
}

// New constructs an empty RuntimeStore.
func New(logger *zap.Logger) *RuntimeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeStore{
		residents: make(map[string]*resident),
		symbols:   make(map[string]map[string]struct{}),
		locks:     newLockRegistry(logger),
		queue:     newEventFIFO(),
		prices:    cache.New(priceCacheExpiration, priceCacheCleanup),
		logger:    logger,
	}
}

// LoadStrategy atomically inserts cfg with a fresh, running RuntimeState.
// The symbol index is populated lazily, narrowed to `bought` membership
// once a position is actually taken. Returns ErrAlreadyResident or a
// validation error.
func (s *RuntimeStore) LoadStrategy(cfg domain.StrategyConfig) error {
	if err := domain.ValidateConfig(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.residents[cfg.ID]; exists {
		return domain.ErrAlreadyResident
	}

	s.residents[cfg.ID] = &resident{
		config: cfg,
		state: domain.RuntimeState{
			Lifecycle: domain.LifecycleRunning,
			Position:  domain.PositionNone,
			UpdatedAt: time.Now(),
		},
	}
	return nil
}

// UnloadStrategy removes the strategy from residency, the symbol index and
// reclaims its lock. Idempotent. It takes the per-strategy lock first so a
// concurrent WithLock transition in flight finishes before the resident is
// torn down.
func (s *RuntimeStore) UnloadStrategy(id string) {
	release, err := s.locks.acquire(id, 3*time.Second)
	if err == nil {
		defer release()
	}

	s.mu.Lock()
	res, ok := s.residents[id]
	if ok {
		delete(s.residents, id)
	}
	s.mu.Unlock()

	if ok {
		s.removeFromSymbolIndex(res.config.Symbol, id)
	}
	s.locks.delete(id)
}

// WithLock acquires the per-strategy lock within deadline, runs fn with
// exclusive access to the strategy's config+state, and releases on every
// exit path. The lock is the sole serialization point across independent
// ExecutionEngine workers; the store's own map mutex is only ever held
// for the brief lookup, so workers on different strategies proceed fully
// in parallel.
func (s *RuntimeStore) WithLock(id string, deadline time.Duration, fn func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error) error {
	release, err := s.locks.acquire(id, deadline)
	if err != nil {
		return err
	}
	defer release()

	s.mu.RLock()
	res, ok := s.residents[id]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrNotResident
	}

	before := res.state.Position
	if err := fn(&res.config, &res.state); err != nil {
		return err
	}
	res.state.UpdatedAt = time.Now()

	if res.state.Position != before {
		s.syncSymbolIndex(res.config.Symbol, id, res.state.Position)
	}
	return nil
}

// EnqueueEvent appends ev to the FIFO; STOPLOSS events are inserted ahead
// of all non-STOPLOSS events.
func (s *RuntimeStore) EnqueueEvent(ev domain.EventRecord) {
	if ev.DedupKey == "" {
		ev.DedupKey = fmt.Sprintf("%s:%s:%d", ev.StrategyID, ev.Kind, ev.Attempt)
	}
	s.queue.Enqueue(ev)
}

// DequeueEvent blocks until an event is available or ctx is cancelled.
// Multiple workers may call this concurrently.
func (s *RuntimeStore) DequeueEvent(ctx context.Context) (domain.EventRecord, bool) {
	return s.queue.Dequeue(ctx)
}

// QueueDepth reports the number of events currently queued, for metrics.
func (s *RuntimeStore) QueueDepth() int {
	return s.queue.Len()
}

// UpdatePrice stores the latest tick for symbol. Non-blocking; callers
// are expected to serialize writes per symbol upstream.
func (s *RuntimeStore) UpdatePrice(symbol string, price float64, ts time.Time) {
	s.prices.Set(symbol, priceTick{price: price, ts: ts}, cache.DefaultExpiration)
}

type priceTick struct {
	price float64
	ts    time.Time
}

// LatestPrice returns the most recent observed tick for symbol, if any and
// not stale.
func (s *RuntimeStore) LatestPrice(symbol string) (float64, time.Time, bool) {
	v, ok := s.prices.Get(symbol)
	if !ok {
		return 0, time.Time{}, false
	}
	tick := v.(priceTick)
	return tick.price, tick.ts, true
}

// SymbolSubscribers returns the strategy ids currently in `bought` state
// for symbol.
func (s *RuntimeStore) SymbolSubscribers(symbol string) []string {
	s.symbolsMu.RLock()
	defer s.symbolsMu.RUnlock()
	set, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// ReadRuntimeView returns a consistent snapshot for status polling.
func (s *RuntimeStore) ReadRuntimeView(id string) (domain.RuntimeView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.residents[id]
	if !ok {
		return domain.RuntimeView{}, false
	}
	return domain.RuntimeView{
		StrategyID: id,
		Config:     res.config,
		State:      res.state.Clone(),
	}, true
}

// Resident reports whether id is currently loaded.
func (s *RuntimeStore) Resident(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.residents[id]
	return ok
}

func (s *RuntimeStore) syncSymbolIndex(symbol, id string, pos domain.Position) {
	s.symbolsMu.Lock()
	defer s.symbolsMu.Unlock()
	set, ok := s.symbols[symbol]
	if pos == domain.PositionBought {
		if !ok {
			set = make(map[string]struct{})
			s.symbols[symbol] = set
		}
		set[id] = struct{}{}
		return
	}
	if ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.symbols, symbol)
		}
	}
}

func (s *RuntimeStore) removeFromSymbolIndex(symbol, id string) {
	s.symbolsMu.Lock()
	defer s.symbolsMu.Unlock()
	if set, ok := s.symbols[symbol]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.symbols, symbol)
		}
	}
}

// SymbolHasSubscribers reports whether any resident strategy still holds a
// `bought` position in symbol — used by the engine to decide whether to
// unsubscribe from the market feed.
func (s *RuntimeStore) SymbolHasSubscribers(symbol string) bool {
	s.symbolsMu.RLock()
	defer s.symbolsMu.RUnlock()
	set, ok := s.symbols[symbol]
	return ok && len(set) > 0
}
