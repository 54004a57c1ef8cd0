package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

type fakeFeed struct {
	mu          sync.Mutex
	ticks       chan Tick
	connectErrs []error
	subscribed  map[string]bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ticks: make(chan Tick, 8), subscribed: make(map[string]bool)}
}

func (f *fakeFeed) Connect(ctx context.Context) (<-chan Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.ticks, nil
}

func (f *fakeFeed) Subscribe(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[symbol] = true
	return nil
}

func (f *fakeFeed) Unsubscribe(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, symbol)
	return nil
}

type fakeStore struct {
	mu          sync.Mutex
	prices      map[string]float64
	subscribers map[string][]string
	residents   map[string]*domain.RuntimeState
	configs     map[string]*domain.StrategyConfig
	events      []domain.EventRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prices:      make(map[string]float64),
		subscribers: make(map[string][]string),
		residents:   make(map[string]*domain.RuntimeState),
		configs:     make(map[string]*domain.StrategyConfig),
	}
}

func (s *fakeStore) UpdatePrice(symbol string, price float64, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *fakeStore) SymbolSubscribers(symbol string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribers[symbol]...)
}

func (s *fakeStore) ReadRuntimeView(id string) (domain.RuntimeView, bool) {
	s.mu.Lock()
	cfg, ok1 := s.configs[id]
	state, ok2 := s.residents[id]
	s.mu.Unlock()
	if !ok1 || !ok2 {
		return domain.RuntimeView{}, false
	}
	return domain.RuntimeView{StrategyID: id, Config: *cfg, State: *state}, true
}

func (s *fakeStore) EnqueueEvent(ev domain.EventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeStore) load(id, symbol string, stopLoss float64, position domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[id] = &domain.StrategyConfig{ID: id, Symbol: symbol, StopLoss: stopLoss}
	s.residents[id] = &domain.RuntimeState{Position: position, LastBuyOrderID: "B1"}
	s.subscribers[symbol] = append(s.subscribers[symbol], id)
}

func TestListener_SubscribeRefCounts(t *testing.T) {
	feed := newFakeFeed()
	l := New(feed, newFakeStore(), zap.NewNop())

	require.NoError(t, l.Subscribe(context.Background(), "TCS"))
	require.NoError(t, l.Subscribe(context.Background(), "TCS"))
	assert.True(t, feed.subscribed["TCS"])

	require.NoError(t, l.Unsubscribe(context.Background(), "TCS"))
	assert.True(t, feed.subscribed["TCS"], "still referenced once")

	require.NoError(t, l.Unsubscribe(context.Background(), "TCS"))
	assert.False(t, feed.subscribed["TCS"])
}

func TestListener_OnTickUpdatesPriceAndDetectsStopLoss(t *testing.T) {
	feed := newFakeFeed()
	store := newFakeStore()
	store.load("s1", "TCS", 100.0, domain.PositionBought)

	l := New(feed, store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = l.Run(ctx) }()

	feed.ticks <- Tick{Symbol: "TCS", Price: 99.0, At: time.Now()}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.events) == 1
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	ev := store.events[0]
	cached := store.prices["TCS"]
	store.mu.Unlock()
	assert.Equal(t, 99.0, cached)
	assert.Equal(t, domain.EventStopLoss, ev.Kind)
	assert.Equal(t, "s1", ev.StrategyID)
	require.NotNil(t, ev.TriggerPrice)
	assert.Equal(t, 99.0, *ev.TriggerPrice)
}

func TestListener_ReconnectsWithBackoffOnConnectError(t *testing.T) {
	feed := newFakeFeed()
	feed.connectErrs = []error{errors.New("dial failed"), nil}
	store := newFakeStore()
	l := New(feed, store, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()

	feed.ticks <- Tick{Symbol: "TCS", Price: 50, At: time.Now()}
	<-ctx.Done()
	<-done

	feed.mu.Lock()
	remaining := len(feed.connectErrs)
	feed.mu.Unlock()
	assert.Zero(t, remaining, "the failed dial must be followed by a second Connect")
	assert.Len(t, feed.ticks, 0, "the tick is only drained once the second Connect succeeds")
}
