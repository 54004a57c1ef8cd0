package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

type fakeQueue struct {
	mu     sync.Mutex
	events []domain.EventRecord
}

func (f *fakeQueue) EnqueueEvent(ev domain.EventRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeQueue) snapshot() []domain.EventRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.EventRecord, len(f.events))
	copy(out, f.events)
	return out
}

func TestScheduler_FiresAtDeadline(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())
	require.NoError(t, s.Register("s1", domain.TriggerBuy, time.Now().Add(20*time.Millisecond)))

	require.Eventually(t, func() bool { return len(q.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	ev := q.snapshot()[0]
	assert.Equal(t, domain.EventBuy, ev.Kind)
	assert.Equal(t, "s1", ev.StrategyID)
}

func TestScheduler_PastDueFiresImmediately(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())
	require.NoError(t, s.Register("s1", domain.TriggerSell, time.Now().Add(-time.Hour)))

	require.Eventually(t, func() bool { return len(q.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventSell, q.snapshot()[0].Kind)
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())
	require.NoError(t, s.Register("s1", domain.TriggerBuy, time.Now().Add(15*time.Millisecond)))
	s.Cancel("s1", domain.TriggerBuy)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, q.snapshot())
}

func TestScheduler_RescheduleReplacesTimer(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())
	require.NoError(t, s.Register("s1", domain.TriggerBuy, time.Now().Add(time.Hour)))
	require.NoError(t, s.Reschedule("s1", domain.TriggerBuy, time.Now().Add(10*time.Millisecond)))

	require.Eventually(t, func() bool { return len(q.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

type fakeRepo struct {
	strategies []domain.StrategyConfig
}

func (f *fakeRepo) ListActive(ctx context.Context) ([]domain.StrategyConfig, error) {
	return f.strategies, nil
}

type fakeRuntime struct {
	views map[string]domain.RuntimeView
}

func (f *fakeRuntime) ReadRuntimeView(id string) (domain.RuntimeView, bool) {
	v, ok := f.views[id]
	return v, ok
}

type fakeLifecycle struct {
	mu  sync.Mutex
	set map[string]domain.Lifecycle
}

func (f *fakeLifecycle) UpdateLifecycle(ctx context.Context, id string, lifecycle domain.Lifecycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set == nil {
		f.set = make(map[string]domain.Lifecycle)
	}
	f.set[id] = lifecycle
	return nil
}

func cfgWithTimes(id string, buy, sell domain.TimeOfDay) domain.StrategyConfig {
	return domain.StrategyConfig{
		ID: id, UserID: "u1", Symbol: "TCS",
		BuyTime: buy, SellTime: sell, StopLoss: 100, Quantity: 10, Broker: "BROK",
	}
}

func TestRecover_MissedBuyFiresImmediately(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())

	now := time.Now()
	past := domain.TimeOfDay{Hour: now.Add(-time.Hour).Hour(), Minute: now.Minute()}
	future := domain.TimeOfDay{Hour: now.Add(time.Hour).Hour(), Minute: now.Minute()}

	repo := &fakeRepo{strategies: []domain.StrategyConfig{cfgWithTimes("s1", past, future)}}
	runtime := &fakeRuntime{views: map[string]domain.RuntimeView{}}
	lifecycle := &fakeLifecycle{}

	require.NoError(t, s.Recover(context.Background(), repo, runtime, lifecycle, time.Time{}))
	require.Eventually(t, func() bool { return len(q.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventBuy, q.snapshot()[0].Kind)
}

func TestRecover_MissedSellFiresWhenBought(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())

	now := time.Now()
	past1 := domain.TimeOfDay{Hour: now.Add(-2 * time.Hour).Hour(), Minute: now.Minute()}
	past2 := domain.TimeOfDay{Hour: now.Add(-time.Hour).Hour(), Minute: now.Minute()}

	repo := &fakeRepo{strategies: []domain.StrategyConfig{cfgWithTimes("s1", past1, past2)}}
	runtime := &fakeRuntime{views: map[string]domain.RuntimeView{
		"s1": {StrategyID: "s1", State: domain.RuntimeState{Position: domain.PositionBought}},
	}}
	lifecycle := &fakeLifecycle{}

	require.NoError(t, s.Recover(context.Background(), repo, runtime, lifecycle, time.Time{}))
	require.Eventually(t, func() bool { return len(q.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventSell, q.snapshot()[0].Kind)
}

func TestRecover_BothPassedNoPositionMarksStopped(t *testing.T) {
	q := &fakeQueue{}
	s := New(q, zap.NewNop())

	now := time.Now()
	past1 := domain.TimeOfDay{Hour: now.Add(-3 * time.Hour).Hour(), Minute: now.Minute()}
	past2 := domain.TimeOfDay{Hour: now.Add(-2 * time.Hour).Hour(), Minute: now.Minute()}

	repo := &fakeRepo{strategies: []domain.StrategyConfig{cfgWithTimes("s1", past1, past2)}}
	runtime := &fakeRuntime{views: map[string]domain.RuntimeView{}}
	lifecycle := &fakeLifecycle{}

	require.NoError(t, s.Recover(context.Background(), repo, runtime, lifecycle, time.Time{}))
	assert.Empty(t, q.snapshot())
	assert.Equal(t, domain.LifecycleStopped, lifecycle.set["s1"])
}
