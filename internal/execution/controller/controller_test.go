package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
	"github.com/tradsys/execution-core/internal/execution/store"
	"github.com/tradsys/execution-core/internal/execution/vault"
)

type fakeRepo struct {
	created map[string]domain.StrategyConfig
	updated []domain.StrategyConfig
	deleted map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{created: make(map[string]domain.StrategyConfig), deleted: make(map[string]bool)}
}

func (r *fakeRepo) Create(ctx context.Context, cfg domain.StrategyConfig) error {
	r.created[cfg.ID] = cfg
	return nil
}

func (r *fakeRepo) Update(ctx context.Context, cfg domain.StrategyConfig) error {
	r.updated = append(r.updated, cfg)
	r.created[cfg.ID] = cfg
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (domain.StrategyConfig, error) {
	cfg, ok := r.created[id]
	if !ok {
		return domain.StrategyConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	r.deleted[id] = true
	return nil
}

type fakeScheduler struct {
	registered  map[string]int
	rescheduled map[string]time.Time
	cancelled   map[string]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		registered:  make(map[string]int),
		rescheduled: make(map[string]time.Time),
		cancelled:   make(map[string]bool),
	}
}

func (s *fakeScheduler) Register(strategyID string, kind domain.TriggerKind, fireAt time.Time) error {
	s.registered[strategyID]++
	return nil
}

func (s *fakeScheduler) Reschedule(strategyID string, kind domain.TriggerKind, newFireAt time.Time) error {
	s.rescheduled[strategyID] = newFireAt
	return nil
}

func (s *fakeScheduler) CancelAll(strategyID string) { s.cancelled[strategyID] = true }

type fakeVault struct {
	valid map[string]bool
}

func newFakeVault() *fakeVault { return &fakeVault{valid: make(map[string]bool)} }

func (v *fakeVault) allow(userID, broker string) { v.valid[userID+":"+broker] = true }

func (v *fakeVault) Get(ctx context.Context, userID, broker string) (vault.Credential, error) {
	if !v.valid[userID+":"+broker] {
		return vault.Credential{}, domain.ErrBrokerNotConnected
	}
	return vault.Credential{Token: "tok"}, nil
}

type fakeMarket struct {
	subscribed map[string]int
}

func newFakeMarket() *fakeMarket { return &fakeMarket{subscribed: make(map[string]int)} }

func (m *fakeMarket) Subscribe(ctx context.Context, symbol string) error {
	m.subscribed[symbol]++
	return nil
}

func (m *fakeMarket) Unsubscribe(ctx context.Context, symbol string) error {
	m.subscribed[symbol]--
	return nil
}

func testCfg(id, userID string) domain.StrategyConfig {
	now := time.Now()
	return domain.StrategyConfig{
		ID:       id,
		UserID:   userID,
		Symbol:   "AAPL",
		Broker:   "BROK",
		Quantity: 10,
		StopLoss: 90,
		BuyTime:  domain.TimeOfDay{Hour: now.Hour(), Minute: now.Minute() + 1},
		SellTime: domain.TimeOfDay{Hour: now.Hour() + 1, Minute: 0},
	}
}

func TestController_CreateThenStartLoadsIntoStoreAndArmsTimers(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault()
	v.allow("u1", "BROK")
	market := newFakeMarket()
	c := New(rs, repo, sched, v, market, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	assert.False(t, rs.Resident("s1"), "Create must not load the strategy into the RuntimeStore")
	assert.Len(t, repo.created, 1)

	require.NoError(t, c.Start(context.Background(), "u1", cfg.ID))
	assert.True(t, rs.Resident("s1"))
	assert.Equal(t, 2, sched.registered["s1"])
	assert.Equal(t, 1, market.subscribed["AAPL"])
}

func TestController_StartWithoutCredentialsFails(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault() // no broker allowed
	c := New(rs, repo, sched, v, nil, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)

	err = c.Start(context.Background(), "u1", cfg.ID)
	assert.ErrorIs(t, err, domain.ErrBrokerNotConnected)
	assert.False(t, rs.Resident("s1"))
}

func TestController_StartAlreadyRunningFails(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault()
	v.allow("u1", "BROK")
	c := New(rs, repo, sched, v, nil, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "u1", cfg.ID))

	err = c.Start(context.Background(), "u1", cfg.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestController_StopUnknownStrategyReturnsNotFound(t *testing.T) {
	rs := store.New(zap.NewNop())
	c := New(rs, newFakeRepo(), newFakeScheduler(), nil, nil, zap.NewNop(), 100)

	err := c.Stop(context.Background(), "u1", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestController_StopCancelsTimersAndEnqueuesStop(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault()
	v.allow("u1", "BROK")
	c := New(rs, repo, sched, v, nil, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "u1", cfg.ID))
	require.NoError(t, c.Stop(context.Background(), "u1", "s1"))

	assert.True(t, sched.cancelled["s1"])
	ev, ok := rs.DequeueEvent(context.Background())
	require.True(t, ok)
	assert.Equal(t, domain.EventStop, ev.Kind)
}

func TestController_UpdateAppliesUnderLock(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault()
	v.allow("u1", "BROK")
	c := New(rs, repo, sched, v, nil, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "u1", cfg.ID))
	require.NoError(t, c.Update(context.Background(), "u1", "s1", 80, 20, nil))

	view, ok := rs.ReadRuntimeView("s1")
	require.True(t, ok)
	assert.Equal(t, float64(80), view.Config.StopLoss)
	assert.Equal(t, int64(20), view.Config.Quantity)
	require.Len(t, repo.updated, 1)
	assert.Equal(t, float64(80), repo.updated[0].StopLoss)
}

func TestController_UpdateSellTimeReschedules(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault()
	v.allow("u1", "BROK")
	c := New(rs, repo, sched, v, nil, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "u1", cfg.ID))

	newSell := domain.TimeOfDay{Hour: 23, Minute: 0}
	require.NoError(t, c.Update(context.Background(), "u1", "s1", 0, 0, &newSell))

	view, ok := rs.ReadRuntimeView("s1")
	require.True(t, ok)
	assert.Equal(t, newSell, view.Config.SellTime)
	_, rescheduled := sched.rescheduled["s1"]
	assert.True(t, rescheduled, "changing sell_time must reschedule the SELL timer")
}

func TestController_RateLimitBlocksExcessCreates(t *testing.T) {
	rs := store.New(zap.NewNop())
	c := New(rs, newFakeRepo(), newFakeScheduler(), nil, nil, zap.NewNop(), 1)

	_, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	_, err = c.Create(context.Background(), testCfg("s2", "u1"))
	assert.Error(t, err)
}

func TestController_GetStatusMissingReturnsNotFound(t *testing.T) {
	rs := store.New(zap.NewNop())
	c := New(rs, newFakeRepo(), newFakeScheduler(), nil, nil, zap.NewNop(), 100)

	_, err := c.GetStatus("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestController_RemoveUnloadsAndDeletes(t *testing.T) {
	rs := store.New(zap.NewNop())
	repo := newFakeRepo()
	sched := newFakeScheduler()
	v := newFakeVault()
	v.allow("u1", "BROK")
	c := New(rs, repo, sched, v, nil, zap.NewNop(), 100)

	cfg, err := c.Create(context.Background(), testCfg("s1", "u1"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), "u1", cfg.ID))
	require.NoError(t, c.Remove(context.Background(), "u1", "s1"))

	assert.False(t, rs.Resident("s1"))
	assert.True(t, repo.deleted["s1"])
}
