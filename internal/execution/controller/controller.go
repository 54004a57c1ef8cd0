// Package controller exposes the StrategyController facade: the single
// entry point operators (via the HTTP/gRPC surface a cmd binary wires in
// front of it) use to create, start, stop, update and inspect strategies.
// Every mutating call goes through a per-user rate guard before touching
// the repository or the RuntimeStore.
package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
	"github.com/tradsys/execution-core/internal/execution/vault"
)

// RuntimeStore is the subset of store.RuntimeStore the controller drives.
type RuntimeStore interface {
	LoadStrategy(cfg domain.StrategyConfig) error
	UnloadStrategy(id string)
	WithLock(id string, deadline time.Duration, fn func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error) error
	ReadRuntimeView(id string) (domain.RuntimeView, bool)
	Resident(id string) bool
	EnqueueEvent(ev domain.EventRecord)
}

// Repository is the durable StrategyConfig store the controller keeps in
// sync with the RuntimeStore.
type Repository interface {
	Create(ctx context.Context, cfg domain.StrategyConfig) error
	Update(ctx context.Context, cfg domain.StrategyConfig) error
	Get(ctx context.Context, id string) (domain.StrategyConfig, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler is the subset of scheduler.Scheduler the controller drives.
type Scheduler interface {
	Register(strategyID string, kind domain.TriggerKind, fireAt time.Time) error
	Reschedule(strategyID string, kind domain.TriggerKind, newFireAt time.Time) error
	CancelAll(strategyID string)
}

// CredentialVault is the subset of vault.CredentialVault the controller
// checks before a strategy is allowed to start.
type CredentialVault interface {
	Get(ctx context.Context, userID, broker string) (vault.Credential, error)
}

// SymbolSubscriber is the subset of market.Listener the controller drives
// to keep the feed subscription count in step with resident strategies.
type SymbolSubscriber interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
}

// Controller is the StrategyController facade.
type Controller struct {
	store       RuntimeStore
	repo        Repository
	scheduler   Scheduler
	vault       CredentialVault
	market      SymbolSubscriber
	logger      *zap.Logger
	rateLimiter *limiter.Limiter
}

// New constructs a Controller, rate-limiting mutating calls to maxPerMinute
// requests per user. vault and market are optional (nil-tolerant): a nil
// vault skips the pre-start credential check, a nil market skips feed
// subscription, which is convenient for tests that don't exercise them.
func New(store RuntimeStore, repo Repository, sched Scheduler, vault CredentialVault, market SymbolSubscriber, logger *zap.Logger, maxPerMinute int64) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	rate := limiter.Rate{Period: time.Minute, Limit: maxPerMinute}
	rl := limiter.New(memory.NewStore(), rate)

	return &Controller{store: store, repo: repo, scheduler: sched, vault: vault, market: market, logger: logger, rateLimiter: rl}
}

func (c *Controller) guard(ctx context.Context, userID string) error {
	result, err := c.rateLimiter.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("controller: rate limiter: %w", err)
	}
	if result.Reached {
		return fmt.Errorf("rate limit exceeded for user %s", userID)
	}
	return nil
}

// Create validates and persists cfg to the repository with lifecycle
// "created". It does not touch the RuntimeStore, arm timers or subscribe
// to the feed — call Start for that once the caller is ready to run it.
func (c *Controller) Create(ctx context.Context, cfg domain.StrategyConfig) (domain.StrategyConfig, error) {
	if err := c.guard(ctx, cfg.UserID); err != nil {
		return domain.StrategyConfig{}, err
	}
	if err := domain.ValidateConfig(cfg); err != nil {
		return domain.StrategyConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := time.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := c.repo.Create(ctx, cfg); err != nil {
		return domain.StrategyConfig{}, err
	}
	return cfg, nil
}

// Start brings a created strategy live: it fails with ErrAlreadyRunning if
// the strategy is already resident, ErrBrokerNotConnected if the vault
// holds no valid credential for cfg.Broker, otherwise it loads cfg into
// the RuntimeStore, arms its BUY/SELL timers and subscribes its symbol on
// the market feed.
func (c *Controller) Start(ctx context.Context, userID, id string) error {
	if err := c.guard(ctx, userID); err != nil {
		return err
	}
	if c.store.Resident(id) {
		return domain.ErrAlreadyRunning
	}

	cfg, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if cfg.UserID != userID {
		return domain.ErrNotFound
	}

	if c.vault != nil {
		if _, err := c.vault.Get(ctx, userID, cfg.Broker); err != nil {
			return err
		}
	}

	if err := c.store.LoadStrategy(cfg); err != nil {
		return err
	}

	today := time.Now()
	if err := c.scheduler.Register(cfg.ID, domain.TriggerBuy, cfg.BuyTime.OnDay(today)); err != nil {
		return err
	}
	if err := c.scheduler.Register(cfg.ID, domain.TriggerSell, cfg.SellTime.OnDay(today)); err != nil {
		return err
	}

	if c.market != nil {
		if err := c.market.Subscribe(ctx, cfg.Symbol); err != nil {
			c.logger.Error("failed to subscribe symbol on start", zap.String("strategy_id", id), zap.Error(err))
		}
	}
	return nil
}

// Stop enqueues a STOP event for id and cancels its timers. The engine
// applies the actual lifecycle transition asynchronously.
func (c *Controller) Stop(ctx context.Context, userID, id string) error {
	if err := c.guard(ctx, userID); err != nil {
		return err
	}
	if !c.store.Resident(id) {
		return domain.ErrNotFound
	}
	c.scheduler.CancelAll(id)
	c.store.EnqueueEvent(domain.EventRecord{Kind: domain.EventStop, StrategyID: id, EnqueuedAt: time.Now()})
	return nil
}

// Update mutates the fields the caller may change post-creation:
// stop_loss, quantity, and sell_time. sellTime is nil when the caller
// doesn't want to change it; when non-nil the SELL timer is rescheduled
// to match. Buy_time and symbol remain immutable after creation to keep a
// running strategy's BUY timer and feed subscription consistent with the
// repository.
func (c *Controller) Update(ctx context.Context, userID, id string, stopLoss float64, quantity int64, sellTime *domain.TimeOfDay) error {
	if err := c.guard(ctx, userID); err != nil {
		return err
	}

	var updated domain.StrategyConfig
	var rescheduleAt time.Time
	err := c.store.WithLock(id, 3*time.Second, func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error {
		if state.Lifecycle.Terminal() {
			return domain.ErrTerminal
		}
		if stopLoss > 0 {
			cfg.StopLoss = stopLoss
		}
		if quantity > 0 {
			cfg.Quantity = quantity
		}
		if sellTime != nil {
			if !cfg.BuyTime.Before(*sellTime) {
				return domain.ErrBuyNotBeforeSell
			}
			cfg.SellTime = *sellTime
			rescheduleAt = sellTime.OnDay(time.Now())
		}
		cfg.UpdatedAt = time.Now()
		updated = *cfg
		return nil
	})
	if err != nil {
		return err
	}

	if sellTime != nil {
		if err := c.scheduler.Reschedule(id, domain.TriggerSell, rescheduleAt); err != nil {
			return err
		}
	}
	return c.repo.Update(ctx, updated)
}

// GetStatus returns the live RuntimeView for id, for operator polling.
func (c *Controller) GetStatus(id string) (domain.RuntimeView, error) {
	view, ok := c.store.ReadRuntimeView(id)
	if !ok {
		return domain.RuntimeView{}, domain.ErrNotFound
	}
	return view, nil
}

// Remove stops a resident strategy (if any) and soft-deletes it from the
// repository.
func (c *Controller) Remove(ctx context.Context, userID, id string) error {
	if err := c.guard(ctx, userID); err != nil {
		return err
	}
	c.scheduler.CancelAll(id)
	c.store.UnloadStrategy(id)
	return c.repo.Delete(ctx, id)
}
