// Package scheduler owns one wall-clock timer per (strategy, trigger
// kind) and enqueues the corresponding event into the RuntimeStore FIFO
// at fire time. Timers are derived state: nothing here is persisted,
// they are reconstructed from the repository on every start.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/domain"
)

// EventEnqueuer is the minimal RuntimeStore surface the scheduler needs.
type EventEnqueuer interface {
	EnqueueEvent(domain.EventRecord)
}

type timerKey struct {
	strategyID string
	kind       domain.TriggerKind
}

type registeredTimer struct {
	timer  *time.Timer
	fireAt time.Time
}

// Scheduler maintains wall-clock timers and fires EventRecords into an
// EventEnqueuer at their deadline. Each timer is a single time.AfterFunc
// armed for the time remaining until its deadline at registration; it is
// not re-anchored to the wall clock after that.
type Scheduler struct {
	mu     sync.Mutex
	timers map[timerKey]*registeredTimer

	queue  EventEnqueuer
	logger *zap.Logger
	now    func() time.Time
}

// New constructs a Scheduler that enqueues fired triggers into queue.
func New(queue EventEnqueuer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		timers: make(map[timerKey]*registeredTimer),
		queue:  queue,
		logger: logger,
		now:    time.Now,
	}
}

// Register arms a timer for (strategyID, kind) at fireAt. A past-due
// fireAt is fired immediately rather than rejected — cold start recovery
// depends on this.
func (s *Scheduler) Register(strategyID string, kind domain.TriggerKind, fireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(strategyID, kind, fireAt)
}

func (s *Scheduler) registerLocked(strategyID string, kind domain.TriggerKind, fireAt time.Time) error {
	key := timerKey{strategyID, kind}
	if existing, ok := s.timers[key]; ok {
		existing.timer.Stop()
		delete(s.timers, key)
	}

	d := time.Until(fireAt)
	if d < 0 {
		d = 0
	}

	rt := &registeredTimer{fireAt: fireAt}
	rt.timer = time.AfterFunc(d, func() { s.fire(strategyID, kind) })
	s.timers[key] = rt
	return nil
}

// Cancel disarms the timer for (strategyID, kind). Idempotent.
func (s *Scheduler) Cancel(strategyID string, kind domain.TriggerKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := timerKey{strategyID, kind}
	if rt, ok := s.timers[key]; ok {
		rt.timer.Stop()
		delete(s.timers, key)
	}
}

// CancelAll disarms both BUY and SELL timers for strategyID.
func (s *Scheduler) CancelAll(strategyID string) {
	s.Cancel(strategyID, domain.TriggerBuy)
	s.Cancel(strategyID, domain.TriggerSell)
}

// Reschedule atomically cancels and re-registers (strategyID, kind).
func (s *Scheduler) Reschedule(strategyID string, kind domain.TriggerKind, newFireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(strategyID, kind, newFireAt)
}

func (s *Scheduler) fire(strategyID string, kind domain.TriggerKind) {
	s.mu.Lock()
	delete(s.timers, timerKey{strategyID, kind})
	s.mu.Unlock()

	eventKind := domain.EventBuy
	if kind == domain.TriggerSell {
		eventKind = domain.EventSell
	}

	s.logger.Debug("scheduler firing trigger",
		zap.String("strategy_id", strategyID),
		zap.String("kind", string(kind)))

	s.queue.EnqueueEvent(domain.EventRecord{
		Kind:       eventKind,
		StrategyID: strategyID,
		Attempt:    1,
		EnqueuedAt: s.now(),
		DedupKey:   fmt.Sprintf("%s:%s:1", strategyID, eventKind),
	})
}

// ActiveStrategyLookup is the minimal repository surface needed for cold
// start recovery.
type ActiveStrategyLookup interface {
	ListActive(ctx context.Context) ([]domain.StrategyConfig, error)
}

// RuntimeLookup lets Recover see whether a strategy already holds a
// position, so it can decide which trigger (if any) was missed.
type RuntimeLookup interface {
	ReadRuntimeView(id string) (domain.RuntimeView, bool)
}

// StrategyLifecycleSetter lets Recover mark a strategy stopped when both
// triggers have already passed with no position ever taken.
type StrategyLifecycleSetter interface {
	UpdateLifecycle(ctx context.Context, id string, lifecycle domain.Lifecycle) error
}

// Recover walks every active strategy from the repository on cold start
// and registers its BUY/SELL timers, firing immediately on anything
// already past due:
//
//   - buy_time passed, position == none, still within window -> BUY now
//   - sell_time passed, position == bought                  -> SELL now
//   - both passed, no position ever taken                    -> mark stopped
//
// windowEnd bounds how late a missed BUY may still fire (the trading
// window close for the day); pass a zero time to disable the check.
func (s *Scheduler) Recover(ctx context.Context, repo ActiveStrategyLookup, runtime RuntimeLookup, lifecycle StrategyLifecycleSetter, windowEnd time.Time) error {
	strategies, err := repo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler recovery: list active strategies: %w", err)
	}

	now := s.now()
	for _, cfg := range strategies {
		buyAt := cfg.BuyTime.OnDay(now)
		sellAt := cfg.SellTime.OnDay(now)

		view, resident := runtime.ReadRuntimeView(cfg.ID)
		position := domain.PositionNone
		if resident {
			position = view.State.Position
		}

		buyPassed := now.After(buyAt)
		sellPassed := now.After(sellAt)

		switch {
		case sellPassed && position == domain.PositionBought:
			s.logger.Info("recovering missed SELL trigger", zap.String("strategy_id", cfg.ID))
			s.fire(cfg.ID, domain.TriggerSell)
		case buyPassed && sellPassed && position == domain.PositionNone:
			s.logger.Info("both triggers elapsed with no position taken, marking stopped",
				zap.String("strategy_id", cfg.ID))
			if err := lifecycle.UpdateLifecycle(ctx, cfg.ID, domain.LifecycleStopped); err != nil {
				s.logger.Error("failed to persist stopped lifecycle during recovery", zap.Error(err))
			}
			continue
		case buyPassed && position == domain.PositionNone:
			if windowEnd.IsZero() || now.Before(windowEnd) {
				s.logger.Info("recovering missed BUY trigger", zap.String("strategy_id", cfg.ID))
				s.fire(cfg.ID, domain.TriggerBuy)
			}
		default:
			if err := s.Register(cfg.ID, domain.TriggerBuy, buyAt); err != nil {
				return err
			}
		}

		if !sellPassed {
			if err := s.Register(cfg.ID, domain.TriggerSell, sellAt); err != nil {
				return err
			}
		}
	}
	return nil
}
