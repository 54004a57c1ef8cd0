// Package engine implements the ExecutionEngine: a pool of workers that
// dequeue events from the RuntimeStore, validate preconditions under the
// strategy's lock, call the broker, retry transient failures with
// backoff, apply the resulting lifecycle transition, and append an audit
// record — the only place an order is ever placed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/tradsys/execution-core/internal/execution/broker"
	"github.com/tradsys/execution-core/internal/execution/domain"
)

const (
	defaultWorkers   = 4
	defaultMaxRetry  = 3
	defaultLockWait  = 5 * time.Second
	defaultRetryBase = 200 * time.Millisecond
	defaultRetryCap  = 5 * time.Second
)

// EventSource is the RuntimeStore surface the engine dequeues from.
type EventSource interface {
	DequeueEvent(ctx context.Context) (domain.EventRecord, bool)
	EnqueueEvent(ev domain.EventRecord)
	WithLock(id string, deadline time.Duration, fn func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error) error
	SymbolHasSubscribers(symbol string) bool
}

// OrderPlacer is the minimal broker surface the engine needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, brokerName string, req broker.OrderRequest) (broker.OrderResponse, error)
}

// AuditSink persists one OrderLogEntry per attempted order.
type AuditSink interface {
	Append(ctx context.Context, entry domain.OrderLogEntry) error
}

// TimerCanceller is the Scheduler surface the engine needs to retire a
// strategy's wall-clock timers once it reaches a terminal or post-buy
// transition.
type TimerCanceller interface {
	Cancel(strategyID string, kind domain.TriggerKind)
	CancelAll(strategyID string)
}

// SymbolUnsubscriber is the market Listener surface the engine needs to
// drop a feed subscription once the last resident holding a symbol
// leaves it.
type SymbolUnsubscriber interface {
	Unsubscribe(ctx context.Context, symbol string) error
}

// LifecyclePersister writes a terminal lifecycle transition through to
// the durable repository, so cold-start recovery and ListActive see it.
type LifecyclePersister interface {
	UpdateLifecycle(ctx context.Context, id string, lifecycle domain.Lifecycle) error
}

// Options configures an Engine.
type Options struct {
	Workers      int
	MaxRetries   int
	LockWait     time.Duration
	RetryBase    time.Duration
	RetryCap     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = defaultWorkers
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetry
	}
	if o.LockWait <= 0 {
		o.LockWait = defaultLockWait
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryCap <= 0 {
		o.RetryCap = defaultRetryCap
	}
	return o
}

// Engine pulls events off the RuntimeStore FIFO via an ants pool and
// drives each through validate -> broker call -> transition -> audit.
type Engine struct {
	store  EventSource
	broker OrderPlacer
	audit  AuditSink
	timers TimerCanceller
	market SymbolUnsubscriber
	repo   LifecyclePersister
	logger *zap.Logger
	opts   Options

	pool *ants.Pool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs an Engine. Run starts the worker pool. timers, market
// and repo are all optional (nil-tolerant): a zero-value Engine skips
// timer cancellation, feed unsubscription or lifecycle persistence
// respectively, which is convenient for tests that don't exercise them.
func New(store EventSource, brokerRegistry OrderPlacer, audit AuditSink, timers TimerCanceller, market SymbolUnsubscriber, repo LifecyclePersister, logger *zap.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(i interface{}) {
		logger.Error("execution engine worker panicked", zap.Any("panic", i))
	}))
	if err != nil {
		return nil, fmt.Errorf("execution engine: creating worker pool: %w", err)
	}

	return &Engine{
		store:  store,
		broker: brokerRegistry,
		audit:  audit,
		timers: timers,
		market: market,
		repo:   repo,
		logger: logger,
		opts:   opts,
		pool:   pool,
	}, nil
}

// Run submits opts.Workers persistent loops onto the ants pool, each
// looping DequeueEvent -> process until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		workerID := i
		err := e.pool.Submit(func() {
			defer e.wg.Done()
			e.workerLoop(ctx, workerID)
		})
		if err != nil {
			e.logger.Error("failed to submit execution worker", zap.Int("worker_id", workerID), zap.Error(err))
			e.wg.Done()
		}
	}
}

// Stop cancels all workers and waits for them to drain, then releases
// the underlying pool.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.pool.Release()
}

func (e *Engine) workerLoop(ctx context.Context, workerID int) {
	for {
		ev, ok := e.store.DequeueEvent(ctx)
		if !ok {
			return
		}
		e.process(ctx, ev)
	}
}

// process drives one event through its full lifecycle. Any non-fatal
// error is logged; SAFETY_ABORT / integrity failures escalate just the
// affected strategy, never the worker.
func (e *Engine) process(ctx context.Context, ev domain.EventRecord) {
	switch ev.Kind {
	case domain.EventStop:
		e.handleStop(ctx, ev)
		return
	case domain.EventSafetyAbort:
		e.handleSafetyAbort(ctx, ev)
		return
	}

	action, err := e.resolveAction(ev)
	if err != nil {
		e.logger.Error("unresolvable event kind", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
		return
	}

	var cfgSnapshot domain.StrategyConfig
	var precheckErr error
	err = e.store.WithLock(ev.StrategyID, e.opts.LockWait, func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error {
		cfgSnapshot = *cfg
		precheckErr = checkPrecondition(action, state)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLockTimeout) {
			e.requeueRetry(ev)
			return
		}
		e.logger.Warn("dropping event for non-resident strategy", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
		return
	}
	if precheckErr != nil {
		e.logger.Info("skipping event, precondition not met", zap.String("strategy_id", ev.StrategyID), zap.Error(precheckErr))
		return
	}

	resp, placeErr := e.broker.PlaceOrder(ctx, cfgSnapshot.Broker, broker.OrderRequest{
		StrategyID: ev.StrategyID,
		Symbol:     cfgSnapshot.Symbol,
		Kind:       ev.Kind,
		Quantity:   cfgSnapshot.Quantity,
	})

	if placeErr != nil {
		var tokenInvalid *broker.TokenInvalidError
		if errors.As(placeErr, &tokenInvalid) {
			// TokenInvalid skips the retry policy entirely: escalate
			// straight to SAFETY_ABORT for this strategy.
			e.logger.Error("broker session invalid, escalating to safety abort",
				zap.String("strategy_id", ev.StrategyID), zap.Error(placeErr))
			e.enqueueSafetyAbort(ev.StrategyID)
			e.appendAudit(context.Background(), ev, cfgSnapshot, broker.OrderResponse{}, placeErr.Error())
			return
		}

		var transient *broker.TransientError
		var rateLimited *broker.RateLimitedError
		var rejected *broker.RejectedError
		if errors.As(placeErr, &transient) || errors.As(placeErr, &rateLimited) || errors.As(placeErr, &rejected) {
			e.retryOrFail(ev, placeErr)
			return
		}
		e.transitionFailed(ctx, ev, placeErr)
		return
	}

	e.applySuccess(ctx, ev, action, cfgSnapshot, resp)
	e.appendAudit(ctx, ev, cfgSnapshot, resp, "")
}

// enqueueSafetyAbort places a SAFETY_ABORT event for strategyID on the
// normal lane (only STOPLOSS events take the priority lane), deduped so a
// retry storm can't queue more than one.
func (e *Engine) enqueueSafetyAbort(strategyID string) {
	e.store.EnqueueEvent(domain.EventRecord{
		Kind:       domain.EventSafetyAbort,
		StrategyID: strategyID,
		Attempt:    1,
		EnqueuedAt: time.Now(),
		DedupKey:   fmt.Sprintf("%s:SAFETY_ABORT:1", strategyID),
	})
}

func (e *Engine) resolveAction(ev domain.EventRecord) (domain.Action, error) {
	switch ev.Kind {
	case domain.EventBuy:
		return domain.ActionBuy, nil
	case domain.EventSell:
		return domain.ActionSell, nil
	case domain.EventStopLoss:
		return domain.ActionStopLoss, nil
	case domain.EventRetry:
		switch ev.OriginalKind {
		case domain.EventBuy:
			return domain.ActionBuy, nil
		case domain.EventSell:
			return domain.ActionSell, nil
		case domain.EventStopLoss:
			return domain.ActionStopLoss, nil
		}
	}
	return domain.ActionNone, fmt.Errorf("unrecognized event kind %q", ev.Kind)
}

// checkPrecondition enforces that a BUY only proceeds from no position
// and a SELL/STOPLOSS only proceeds from a bought position, so a stale or
// duplicate event that raced a transition is silently dropped rather
// than mutating state twice.
func checkPrecondition(action domain.Action, state *domain.RuntimeState) error {
	if state.Lifecycle.Terminal() {
		return domain.ErrTerminal
	}
	switch action {
	case domain.ActionBuy:
		if state.Position != domain.PositionNone {
			return fmt.Errorf("buy precondition failed: position is %s", state.Position)
		}
	case domain.ActionSell, domain.ActionStopLoss:
		if state.Position != domain.PositionBought {
			return fmt.Errorf("%s precondition failed: position is %s", action, state.Position)
		}
	}
	return nil
}

// applySuccess applies the in-memory transition for a successful order,
// then — for SELL and STOPLOSS, both terminal for this strategy's ability
// to take further action on the symbol — cancels the timers that
// transition made moot, drops the feed subscription if this was the last
// resident holding the symbol, and persists the new lifecycle to the
// repository.
func (e *Engine) applySuccess(ctx context.Context, ev domain.EventRecord, action domain.Action, cfgSnapshot domain.StrategyConfig, resp broker.OrderResponse) {
	var lifecycle domain.Lifecycle
	err := e.store.WithLock(ev.StrategyID, e.opts.LockWait, func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error {
		price := resp.FilledPrice
		state.LastAction = action
		state.LastPrice = &price
		state.RetryCountCurrent = 0

		switch action {
		case domain.ActionBuy:
			state.Position = domain.PositionBought
			state.Lifecycle = domain.LifecycleBought
			state.LastBuyOrderID = resp.BrokerOrderID
		case domain.ActionSell:
			state.Position = domain.PositionSold
			state.Lifecycle = domain.LifecycleSold
			state.LastSellOrderID = resp.BrokerOrderID
		case domain.ActionStopLoss:
			state.Position = domain.PositionExitedBySL
			state.Lifecycle = domain.LifecycleExitedBySL
			state.LastSellOrderID = resp.BrokerOrderID
		}
		lifecycle = state.Lifecycle
		return nil
	})
	if err != nil {
		e.logger.Error("failed to apply successful transition", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
		return
	}

	switch action {
	case domain.ActionSell:
		if e.timers != nil {
			e.timers.CancelAll(ev.StrategyID)
		}
		e.releaseSymbol(ctx, cfgSnapshot.Symbol)
		e.persistLifecycle(ctx, ev.StrategyID, lifecycle)
	case domain.ActionStopLoss:
		if e.timers != nil {
			e.timers.Cancel(ev.StrategyID, domain.TriggerSell)
		}
		e.releaseSymbol(ctx, cfgSnapshot.Symbol)
		e.persistLifecycle(ctx, ev.StrategyID, lifecycle)
	}
}

// releaseSymbol drops the feed subscription for symbol once no resident
// strategy still holds a bought position in it.
func (e *Engine) releaseSymbol(ctx context.Context, symbol string) {
	if e.market == nil || symbol == "" || e.store.SymbolHasSubscribers(symbol) {
		return
	}
	if err := e.market.Unsubscribe(ctx, symbol); err != nil {
		e.logger.Error("failed to unsubscribe symbol", zap.String("symbol", symbol), zap.Error(err))
	}
}

// persistLifecycle writes a terminal lifecycle through to the repository
// so cold-start recovery and ListActive agree with the in-memory state.
func (e *Engine) persistLifecycle(ctx context.Context, strategyID string, lifecycle domain.Lifecycle) {
	if e.repo == nil {
		return
	}
	if err := e.repo.UpdateLifecycle(ctx, strategyID, lifecycle); err != nil {
		e.logger.Error("failed to persist lifecycle", zap.String("strategy_id", strategyID), zap.Error(err))
	}
}

func (e *Engine) transitionFailed(ctx context.Context, ev domain.EventRecord, cause error) {
	e.logger.Error("permanent broker failure, marking strategy failed",
		zap.String("strategy_id", ev.StrategyID), zap.Error(cause))

	var symbol string
	err := e.store.WithLock(ev.StrategyID, e.opts.LockWait, func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error {
		state.Lifecycle = domain.LifecycleFailed
		symbol = cfg.Symbol
		return nil
	})
	if err != nil {
		e.logger.Error("failed to mark strategy failed", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
	} else {
		if e.timers != nil {
			e.timers.CancelAll(ev.StrategyID)
		}
		e.releaseSymbol(ctx, symbol)
		e.persistLifecycle(ctx, ev.StrategyID, domain.LifecycleFailed)
	}
	e.appendAudit(context.Background(), ev, domain.StrategyConfig{ID: ev.StrategyID}, broker.OrderResponse{}, cause.Error())
}

// retryOrFail re-enqueues ev as a RETRY event with exponential backoff
// capped at opts.RetryCap, up to opts.MaxRetries attempts, after which it
// enqueues a SAFETY_ABORT for the strategy instead of resubmitting again.
func (e *Engine) retryOrFail(ev domain.EventRecord, cause error) {
	if ev.Attempt >= e.opts.MaxRetries {
		e.logger.Error("exhausted retries, escalating to safety abort",
			zap.String("strategy_id", ev.StrategyID), zap.Int("attempts", ev.Attempt), zap.Error(cause))
		e.enqueueSafetyAbort(ev.StrategyID)
		e.appendAudit(context.Background(), ev, domain.StrategyConfig{ID: ev.StrategyID}, broker.OrderResponse{}, cause.Error())
		return
	}
	e.requeueRetry(ev)
}

func (e *Engine) requeueRetry(ev domain.EventRecord) {
	next := ev
	next.Kind = domain.EventRetry
	next.OriginalKind = originalKind(ev)
	next.Attempt = ev.Attempt + 1
	next.EnqueuedAt = time.Now()
	next.DedupKey = fmt.Sprintf("%s:%s:%d", ev.StrategyID, next.OriginalKind, next.Attempt)

	delay := backoffFor(next.Attempt, e.opts.RetryBase, e.opts.RetryCap)
	go func() {
		time.Sleep(delay)
		e.store.EnqueueEvent(next)
	}()
}

func originalKind(ev domain.EventRecord) domain.EventKind {
	if ev.Kind == domain.EventRetry {
		return ev.OriginalKind
	}
	return ev.Kind
}

func backoffFor(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

func (e *Engine) handleStop(ctx context.Context, ev domain.EventRecord) {
	var symbol string
	var alreadyTerminal bool
	err := e.store.WithLock(ev.StrategyID, e.opts.LockWait, func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error {
		symbol = cfg.Symbol
		if state.Lifecycle.Terminal() {
			alreadyTerminal = true
			return nil
		}
		state.Lifecycle = domain.LifecycleStopped
		return nil
	})
	if err != nil {
		e.logger.Error("failed to apply STOP", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
		return
	}
	if alreadyTerminal {
		return
	}
	if e.timers != nil {
		e.timers.CancelAll(ev.StrategyID)
	}
	e.releaseSymbol(ctx, symbol)
	e.persistLifecycle(ctx, ev.StrategyID, domain.LifecycleStopped)
}

func (e *Engine) handleSafetyAbort(ctx context.Context, ev domain.EventRecord) {
	e.logger.Error("safety abort", zap.String("strategy_id", ev.StrategyID))
	var symbol string
	err := e.store.WithLock(ev.StrategyID, e.opts.LockWait, func(cfg *domain.StrategyConfig, state *domain.RuntimeState) error {
		state.Lifecycle = domain.LifecycleFailed
		symbol = cfg.Symbol
		return nil
	})
	if err != nil {
		e.logger.Error("failed to apply SAFETY_ABORT", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
		return
	}
	if e.timers != nil {
		e.timers.CancelAll(ev.StrategyID)
	}
	e.releaseSymbol(ctx, symbol)
	e.persistLifecycle(ctx, ev.StrategyID, domain.LifecycleFailed)
}

func (e *Engine) appendAudit(ctx context.Context, ev domain.EventRecord, cfg domain.StrategyConfig, resp broker.OrderResponse, failureNote string) {
	if e.audit == nil {
		return
	}
	blob := resp.RawBlob
	if failureNote != "" {
		blob = fmt.Sprintf(`{"error":%q}`, failureNote)
	}
	entry := domain.OrderLogEntry{
		ID:                 ksuid.New().String(),
		StrategyID:         ev.StrategyID,
		UserID:             cfg.UserID,
		Kind:               ev.Kind,
		Price:              resp.FilledPrice,
		Quantity:           cfg.Quantity,
		BrokerResponseBlob: blob,
		CreatedAt:          time.Now(),
	}
	if err := e.audit.Append(ctx, entry); err != nil {
		e.logger.Error("audit append failed", zap.String("strategy_id", ev.StrategyID), zap.Error(err))
	}
}
