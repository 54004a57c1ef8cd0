// Package domain holds the wire- and store-visible types shared by every
// component of the execution core: strategy configuration, live runtime
// state, queued events and the audit record they produce.
package domain

import "time"

// Lifecycle is the coarse-grained state of a resident strategy.
type Lifecycle string

const (
	LifecycleCreated    Lifecycle = "created"
	LifecycleReady      Lifecycle = "ready"
	LifecycleRunning    Lifecycle = "running"
	LifecycleBought     Lifecycle = "bought"
	LifecycleSold       Lifecycle = "sold"
	LifecycleExitedBySL Lifecycle = "exited_by_sl"
	LifecycleStopped    Lifecycle = "stopped"
	LifecycleFailed     Lifecycle = "failed"
)

// Terminal reports whether the lifecycle accepts no further transitions.
func (l Lifecycle) Terminal() bool {
	switch l {
	case LifecycleSold, LifecycleExitedBySL, LifecycleStopped, LifecycleFailed:
		return true
	default:
		return false
	}
}

// Position mirrors the strategy's holding of its instrument.
type Position string

const (
	PositionNone       Position = "none"
	PositionBought     Position = "bought"
	PositionSold       Position = "sold"
	PositionExitedBySL Position = "exited_by_sl"
)

// Action records the last order kind the engine attempted to completion.
type Action string

const (
	ActionNone     Action = ""
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionStopLoss Action = "STOPLOSS"
)

// TriggerKind distinguishes the scheduler's two wall-clock timers.
type TriggerKind string

const (
	TriggerBuy  TriggerKind = "BUY"
	TriggerSell TriggerKind = "SELL"
)

// EventKind tags the discriminated union carried on the RuntimeStore FIFO.
type EventKind string

const (
	EventBuy          EventKind = "BUY"
	EventSell         EventKind = "SELL"
	EventStopLoss     EventKind = "STOPLOSS"
	EventRetry        EventKind = "RETRY"
	EventSafetyAbort  EventKind = "SAFETY_ABORT"
	EventStop         EventKind = "STOP"
)

// StrategyConfig is immutable after Create except through Update, which
// goes through StrategyController under the per-strategy lock.
type StrategyConfig struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"user_id" validate:"required" gorm:"index"`
	Symbol    string    `json:"symbol" validate:"required,uppercase" gorm:"index"`
	BuyTime   TimeOfDay `json:"buy_time" gorm:"embedded;embeddedPrefix:buy_"`
	SellTime  TimeOfDay `json:"sell_time" gorm:"embedded;embeddedPrefix:sell_"`
	StopLoss  float64   `json:"stop_loss" validate:"required,gt=0"`
	Quantity  int64     `json:"quantity" validate:"required,gt=0"`
	Broker    string    `json:"broker" validate:"required"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeOfDay is a wall-clock time within the trading day, independent of
// calendar date, compared as seconds since midnight.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

// Before reports t < other, same-day comparison only.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.secondsSinceMidnight() < other.secondsSinceMidnight()
}

func (t TimeOfDay) secondsSinceMidnight() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// OnDay anchors the time-of-day onto the calendar date of ref, in ref's
// location, producing the concrete wall-clock instant the scheduler fires on.
func (t TimeOfDay) OnDay(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, t.Second, 0, ref.Location())
}

// RuntimeState is the mutable live state owned exclusively by the
// RuntimeStore; every field update within a transition must be observed
// as a single step by any concurrent reader.
type RuntimeState struct {
	Lifecycle         Lifecycle
	Position          Position
	LastAction        Action
	LastPrice         *float64
	LastBuyOrderID    string
	LastSellOrderID   string
	RetryCountCurrent int
	UpdatedAt         time.Time
}

// Clone returns a value copy safe to hand to a non-locking reader.
func (s RuntimeState) Clone() RuntimeState {
	if s.LastPrice != nil {
		p := *s.LastPrice
		s.LastPrice = &p
	}
	return s
}

// RuntimeView is the read-only snapshot returned by status polling.
type RuntimeView struct {
	StrategyID string
	Config     StrategyConfig
	State      RuntimeState
}

// EventRecord is the tagged union placed on the RuntimeStore FIFO. Engines
// branch on Kind exhaustively; this is a Go approximation of a closed sum
// type, kept flat rather than stringly-typed so callers cannot construct a
// partially-populated variant by accident.
type EventRecord struct {
	Kind          EventKind
	StrategyID    string
	Attempt       int
	EnqueuedAt    time.Time
	TriggerPrice  *float64
	OriginalKind  EventKind // set only on RETRY, carries the wrapped intent
	DedupKey      string
}

// OrderLogEntry is the append-only audit record for one order attempt.
type OrderLogEntry struct {
	ID                 string    `gorm:"primaryKey"`
	StrategyID         string    `gorm:"index"`
	UserID             string    `gorm:"index"`
	Kind               EventKind
	Price              float64
	Quantity           int64
	BrokerResponseBlob string
	CreatedAt          time.Time
}
