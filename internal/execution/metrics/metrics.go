// Package metrics collects prometheus metrics for the execution engine:
// queue depth, order outcomes, broker latency and circuit state, and
// scheduler timer activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExecutionMetrics is the set of prometheus collectors for the engine,
// broker registry, scheduler and market listener. cmd/tradsys registers
// and serves them, but none of those components holds an ExecutionMetrics
// or calls its Record*/Set* methods.
type ExecutionMetrics struct {
	queueDepth       prometheus.Gauge
	eventsEnqueued   *prometheus.CounterVec
	eventsDequeued   prometheus.Counter

	ordersPlaced     *prometheus.CounterVec
	orderFailures    *prometheus.CounterVec
	orderLatency     *prometheus.HistogramVec

	breakerState     *prometheus.GaugeVec
	rateLimited      *prometheus.CounterVec

	tickLatency      prometheus.Histogram
	stopLossBreaches prometheus.Counter

	timersArmed      prometheus.Gauge
	timersFired      *prometheus.CounterVec
}

// New constructs an ExecutionMetrics and registers every collector with
// registry.
func New(registry prometheus.Registerer) *ExecutionMetrics {
	m := &ExecutionMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execution_queue_depth",
			Help: "Number of events currently queued for a worker to process.",
		}),
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_events_enqueued_total",
			Help: "Total events enqueued, by kind.",
		}, []string{"kind"}),
		eventsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_events_dequeued_total",
			Help: "Total events dequeued by a worker.",
		}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_orders_placed_total",
			Help: "Total orders successfully placed, by broker.",
		}, []string{"broker"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_order_failures_total",
			Help: "Total order placement failures, by broker and whether the failure was transient.",
		}, []string{"broker", "transient"}),
		orderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "execution_order_latency_seconds",
			Help:    "Latency of broker order placement calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"broker"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "execution_breaker_state",
			Help: "Circuit breaker state per broker: 0=closed, 1=half-open, 2=open.",
		}, []string{"broker"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_rate_limited_total",
			Help: "Total calls rejected by the per-broker rate limiter.",
		}, []string{"broker"}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "execution_tick_processing_seconds",
			Help:    "Time to process one market tick, including the stop-loss check.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
		stopLossBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "execution_stop_loss_breaches_total",
			Help: "Total stop-loss breaches detected by the market listener.",
		}),
		timersArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execution_timers_armed",
			Help: "Number of wall-clock timers currently registered with the scheduler.",
		}),
		timersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_timers_fired_total",
			Help: "Total scheduler timer firings, by trigger kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.queueDepth,
		m.eventsEnqueued,
		m.eventsDequeued,
		m.ordersPlaced,
		m.orderFailures,
		m.orderLatency,
		m.breakerState,
		m.rateLimited,
		m.tickLatency,
		m.stopLossBreaches,
		m.timersArmed,
		m.timersFired,
	)

	return m
}

func (m *ExecutionMetrics) SetQueueDepth(depth int) { m.queueDepth.Set(float64(depth)) }

func (m *ExecutionMetrics) RecordEventEnqueued(kind string) { m.eventsEnqueued.WithLabelValues(kind).Inc() }

func (m *ExecutionMetrics) RecordEventDequeued() { m.eventsDequeued.Inc() }

func (m *ExecutionMetrics) RecordOrderPlaced(broker string, latency time.Duration) {
	m.ordersPlaced.WithLabelValues(broker).Inc()
	m.orderLatency.WithLabelValues(broker).Observe(latency.Seconds())
}

func (m *ExecutionMetrics) RecordOrderFailure(broker string, transient bool) {
	label := "false"
	if transient {
		label = "true"
	}
	m.orderFailures.WithLabelValues(broker, label).Inc()
}

func (m *ExecutionMetrics) SetBreakerState(broker string, state float64) {
	m.breakerState.WithLabelValues(broker).Set(state)
}

func (m *ExecutionMetrics) RecordRateLimited(broker string) { m.rateLimited.WithLabelValues(broker).Inc() }

func (m *ExecutionMetrics) RecordTickProcessed(latency time.Duration) { m.tickLatency.Observe(latency.Seconds()) }

func (m *ExecutionMetrics) RecordStopLossBreach() { m.stopLossBreaches.Inc() }

func (m *ExecutionMetrics) SetTimersArmed(count int) { m.timersArmed.Set(float64(count)) }

func (m *ExecutionMetrics) RecordTimerFired(kind string) { m.timersFired.WithLabelValues(kind).Inc() }
