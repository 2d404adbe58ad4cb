// Package metrics exposes Prometheus collectors for purchases, refunds,
// swap jobs and the HTTP boundary.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	settlement "github.com/utilpay/settlement"
	"github.com/utilpay/settlement/swap"
)

const namespace = "utilpay"

// Metrics holds the service collectors
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight *prometheus.GaugeVec

	PurchasesTotal   *prometheus.CounterVec
	PurchaseDuration *prometheus.HistogramVec
	StateTransitions *prometheus.CounterVec
	RefundsTotal     *prometheus.CounterVec
	SwapJobsTotal    *prometheus.CounterVec
	SwapJobDuration  prometheus.Histogram
}

// NewMetrics registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer, subsystem string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RequestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"route"},
		),
		PurchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "purchases_total",
				Help:      "Purchases by good type and final state",
			},
			[]string{"good_type", "state"},
		),
		PurchaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "purchase_duration_seconds",
				Help:      "End to end purchase duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"good_type"},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "state_transitions_total",
				Help:      "Purchase state machine transitions",
			},
			[]string{"from", "to"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_total",
				Help:      "Refund attempts by outcome",
			},
			[]string{"outcome"},
		),
		SwapJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "swap_jobs_total",
				Help:      "Processed swap jobs by terminal status",
			},
			[]string{"status"},
		),
		SwapJobDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "swap_job_duration_seconds",
				Help:      "Swap job processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

// Middleware records request count, duration and in-flight requests per route
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		m.RequestsInFlight.WithLabelValues(route).Inc()
		defer m.RequestsInFlight.WithLabelValues(route).Dec()

		start := time.Now()
		c.Next()

		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.RequestCounter.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Instrument registers hooks on the orchestrators and the swap queue.
// Any argument may be nil.
func (m *Metrics) Instrument(o *settlement.Orchestrator, r *settlement.RefundOrchestrator, q *swap.Queue) {
	if o != nil {
		o.OnStateChange(func(ctx settlement.StateChangeContext) {
			m.StateTransitions.WithLabelValues(string(ctx.From), string(ctx.To)).Inc()
		})
		o.OnAfterPurchase(func(ctx settlement.PurchaseResultContext) error {
			m.PurchasesTotal.WithLabelValues(string(ctx.Request.GoodType), string(ctx.Result.State)).Inc()
			m.PurchaseDuration.WithLabelValues(string(ctx.Request.GoodType)).Observe(ctx.Duration.Seconds())
			return nil
		})
		o.OnPurchaseFailure(func(ctx settlement.PurchaseFailureContext) {
			m.PurchasesTotal.WithLabelValues(string(ctx.Request.GoodType), "rejected").Inc()
		})
	}
	if r != nil {
		r.OnAfterRefund(func(ctx settlement.RefundResultContext) {
			outcome := "refunded"
			switch {
			case settlement.IsClientError(ctx.Error):
				outcome = "precondition_failed"
			case ctx.Error != nil || ctx.Result == nil || !ctx.Result.Status:
				outcome = "failed"
			}
			m.RefundsTotal.WithLabelValues(outcome).Inc()
		})
	}
	if q != nil {
		q.OnJobFinished(func(ctx swap.JobResultContext) {
			m.SwapJobsTotal.WithLabelValues(string(ctx.Status)).Inc()
			m.SwapJobDuration.Observe(ctx.Duration.Seconds())
		})
	}
}
