// Package metrics provides Prometheus metrics for the pool engine and the API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outcome-exchange/internal/apperr"
	"outcome-exchange/internal/fixed"
	"outcome-exchange/internal/model"
)

// PoolMetrics collects engine and HTTP metrics on its own registry.
type PoolMetrics struct {
	registry *prometheus.Registry

	OpsTotal    *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec
	Pools       *prometheus.GaugeVec
	Finalized   *prometheus.CounterVec
	HTTPTotal   *prometheus.CounterVec
	WSDropped   prometheus.Counter
}

func New() *PoolMetrics {
	pm := &PoolMetrics{
		registry: prometheus.NewRegistry(),

		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amm_engine_ops_total",
				Help: "Engine operations by result code",
			},
			[]string{"op", "code"},
		),
		OpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "amm_engine_op_duration_seconds",
				Help:    "Engine operation latency including the store commit",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"op"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amm_trades_total",
				Help: "Executed buys and sells",
			},
			[]string{"side"},
		),
		TradeVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amm_trade_volume_usdt",
				Help: "Collateral in on buys and out on sells",
			},
			[]string{"side"},
		),
		Pools: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "amm_pools",
				Help: "Pools by status",
			},
			[]string{"status"},
		),
		Finalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amm_proposals_finalized_total",
				Help: "Proposals finalized by the deadline sweeper",
			},
			[]string{"result"},
		),
		HTTPTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "amm_http_requests_total",
				Help: "HTTP requests by method and status",
			},
			[]string{"method", "status"},
		),
		WSDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "amm_ws_dropped_messages_total",
				Help: "Websocket messages dropped for slow subscribers",
			},
		),
	}
	pm.registry.MustRegister(
		pm.OpsTotal, pm.OpDuration, pm.TradesTotal, pm.TradeVolume,
		pm.Pools, pm.Finalized, pm.HTTPTotal, pm.WSDropped,
	)
	return pm
}

// Handler serves the registry in the Prometheus text format.
func (pm *PoolMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func (pm *PoolMetrics) ObserveOp(op string, err error, d time.Duration) {
	code := "OK"
	if err != nil {
		code = apperr.CodeOf(err)
	}
	pm.OpsTotal.WithLabelValues(op, code).Inc()
	pm.OpDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (pm *PoolMetrics) ObserveTrade(side string, amount fixed.Amount) {
	pm.TradesTotal.WithLabelValues(side).Inc()
	pm.TradeVolume.WithLabelValues(side).Add(amount.Decimal().InexactFloat64())
}

func (pm *PoolMetrics) SetPools(status model.PoolStatus, n int) {
	pm.Pools.WithLabelValues(string(status)).Set(float64(n))
}

func (pm *PoolMetrics) RecordFinalized(result string, n int) {
	pm.Finalized.WithLabelValues(result).Add(float64(n))
}

func (pm *PoolMetrics) RecordHTTP(method string, status int) {
	pm.HTTPTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordWSDrop counts one websocket message dropped for a slow client.
func (pm *PoolMetrics) RecordWSDrop() { pm.WSDropped.Inc() }
