// Package metrics provides Prometheus instrumentation for the unstake engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UnstakesTotal counts accepted positions per pool.
	UnstakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_unstakes_total",
		Help: "Total number of positions accepted by a pool",
	}, []string{"pool_id"})

	// UnstakeLatency tracks end-to-end unstake latency.
	UnstakeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unstake_unstake_latency_seconds",
		Help:    "Unstake execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool_id"})

	// LamportsUnstaked accumulates position value accepted per pool.
	LamportsUnstaked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_lamports_unstaked_total",
		Help: "Cumulative lamports of positions accepted",
	}, []string{"pool_id"})

	// FeesCollected accumulates fee lamports by recipient (provider, protocol, referrer).
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_fees_collected_total",
		Help: "Cumulative fee lamports by recipient",
	}, []string{"pool_id", "recipient"})

	// ReclaimsTotal counts matured positions returned to reserves.
	ReclaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_reclaims_total",
		Help: "Total number of positions reclaimed",
	}, []string{"pool_id"})

	// DeactivationsTotal counts deactivation requests forwarded to the ledger.
	DeactivationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_deactivations_total",
		Help: "Total number of deactivation requests",
	}, []string{"pool_id"})

	// LiquidityOps counts add/remove liquidity operations.
	LiquidityOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_liquidity_operations_total",
		Help: "Liquidity operations by kind",
	}, []string{"pool_id", "kind"})

	// Rejections counts operations refused, by reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_rejections_total",
		Help: "Operations rejected, by operation and reason",
	}, []string{"op", "reason"})

	// PoolReserves tracks each pool's liquid reserves after the last commit.
	PoolReserves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "unstake_pool_reserves_lamports",
		Help: "Liquid reserves per pool",
	}, []string{"pool_id"})

	// PoolIncomingStake tracks value locked in unreclaimed positions.
	PoolIncomingStake = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "unstake_pool_incoming_stake_lamports",
		Help: "Lamports of accepted positions not yet reclaimed",
	}, []string{"pool_id"})

	// CrankPasses counts keeper passes by outcome.
	CrankPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_crank_passes_total",
		Help: "Keeper passes by outcome",
	}, []string{"outcome"})

	// EventsPublished counts analytics events by publish outcome.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_events_published_total",
		Help: "Analytics events by publish outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "unstake_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unstake_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unstake_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePool records a pool's balances after a commit.
func ObservePool(poolID string, reserves, incoming uint64) {
	PoolReserves.WithLabelValues(poolID).Set(float64(reserves))
	PoolIncomingStake.WithLabelValues(poolID).Set(float64(incoming))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern labels by chi route pattern, not raw path, to bound cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
