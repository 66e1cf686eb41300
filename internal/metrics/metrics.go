// Package metrics provides Prometheus instrumentation for the ledger service.
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
	// TradesTotal counts trades placed, partitioned by prediction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsbets_trades_total",
		Help: "Total number of trades placed",
	}, []string{"prediction"})

	// TradeRejections counts trades refused by a precondition.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsbets_trade_rejections_total",
		Help: "Trades rejected before being applied",
	}, []string{"reason"})

	// TradeLatency tracks end-to-end PlaceTrade latency, including retries.
	TradeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "friendsbets_trade_latency_seconds",
		Help:    "Trade placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StakedVolume is the cumulative amount staked, by prediction.
	StakedVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsbets_staked_volume_total",
		Help: "Cumulative amount staked on events",
	}, []string{"prediction"})

	// ResolutionsTotal counts resolved events, by outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsbets_resolutions_total",
		Help: "Total number of events resolved",
	}, []string{"outcome"})

	// PayoutVolume is the cumulative amount credited to winners.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendsbets_payout_volume_total",
		Help: "Cumulative amount credited at settlement",
	})

	// OrphanPositions counts winning positions skipped at settlement because
	// their holder no longer exists.
	OrphanPositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendsbets_orphan_positions_total",
		Help: "Winning positions skipped at settlement because the user was missing",
	})

	// UsersCreated counts registrations.
	UsersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendsbets_users_created_total",
		Help: "Total number of users registered",
	})

	// EventsCreated counts created events.
	EventsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendsbets_events_created_total",
		Help: "Total number of events created",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "friendsbets_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendsbets_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "friendsbets_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the matched chi route so IDs do not blow up label
// cardinality. Unmatched requests share one label.
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
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
