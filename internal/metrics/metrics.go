// Package metrics provides Prometheus instrumentation for the financial
// core: wallet mutations, the deposit/withdrawal pipeline, and settlement.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntriesTotal counts ledger appends by kind.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chally_ledger_entries_total",
		Help: "Total ledger entries appended, by kind",
	}, []string{"kind"})

	// WalletOperationLatency tracks Credit/Debit latency including lock
	// wait time.
	WalletOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chally_wallet_operation_latency_seconds",
		Help:    "Wallet Credit/Debit latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// WalletBusyTotal counts operations that failed with WalletBusy
	// (lock-wait timeout).
	WalletBusyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chally_wallet_busy_total",
		Help: "Operations rejected after a wallet lock-wait timeout",
	}, []string{"operation"})

	// DepositsTotal counts confirmed deposits.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chally_deposits_total",
		Help: "Total confirmed deposits credited to wallets",
	})

	// WithdrawalsTotal counts withdrawal attempts by outcome.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chally_withdrawals_total",
		Help: "Total withdrawal attempts, partitioned by outcome",
	}, []string{"outcome"}) // full, partial, failed

	// SettlementsTotal counts settlements by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chally_settlements_total",
		Help: "Total challenge settlements, partitioned by outcome",
	}, []string{"outcome"}) // paid_out, forfeited, failed

	// PlatformRevenueTokens tracks cumulative forfeited-stake revenue.
	PlatformRevenueTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chally_platform_revenue_tokens_total",
		Help: "Cumulative tokens forfeited to the platform identity",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chally_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chally_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chally_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
