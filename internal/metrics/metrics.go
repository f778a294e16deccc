// Package metrics provides Prometheus instrumentation for karbit.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesDispatched counts batches enqueued by the dispatcher.
	BatchesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karbit_batches_dispatched_total",
		Help: "Batches enqueued by the dispatcher",
	})

	// TicksDropped counts dispatcher ticks skipped because submission was
	// still busy with earlier ticks.
	TicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karbit_ticks_dropped_total",
		Help: "Dispatcher ticks dropped because submission was saturated",
	})

	// BusMessagesDropped counts pub/sub payloads discarded because a local
	// subscriber fell behind.
	BusMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karbit_bus_messages_dropped_total",
		Help: "Signal bus payloads dropped for slow subscribers, by channel",
	}, []string{"channel"})

	// BatchesProcessed counts worker batch outcomes: ok, expired, failed.
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karbit_batches_processed_total",
		Help: "Batches handled by workers, by result",
	}, []string{"result"})

	// BatchDuration is the wall time of one batch.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "karbit_batch_duration_seconds",
		Help:    "Worker batch processing time in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// BatchRetries counts transient-fault retries of whole batches.
	BatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karbit_batch_retries_total",
		Help: "Batch retries after transient infrastructure faults",
	})

	// OrderBookFetches counts book fetches by venue and result.
	OrderBookFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karbit_orderbook_fetches_total",
		Help: "Order book fetches by venue and result",
	}, []string{"venue", "result"})

	// SnapshotsPublished counts snapshots published on the rate channel.
	SnapshotsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karbit_snapshots_published_total",
		Help: "Arbitrage snapshots published",
	})

	// TradeOutcomes counts trading decisions by action and reason.
	TradeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karbit_trade_outcomes_total",
		Help: "Trading state machine outcomes",
	}, []string{"action", "reason"})

	// Unhedged counts partial executions that left one leg open.
	Unhedged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karbit_unhedged_total",
		Help: "Entries that filled the home leg but not the hedge",
	})

	UnconfirmedFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karbit_unconfirmed_fills_total",
		Help: "Ledger rows written after both legs executed but a fill could not be read back",
	})

	// TriplesTradable is the size of the current tradable triple set.
	TriplesTradable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karbit_triples_tradable",
		Help: "Tradable (home, foreign, asset) triples",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karbit_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karbit_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "karbit_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
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

// Hijack implements http.Hijacker so WebSocket upgrades pass through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}
