package metrics

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	EventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_events_processed_total",
		Help: "Events handled by a consumer, by event type and result",
	}, []string{"consumer", "event_type", "result"})
	Retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_handler_retries_total",
		Help: "Transient handler failures that were retried",
	}, []string{"group", "topic"})
	DLQMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_dlq_messages_total",
		Help: "Messages moved to quarantine",
	}, []string{"group", "topic"})
	StockRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_stock_rejections_total",
		Help: "Reservations rejected for insufficient stock",
	})
	PaidWithoutStock = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_paid_without_stock_total",
		Help: "Stock rejections that arrived after the payment had already completed",
	})
	PaymentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_payment_transitions_total",
		Help: "Payment status transitions applied by the orchestrator",
	}, []string{"to"})
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_publish_latency_seconds",
		Help:    "Latency of synchronous event publishes",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(EventsProcessed, Retries, DLQMessages, StockRejections, PaidWithoutStock, PaymentTransitions, PublishLatency)
}

func Handler() http.Handler { return promhttp.Handler() }

// Serve exposes /metrics on addr in the background, for binaries without
// their own HTTP router. A failed bind is logged.
func Serve(addr string, log zerolog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	return srv
}
