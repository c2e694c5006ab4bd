package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	OffersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_created_total", Help: "Offers written to the ledger"},
		[]string{"mode"},
	)
	OfferResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_resolutions_total", Help: "Offer accept/reject outcomes"},
		[]string{"outcome"},
	)
	ResolveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_latency_seconds",
		Help:      "Time spent resolving an offer",
		Buckets:   prometheus.DefBuckets,
	})
	Cascades     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cascades_total", Help: "Re-dispatches triggered by a rejection"})
	Unassignable = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "unassignable_total", Help: "Sub-orders that ran out of candidates or attempts"})
	OffersExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_expired_total", Help: "Offers marked EXPIRED"})

	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Notifications a sink failed to deliver"},
		[]string{"event"},
	)
	RidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "riders_online", Help: "Riders toggled online through this process"})

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Inbound events by topic and result"},
		[]string{"topic", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
