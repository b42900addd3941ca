package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "field_dispatch"

var (
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Job offers by final status"},
		[]string{"status"},
	)
	OfferDecisionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offer_decision_seconds",
			Help:      "Time from offer issue to resolution",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90},
		},
		[]string{"status"},
	)
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Negotiation outcomes per request"},
		[]string{"outcome"},
	)
	NegotiationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "negotiations_in_flight", Help: "Requests currently negotiating offers"})
	TechniciansOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "technicians_online", Help: "Number of online technicians"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Tracking location updates by result"},
		[]string{"result"},
	)
	TrackingEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_events_dropped_total", Help: "Tracking events dropped on slow subscribers"})
	PayoutCents           = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "payout_cents",
		Help:      "Computed technician payout per completed job",
		Buckets:   prometheus.ExponentialBuckets(500, 2, 10),
	})
	PayoutPostErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payout_post_errors_total", Help: "Payout postings rejected by the ledger"})

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
