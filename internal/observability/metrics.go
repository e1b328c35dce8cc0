package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesStarted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "searches_started_total", Help: "Search loops started"})
	SearchesExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "searches_expired_total", Help: "Requests expired with no match"})
	SearchesActive  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "searches_active", Help: "Search loops currently running"})

	OffersIssued = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_issued_total", Help: "Offers issued to providers"})
	OffersByEnd  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_resolved_total", Help: "Offers resolved, by terminal state"},
		[]string{"state"},
	)
	AcceptRacesLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "accept_races_lost_total", Help: "Accept attempts that lost the resolution race"})

	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "matches_total", Help: "Matches formed"})
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "dispatch", Name: "match_latency_seconds", Help: "Time from request creation to match", Buckets: prometheus.ExponentialBuckets(1, 2, 12)})

	ProvidersOnline     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "providers_online", Help: "Providers currently available"})
	StaleProvidersSwept = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "stale_providers_swept_total", Help: "Providers marked offline by the staleness sweeper"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
