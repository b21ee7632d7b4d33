package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CallsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_calls_started_total",
			Help: "Calls requested by operators, by result.",
		},
		[]string{"result"},
	)

	CallbacksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_callbacks_total",
			Help: "Provider callbacks processed, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_transitions_total",
			Help: "Applied call state transitions.",
		},
		[]string{"from", "to"},
	)

	CallsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_calls_finished_total",
			Help: "Calls that reached a terminal state.",
		},
		[]string{"state"},
	)

	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callbridge_provider_request_duration_seconds",
			Help:    "Latency of telephony provider requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	// ActiveCalls mirrors the shared active-call counter as last seen by this instance.
	ActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "callbridge_active_calls",
			Help: "Calls holding a concurrency slot.",
		},
	)

	CampaignReports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_campaign_reports_total",
			Help: "Campaign outcome reports, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(CallsStarted)
	prometheus.MustRegister(CallbacksReceived)
	prometheus.MustRegister(Transitions)
	prometheus.MustRegister(CallsFinished)
	prometheus.MustRegister(ProviderLatency)
	prometheus.MustRegister(CampaignReports)
	prometheus.MustRegister(ActiveCalls)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
