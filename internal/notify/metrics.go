package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	notifyDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobohold",
		Subsystem: "notify",
		Name:      "dispatch_total",
		Help:      "Total webhook dispatch attempts by event type.",
	}, []string{"event_type"})

	notifyDispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kobohold",
		Subsystem: "notify",
		Name:      "dispatch_errors_total",
		Help:      "Total webhook dispatch failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyDispatchTotal, notifyDispatchErrors)
}
