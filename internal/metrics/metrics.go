// Registers:
//
//	#crowdwatch_frames_received_total
//	#crowdwatch_readings_accepted_total
//	#crowdwatch_frames_rejected_total{reason}
//	#crowdwatch_transport_errors_total
//	#crowdwatch_connection_state{state}
//	#crowdwatch_history_samples
//	#crowdwatch_latest_count / crowdwatch_latest_density / crowdwatch_alert_active
//	#go_* and process_* system metrics
//
// Handler exposes them for the dashboard's /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConnectionStates lists every label value of crowdwatch_connection_state.
var ConnectionStates = []string{"disconnected", "connecting", "open", "errored", "closed"}

var (
	registry = prometheus.NewRegistry()

	framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crowdwatch_frames_received_total",
		Help: "Inbound stream frames handed to the decoder",
	})
	readingsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crowdwatch_readings_accepted_total",
		Help: "Frames that decoded into a valid reading",
	})
	framesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crowdwatch_frames_rejected_total",
		Help: "Frames discarded by the decoder",
	}, []string{"reason"})
	transportErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crowdwatch_transport_errors_total",
		Help: "Transport level errors reported by the stream connection",
	})
	connectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crowdwatch_connection_state",
		Help: "1 for the current stream connection state, 0 otherwise",
	}, []string{"state"})
	historySamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crowdwatch_history_samples",
		Help: "Samples currently retained for the history chart",
	})
	latestCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crowdwatch_latest_count",
		Help: "Crowd count of the latest accepted reading",
	})
	latestDensity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crowdwatch_latest_density",
		Help: "Crowd density of the latest accepted reading",
	})
	alertActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crowdwatch_alert_active",
		Help: "1 while the latest reading carries an alert",
	})
)

func init() {
	registry.MustRegister(
		framesReceived,
		readingsAccepted,
		framesRejected,
		transportErrors,
		connectionState,
		historySamples,
		latestCount,
		latestDensity,
		alertActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the crowdwatch registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveFrame() {
	framesReceived.Inc()
}

// ObserveReading records an accepted reading and the read model it produced.
func ObserveReading(count int64, density float64, alert bool, historyLen int) {
	readingsAccepted.Inc()
	latestCount.Set(float64(count))
	latestDensity.Set(density)
	if alert {
		alertActive.Set(1)
	} else {
		alertActive.Set(0)
	}
	historySamples.Set(float64(historyLen))
}

func ObserveRejected(reason string) {
	framesRejected.WithLabelValues(reason).Inc()
}

func ObserveTransportError() {
	transportErrors.Inc()
}

// SetConnectionState marks state as the only active connection state.
func SetConnectionState(state string) {
	for _, s := range ConnectionStates {
		if s == state {
			connectionState.WithLabelValues(s).Set(1)
		} else {
			connectionState.WithLabelValues(s).Set(0)
		}
	}
}
