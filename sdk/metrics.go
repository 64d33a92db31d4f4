package sdk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "birb_flags"

// PrometheusObserver exports SDK activity as Prometheus metrics. Register
// it through the Config:
//
//	config := sdk.DefaultConfig().
//	    WithObserver(sdk.NewPrometheusObserver(prometheus.DefaultRegisterer))
type PrometheusObserver struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejected        *prometheus.CounterVec
	circuitState    prometheus.Gauge
	evaluations     *prometheus.CounterVec
	flagUpdates     prometheus.Counter
	eventsTracked   *prometheus.CounterVec
	eventsFlushed   prometheus.Counter
	eventsFailed    prometheus.Counter
	eventsDropped   prometheus.Counter
	polls           *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	streamState     prometheus.Gauge
}

// NewPrometheusObserver creates an observer registering its metrics with
// reg. Use prometheus.DefaultRegisterer for the process-global registry;
// tests should pass their own prometheus.NewRegistry().
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)

	return &PrometheusObserver{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Outbound requests by method, path and outcome",
		}, []string{"method", "path", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Outbound request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "Requests rejected locally by the open circuit breaker",
		}, []string{"method", "path"}),
		circuitState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evaluations_total",
			Help:      "Local flag evaluations by result reason",
		}, []string{"reason"}),
		flagUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flag_updates_total",
			Help:      "Flag states written into the cache by producers",
		}),
		eventsTracked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_tracked_total",
			Help:      "Analytics events enqueued by type",
		}, []string{"type"}),
		eventsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_flushed_total",
			Help:      "Analytics events delivered successfully",
		}),
		eventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_flush_failures_total",
			Help:      "Analytics batch delivery failures",
		}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_dropped_total",
			Help:      "Analytics events dropped by queue overflow",
		}),
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "polls_total",
			Help:      "Scheduled polls by outcome",
		}, []string{"outcome"}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "poll_duration_seconds",
			Help:      "Scheduled poll latency",
			Buckets:   prometheus.DefBuckets,
		}),
		streamState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stream_state",
			Help:      "Streaming state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (p *PrometheusObserver) OnRequest(method, path string, duration time.Duration, err error) {
	p.requests.WithLabelValues(method, path, outcome(err)).Inc()
	p.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (p *PrometheusObserver) OnRequestRejected(method, path string) {
	p.rejected.WithLabelValues(method, path).Inc()
}

func (p *PrometheusObserver) OnCircuitStateChange(from, to CircuitState) {
	p.circuitState.Set(float64(to))
}

func (p *PrometheusObserver) OnEvaluate(key string, reason EvalReason) {
	p.evaluations.WithLabelValues(string(reason)).Inc()
}

func (p *PrometheusObserver) OnFlagUpdate(key string, version int64) {
	p.flagUpdates.Inc()
}

func (p *PrometheusObserver) OnEventTracked(eventType string) {
	p.eventsTracked.WithLabelValues(eventType).Inc()
}

func (p *PrometheusObserver) OnEventsFlushed(count int, err error) {
	if err != nil {
		p.eventsFailed.Inc()
		return
	}
	p.eventsFlushed.Add(float64(count))
}

func (p *PrometheusObserver) OnEventsDropped(count int) {
	p.eventsDropped.Add(float64(count))
}

func (p *PrometheusObserver) OnPoll(duration time.Duration, err error) {
	p.polls.WithLabelValues(outcome(err)).Inc()
	p.pollDuration.Observe(duration.Seconds())
}

func (p *PrometheusObserver) OnPollingPaused(consecutiveErrors int) {}

func (p *PrometheusObserver) OnStreamStateChange(from, to StreamState) {
	p.streamState.Set(float64(to))
}
