package authenticate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "authgate"

// Metrics is a prometheus.Collector for verdicts and key fetches. A nil
// *Metrics records nothing.
type Metrics struct {
	verdicts    *prometheus.CounterVec
	errors      prometheus.Counter
	duration    *prometheus.HistogramVec
	jwksFetches *prometheus.CounterVec
}

// NewMetrics creates the collector. If reg is non-nil the collector is
// registered with it.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "verdicts_total",
				Help:      "Authentication verdicts by status and reason.",
			}, []string{"status", "reason"},
		),
		errors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "configuration_errors_total",
				Help:      "Requests refused because of a configuration-level failure.",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "authenticate_duration_seconds",
				Help:      "Time taken to classify a request.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"status"},
		),
		jwksFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jwks_fetch_attempts_total",
				Help:      "Remote key set fetch attempts by outcome.",
			}, []string{"outcome"},
		),
	}
	if reg != nil {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.verdicts.Describe(ch)
	m.errors.Describe(ch)
	m.duration.Describe(ch)
	m.jwksFetches.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.verdicts.Collect(ch)
	m.errors.Collect(ch)
	m.duration.Collect(ch)
	m.jwksFetches.Collect(ch)
}

// ObserveFetch implements jwks.FetchObserver.
func (m *Metrics) ObserveFetch(outcome string) {
	if m == nil {
		return
	}
	m.jwksFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeVerdict(state *RequestState, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if err != nil || state == nil {
		m.errors.Inc()
		m.duration.WithLabelValues("error").Observe(elapsed.Seconds())
		return
	}
	m.verdicts.WithLabelValues(string(state.Status), string(state.Reason)).Inc()
	m.duration.WithLabelValues(string(state.Status)).Observe(elapsed.Seconds())
}
