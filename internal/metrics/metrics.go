package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bgt"

// Recorder receives pipeline and watcher events.
type Recorder interface {
	IncTransition(from, to string)
	ObserveStageDuration(stage string, d time.Duration)
	IncRetry(stage string)
	IncRetryExhausted(stage string)
	IncPoll(result string)
	SetActiveRuns(n int)
}

type Noop struct{}

func (Noop) IncTransition(from, to string)                      {}
func (Noop) ObserveStageDuration(stage string, d time.Duration) {}
func (Noop) IncRetry(stage string)                              {}
func (Noop) IncRetryExhausted(stage string)                     {}
func (Noop) IncPoll(result string)                              {}
func (Noop) SetActiveRuns(n int)                                {}

type Prometheus struct {
	transitions      *prom.CounterVec
	stageDuration    *prom.HistogramVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	polls            *prom.CounterVec
	activeRuns       prom.Gauge
}

func NewPrometheus(reg *prom.Registry) *Prometheus {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	p := &Prometheus{
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Pipeline stage transitions",
		}, []string{"from", "to"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent executing a pipeline stage",
			Buckets:   prom.ExponentialBuckets(1, 4, 10),
		}, []string{"stage"}),
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage retries after a failed attempt",
		}, []string{"stage"}),
		retriesExhausted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_exhausted_total",
			Help:      "Stages that failed after using every attempt",
		}, []string{"stage"}),
		polls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "watch_polls_total",
			Help:      "Tag source polls by result",
		}, []string{"result"}),
		activeRuns: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Pipeline runs currently in progress",
		}),
	}
	reg.MustRegister(p.transitions, p.stageDuration, p.retries, p.retriesExhausted, p.polls, p.activeRuns)
	return p
}

func (p *Prometheus) IncTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *Prometheus) IncRetry(stage string) {
	p.retries.WithLabelValues(stage).Inc()
}

func (p *Prometheus) IncRetryExhausted(stage string) {
	p.retriesExhausted.WithLabelValues(stage).Inc()
}

func (p *Prometheus) IncPoll(result string) {
	p.polls.WithLabelValues(result).Inc()
}

func (p *Prometheus) SetActiveRuns(n int) {
	p.activeRuns.Set(float64(n))
}

func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
