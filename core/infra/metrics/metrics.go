package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the pipeline orchestrator.
type Metrics interface {
	IncRunsStarted(mode string)
	IncStepsCompleted(mode, status string)
	IncRunsFinalized(mode string)
	IncQuotaDenied()
	IncNotifications(kind string)
	IncDroppedCompletions()
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncRunsStarted(string)           {}
func (Noop) IncStepsCompleted(string, string) {}
func (Noop) IncRunsFinalized(string)         {}
func (Noop) IncQuotaDenied()                 {}
func (Noop) IncNotifications(string)         {}
func (Noop) IncDroppedCompletions()          {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	runsStarted        *prometheus.CounterVec
	stepsCompleted     *prometheus.CounterVec
	runsFinalized      *prometheus.CounterVec
	quotaDenied        prometheus.Counter
	notifications      *prometheus.CounterVec
	droppedCompletions prometheus.Counter
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Pipeline runs started by mode",
		}, []string{"mode"}),
		stepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_completed_total",
			Help:      "Worker step completions by mode and status",
		}, []string{"mode", "status"}),
		runsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finalized_total",
			Help:      "Image chains finalized by mode",
		}, []string{"mode"}),
		quotaDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denied_total",
			Help:      "Full-project runs rejected by the quota guard",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_notifications_total",
			Help:      "Client notifications published by kind",
		}, []string{"kind"}),
		droppedCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_completions_total",
			Help:      "Completion messages without a matching run",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.runsStarted,
			p.stepsCompleted,
			p.runsFinalized,
			p.quotaDenied,
			p.notifications,
			p.droppedCompletions,
		)
	})
}

func (p *Prom) IncRunsStarted(mode string) {
	p.runsStarted.WithLabelValues(mode).Inc()
}

func (p *Prom) IncStepsCompleted(mode, status string) {
	p.stepsCompleted.WithLabelValues(mode, status).Inc()
}

func (p *Prom) IncRunsFinalized(mode string) {
	p.runsFinalized.WithLabelValues(mode).Inc()
}

func (p *Prom) IncQuotaDenied() {
	p.quotaDenied.Inc()
}

func (p *Prom) IncNotifications(kind string) {
	p.notifications.WithLabelValues(kind).Inc()
}

func (p *Prom) IncDroppedCompletions() {
	p.droppedCompletions.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
