// Package metrics counts run outcomes and stage durations and exports them
// in the node_exporter textfile format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// Recorder holds the run metrics of one process.
type Recorder struct {
	registry *prometheus.Registry

	deployRuns     *prometheus.CounterVec
	deployDuration prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
	rollbacks      *prometheus.CounterVec
	publishRuns    *prometheus.CounterVec
	lastRun        *prometheus.GaugeVec
}

// NewRecorder creates a Recorder on its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.deployRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipit",
		Subsystem: "deploy",
		Name:      "runs_total",
		Help:      "Finished deploy runs by outcome and failure reason",
	}, []string{"target", "outcome", "reason"})

	r.deployDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shipit",
		Subsystem: "deploy",
		Name:      "run_duration_seconds",
		Help:      "Wall time of finished deploy runs",
		Buckets:   histogramBuckets,
	})

	r.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shipit",
		Subsystem: "deploy",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each deploy stage",
		Buckets:   histogramBuckets,
	}, []string{"stage"})

	r.rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipit",
		Subsystem: "deploy",
		Name:      "rollbacks_total",
		Help:      "Rollback commands issued, by whether they exited zero",
	}, []string{"result"})

	r.publishRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipit",
		Subsystem: "publish",
		Name:      "runs_total",
		Help:      "Finished publish runs by outcome and failed step",
	}, []string{"outcome", "step"})

	r.lastRun = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "shipit",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last finished run",
	}, []string{"kind", "outcome"})

	r.registry.MustRegister(r.deployRuns, r.deployDuration, r.stageDuration, r.rollbacks, r.publishRuns, r.lastRun)
	return r
}

// OnTransition observes a deploy controller. It records the time spent in
// the state being left and, on a terminal state, the run outcome.
func (r *Recorder) OnTransition(_ context.Context, report *domain.DeployReport, t domain.Transition) error {
	if t.From != domain.StateIdle {
		if entered, ok := enteredAt(report, t.From); ok {
			r.stageDuration.WithLabelValues(string(t.From)).Observe(t.At.Sub(entered).Seconds())
		}
	}
	if !t.To.Terminal() {
		return nil
	}

	r.deployRuns.WithLabelValues(report.Target.Address(), string(report.Outcome), string(report.Reason)).Inc()
	r.deployDuration.Observe(report.Duration().Seconds())
	if report.RollbackAttempted {
		result := "failed"
		if report.RollbackSucceeded {
			result = "succeeded"
		}
		r.rollbacks.WithLabelValues(result).Inc()
	}
	r.lastRun.WithLabelValues("deploy", string(report.Outcome)).Set(float64(t.At.Unix()))
	return nil
}

// enteredAt finds when the run last entered state.
func enteredAt(report *domain.DeployReport, state domain.RunState) (time.Time, bool) {
	for i := len(report.Transitions) - 1; i >= 0; i-- {
		if report.Transitions[i].To == state {
			return report.Transitions[i].At, true
		}
	}
	return time.Time{}, false
}

// ObservePublish records a finished publish.
func (r *Recorder) ObservePublish(err error, finishedAt time.Time) {
	outcome, step := string(domain.OutcomeSuccess), ""
	if err != nil {
		outcome = string(domain.OutcomeFatal)
		var pubErr *domain.PublishError
		if errors.As(err, &pubErr) {
			step = string(pubErr.Step)
		}
	}
	r.publishRuns.WithLabelValues(outcome, step).Inc()
	r.lastRun.WithLabelValues("publish", outcome).Set(float64(finishedAt.Unix()))
}

// WriteTextfile writes every metric to path atomically. An empty path is a
// no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
