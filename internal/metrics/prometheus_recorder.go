package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

const namespace = "docpipe"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	runDuration      prom.Histogram
	runOutcome       *prom.CounterVec
	gateDecisions    *prom.CounterVec
	stageDuration    *prom.HistogramVec
	stageResults     *prom.CounterVec
	instanceDuration *prom.HistogramVec
	instanceResults  *prom.CounterVec
	stepResults      *prom.CounterVec
	stepRetries      *prom.CounterVec
	deployResults    *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.runDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Total pipeline run duration",
			Buckets:   prom.ExponentialBuckets(1, 2, 14),
		})
		pr.runOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Pipeline runs by final status",
		}, []string{"outcome"})
		pr.gateDecisions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Commit gate decisions",
		}, []string{"proceed"})
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results by status",
		}, []string{"stage", "status"})
		pr.instanceDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_duration_seconds",
			Help:      "Duration of job instances",
			Buckets:   prom.DefBuckets,
		}, []string{"stage", "job"})
		pr.instanceResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "instance_results_total",
			Help:      "Job instance results by status",
		}, []string{"stage", "job", "status"})
		pr.stepResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "step_results_total",
			Help:      "Step results by status",
		}, []string{"stage", "status"})
		pr.stepRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Step retries after task failure",
		}, []string{"stage"})
		pr.deployResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "deploy_results_total",
			Help:      "Deploy results by target and status",
		}, []string{"target", "status"})
		reg.MustRegister(pr.runDuration, pr.runOutcome, pr.gateDecisions, pr.stageDuration, pr.stageResults,
			pr.instanceDuration, pr.instanceResults, pr.stepResults, pr.stepRetries, pr.deployResults)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	if p == nil || p.runDuration == nil {
		return
	}
	p.runDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncRunOutcome(outcome string) {
	if p == nil || p.runOutcome == nil {
		return
	}
	p.runOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncGateDecision(proceed bool) {
	if p == nil || p.gateDecisions == nil {
		return
	}
	label := "false"
	if proceed {
		label = "true"
	}
	p.gateDecisions.WithLabelValues(label).Inc()
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage, status string) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, status).Inc()
}

func (p *PrometheusRecorder) ObserveInstanceDuration(stage, job string, d time.Duration) {
	if p == nil || p.instanceDuration == nil {
		return
	}
	p.instanceDuration.WithLabelValues(stage, job).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncInstanceResult(stage, job, status string) {
	if p == nil || p.instanceResults == nil {
		return
	}
	p.instanceResults.WithLabelValues(stage, job, status).Inc()
}

func (p *PrometheusRecorder) IncStepResult(stage, status string) {
	if p == nil || p.stepResults == nil {
		return
	}
	p.stepResults.WithLabelValues(stage, status).Inc()
}

func (p *PrometheusRecorder) IncStepRetry(stage string) {
	if p == nil || p.stepRetries == nil {
		return
	}
	p.stepRetries.WithLabelValues(stage).Inc()
}

func (p *PrometheusRecorder) IncDeployResult(target, status string) {
	if p == nil || p.deployResults == nil {
		return
	}
	p.deployResults.WithLabelValues(target, status).Inc()
}
