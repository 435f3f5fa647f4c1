package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "syphon_executor"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
	counters map[string]prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		counters: make(map[string]prometheus.Counter),
	}
	p.Metrics = &Metrics{
		Cycles:             p.counter("scheduler_cycles_total", "Total number of scheduler cycles run."),
		CyclesSkipped:      p.counter("scheduler_cycles_skipped_total", "Total number of cycles skipped for lack of a reference price."),
		OracleFailures:     p.counter("oracle_failures_total", "Total number of price fetches that returned no data."),
		Evaluations:        p.counter("evaluations_total", "Total number of confidential condition evaluations."),
		EvaluationErrors:   p.counter("evaluation_errors_total", "Total number of evaluations that failed."),
		Triggers:           p.counter("triggers_total", "Total number of strategies whose condition evaluated true."),
		DispatchSucceeded:  p.counter("dispatch_succeeded_total", "Total number of settlement transactions confirmed."),
		DispatchFailed:     p.counter("dispatch_failed_total", "Total number of failed or reverted dispatches."),
		StrategiesFailed:   p.counter("strategies_failed_total", "Total number of strategies moved to FAILED."),
		AdmissionsAccepted: p.counter("admissions_accepted_total", "Total number of submissions that passed the proof check."),
		AdmissionsRejected: p.counter("admissions_rejected_total", "Total number of submissions rejected by the proof check."),
		ReconcileResolved:  p.counter("reconcile_resolved_total", "Total number of submitted strategies resolved by reconciliation."),
	}
	p.registry.MustRegister(prometheus.NewGoCollector())
	return p
}

func (p *Prometheus) counter(name, help string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return promCounter{c}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
