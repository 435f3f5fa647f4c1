package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	Cycles             Counter
	CyclesSkipped      Counter
	OracleFailures     Counter
	Evaluations        Counter
	EvaluationErrors   Counter
	Triggers           Counter
	DispatchSucceeded  Counter
	DispatchFailed     Counter
	StrategiesFailed   Counter
	AdmissionsAccepted Counter
	AdmissionsRejected Counter
	ReconcileResolved  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		Cycles:             n,
		CyclesSkipped:      n,
		OracleFailures:     n,
		Evaluations:        n,
		EvaluationErrors:   n,
		Triggers:           n,
		DispatchSucceeded:  n,
		DispatchFailed:     n,
		StrategiesFailed:   n,
		AdmissionsAccepted: n,
		AdmissionsRejected: n,
		ReconcileResolved:  n,
	}
}
