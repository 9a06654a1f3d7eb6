package metrics

import "github.com/asakaida/habilis/internal/entities"

// ReconcileRecorder forwards reconcile outcomes to the collector and,
// when present, the Prometheus exporter.
type ReconcileRecorder struct {
	collector *Collector
	exporter  *PrometheusExporter
}

// NewReconcileRecorder creates a ReconcileRecorder; exporter may be nil
func NewReconcileRecorder(collector *Collector, exporter *PrometheusExporter) *ReconcileRecorder {
	return &ReconcileRecorder{collector: collector, exporter: exporter}
}

// RecordReconcile records one reconcile call
func (r *ReconcileRecorder) RecordReconcile(kind entities.AssociationKind, result *entities.ReconcileResult, err error) {
	r.collector.RecordReconcile(kind, result, err)
	if r.exporter != nil {
		r.exporter.RecordReconcile(kind, result, err)
	}
}
