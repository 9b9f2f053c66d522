package crmsync

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sells-group/ident-sync/internal/model"
)

// Metrics counts sync activity. A nil *Metrics records nothing.
type Metrics struct {
	records  metric.Int64Counter
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics registers the sync instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	records, err := meter.Int64Counter(
		"ident_sync_records_total",
		metric.WithDescription("Records processed by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		"ident_sync_runs_total",
		metric.WithDescription("Sync runs by mode and final status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"ident_sync_run_duration_seconds",
		metric.WithDescription("Wall time of sync runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{records: records, runs: runs, duration: duration}, nil
}

func (m *Metrics) record(ctx context.Context, entity string, o model.Outcome) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("entity", entity),
		attribute.String("outcome", string(o.Kind)),
	}
	if o.Funnel != 0 {
		attrs = append(attrs, attribute.String("funnel", o.Funnel.String()))
	}
	if o.ErrKind != "" {
		attrs = append(attrs, attribute.String("error_kind", string(o.ErrKind)))
	}
	m.records.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) run(ctx context.Context, s *model.RunSummary) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", string(s.Mode)),
		attribute.String("status", string(s.Status)),
	)
	m.runs.Add(ctx, 1, attrs)
	if s.FinishedAt != nil {
		m.duration.Record(ctx, s.FinishedAt.Sub(s.StartedAt).Seconds(), attrs)
	}
}
