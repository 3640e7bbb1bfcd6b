package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ledgerpos/api/internal/services"

var tracer = otel.Tracer(instrumentationName)

type ledgerMetrics struct {
	recorded metric.Int64Counter
	rejected metric.Int64Counter
	refunds  metric.Int64Counter
}

func newLedgerMetrics(provider metric.MeterProvider) ledgerMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return ledgerMetrics{
		recorded: counter("pos.payments.recorded", "Payments written to the ledger"),
		rejected: counter("pos.payments.rejected", "Tenders refused before a payment was written"),
		refunds:  counter("pos.refund.lines", "Refund allocations by outcome"),
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
