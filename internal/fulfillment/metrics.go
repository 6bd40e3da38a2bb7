package fulfillment

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// sagaMetrics counts committed saga outcomes.
type sagaMetrics struct {
	created   metric.Int64Counter
	accepted  metric.Int64Counter
	cancelled metric.Int64Counter
	delivered metric.Int64Counter
}

func newSagaMetrics() *sagaMetrics {
	meter := otel.Meter("fulfillment")

	created, _ := meter.Int64Counter("orders_created_total",
		metric.WithDescription("Orders written in pending state"))
	accepted, _ := meter.Int64Counter("orders_accepted_total",
		metric.WithDescription("Orders confirmed with stock and an agent reserved"))
	cancelled, _ := meter.Int64Counter("orders_cancelled_total",
		metric.WithDescription("Orders cancelled by the customer or a failed saga"))
	delivered, _ := meter.Int64Counter("orders_delivered_total",
		metric.WithDescription("Orders that reached the delivered state"))

	return &sagaMetrics{
		created:   created,
		accepted:  accepted,
		cancelled: cancelled,
		delivered: delivered,
	}
}
