package webhooks

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsOnce           sync.Once
	sharedDeliveryMetrics *deliveryMetrics
)

type deliveryMetrics struct {
	delivered metric.Int64Counter
	retried   metric.Int64Counter
	dropped   metric.Int64Counter
}

func engineMetrics() *deliveryMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("a2a-shib-payments/webhooks")
		delivered, err1 := meter.Int64Counter("shib.webhooks.delivered")
		retried, err2 := meter.Int64Counter("shib.webhooks.retried")
		dropped, err3 := meter.Int64Counter("shib.webhooks.dropped")
		if err1 != nil || err2 != nil || err3 != nil {
			fallback := noop.NewMeterProvider().Meter("a2a-shib-payments/webhooks")
			delivered, _ = fallback.Int64Counter("shib.webhooks.delivered")
			retried, _ = fallback.Int64Counter("shib.webhooks.retried")
			dropped, _ = fallback.Int64Counter("shib.webhooks.dropped")
		}
		sharedDeliveryMetrics = &deliveryMetrics{delivered: delivered, retried: retried, dropped: dropped}
	})
	return sharedDeliveryMetrics
}

func (m *deliveryMetrics) recordDelivered(eventType string) {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *deliveryMetrics) recordRetried(eventType string) {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *deliveryMetrics) recordDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
