package monitoring

import "github.com/tradeflow-labs/signal-engine/internal/events"

// MetricsSink translates engine events into Prometheus metrics.
type MetricsSink struct{}

func (MetricsSink) Publish(e events.Event) {
	switch e.Type {
	case events.SignalAccepted:
		RecordSignal(e.Exchange, e.Symbol, "accepted")
	case events.SignalRejected:
		RecordSignal(e.Exchange, e.Symbol, "rejected")
	case events.SignalDuplicate:
		RecordSignal(e.Exchange, e.Symbol, "duplicate")
	case events.SignalQueued:
		RecordSignal(e.Exchange, e.Symbol, "queued")
	case events.OrderSubmitted:
		RecordOrder(e.Exchange, "submitted")
		ObserveOrderQuantity(e.Exchange, e.Symbol, e.Quantity)
	case events.OrderConfirmed:
		RecordOrder(e.Exchange, "confirmed")
	case events.OrderRejected:
		RecordOrder(e.Exchange, "rejected")
	case events.OrderUnknown:
		RecordOrder(e.Exchange, "unknown")
	case events.ExchangeHalted:
		RecordError("auth")
	}
}
