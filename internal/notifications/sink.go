package notifications

import (
	"context"
	"fmt"

	"github.com/tradeflow-labs/signal-engine/internal/events"
)

// Notifier is the outbound alert surface; TelegramNotifier implements it.
type Notifier interface {
	SendAlert(ctx context.Context, level, message string) error
}

// EventSink forwards terminal engine events as alerts. Sends happen on a
// separate goroutine so a slow notifier never blocks the engine.
type EventSink struct {
	notifier Notifier
}

// NewEventSink wraps a notifier as an events.Sink.
func NewEventSink(notifier Notifier) *EventSink {
	return &EventSink{notifier: notifier}
}

func (s *EventSink) Publish(e events.Event) {
	if !e.Terminal() {
		return
	}

	level, message := format(e)
	go func() {
		// Alert failures are dropped; notification is best effort.
		_ = s.notifier.SendAlert(context.Background(), level, message)
	}()
}

func format(e events.Event) (level, message string) {
	switch e.Type {
	case events.PositionClosed:
		return "success", fmt.Sprintf("Position closed: %s %s (%s)\nExit price: %.2f",
			e.Exchange, e.Symbol, e.Reason, e.Price)
	case events.OrderRejected:
		return "warning", fmt.Sprintf("Order rejected: %s %s\n%s", e.Exchange, e.Symbol, e.Reason)
	case events.OrderUnknown:
		return "error", fmt.Sprintf("Order in UNKNOWN state: %s %s (correlation %s)\nManual reconciliation may be needed.",
			e.Exchange, e.Symbol, e.CorrelationID)
	case events.ExchangeHalted:
		return "error", fmt.Sprintf("Exchange %s halted: %s", e.Exchange, e.Reason)
	case events.SignalRejected:
		return "warning", fmt.Sprintf("Signal rejected: %s %s\n%s", e.Exchange, e.Symbol, e.Reason)
	default:
		return "info", fmt.Sprintf("%s: %s %s", e.Type, e.Exchange, e.Symbol)
	}
}
