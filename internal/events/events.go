package events

import "time"

// Type enumerates the lifecycle events the engine emits.
type Type string

const (
	SignalAccepted   Type = "signal_accepted"
	SignalRejected   Type = "signal_rejected"
	SignalDuplicate  Type = "signal_duplicate"
	SignalQueued     Type = "signal_queued"
	OrderSubmitted   Type = "order_submitted"
	OrderConfirmed   Type = "order_confirmed"
	OrderRejected    Type = "order_rejected"
	OrderUnknown     Type = "order_unknown"
	PositionOpened   Type = "position_opened"
	PositionClosed   Type = "position_closed"
	ExchangeHalted   Type = "exchange_halted"
	ReconcileStarted Type = "reconcile_started"
)

// Event is a single lifecycle notification. Fields not relevant to the
// event type are zero.
type Event struct {
	Type          Type
	Time          time.Time
	Exchange      string
	Symbol        string
	CorrelationID string
	StrategyTag   string
	OrderID       string
	Side          string
	Quantity      float64
	Price         float64
	Reason        string
}

// Terminal reports whether the event ends a signal's lifecycle, which is
// what outward notifications care about.
func (e Event) Terminal() bool {
	switch e.Type {
	case SignalRejected, OrderRejected, OrderUnknown, PositionClosed, ExchangeHalted:
		return true
	}
	return false
}

// Sink consumes events. Implementations must be safe for concurrent use and
// must not block the caller.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(e Event) {
	for _, sink := range m {
		sink.Publish(e)
	}
}

// NullSink discards everything.
type NullSink struct{}

func (NullSink) Publish(Event) {}
