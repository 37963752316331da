package webhooks

// In-process lifecycle signal names published on the engine's feed. Signals
// carry identifiers only; they are not wire events.
const (
	SignalDelivered          = "webhookDelivered"
	SignalDeliveryFailed     = "webhookDeliveryFailed"
	SignalProcessingComplete = "queueProcessingComplete"
)

// Signal is the notification published to in-process observers (tests,
// monitors).
type Signal struct {
	Name           string
	SubscriptionID string
	EventID        string
	Type           string
	Attempt        int
}

// EventType implements events.Event. The method returns the signal name so
// observers can switch on it.
func (s Signal) EventType() string { return s.Name }
