package webhooks

import (
	"encoding/json"
	"time"
)

// Recognized webhook event tags. Emitting anything outside this set fails;
// the "test" tag is reserved for TestWebhook and never allowed through Emit.
const (
	EventEscrowCreated   = "escrow_created"
	EventEscrowFunded    = "escrow_funded"
	EventEscrowLocked    = "escrow_locked"
	EventEscrowReleased  = "escrow_released"
	EventEscrowRefunded  = "escrow_refunded"
	EventEscrowDisputed  = "escrow_disputed"
	EventTippingReceived = "tipping_received"
	EventPaymentSettled  = "payment_settled"

	EventTest = "test"
)

// RecognizedEventTypes returns the closed set of emittable event tags.
func RecognizedEventTypes() []string {
	return []string{
		EventEscrowCreated,
		EventEscrowFunded,
		EventEscrowLocked,
		EventEscrowReleased,
		EventEscrowRefunded,
		EventEscrowDisputed,
		EventTippingReceived,
		EventPaymentSettled,
	}
}

func recognizedEventType(tag string) bool {
	for _, known := range RecognizedEventTypes() {
		if tag == known {
			return true
		}
	}
	return false
}

// Event is the immutable record of one state transition. The id is assigned
// at emit time, not at delivery; receivers deduplicate on it.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Data      map[string]any    `json:"data"`
	Context   map[string]string `json:"context,omitempty"`
}

// Subscription is a registered HTTP endpoint with a per-subscription secret.
// The secret is returned exactly once, at registration.
type Subscription struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	EventTypes      []string          `json:"eventTypes"`
	Secret          string            `json:"secret"`
	Enabled         bool              `json:"enabled"`
	Headers         map[string]string `json:"headers,omitempty"`
	Successes       int64             `json:"successes"`
	Failures        int64             `json:"failures"`
	Retries         int64             `json:"retries"`
	LastTriggeredAt *time.Time        `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Clone returns a deep copy of the subscription.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	clone := *s
	clone.EventTypes = append([]string(nil), s.EventTypes...)
	if s.Headers != nil {
		clone.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			clone.Headers[k] = v
		}
	}
	if s.LastTriggeredAt != nil {
		at := *s.LastTriggeredAt
		clone.LastTriggeredAt = &at
	}
	return &clone
}

// Redacted returns a copy with the secret withheld, for list responses.
func (s *Subscription) Redacted() *Subscription {
	clone := s.Clone()
	if clone != nil {
		clone.Secret = ""
	}
	return clone
}

func (s *Subscription) subscribedTo(eventType string) bool {
	for _, tag := range s.EventTypes {
		if tag == eventType {
			return true
		}
	}
	return false
}

// Delivery is one scheduled attempt to transmit one event to one
// subscription. Payload holds the canonical event bytes: the same bytes are
// signed and transmitted.
type Delivery struct {
	SubscriptionID string          `json:"subscriptionId"`
	Event          Event           `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
	Status         string          `json:"status"`
}

const deliveryStatusPending = "pending"

func (d *Delivery) clone() *Delivery {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Payload = append(json.RawMessage(nil), d.Payload...)
	if d.NextAttemptAt != nil {
		at := *d.NextAttemptAt
		clone.NextAttemptAt = &at
	}
	return &clone
}

// due reports whether the delivery is eligible to send at instant now. A nil
// schedule means send immediately.
func (d *Delivery) due(now time.Time) bool {
	return d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)
}
