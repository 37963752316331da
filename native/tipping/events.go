package tipping

import "strconv"

// Webhook-visible tip event tags.
const (
	EventTypeReceived = "tipping_received"
	EventTypeSettled  = "payment_settled"
)

// Transition is the canonical event payload for one tip state change,
// carrying a snapshot of the tip after the transition committed.
type Transition struct {
	Type string
	Tip  *Tip
}

// EventType implements events.Event.
func (t Transition) EventType() string { return t.Type }

// EventPayload implements events.PayloadCarrier.
func (t Transition) EventPayload() map[string]any {
	if t.Tip == nil {
		return map[string]any{}
	}
	tip := t.Tip
	payload := map[string]any{
		"tipId":     tip.ID,
		"repoRef":   tip.RepoRef,
		"tipper":    tip.Tipper,
		"recipient": tip.Recipient,
		"amount":    tip.Amount,
		"token":     tip.Token,
		"status":    string(tip.Status),
	}
	if tip.Message != "" {
		payload["message"] = tip.Message
	}
	if tip.IssueURL != "" {
		payload["issueUrl"] = tip.IssueURL
	}
	if tip.CommitRef != "" {
		payload["commitRef"] = tip.CommitRef
	}
	if tip.EscrowID != "" {
		payload["escrowId"] = tip.EscrowID
	}
	if tip.Settlement != nil {
		payload["settlement"] = *tip.Settlement
	}
	return payload
}

// EventContext implements events.PayloadCarrier.
func (t Transition) EventContext() map[string]string {
	ctx := map[string]string{}
	if t.Tip == nil {
		return ctx
	}
	ctx["tipId"] = t.Tip.ID
	ctx["repoRef"] = t.Tip.RepoRef
	ctx["amount"] = strconv.FormatFloat(t.Tip.Amount, 'f', -1, 64)
	ctx["token"] = t.Tip.Token
	return ctx
}

// NewReceivedEvent returns the canonical event for a newly recorded tip.
func NewReceivedEvent(t *Tip) Transition { return Transition{Type: EventTypeReceived, Tip: t} }

// NewSettledEvent returns the canonical event emitted when a tip releases
// with its settlement record.
func NewSettledEvent(t *Tip) Transition { return Transition{Type: EventTypeSettled, Tip: t} }
