package escrow

import "strconv"

// Webhook-visible escrow event tags.
const (
	EventTypeCreated  = "escrow_created"
	EventTypeFunded   = "escrow_funded"
	EventTypeLocked   = "escrow_locked"
	EventTypeReleased = "escrow_released"
	EventTypeRefunded = "escrow_refunded"
	EventTypeDisputed = "escrow_disputed"
)

// Transition is the canonical event payload for one escrow state change. It
// carries a snapshot of the escrow after the transition committed.
type Transition struct {
	Type   string
	Escrow *Escrow
}

// EventType implements events.Event.
func (t Transition) EventType() string { return t.Type }

// EventPayload implements events.PayloadCarrier.
func (t Transition) EventPayload() map[string]any {
	if t.Escrow == nil {
		return map[string]any{}
	}
	e := t.Escrow
	payload := map[string]any{
		"id":         e.ID,
		"payer":      e.Payer,
		"payee":      e.Payee,
		"amount":     e.Amount,
		"token":      e.Token,
		"purpose":    e.Purpose,
		"status":     string(e.Status),
		"conditions": e.Conditions,
		"timeline":   e.Timeline,
	}
	if e.FundingHash != "" {
		payload["fundingHash"] = e.FundingHash
	}
	if e.SettlementHash != "" {
		payload["settlementHash"] = e.SettlementHash
	}
	if e.ReleaseReason != "" {
		payload["releaseReason"] = e.ReleaseReason
	}
	if e.RefundReason != "" {
		payload["refundReason"] = e.RefundReason
	}
	if e.Dispute != nil {
		payload["dispute"] = *e.Dispute
	}
	return payload
}

// EventContext implements events.PayloadCarrier.
func (t Transition) EventContext() map[string]string {
	ctx := map[string]string{}
	if t.Escrow == nil {
		return ctx
	}
	ctx["escrowId"] = t.Escrow.ID
	ctx["amount"] = strconv.FormatFloat(t.Escrow.Amount, 'f', -1, 64)
	ctx["token"] = t.Escrow.Token
	return ctx
}

// NewCreatedEvent returns the canonical event for a newly created escrow.
func NewCreatedEvent(e *Escrow) Transition { return Transition{Type: EventTypeCreated, Escrow: e} }

// NewFundedEvent returns the canonical event emitted when the payer reports
// on-chain funding.
func NewFundedEvent(e *Escrow) Transition { return Transition{Type: EventTypeFunded, Escrow: e} }

// NewLockedEvent returns the canonical event emitted when all approvals are
// in place and funds lock.
func NewLockedEvent(e *Escrow) Transition { return Transition{Type: EventTypeLocked, Escrow: e} }

// NewReleasedEvent returns the canonical event for a release to the payee.
func NewReleasedEvent(e *Escrow) Transition { return Transition{Type: EventTypeReleased, Escrow: e} }

// NewRefundedEvent returns the canonical event for a refund to the payer.
func NewRefundedEvent(e *Escrow) Transition { return Transition{Type: EventTypeRefunded, Escrow: e} }

// NewDisputedEvent returns the canonical event emitted when an escrow is
// marked as disputed.
func NewDisputedEvent(e *Escrow) Transition { return Transition{Type: EventTypeDisputed, Escrow: e} }
