package negotiation

import "time"

// Status represents the lifecycle states of a quote.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCountered Status = "countered"
	StatusExpired   Status = "expired"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCountered, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusExpired
}

// RefundPolicyNone is the default refund policy applied at quote creation.
const RefundPolicyNone = "none"

// Terms captures the negotiated conditions attached to a quote.
type Terms struct {
	DeliveryTimeMinutes int    `json:"deliveryTimeMinutes,omitempty"`
	QualityGuarantee    bool   `json:"qualityGuarantee,omitempty"`
	RefundPolicy        string `json:"refundPolicy,omitempty"`
	EscrowRequired      bool   `json:"escrowRequired"`
	AutoRelease         bool   `json:"autoRelease,omitempty"`
	RequiresArbiter     bool   `json:"requiresArbiter,omitempty"`
}

// DefaultTerms returns the terms applied when a quote is created without
// explicit overrides: escrow required, no refunds.
func DefaultTerms() Terms {
	return Terms{EscrowRequired: true, RefundPolicy: RefundPolicyNone}
}

// TermsPatch is a partial overlay; nil fields leave the base value untouched.
type TermsPatch struct {
	DeliveryTimeMinutes *int    `json:"deliveryTimeMinutes,omitempty"`
	QualityGuarantee    *bool   `json:"qualityGuarantee,omitempty"`
	RefundPolicy        *string `json:"refundPolicy,omitempty"`
	EscrowRequired      *bool   `json:"escrowRequired,omitempty"`
	AutoRelease         *bool   `json:"autoRelease,omitempty"`
	RequiresArbiter     *bool   `json:"requiresArbiter,omitempty"`
}

// Apply merges the patch over the base terms and returns the result.
func (t Terms) Apply(p TermsPatch) Terms {
	merged := t
	if p.DeliveryTimeMinutes != nil {
		merged.DeliveryTimeMinutes = *p.DeliveryTimeMinutes
	}
	if p.QualityGuarantee != nil {
		merged.QualityGuarantee = *p.QualityGuarantee
	}
	if p.RefundPolicy != nil {
		merged.RefundPolicy = *p.RefundPolicy
	}
	if p.EscrowRequired != nil {
		merged.EscrowRequired = *p.EscrowRequired
	}
	if p.AutoRelease != nil {
		merged.AutoRelease = *p.AutoRelease
	}
	if p.RequiresArbiter != nil {
		merged.RequiresArbiter = *p.RequiresArbiter
	}
	return merged
}

// CounterOffer is one append-only entry in a quote's negotiation history.
type CounterOffer struct {
	OfferedBy string     `json:"offeredBy"`
	Price     float64    `json:"price"`
	Terms     TermsPatch `json:"terms"`
	Timestamp time.Time  `json:"timestamp"`
}

// DeliveryRecord stores the provider's completion claim on an accepted quote.
type DeliveryRecord struct {
	MarkedBy    string    `json:"markedBy"`
	MarkedAt    time.Time `json:"markedAt"`
	Proof       []byte    `json:"proof,omitempty"`
	ConfirmedAt time.Time `json:"confirmedAt,omitempty"`
}

// Quote is a priced offer from a provider to a client, negotiable through
// counter-offers until accepted, rejected, or expired.
type Quote struct {
	ID           string          `json:"id"`
	ProviderID   string          `json:"providerId"`
	ClientID     string          `json:"clientId"`
	Service      string          `json:"service"`
	BasePrice    float64         `json:"basePrice"`
	Token        string          `json:"token"`
	Terms        Terms           `json:"terms"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Counters     []CounterOffer  `json:"counters,omitempty"`
	AgreedPrice  *float64        `json:"agreedPrice,omitempty"`
	EscrowID     string          `json:"escrowId,omitempty"`
	RejectReason string          `json:"rejectReason,omitempty"`
	Delivery     *DeliveryRecord `json:"delivery,omitempty"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Clone returns a deep copy of the quote.
func (q *Quote) Clone() *Quote {
	if q == nil {
		return nil
	}
	clone := *q
	if len(q.Counters) > 0 {
		clone.Counters = append([]CounterOffer(nil), q.Counters...)
	}
	if q.AgreedPrice != nil {
		price := *q.AgreedPrice
		clone.AgreedPrice = &price
	}
	if q.Delivery != nil {
		rec := *q.Delivery
		rec.Proof = append([]byte(nil), q.Delivery.Proof...)
		clone.Delivery = &rec
	}
	return &clone
}
