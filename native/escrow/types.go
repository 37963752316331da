package escrow

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status represents the lifecycle states supported by the escrow engine.
// Values are persisted as strings at the snapshot and wire boundary.
type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusLocked, StatusReleased, StatusRefunded, StatusDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted from s.
// Disputed is transitional: it still admits release and refund.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Supported escrow tokens. SHIB settles natively; USDC is the ERC-20 stable
// leg and always requires counterpart approval before lock.
const (
	TokenSHIB = "SHIB"
	TokenUSDC = "USDC"
)

// NormalizeToken ensures the provided token symbol matches a supported value
// and returns the canonical uppercase form.
func NormalizeToken(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	switch trimmed {
	case TokenSHIB, TokenUSDC:
		return trimmed, nil
	default:
		return "", fmt.Errorf("unsupported escrow token: %s", symbol)
	}
}

// Conditions declares what must be satisfied before escrowed funds release.
type Conditions struct {
	RequiresApproval           bool `json:"requiresApproval"`
	RequiresDelivery           bool `json:"requiresDelivery"`
	RequiresArbiter            bool `json:"requiresArbiter"`
	RequiresClientConfirmation bool `json:"requiresClientConfirmation"`
}

// DeliveryProof records the artifact a payee submits to evidence completion.
// Data is opaque to the engine.
type DeliveryProof struct {
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
	Data        []byte    `json:"data,omitempty"`
	Signature   string    `json:"signature,omitempty"`
}

// DisputeRecord captures who contested the escrow and why.
type DisputeRecord struct {
	DisputedBy string    `json:"disputedBy"`
	Reason     string    `json:"reason"`
	DisputedAt time.Time `json:"disputedAt"`
}

// Timeline stores the instant of each transition. Exactly one terminal
// instant is set once the escrow reaches a terminal state.
type Timeline struct {
	CreatedAt  time.Time  `json:"createdAt"`
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
	DisputedAt *time.Time `json:"disputedAt,omitempty"`
}

// Escrow is the permanent audit record of one brokered payment. Instances are
// created and mutated exclusively by the Engine and never destroyed.
type Escrow struct {
	ID             string         `json:"id"`
	Payer          string         `json:"payer"`
	Payee          string         `json:"payee"`
	Amount         float64        `json:"amount"`
	Token          string         `json:"token"`
	Purpose        string         `json:"purpose"`
	Conditions     Conditions     `json:"conditions"`
	TimeoutAt      *time.Time     `json:"timeoutAt,omitempty"`
	Approvals      []string       `json:"approvals,omitempty"`
	Delivery       *DeliveryProof `json:"delivery,omitempty"`
	Dispute        *DisputeRecord `json:"dispute,omitempty"`
	FundingHash    string         `json:"fundingHash,omitempty"`
	SettlementHash string         `json:"settlementHash,omitempty"`
	ReleaseReason  string         `json:"releaseReason,omitempty"`
	RefundReason   string         `json:"refundReason,omitempty"`
	ArbiterID      string         `json:"arbiterId,omitempty"`
	Status         Status         `json:"status"`
	Timeline       Timeline       `json:"timeline"`
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.TimeoutAt != nil {
		t := *e.TimeoutAt
		clone.TimeoutAt = &t
	}
	if len(e.Approvals) > 0 {
		clone.Approvals = append([]string(nil), e.Approvals...)
	}
	if e.Delivery != nil {
		proof := *e.Delivery
		proof.Data = append([]byte(nil), e.Delivery.Data...)
		clone.Delivery = &proof
	}
	if e.Dispute != nil {
		rec := *e.Dispute
		clone.Dispute = &rec
	}
	clone.Timeline = e.Timeline.clone()
	return &clone
}

func (t Timeline) clone() Timeline {
	copyInstant := func(src *time.Time) *time.Time {
		if src == nil {
			return nil
		}
		v := *src
		return &v
	}
	return Timeline{
		CreatedAt:  t.CreatedAt,
		FundedAt:   copyInstant(t.FundedAt),
		LockedAt:   copyInstant(t.LockedAt),
		ReleasedAt: copyInstant(t.ReleasedAt),
		RefundedAt: copyInstant(t.RefundedAt),
		DisputedAt: copyInstant(t.DisputedAt),
	}
}

// ValidAmount reports whether v is a positive finite display-unit amount.
func ValidAmount(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
