package tipping

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a tip. Tips advance along the forward
// chain pending -> escrow_created -> funded -> locked -> released, or
// terminate in cancelled from any pre-released state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusEscrowCreated Status = "escrow_created"
	StatusFunded        Status = "funded"
	StatusLocked        Status = "locked"
	StatusReleased      Status = "released"
	StatusCancelled     Status = "cancelled"
)

// Valid reports whether s is a known tip status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusEscrowCreated, StatusFunded, StatusLocked, StatusReleased, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

const maxRepoSegmentLen = 39

// repoSegmentPattern is the GitHub naming rule for owners and repository
// names: alphanumeric runs separated by hyphens, no leading or trailing
// hyphen.
var repoSegmentPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

func validRepoSegment(segment string) bool {
	return len(segment) > 0 && len(segment) <= maxRepoSegmentLen && repoSegmentPattern.MatchString(segment)
}

// ValidRepoRef reports whether ref is a well-formed "<owner>/<name>"
// repository reference.
func ValidRepoRef(ref string) bool {
	owner, name, ok := strings.Cut(ref, "/")
	return ok && validRepoSegment(owner) && validRepoSegment(name)
}

// ValidRecipient reports whether recipient is a GitHub username or a
// 0x-prefixed 40-hex address. A 0x prefix always means an address; a
// truncated one is rejected rather than read as a username.
func ValidRecipient(recipient string) bool {
	if strings.HasPrefix(recipient, "0x") || strings.HasPrefix(recipient, "0X") {
		return common.IsHexAddress(recipient)
	}
	return validRepoSegment(recipient)
}

// ValidAmount reports whether v is a positive finite tip amount.
func ValidAmount(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Settlement is the on-chain record written when a tip releases.
type Settlement struct {
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	GasUsed     uint64    `json:"gasUsed,omitempty"`
	SettledAt   time.Time `json:"settledAt"`
}

// Timeline captures the instant of each transition a tip has taken.
type Timeline struct {
	CreatedAt       time.Time  `json:"createdAt"`
	EscrowCreatedAt *time.Time `json:"escrowCreatedAt,omitempty"`
	FundedAt        *time.Time `json:"fundedAt,omitempty"`
	LockedAt        *time.Time `json:"lockedAt,omitempty"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
}

// Tip is a repository-attributed payment carried operationally by an escrow.
// The escrow is referenced by id only; this engine never mutates it.
type Tip struct {
	ID           string      `json:"id"`
	RepoRef      string      `json:"repoRef"`
	Tipper       string      `json:"tipper"`
	Recipient    string      `json:"recipient"`
	Amount       float64     `json:"amount"`
	Token        string      `json:"token"`
	Message      string      `json:"message,omitempty"`
	IssueURL     string      `json:"issueUrl,omitempty"`
	CommitRef    string      `json:"commitRef,omitempty"`
	EscrowID     string      `json:"escrowId,omitempty"`
	FundingHash  string      `json:"fundingHash,omitempty"`
	Settlement   *Settlement `json:"settlement,omitempty"`
	CancelReason string      `json:"cancelReason,omitempty"`
	Status       Status      `json:"status"`
	Timeline     Timeline    `json:"timeline"`
}

// Clone returns a deep copy of the tip.
func (t *Tip) Clone() *Tip {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Settlement != nil {
		settlement := *t.Settlement
		clone.Settlement = &settlement
	}
	clone.Timeline = t.Timeline
	if t.Timeline.EscrowCreatedAt != nil {
		at := *t.Timeline.EscrowCreatedAt
		clone.Timeline.EscrowCreatedAt = &at
	}
	if t.Timeline.FundedAt != nil {
		at := *t.Timeline.FundedAt
		clone.Timeline.FundedAt = &at
	}
	if t.Timeline.LockedAt != nil {
		at := *t.Timeline.LockedAt
		clone.Timeline.LockedAt = &at
	}
	if t.Timeline.ReleasedAt != nil {
		at := *t.Timeline.ReleasedAt
		clone.Timeline.ReleasedAt = &at
	}
	if t.Timeline.CancelledAt != nil {
		at := *t.Timeline.CancelledAt
		clone.Timeline.CancelledAt = &at
	}
	return &clone
}
