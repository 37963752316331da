package escrow

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus20232023/a2a-shib-payments/core/events"
	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
)

// Engine owns the escrow collection and serializes every mutation behind a
// single writer. Events are emitted after the snapshot commits, never while
// the write lock is held.
type Engine struct {
	mu      sync.Mutex
	escrows map[string]*Escrow
	store   *snapshot.Store
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine creates an escrow engine with a no-op emitter and no persistence.
// Callers wire the store via SetStore and the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		escrows: make(map[string]*Escrow),
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// SetStore attaches the snapshot file and rehydrates the collection from it.
func (e *Engine) SetStore(store *snapshot.Store) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = store
	if store == nil {
		return nil
	}
	loaded := make(map[string]*Escrow)
	if ok, err := store.Load(&loaded); err != nil {
		return err
	} else if ok {
		e.escrows = loaded
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) emit(evts ...Transition) {
	for _, evt := range evts {
		e.emitter.Emit(evt)
	}
}

// persistLocked rewrites the whole escrow table. Must be called with the
// write lock held.
func (e *Engine) persistLocked() error {
	if e.store == nil {
		return nil
	}
	return e.store.Save(e.escrows)
}

// Create initialises and persists a new escrow in the pending state. The
// requires-approval condition is derived: explicit request or a USDC leg.
func (e *Engine) Create(payer, payee string, amount float64, purpose, token string, cond Conditions, timeoutMinutes int) (*Escrow, error) {
	payer = strings.TrimSpace(payer)
	payee = strings.TrimSpace(payee)
	if payer == "" || payee == "" {
		return nil, fault.InvalidInput("payer and payee are required")
	}
	if !ValidAmount(amount) {
		return nil, fault.InvalidInput("escrow amount must be positive and finite")
	}
	normalized, err := NormalizeToken(token)
	if err != nil {
		return nil, fault.InvalidInput("%v", err)
	}
	cond.RequiresApproval = cond.RequiresApproval || normalized == TokenUSDC

	now := e.now()
	esc := &Escrow{
		ID:         uuid.NewString(),
		Payer:      payer,
		Payee:      payee,
		Amount:     amount,
		Token:      normalized,
		Purpose:    strings.TrimSpace(purpose),
		Conditions: cond,
		Status:     StatusPending,
		Timeline:   Timeline{CreatedAt: now},
	}
	if timeoutMinutes > 0 {
		deadline := now.Add(time.Duration(timeoutMinutes) * time.Minute)
		esc.TimeoutAt = &deadline
	}

	e.mu.Lock()
	e.escrows[esc.ID] = esc
	if err := e.persistLocked(); err != nil {
		delete(e.escrows, esc.ID)
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()

	e.emit(NewCreatedEvent(snap))
	return snap, nil
}

// Fund records the payer-reported funding hash and advances pending to
// funded. When the escrow does not require approval the lock happens in the
// same atomic step.
func (e *Engine) Fund(id, externalHash string) (*Escrow, error) {
	var emitted []Transition

	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	if esc.Status != StatusPending {
		state := esc.Status
		e.mu.Unlock()
		return nil, fault.Precondition(string(state), "cannot fund escrow in state %s", state)
	}
	prior := esc.Clone()
	now := e.now()
	esc.Status = StatusFunded
	esc.FundingHash = strings.TrimSpace(externalHash)
	fundedAt := now
	esc.Timeline.FundedAt = &fundedAt
	if !esc.Conditions.RequiresApproval {
		lockedAt := now
		esc.Status = StatusLocked
		esc.Timeline.LockedAt = &lockedAt
	}
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	emitted = append(emitted, NewFundedEvent(snap))
	if snap.Status == StatusLocked {
		emitted = append(emitted, NewLockedEvent(snap))
	}
	e.mu.Unlock()

	e.emit(emitted...)
	return snap, nil
}

// Approve appends the approver to the escrow. Once both payer and payee have
// approved, the escrow locks. A duplicate approval is rejected.
func (e *Engine) Approve(id, approverID string) (*Escrow, error) {
	approverID = strings.TrimSpace(approverID)
	if approverID == "" {
		return nil, fault.InvalidInput("approver id is required")
	}

	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	if esc.Status != StatusFunded {
		state := esc.Status
		e.mu.Unlock()
		return nil, fault.Precondition(string(state), "cannot approve escrow in state %s", state)
	}
	for _, existing := range esc.Approvals {
		if existing == approverID {
			state := esc.Status
			e.mu.Unlock()
			return nil, fault.Precondition(string(state), "duplicate approval by %s", approverID)
		}
	}
	prior := esc.Clone()
	esc.Approvals = append(esc.Approvals, approverID)
	locked := false
	if containsAll(esc.Approvals, esc.Payer, esc.Payee) {
		now := e.now()
		esc.Status = StatusLocked
		esc.Timeline.LockedAt = &now
		locked = true
	}
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()

	if locked {
		e.emit(NewLockedEvent(snap))
	}
	return snap, nil
}

// SubmitDelivery records the delivery proof on a locked escrow. When the
// conditions call for delivery alone (no arbiter, no client confirmation) the
// release happens in the same call, after the proof write has committed.
func (e *Engine) SubmitDelivery(id string, proof DeliveryProof) (*Escrow, error) {
	var emitted []Transition

	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	if esc.Status != StatusLocked {
		state := esc.Status
		e.mu.Unlock()
		return nil, fault.Precondition(string(state), "cannot submit delivery in state %s", state)
	}
	prior := esc.Clone()
	if proof.SubmittedAt.IsZero() {
		proof.SubmittedAt = e.now()
	}
	esc.Delivery = &proof
	cond := esc.Conditions
	if cond.RequiresDelivery && !cond.RequiresArbiter && !cond.RequiresClientConfirmation {
		if ferr := e.releaseLocked(esc, "automatic - delivery confirmed"); ferr != nil {
			e.escrows[id] = prior
			e.mu.Unlock()
			return nil, ferr
		}
	}
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	if snap.Status == StatusReleased {
		emitted = append(emitted, NewReleasedEvent(snap))
	}
	e.mu.Unlock()

	e.emit(emitted...)
	return snap, nil
}

// Release settles the escrow in favour of the payee.
func (e *Engine) Release(id, reason string) (*Escrow, error) {
	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	prior := esc.Clone()
	if ferr := e.releaseLocked(esc, reason); ferr != nil {
		e.mu.Unlock()
		return nil, ferr
	}
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()

	e.emit(NewReleasedEvent(snap))
	return snap, nil
}

// releaseLocked applies the release transition in memory. Must be called with
// the write lock held; the caller persists and emits.
func (e *Engine) releaseLocked(esc *Escrow, reason string) *fault.Error {
	if esc.Status != StatusLocked {
		return fault.Precondition(string(esc.Status), "cannot release escrow in state %s", esc.Status)
	}
	if esc.Conditions.RequiresDelivery && esc.Delivery == nil {
		return fault.Precondition(string(esc.Status), "delivery required")
	}
	now := e.now()
	esc.Status = StatusReleased
	esc.ReleaseReason = reason
	esc.Timeline.ReleasedAt = &now
	return nil
}

// Refund returns the escrowed amount to the payer. Permitted from funded,
// locked and disputed states.
func (e *Engine) Refund(id, reason string) (*Escrow, error) {
	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	prior := esc.Clone()
	if ferr := e.refundLocked(esc, reason); ferr != nil {
		e.mu.Unlock()
		return nil, ferr
	}
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()

	e.emit(NewRefundedEvent(snap))
	return snap, nil
}

func (e *Engine) refundLocked(esc *Escrow, reason string) *fault.Error {
	switch esc.Status {
	case StatusFunded, StatusLocked, StatusDisputed:
	default:
		return fault.Precondition(string(esc.Status), "cannot refund escrow in state %s", esc.Status)
	}
	now := e.now()
	esc.Status = StatusRefunded
	esc.RefundReason = reason
	esc.Timeline.RefundedAt = &now
	return nil
}

// Dispute flags a locked escrow as contested.
func (e *Engine) Dispute(id, disputerID, reason string) (*Escrow, error) {
	disputerID = strings.TrimSpace(disputerID)
	if disputerID == "" {
		return nil, fault.InvalidInput("disputer id is required")
	}

	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	if esc.Status != StatusLocked {
		state := esc.Status
		e.mu.Unlock()
		return nil, fault.Precondition(string(state), "cannot dispute escrow in state %s", state)
	}
	prior := esc.Clone()
	now := e.now()
	esc.Status = StatusDisputed
	esc.Dispute = &DisputeRecord{DisputedBy: disputerID, Reason: reason, DisputedAt: now}
	esc.Timeline.DisputedAt = &now
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()

	e.emit(NewDisputedEvent(snap))
	return snap, nil
}

// Resolution outcomes accepted by ResolveDispute.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// ResolveDispute settles a disputed escrow according to the arbiter's
// decision. The arbiter may release without a delivery proof; the dispute
// record already explains the disagreement.
func (e *Engine) ResolveDispute(id, decision, arbiterID string) (*Escrow, error) {
	arbiterID = strings.TrimSpace(arbiterID)
	if arbiterID == "" {
		return nil, fault.InvalidInput("arbiter id is required")
	}
	normalized := strings.ToLower(strings.TrimSpace(decision))
	if normalized != ResolutionRelease && normalized != ResolutionRefund {
		return nil, fault.InvalidInput("invalid resolution decision %q", decision)
	}

	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	if esc.Status != StatusDisputed {
		state := esc.Status
		e.mu.Unlock()
		return nil, fault.Precondition(string(state), "cannot resolve escrow in state %s", state)
	}
	prior := esc.Clone()
	now := e.now()
	reason := "arbiter decision by " + arbiterID
	esc.ArbiterID = arbiterID
	if normalized == ResolutionRelease {
		esc.Status = StatusReleased
		esc.ReleaseReason = reason
		esc.Timeline.ReleasedAt = &now
	} else {
		esc.Status = StatusRefunded
		esc.RefundReason = reason
		esc.Timeline.RefundedAt = &now
	}
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()

	if snap.Status == StatusReleased {
		e.emit(NewReleasedEvent(snap))
	} else {
		e.emit(NewRefundedEvent(snap))
	}
	return snap, nil
}

// ProcessTimeouts refunds every funded or locked escrow whose timeout instant
// has passed and returns the refunded ids. Re-running after a crash is safe:
// already-terminal escrows are no longer eligible.
func (e *Engine) ProcessTimeouts() ([]string, error) {
	var refunded []string
	var emitted []Transition

	e.mu.Lock()
	now := e.now()
	ids := make([]string, 0, len(e.escrows))
	for id := range e.escrows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	priors := make(map[string]*Escrow)
	for _, id := range ids {
		esc := e.escrows[id]
		if esc.TimeoutAt == nil || esc.TimeoutAt.After(now) {
			continue
		}
		if esc.Status != StatusFunded && esc.Status != StatusLocked {
			continue
		}
		priors[id] = esc.Clone()
		refundedAt := now
		esc.Status = StatusRefunded
		esc.RefundReason = "automatic timeout"
		esc.Timeline.RefundedAt = &refundedAt
		refunded = append(refunded, id)
		emitted = append(emitted, NewRefundedEvent(esc.Clone()))
	}
	if len(refunded) > 0 {
		if err := e.persistLocked(); err != nil {
			for id, prior := range priors {
				e.escrows[id] = prior
			}
			e.mu.Unlock()
			return nil, err
		}
	}
	e.mu.Unlock()

	e.emit(emitted...)
	return refunded, nil
}

// RecordSettlement stores the transaction hash reported by the payment
// executor. The escrow state is unchanged; executor failures are advisories.
func (e *Engine) RecordSettlement(id, txHash string) (*Escrow, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fault.InvalidInput("settlement hash is required")
	}

	e.mu.Lock()
	esc, ok := e.escrows[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("escrow %s not found", id)
	}
	if esc.Status == StatusPending {
		state := esc.Status
		e.mu.Unlock()
		return nil, fault.Precondition(string(state), "cannot settle escrow in state %s", state)
	}
	prior := esc.Clone()
	esc.SettlementHash = txHash
	if err := e.persistLocked(); err != nil {
		e.escrows[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := esc.Clone()
	e.mu.Unlock()
	return snap, nil
}

// Get returns a copy of the escrow with the given id.
func (e *Engine) Get(id string) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, ok := e.escrows[id]
	if !ok {
		return nil, fault.NotFound("escrow %s not found", id)
	}
	return esc.Clone(), nil
}

// List returns copies of all escrows ordered by creation time.
func (e *Engine) List() []*Escrow {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Escrow, 0, len(e.escrows))
	for _, esc := range e.escrows {
		out = append(out, esc.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timeline.CreatedAt.Equal(out[j].Timeline.CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timeline.CreatedAt.Before(out[j].Timeline.CreatedAt)
	})
	return out
}

func containsAll(list []string, required ...string) bool {
	for _, want := range required {
		found := false
		for _, have := range list {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
