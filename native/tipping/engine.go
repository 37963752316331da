package tipping

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus20232023/a2a-shib-payments/core/events"
	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
)

// EscrowFactory creates the escrow that carries a tip and returns its id.
// The factory is invoked without the tipping engine's lock held.
type EscrowFactory func(tip *Tip) (string, error)

// CreateParams are the caller-supplied attributes of a new tip.
type CreateParams struct {
	RepoRef   string
	Tipper    string
	Recipient string
	Amount    float64
	Token     string
	Message   string
	IssueURL  string
	CommitRef string
}

// Engine owns the tip collection. A single writer serializes mutations;
// events are emitted after the write lock is released.
type Engine struct {
	mu      sync.Mutex
	tips    map[string]*Tip
	store   *snapshot.Store
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewEngine creates a tipping engine with a no-op emitter and no persistence.
func NewEngine() *Engine {
	return &Engine{
		tips:    make(map[string]*Tip),
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
	}
}

// SetEmitter configures the event emitter. Passing nil restores the no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, for deterministic tests.
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
	loaded := make(map[string]*Tip)
	if ok, err := store.Load(&loaded); err != nil {
		return err
	} else if ok {
		e.tips = loaded
	}
	return nil
}

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) persistLocked() error {
	if e.store == nil {
		return nil
	}
	return e.store.Save(e.tips)
}

// CreateTip validates and records a new tip in the pending state and emits
// tipping_received.
func (e *Engine) CreateTip(params CreateParams) (*Tip, error) {
	repoRef := strings.TrimSpace(params.RepoRef)
	if !ValidRepoRef(repoRef) {
		return nil, fault.InvalidInput("invalid repository reference %q", repoRef)
	}
	tipper := strings.TrimSpace(params.Tipper)
	if tipper == "" {
		return nil, fault.InvalidInput("tipper is required")
	}
	recipient := strings.TrimSpace(params.Recipient)
	if !ValidRecipient(recipient) {
		return nil, fault.InvalidInput("recipient must be a username or 0x-prefixed address")
	}
	if !ValidAmount(params.Amount) {
		return nil, fault.InvalidInput("tip amount must be positive and finite")
	}
	token, err := escrow.NormalizeToken(params.Token)
	if err != nil {
		return nil, fault.InvalidInput("%v", err)
	}

	tip := &Tip{
		ID:        uuid.NewString(),
		RepoRef:   repoRef,
		Tipper:    tipper,
		Recipient: recipient,
		Amount:    params.Amount,
		Token:     token,
		Message:   strings.TrimSpace(params.Message),
		IssueURL:  strings.TrimSpace(params.IssueURL),
		CommitRef: strings.TrimSpace(params.CommitRef),
		Status:    StatusPending,
		Timeline:  Timeline{CreatedAt: e.now()},
	}

	e.mu.Lock()
	e.tips[tip.ID] = tip
	if err := e.persistLocked(); err != nil {
		delete(e.tips, tip.ID)
		e.mu.Unlock()
		return nil, err
	}
	snap := tip.Clone()
	e.mu.Unlock()

	e.emitter.Emit(NewReceivedEvent(snap))
	return snap, nil
}

// CreateEscrow obtains an escrow for the tip via the supplied factory and
// links it. The factory runs outside the engine lock; if another caller
// advanced the tip meanwhile the link is rejected.
func (e *Engine) CreateEscrow(id string, factory EscrowFactory) (*Tip, error) {
	if factory == nil {
		return nil, fault.InvalidInput("escrow factory is required")
	}

	e.mu.Lock()
	tip, ok := e.tips[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("tip %s not found", id)
	}
	if tip.Status != StatusPending {
		state := string(tip.Status)
		e.mu.Unlock()
		return nil, fault.Precondition(state, "escrow can only be created for a pending tip")
	}
	snap := tip.Clone()
	e.mu.Unlock()

	escrowID, err := factory(snap)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	tip, ok = e.tips[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("tip %s not found", id)
	}
	if tip.Status != StatusPending {
		state := string(tip.Status)
		e.mu.Unlock()
		return nil, fault.Precondition(state, "tip advanced while creating escrow")
	}
	prior := tip.Clone()
	now := e.now()
	tip.EscrowID = escrowID
	tip.Status = StatusEscrowCreated
	tip.Timeline.EscrowCreatedAt = &now
	if err := e.persistLocked(); err != nil {
		e.tips[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap = tip.Clone()
	e.mu.Unlock()
	return snap, nil
}

// FundEscrow records the reported funding hash and advances escrow_created to
// funded.
func (e *Engine) FundEscrow(id, externalHash string) (*Tip, error) {
	externalHash = strings.TrimSpace(externalHash)
	if externalHash == "" {
		return nil, fault.InvalidInput("funding transaction hash is required")
	}

	e.mu.Lock()
	tip, ok := e.tips[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("tip %s not found", id)
	}
	if tip.Status != StatusEscrowCreated {
		state := string(tip.Status)
		e.mu.Unlock()
		return nil, fault.Precondition(state, "tip can only be funded from escrow_created")
	}
	prior := tip.Clone()
	now := e.now()
	tip.FundingHash = externalHash
	tip.Status = StatusFunded
	tip.Timeline.FundedAt = &now
	if err := e.persistLocked(); err != nil {
		e.tips[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := tip.Clone()
	e.mu.Unlock()
	return snap, nil
}

// LockEscrow advances funded to locked.
func (e *Engine) LockEscrow(id string) (*Tip, error) {
	e.mu.Lock()
	tip, ok := e.tips[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("tip %s not found", id)
	}
	if tip.Status != StatusFunded {
		state := string(tip.Status)
		e.mu.Unlock()
		return nil, fault.Precondition(state, "tip can only lock from funded")
	}
	prior := tip.Clone()
	now := e.now()
	tip.Status = StatusLocked
	tip.Timeline.LockedAt = &now
	if err := e.persistLocked(); err != nil {
		e.tips[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := tip.Clone()
	e.mu.Unlock()
	return snap, nil
}

// ReleaseTip records the settlement transaction and advances locked to
// released, emitting payment_settled.
func (e *Engine) ReleaseTip(id, txHash string, blockNumber, gasUsed uint64) (*Tip, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, fault.InvalidInput("settlement transaction hash is required")
	}

	e.mu.Lock()
	tip, ok := e.tips[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("tip %s not found", id)
	}
	if tip.Status != StatusLocked {
		state := string(tip.Status)
		e.mu.Unlock()
		return nil, fault.Precondition(state, "tip can only release from locked")
	}
	prior := tip.Clone()
	now := e.now()
	tip.Settlement = &Settlement{
		TxHash:      txHash,
		BlockNumber: blockNumber,
		GasUsed:     gasUsed,
		SettledAt:   now,
	}
	tip.Status = StatusReleased
	tip.Timeline.ReleasedAt = &now
	if err := e.persistLocked(); err != nil {
		e.tips[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := tip.Clone()
	e.mu.Unlock()

	e.emitter.Emit(NewSettledEvent(snap))
	return snap, nil
}

// CancelTip terminates a tip from any pre-released state.
func (e *Engine) CancelTip(id, reason string) (*Tip, error) {
	e.mu.Lock()
	tip, ok := e.tips[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("tip %s not found", id)
	}
	if tip.Status.Terminal() {
		state := string(tip.Status)
		e.mu.Unlock()
		return nil, fault.Precondition(state, "cannot cancel in state %s", state)
	}
	prior := tip.Clone()
	now := e.now()
	tip.Status = StatusCancelled
	tip.CancelReason = strings.TrimSpace(reason)
	tip.Timeline.CancelledAt = &now
	if err := e.persistLocked(); err != nil {
		e.tips[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := tip.Clone()
	e.mu.Unlock()
	return snap, nil
}

// Get returns a copy of the tip.
func (e *Engine) Get(id string) (*Tip, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tip, ok := e.tips[id]
	if !ok {
		return nil, fault.NotFound("tip %s not found", id)
	}
	return tip.Clone(), nil
}

// List returns copies of all tips ordered by creation time.
func (e *Engine) List() []*Tip {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Tip, 0, len(e.tips))
	for _, tip := range e.tips {
		out = append(out, tip.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timeline.CreatedAt.Equal(out[j].Timeline.CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timeline.CreatedAt.Before(out[j].Timeline.CreatedAt)
	})
	return out
}
