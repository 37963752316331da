package negotiation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
)

// Default escrow timeouts applied when a quote is accepted.
const (
	escrowTimeoutSlackMinutes   = 30
	escrowTimeoutDefaultMinutes = 120
)

// Engine owns the quote collection. Acceptance constructs an escrow through
// the escrow engine; the quote holds the escrow id only, never a pointer.
//
// Lock ordering: the engine's write lock may be held while calling into the
// escrow engine (the acceptance pattern). The escrow engine never calls back.
type Engine struct {
	mu      sync.Mutex
	quotes  map[string]*Quote
	store   *snapshot.Store
	escrows *escrow.Engine
	nowFn   func() time.Time
}

// NewEngine creates a negotiation engine bound to the escrow engine it uses
// for accepted quotes.
func NewEngine(escrows *escrow.Engine) *Engine {
	return &Engine{
		quotes:  make(map[string]*Quote),
		escrows: escrows,
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the time source. Primarily for tests.
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
	loaded := make(map[string]*Quote)
	if ok, err := store.Load(&loaded); err != nil {
		return err
	} else if ok {
		e.quotes = loaded
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
	return e.store.Save(e.quotes)
}

// CreateQuote opens a pending quote from provider to client. Terms default to
// escrow-required with no refund policy; the patch overlays caller choices.
func (e *Engine) CreateQuote(providerID, clientID, service string, price float64, token string, terms TermsPatch, validForMinutes int) (*Quote, error) {
	providerID = strings.TrimSpace(providerID)
	clientID = strings.TrimSpace(clientID)
	if providerID == "" || clientID == "" {
		return nil, fault.InvalidInput("provider and client ids are required")
	}
	if strings.TrimSpace(service) == "" {
		return nil, fault.InvalidInput("service description is required")
	}
	if !escrow.ValidAmount(price) {
		return nil, fault.InvalidInput("quote price must be positive and finite")
	}
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return nil, fault.InvalidInput("%v", err)
	}
	if validForMinutes <= 0 {
		return nil, fault.InvalidInput("quote validity must be positive")
	}

	now := e.now()
	quote := &Quote{
		ID:         uuid.NewString(),
		ProviderID: providerID,
		ClientID:   clientID,
		Service:    strings.TrimSpace(service),
		BasePrice:  price,
		Token:      normalized,
		Terms:      DefaultTerms().Apply(terms),
		ExpiresAt:  now.Add(time.Duration(validForMinutes) * time.Minute),
		Status:     StatusPending,
		CreatedAt:  now,
	}

	e.mu.Lock()
	e.quotes[quote.ID] = quote
	if err := e.persistLocked(); err != nil {
		delete(e.quotes, quote.ID)
		e.mu.Unlock()
		return nil, err
	}
	snap := quote.Clone()
	e.mu.Unlock()
	return snap, nil
}

// Accept records the client's acceptance at the base price and, when the
// terms require escrow, constructs one with conditions derived from them.
func (e *Engine) Accept(quoteID, clientID string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, ok := e.quotes[quoteID]
	if !ok {
		return nil, fault.NotFound("quote %s not found", quoteID)
	}
	if quote.ClientID != strings.TrimSpace(clientID) {
		return nil, fault.Unauthorized("only the client may accept quote %s", quoteID)
	}
	if quote.Status != StatusPending {
		return nil, fault.Precondition(string(quote.Status), "cannot accept quote in state %s", quote.Status)
	}
	now := e.now()
	if now.After(quote.ExpiresAt) {
		return nil, fault.Precondition(string(quote.Status), "quote %s expired", quoteID)
	}
	return e.settleAcceptanceLocked(quote, quote.BasePrice, quote.Terms, now)
}

// AcceptCounter records the provider's acceptance of a counter-offer. A
// negative index selects the most recent counter.
func (e *Engine) AcceptCounter(quoteID, providerID string, index int) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, ok := e.quotes[quoteID]
	if !ok {
		return nil, fault.NotFound("quote %s not found", quoteID)
	}
	if quote.ProviderID != strings.TrimSpace(providerID) {
		return nil, fault.Unauthorized("only the provider may accept a counter on quote %s", quoteID)
	}
	if quote.Status != StatusCountered {
		return nil, fault.Precondition(string(quote.Status), "cannot accept counter in state %s", quote.Status)
	}
	if index < 0 {
		index = len(quote.Counters) - 1
	}
	if index < 0 || index >= len(quote.Counters) {
		return nil, fault.InvalidInput("no counter-offer at index %d", index)
	}
	counter := quote.Counters[index]
	return e.settleAcceptanceLocked(quote, counter.Price, quote.Terms.Apply(counter.Terms), e.now())
}

// settleAcceptanceLocked finalizes acceptance: agreed price set exactly once,
// escrow created iff the effective terms require it. Caller holds the lock.
func (e *Engine) settleAcceptanceLocked(quote *Quote, agreedPrice float64, effective Terms, now time.Time) (*Quote, error) {
	prior := quote.Clone()
	quote.Status = StatusAccepted
	quote.AgreedPrice = &agreedPrice
	quote.Terms = effective

	if effective.EscrowRequired {
		timeout := escrowTimeoutDefaultMinutes
		if effective.DeliveryTimeMinutes > 0 {
			timeout = effective.DeliveryTimeMinutes + escrowTimeoutSlackMinutes
		}
		cond := escrow.Conditions{
			RequiresApproval:           true,
			RequiresDelivery:           true,
			RequiresArbiter:            effective.RequiresArbiter,
			RequiresClientConfirmation: !effective.AutoRelease,
		}
		esc, err := e.escrows.Create(quote.ClientID, quote.ProviderID, agreedPrice, "service: "+quote.Service, quote.Token, cond, timeout)
		if err != nil {
			e.quotes[quote.ID] = prior
			return nil, err
		}
		quote.EscrowID = esc.ID
	}
	if err := e.persistLocked(); err != nil {
		e.quotes[quote.ID] = prior
		return nil, err
	}
	return quote.Clone(), nil
}

// Reject records the client's rejection of a pending quote.
func (e *Engine) Reject(quoteID, clientID, reason string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, ok := e.quotes[quoteID]
	if !ok {
		return nil, fault.NotFound("quote %s not found", quoteID)
	}
	if quote.ClientID != strings.TrimSpace(clientID) {
		return nil, fault.Unauthorized("only the client may reject quote %s", quoteID)
	}
	if quote.Status != StatusPending {
		return nil, fault.Precondition(string(quote.Status), "cannot reject quote in state %s", quote.Status)
	}
	prior := quote.Clone()
	quote.Status = StatusRejected
	quote.RejectReason = strings.TrimSpace(reason)
	if err := e.persistLocked(); err != nil {
		e.quotes[quote.ID] = prior
		return nil, err
	}
	return quote.Clone(), nil
}

// CounterOffer appends a client counter to the negotiation history.
func (e *Engine) CounterOffer(quoteID, clientID string, price float64, terms TermsPatch) (*Quote, error) {
	if !escrow.ValidAmount(price) {
		return nil, fault.InvalidInput("counter price must be positive and finite")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	quote, ok := e.quotes[quoteID]
	if !ok {
		return nil, fault.NotFound("quote %s not found", quoteID)
	}
	if quote.ClientID != strings.TrimSpace(clientID) {
		return nil, fault.Unauthorized("only the client may counter quote %s", quoteID)
	}
	if quote.Status != StatusPending && quote.Status != StatusCountered {
		return nil, fault.Precondition(string(quote.Status), "cannot counter quote in state %s", quote.Status)
	}
	now := e.now()
	if now.After(quote.ExpiresAt) {
		return nil, fault.Precondition(string(quote.Status), "quote %s expired", quoteID)
	}
	prior := quote.Clone()
	quote.Counters = append(quote.Counters, CounterOffer{
		OfferedBy: quote.ClientID,
		Price:     price,
		Terms:     terms,
		Timestamp: now,
	})
	quote.Status = StatusCountered
	if err := e.persistLocked(); err != nil {
		e.quotes[quote.ID] = prior
		return nil, err
	}
	return quote.Clone(), nil
}

// MarkDelivered records the provider's completion claim and forwards the
// proof to the linked escrow when one exists.
func (e *Engine) MarkDelivered(quoteID, providerID string, proof []byte) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, ok := e.quotes[quoteID]
	if !ok {
		return nil, fault.NotFound("quote %s not found", quoteID)
	}
	if quote.ProviderID != strings.TrimSpace(providerID) {
		return nil, fault.Unauthorized("only the provider may mark quote %s delivered", quoteID)
	}
	if quote.Status != StatusAccepted {
		return nil, fault.Precondition(string(quote.Status), "cannot mark delivery in state %s", quote.Status)
	}
	prior := quote.Clone()
	now := e.now()
	quote.Delivery = &DeliveryRecord{
		MarkedBy: quote.ProviderID,
		MarkedAt: now,
		Proof:    append([]byte(nil), proof...),
	}
	if quote.EscrowID != "" {
		if _, err := e.escrows.SubmitDelivery(quote.EscrowID, escrow.DeliveryProof{
			SubmittedBy: quote.ProviderID,
			SubmittedAt: now,
			Data:        append([]byte(nil), proof...),
		}); err != nil {
			e.quotes[quote.ID] = prior
			return nil, err
		}
	}
	if err := e.persistLocked(); err != nil {
		e.quotes[quote.ID] = prior
		return nil, err
	}
	return quote.Clone(), nil
}

// ConfirmDelivery records the client's confirmation and releases the linked
// escrow if it is still locked. A prior automatic release is not an error.
func (e *Engine) ConfirmDelivery(quoteID, clientID string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	quote, ok := e.quotes[quoteID]
	if !ok {
		return nil, fault.NotFound("quote %s not found", quoteID)
	}
	if quote.ClientID != strings.TrimSpace(clientID) {
		return nil, fault.Unauthorized("only the client may confirm delivery on quote %s", quoteID)
	}
	if quote.Delivery == nil {
		return nil, fault.Precondition(string(quote.Status), "no delivery recorded for quote %s", quoteID)
	}
	prior := quote.Clone()
	quote.Delivery.ConfirmedAt = e.now()
	if quote.EscrowID != "" {
		esc, err := e.escrows.Get(quote.EscrowID)
		if err != nil {
			e.quotes[quote.ID] = prior
			return nil, err
		}
		if esc.Status == escrow.StatusLocked {
			if _, err := e.escrows.Release(quote.EscrowID, "client confirmed delivery"); err != nil {
				e.quotes[quote.ID] = prior
				return nil, err
			}
		}
	}
	if err := e.persistLocked(); err != nil {
		e.quotes[quote.ID] = prior
		return nil, err
	}
	return quote.Clone(), nil
}

// ProcessExpirations transitions every pending quote past its expiry to
// expired and returns their ids.
func (e *Engine) ProcessExpirations() ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	ids := make([]string, 0, len(e.quotes))
	for id := range e.quotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var expired []string
	priors := make(map[string]*Quote)
	for _, id := range ids {
		quote := e.quotes[id]
		if quote.Status != StatusPending || !now.After(quote.ExpiresAt) {
			continue
		}
		priors[id] = quote.Clone()
		quote.Status = StatusExpired
		expired = append(expired, id)
	}
	if len(expired) > 0 {
		if err := e.persistLocked(); err != nil {
			for id, prior := range priors {
				e.quotes[id] = prior
			}
			return nil, err
		}
	}
	return expired, nil
}

// Get returns a copy of the quote with the given id.
func (e *Engine) Get(id string) (*Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	quote, ok := e.quotes[id]
	if !ok {
		return nil, fault.NotFound("quote %s not found", id)
	}
	return quote.Clone(), nil
}

// List returns copies of all quotes ordered by creation time.
func (e *Engine) List() []*Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Quote, 0, len(e.quotes))
	for _, quote := range e.quotes {
		out = append(out, quote.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
