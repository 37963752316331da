package negotiation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngines(t *testing.T) (*Engine, *escrow.Engine, *manualClock) {
	t.Helper()
	clock := newManualClock()
	escrows := escrow.NewEngine()
	escrows.SetNowFunc(clock.Now)
	quotes := NewEngine(escrows)
	quotes.SetNowFunc(clock.Now)
	return quotes, escrows, clock
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestAcceptCreatesEscrow(t *testing.T) {
	quotes, escrows, _ := newTestEngines(t)

	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB,
		TermsPatch{DeliveryTimeMinutes: intPtr(30)}, 60)
	require.NoError(t, err)
	require.Equal(t, StatusPending, quote.Status)
	require.True(t, quote.Terms.EscrowRequired, "escrow required by default")
	require.Equal(t, RefundPolicyNone, quote.Terms.RefundPolicy)

	accepted, err := quotes.Accept(quote.ID, "C")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.AgreedPrice)
	require.Equal(t, 100.0, *accepted.AgreedPrice)
	require.NotEmpty(t, accepted.EscrowID)

	esc, err := escrows.Get(accepted.EscrowID)
	require.NoError(t, err)
	require.Equal(t, "C", esc.Payer)
	require.Equal(t, "P", esc.Payee)
	require.Equal(t, 100.0, esc.Amount)
	require.True(t, esc.Conditions.RequiresApproval)
	require.True(t, esc.Conditions.RequiresDelivery)
	require.True(t, esc.Conditions.RequiresClientConfirmation, "auto-release off by default")
	require.NotNil(t, esc.TimeoutAt)
	// deliveryTime 30 + 30 slack
	require.Equal(t, quote.CreatedAt.Add(60*time.Minute), esc.TimeoutAt.UTC())
}

func TestCounterOfferFlow(t *testing.T) {
	quotes, escrows, _ := newTestEngines(t)

	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{DeliveryTimeMinutes: intPtr(30)}, 60)
	require.NoError(t, err)

	countered, err := quotes.CounterOffer(quote.ID, "C", 80, TermsPatch{})
	require.NoError(t, err)
	require.Equal(t, StatusCountered, countered.Status)
	require.Len(t, countered.Counters, 1)

	accepted, err := quotes.AcceptCounter(quote.ID, "P", -1)
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)
	require.Equal(t, 80.0, *accepted.AgreedPrice)
	require.NotEmpty(t, accepted.EscrowID)

	esc, err := escrows.Get(accepted.EscrowID)
	require.NoError(t, err)
	require.Equal(t, 80.0, esc.Amount)
}

func TestCounterTermsOverlayMerged(t *testing.T) {
	quotes, _, _ := newTestEngines(t)
	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{}, 60)
	require.NoError(t, err)

	_, err = quotes.CounterOffer(quote.ID, "C", 90, TermsPatch{AutoRelease: boolPtr(true), DeliveryTimeMinutes: intPtr(15)})
	require.NoError(t, err)
	accepted, err := quotes.AcceptCounter(quote.ID, "P", -1)
	require.NoError(t, err)
	require.True(t, accepted.Terms.AutoRelease)
	require.Equal(t, 15, accepted.Terms.DeliveryTimeMinutes)
	require.True(t, accepted.Terms.EscrowRequired, "base term survives overlay")
}

func TestAuthorizationEnforced(t *testing.T) {
	quotes, _, _ := newTestEngines(t)
	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{}, 60)
	require.NoError(t, err)

	_, err = quotes.Accept(quote.ID, "P")
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	_, err = quotes.Reject(quote.ID, "P", "no")
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	_, err = quotes.CounterOffer(quote.ID, "someone-else", 50, TermsPatch{})
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))

	_, err = quotes.CounterOffer(quote.ID, "C", 50, TermsPatch{})
	require.NoError(t, err)
	_, err = quotes.AcceptCounter(quote.ID, "C", -1)
	require.True(t, fault.IsKind(err, fault.KindUnauthorized))
}

func TestExpiryBoundary(t *testing.T) {
	quotes, _, clock := newTestEngines(t)
	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{EscrowRequired: boolPtr(false)}, 60)
	require.NoError(t, err)

	// At exactly the expiry instant acceptance still succeeds.
	clock.Advance(60 * time.Minute)
	accepted, err := quotes.Accept(quote.ID, "C")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)
	require.Empty(t, accepted.EscrowID, "no escrow when terms opt out")

	late, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{}, 60)
	require.NoError(t, err)
	clock.Advance(60*time.Minute + time.Millisecond)
	_, err = quotes.Accept(late.ID, "C")
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
}

func TestProcessExpirations(t *testing.T) {
	quotes, _, clock := newTestEngines(t)
	first, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{}, 10)
	require.NoError(t, err)
	second, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{}, 120)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	expired, err := quotes.ProcessExpirations()
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, expired)

	got, err := quotes.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)

	still, err := quotes.Get(second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, still.Status)

	expired, err = quotes.ProcessExpirations()
	require.NoError(t, err)
	require.Empty(t, expired, "second sweep finds nothing new")
}

func TestDeliveryRoundTrip(t *testing.T) {
	quotes, escrows, _ := newTestEngines(t)
	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{}, 60)
	require.NoError(t, err)
	accepted, err := quotes.Accept(quote.ID, "C")
	require.NoError(t, err)

	// Walk the escrow to locked.
	_, err = escrows.Fund(accepted.EscrowID, "0xF")
	require.NoError(t, err)
	_, err = escrows.Approve(accepted.EscrowID, "C")
	require.NoError(t, err)
	_, err = escrows.Approve(accepted.EscrowID, "P")
	require.NoError(t, err)

	marked, err := quotes.MarkDelivered(quote.ID, "P", []byte("artifact"))
	require.NoError(t, err)
	require.NotNil(t, marked.Delivery)

	esc, err := escrows.Get(accepted.EscrowID)
	require.NoError(t, err)
	require.NotNil(t, esc.Delivery, "proof forwarded to escrow")
	require.Equal(t, escrow.StatusLocked, esc.Status, "client confirmation required")

	_, err = quotes.ConfirmDelivery(quote.ID, "C")
	require.NoError(t, err)

	esc, err = escrows.Get(accepted.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, esc.Status)
}

func TestConfirmAfterAutoReleaseIsNoError(t *testing.T) {
	quotes, escrows, _ := newTestEngines(t)
	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{AutoRelease: boolPtr(true)}, 60)
	require.NoError(t, err)
	accepted, err := quotes.Accept(quote.ID, "C")
	require.NoError(t, err)

	_, err = escrows.Fund(accepted.EscrowID, "0xF")
	require.NoError(t, err)
	_, err = escrows.Approve(accepted.EscrowID, "C")
	require.NoError(t, err)
	_, err = escrows.Approve(accepted.EscrowID, "P")
	require.NoError(t, err)

	// Auto-release: delivery submission releases without confirmation.
	_, err = quotes.MarkDelivered(quote.ID, "P", []byte("done"))
	require.NoError(t, err)
	esc, err := escrows.Get(accepted.EscrowID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusReleased, esc.Status)

	_, err = quotes.ConfirmDelivery(quote.ID, "C")
	require.NoError(t, err, "confirmation after auto-release is accepted")
}

func TestRejectOnlyFromPending(t *testing.T) {
	quotes, _, _ := newTestEngines(t)
	quote, err := quotes.CreateQuote("P", "C", "s", 100, escrow.TokenSHIB, TermsPatch{EscrowRequired: boolPtr(false)}, 60)
	require.NoError(t, err)
	_, err = quotes.Accept(quote.ID, "C")
	require.NoError(t, err)
	_, err = quotes.Reject(quote.ID, "C", "changed my mind")
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
}
