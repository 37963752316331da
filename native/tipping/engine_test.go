package tipping

import (
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcus20232023/a2a-shib-payments/core/events"
	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
)

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evt.EventType())
}

func (r *recordingEmitter) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *recordingEmitter, *manualClock) {
	t.Helper()
	engine := NewEngine()
	emitter := &recordingEmitter{}
	clock := newManualClock()
	engine.SetEmitter(emitter)
	engine.SetNowFunc(clock.Now)
	return engine, emitter, clock
}

func createTip(t *testing.T, engine *Engine) *Tip {
	t.Helper()
	tip, err := engine.CreateTip(CreateParams{
		RepoRef:   "o/r",
		Tipper:    "T",
		Recipient: "R",
		Amount:    10,
		Token:     escrow.TokenSHIB,
	})
	require.NoError(t, err)
	return tip
}

func staticFactory(id string) EscrowFactory {
	return func(*Tip) (string, error) { return id, nil }
}

func TestTipFullFlow(t *testing.T) {
	engine, emitter, _ := newTestEngine(t)

	tip := createTip(t, engine)
	require.Equal(t, StatusPending, tip.Status)

	tip, err := engine.CreateEscrow(tip.ID, staticFactory("E4"))
	require.NoError(t, err)
	require.Equal(t, StatusEscrowCreated, tip.Status)
	require.Equal(t, "E4", tip.EscrowID)

	tip, err = engine.FundEscrow(tip.ID, "0xA")
	require.NoError(t, err)
	require.Equal(t, StatusFunded, tip.Status)
	require.Equal(t, "0xA", tip.FundingHash)

	tip, err = engine.LockEscrow(tip.ID)
	require.NoError(t, err)
	require.Equal(t, StatusLocked, tip.Status)

	tip, err = engine.ReleaseTip(tip.ID, "0xB", 123, 50000)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, tip.Status)
	require.Equal(t, "0xB", tip.Settlement.TxHash)
	require.Equal(t, uint64(123), tip.Settlement.BlockNumber)
	require.Equal(t, uint64(50000), tip.Settlement.GasUsed)

	require.Equal(t, []string{EventTypeReceived, EventTypeSettled}, emitter.Types())

	global := engine.GlobalStats()
	require.Equal(t, 1, global.TotalTips)
	require.Equal(t, 10.0, global.TotalAmount)
	require.Equal(t, 1, global.ByToken[escrow.TokenSHIB].Count)
}

func TestCreateTipValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing repo name", CreateParams{RepoRef: "owner", Tipper: "T", Recipient: "R", Amount: 1, Token: "SHIB"}},
		{"leading hyphen", CreateParams{RepoRef: "-owner/repo", Tipper: "T", Recipient: "R", Amount: 1, Token: "SHIB"}},
		{"trailing hyphen", CreateParams{RepoRef: "owner/repo-", Tipper: "T", Recipient: "R", Amount: 1, Token: "SHIB"}},
		{"empty tipper", CreateParams{RepoRef: "o/r", Tipper: "  ", Recipient: "R", Amount: 1, Token: "SHIB"}},
		{"bad recipient", CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "-bad-", Amount: 1, Token: "SHIB"}},
		{"short address", CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "0xabc", Amount: 1, Token: "SHIB"}},
		{"zero amount", CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 0, Token: "SHIB"}},
		{"negative amount", CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: -1, Token: "SHIB"}},
		{"infinite amount", CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: math.Inf(1), Token: "SHIB"}},
		{"unsupported token", CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 1, Token: "DOGE"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.CreateTip(tc.params)
			require.True(t, fault.IsKind(err, fault.KindInvalidInput), "got %v", err)
		})
	}
}

func TestRepoRefBoundary(t *testing.T) {
	long39 := strings.Repeat("a", 39)
	require.True(t, ValidRepoRef(long39+"/"+long39))
	require.False(t, ValidRepoRef(strings.Repeat("a", 40)+"/repo"))
	require.True(t, ValidRepoRef("a/b"))
	require.True(t, ValidRepoRef("my-org/my-repo"))
	require.False(t, ValidRepoRef("my_org/repo"))
	require.False(t, ValidRepoRef("o/r/extra"))
}

func TestRecipientForms(t *testing.T) {
	require.True(t, ValidRecipient("octocat"))
	require.True(t, ValidRecipient("0x"+strings.Repeat("ab", 20)))
	require.False(t, ValidRecipient("0x"+strings.Repeat("ab", 19)))
	require.False(t, ValidRecipient(strings.Repeat("ab", 20)))
	require.False(t, ValidRecipient(""))
}

func TestSmallestPositiveAmountAccepted(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tip, err := engine.CreateTip(CreateParams{
		RepoRef:   "o/r",
		Tipper:    "T",
		Recipient: "R",
		Amount:    math.SmallestNonzeroFloat64,
		Token:     "SHIB",
	})
	require.NoError(t, err)
	require.Equal(t, math.SmallestNonzeroFloat64, tip.Amount)
}

func TestForwardChainEnforced(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tip := createTip(t, engine)

	_, err := engine.FundEscrow(tip.ID, "0xA")
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
	_, err = engine.LockEscrow(tip.ID)
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
	_, err = engine.ReleaseTip(tip.ID, "0xB", 1, 0)
	require.True(t, fault.IsKind(err, fault.KindPrecondition))

	_, err = engine.CreateEscrow(tip.ID, staticFactory("E1"))
	require.NoError(t, err)
	_, err = engine.CreateEscrow(tip.ID, staticFactory("E2"))
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
}

func TestCancelFromPreReleasedStates(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	for _, advance := range []func(*Engine, string){
		func(*Engine, string) {},
		func(e *Engine, id string) {
			_, err := e.CreateEscrow(id, staticFactory("E"))
			require.NoError(t, err)
		},
		func(e *Engine, id string) {
			_, err := e.CreateEscrow(id, staticFactory("E"))
			require.NoError(t, err)
			_, err = e.FundEscrow(id, "0xA")
			require.NoError(t, err)
		},
	} {
		tip := createTip(t, engine)
		advance(engine, tip.ID)
		cancelled, err := engine.CancelTip(tip.ID, "caller abort")
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, cancelled.Status)
		require.Equal(t, "caller abort", cancelled.CancelReason)
	}
}

func TestCancelTerminalRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	tip := createTip(t, engine)
	_, err := engine.CreateEscrow(tip.ID, staticFactory("E"))
	require.NoError(t, err)
	_, err = engine.FundEscrow(tip.ID, "0xA")
	require.NoError(t, err)
	_, err = engine.LockEscrow(tip.ID)
	require.NoError(t, err)
	_, err = engine.ReleaseTip(tip.ID, "0xB", 9, 0)
	require.NoError(t, err)

	_, err = engine.CancelTip(tip.ID, "")
	require.True(t, fault.IsKind(err, fault.KindPrecondition))
	require.Contains(t, err.Error(), "cannot cancel in state released")
}

func TestEscrowFactoryIntegration(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	escrows := escrow.NewEngine()
	escrows.SetNowFunc(clock.Now)

	tip := createTip(t, engine)
	linked, err := engine.CreateEscrow(tip.ID, func(tip *Tip) (string, error) {
		esc, err := escrows.Create(tip.Tipper, tip.Recipient, tip.Amount, "tip "+tip.RepoRef, tip.Token, escrow.Conditions{}, 0)
		if err != nil {
			return "", err
		}
		return esc.ID, nil
	})
	require.NoError(t, err)

	esc, err := escrows.Get(linked.EscrowID)
	require.NoError(t, err)
	require.Equal(t, tip.Tipper, esc.Payer)
	require.Equal(t, tip.Recipient, esc.Payee)
	require.Equal(t, tip.Amount, esc.Amount)
}

func TestStatsAggregation(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	seed := []CreateParams{
		{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 10, Token: "SHIB"},
		{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 20, Token: "USDC"},
		{RepoRef: "o/other", Tipper: "T", Recipient: "R", Amount: 5, Token: "SHIB"},
		{RepoRef: "x/y", Tipper: "U", Recipient: "R", Amount: 100, Token: "SHIB"},
	}
	for _, params := range seed {
		_, err := engine.CreateTip(params)
		require.NoError(t, err)
	}

	repo := engine.RepoStats("o/r")
	require.Equal(t, 2, repo.Count)
	require.Equal(t, 30.0, repo.Total)
	require.Equal(t, 15.0, repo.Average)
	require.Equal(t, TokenStats{Count: 1, Total: 10}, repo.ByToken["SHIB"])
	require.Equal(t, TokenStats{Count: 1, Total: 20}, repo.ByToken["USDC"])
	require.Equal(t, 2, repo.ByStatus[StatusPending])

	tipper := engine.TipperStats("T", 1)
	require.Equal(t, 3, tipper.Count)
	require.Equal(t, 35.0, tipper.Total)
	require.Len(t, tipper.TopRepos, 1)
	require.Equal(t, "o/r", tipper.TopRepos[0].RepoRef)

	global := engine.GlobalStats()
	require.Equal(t, 4, global.TotalTips)
	require.Equal(t, 135.0, global.TotalAmount)
	require.Equal(t, "x/y", global.TopRepos[0].RepoRef)
}

func TestProcessBatch(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	advanceTo := func(params CreateParams, status Status) string {
		tip, err := engine.CreateTip(params)
		require.NoError(t, err)
		if status == StatusPending {
			return tip.ID
		}
		_, err = engine.CreateEscrow(tip.ID, staticFactory("E-"+tip.ID))
		require.NoError(t, err)
		if status == StatusEscrowCreated {
			return tip.ID
		}
		_, err = engine.FundEscrow(tip.ID, "0xA")
		require.NoError(t, err)
		if status == StatusFunded {
			return tip.ID
		}
		_, err = engine.LockEscrow(tip.ID)
		require.NoError(t, err)
		return tip.ID
	}

	advanceTo(CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 10, Token: "SHIB"}, StatusFunded)
	advanceTo(CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 20, Token: "SHIB"}, StatusLocked)
	advanceTo(CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 40, Token: "USDC"}, StatusFunded)
	advanceTo(CreateParams{RepoRef: "o/r", Tipper: "T", Recipient: "R", Amount: 80, Token: "SHIB"}, StatusPending)

	all := engine.ProcessBatch(BatchFilters{})
	require.Len(t, all.Tips, 3)
	require.Equal(t, 70.0, all.Total)

	shib := engine.ProcessBatch(BatchFilters{Token: "SHIB"})
	require.Len(t, shib.Tips, 2)
	require.Equal(t, 30.0, shib.Total)
}

func TestSnapshotRehydration(t *testing.T) {
	dir := t.TempDir()
	store := snapshot.New(filepath.Join(dir, "tips.json"))

	engine, _, _ := newTestEngine(t)
	require.NoError(t, engine.SetStore(store))
	tip := createTip(t, engine)
	_, err := engine.CreateEscrow(tip.ID, staticFactory("E9"))
	require.NoError(t, err)

	restored := NewEngine()
	require.NoError(t, restored.SetStore(store))
	got, err := restored.Get(tip.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEscrowCreated, got.Status)
	require.Equal(t, "E9", got.EscrowID)
	require.NotNil(t, got.Timeline.EscrowCreatedAt)
}
