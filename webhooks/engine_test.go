package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *manualClock) {
	t.Helper()
	engine := NewEngine(opts)
	clock := newManualClock()
	engine.SetNowFunc(clock.Now)
	return engine, clock
}

func TestRegisterValidation(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultOptions())

	_, err := engine.Register("ftp://example.com/hook", []string{EventEscrowCreated}, RegisterParams{})
	require.True(t, fault.IsKind(err, fault.KindInvalidInput))

	_, err = engine.Register("   ", []string{EventEscrowCreated}, RegisterParams{})
	require.True(t, fault.IsKind(err, fault.KindInvalidInput))

	_, err = engine.Register("https://example.com/hook", []string{"bogus", "test"}, RegisterParams{})
	require.True(t, fault.IsKind(err, fault.KindNoValidEventTypes))

	sub, err := engine.Register("https://example.com/hook", []string{"bogus", EventEscrowFunded, EventEscrowFunded, EventPaymentSettled}, RegisterParams{})
	require.NoError(t, err)
	require.Equal(t, []string{EventEscrowFunded, EventPaymentSettled}, sub.EventTypes)
	require.Len(t, sub.Secret, secretBytes*2)
	require.True(t, sub.Enabled)

	// The secret travels once, at registration. Reads withhold it.
	got, err := engine.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.Empty(t, got.Secret)
	listed := engine.ListSubscriptions()
	require.Len(t, listed, 1)
	require.Empty(t, listed[0].Secret)
}

func TestUpdateSubscription(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultOptions())
	sub, err := engine.Register("https://example.com/hook", []string{EventEscrowCreated}, RegisterParams{})
	require.NoError(t, err)

	disabled := false
	updated, err := engine.Update(sub.ID, UpdateParams{EventTypes: []string{EventTippingReceived}, Enabled: &disabled})
	require.NoError(t, err)
	require.Equal(t, []string{EventTippingReceived}, updated.EventTypes)
	require.False(t, updated.Enabled)
	require.Empty(t, updated.Secret)

	_, err = engine.Update(sub.ID, UpdateParams{EventTypes: []string{"nope"}})
	require.True(t, fault.IsKind(err, fault.KindNoValidEventTypes))

	_, err = engine.Update("missing", UpdateParams{})
	require.True(t, fault.IsKind(err, fault.KindNotFound))

	require.NoError(t, engine.Unregister(sub.ID))
	require.True(t, fault.IsKind(engine.Unregister(sub.ID), fault.KindNotFound))
}

func TestEmitRejectsUnknownTags(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultOptions())

	_, err := engine.Emit("bogus", nil, nil)
	require.True(t, fault.IsKind(err, fault.KindInvalidEventType))

	// The reserved test tag never flows through Emit.
	_, err = engine.Emit(EventTest, nil, nil)
	require.True(t, fault.IsKind(err, fault.KindInvalidEventType))
}

func TestEmitFansOutToMatchingEnabledSubscriptions(t *testing.T) {
	engine, _ := newTestEngine(t, DefaultOptions())

	match, err := engine.Register("https://a.example.com", []string{EventEscrowCreated}, RegisterParams{})
	require.NoError(t, err)
	_, err = engine.Register("https://b.example.com", []string{EventPaymentSettled}, RegisterParams{})
	require.NoError(t, err)
	disabled := false
	off, err := engine.Register("https://c.example.com", []string{EventEscrowCreated}, RegisterParams{})
	require.NoError(t, err)
	_, err = engine.Update(off.ID, UpdateParams{Enabled: &disabled})
	require.NoError(t, err)

	event, err := engine.Emit(EventEscrowCreated, map[string]any{"escrowId": "e-1"}, map[string]string{"source": "escrow"})
	require.NoError(t, err)
	require.NotEmpty(t, event.ID)

	pending := engine.PendingDeliveries()
	require.Len(t, pending, 1)
	require.Equal(t, match.ID, pending[0].SubscriptionID)
	require.Equal(t, 1, pending[0].Attempt)
	require.Nil(t, pending[0].NextAttemptAt)
}

func TestDeliveryHeadersAndSignature(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine, _ := newTestEngine(t, DefaultOptions())
	sub, err := engine.Register(server.URL, []string{EventEscrowReleased}, RegisterParams{
		Headers: map[string]string{"X-Custom": "alpha"},
	})
	require.NoError(t, err)

	event, err := engine.Emit(EventEscrowReleased, map[string]any{"escrowId": "e-9"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, engine.ProcessQueue(context.Background()))

	require.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	require.Equal(t, sub.ID, gotHeaders.Get("X-Webhook-ID"))
	require.Equal(t, event.ID, gotHeaders.Get("X-Event-ID"))
	require.Equal(t, EventEscrowReleased, gotHeaders.Get("X-Event-Type"))
	require.NotEmpty(t, gotHeaders.Get("X-Timestamp"))
	require.Equal(t, "alpha", gotHeaders.Get("X-Custom"))

	var decoded Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	require.Equal(t, event.ID, decoded.ID)

	// The signature covers exactly the bytes on the wire.
	ok, err := engine.VerifySignature(sub.ID, gotBody, gotHeaders.Get("X-Signature"))
	require.NoError(t, err)
	require.True(t, ok)
	tampered := append([]byte(nil), gotBody...)
	tampered[0] ^= 0x01
	ok, err = engine.VerifySignature(sub.ID, tampered, gotHeaders.Get("X-Signature"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRetryBackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.InitialDelay = 10 * time.Millisecond
	engine, clock := newTestEngine(t, opts)
	sub, err := engine.Register(server.URL, []string{EventEscrowFunded}, RegisterParams{})
	require.NoError(t, err)

	_, err = engine.Emit(EventEscrowFunded, map[string]any{"escrowId": "e-2"}, nil)
	require.NoError(t, err)

	// First attempt fails and schedules a retry 10ms out.
	require.Equal(t, 1, engine.ProcessQueue(context.Background()))
	pending := engine.PendingDeliveries()
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Attempt)
	require.NotNil(t, pending[0].NextAttemptAt)

	// Not due yet.
	clock.Advance(5 * time.Millisecond)
	require.Equal(t, 0, engine.ProcessQueue(context.Background()))

	clock.Advance(5 * time.Millisecond)
	require.Equal(t, 1, engine.ProcessQueue(context.Background()))

	// Second retry doubles the delay.
	clock.Advance(20 * time.Millisecond)
	require.Equal(t, 1, engine.ProcessQueue(context.Background()))
	require.Empty(t, engine.PendingDeliveries())

	require.Equal(t, int32(3), calls.Load())
	got, err := engine.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Successes)
	require.Equal(t, int64(2), got.Failures)
	require.Equal(t, int64(2), got.Retries)
	require.NotNil(t, got.LastTriggeredAt)
}

func TestDeliveryAbandonedAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.MaxAttempts = 3
	opts.InitialDelay = time.Millisecond
	engine, clock := newTestEngine(t, opts)
	sub, err := engine.Register(server.URL, []string{EventEscrowDisputed}, RegisterParams{})
	require.NoError(t, err)

	signals, unsubscribe := engine.Signals().Subscribe(32)
	defer unsubscribe()

	_, err = engine.Emit(EventEscrowDisputed, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Equal(t, 1, engine.ProcessQueue(context.Background()))
		clock.Advance(time.Second)
	}
	require.Empty(t, engine.PendingDeliveries())
	require.Equal(t, int32(3), calls.Load())

	got, err := engine.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Successes)
	require.Equal(t, int64(3), got.Failures)
	require.Equal(t, int64(2), got.Retries)

	var failed bool
	for len(signals) > 0 {
		sig := (<-signals).(Signal)
		if sig.Name == SignalDeliveryFailed {
			failed = true
			require.Equal(t, 3, sig.Attempt)
		}
	}
	require.True(t, failed)
}

func TestUnregisteredSubscriptionDropped(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	engine, _ := newTestEngine(t, DefaultOptions())
	sub, err := engine.Register(server.URL, []string{EventEscrowCreated}, RegisterParams{})
	require.NoError(t, err)
	_, err = engine.Emit(EventEscrowCreated, nil, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Unregister(sub.ID))

	require.Equal(t, 1, engine.ProcessQueue(context.Background()))
	require.Empty(t, engine.PendingDeliveries())
	require.Equal(t, int32(0), calls.Load())
}

func TestQueueRehydration(t *testing.T) {
	dir := t.TempDir()
	subsPath := filepath.Join(dir, "subscriptions.json")
	queuePath := filepath.Join(dir, "queue.json")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	first, _ := newTestEngine(t, DefaultOptions())
	require.NoError(t, first.SetStores(snapshot.New(subsPath), snapshot.New(queuePath)))
	_, err := first.Register(server.URL, []string{EventTippingReceived}, RegisterParams{})
	require.NoError(t, err)
	event, err := first.Emit(EventTippingReceived, map[string]any{"tipId": "t-1"}, nil)
	require.NoError(t, err)
	queued := first.PendingDeliveries()
	require.Len(t, queued, 1)

	// A fresh process picks the queue back up from disk.
	second, _ := newTestEngine(t, DefaultOptions())
	require.NoError(t, second.SetStores(snapshot.New(subsPath), snapshot.New(queuePath)))
	restored := second.PendingDeliveries()
	require.Len(t, restored, 1)
	require.Equal(t, event.ID, restored[0].Event.ID)
	require.Equal(t, deliveryStatusPending, restored[0].Status)
	require.JSONEq(t, string(queued[0].Payload), string(restored[0].Payload))

	require.Equal(t, 1, second.ProcessQueue(context.Background()))
	require.Empty(t, second.PendingDeliveries())
}

func TestShutdownWritesFinalCheckpoint(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.json")

	engine, _ := newTestEngine(t, DefaultOptions())
	require.NoError(t, engine.SetStores(nil, snapshot.New(queuePath)))
	_, err := engine.Register("https://example.com/hook", []string{EventEscrowRefunded}, RegisterParams{})
	require.NoError(t, err)
	_, err = engine.Emit(EventEscrowRefunded, nil, nil)
	require.NoError(t, err)

	engine.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))

	var persisted []*Delivery
	ok, err := snapshot.New(queuePath).Load(&persisted)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, persisted, 1)
}

func TestTestWebhookBypassesQueue(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	var gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("X-Event-Type")
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	engine, _ := newTestEngine(t, DefaultOptions())
	sub, err := engine.Register(server.URL, []string{EventEscrowCreated}, RegisterParams{})
	require.NoError(t, err)

	event, err := engine.TestWebhook(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, EventTest, event.Type)
	require.Equal(t, EventTest, gotType)
	require.Empty(t, engine.PendingDeliveries())

	// Test sends do not move the delivery counters.
	got, err := engine.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Successes)

	status.Store(http.StatusBadGateway)
	_, err = engine.TestWebhook(context.Background(), sub.ID)
	require.True(t, fault.IsKind(err, fault.KindTransient))

	_, err = engine.TestWebhook(context.Background(), "missing")
	require.True(t, fault.IsKind(err, fault.KindNotFound))
}

func TestBackoffDelaySchedule(t *testing.T) {
	opts := DefaultOptions()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{13, time.Hour},
		{100, time.Hour},
	}
	for _, tc := range cases {
		if got := opts.backoffDelay(tc.attempt); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestEventLogCapAndRehydration(t *testing.T) {
	dir := t.TempDir()
	store := snapshot.New(filepath.Join(dir, "events.json"))

	log, err := NewEventLog(store, 3)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(LogEntry{Type: EventEscrowCreated, Message: string(rune('a' + i))}))
	}
	recent := log.Recent(0)
	require.Len(t, recent, 3)
	require.Equal(t, "c", recent[0].Message)
	require.Equal(t, "e", recent[2].Message)

	reloaded, err := NewEventLog(store, 3)
	require.NoError(t, err)
	require.Equal(t, recent, reloaded.Recent(0))
}
