package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus20232023/a2a-shib-payments/core/events"
	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
)

// Engine owns the subscription registry and the durable delivery queue. A
// single mutex guards both; network sends happen outside the lock.
type Engine struct {
	opts    Options
	client  *http.Client
	logger  *slog.Logger
	metrics *deliveryMetrics
	signals *events.Feed

	mu         sync.Mutex
	subs       map[string]*Subscription
	queue      []*Delivery
	subsStore  *snapshot.Store
	queueStore *snapshot.Store
	eventLog   *EventLog

	nowFn func() time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// NewEngine constructs a stopped engine with sanitized options. Call Start to
// launch the delivery worker.
func NewEngine(opts Options) *Engine {
	opts = opts.sanitized()
	return &Engine{
		opts:    opts,
		client:  &http.Client{Timeout: opts.RequestTimeout},
		logger:  slog.Default(),
		metrics: engineMetrics(),
		signals: events.NewFeed(),
		subs:    make(map[string]*Subscription),
	}
}

// SetLogger replaces the engine logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetNowFunc overrides the clock. Passing nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowFn = now
}

// SetHTTPClient replaces the outbound client.
func (e *Engine) SetHTTPClient(client *http.Client) {
	if client != nil {
		e.client = client
	}
}

// SetEventLog attaches the operator-facing event log.
func (e *Engine) SetEventLog(log *EventLog) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventLog = log
}

// SetStores attaches snapshot files for subscriptions and the delivery queue
// and rehydrates state from them. Deliveries that were in flight when the
// process stopped come back as pending and are retried.
func (e *Engine) SetStores(subsStore, queueStore *snapshot.Store) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subsStore = subsStore
	e.queueStore = queueStore
	if subsStore != nil {
		var loaded map[string]*Subscription
		if ok, err := subsStore.Load(&loaded); err != nil {
			return fmt.Errorf("load subscriptions: %w", err)
		} else if ok {
			e.subs = loaded
		}
	}
	if queueStore != nil {
		var loaded []*Delivery
		if ok, err := queueStore.Load(&loaded); err != nil {
			return fmt.Errorf("load delivery queue: %w", err)
		} else if ok {
			for _, d := range loaded {
				d.Status = deliveryStatusPending
			}
			e.queue = loaded
		}
	}
	return nil
}

// Signals exposes the in-process lifecycle feed.
func (e *Engine) Signals() *events.Feed { return e.signals }

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

// Emit validates the tag against the closed set, assigns an event id,
// serializes the event once, and enqueues one delivery per matching enabled
// subscription. The queue is checkpointed before Emit returns.
func (e *Engine) Emit(eventType string, data map[string]any, eventContext map[string]string) (*Event, error) {
	if !recognizedEventType(eventType) {
		return nil, fault.InvalidEventType(eventType)
	}
	if data == nil {
		data = map[string]any{}
	}
	now := e.now()
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: now.UnixMilli(),
		Data:      data,
		Context:   eventContext,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	e.mu.Lock()
	enqueued := 0
	for _, sub := range e.subs {
		if !sub.Enabled || !sub.subscribedTo(eventType) {
			continue
		}
		e.queue = append(e.queue, &Delivery{
			SubscriptionID: sub.ID,
			Event:          event,
			Payload:        append(json.RawMessage(nil), payload...),
			Attempt:        1,
			Status:         deliveryStatusPending,
		})
		enqueued++
	}
	if err := e.checkpointQueueLocked(); err != nil {
		e.queue = e.queue[:len(e.queue)-enqueued]
		e.mu.Unlock()
		return nil, err
	}
	log := e.eventLog
	e.mu.Unlock()

	if err := log.Append(LogEntry{At: now, Type: eventType, EventID: event.ID}); err != nil {
		e.logger.Warn("event log append failed", "error", err)
	}
	e.logger.Info("event emitted", "type", eventType, "event", event.ID, "deliveries", enqueued)
	return &event, nil
}

// Emitter adapts the engine to events.Emitter so the state engines can
// publish transitions without importing this package's types.
func (e *Engine) Emitter() events.Emitter { return engineEmitter{engine: e} }

type engineEmitter struct {
	engine *Engine
}

func (a engineEmitter) Emit(evt events.Event) {
	data := map[string]any{}
	var eventContext map[string]string
	if carrier, ok := evt.(events.PayloadCarrier); ok {
		data = carrier.EventPayload()
		eventContext = carrier.EventContext()
	}
	if _, err := a.engine.Emit(evt.EventType(), data, eventContext); err != nil {
		a.engine.logger.Warn("event emission rejected", "type", evt.EventType(), "error", err)
	}
}

// PendingDeliveries returns copies of the queued deliveries.
func (e *Engine) PendingDeliveries() []*Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Delivery, 0, len(e.queue))
	for _, d := range e.queue {
		out = append(out, d.clone())
	}
	return out
}

// Start launches the delivery worker and the periodic checkpointer. It is a
// no-op when the engine is already running.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true
	e.loops.Add(2)
	go e.deliveryLoop(ctx)
	go e.checkpointLoop(ctx)
}

// Shutdown stops the loops, waits for the in-flight batch, writes a final
// checkpoint, and closes the signal feed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.cancel()
	e.running = false
	e.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	err := e.checkpointQueueLocked()
	e.mu.Unlock()
	e.signals.Close()
	if err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	e.logger.Info("webhook engine stopped")
	return nil
}

func (e *Engine) deliveryLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.opts.WorkerTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ProcessQueue(ctx)
		}
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(e.opts.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			err := e.checkpointQueueLocked()
			e.mu.Unlock()
			if err != nil {
				e.logger.Warn("queue checkpoint failed", "error", err)
			}
		}
	}
}

// ProcessQueue drains every delivery that is due, sending with bounded
// fan-out, and publishes a processing-complete signal once the batch is
// settled. It returns the number of deliveries attempted.
func (e *Engine) ProcessQueue(ctx context.Context) int {
	now := e.now()

	e.mu.Lock()
	var due []*Delivery
	remaining := e.queue[:0]
	for _, d := range e.queue {
		if d.due(now) {
			due = append(due, d)
		} else {
			remaining = append(remaining, d)
		}
	}
	e.queue = remaining
	e.mu.Unlock()

	if len(due) > 0 {
		sem := make(chan struct{}, e.opts.FanOut)
		var batch sync.WaitGroup
		for i, d := range due {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Put the undispatched tail back for the next run.
				e.requeue(due[i:])
				batch.Wait()
				return i
			}
			batch.Add(1)
			go func(d *Delivery) {
				defer batch.Done()
				defer func() { <-sem }()
				e.deliver(ctx, d)
			}(d)
		}
		batch.Wait()
	}

	e.mu.Lock()
	if err := e.checkpointQueueLocked(); err != nil {
		e.logger.Warn("queue checkpoint failed", "error", err)
	}
	e.mu.Unlock()
	e.signals.Emit(Signal{Name: SignalProcessingComplete})
	return len(due)
}

func (e *Engine) requeue(deliveries []*Delivery) {
	e.mu.Lock()
	e.queue = append(e.queue, deliveries...)
	e.mu.Unlock()
}

// deliver transmits one attempt. The signature is computed at send time over
// the stored payload bytes, and those exact bytes go on the wire.
func (e *Engine) deliver(ctx context.Context, d *Delivery) {
	e.mu.Lock()
	sub, ok := e.subs[d.SubscriptionID]
	if !ok || !sub.Enabled {
		e.mu.Unlock()
		e.metrics.recordDropped("unsubscribed")
		return
	}
	target := sub.URL
	secret := sub.Secret
	extraHeaders := make(map[string]string, len(sub.Headers))
	for k, v := range sub.Headers {
		extraHeaders[k] = v
	}
	e.mu.Unlock()

	err := e.post(ctx, target, secret, extraHeaders, d)
	if err != nil {
		e.handleFailure(d, err)
		return
	}

	now := e.now()
	e.mu.Lock()
	if sub, ok := e.subs[d.SubscriptionID]; ok {
		sub.Successes++
		at := now
		sub.LastTriggeredAt = &at
		if err := e.persistSubsLocked(); err != nil {
			e.logger.Warn("subscription stats persist failed", "error", err)
		}
	}
	e.mu.Unlock()

	e.metrics.recordDelivered(d.Event.Type)
	e.logger.Info("webhook delivered",
		"subscription", d.SubscriptionID, "event", d.Event.ID, "type", d.Event.Type, "attempt", d.Attempt)
	e.signals.Emit(Signal{
		Name:           SignalDelivered,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.Event.ID,
		Type:           d.Event.Type,
		Attempt:        d.Attempt,
	})
}

func (e *Engine) post(ctx context.Context, target, secret string, extraHeaders map[string]string, d *Delivery) error {
	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(d.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", d.SubscriptionID)
	req.Header.Set("X-Event-ID", d.Event.ID)
	req.Header.Set("X-Event-Type", d.Event.Type)
	req.Header.Set("X-Timestamp", strconv.FormatInt(d.Event.Timestamp, 10))
	req.Header.Set("X-Signature", signPayload(secret, d.Payload))
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) handleFailure(d *Delivery, cause error) {
	now := e.now()
	exhausted := d.Attempt >= e.opts.MaxAttempts

	e.mu.Lock()
	if sub, ok := e.subs[d.SubscriptionID]; ok {
		sub.Failures++
		if !exhausted {
			sub.Retries++
		}
		if err := e.persistSubsLocked(); err != nil {
			e.logger.Warn("subscription stats persist failed", "error", err)
		}
	}
	if !exhausted {
		next := now.Add(e.opts.backoffDelay(d.Attempt))
		retry := d.clone()
		retry.Attempt = d.Attempt + 1
		retry.NextAttemptAt = &next
		e.queue = append(e.queue, retry)
		if err := e.checkpointQueueLocked(); err != nil {
			e.logger.Warn("queue checkpoint failed", "error", err)
		}
	}
	log := e.eventLog
	e.mu.Unlock()

	if exhausted {
		abandoned := fault.PermanentDelivery("delivery to %s abandoned after %d attempts", d.SubscriptionID, d.Attempt)
		e.metrics.recordDropped("attempts_exhausted")
		e.logger.Warn("webhook delivery abandoned",
			"subscription", d.SubscriptionID, "event", d.Event.ID, "type", d.Event.Type,
			"attempt", d.Attempt, "error", cause)
		if err := log.Append(LogEntry{
			At:      now,
			Type:    d.Event.Type,
			EventID: d.Event.ID,
			Message: abandoned.Error(),
		}); err != nil {
			e.logger.Warn("event log append failed", "error", err)
		}
		e.signals.Emit(Signal{
			Name:           SignalDeliveryFailed,
			SubscriptionID: d.SubscriptionID,
			EventID:        d.Event.ID,
			Type:           d.Event.Type,
			Attempt:        d.Attempt,
		})
		return
	}

	e.metrics.recordRetried(d.Event.Type)
	e.logger.Info("webhook delivery retry scheduled",
		"subscription", d.SubscriptionID, "event", d.Event.ID, "type", d.Event.Type,
		"attempt", d.Attempt, "error", cause)
}

// TestWebhook sends a synthetic event with the reserved "test" tag directly
// to the subscription, bypassing the queue. It does not touch the delivery
// counters.
func (e *Engine) TestWebhook(ctx context.Context, id string) (*Event, error) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("subscription %s not found", id)
	}
	target := sub.URL
	secret := sub.Secret
	extraHeaders := make(map[string]string, len(sub.Headers))
	for k, v := range sub.Headers {
		extraHeaders[k] = v
	}
	e.mu.Unlock()

	event := Event{
		ID:        uuid.NewString(),
		Type:      EventTest,
		Timestamp: e.now().UnixMilli(),
		Data:      map[string]any{"message": "test delivery"},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	delivery := &Delivery{SubscriptionID: id, Event: event, Payload: payload, Attempt: 1}
	if err := e.post(ctx, target, secret, extraHeaders, delivery); err != nil {
		return nil, fault.Transient("test delivery failed: %v", err)
	}
	return &event, nil
}

// VerifySignature recomputes the HMAC over payload with the subscription's
// secret and compares it to candidate in constant time.
func (e *Engine) VerifySignature(id string, payload []byte, candidate string) (bool, error) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return false, fault.NotFound("subscription %s not found", id)
	}
	secret := sub.Secret
	e.mu.Unlock()
	expected := signPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(candidate)), nil
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *Engine) persistSubsLocked() error {
	if e.subsStore == nil {
		return nil
	}
	return e.subsStore.Save(e.subs)
}

func (e *Engine) checkpointQueueLocked() error {
	if e.queueStore == nil {
		return nil
	}
	return e.queueStore.Save(e.queue)
}
