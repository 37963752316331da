package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/marcus20232023/a2a-shib-payments/core/fault"
)

const secretBytes = 32

// RegisterParams carries the optional knobs accepted at registration.
type RegisterParams struct {
	Headers map[string]string
}

// UpdateParams patches a subscription; nil fields are left untouched.
type UpdateParams struct {
	URL        *string
	EventTypes []string
	Enabled    *bool
	Headers    map[string]string
}

// Register creates an enabled subscription with a fresh 32-byte secret. The
// returned record is the only response that carries the secret.
func (e *Engine) Register(target string, eventTypes []string, params RegisterParams) (*Subscription, error) {
	normalizedURL, err := normalizeTargetURL(target)
	if err != nil {
		return nil, err
	}
	filtered := filterEventTypes(eventTypes)
	if len(filtered) == 0 {
		return nil, fault.NoValidEventTypes()
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		ID:         uuid.NewString(),
		URL:        normalizedURL,
		EventTypes: filtered,
		Secret:     secret,
		Enabled:    true,
		CreatedAt:  e.now(),
	}
	if len(params.Headers) > 0 {
		sub.Headers = make(map[string]string, len(params.Headers))
		for k, v := range params.Headers {
			sub.Headers[k] = v
		}
	}

	e.mu.Lock()
	e.subs[sub.ID] = sub
	if err := e.persistSubsLocked(); err != nil {
		delete(e.subs, sub.ID)
		e.mu.Unlock()
		return nil, err
	}
	snap := sub.Clone()
	e.mu.Unlock()
	return snap, nil
}

// Update patches the subscription. Event-type updates are filtered against
// the closed set; filtering everything away is an error.
func (e *Engine) Update(id string, params UpdateParams) (*Subscription, error) {
	var normalizedURL string
	if params.URL != nil {
		target, err := normalizeTargetURL(*params.URL)
		if err != nil {
			return nil, err
		}
		normalizedURL = target
	}
	var filtered []string
	if params.EventTypes != nil {
		filtered = filterEventTypes(params.EventTypes)
		if len(filtered) == 0 {
			return nil, fault.NoValidEventTypes()
		}
	}

	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return nil, fault.NotFound("subscription %s not found", id)
	}
	prior := sub.Clone()
	if params.URL != nil {
		sub.URL = normalizedURL
	}
	if filtered != nil {
		sub.EventTypes = filtered
	}
	if params.Enabled != nil {
		sub.Enabled = *params.Enabled
	}
	if params.Headers != nil {
		sub.Headers = make(map[string]string, len(params.Headers))
		for k, v := range params.Headers {
			sub.Headers[k] = v
		}
	}
	if err := e.persistSubsLocked(); err != nil {
		e.subs[id] = prior
		e.mu.Unlock()
		return nil, err
	}
	snap := sub.Redacted()
	e.mu.Unlock()
	return snap, nil
}

// Unregister removes the subscription. Queued deliveries targeting it are
// dropped by the worker when they come due.
func (e *Engine) Unregister(id string) error {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if !ok {
		e.mu.Unlock()
		return fault.NotFound("subscription %s not found", id)
	}
	delete(e.subs, id)
	if err := e.persistSubsLocked(); err != nil {
		e.subs[id] = sub
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()
	return nil
}

// GetSubscription returns a copy of the subscription, secret withheld.
func (e *Engine) GetSubscription(id string) (*Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[id]
	if !ok {
		return nil, fault.NotFound("subscription %s not found", id)
	}
	return sub.Redacted(), nil
}

// ListSubscriptions returns copies of all subscriptions, secrets withheld,
// ordered by creation time.
func (e *Engine) ListSubscriptions() []*Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		out = append(out, sub.Redacted())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func normalizeTargetURL(target string) (string, error) {
	trimmed := strings.TrimSpace(target)
	if trimmed == "" {
		return "", fault.InvalidInput("subscription url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fault.InvalidInput("invalid subscription url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fault.InvalidInput("subscription url must be http or https")
	}
	if parsed.Host == "" {
		return "", fault.InvalidInput("subscription url must include a host")
	}
	return parsed.String(), nil
}

// filterEventTypes intersects the requested tags with the closed set,
// deduplicating while preserving request order.
func filterEventTypes(requested []string) []string {
	var filtered []string
	seen := make(map[string]bool)
	for _, tag := range requested {
		tag = strings.TrimSpace(tag)
		if !recognizedEventType(tag) || seen[tag] {
			continue
		}
		seen[tag] = true
		filtered = append(filtered, tag)
	}
	return filtered
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
