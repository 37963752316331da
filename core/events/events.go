package events

// Event represents a structured state change emitted by an engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the webhook
// delivery engine, monitors, tests).
type Emitter interface {
	Emit(Event)
}

// PayloadCarrier is implemented by events that can describe themselves for
// wire delivery: a JSON-friendly payload plus a small identifier context.
type PayloadCarrier interface {
	EventPayload() map[string]any
	EventContext() map[string]string
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
