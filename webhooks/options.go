package webhooks

import "time"

// Defaults for the delivery engine.
const (
	DefaultMaxAttempts        = 5
	DefaultInitialDelay       = time.Second
	DefaultMaxDelay           = time.Hour
	DefaultBackoffMultiplier  = 2.0
	DefaultRequestTimeout     = 10 * time.Second
	DefaultFanOut             = 5
	DefaultWorkerTick         = time.Second
	DefaultCheckpointInterval = 5 * time.Second
	DefaultMaxLogEntries      = 10_000
)

// Options tunes the retry policy, the delivery worker, and the event log.
type Options struct {
	MaxAttempts        int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	RequestTimeout     time.Duration
	FanOut             int
	WorkerTick         time.Duration
	CheckpointInterval time.Duration
	MaxLogEntries      int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        DefaultMaxAttempts,
		InitialDelay:       DefaultInitialDelay,
		MaxDelay:           DefaultMaxDelay,
		BackoffMultiplier:  DefaultBackoffMultiplier,
		RequestTimeout:     DefaultRequestTimeout,
		FanOut:             DefaultFanOut,
		WorkerTick:         DefaultWorkerTick,
		CheckpointInterval: DefaultCheckpointInterval,
		MaxLogEntries:      DefaultMaxLogEntries,
	}
}

func (o Options) sanitized() Options {
	defaults := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaults.InitialDelay
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = defaults.MaxDelay
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaults.RequestTimeout
	}
	if o.FanOut <= 0 {
		o.FanOut = defaults.FanOut
	}
	if o.WorkerTick <= 0 {
		o.WorkerTick = defaults.WorkerTick
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = defaults.CheckpointInterval
	}
	if o.MaxLogEntries <= 0 {
		o.MaxLogEntries = defaults.MaxLogEntries
	}
	return o
}

// backoffDelay computes the wait before the next attempt given the attempt
// number that just failed (1-based).
func (o Options) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(o.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= o.BackoffMultiplier
		if time.Duration(delay) >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	d := time.Duration(delay)
	if d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}
