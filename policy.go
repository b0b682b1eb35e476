package broadcast

import (
	"math"
	"time"
)

// Default reconnect schedule: 1s, 2s, 4s, ... capped at 30s.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

// ReconnectPolicy is the backoff schedule between connection attempts.
// Zero fields take the package defaults.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// MaxAttempts closes the client after this many consecutive failed
	// cycles. Zero retries forever.
	MaxAttempts int
}

// DefaultReconnectPolicy returns the default schedule.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Delay returns the wait before the retry that follows attempt consecutive
// failures: min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// EmitMode selects what Emit does while the client is not connected.
type EmitMode int

const (
	// EmitDrop discards payloads emitted while disconnected.
	EmitDrop EmitMode = iota

	// EmitQueue buffers payloads emitted while disconnected and flushes them
	// in order after the next successful connect.
	EmitQueue
)

// String returns the mode name.
func (m EmitMode) String() string {
	if m == EmitQueue {
		return "queue"
	}
	return "drop"
}

// DefaultEmitQueueSize bounds the emit queue when no size is given.
const DefaultEmitQueueSize = 64

// EmitPolicy configures Emit while disconnected. When a queue is full the
// oldest payload is evicted.
type EmitPolicy struct {
	Mode      EmitMode
	QueueSize int
}

func (p EmitPolicy) withDefaults() EmitPolicy {
	if p.Mode == EmitQueue && p.QueueSize <= 0 {
		p.QueueSize = DefaultEmitQueueSize
	}
	return p
}
