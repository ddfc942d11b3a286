package delivery

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds the delivery retry schedule.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff retries roughly 1s, 2s, 4s ... capped at 5m, up to 8
// attempts.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 1000, MaxMs: 300_000, MaxJitterMs: 500, MaxAttempts: 8}
}

// NextDelay computes the delay before attemptIndex (0-based) retries.
// Exponential growth with deterministic jitter seeded by the delivery id, so
// the schedule is reproducible and two workers never disagree on when a row
// becomes due.
func (p BackoffPolicy) NextDelay(deliveryID string, attemptIndex int) time.Duration {
	factor := int64(1)
	if attemptIndex > 0 {
		if attemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attemptIndex
		}
	}
	delay := p.BaseMs * factor
	if delay > p.MaxMs {
		delay = p.MaxMs
	}
	return time.Duration(delay+p.jitter(deliveryID, attemptIndex)) * time.Millisecond
}

// NextAttemptAt schedules the retry timestamp written onto the row.
func (p BackoffPolicy) NextAttemptAt(deliveryID string, attemptIndex int, now time.Time) time.Time {
	return now.UTC().Add(p.NextDelay(deliveryID, attemptIndex))
}

// Exhausted reports whether attempts has hit the DLQ threshold.
func (p BackoffPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

func (p BackoffPolicy) jitter(deliveryID string, attemptIndex int) int64 {
	if p.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", deliveryID, attemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(p.MaxJitterMs))
}
