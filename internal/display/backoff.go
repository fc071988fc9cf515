package display

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnection backoff schedule. Attempts past the table are capped; the
// counter resets only after a successful registration, so a transport
// connect whose REGISTER is rejected keeps climbing.
var backoffSchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

const (
	backoffCap    = 60 * time.Second
	backoffJitter = 0.1
)

// Backoff tracks reconnection attempts and produces the delay before the
// next one.
type Backoff struct {
	attempt int
	mutex   sync.Mutex
}

// NewBackoff creates a backoff at attempt zero.
func NewBackoff() *Backoff {
	return &Backoff{}
}

// Next records an attempt and returns the delay to wait before it, with
// jitter applied.
func (b *Backoff) Next() time.Duration {
	b.mutex.Lock()
	b.attempt++
	attempt := b.attempt
	b.mutex.Unlock()

	return withJitter(delayFor(attempt))
}

// Reset returns the counter to zero. Called only after an accepted
// registration.
func (b *Backoff) Reset() {
	b.mutex.Lock()
	b.attempt = 0
	b.mutex.Unlock()
}

// Attempt returns the number of attempts since the last reset.
func (b *Backoff) Attempt() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.attempt
}

// delayFor returns the base delay for a 1-based attempt number.
func delayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt <= len(backoffSchedule) {
		return backoffSchedule[attempt-1]
	}
	return backoffCap
}

// withJitter spreads a delay by ±backoffJitter to avoid reconnection
// stampedes when many displays lose the coordinator at once.
func withJitter(d time.Duration) time.Duration {
	if d == 0 {
		return 0
	}
	spread := float64(d) * backoffJitter
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}
