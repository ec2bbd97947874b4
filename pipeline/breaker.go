package pipeline

import (
	"sync"
	"time"

	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/models"
)

// Breaker states as reported by Snapshot.
const (
	StateClosed = models.BreakerClosed
	StateOpen   = models.BreakerOpen
)

// Breaker stops scrapes after a run of consecutive failures. It opens when
// the failure count reaches the threshold and closes again once the
// cooldown since the last failure has passed. There is no half-open probe:
// the first request after the cooldown runs normally against a reset
// counter.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// IsOpen reports whether requests should be rejected. An open breaker
// whose cooldown has elapsed is reset here, before the caller proceeds.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return false
	}
	if b.now().Sub(b.lastFailure) < b.cooldown {
		return true
	}
	b.reset()
	return false
}

// RecordFailure counts one scrape-stage or internal failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.threshold {
		metrics.SetBreakerOpen(true)
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Snapshot reports the current state without resetting anything.
func (b *Breaker) Snapshot() models.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := models.BreakerSnapshot{
		State:               StateClosed,
		ConsecutiveFailures: b.failures,
	}
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		snap.LastFailure = &last
	}
	if b.failures >= b.threshold && b.now().Sub(b.lastFailure) < b.cooldown {
		snap.State = StateOpen
	}
	return snap
}

func (b *Breaker) reset() {
	b.failures = 0
	b.lastFailure = time.Time{}
	metrics.SetBreakerOpen(false)
}
