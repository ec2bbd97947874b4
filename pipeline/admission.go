package pipeline

import (
	"sync/atomic"

	"github.com/use-agent/scrapeflow/metrics"
)

// Admission caps how many scrape requests are processed at once. Requests
// over the limit are refused immediately rather than queued.
type Admission struct {
	limit    int64
	inFlight atomic.Int64
}

// NewAdmission creates an Admission allowing limit concurrent requests.
// A limit below 1 is raised to 1.
func NewAdmission(limit int) *Admission {
	return &Admission{limit: int64(max(limit, 1))}
}

// TryAcquire takes a slot if one is free. A refusal has no side effects.
func (a *Admission) TryAcquire() bool {
	for {
		n := a.inFlight.Load()
		if n >= a.limit {
			return false
		}
		if a.inFlight.CompareAndSwap(n, n+1) {
			a.publish()
			return true
		}
	}
}

// Release returns a slot. The count never drops below zero, so an unpaired
// Release is harmless.
func (a *Admission) Release() {
	for {
		n := a.inFlight.Load()
		if n <= 0 {
			return
		}
		if a.inFlight.CompareAndSwap(n, n-1) {
			a.publish()
			return
		}
	}
}

// publish mirrors the live count into the gauge, so any update corrects
// a value left stale by racing Acquire and Release calls.
func (a *Admission) publish() {
	metrics.SetAdmissionInFlight(int(a.inFlight.Load()))
}

// InFlight returns the number of slots currently held.
func (a *Admission) InFlight() int {
	return int(a.inFlight.Load())
}

// Limit returns the configured maximum.
func (a *Admission) Limit() int {
	return int(a.limit)
}
