// Package profile counts how hot a method is, to decide when to promote it to the optimizing tier.
package profile

import (
	"fmt"
	"sync/atomic"
)

const (
	// DefaultThreshold is the hotness at which a method is promoted.
	DefaultThreshold = 10_000
	// DefaultBackoff is subtracted from the hotness after a failed or deferred promotion.
	DefaultBackoff = 1_000
	// BackedgeWeight is the hotness added by a loop backedge, relative to a method entry.
	BackedgeWeight = 1
)

// Profile holds the counters of one method. All methods are lock-free and goroutine-safe.
//
// Entries and backedges both feed a single hotness counter. Count reports the overflow exactly once per crossing
// of the threshold, so when many threads run the method only one of them triggers a promotion.
type Profile struct {
	threshold int64
	backoff   int64

	hotness   atomic.Int64
	entries   atomic.Int64
	backedges atomic.Int64
	backoffs  atomic.Int64
}

// New returns a Profile which overflows once hotness reaches threshold.
func New(threshold, backoff int64) *Profile {
	if threshold <= 0 || backoff < 0 {
		panic(fmt.Sprintf("BUG: invalid profile threshold=%d backoff=%d", threshold, backoff))
	}
	return &Profile{threshold: threshold, backoff: backoff}
}

// CountEntry records a method entry and returns true if it made the counter overflow.
func (p *Profile) CountEntry() bool {
	p.entries.Add(1)
	return p.count(1)
}

// CountBackedge records a loop backedge and returns true if it made the counter overflow.
func (p *Profile) CountBackedge() bool {
	p.backedges.Add(1)
	return p.count(BackedgeWeight)
}

func (p *Profile) count(weight int64) bool {
	n := p.hotness.Add(weight)
	return n >= p.threshold && n-weight < p.threshold
}

// Backoff lowers the hotness by the backoff margin so the counter overflows again later instead of immediately.
func (p *Profile) Backoff() {
	p.backoffs.Add(1)
	p.hotness.Add(-p.backoff)
}

// Reset clears the hotness, e.g. after the method was deoptimized.
func (p *Profile) Reset() { p.hotness.Store(0) }

// Threshold returns the hotness at which the counter overflows.
func (p *Profile) Threshold() int64 { return p.threshold }

// Hotness returns the current value of the counter.
func (p *Profile) Hotness() int64 { return p.hotness.Load() }

// Entries returns the number of entries counted.
func (p *Profile) Entries() int64 { return p.entries.Load() }

// Backedges returns the number of backedges counted.
func (p *Profile) Backedges() int64 { return p.backedges.Load() }

// Backoffs returns the number of times Backoff was called.
func (p *Profile) Backoffs() int64 { return p.backoffs.Load() }

// String implements fmt.Stringer.
func (p *Profile) String() string {
	return fmt.Sprintf("hotness=%d/%d entries=%d backedges=%d backoffs=%d",
		p.Hotness(), p.threshold, p.Entries(), p.Backedges(), p.Backoffs())
}
