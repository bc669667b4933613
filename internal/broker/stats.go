package broker

import (
	"fmt"
	"sync/atomic"
)

type counters struct {
	requests, hits, waits, invocations, installs     atomic.Int64
	bailouts, retries, fallbacks, failures, deferred atomic.Int64
	background, promotions, deferredPromotions       atomic.Int64
	deoptimizations, slotsPatched, callSitesPatched  atomic.Int64
	reclaimed                                        atomic.Int64
}

// Stats is a snapshot of the Broker's counters.
type Stats struct {
	// Requests is the number of Compile calls.
	Requests int64
	// Hits is the number of requests answered with current code.
	Hits int64
	// Waits is the number of requests which waited for another thread's job.
	Waits int64
	// BackendInvocations counts calls to Backend.Compile, including retries.
	BackendInvocations int64
	Installs           int64
	Bailouts           int64
	Retries            int64
	Fallbacks          int64
	Failures           int64
	// Deferred is the number of compiles which ran out of resources.
	Deferred              int64
	BackgroundSubmissions int64
	Promotions            int64
	// DeferredPromotions is the number of promotions skipped because the thread could not allocate.
	DeferredPromotions int64
	Deoptimizations    int64
	SlotsPatched       int64
	CallSitesPatched   int64
	Reclaimed          int64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("requests=%d hits=%d waits=%d compiles=%d installs=%d bailouts=%d retries=%d fallbacks=%d "+
		"failures=%d deferred=%d background=%d promotions=%d deopts=%d slots=%d callsites=%d reclaimed=%d",
		s.Requests, s.Hits, s.Waits, s.BackendInvocations, s.Installs, s.Bailouts, s.Retries, s.Fallbacks,
		s.Failures, s.Deferred, s.BackgroundSubmissions, s.Promotions, s.Deoptimizations, s.SlotsPatched,
		s.CallSitesPatched, s.Reclaimed)
}

// Stats returns a snapshot of the counters. Counters are read one at a time, so a snapshot taken while compiles run
// need not be consistent across fields.
func (b *Broker) Stats() Stats {
	c := &b.stats
	return Stats{
		Requests:              c.requests.Load(),
		Hits:                  c.hits.Load(),
		Waits:                 c.waits.Load(),
		BackendInvocations:    c.invocations.Load(),
		Installs:              c.installs.Load(),
		Bailouts:              c.bailouts.Load(),
		Retries:               c.retries.Load(),
		Fallbacks:             c.fallbacks.Load(),
		Failures:              c.failures.Load(),
		Deferred:              c.deferred.Load(),
		BackgroundSubmissions: c.background.Load(),
		Promotions:            c.promotions.Load(),
		DeferredPromotions:    c.deferredPromotions.Load(),
		Deoptimizations:       c.deoptimizations.Load(),
		SlotsPatched:          c.slotsPatched.Load(),
		CallSitesPatched:      c.callSitesPatched.Load(),
		Reclaimed:             c.reclaimed.Load(),
	}
}
