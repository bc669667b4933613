package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/artifact"
	"github.com/tetratelabs/tiered/internal/backend"
	"github.com/tetratelabs/tiered/internal/patcher"
	"github.com/tetratelabs/tiered/internal/profile"
	"github.com/tetratelabs/tiered/internal/vmthread"
)

// StateKind is the variant of a method's compilation state.
type StateKind byte

const (
	// StateNoCompilation means the method was never compiled and nothing is compiling it.
	StateNoCompilation StateKind = iota
	// StateInProgress means at least one job is compiling the method. Earlier artifacts may exist.
	StateInProgress
	// StateInstalled means the method has code and nothing is compiling it.
	StateInstalled
)

// String implements fmt.Stringer.
func (s StateKind) String() string {
	switch s {
	case StateNoCompilation:
		return "no compilation"
	case StateInProgress:
		return "in progress"
	case StateInstalled:
		return "installed"
	}
	return fmt.Sprintf("<unknown state=%d>", byte(s))
}

// MethodUnit is a compilable method and its compilation state. It lives as long as the Broker.
type MethodUnit struct {
	ID        api.MethodID
	Name      string
	Signature *api.Signature
	// Body is passed as is to the backends.
	Body    interface{}
	Profile *profile.Profile

	// mux guards the fields below. It is never held while compiling or patching.
	mux sync.Mutex
	// jobs has at most one job per compatible tier.
	jobs []*Job
	// history is every installed artifact, newest first.
	history []*artifact.Artifact
	// current is the artifact calls should use, per tier.
	current              [api.TierOptimized + 1]*artifact.Artifact
	invalidated          map[uuid.UUID]struct{}
	deopts               int
	compilationDisabled  bool
	optimizationDisabled bool

	// patchMux serializes the redirection of callers to the current artifact.
	patchMux  sync.Mutex
	lastPatch patcher.Result
	// dispatched is the artifact dispatch tables were last pointed at.
	dispatched atomic.Pointer[artifact.Artifact]
}

func newMethodUnit(id api.MethodID, name string, sig *api.Signature, body interface{}, p *profile.Profile) *MethodUnit {
	return &MethodUnit{ID: id, Name: name, Signature: sig, Body: body, Profile: p, invalidated: map[uuid.UUID]struct{}{}}
}

// String implements fmt.Stringer.
func (m *MethodUnit) String() string { return m.Name + m.Signature.String() }

// State returns the variant of the compilation state.
func (m *MethodUnit) State() StateKind {
	m.mux.Lock()
	defer m.mux.Unlock()
	switch {
	case len(m.jobs) > 0:
		return StateInProgress
	case len(m.history) > 0:
		return StateInstalled
	}
	return StateNoCompilation
}

// Current returns the current artifact of the tier. api.TierAny prefers optimized code.
func (m *MethodUnit) Current(tier api.Tier) *artifact.Artifact {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.currentLocked(tier)
}

func (m *MethodUnit) currentLocked(tier api.Tier) *artifact.Artifact {
	if tier == api.TierAny {
		if a := m.current[api.TierOptimized]; a != nil {
			return a
		}
		return m.current[api.TierBaseline]
	}
	return m.current[tier]
}

// History returns the installed artifacts, newest first.
func (m *MethodUnit) History() []*artifact.Artifact {
	m.mux.Lock()
	defer m.mux.Unlock()
	return append([]*artifact.Artifact(nil), m.history...)
}

// Invalidated returns true if the artifact was deoptimized.
func (m *MethodUnit) Invalidated(a *artifact.Artifact) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	_, ok := m.invalidated[a.ID]
	return ok
}

// Deoptimizations returns the number of times the method was deoptimized.
func (m *MethodUnit) Deoptimizations() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.deopts
}

// OptimizationDisabled returns true once the method was deoptimized too often.
func (m *MethodUnit) OptimizationDisabled() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.optimizationDisabled
}

// Dispatched returns the artifact dispatch tables point at, or nil.
func (m *MethodUnit) Dispatched() *artifact.Artifact { return m.dispatched.Load() }

// LastPatch returns what the last redirection of callers changed.
func (m *MethodUnit) LastPatch() patcher.Result {
	m.patchMux.Lock()
	defer m.patchMux.Unlock()
	return m.lastPatch
}

// ActiveJobs returns the number of jobs compiling the method.
func (m *MethodUnit) ActiveJobs() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.jobs)
}

// ownedJobLocked returns the job owned by t, if any.
func (m *MethodUnit) ownedJobLocked(t *vmthread.Thread) *Job {
	for _, j := range m.jobs {
		if j.owner == t {
			return j
		}
	}
	return nil
}

// compatibleJobLocked returns the job whose result satisfies a request for tier. A job retried with the alternate
// backend compiles for that backend's tier too, so it is matched on both.
func (m *MethodUnit) compatibleJobLocked(tier api.Tier) *Job {
	for _, j := range m.jobs {
		if tier == api.TierAny || j.tier == tier || j.backend.Tier() == tier {
			return j
		}
	}
	return nil
}

func (m *MethodUnit) removeJobLocked(job *Job) {
	for i, j := range m.jobs {
		if j == job {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("BUG: %s is not a job of %s", job, m))
}

// fallbackLocked returns the newest artifact of the snapshot with the given tier which was not invalidated.
func (m *MethodUnit) fallbackLocked(snapshot []*artifact.Artifact, tier api.Tier) *artifact.Artifact {
	for _, a := range snapshot {
		if _, invalid := m.invalidated[a.ID]; a.Tier == tier && !invalid && a.Installed() {
			return a
		}
	}
	return nil
}

// Job is one compile attempt of a method, possibly retried once with the alternate backend.
//
// Only the owner thread changes the backend and attempt of a job, and only while holding the method's lock. Other
// threads wait for the result.
type Job struct {
	ID     uuid.UUID
	method *MethodUnit
	// tier is the requested tier, possibly api.TierAny.
	tier api.Tier
	// owner is nil until a pool worker picks up a background job.
	owner *vmthread.Thread
	// requester is the thread that asked for the job.
	requester    *vmthread.Thread
	backend      backend.Backend
	attempts     int
	retryPending bool
	// fallback is the method's history when the job was created.
	fallback []*artifact.Artifact

	done   chan struct{}
	result *artifact.Artifact
	err    error
}

func newJob(m *MethodUnit, tier api.Tier, b backend.Backend, owner, requester *vmthread.Thread) *Job {
	return &Job{
		ID:        uuid.New(),
		method:    m,
		tier:      tier,
		owner:     owner,
		requester: requester,
		backend:   b,
		fallback:  append([]*artifact.Artifact(nil), m.history...),
		done:      make(chan struct{}),
	}
}

// String implements fmt.Stringer.
func (j *Job) String() string {
	return fmt.Sprintf("job %s %s@%s", j.ID.String()[:8], j.method.Name, j.tier)
}

// switchBackend is the in-place retry of a job. The caller holds the method's lock.
func (j *Job) switchBackend(t *vmthread.Thread, b backend.Backend) {
	if j.owner != t {
		panic(fmt.Sprintf("BUG: %s retried by %s, but owned by %s", j, t, j.owner))
	}
	j.backend = b
	j.attempts++
	j.retryPending = false
}

// Done is closed once the job has a result.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job has a result or ctx is done. A done ctx stops the waiting, not the compile.
func (j *Job) Wait(ctx context.Context) (*artifact.Artifact, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
