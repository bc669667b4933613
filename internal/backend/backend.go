// Package backend defines the contract between the compilation broker and the compilers producing machine code.
//
// A backend is a black box: given a method and the tier it produces, it returns an artifact or an error. The error
// taxonomy drives what the broker does next:
//
//   - nil: the artifact is installed.
//   - *Bailout: the backend declined. The broker may retry the same job with the alternate backend.
//   - ErrResourceExhausted: the compile is deferred, not failed.
//   - anything else: the compile failed. The broker reports it as a *FatalCompilationError.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/tiered/api"
	"github.com/tetratelabs/tiered/internal/artifact"
)

// Request is the input of one backend invocation.
type Request struct {
	Method    api.MethodID
	Name      string
	Signature *api.Signature
	// Body is the method body in whatever representation the backends consume. The broker never inspects it.
	Body interface{}
	// Deopt is true when the compile replaces deoptimized code.
	Deopt bool
	// Attempt is zero for the first backend tried by a job and one for its retry.
	Attempt int
}

// Backend compiles methods to a single tier.
type Backend interface {
	// Name identifies the backend in configuration, e.g. "baseline".
	Name() string
	// Tier is the only tier of the artifacts this backend returns.
	Tier() api.Tier
	// Compile compiles the method. The returned artifact is not installed.
	Compile(ctx context.Context, req *Request) (*artifact.Artifact, error)
}

// Bailout is returned by a backend declining to compile a method it could not handle.
type Bailout struct {
	Backend string
	Reason  string
}

// Error implements error.
func (b *Bailout) Error() string {
	return fmt.Sprintf("%s bailed out: %s", b.Backend, b.Reason)
}

// NewBailout returns a *Bailout of the named backend.
func NewBailout(backend, format string, args ...interface{}) *Bailout {
	return &Bailout{Backend: backend, Reason: fmt.Sprintf(format, args...)}
}

// IsBailout returns true if err is or wraps a *Bailout.
func IsBailout(err error) bool {
	var b *Bailout
	return errors.As(err, &b)
}

// ErrResourceExhausted is returned when a compile cannot run now, e.g. because the requesting thread cannot
// allocate. The request should be made again later.
var ErrResourceExhausted = errors.New("compilation resources exhausted")

// ErrFatal matches every *FatalCompilationError with errors.Is.
var ErrFatal = errors.New("fatal compilation failure")

// FatalCompilationError is returned when no backend produced an artifact for a method.
type FatalCompilationError struct {
	Method  string
	Tier    api.Tier
	Backend string
	// Cause is the error of the last backend tried.
	Cause error
}

// Error implements error.
func (e *FatalCompilationError) Error() string {
	return fmt.Sprintf("compiling %s at tier %s failed in %s: %v", e.Method, e.Tier, e.Backend, e.Cause)
}

// Unwrap returns the cause.
func (e *FatalCompilationError) Unwrap() error { return e.Cause }

// Is returns true for ErrFatal.
func (e *FatalCompilationError) Is(target error) bool { return target == ErrFatal }
