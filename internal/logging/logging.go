// Package logging includes utilities used to trace compiler decisions. This is in
// an independent package to avoid dependency cycles.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

type LogScopes uint64

const (
	LogScopeNone              = LogScopes(0)
	LogScopeCompile LogScopes = 1 << iota
	LogScopePromotion
	LogScopePatch
	LogScopeAdapter
	LogScopePool
	LogScopeDeopt
	LogScopeAll = LogScopes(0xffffffffffffffff)
)

func scopeName(s LogScopes) string {
	switch s {
	case LogScopeCompile:
		return "compile"
	case LogScopePromotion:
		return "promotion"
	case LogScopePatch:
		return "patch"
	case LogScopeAdapter:
		return "adapter"
	case LogScopePool:
		return "pool"
	case LogScopeDeopt:
		return "deopt"
	default:
		return fmt.Sprintf("<unknown=%d>", s)
	}
}

// IsEnabled returns true if the scope (or group of scopes) is enabled.
func (f LogScopes) IsEnabled(scope LogScopes) bool {
	return f&scope != 0
}

// String implements fmt.Stringer by returning each enabled log scope.
func (f LogScopes) String() string {
	if f == LogScopeAll {
		return "all"
	}
	var builder strings.Builder
	for i := 0; i <= 63; i++ { // cycle through all bits to reduce code and maintenance
		target := LogScopes(1 << i)
		if f.IsEnabled(target) {
			if name := scopeName(target); name != "" {
				if builder.Len() > 0 {
					builder.WriteByte('|')
				}
				builder.WriteString(name)
			}
		}
	}
	return builder.String()
}

// ParseLogScopes parses a '|' or ',' separated list of scope names, or "all".
func ParseLogScopes(s string) (LogScopes, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return LogScopeNone, nil
	case "all":
		return LogScopeAll, nil
	}
	var ret LogScopes
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name = strings.TrimSpace(name)
		found := false
		for i := 1; i <= 6; i++ {
			if scope := LogScopes(1 << i); scopeName(scope) == name {
				ret |= scope
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown log scope %q", name)
		}
	}
	return ret, nil
}

// Logger writes one line per event for the enabled scopes. The zero value and a nil *Logger discard everything.
//
// Note: tracing is observability only. Nothing in the compiler may branch on whether a scope is enabled except to
// skip formatting work.
type Logger struct {
	mux    sync.Mutex
	w      io.Writer
	scopes LogScopes
}

// NewLogger returns a Logger writing the given scopes to w. A nil w disables logging.
func NewLogger(w io.Writer, scopes LogScopes) *Logger {
	if w == nil {
		scopes = LogScopeNone
	}
	return &Logger{w: w, scopes: scopes}
}

// Enabled returns true if events of the given scope are written.
func (l *Logger) Enabled(scope LogScopes) bool {
	return l != nil && l.scopes.IsEnabled(scope)
}

// Logf writes a line prefixed with the scope name when the scope is enabled.
func (l *Logger) Logf(scope LogScopes, format string, args ...interface{}) {
	if !l.Enabled(scope) {
		return
	}
	line := fmt.Sprintf(format, args...)
	l.mux.Lock()
	defer l.mux.Unlock()
	_, _ = fmt.Fprintf(l.w, "[%s] %s\n", scopeName(scope), line)
}
