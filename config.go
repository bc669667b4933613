package tiered

import (
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/xyproto/env/v2"

	"github.com/tetratelabs/tiered/internal/backend"
	"github.com/tetratelabs/tiered/internal/logging"
	"github.com/tetratelabs/tiered/internal/patcher"
	"github.com/tetratelabs/tiered/internal/profile"
)

// Environment variables read by NewRuntimeConfigFromEnv.
const (
	EnvPromotionThreshold    = "TIERED_PROMOTION_THRESHOLD"
	EnvPromotionBackoff      = "TIERED_PROMOTION_BACKOFF"
	EnvBackgroundCompilation = "TIERED_BACKGROUND_COMPILATION"
	EnvFailoverRetry         = "TIERED_FAILOVER_RETRY"
	// EnvBackendOverrides is a comma separated list of pattern=backend, e.g. "java/lang/*=c1,app/*.run=c2".
	EnvBackendOverrides   = "TIERED_BACKEND_OVERRIDES"
	EnvPatchSearchDepth   = "TIERED_PATCH_SEARCH_DEPTH"
	EnvPoolSize           = "TIERED_POOL_SIZE"
	EnvCodeCacheSize      = "TIERED_CODE_CACHE_SIZE"
	EnvLogScopes          = "TIERED_LOG_SCOPES"
	EnvMaxDeoptimizations = "TIERED_MAX_DEOPTIMIZATIONS"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type RuntimeConfig struct {
	promotionThreshold    int64
	promotionBackoff      int64
	backgroundCompilation bool
	failoverRetry         bool
	overrides             []backend.Override
	patchSearchDepth      int
	poolSize              int
	poolQueueSize         int
	codeCacheSize         int64
	codeSegmentSize       int
	logWriter             io.Writer
	logScopes             logging.LogScopes
	maxDeoptimizations    int
}

// defaultConfig helps avoid copy/pasting the wrong defaults.
var defaultConfig = &RuntimeConfig{
	promotionThreshold:    profile.DefaultThreshold,
	promotionBackoff:      profile.DefaultBackoff,
	backgroundCompilation: true,
	failoverRetry:         true,
	patchSearchDepth:      patcher.DefaultSearchDepth,
	poolSize:              2,
	poolQueueSize:         64,
	codeCacheSize:         64 * units.MiB,
	codeSegmentSize:       units.MiB,
	maxDeoptimizations:    8,
}

// NewRuntimeConfig returns a RuntimeConfig using the defaults.
func NewRuntimeConfig() *RuntimeConfig {
	return defaultConfig.clone()
}

// clone makes a deep copy of this runtime config.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c // copy except slice
	ret.overrides = append([]backend.Override(nil), c.overrides...)
	return &ret
}

// NewRuntimeConfigFromEnv returns the defaults overlaid with the TIERED_* environment variables that are set.
func NewRuntimeConfigFromEnv() (*RuntimeConfig, error) {
	c := NewRuntimeConfig()
	if env.Has(EnvPromotionThreshold) {
		c.promotionThreshold = int64(env.Int(EnvPromotionThreshold, int(c.promotionThreshold)))
	}
	if env.Has(EnvPromotionBackoff) {
		c.promotionBackoff = int64(env.Int(EnvPromotionBackoff, int(c.promotionBackoff)))
	}
	if env.Has(EnvBackgroundCompilation) {
		c.backgroundCompilation = env.Bool(EnvBackgroundCompilation)
	}
	if env.Has(EnvFailoverRetry) {
		c.failoverRetry = env.Bool(EnvFailoverRetry)
	}
	if s := env.Str(EnvBackendOverrides); s != "" {
		for _, pair := range strings.Split(s, ",") {
			pattern, name, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || pattern == "" || name == "" {
				return nil, fmt.Errorf("%s: invalid override %q, expected pattern=backend", EnvBackendOverrides, pair)
			}
			c.overrides = append(c.overrides, backend.Override{Pattern: pattern, Backend: name})
		}
	}
	if env.Has(EnvPatchSearchDepth) {
		c.patchSearchDepth = env.Int(EnvPatchSearchDepth, c.patchSearchDepth)
	}
	if env.Has(EnvPoolSize) {
		c.poolSize = env.Int(EnvPoolSize, c.poolSize)
	}
	if s := env.Str(EnvCodeCacheSize); s != "" {
		size, err := units.RAMInBytes(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvCodeCacheSize, err)
		}
		c.codeCacheSize = size
	}
	if s := env.Str(EnvLogScopes); s != "" {
		scopes, err := logging.ParseLogScopes(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvLogScopes, err)
		}
		c.logScopes = scopes
	}
	if env.Has(EnvMaxDeoptimizations) {
		c.maxDeoptimizations = env.Int(EnvMaxDeoptimizations, c.maxDeoptimizations)
	}
	return c, c.validate()
}

// validate returns an error on settings no runtime can be built with.
func (c *RuntimeConfig) validate() error {
	switch {
	case c.promotionThreshold <= 0:
		return fmt.Errorf("invalid promotion threshold %d", c.promotionThreshold)
	case c.promotionBackoff < 0:
		return fmt.Errorf("invalid promotion backoff %d", c.promotionBackoff)
	case c.patchSearchDepth < 0:
		return fmt.Errorf("invalid patch search depth %d", c.patchSearchDepth)
	case c.poolSize < 0:
		return fmt.Errorf("invalid pool size %d", c.poolSize)
	case c.codeCacheSize < int64(c.codeSegmentSize):
		return fmt.Errorf("code cache size %s is smaller than a segment of %s",
			units.BytesSize(float64(c.codeCacheSize)), units.BytesSize(float64(c.codeSegmentSize)))
	case c.maxDeoptimizations < 0:
		return fmt.Errorf("invalid max deoptimizations %d", c.maxDeoptimizations)
	}
	return nil
}

// WithPromotionThreshold sets how many method entries and loop backedges make a method hot enough to be compiled by
// the optimizing tier. Defaults to 10000.
func (c *RuntimeConfig) WithPromotionThreshold(threshold int64) *RuntimeConfig {
	ret := c.clone()
	ret.promotionThreshold = threshold
	return ret
}

// WithPromotionBackoff sets how much a method's hotness drops after a promotion which did not produce optimized
// code, so it is retried later instead of at the next entry. Defaults to 1000.
func (c *RuntimeConfig) WithPromotionBackoff(backoff int64) *RuntimeConfig {
	ret := c.clone()
	ret.promotionBackoff = backoff
	return ret
}

// WithBackgroundCompilation diverts optimizing compiles to the compiler pool, so the requesting thread keeps running
// the code it has. Defaults to true.
func (c *RuntimeConfig) WithBackgroundCompilation(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.backgroundCompilation = enabled
	return ret
}

// WithFailoverRetry retries a compile whose backend bailed out once with the backend of the other tier. Defaults to
// true.
func (c *RuntimeConfig) WithFailoverRetry(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.failoverRetry = enabled
	return ret
}

// WithBackendOverride makes methods whose name matches pattern compile with the named backend, when it produces the
// requested tier. The pattern uses path.Match syntax. Overrides are tried in the order they were added.
func (c *RuntimeConfig) WithBackendOverride(pattern, backendName string) *RuntimeConfig {
	ret := c.clone()
	ret.overrides = append(ret.overrides, backend.Override{Pattern: pattern, Backend: backendName})
	return ret
}

// WithPatchSearchDepth sets how many frames of the requesting thread are searched for a direct call site to
// redirect to new code. Zero only patches dispatch tables. Defaults to 8.
//
// Note: Call sites beyond the depth keep calling the old code, which stays valid. A larger depth finds more of
// them at the cost of a longer pause in the thread which installed the code.
func (c *RuntimeConfig) WithPatchSearchDepth(depth int) *RuntimeConfig {
	ret := c.clone()
	ret.patchSearchDepth = depth
	return ret
}

// WithPoolSize sets the number of compiler threads running background compiles. Zero compiles everything on the
// requesting thread. Defaults to 2.
func (c *RuntimeConfig) WithPoolSize(size int) *RuntimeConfig {
	ret := c.clone()
	ret.poolSize = size
	return ret
}

// WithCodeCacheSize sets the maximum bytes of generated code. Defaults to 64MiB.
func (c *RuntimeConfig) WithCodeCacheSize(size int64) *RuntimeConfig {
	ret := c.clone()
	ret.codeCacheSize = size
	return ret
}

// WithLogging writes the events of the given scopes, a '|' separated list like "compile|patch" or "all", to w.
// Defaults to no logging.
func (c *RuntimeConfig) WithLogging(w io.Writer, scopes string) (*RuntimeConfig, error) {
	parsed, err := logging.ParseLogScopes(scopes)
	if err != nil {
		return nil, err
	}
	ret := c.clone()
	ret.logWriter = w
	ret.logScopes = parsed
	return ret, nil
}

// WithLogWriter sets where the scopes enabled by WithLogging or TIERED_LOG_SCOPES are written.
func (c *RuntimeConfig) WithLogWriter(w io.Writer) *RuntimeConfig {
	ret := c.clone()
	ret.logWriter = w
	return ret
}

// WithMaxDeoptimizations sets how many times a method may be deoptimized before it is no longer optimized. Zero
// means no limit. Defaults to 8.
func (c *RuntimeConfig) WithMaxDeoptimizations(max int) *RuntimeConfig {
	ret := c.clone()
	ret.maxDeoptimizations = max
	return ret
}

// String returns the settings, one "name=value" per line, in a stable order.
func (c *RuntimeConfig) String() string {
	var b strings.Builder
	overrides := make([]string, len(c.overrides))
	for i, o := range c.overrides {
		overrides[i] = o.String()
	}
	fmt.Fprintf(&b, "promotion_threshold=%d\n", c.promotionThreshold)
	fmt.Fprintf(&b, "promotion_backoff=%d\n", c.promotionBackoff)
	fmt.Fprintf(&b, "background_compilation=%v\n", c.backgroundCompilation)
	fmt.Fprintf(&b, "failover_retry=%v\n", c.failoverRetry)
	fmt.Fprintf(&b, "backend_overrides=%s\n", strings.Join(overrides, ","))
	fmt.Fprintf(&b, "patch_search_depth=%d\n", c.patchSearchDepth)
	fmt.Fprintf(&b, "pool_size=%d\n", c.poolSize)
	fmt.Fprintf(&b, "code_cache_size=%s\n", units.BytesSize(float64(c.codeCacheSize)))
	fmt.Fprintf(&b, "log_scopes=%s\n", c.logScopes)
	fmt.Fprintf(&b, "max_deoptimizations=%d\n", c.maxDeoptimizations)
	return b.String()
}
