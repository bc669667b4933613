package tiered

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tiered/internal/backend"
	"github.com/tetratelabs/tiered/internal/logging"
)

func TestRuntimeConfig(t *testing.T) {
	tests := []struct {
		name     string
		with     func(*RuntimeConfig) *RuntimeConfig
		expected func(*RuntimeConfig)
	}{
		{
			name: "WithPromotionThreshold",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithPromotionThreshold(5) },
			expected: func(c *RuntimeConfig) {
				c.promotionThreshold = 5
			},
		},
		{
			name: "WithPromotionBackoff",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithPromotionBackoff(7) },
			expected: func(c *RuntimeConfig) {
				c.promotionBackoff = 7
			},
		},
		{
			name: "WithBackgroundCompilation",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithBackgroundCompilation(false) },
			expected: func(c *RuntimeConfig) {
				c.backgroundCompilation = false
			},
		},
		{
			name: "WithFailoverRetry",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithFailoverRetry(false) },
			expected: func(c *RuntimeConfig) {
				c.failoverRetry = false
			},
		},
		{
			name: "WithBackendOverride",
			with: func(c *RuntimeConfig) *RuntimeConfig {
				return c.WithBackendOverride("java/*", "c1").WithBackendOverride("app/*", "c2")
			},
			expected: func(c *RuntimeConfig) {
				c.overrides = []backend.Override{{Pattern: "java/*", Backend: "c1"}, {Pattern: "app/*", Backend: "c2"}}
			},
		},
		{
			name: "WithPatchSearchDepth",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithPatchSearchDepth(0) },
			expected: func(c *RuntimeConfig) {
				c.patchSearchDepth = 0
			},
		},
		{
			name: "WithPoolSize",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithPoolSize(4) },
			expected: func(c *RuntimeConfig) {
				c.poolSize = 4
			},
		},
		{
			name: "WithCodeCacheSize",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithCodeCacheSize(1 << 30) },
			expected: func(c *RuntimeConfig) {
				c.codeCacheSize = 1 << 30
			},
		},
		{
			name: "WithMaxDeoptimizations",
			with: func(c *RuntimeConfig) *RuntimeConfig { return c.WithMaxDeoptimizations(0) },
			expected: func(c *RuntimeConfig) {
				c.maxDeoptimizations = 0
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			input := NewRuntimeConfig()
			rc := tc.with(input)
			expected := NewRuntimeConfig()
			tc.expected(expected)
			require.Equal(t, expected, rc)
			// The original is not modified.
			require.Equal(t, NewRuntimeConfig(), input)
		})
	}
}

func TestRuntimeConfig_WithLogging(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewRuntimeConfig().WithLogging(&buf, "compile|patch")
	require.NoError(t, err)
	require.Equal(t, logging.LogScopeCompile|logging.LogScopePatch, c.logScopes)
	require.Same(t, &buf, c.logWriter)

	_, err = NewRuntimeConfig().WithLogging(&buf, "compile|nope")
	require.Error(t, err)
}

func TestRuntimeConfig_String(t *testing.T) {
	require.Equal(t, `promotion_threshold=10000
promotion_backoff=1000
background_compilation=true
failover_retry=true
backend_overrides=
patch_search_depth=8
pool_size=2
code_cache_size=64MiB
log_scopes=
max_deoptimizations=8
`, NewRuntimeConfig().String())

	c := NewRuntimeConfig().WithBackendOverride("a/*", "c2").WithBackendOverride("b", "c1")
	require.Contains(t, c.String(), "backend_overrides=a/*=c2,b=c1\n")
}

func TestNewRuntimeConfigFromEnv(t *testing.T) {
	t.Setenv(EnvPromotionThreshold, "100")
	t.Setenv(EnvPromotionBackoff, "10")
	t.Setenv(EnvBackgroundCompilation, "false")
	t.Setenv(EnvFailoverRetry, "false")
	t.Setenv(EnvBackendOverrides, "java/lang/*=c1, app/*=c2")
	t.Setenv(EnvPatchSearchDepth, "3")
	t.Setenv(EnvPoolSize, "1")
	t.Setenv(EnvCodeCacheSize, "16MiB")
	t.Setenv(EnvLogScopes, "deopt,pool")
	t.Setenv(EnvMaxDeoptimizations, "2")

	c, err := NewRuntimeConfigFromEnv()
	require.NoError(t, err)

	expected := NewRuntimeConfig().
		WithPromotionThreshold(100).
		WithPromotionBackoff(10).
		WithBackgroundCompilation(false).
		WithFailoverRetry(false).
		WithBackendOverride("java/lang/*", "c1").
		WithBackendOverride("app/*", "c2").
		WithPatchSearchDepth(3).
		WithPoolSize(1).
		WithCodeCacheSize(16 << 20).
		WithMaxDeoptimizations(2)
	expected.logScopes = logging.LogScopeDeopt | logging.LogScopePool
	require.Equal(t, expected, c)
}

func TestNewRuntimeConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{EnvPromotionThreshold, EnvBackgroundCompilation, EnvBackendOverrides, EnvCodeCacheSize} {
		t.Setenv(k, "") // restores the variable after the test
		require.NoError(t, os.Unsetenv(k))
	}
	c, err := NewRuntimeConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, NewRuntimeConfig().String(), c.String())
}

func TestNewRuntimeConfigFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name, key, value, expectedErr string
	}{
		{name: "code cache size", key: EnvCodeCacheSize, value: "lots", expectedErr: "TIERED_CODE_CACHE_SIZE: invalid size: 'lots'"},
		{name: "small code cache", key: EnvCodeCacheSize, value: "1KiB", expectedErr: "code cache size 1KiB is smaller than a segment of 1MiB"},
		{name: "override", key: EnvBackendOverrides, value: "java/*", expectedErr: `TIERED_BACKEND_OVERRIDES: invalid override "java/*", expected pattern=backend`},
		{name: "log scopes", key: EnvLogScopes, value: "everything", expectedErr: `TIERED_LOG_SCOPES: unknown log scope "everything"`},
		{name: "threshold", key: EnvPromotionThreshold, value: "-1", expectedErr: "invalid promotion threshold -1"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := NewRuntimeConfigFromEnv()
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}
