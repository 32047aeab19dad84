package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEnv_FallsBackToGoModRoot(t *testing.T) {
	tmp := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "go.mod"), []byte("module example.com/test\n\ngo 1.22\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, ".env.local"), []byte("REGFLOW_TEST_ENV_LOAD=ok\n"), 0o644))

	sub := filepath.Join(tmp, "modules", "workflow")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	origWd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	require.NoError(t, os.Chdir(sub))

	_ = os.Unsetenv("REGFLOW_TEST_ENV_LOAD")

	n, err := LoadEnv([]string{".env", ".env.local"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ok", os.Getenv("REGFLOW_TEST_ENV_LOAD"))
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse()
	require.NoError(t, err)

	require.Equal(t, 3, c.Workflow.ConflictRetries)
	require.Equal(t, 5*time.Minute, c.Workflow.EscalationInterval)
	require.Equal(t, "memory", c.RateLimit.Storage)
	require.Equal(t, "localhost:3200", c.SocketAddress)
	require.Contains(t, c.Database.Opts, "dbname=regflow")
	require.NotNil(t, c.Logger())
}

func TestParse_ValidatesWorkflowOptions(t *testing.T) {
	t.Setenv("WORKFLOW_CONFLICT_RETRIES", "0")

	_, err := Parse()
	require.ErrorContains(t, err, "WORKFLOW_CONFLICT_RETRIES")
}

func TestRateLimitOptions_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		opts    RateLimitOptions
		wantErr bool
	}{
		{"memory", RateLimitOptions{GlobalRPS: 10, Storage: "memory"}, false},
		{"redis without url", RateLimitOptions{GlobalRPS: 10, Storage: "redis"}, true},
		{"redis with url", RateLimitOptions{GlobalRPS: 10, Storage: "redis", RedisURL: "redis://localhost:6379"}, false},
		{"negative", RateLimitOptions{GlobalRPS: -1, Storage: "memory"}, true},
		{"unknown storage", RateLimitOptions{GlobalRPS: 1, Storage: "disk"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLogrusLogLevel(t *testing.T) {
	t.Parallel()

	c := &Configuration{Log: LogOptions{Level: "debug"}}
	require.Equal(t, "debug", c.LogrusLogLevel().String())

	c.Log.Level = "bogus"
	require.Equal(t, "error", c.LogrusLogLevel().String())
}
