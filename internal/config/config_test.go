package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // no stray .env files

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeTransiter, cfg.UpstreamMode)
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Minute, cfg.StalenessThreshold)
	assert.Equal(t, 30*time.Second, cfg.TripCacheTTL)
	assert.Equal(t, 50, cfg.TripFetchBatch)
	assert.Equal(t, 30, cfg.StartupHealthAttempts)
	assert.Equal(t, 3, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.LocationDebounce)
	assert.Len(t, cfg.Feeds, 8)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("POLL_INTERVAL_SECONDS", "5")
	t.Setenv("UPSTREAM_MODE", "gtfsrt")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, ModeGTFSRT, cfg.UpstreamMode)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TRANSITER_SYSTEM=test-system\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("TRANSITER_SYSTEM") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "test-system", cfg.TransiterSystem)
}

func TestLoad_InvalidMode(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("UPSTREAM_MODE", "carrier-pigeon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFeedsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeds.yml")
	yml := `apiKey: secret
feeds:
  - name: ace
    url: https://feeds.test/ace
    routes: [A, C, E]
  - name: l
    url: https://feeds.test/l
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	ff, err := LoadFeedsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", ff.APIKey)
	require.Len(t, ff.Feeds, 2)
	assert.Equal(t, []string{"A", "C", "E"}, ff.Feeds[0].Routes)
}

func TestLoadFeedsFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := map[string]string{
		"empty":       "feeds: []\n",
		"missing url": "feeds:\n  - name: g\n",
		"bad url":     "feeds:\n  - name: g\n    url: not a url\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := LoadFeedsFile(path)
			assert.Error(t, err)
		})
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
