package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers:\n  ia: true\n"))
	require.NoError(t, err)

	assert.Equal(t, "downloaded_works", cfg.General.OutputDir)
	assert.Equal(t, filepath.Join("downloaded_works", ".downloader_state.json"), cfg.General.StateFile)
	assert.Equal(t, 30, cfg.General.DeferredPollS)
	assert.Equal(t, "skip_completed", cfg.Download.ResumeMode)
	assert.True(t, cfg.Download.PreferPDFOverImages)
	assert.Equal(t, 4, cfg.Download.MaxParallelDownloads)
	assert.Equal(t, 600, cfg.Download.WorkerTimeoutS)
	assert.Equal(t, "skip", cfg.DownloadLimits.OnExceed)
	assert.Equal(t, "collect_and_select", cfg.Selection.Strategy)
	assert.InDelta(t, 85.0, cfg.Selection.MinTitleScore, 0.0001)
	assert.InDelta(t, 0.2, cfg.Selection.CreatorWeight, 0.0001)
	assert.Equal(t, 80, cfg.Naming.TitleSlugMaxLen)
	assert.Equal(t, []string{"ia"}, cfg.EnabledProviders())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "downloaded_works", cfg.General.OutputDir)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestProviderDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
providers:
  gallica: true
provider_settings:
  gallica:
    network:
      delay_ms: 1000
      jitter_ms: 200
    quota:
      enabled: true
      daily_limit: 50
`))
	require.NoError(t, err)

	ps := cfg.Provider("gallica")
	assert.Equal(t, 1000, ps.Network.DelayMS)
	assert.Equal(t, 200, ps.Network.JitterMS)
	assert.Equal(t, 5, ps.Network.MaxAttempts)
	assert.InDelta(t, 1.5, ps.Network.BaseBackoffS, 0.0001)
	assert.InDelta(t, 60.0, ps.Network.MaxBackoffS, 0.0001)
	assert.InDelta(t, 30.0, ps.Network.TimeoutS, 0.0001)
	assert.True(t, ps.Network.CircuitBreakerEnabled())
	assert.Equal(t, 5, ps.Network.BreakerThreshold)
	assert.Equal(t, "fail", ps.Network.SSLErrorPolicy)
	assert.True(t, ps.Quota.Enabled)
	assert.Equal(t, 50, ps.Quota.DailyLimit)
	assert.InDelta(t, 24.0, ps.Quota.ResetHours, 0.0001)
	assert.True(t, ps.Quota.WaitForReset())

	// Unknown key still resolves to defaults.
	unknown := cfg.Provider("never_configured")
	assert.Equal(t, 5, unknown.Network.MaxAttempts)
	assert.False(t, unknown.Quota.Enabled)
}

func TestBreakerCanBeDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
provider_settings:
  ia:
    network:
      circuit_breaker_enabled: false
`))
	require.NoError(t, err)
	assert.False(t, cfg.Provider("ia").Network.CircuitBreakerEnabled())
}

func TestLimitsNormalized(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
download_limits:
  total:
    pdfs_gb: 1
    images_gb: 2
    metadata_gb: 0
  per_work:
    pdfs_gb: 0.5
    metadata_mb: 10
`))
	require.NoError(t, err)

	total, perWork := cfg.DownloadLimits.Normalized()
	assert.Equal(t, int64(1<<30), total["pdf"])
	assert.Equal(t, int64(2<<30), total["image"])
	assert.Equal(t, int64(0), total["metadata"])
	assert.Equal(t, int64(512<<20), perWork["pdf"])
	assert.Equal(t, int64(10<<20), perWork["metadata"])
}

func TestInconsistentLimitsRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
download_limits:
  total:
    pdfs_gb: 1
  per_work:
    pdfs_gb: 2
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_work")
}

func TestInvalidEnumsRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "download:\n  resume_mode: sometimes\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "download_limits:\n  on_exceed: explode\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "selection:\n  strategy: coin_flip\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "provider_settings:\n  ia:\n    network:\n      ssl_error_policy: insecure_retry\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssl_error_policy")
}

func TestSSLPolicyRetryInsecureOnce(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
provider_settings:
  ia:
    network:
      ssl_error_policy: retry_insecure_once
`))
	require.NoError(t, err)
	assert.Equal(t, SSLPolicyRetryInsecureOnce, cfg.Provider("ia").Network.SSLErrorPolicy)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHRONOFETCH_GENERAL_OUTPUT_DIR", "/tmp/elsewhere")

	cfg, err := Load(writeConfig(t, "providers:\n  ia: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere", cfg.General.OutputDir)
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "general:\n  output_dir: from_env\n")
	t.Setenv("CHRONOFETCH_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from_env", cfg.General.OutputDir)
}

func TestEnabledProvidersFollowHierarchy(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
providers:
  annas: true
  ia: true
  gallica: true
  loc: false
selection:
  provider_hierarchy: [gallica, ia]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"gallica", "ia", "annas"}, cfg.EnabledProviders())
}

func TestConcurrencyFor(t *testing.T) {
	d := DownloadConfig{ProviderConcurrency: map[string]int{"default": 3, "ia": 1}}
	assert.Equal(t, 1, d.ConcurrencyFor("ia"))
	assert.Equal(t, 3, d.ConcurrencyFor("gallica"))

	empty := DownloadConfig{}
	assert.Equal(t, 2, empty.ConcurrencyFor("anything"))
}
