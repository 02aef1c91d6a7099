package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodyline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "1", cfg.Integrity.FingerprintVersion)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "none", cfg.Anchor.Gateway)
	assert.Equal(t, 10*time.Second, cfg.Anchor.SubmitTimeout)
	assert.Equal(t, time.Minute, cfg.Anchor.MaxBackoff)
	assert.Equal(t, uint64(3), cfg.Anchor.EVM.MinConfirmations)
	assert.Equal(t, 5*time.Minute, cfg.Verify.CacheTTL)

	parsed, err := config.FromYAML([]byte(config.GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, cfg, parsed)
}

func TestPartialYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
integrity:
  fingerprint_version: "2"
anchor:
  gateway: simulated
  auto: true
  max_attempts: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "2", cfg.Integrity.FingerprintVersion)
	assert.Equal(t, "simulated", cfg.Anchor.Gateway)
	assert.True(t, cfg.Anchor.Auto)
	assert.Equal(t, 2, cfg.Anchor.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Anchor.BaseBackoff)
	assert.Equal(t, "local", cfg.Lock.Driver)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown version":    "integrity:\n  fingerprint_version: \"7\"\n",
		"unknown driver":     "storage:\n  driver: postgres\n",
		"unknown gateway":    "anchor:\n  gateway: carrier-pigeon\n",
		"auto without gw":    "anchor:\n  auto: true\n",
		"http without url":   "anchor:\n  gateway: http\n",
		"evm without rpc":    "anchor:\n  gateway: evm\n",
		"backoff inverted":   "anchor:\n  base_backoff: 2m\n  max_backoff: 1m\n",
		"no attempts":        "anchor:\n  max_attempts: 0\n",
		"redis without addr": "lock:\n  driver: redis\n",
		"bad level":          "log:\n  level: loud\n",
		"not yaml":           "anchor: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "custodyline.yml"), []byte("storage:\n  driver: memory\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(dir, "custodyline.yml"), config.Path(dir))
}
