package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, [2]float64{-1024, 3071}, cfg.Image.DynamicRange)
	assert.False(t, cfg.Image.EmpiricalPSNRRange)
	assert.Equal(t, 0.9, cfg.Dose.Threshold)
	assert.Equal(t, 2.0, cfg.Dose.Prescribed["Brain"])
	assert.Equal(t, []string{"photon", "proton"}, cfg.Dose.Modalities)
	assert.Equal(t, 30*time.Minute, cfg.Recompute.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sctmetrics.yaml")
	yml := `
image:
  dynamicRange: [-1000, 2000]
  empiricalPSNRRange: true
dose:
  prescribed:
    Pelvis: 3
  threshold: 0.5
recompute:
  command: /opt/matrad/run.sh
  timeout: 90s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{-1000, 2000}, cfg.Image.DynamicRange)
	assert.True(t, cfg.Image.EmpiricalPSNRRange)
	assert.Equal(t, 3.0, cfg.Dose.Prescribed["Pelvis"])
	assert.Equal(t, 0.5, cfg.Dose.Threshold)
	assert.Equal(t, "/opt/matrad/run.sh", cfg.Recompute.Command)
	assert.Equal(t, 90*time.Second, cfg.Recompute.Timeout)
	// untouched sections keep their defaults
	assert.Equal(t, "dvh_ct_%s.json", cfg.Recompute.Artifacts.DVHGT)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"reversed range":    "image:\n  dynamicRange: [100, -100]\n",
		"negative dose":     "dose:\n  prescribed:\n    Brain: -2\n",
		"threshold too big": "dose:\n  threshold: 1.5\n",
		"not yaml":          "image: [\n",
	}
	for name, yml := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(yml), 0644))
			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sctmetrics.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Recompute.Artifacts, cfg.Recompute.Artifacts)
	assert.Equal(t, DefaultConfig().Dose.Prescribed, cfg.Dose.Prescribed)
}
