package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10.0, cfg.Mask.ClosingTargetMM)
	assert.Equal(t, 400.0, cfg.Mask.BoneHUMin)
	assert.Greater(t, cfg.Detect.WeightIntensity, cfg.Detect.WeightKurtosis,
		"intensity is the primary evidence and must carry the highest weight")
	assert.Greater(t, cfg.Detect.DefiniteThreshold, cfg.Detect.SuspiciousThreshold)
	assert.Less(t, cfg.Detect.NonContrastFactor, 1.0)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Mask.LungHUMax, cfg.Mask.LungHUMax)
}

func TestLoadConfigMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("mask:\n  boneHUMin: 350\ndetect:\n  minVolumeMM3: 50\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 350.0, cfg.Mask.BoneHUMin)
	assert.Equal(t, 50.0, cfg.Detect.MinVolumeMM3)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig().Mask.ClosingTargetMM, cfg.Mask.ClosingTargetMM)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Detect.DefiniteThreshold = 7.25

	require.NoError(t, SaveConfig(cfg, path))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7.25, loaded.Detect.DefiniteThreshold)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mask: ["), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}
