package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFlagsFromFileReturnsNilWhenPathEmpty(t *testing.T) {
	require.Nil(t, loadFlagsFromFile(""))
}

func TestLoadFlagsFromFileReturnsNilOnMissingFile(t *testing.T) {
	require.Nil(t, loadFlagsFromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml")))
}

func TestLoadFlagsFromFileOverlaysOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("route3_fast_mode: false\nknn_top_k: 8\n"), 0o644))

	f := defaultFlags()
	loadFlagsFromFile(path).applyTo(f)

	require.False(t, f.Route3FastMode)
	require.Equal(t, 8, f.KNNTopK)
	// Untouched fields keep their defaults.
	require.True(t, f.AlgorithmV2Enabled)
	require.Equal(t, "v2", f.DefaultAlgorithmVersion)
}

func TestLoadFlagsFromEnvEnvOverridesFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("knn_top_k: 8\n"), 0o644))

	t.Setenv("FLAGS_CONFIG_PATH", path)
	t.Setenv("KNN_TOP_K", "3")

	f := loadFlagsFromEnv()
	require.Equal(t, 3, f.KNNTopK)
}
