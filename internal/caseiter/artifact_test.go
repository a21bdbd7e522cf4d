package caseiter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestArtifactRegistryCleanupAllRemovesTrackedPaths(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "a.egg")
	f2 := filepath.Join(dir, "b.egg")
	require.NoError(t, os.WriteFile(f1, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(f2, []byte("y"), 0o644))

	reg := NewArtifactRegistry(zap.NewNop())
	reg.Track(f1)
	reg.Track(f2)

	reg.CleanupAll()

	_, err := os.Stat(f1)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(f2)
	require.True(t, os.IsNotExist(err))
}

func TestArtifactRegistryTrackIgnoresEmptyPath(t *testing.T) {
	reg := NewArtifactRegistry(zap.NewNop())
	reg.Track("")
	require.Empty(t, reg.paths)
}

func TestArtifactRegistryCleanupAllToleratesMissingFile(t *testing.T) {
	reg := NewArtifactRegistry(zap.NewNop())
	reg.Track(filepath.Join(t.TempDir(), "never-existed.egg"))
	reg.CleanupAll()
	require.Empty(t, reg.paths)
}

func TestArtifactRegistryCleanupAllClearsRegistry(t *testing.T) {
	dir := t.TempDir()
	f1 := filepath.Join(dir, "a.egg")
	require.NoError(t, os.WriteFile(f1, []byte("x"), 0o644))

	reg := NewArtifactRegistry(zap.NewNop())
	reg.Track(f1)
	reg.CleanupAll()
	require.Empty(t, reg.paths)

	// A second call with nothing tracked must be a no-op, not a panic.
	reg.CleanupAll()
}
