package pathmanager_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"archivault/internal/testutil"
	"archivault/pkg/archiverr"
	"archivault/pkg/pathmanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newManager(t *testing.T, cfg pathmanager.Config) (*pathmanager.Manager, string) {
	t.Helper()
	root := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(root, "path_map.db")), &gorm.Config{})
	require.NoError(t, err)

	mgr, err := pathmanager.New(root, db, cfg, nil)
	require.NoError(t, err)
	return mgr, root
}

func defaultConfig() pathmanager.Config {
	return pathmanager.Config{
		MaxPathLength:       260,
		ShorteningThreshold: 0.8,
		EnableLongPaths:     false,
		HashAlgorithm:       "sha256",
		HashLength:          16,
	}
}

func TestResolveExtractionPath_ShortPathUnchanged(t *testing.T) {
	mgr, root := newManager(t, defaultConfig())
	got, err := mgr.ResolveExtractionPath(context.Background(), "ws1", "logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "logs/app.log"), got)
}

func TestResolveExtractionPath_IsStableAcrossCalls(t *testing.T) {
	mgr, _ := newManager(t, defaultConfig())
	ctx := context.Background()

	first, err := mgr.ResolveExtractionPath(ctx, "ws1", "a/b/c.txt")
	require.NoError(t, err)
	second, err := mgr.ResolveExtractionPath(ctx, "ws1", "a/b/c.txt")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveExtractionPath_RejectsTraversal(t *testing.T) {
	mgr, _ := newManager(t, defaultConfig())
	_, err := mgr.ResolveExtractionPath(context.Background(), "ws1", "../../etc/passwd")
	require.Error(t, err)

	e, ok := archiverr.As(err)
	require.True(t, ok)
	assert.Equal(t, archiverr.KindPathTraversal, e.Kind)
}

func TestResolveExtractionPath_RejectsReservedName(t *testing.T) {
	mgr, _ := newManager(t, defaultConfig())
	_, err := mgr.ResolveExtractionPath(context.Background(), "ws1", "data/con.txt")
	require.Error(t, err)
}

func TestResolveExtractionPath_ShortensOverlongComponent(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxPathLength = 40
	cfg.ShorteningThreshold = 0.5 // trigger length 20
	mgr, root := newManager(t, cfg)

	longName := strings.Repeat("x", 100) + ".log"
	got, err := mgr.ResolveExtractionPath(context.Background(), "ws1", longName)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, root))
	assert.NotContains(t, got, strings.Repeat("x", 100))
	assert.True(t, strings.HasSuffix(got, ".log"))
}

func TestResolveExtractionPath_CollisionAppendsCounter(t *testing.T) {
	cfg := defaultConfig()
	mgr, root := newManager(t, cfg)

	occupied := filepath.Join(root, "report.txt")
	testutil.CreateFile(t, occupied, "x")

	got, err := mgr.ResolveExtractionPath(context.Background(), "ws2", "report.txt")
	require.NoError(t, err)
	assert.NotEqual(t, occupied, got)
	assert.Contains(t, got, "report_001.txt")
}

func TestResolveOriginalPath_RoundTrips(t *testing.T) {
	mgr, _ := newManager(t, defaultConfig())
	ctx := context.Background()

	shortPath, err := mgr.ResolveExtractionPath(ctx, "ws1", "nested/file.txt")
	require.NoError(t, err)

	original, err := mgr.ResolveOriginalPath(ctx, "ws1", shortPath)
	require.NoError(t, err)
	assert.Equal(t, "nested/file.txt", original)
}

func TestResolveOriginalPath_MissingIsNotFound(t *testing.T) {
	mgr, _ := newManager(t, defaultConfig())
	_, err := mgr.ResolveOriginalPath(context.Background(), "ws1", "/does/not/exist")
	require.Error(t, err)
}

func TestResolveExtractionPath_DifferentWorkspacesAreIndependent(t *testing.T) {
	mgr, _ := newManager(t, defaultConfig())
	ctx := context.Background()

	a, err := mgr.ResolveExtractionPath(ctx, "ws-a", "shared.txt")
	require.NoError(t, err)
	b, err := mgr.ResolveExtractionPath(ctx, "ws-b", "shared.txt")
	require.NoError(t, err)

	assert.Equal(t, a, b) // same workspace root in this test setup, same resolved path
}
