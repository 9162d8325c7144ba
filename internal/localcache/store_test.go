package localcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestStore opens a cache database in a temp dir.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err, "failed to open cache database")
	t.Cleanup(func() { s.Close() })
	return s, path
}

func project(id string, version int64) models.Project {
	p := models.Project{
		ID:      id,
		Name:    "Project " + id,
		OwnerID: "u1",
		Version: version,
		Assets: []models.Asset{{
			ID: "a1",
			Versions: []models.Version{{
				ID:            "v1",
				VersionNumber: 1,
				LocalHandle:   "file:///tmp/upload.mp4",
				Comments:      []models.Comment{{ID: "c1", Text: "hi", Status: models.CommentOpen}},
			}},
		}},
	}
	p.Normalize()
	return p
}

var _ syncer.Snapshotter = (*Store)(nil)

func TestStore_EmptyLoad(t *testing.T) {
	s, _ := newTestStore(t)
	ps, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ps)
}

func TestStore_SaveReplacesAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.NoError(t, s.Save(ctx, []models.Project{project("p1", 1), project("p2", 2), project("p3", 0)}))
	require.NoError(t, s.Save(ctx, []models.Project{project("p3", 1), project("p1", 2)}))

	ps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "p3", ps[0].ID)
	assert.Equal(t, "p1", ps[1].ID)
	assert.Equal(t, int64(2), ps[1].Version)
}

func TestStore_RoundTripKeepsLocalState(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	in := project("p1", 7)
	require.NoError(t, s.Save(ctx, []models.Project{in}))

	ps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, in, ps[0])
	assert.Equal(t, "file:///tmp/upload.mp4", ps[0].Assets[0].Versions[0].LocalHandle)
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)
	require.NoError(t, s.Save(ctx, []models.Project{project("p1", 3)}))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	cache := syncer.NewCache(reopened, zap.NewNop())
	require.NoError(t, cache.Load(ctx))
	got, ok := cache.Get("p1")
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Version)
}

func TestStore_CacheWritesThrough(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	cache := syncer.NewCache(s, zap.NewNop())

	require.NoError(t, cache.Put(ctx, project("p1", 0)))
	require.NoError(t, cache.Remove(ctx, "p1"))
	require.NoError(t, cache.Put(ctx, project("p2", 5)))

	ps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "p2", ps[0].ID)
}
