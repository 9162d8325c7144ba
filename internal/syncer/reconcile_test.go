package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconcile(t *testing.T) {
	withHandle := sample("p1", 3)
	withHandle.Assets[0].Versions[0].LocalHandle = "h1"

	t.Run("equal content keeps local", func(t *testing.T) {
		local := []models.Project{withHandle}
		out, changed := Reconcile(local, []models.Project{sample("p1", 3)})
		assert.False(t, changed)
		assert.Equal(t, "h1", out[0].Assets[0].Versions[0].LocalHandle)
	})

	t.Run("server change reattaches handles", func(t *testing.T) {
		server := sample("p1", 4)
		server.Assets[0].Versions = append(server.Assets[0].Versions, models.Version{ID: "v2", VersionNumber: 2})

		out, changed := Reconcile([]models.Project{withHandle}, []models.Project{server})
		require.True(t, changed)
		require.Len(t, out[0].Assets[0].Versions, 2)
		assert.Equal(t, "h1", out[0].Assets[0].Versions[0].LocalHandle)
		assert.Empty(t, out[0].Assets[0].Versions[1].LocalHandle)
		assert.Equal(t, int64(4), out[0].Version)
	})

	t.Run("version removed on server drops its handle", func(t *testing.T) {
		server := sample("p1", 4)
		server.Assets[0].Versions = []models.Version{}

		out, changed := Reconcile([]models.Project{withHandle}, []models.Project{server})
		require.True(t, changed)
		assert.Empty(t, out[0].Assets[0].Versions)
	})

	t.Run("project added and removed", func(t *testing.T) {
		_, changed := Reconcile([]models.Project{sample("p1", 0)}, []models.Project{sample("p1", 0), sample("p2", 0)})
		assert.True(t, changed)

		out, changed := Reconcile([]models.Project{sample("p1", 0), sample("p2", 0)}, []models.Project{sample("p2", 0)})
		assert.True(t, changed)
		require.Len(t, out, 1)
		assert.Equal(t, "p2", out[0].ID)
	})

	t.Run("nil and empty slices are the same content", func(t *testing.T) {
		bare := models.Project{ID: "p1", OwnerID: "u1"}
		_, changed := Reconcile([]models.Project{sample("p1", 0)}[:0], nil)
		assert.False(t, changed)

		normalized := bare
		normalized.Normalize()
		_, changed = Reconcile([]models.Project{normalized}, []models.Project{bare})
		assert.False(t, changed)
	})

	t.Run("monotonic clock reading is ignored", func(t *testing.T) {
		now := time.Now()
		a, b := sample("p1", 0), sample("p1", 0)
		a.UpdatedAt = now
		b.UpdatedAt = now.Round(0)
		_, changed := Reconcile([]models.Project{a}, []models.Project{b})
		assert.False(t, changed)
	})

	t.Run("inputs are not modified", func(t *testing.T) {
		local := []models.Project{withHandle}
		server := []models.Project{sample("p1", 9)}
		_, _ = Reconcile(local, server)
		assert.Equal(t, "h1", local[0].Assets[0].Versions[0].LocalHandle)
		assert.Empty(t, server[0].Assets[0].Versions[0].LocalHandle)
	})
}

func TestCache_WritesThroughSnapshot(t *testing.T) {
	ctx := context.Background()
	snap := &memSnapshot{}
	cache := NewCache(snap, zap.NewNop())

	require.NoError(t, cache.Put(ctx, sample("p1", 0)))
	require.NoError(t, cache.Put(ctx, sample("p2", 0)))
	_, err := cache.Update(ctx, "p1", func(p *models.Project) error {
		p.Name = "Edited"
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, cache.Remove(ctx, "p2"))
	assert.Equal(t, 4, snap.saves)

	reloaded := NewCache(snap, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	ps := reloaded.List()
	require.Len(t, ps, 1)
	assert.Equal(t, "Edited", ps[0].Name)
}

func TestCache_PutKeepsLocalHandles(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, zap.NewNop())
	local := sample("p1", 0)
	local.Assets[0].Versions[0].LocalHandle = "h1"
	require.NoError(t, cache.Put(ctx, local))

	require.NoError(t, cache.Put(ctx, sample("p1", 1)))
	got, _ := cache.Get("p1")
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "h1", got.Assets[0].Versions[0].LocalHandle)
}

func TestCache_ReturnsCopies(t *testing.T) {
	cache := NewCache(nil, zap.NewNop())
	require.NoError(t, cache.Put(context.Background(), sample("p1", 0)))

	got, _ := cache.Get("p1")
	got.Name = "mutated"
	got.Assets[0].Title = "mutated"

	again, _ := cache.Get("p1")
	assert.Equal(t, "Trailer", again.Name)
	assert.Equal(t, "Cut 1", again.Assets[0].Title)
}

func TestCache_UpdateFailureLeavesProject(t *testing.T) {
	ctx := context.Background()
	cache := NewCache(nil, zap.NewNop())
	require.NoError(t, cache.Put(ctx, sample("p1", 0)))

	_, err := cache.Update(ctx, "p1", func(p *models.Project) error {
		p.Name = "half-done"
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, _ := cache.Get("p1")
	assert.Equal(t, "Trailer", got.Name)
}
