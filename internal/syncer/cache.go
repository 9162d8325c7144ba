package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lalith-99/reviewsync/internal/models"
	"go.uber.org/zap"
)

// ErrNotCached is returned for local edits to a project the cache does not
// hold.
var ErrNotCached = errors.New("project not cached")

// Snapshotter persists the cached project list between runs.
type Snapshotter interface {
	Load(ctx context.Context) ([]models.Project, error)
	Save(ctx context.Context, projects []models.Project) error
}

// Cache is the client's keyed copy of every project visible to the current
// actor. Every accepted change is written through to the Snapshotter.
// Callers always get deep copies.
type Cache struct {
	mu       sync.RWMutex
	projects []models.Project
	snap     Snapshotter
	logger   *zap.Logger
}

// NewCache creates an empty cache. snap may be nil for a memory-only cache.
func NewCache(snap Snapshotter, logger *zap.Logger) *Cache {
	return &Cache{snap: snap, logger: logger, projects: []models.Project{}}
}

// Load replaces the cache with the persisted snapshot.
func (c *Cache) Load(ctx context.Context) error {
	if c.snap == nil {
		return nil
	}
	ps, err := c.snap.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	for i := range ps {
		ps[i].Normalize()
	}

	c.mu.Lock()
	c.projects = ps
	c.mu.Unlock()

	c.logger.Debug("cache loaded", zap.Int("projects", len(ps)))
	return nil
}

func (c *Cache) List() []models.Project {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneAll(c.projects)
}

func (c *Cache) Get(id string) (*models.Project, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.index(id); i >= 0 {
		return c.projects[i].Clone(), true
	}
	return nil, false
}

// Version returns the cached _version of a project, 0 when it is not cached.
func (c *Cache) Version(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.index(id); i >= 0 {
		return c.projects[i].Version
	}
	return 0
}

// Reconcile merges an authoritative server list into the cache. It reports
// whether the visible content changed; an unchanged list is not rewritten.
func (c *Cache) Reconcile(ctx context.Context, server []models.Project) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, changed := Reconcile(c.projects, server)
	if !changed {
		return false, nil
	}
	c.projects = next
	return true, c.persist(ctx)
}

// Put inserts or replaces one project, keeping the local handles of the
// copy it replaces.
func (c *Cache) Put(ctx context.Context, p models.Project) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p = *p.Clone()
	p.Normalize()
	if i := c.index(p.ID); i >= 0 {
		old := c.projects[i].Clone()
		p.RestoreEphemeral(old.StripEphemeral())
		c.projects[i] = p
	} else {
		c.projects = append(c.projects, p)
	}
	return c.persist(ctx)
}

// Update applies fn to a copy of the cached project and stores the result
// if fn succeeds.
func (c *Cache) Update(ctx context.Context, id string, fn func(p *models.Project) error) (*models.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, id)
	}
	next := c.projects[i].Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	c.projects[i] = *next
	if err := c.persist(ctx); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (c *Cache) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(id)
	if i < 0 {
		return nil
	}
	c.projects = append(c.projects[:i], c.projects[i+1:]...)
	return c.persist(ctx)
}

func (c *Cache) index(id string) int {
	for i := range c.projects {
		if c.projects[i].ID == id {
			return i
		}
	}
	return -1
}

// persist must be called with mu held.
func (c *Cache) persist(ctx context.Context) error {
	if c.snap == nil {
		return nil
	}
	if err := c.snap.Save(ctx, cloneAll(c.projects)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func cloneAll(ps []models.Project) []models.Project {
	out := make([]models.Project, len(ps))
	for i := range ps {
		out[i] = *ps[i].Clone()
	}
	return out
}
