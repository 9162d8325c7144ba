package project

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
)

// memStore is an in-memory ProjectRepository with the same CAS semantics as
// the Postgres store. Documents are copied through JSON on the way in and out
// so tests cannot alias stored state.
type memStore struct {
	mu       sync.Mutex
	rows     map[string][]byte
	failWith error

	// beforeUpdate runs once, inside UpdateIfVersion, before the version
	// check. Tests use it to slip in a competing writer.
	beforeUpdate func(m *memStore)
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]byte)}
}

func (m *memStore) put(p *models.Project) {
	raw, _ := json.Marshal(p)
	m.mu.Lock()
	m.rows[p.ID] = raw
	m.mu.Unlock()
}

func (m *memStore) peek(id string) *models.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode(m.rows[id])
}

func decode(raw []byte) *models.Project {
	if raw == nil {
		return nil
	}
	var p models.Project
	_ = json.Unmarshal(raw, &p)
	p.Normalize()
	return &p
}

func (m *memStore) Get(_ context.Context, id string) (*models.Project, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	return m.peek(id), nil
}

func (m *memStore) ListByOrg(_ context.Context, orgID string) ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Project, 0)
	for _, raw := range m.rows {
		if p := decode(raw); p.OrgID == orgID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ListPersonal(_ context.Context, actorID, email string) ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Project, 0)
	for _, raw := range m.rows {
		p := decode(raw)
		if p.OrgID == "" && (p.OwnerID == actorID || p.HasMember(actorID, email)) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) Insert(_ context.Context, p *models.Project) error {
	if m.failWith != nil {
		return m.failWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[p.ID]; ok {
		return repository.ErrAlreadyExists
	}
	m.rows[p.ID], _ = json.Marshal(p)
	return nil
}

func (m *memStore) UpdateIfVersion(_ context.Context, id string, expected int64, p *models.Project) (repository.UpdateResult, error) {
	if m.failWith != nil {
		return repository.UpdateResult{}, m.failWith
	}
	if hook := m.beforeUpdate; hook != nil {
		m.beforeUpdate = nil
		hook(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := decode(m.rows[id])
	if cur == nil {
		return repository.UpdateResult{}, repository.ErrNotFound
	}
	if cur.Version != expected {
		return repository.UpdateResult{Applied: false, CurrentVersion: cur.Version}, nil
	}
	p.Version = expected + 1
	m.rows[id], _ = json.Marshal(p)
	return repository.UpdateResult{Applied: true, CurrentVersion: p.Version}, nil
}

func (m *memStore) Delete(_ context.Context, id string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	delete(m.rows, id)
	return ok, nil
}

type memCleanup struct {
	mu    sync.Mutex
	items []models.CleanupItem
}

func (c *memCleanup) Enqueue(_ context.Context, projectID string, refs []models.StorageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range refs {
		c.items = append(c.items, models.CleanupItem{ID: int64(len(c.items) + 1), ProjectID: projectID, Ref: r})
	}
	return nil
}

func (c *memCleanup) ListPending(context.Context, int64, int) ([]models.CleanupItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.CleanupItem(nil), c.items...), nil
}

func (c *memCleanup) Ack(context.Context, []int64) error { return nil }

// staticDirectory answers membership lookups from a map.
type staticDirectory struct {
	byUser map[string][]access.Membership
	err    error
	calls  int
}

func (d *staticDirectory) Memberships(_ context.Context, userID string) ([]access.Membership, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.byUser[userID], nil
}
