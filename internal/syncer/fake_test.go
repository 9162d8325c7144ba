package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lalith-99/reviewsync/internal/client"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/project"
)

// fakeAPI is an in-memory server with CAS semantics on _version.
type fakeAPI struct {
	mu       sync.Mutex
	projects map[string]models.Project
	order    []string

	listErr   []error // consumed one per ListProjects call
	writeErr  error   // returned by every write while set
	lostReply bool    // patches apply, then report an unknown outcome
	joinGate  chan struct{}

	lists    int
	gets     int
	patches  []int64 // expected versions in arrival order
	saves    []models.Project
	comments []project.CommentInput
}

func newFakeAPI(ps ...models.Project) *fakeAPI {
	f := &fakeAPI{projects: make(map[string]models.Project)}
	for _, p := range ps {
		f.store(p)
	}
	return f
}

func (f *fakeAPI) store(p models.Project) {
	p.Normalize()
	if _, ok := f.projects[p.ID]; !ok {
		f.order = append(f.order, p.ID)
	}
	f.projects[p.ID] = *p.Clone()
}

func (f *fakeAPI) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.projects[id]
	return ok
}

func (f *fakeAPI) peek(id string) models.Project {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.projects[id]
	return *p.Clone()
}

func (f *fakeAPI) set(p models.Project) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(p)
}

func (f *fakeAPI) ListProjects(_ context.Context, _ string) ([]models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if len(f.listErr) > 0 {
		err := f.listErr[0]
		f.listErr = f.listErr[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]models.Project, 0, len(f.order))
	for _, id := range f.order {
		p := f.projects[id]
		out = append(out, *p.Clone())
	}
	return out, nil
}

func (f *fakeAPI) GetProject(_ context.Context, id string) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	p, ok := f.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", project.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (f *fakeAPI) PatchProject(_ context.Context, id string, updates map[string]json.RawMessage, expected int64) (*models.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, expected)
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	p, ok := f.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	if p.Version != expected {
		return nil, &project.ConflictError{ProjectID: id, ServerVersion: p.Version, ClientVersion: expected}
	}
	next, err := p.ApplyPatch(updates)
	if err != nil {
		return nil, err
	}
	next.Version++
	f.store(*next)
	if f.lostReply {
		return nil, client.ErrUnknownOutcome
	}
	return next.Clone(), nil
}

func (f *fakeAPI) SaveProjects(_ context.Context, docs []models.Project) (*project.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, docs...)
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	res := &project.SaveResult{}
	for _, doc := range docs {
		stored, ok := f.projects[doc.ID]
		switch {
		case !ok:
			doc.OwnerID = "u2"
			doc.Version = 0
		case stored.IsLocked:
			res.Skipped = append(res.Skipped, doc.ID)
			continue
		case stored.Version != doc.Version:
			res.Conflicts = append(res.Conflicts, project.ConflictError{
				ProjectID: doc.ID, ServerVersion: stored.Version, ClientVersion: doc.Version,
			})
			continue
		default:
			doc.OwnerID = stored.OwnerID
			doc.Version++
		}
		f.store(doc)
		saved := f.projects[doc.ID]
		res.Saved = append(res.Saved, *saved.Clone())
	}
	return res, nil
}

func (f *fakeAPI) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if _, ok := f.projects[id]; !ok {
		return project.ErrNotFound
	}
	delete(f.projects, id)
	for i, oid := range f.order {
		if oid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeAPI) JoinProject(_ context.Context, id string) (*models.Project, error) {
	if f.joinGate != nil {
		<-f.joinGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	p, ok := f.projects[id]
	if !ok {
		return nil, project.ErrNotFound
	}
	if !p.HasMember("u2", "") {
		p.Team = append(p.Team, models.TeamMember{ID: "u2", Name: "Bo"})
		p.Version++
		f.store(p)
	}
	return p.Clone(), nil
}

func (f *fakeAPI) CreateComment(_ context.Context, ref models.CommentRef, in project.CommentInput) (*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, in)
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	p := f.projects[ref.ProjectID]
	p = *p.Clone()
	v := p.FindAsset(ref.AssetID).FindVersion(ref.VersionID)
	c := models.Comment{ID: in.ID, Text: in.Text, Timestamp: in.Timestamp, Status: models.CommentOpen, UserID: "u2", AuthorName: "Bo"}
	v.Comments = append(v.Comments, c)
	p.Version++
	f.store(p)
	return &c, nil
}

func (f *fakeAPI) UpdateComment(_ context.Context, ref models.CommentRef, commentID string, upd project.CommentUpdate) (*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	p := f.projects[ref.ProjectID]
	p = *p.Clone()
	v := p.FindAsset(ref.AssetID).FindVersion(ref.VersionID)
	i := v.CommentIndex(commentID)
	if i < 0 {
		return nil, project.ErrNotFound
	}
	if upd.Status != nil {
		v.Comments[i].Status = *upd.Status
	}
	p.Version++
	f.store(p)
	c := v.Comments[i]
	return &c, nil
}

func (f *fakeAPI) DeleteComment(_ context.Context, ref models.CommentRef, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	p := f.projects[ref.ProjectID]
	p = *p.Clone()
	v := p.FindAsset(ref.AssetID).FindVersion(ref.VersionID)
	i := v.CommentIndex(commentID)
	if i < 0 {
		return project.ErrNotFound
	}
	v.Comments = append(v.Comments[:i], v.Comments[i+1:]...)
	p.Version++
	f.store(p)
	return nil
}

// memSnapshot records every Save.
type memSnapshot struct {
	mu    sync.Mutex
	saved []models.Project
	saves int
}

func (m *memSnapshot) Load(context.Context) ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.saved), nil
}

func (m *memSnapshot) Save(_ context.Context, ps []models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = cloneAll(ps)
	m.saves++
	return nil
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sample(id string, version int64) models.Project {
	p := models.Project{
		ID:      id,
		Name:    "Trailer",
		OwnerID: "u1",
		Version: version,
		Assets: []models.Asset{{
			ID:    "a1",
			Title: "Cut 1",
			Versions: []models.Version{{
				ID:            "v1",
				VersionNumber: 1,
				Filename:      "cut1.mp4",
				StorageType:   "s3",
			}},
		}},
	}
	p.Normalize()
	return p
}
