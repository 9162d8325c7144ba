// Package syncer keeps a client-side copy of the visible projects in step
// with the server. Local edits are applied to the cache first and sent in
// issue order by a single worker; a poll loop replaces the cache when the
// server's content differs.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/reviewsync/internal/client"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/project"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the server API the reconciler drives.
// *client.Client implements it.
type API interface {
	ListProjects(ctx context.Context, orgID string) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	PatchProject(ctx context.Context, id string, updates map[string]json.RawMessage, expectedVersion int64) (*models.Project, error)
	SaveProjects(ctx context.Context, docs []models.Project) (*project.SaveResult, error)
	DeleteProject(ctx context.Context, id string) error
	JoinProject(ctx context.Context, id string) (*models.Project, error)
	CreateComment(ctx context.Context, ref models.CommentRef, in project.CommentInput) (*models.Comment, error)
	UpdateComment(ctx context.Context, ref models.CommentRef, commentID string, upd project.CommentUpdate) (*models.Comment, error)
	DeleteComment(ctx context.Context, ref models.CommentRef, commentID string) error
}

// ErrJoinInProgress is returned when a join for the same project is already
// waiting on the server.
var ErrJoinInProgress = errors.New("join already in progress")

type EventType string

const (
	EventConflict    EventType = "conflict"
	EventWriteFailed EventType = "write_failed"
	EventOffline     EventType = "offline"
	EventOnline      EventType = "online"
	EventRefreshed   EventType = "refreshed"
)

// Event tells the user the remote state may disagree with what they see.
type Event struct {
	Type          EventType
	ProjectID     string
	Err           error
	ServerVersion int64
	ClientVersion int64
}

type Options struct {
	// OrgID selects the organization context. Empty means personal projects.
	OrgID string

	// UserID and UserName stamp optimistic comments until the server copy
	// replaces them.
	UserID   string
	UserName string

	PollInterval   time.Duration
	SuppressWindow time.Duration
	EventBuffer    int
}

const (
	defaultPollInterval   = 5 * time.Second
	defaultSuppressWindow = 10 * time.Second
	defaultEventBuffer    = 64
)

// mutation is one queued write. send runs on the worker goroutine.
type mutation struct {
	op        string
	projectID string
	send      func(ctx context.Context) error
}

type Reconciler struct {
	api    API
	cache  *Cache
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	queue         []mutation
	inflight      bool
	suppressUntil time.Time
	offline       bool
	joining       map[string]struct{}

	// pending counts queued and in-flight writes per project. chain holds
	// the version the next of them must expect.
	pending map[string]int
	chain   map[string]int64

	wake   chan struct{}
	events chan Event
}

func NewReconciler(api API, cache *Cache, opts Options, logger *zap.Logger) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.SuppressWindow <= 0 {
		opts.SuppressWindow = defaultSuppressWindow
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	return &Reconciler{
		api:     api,
		cache:   cache,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		joining: make(map[string]struct{}),
		pending: make(map[string]int),
		chain:   make(map[string]int64),
		wake:    make(chan struct{}, 1),
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Events delivers notifications. Events are dropped when nobody reads.
func (r *Reconciler) Events() <-chan Event {
	return r.events
}

func (r *Reconciler) Cache() *Cache {
	return r.cache
}

func (r *Reconciler) Offline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offline
}

// Run polls on every tick and drains the write queue until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.work(ctx)
		return nil
	})
	g.Go(func() error {
		r.pollLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (r *Reconciler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := r.PollOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
			r.drain(ctx)
		}
	}
}

// PollOnce fetches the server list and replaces the cache if the content
// differs. It does nothing inside a suppression window or while writes are
// queued, so a stale read never clobbers an optimistic edit.
func (r *Reconciler) PollOnce(ctx context.Context) error {
	r.mu.Lock()
	reason := r.holdReasonLocked()
	r.mu.Unlock()
	if reason != "" {
		r.logger.Debug("poll skipped", zap.String("reason", reason))
		return nil
	}

	server, err := r.api.ListProjects(ctx, r.opts.OrgID)
	if err != nil {
		if errors.Is(err, client.ErrOffline) {
			r.goOffline(err)
		}
		return fmt.Errorf("list projects: %w", err)
	}
	r.markOnline()

	r.mu.Lock()
	defer r.mu.Unlock()

	// A local edit may have landed while the request was out.
	if reason := r.holdReasonLocked(); reason != "" {
		r.logger.Debug("poll result discarded", zap.String("reason", reason))
		return nil
	}
	changed, err := r.cache.Reconcile(ctx, server)
	if err != nil {
		return err
	}
	r.logger.Debug("poll complete", zap.Int("projects", len(server)), zap.Bool("changed", changed))
	if changed {
		r.emit(Event{Type: EventRefreshed})
	}
	return nil
}

// Suppress holds off polling for at least d from now.
func (r *Reconciler) Suppress(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressLocked(d)
}

func (r *Reconciler) suppressLocked(d time.Duration) {
	if until := r.now().Add(d); until.After(r.suppressUntil) {
		r.suppressUntil = until
	}
}

func (r *Reconciler) holdReasonLocked() string {
	switch {
	case len(r.queue) > 0 || r.inflight:
		return "writes pending"
	case r.now().Before(r.suppressUntil):
		return "suppression window"
	default:
		return ""
	}
}

// Patch applies updates to the cached project and queues the request. The
// request expects the version the edit was made against, moved forward only
// by this client's own confirmed writes to the project, so an edit made
// before someone else's write conflicts instead of overwriting it.
func (r *Reconciler) Patch(ctx context.Context, id string, updates map[string]json.RawMessage) (*models.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, client.ErrOffline
	}

	updated, err := r.cache.Update(ctx, id, func(p *models.Project) error {
		handles := p.Clone().StripEphemeral()
		next, err := p.ApplyPatch(updates)
		if err != nil {
			return err
		}
		next.Normalize()
		next.RestoreEphemeral(handles)
		*p = *next
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.enqueueLocked(mutation{op: "patch", projectID: id, send: func(ctx context.Context) error {
		p, err := r.api.PatchProject(ctx, id, updates, r.expected(id))
		if err != nil {
			return err
		}
		return r.confirm(ctx, p)
	}})
	return updated, nil
}

// Save creates or replaces one project. The cached copy changes right away.
// Comments are never taken from doc: a new project starts without any and a
// replaced one keeps the cached ones, which is what the server does too.
func (r *Reconciler) Save(ctx context.Context, doc models.Project) (*models.Project, error) {
	local := doc.Clone()
	if local.ID == "" {
		local.ID = uuid.NewString()
	}
	local.Normalize()
	if err := local.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, client.ErrOffline
	}

	cached, ok := r.cache.Get(local.ID)
	if ok {
		if cached.IsLocked {
			return nil, project.ErrLocked
		}
		local.OwnerID = cached.OwnerID
		local.Version = cached.Version
	} else {
		local.OwnerID = r.opts.UserID
		local.Version = 0
	}
	carryComments(cached, local)

	if err := r.cache.Put(ctx, *local); err != nil {
		return nil, err
	}

	out := local.Clone()
	out.StripEphemeral()
	r.enqueueLocked(mutation{op: "save", projectID: local.ID, send: func(ctx context.Context) error {
		req := *out
		req.Version = r.expected(req.ID)
		res, err := r.api.SaveProjects(ctx, []models.Project{req})
		if err != nil {
			return err
		}
		saved, err := saveOutcome(req.ID, res)
		if err != nil {
			return err
		}
		return r.confirm(ctx, saved)
	}})
	return local, nil
}

// carryComments replaces the comments of next with those of prev for every
// version both hold. Versions prev does not know start empty.
func carryComments(prev, next *models.Project) {
	for i := range next.Assets {
		a := &next.Assets[i]
		var old *models.Asset
		if prev != nil {
			old = prev.FindAsset(a.ID)
		}
		for j := range a.Versions {
			v := &a.Versions[j]
			v.Comments = []models.Comment{}
			if old == nil {
				continue
			}
			if ov := old.FindVersion(v.ID); ov != nil {
				v.Comments = append(v.Comments, ov.Comments...)
			}
		}
	}
}

// saveOutcome picks the entry for id out of a batch save result.
func saveOutcome(id string, res *project.SaveResult) (*models.Project, error) {
	for i := range res.Saved {
		if res.Saved[i].ID == id {
			return &res.Saved[i], nil
		}
	}
	for i := range res.Conflicts {
		if res.Conflicts[i].ProjectID == id {
			conflict := res.Conflicts[i]
			return nil, &conflict
		}
	}
	for _, rej := range res.Rejected {
		if rej.ID == id {
			return nil, fmt.Errorf("%w: %s", project.ErrInvalidDocument, rej.Reason)
		}
	}
	for _, skipped := range res.Skipped {
		if skipped == id {
			return nil, fmt.Errorf("%w: save of %s skipped", project.ErrForbidden, id)
		}
	}
	return nil, fmt.Errorf("save project %s: missing from response", id)
}

// Delete drops the project from the cache and queues the request. If the
// server refuses, the project comes back with the next refresh.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return client.ErrOffline
	}
	cached, ok := r.cache.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCached, id)
	}
	if cached.IsLocked {
		return project.ErrLocked
	}
	if err := r.cache.Remove(ctx, id); err != nil {
		return err
	}

	r.enqueueLocked(mutation{op: "delete", projectID: id, send: func(ctx context.Context) error {
		return r.api.DeleteProject(ctx, id)
	}})
	return nil
}

// CreateComment adds the comment to the cached version and queues it. The
// comment ID is fixed here so a retried request cannot create a duplicate.
func (r *Reconciler) CreateComment(ctx context.Context, ref models.CommentRef, in project.CommentInput) (*models.Comment, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" {
		return nil, fmt.Errorf("%w: comment text is empty", project.ErrInvalidDocument)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	comment := models.Comment{
		ID:         in.ID,
		Text:       in.Text,
		Timestamp:  in.Timestamp,
		Duration:   in.Duration,
		Status:     models.CommentOpen,
		UserID:     r.opts.UserID,
		AuthorName: r.opts.UserName,
		CreatedAt:  r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, client.ErrOffline
	}

	err := r.editComments(ctx, ref, func(v *models.Version) error {
		if v.CommentIndex(comment.ID) < 0 {
			v.Comments = append(v.Comments, comment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.enqueueLocked(mutation{op: "comment.create", projectID: ref.ProjectID, send: func(ctx context.Context) error {
		if _, err := r.api.CreateComment(ctx, ref, in); err != nil {
			return err
		}
		r.refreshProject(ctx, ref.ProjectID, true)
		return nil
	}})
	return &comment, nil
}

func (r *Reconciler) UpdateComment(ctx context.Context, ref models.CommentRef, commentID string, upd project.CommentUpdate) (*models.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return nil, client.ErrOffline
	}

	var updated models.Comment
	err := r.editComments(ctx, ref, func(v *models.Version) error {
		i := v.CommentIndex(commentID)
		if i < 0 {
			return fmt.Errorf("%w: comment %s", project.ErrNotFound, commentID)
		}
		c := &v.Comments[i]
		if upd.Text != nil {
			c.Text = strings.TrimSpace(*upd.Text)
		}
		if upd.Status != nil {
			c.Status = *upd.Status
		}
		if upd.Timestamp != nil {
			c.Timestamp = *upd.Timestamp
		}
		if upd.Duration != nil {
			d := *upd.Duration
			c.Duration = &d
		}
		updated = *c
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.enqueueLocked(mutation{op: "comment.update", projectID: ref.ProjectID, send: func(ctx context.Context) error {
		if _, err := r.api.UpdateComment(ctx, ref, commentID, upd); err != nil {
			return err
		}
		r.refreshProject(ctx, ref.ProjectID, true)
		return nil
	}})
	return &updated, nil
}

func (r *Reconciler) DeleteComment(ctx context.Context, ref models.CommentRef, commentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return client.ErrOffline
	}

	err := r.editComments(ctx, ref, func(v *models.Version) error {
		i := v.CommentIndex(commentID)
		if i < 0 {
			return fmt.Errorf("%w: comment %s", project.ErrNotFound, commentID)
		}
		v.Comments = append(v.Comments[:i], v.Comments[i+1:]...)
		return nil
	})
	if err != nil {
		return err
	}

	r.enqueueLocked(mutation{op: "comment.delete", projectID: ref.ProjectID, send: func(ctx context.Context) error {
		if err := r.api.DeleteComment(ctx, ref, commentID); err != nil {
			return err
		}
		r.refreshProject(ctx, ref.ProjectID, true)
		return nil
	}})
	return nil
}

// editComments applies fn to the cached version addressed by ref. The lock
// check is a hint for the user; the server decides.
func (r *Reconciler) editComments(ctx context.Context, ref models.CommentRef, fn func(v *models.Version) error) error {
	_, err := r.cache.Update(ctx, ref.ProjectID, func(p *models.Project) error {
		if p.IsLocked {
			return project.ErrLocked
		}
		a := p.FindAsset(ref.AssetID)
		if a == nil {
			return fmt.Errorf("%w: asset %s", project.ErrNotFound, ref.AssetID)
		}
		v := a.FindVersion(ref.VersionID)
		if v == nil {
			return fmt.Errorf("%w: version %s", project.ErrNotFound, ref.VersionID)
		}
		return fn(v)
	})
	return err
}

// Join accepts an invitation and adopts the returned document. At most one
// join per project is outstanding from this client.
func (r *Reconciler) Join(ctx context.Context, id string) (*models.Project, error) {
	r.mu.Lock()
	if r.offline {
		r.mu.Unlock()
		return nil, client.ErrOffline
	}
	if _, busy := r.joining[id]; busy {
		r.mu.Unlock()
		return nil, ErrJoinInProgress
	}
	r.joining[id] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.joining, id)
		r.mu.Unlock()
	}()

	p, err := r.api.JoinProject(ctx, id)
	if err != nil {
		if errors.Is(err, client.ErrOffline) {
			r.goOffline(err)
		}
		return nil, fmt.Errorf("join project %s: %w", id, err)
	}
	r.markOnline()

	if err := r.cache.Put(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

// Flush sends every queued write on the calling goroutine. One-shot callers
// use it instead of Run.
func (r *Reconciler) Flush(ctx context.Context) {
	r.drain(ctx)
}

// enqueueLocked must be called with mu held. The first write queued for a
// project starts its chain at the cached version, the base the edit was
// made against.
func (r *Reconciler) enqueueLocked(m mutation) {
	if r.pending[m.projectID] == 0 {
		r.chain[m.projectID] = r.cache.Version(m.projectID)
	}
	r.pending[m.projectID]++
	r.queue = append(r.queue, m)
	r.suppressLocked(r.opts.SuppressWindow)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drain sends queued mutations one at a time in issue order until the queue
// is empty.
func (r *Reconciler) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.inflight = true
		r.mu.Unlock()

		err := m.send(ctx)
		if err == nil {
			r.markOnline()
		} else {
			r.handleWriteError(ctx, m, err)
		}

		r.mu.Lock()
		r.inflight = false
		r.doneLocked(m.projectID)
		r.mu.Unlock()
	}
}

func (r *Reconciler) doneLocked(id string) {
	r.pending[id]--
	if r.pending[id] <= 0 {
		delete(r.pending, id)
		delete(r.chain, id)
	}
}

func (r *Reconciler) expected(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain[id]
}

// confirm records the server copy returned by one of this client's writes.
// Later writes to the project expect its version. The cache adopts the copy
// once nothing else for the project is queued, so the optimistic edits of
// the queued writes stay visible until then.
func (r *Reconciler) confirm(ctx context.Context, p *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chain[p.ID] = p.Version
	if r.pending[p.ID] > 1 {
		return nil
	}
	return r.cache.Put(ctx, *p)
}

func (r *Reconciler) handleWriteError(ctx context.Context, m mutation, err error) {
	if ctx.Err() != nil {
		return
	}
	log := r.logger.With(zap.String("op", m.op), zap.String("project_id", m.projectID), zap.Error(err))

	var conflict *project.ConflictError
	switch {
	case errors.Is(err, client.ErrOffline):
		log.Warn("write failed, server offline")
		r.goOffline(err)
		r.emit(Event{Type: EventWriteFailed, ProjectID: m.projectID, Err: err})
		r.dropQueued(err)
		return
	case errors.As(err, &conflict):
		log.Info("write rejected, version conflict")
		r.emit(Event{
			Type:          EventConflict,
			ProjectID:     m.projectID,
			Err:           err,
			ServerVersion: conflict.ServerVersion,
			ClientVersion: conflict.ClientVersion,
		})
	default:
		// Includes client.ErrUnknownOutcome: the write may or may not have
		// landed, so only a fresh read can tell.
		log.Warn("write failed")
		r.emit(Event{Type: EventWriteFailed, ProjectID: m.projectID, Err: err})
	}

	// The chain is left where it was. Queued writes made against the same
	// base now meet the server's newer version and conflict in turn.
	if r.refreshProject(ctx, m.projectID, false) {
		r.emit(Event{Type: EventRefreshed, ProjectID: m.projectID})
	}
}

// dropQueued fails every queued write. Nothing is buffered while offline.
func (r *Reconciler) dropQueued(cause error) {
	r.mu.Lock()
	dropped := r.queue
	r.queue = nil
	for _, m := range dropped {
		r.doneLocked(m.projectID)
	}
	r.mu.Unlock()

	for _, m := range dropped {
		r.emit(Event{Type: EventWriteFailed, ProjectID: m.projectID, Err: cause})
	}
}

// refreshProject re-reads a project after a write and reports whether the
// cache changed. own marks a confirmed comment write: the server takes no
// expected version for those, so the read version extends the chain only
// when it is exactly one past it. The cache adopts the server copy, or drops
// a project the actor can no longer see, only when no other write to the
// project is queued.
func (r *Reconciler) refreshProject(ctx context.Context, id string, own bool) bool {
	if !own && !r.lastWrite(id) {
		return false
	}

	p, err := r.api.GetProject(ctx, id)
	if err != nil {
		gone := errors.Is(err, project.ErrNotFound) ||
			errors.Is(err, project.ErrForbidden) ||
			errors.Is(err, project.ErrUnauthenticated)
		if !gone {
			if errors.Is(err, client.ErrOffline) {
				r.goOffline(err)
			}
			r.logger.Warn("refresh project failed", zap.String("project_id", id), zap.Error(err))
			return false
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p != nil && own && p.Version == r.chain[id]+1 {
		r.chain[id] = p.Version
	}
	if r.pending[id] > 1 {
		return false
	}
	if p == nil {
		err = r.cache.Remove(ctx, id)
	} else {
		err = r.cache.Put(ctx, *p)
	}
	if err != nil {
		r.logger.Warn("refresh project failed", zap.String("project_id", id), zap.Error(err))
		return false
	}
	return true
}

func (r *Reconciler) lastWrite(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[id] <= 1
}

func (r *Reconciler) goOffline(cause error) {
	r.mu.Lock()
	was := r.offline
	r.offline = true
	r.mu.Unlock()

	if !was {
		r.logger.Warn("server unreachable, going offline", zap.Error(cause))
		r.emit(Event{Type: EventOffline, Err: cause})
	}
}

func (r *Reconciler) markOnline() {
	r.mu.Lock()
	was := r.offline
	r.offline = false
	r.mu.Unlock()

	if was {
		r.logger.Info("server reachable again")
		r.emit(Event{Type: EventOnline})
	}
}

func (r *Reconciler) emit(e Event) {
	select {
	case r.events <- e:
	default:
		r.logger.Debug("event dropped", zap.String("type", string(e.Type)))
	}
}
