// Package project implements the mutation handlers of the project document:
// load, check permission, apply, compare-and-swap, return.
//
// The service keeps no state between calls. All coordination between
// concurrent writers happens in the store's UpdateIfVersion; the only writes
// that skip a version check are the insert of a brand-new project and the
// delete of an existing one.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/identity"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
	"go.uber.org/zap"
)

// Server-side read-modify-write loops (comments, join) reload and retry this
// many times when another writer wins the CAS before giving up with a
// conflict.
const maxCASAttempts = 3

type Service struct {
	projects  repository.ProjectRepository
	cleanup   repository.CleanupRepository
	directory identity.Directory
	logger    *zap.Logger
	now       func() time.Time
}

// NewService wires the service. cleanup may be nil, in which case orphaned
// storage references are only logged.
func NewService(
	projects repository.ProjectRepository,
	cleanup repository.CleanupRepository,
	directory identity.Directory,
	logger *zap.Logger,
) *Service {
	return &Service{
		projects:  projects,
		cleanup:   cleanup,
		directory: directory,
		logger:    logger,
		now: func() time.Time {
			// Postgres keeps microseconds; truncating keeps the returned
			// document identical to what a later read returns.
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

// SaveResult is the partial-success outcome of a batch create-or-replace.
//
// Skipped lists documents the actor may not write; they are left out
// silently rather than failing the batch. Rejected lists documents that
// conflict with server-owned invariants of the stored copy.
type SaveResult struct {
	Saved     []models.Project   `json:"saved"`
	Skipped   []string           `json:"skipped"`
	Conflicts []ConflictError    `json:"conflicts"`
	Rejected  []RejectedDocument `json:"rejected"`
}

type RejectedDocument struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Get returns a project the actor may read. Public "view" projects are
// readable by anyone, anonymous callers included.
func (s *Service) Get(ctx context.Context, who access.Actor, id string) (*models.Project, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.CanRead(s.actorFor(ctx, who, p), p) {
		if who.Anonymous() {
			return nil, ErrUnauthenticated
		}
		return nil, ErrForbidden
	}
	return p, nil
}

// List returns the projects of one organization (orgID set, caller must be a
// member) or the caller's personal projects (orgID empty).
func (s *Service) List(ctx context.Context, who access.Actor, orgID string) ([]models.Project, error) {
	if who.Anonymous() {
		return nil, ErrUnauthenticated
	}

	if orgID != "" {
		actor := s.withMemberships(ctx, who)
		if !access.IsOrgMember(actor, orgID) {
			return nil, ErrForbidden
		}
		projects, err := s.projects.ListByOrg(ctx, orgID)
		if err != nil {
			return nil, storeErr("list org projects", err)
		}
		return projects, nil
	}

	projects, err := s.projects.ListPersonal(ctx, who.ID, who.Email)
	if err != nil {
		return nil, storeErr("list personal projects", err)
	}
	return projects, nil
}

// Save creates or replaces whole documents.
//
// Unknown ids are inserted with the caller as owner. Known ids need
// CanAccess and are written with the document's own _version as the
// expected version. Comments never travel through this path: the stored
// comments are carried over and new versions start without any.
func (s *Service) Save(ctx context.Context, who access.Actor, docs []models.Project) (*SaveResult, error) {
	if who.Anonymous() {
		return nil, ErrUnauthenticated
	}
	for i := range docs {
		docs[i].Normalize()
		if err := docs[i].Validate(); err != nil {
			return nil, err
		}
	}

	result := &SaveResult{
		Saved:     make([]models.Project, 0, len(docs)),
		Skipped:   make([]string, 0),
		Conflicts: make([]ConflictError, 0),
		Rejected:  make([]RejectedDocument, 0),
	}

	for i := range docs {
		doc := &docs[i]
		stored, err := s.projects.Get(ctx, doc.ID)
		if err != nil {
			return nil, storeErr("load project", err)
		}

		if stored == nil {
			if err := s.create(ctx, who, doc, result); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.replace(ctx, who, stored, doc, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Service) create(ctx context.Context, who access.Actor, doc *models.Project, result *SaveResult) error {
	p := doc.Clone()
	p.OwnerID = who.ID
	p.Version = 0
	p.UpdatedAt = s.now()
	p.StripEphemeral()
	clearComments(p)

	if p.OrgID != "" && !access.IsOrgMember(s.withMemberships(ctx, who), p.OrgID) {
		s.skip(result, p.ID, "not a member of the target organization")
		return nil
	}

	if err := s.projects.Insert(ctx, p); err != nil {
		if !errors.Is(err, repository.ErrAlreadyExists) {
			return storeErr("insert project", err)
		}
		// Lost a create race. Report it like any other stale write.
		current, getErr := s.projects.Get(ctx, p.ID)
		if getErr != nil {
			return storeErr("load project", getErr)
		}
		var serverVersion int64
		if current != nil {
			serverVersion = current.Version
		}
		result.Conflicts = append(result.Conflicts, ConflictError{
			ProjectID: p.ID, ServerVersion: serverVersion, ClientVersion: doc.Version,
		})
		return nil
	}

	s.logger.Info("project created", zap.String("project_id", p.ID), zap.String("owner_id", p.OwnerID))
	result.Saved = append(result.Saved, *p)
	return nil
}

func (s *Service) replace(ctx context.Context, who access.Actor, stored, doc *models.Project, result *SaveResult) error {
	actor := s.actorFor(ctx, who, stored)
	if !access.CanAccess(actor, stored) {
		s.skip(result, stored.ID, "no access")
		return nil
	}
	if stored.IsLocked {
		s.skip(result, stored.ID, "locked")
		return nil
	}
	if doc.Version != stored.Version {
		result.Conflicts = append(result.Conflicts, ConflictError{
			ProjectID: stored.ID, ServerVersion: stored.Version, ClientVersion: doc.Version,
		})
		return nil
	}

	next := doc.Clone()
	next.ID = stored.ID
	next.OwnerID = stored.OwnerID
	if err := s.checkSettings(ctx, actor, stored, next); err != nil {
		s.skip(result, stored.ID, err.Error())
		return nil
	}
	if err := prepareWrite(stored, next); err != nil {
		result.Rejected = append(result.Rejected, RejectedDocument{ID: stored.ID, Reason: err.Error()})
		return nil
	}
	next.UpdatedAt = s.now()

	res, err := s.projects.UpdateIfVersion(ctx, stored.ID, doc.Version, next)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.skip(result, stored.ID, "deleted concurrently")
			return nil
		}
		return storeErr("update project", err)
	}
	if !res.Applied {
		result.Conflicts = append(result.Conflicts, ConflictError{
			ProjectID: stored.ID, ServerVersion: res.CurrentVersion, ClientVersion: doc.Version,
		})
		return nil
	}

	s.enqueueRemoved(ctx, stored, next)
	result.Saved = append(result.Saved, *next)
	return nil
}

func (s *Service) skip(result *SaveResult, id, reason string) {
	s.logger.Debug("skipping document in batch save", zap.String("project_id", id), zap.String("reason", reason))
	result.Skipped = append(result.Skipped, id)
}

// Patch shallow-merges updates into the stored document: every top-level
// key replaces the stored value, nested objects are not merged. The write
// only lands if expectedVersion is still the stored version.
func (s *Service) Patch(ctx context.Context, who access.Actor, id string, updates map[string]json.RawMessage, expectedVersion int64) (*models.Project, error) {
	if who.Anonymous() {
		return nil, s.rejectAnonymousWrite(ctx, id)
	}

	stored, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	actor := s.actorFor(ctx, who, stored)
	if !access.CanAccess(actor, stored) {
		return nil, ErrForbidden
	}
	if expectedVersion != stored.Version {
		return nil, &ConflictError{ProjectID: id, ServerVersion: stored.Version, ClientVersion: expectedVersion}
	}

	if stored.IsLocked && !isUnlockOnly(updates) {
		return nil, ErrLocked
	}

	next, err := stored.ApplyPatch(updates)
	if err != nil {
		return nil, err
	}
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkSettings(ctx, actor, stored, next); err != nil {
		return nil, err
	}
	if err := prepareWrite(stored, next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()

	res, err := s.projects.UpdateIfVersion(ctx, id, expectedVersion, next)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound("project %s", id)
		}
		return nil, storeErr("update project", err)
	}
	if !res.Applied {
		return nil, &ConflictError{ProjectID: id, ServerVersion: res.CurrentVersion, ClientVersion: expectedVersion}
	}

	s.enqueueRemoved(ctx, stored, next)
	return next, nil
}

// Delete removes a project. The permission check runs against the row just
// loaded, never a cached copy. No version check: nothing comes after it.
func (s *Service) Delete(ctx context.Context, who access.Actor, id string) error {
	if who.Anonymous() {
		return s.rejectAnonymousWrite(ctx, id)
	}

	stored, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if !access.CanDelete(s.actorFor(ctx, who, stored), stored) {
		return ErrForbidden
	}
	if stored.IsLocked {
		return ErrLocked
	}

	deleted, err := s.projects.Delete(ctx, id)
	if err != nil {
		return storeErr("delete project", err)
	}
	if !deleted {
		return notFound("project %s", id)
	}

	s.logger.Info("project deleted", zap.String("project_id", id), zap.String("actor_id", who.ID))
	s.enqueueRemoved(ctx, stored, nil)
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Project, error) {
	p, err := s.projects.Get(ctx, id)
	if err != nil {
		return nil, storeErr("load project", err)
	}
	if p == nil {
		return nil, notFound("project %s", id)
	}
	return p, nil
}

// rejectAnonymousWrite picks the error for a write without identity. A
// publicly viewable project is visible to the caller, so the write is
// forbidden rather than unauthenticated: public access never extends to
// writes.
func (s *Service) rejectAnonymousWrite(ctx context.Context, id string) error {
	p, err := s.projects.Get(ctx, id)
	if err == nil && p != nil && p.PublicAccess == models.PublicAccessView {
		return ErrForbidden
	}
	return ErrUnauthenticated
}

// actorFor attaches organization memberships when the decision about p
// depends on them.
func (s *Service) actorFor(ctx context.Context, who access.Actor, p *models.Project) access.Actor {
	if p.OrgID == "" || who.ID == p.OwnerID {
		return who
	}
	return s.withMemberships(ctx, who)
}

// withMemberships loads the actor's organization memberships once. A failed
// lookup leaves the actor with none, so org checks deny.
func (s *Service) withMemberships(ctx context.Context, who access.Actor) access.Actor {
	if who.Anonymous() || who.Memberships != nil {
		return who
	}
	ms, err := s.directory.Memberships(ctx, who.ID)
	if err != nil {
		s.logger.Warn("membership lookup failed, treating as no memberships",
			zap.String("actor_id", who.ID), zap.Error(err))
		ms = []access.Membership{}
	}
	if ms == nil {
		ms = []access.Membership{}
	}
	who.Memberships = ms
	return who
}

// checkSettings guards the project-level switches. Changing the organization,
// public sharing or lock state needs CanManage; moving into an organization
// also needs membership there.
func (s *Service) checkSettings(ctx context.Context, actor access.Actor, stored, next *models.Project) error {
	changed := next.OrgID != stored.OrgID ||
		next.PublicAccess != stored.PublicAccess ||
		next.IsLocked != stored.IsLocked
	if !changed {
		return nil
	}
	if !access.CanManage(actor, stored) {
		return ErrForbidden
	}
	if next.OrgID != "" && next.OrgID != stored.OrgID {
		if !access.IsOrgMember(s.withMemberships(ctx, actor), next.OrgID) {
			return ErrForbidden
		}
	}
	return nil
}

func isUnlockOnly(updates map[string]json.RawMessage) bool {
	if len(updates) != 1 {
		return false
	}
	raw, ok := updates["isLocked"]
	if !ok {
		return false
	}
	var locked bool
	return json.Unmarshal(raw, &locked) == nil && !locked
}

func (s *Service) enqueueRemoved(ctx context.Context, before, after *models.Project) {
	refs := models.RemovedStorageRefs(before, after)
	if len(refs) == 0 {
		return
	}
	if s.cleanup == nil {
		s.logger.Info("storage references orphaned", zap.String("project_id", before.ID), zap.Int("count", len(refs)))
		return
	}
	if err := s.cleanup.Enqueue(ctx, before.ID, refs); err != nil {
		s.logger.Warn("failed to enqueue storage cleanup",
			zap.String("project_id", before.ID), zap.Int("count", len(refs)), zap.Error(err))
	}
}

// prepareWrite enforces the server-owned parts of a replacement document:
// comments come from the stored copy, client-only fields are dropped and
// version numbers are never renumbered or reused.
func prepareWrite(stored, next *models.Project) error {
	next.StripEphemeral()
	next.Normalize()

	for i := range next.Assets {
		asset := &next.Assets[i]
		prev := stored.FindAsset(asset.ID)
		if prev == nil {
			for j := range asset.Versions {
				asset.Versions[j].Comments = []models.Comment{}
			}
			continue
		}

		if prev.HighestVersionNumber > asset.HighestVersionNumber {
			asset.HighestVersionNumber = prev.HighestVersionNumber
		}
		for j := range asset.Versions {
			v := &asset.Versions[j]
			old := prev.FindVersion(v.ID)
			if old == nil {
				if v.VersionNumber <= prev.HighestVersionNumber {
					return invalidf("asset %s: version number %d was already used", asset.ID, v.VersionNumber)
				}
				v.Comments = []models.Comment{}
				continue
			}
			if old.VersionNumber != v.VersionNumber {
				return invalidf("asset %s: version %s cannot be renumbered", asset.ID, v.ID)
			}
			v.Comments = append([]models.Comment{}, old.Comments...)
		}
	}
	return nil
}

func clearComments(p *models.Project) {
	for i := range p.Assets {
		for j := range p.Assets[i].Versions {
			p.Assets[i].Versions[j].Comments = []models.Comment{}
		}
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}
