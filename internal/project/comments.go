package project

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
	"go.uber.org/zap"
)

// CommentInput creates a comment. ID may be chosen by the client so an
// optimistic local copy and the stored one share an identity; it is
// generated when empty.
type CommentInput struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	Timestamp float64  `json:"timestamp"`
	Duration  *float64 `json:"duration,omitempty"`
}

// CommentUpdate changes the fields that are set.
type CommentUpdate struct {
	Text      *string               `json:"text,omitempty"`
	Status    *models.CommentStatus `json:"status,omitempty"`
	Timestamp *float64              `json:"timestamp,omitempty"`
	Duration  *float64              `json:"duration,omitempty"`
}

// editFunc applies one comment operation to a freshly loaded document. It
// returns false when the document already reflects the operation.
type editFunc func(actor access.Actor, p *models.Project, v *models.Version) (changed bool, err error)

func (s *Service) CreateComment(ctx context.Context, who access.Actor, ref models.CommentRef, in CommentInput) (*models.Comment, error) {
	if who.Anonymous() {
		return nil, s.rejectAnonymousWrite(ctx, ref.ProjectID)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, invalidf("comment text is empty")
	}
	if in.Timestamp < 0 || (in.Duration != nil && *in.Duration < 0) {
		return nil, invalidf("comment timestamp and duration must not be negative")
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	var created models.Comment

	_, err := s.editComments(ctx, who, ref, func(actor access.Actor, p *models.Project, v *models.Version) (bool, error) {
		if i := v.CommentIndex(id); i >= 0 {
			existing := v.Comments[i]
			if existing.UserID != actor.ID {
				return false, invalidf("comment %s already exists", id)
			}
			// Retried create; the first attempt landed.
			created = existing
			return false, nil
		}
		created = models.Comment{
			ID:         id,
			Text:       text,
			Timestamp:  in.Timestamp,
			Duration:   in.Duration,
			Status:     models.CommentOpen,
			UserID:     actor.ID,
			AuthorName: actor.Name,
			CreatedAt:  s.now(),
		}
		v.Comments = append(v.Comments, created)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *Service) UpdateComment(ctx context.Context, who access.Actor, ref models.CommentRef, commentID string, upd CommentUpdate) (*models.Comment, error) {
	if who.Anonymous() {
		return nil, s.rejectAnonymousWrite(ctx, ref.ProjectID)
	}
	if upd.Status != nil && *upd.Status != models.CommentOpen && *upd.Status != models.CommentResolved {
		return nil, invalidf("unknown comment status %q", *upd.Status)
	}
	if upd.Text != nil && strings.TrimSpace(*upd.Text) == "" {
		return nil, invalidf("comment text is empty")
	}

	var updated models.Comment
	_, err := s.editComments(ctx, who, ref, func(actor access.Actor, p *models.Project, v *models.Version) (bool, error) {
		i := v.CommentIndex(commentID)
		if i < 0 {
			return false, notFound("comment %s", commentID)
		}
		c := &v.Comments[i]
		if !access.CanEditComment(actor, p, c) {
			return false, ErrForbidden
		}

		before := *c
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
		return !sameComment(before, *c), nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) DeleteComment(ctx context.Context, who access.Actor, ref models.CommentRef, commentID string) error {
	if who.Anonymous() {
		return s.rejectAnonymousWrite(ctx, ref.ProjectID)
	}
	_, err := s.editComments(ctx, who, ref, func(actor access.Actor, p *models.Project, v *models.Version) (bool, error) {
		i := v.CommentIndex(commentID)
		if i < 0 {
			return false, notFound("comment %s", commentID)
		}
		if !access.CanEditComment(actor, p, &v.Comments[i]) {
			return false, ErrForbidden
		}
		v.Comments = append(v.Comments[:i], v.Comments[i+1:]...)
		return true, nil
	})
	return err
}

// editComments runs load → check access → locate → edit → CAS, retrying on a
// lost race. Permission is re-evaluated against every reload.
func (s *Service) editComments(ctx context.Context, who access.Actor, ref models.CommentRef, edit editFunc) (*models.Project, error) {
	var lastConflict *ConflictError
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		stored, err := s.load(ctx, ref.ProjectID)
		if err != nil {
			return nil, err
		}
		actor := s.actorFor(ctx, who, stored)
		if !access.CanAccess(actor, stored) {
			return nil, ErrForbidden
		}
		if stored.IsLocked {
			return nil, ErrLocked
		}

		next := stored.Clone()
		asset := next.FindAsset(ref.AssetID)
		if asset == nil {
			return nil, notFound("asset %s", ref.AssetID)
		}
		version := asset.FindVersion(ref.VersionID)
		if version == nil {
			return nil, notFound("version %s", ref.VersionID)
		}

		changed, err := edit(actor, next, version)
		if err != nil {
			return nil, err
		}
		if !changed {
			return stored, nil
		}
		next.UpdatedAt = s.now()

		res, err := s.projects.UpdateIfVersion(ctx, stored.ID, stored.Version, next)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, notFound("project %s", stored.ID)
			}
			return nil, storeErr("update project", err)
		}
		if res.Applied {
			return next, nil
		}

		lastConflict = &ConflictError{ProjectID: stored.ID, ServerVersion: res.CurrentVersion, ClientVersion: stored.Version}
		s.logger.Debug("comment write lost the race, reloading",
			zap.String("project_id", stored.ID), zap.Int("attempt", attempt+1))
	}
	return nil, lastConflict
}

func sameComment(a, b models.Comment) bool {
	if (a.Duration == nil) != (b.Duration == nil) {
		return false
	}
	if a.Duration != nil && *a.Duration != *b.Duration {
		return false
	}
	a.Duration, b.Duration = nil, nil
	return a == b
}
