package project

import (
	"context"
	"errors"

	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
	"go.uber.org/zap"
)

// Join accepts an invitation: it adds the actor to the project's legacy team
// exactly once and returns the resulting document.
//
// Join is idempotent. An actor already listed by id or email, and the owner,
// get the stored document back without a write. Organization projects are
// never joined through the team list: members already have access and
// non-members are refused, so no team entry can outlive an org membership.
// A locked project takes no new team entries.
func (s *Service) Join(ctx context.Context, who access.Actor, id string) (*models.Project, error) {
	if who.Anonymous() {
		return nil, ErrUnauthenticated
	}

	var lastConflict *ConflictError
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		stored, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}

		if access.IsOwner(who, stored) || (stored.OrgID == "" && stored.HasMember(who.ID, who.Email)) {
			return stored, nil
		}
		if stored.OrgID != "" {
			if access.CanAccess(s.actorFor(ctx, who, stored), stored) {
				return stored, nil
			}
			return nil, ErrForbidden
		}
		if stored.IsLocked {
			return nil, ErrLocked
		}

		next := stored.Clone()
		next.Team = append(next.Team, models.TeamMember{
			ID:     who.ID,
			Name:   who.Name,
			Avatar: who.Avatar,
			Email:  who.Email,
		})
		next.UpdatedAt = s.now()

		res, err := s.projects.UpdateIfVersion(ctx, id, stored.Version, next)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, notFound("project %s", id)
			}
			return nil, storeErr("update project", err)
		}
		if res.Applied {
			s.logger.Info("actor joined project", zap.String("project_id", id), zap.String("actor_id", who.ID))
			return next, nil
		}

		// Someone else wrote in between, possibly a concurrent join of the
		// same actor. Reload and decide again.
		lastConflict = &ConflictError{ProjectID: id, ServerVersion: res.CurrentVersion, ClientVersion: stored.Version}
	}
	return nil, lastConflict
}
