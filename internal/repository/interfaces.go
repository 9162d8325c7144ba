package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/reviewsync/internal/models"
)

// Every method takes ctx first: each one does I/O, and the HTTP request's
// context cancels the query when the client goes away.

// UpdateResult is the outcome of a compare-and-swap write.
//
// Applied is false when the stored version no longer matched the expected
// one; CurrentVersion then holds the authoritative version read back from
// the store. When Applied is true CurrentVersion is the version just written.
type UpdateResult struct {
	Applied        bool
	CurrentVersion int64
}

// ProjectRepository is the document store. One row per project, the whole
// project document in one column, plus a version column for CAS.
type ProjectRepository interface {
	// Get returns a single project. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*models.Project, error)

	// ListByOrg returns every project of an organization, newest first.
	// Returns an empty slice (not nil) so JSON serializes to [].
	ListByOrg(ctx context.Context, orgID string) ([]models.Project, error)

	// ListPersonal returns org-less projects the actor owns or is a legacy
	// team member of (matched by id or email).
	ListPersonal(ctx context.Context, actorID, email string) ([]models.Project, error)

	// Insert stores a brand-new project. No version check: nothing exists yet.
	Insert(ctx context.Context, p *models.Project) error

	// UpdateIfVersion atomically replaces the document only if the stored
	// version (NULL read as 0) equals expected. It never overwrites blindly.
	// Returns ErrNotFound if the row is gone.
	UpdateIfVersion(ctx context.Context, id string, expected int64, p *models.Project) (UpdateResult, error)

	// Delete removes the row. Reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)
}

// CleanupRepository is the outbox of storage references orphaned by writes.
// An external cleanup worker pages through it and acknowledges what it
// removed.
type CleanupRepository interface {
	// Enqueue appends references for later deletion. Empty refs is a no-op.
	Enqueue(ctx context.Context, projectID string, refs []models.StorageRef) error

	// ListPending returns items with id > after, oldest first.
	// after=0 means "from the beginning".
	ListPending(ctx context.Context, after int64, limit int) ([]models.CleanupItem, error)

	// Ack removes processed items. Unknown ids are ignored.
	Ack(ctx context.Context, ids []int64) error
}

// OrganizationRepository backs the identity provider's org memberships.
type OrganizationRepository interface {
	// Create inserts an organization and makes creatorID its owner.
	Create(ctx context.Context, name string, creatorID uuid.UUID) (*models.Organization, error)

	// GetByID returns nil, nil if not found.
	GetByID(ctx context.Context, orgID uuid.UUID) (*models.Organization, error)

	// AddMember upserts a membership; calling it twice only updates the role.
	AddMember(ctx context.Context, orgID, userID uuid.UUID, role string) error

	// RemoveMember is a no-op if the user is not a member.
	RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error

	// ListMembers returns all members of an organization.
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.OrgMember, error)

	// MembershipsForUser returns every organization the user belongs to.
	MembershipsForUser(ctx context.Context, userID uuid.UUID) ([]models.OrgMember, error)
}

// UserRepository handles identity-provider users.
type UserRepository interface {
	Create(ctx context.Context, email, displayName, avatar, passwordHash string) (*models.User, error)

	// GetByID returns nil, nil if not found.
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)

	// GetByEmail returns nil, nil if not found.
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
