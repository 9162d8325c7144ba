package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/reviewsync/internal/models"
)

type OrganizationStore struct {
	pool *pgxpool.Pool
}

func NewOrganizationStore(pool *pgxpool.Pool) *OrganizationStore {
	return &OrganizationStore{pool: pool}
}

func (s *OrganizationStore) Create(ctx context.Context, name string, creatorID uuid.UUID) (*models.Organization, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapErr("begin create org", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	var org models.Organization
	err = tx.QueryRow(ctx, `
		INSERT INTO organizations (name, created_at)
		VALUES ($1, now())
		RETURNING id, name, created_at`, name).Scan(
		&org.ID,
		&org.Name,
		&org.CreatedAt,
	)
	if err != nil {
		return nil, wrapErr("insert org", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO org_members (org_id, user_id, role, created_at)
		VALUES ($1, $2, $3, now())`, org.ID, creatorID, models.OrgRoleOwner)
	if err != nil {
		return nil, wrapErr("insert org owner", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("commit create org", err)
	}
	return &org, nil
}

func (s *OrganizationStore) GetByID(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at
		FROM organizations
		WHERE id = $1`, orgID).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("get org", err)
	}
	return &org, nil
}

func (s *OrganizationStore) AddMember(ctx context.Context, orgID, userID uuid.UUID, role string) error {
	// Re-adding an existing member only changes the role, so the call is
	// safe to retry.
	query := `
		INSERT INTO org_members (org_id, user_id, role, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (org_id, user_id) DO UPDATE SET role = EXCLUDED.role`

	if _, err := s.pool.Exec(ctx, query, orgID, userID, role); err != nil {
		return wrapErr("add org member", err)
	}
	return nil
}

func (s *OrganizationStore) RemoveMember(ctx context.Context, orgID, userID uuid.UUID) error {
	query := `
		DELETE FROM org_members
		WHERE org_id = $1 AND user_id = $2`

	if _, err := s.pool.Exec(ctx, query, orgID, userID); err != nil {
		return wrapErr("remove org member", err)
	}
	return nil
}

func (s *OrganizationStore) ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.OrgMember, error) {
	return s.members(ctx, "list org members", `
		SELECT org_id, user_id, role, created_at
		FROM org_members
		WHERE org_id = $1
		ORDER BY created_at`, orgID)
}

func (s *OrganizationStore) MembershipsForUser(ctx context.Context, userID uuid.UUID) ([]models.OrgMember, error) {
	return s.members(ctx, "list user memberships", `
		SELECT org_id, user_id, role, created_at
		FROM org_members
		WHERE user_id = $1
		ORDER BY created_at`, userID)
}

func (s *OrganizationStore) members(ctx context.Context, op, query string, arg uuid.UUID) ([]models.OrgMember, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	members := make([]models.OrgMember, 0)
	for rows.Next() {
		var m models.OrgMember
		if err := rows.Scan(&m.OrgID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan org member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}

	return members, nil
}
