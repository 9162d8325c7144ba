package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/repository"
)

type ProjectStore struct {
	pool *pgxpool.Pool
}

func NewProjectStore(pool *pgxpool.Pool) *ProjectStore {
	return &ProjectStore{pool: pool}
}

// The owner_id / org_id columns mirror the document so listings can be
// answered from indexes. The version column is authoritative for CAS; a NULL
// there (rows written before versioning) reads as 0.
const projectColumns = `id, owner_id, org_id, document, COALESCE(version, 0), updated_at`

func (s *ProjectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("get project", err)
	}
	return p, nil
}

func (s *ProjectStore) ListByOrg(ctx context.Context, orgID string) ([]models.Project, error) {
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE org_id = $1
		ORDER BY updated_at DESC`

	return s.list(ctx, "list org projects", query, orgID)
}

func (s *ProjectStore) ListPersonal(ctx context.Context, actorID, email string) ([]models.Project, error) {
	// Team membership is matched inside the JSONB document: by id through
	// containment (served by the GIN index), by email case-insensitively.
	query := `
		SELECT ` + projectColumns + `
		FROM projects
		WHERE org_id IS NULL
		  AND (
		    owner_id = $1
		    OR document->'team' @> jsonb_build_array(jsonb_build_object('id', $1::text))
		    OR ($2::text <> '' AND EXISTS (
		      SELECT 1 FROM jsonb_array_elements(document->'team') AS m
		      WHERE lower(m->>'email') = lower($2::text)
		    ))
		  )
		ORDER BY updated_at DESC`

	return s.list(ctx, "list personal projects", query, actorID, email)
}

func (s *ProjectStore) Insert(ctx context.Context, p *models.Project) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal project: %w", err)
	}

	query := `
		INSERT INTO projects (id, owner_id, org_id, document, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.pool.Exec(ctx, query, p.ID, p.OwnerID, nullable(p.OrgID), doc, p.Version, p.UpdatedAt)
	if err != nil {
		return wrapErr("insert project", err)
	}
	return nil
}

// UpdateIfVersion is the only write path for existing documents.
//
// The WHERE clause carries the expected version, so the check and the write
// are one statement: two writers racing on the same version both run it, and
// Postgres row locking lets exactly one of them match. The loser sees zero
// rows affected and reads back the winner's version.
func (s *ProjectStore) UpdateIfVersion(ctx context.Context, id string, expected int64, p *models.Project) (repository.UpdateResult, error) {
	next := expected + 1
	stored := *p
	stored.Version = next

	doc, err := json.Marshal(&stored)
	if err != nil {
		return repository.UpdateResult{}, fmt.Errorf("marshal project: %w", err)
	}

	query := `
		UPDATE projects
		SET document = $3, version = $4, org_id = $5, updated_at = $6
		WHERE id = $1 AND COALESCE(version, 0) = $2`

	tag, err := s.pool.Exec(ctx, query, id, expected, doc, next, nullable(p.OrgID), p.UpdatedAt)
	if err != nil {
		return repository.UpdateResult{}, wrapErr("update project", err)
	}
	if tag.RowsAffected() == 1 {
		p.Version = next
		return repository.UpdateResult{Applied: true, CurrentVersion: next}, nil
	}

	// Zero rows: either the row is gone or someone else moved the version.
	var current int64
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(version, 0) FROM projects WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.UpdateResult{}, repository.ErrNotFound
		}
		return repository.UpdateResult{}, wrapErr("read project version", err)
	}
	return repository.UpdateResult{Applied: false, CurrentVersion: current}, nil
}

func (s *ProjectStore) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return false, wrapErr("delete project", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ProjectStore) list(ctx context.Context, op, query string, args ...any) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	projects := make([]models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		projects = append(projects, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op, err)
	}

	return projects, nil
}

func scanProject(row pgx.Row) (*models.Project, error) {
	var (
		id        string
		ownerID   string
		orgID     *string
		doc       []byte
		version   int64
		updatedAt time.Time
	)
	if err := row.Scan(&id, &ownerID, &orgID, &doc, &version, &updatedAt); err != nil {
		return nil, err
	}

	var p models.Project
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	p.ID = id
	p.OwnerID = ownerID
	p.OrgID = ""
	if orgID != nil {
		p.OrgID = *orgID
	}
	p.Version = version
	p.UpdatedAt = updatedAt
	p.Normalize()
	return &p, nil
}
