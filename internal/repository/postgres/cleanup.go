package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/reviewsync/internal/models"
)

type CleanupStore struct {
	pool *pgxpool.Pool
}

func NewCleanupStore(pool *pgxpool.Pool) *CleanupStore {
	return &CleanupStore{pool: pool}
}

func (s *CleanupStore) Enqueue(ctx context.Context, projectID string, refs []models.StorageRef) error {
	if len(refs) == 0 {
		return nil
	}

	// One round trip for the whole list.
	batch := &pgx.Batch{}
	for _, ref := range refs {
		batch.Queue(`
			INSERT INTO storage_cleanup (project_id, storage_type, url, storage_key, created_at)
			VALUES ($1, $2, $3, $4, now())`,
			projectID, ref.StorageType, ref.URL, ref.StorageKey)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range refs {
		if _, err := results.Exec(); err != nil {
			return wrapErr("enqueue cleanup", err)
		}
	}
	return nil
}

func (s *CleanupStore) ListPending(ctx context.Context, after int64, limit int) ([]models.CleanupItem, error) {
	// Cursor pagination on the bigserial id: after=0 starts from the oldest
	// entry, after=42 returns entries enqueued after id 42.
	query := `
		SELECT id, project_id, storage_type, url, storage_key, created_at
		FROM storage_cleanup
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, after, limit)
	if err != nil {
		return nil, wrapErr("list cleanup", err)
	}
	defer rows.Close()

	items := make([]models.CleanupItem, 0)
	for rows.Next() {
		var it models.CleanupItem
		if err := rows.Scan(
			&it.ID,
			&it.ProjectID,
			&it.Ref.StorageType,
			&it.Ref.URL,
			&it.Ref.StorageKey,
			&it.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cleanup item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate cleanup", err)
	}

	return items, nil
}

func (s *CleanupStore) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM storage_cleanup WHERE id = ANY($1)`, ids)
	if err != nil {
		return wrapErr("ack cleanup", err)
	}
	return nil
}
