// Package identity answers "which organizations does this user belong to,
// and in what role". The project core asks on every org-scoped check, so the
// answer is cached in Redis and concurrent misses for one user are coalesced.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/reviewsync/internal/access"
	"github.com/lalith-99/reviewsync/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Directory returns a user's organization memberships.
type Directory interface {
	Memberships(ctx context.Context, userID string) ([]access.Membership, error)
}

// StoreDirectory reads memberships straight from the organization tables.
type StoreDirectory struct {
	orgs repository.OrganizationRepository
}

func NewStoreDirectory(orgs repository.OrganizationRepository) *StoreDirectory {
	return &StoreDirectory{orgs: orgs}
}

func (d *StoreDirectory) Memberships(ctx context.Context, userID string) ([]access.Membership, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		// Not one of our users; such an identity belongs to no organization.
		return []access.Membership{}, nil
	}

	rows, err := d.orgs.MembershipsForUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}

	out := make([]access.Membership, 0, len(rows))
	for _, m := range rows {
		out = append(out, access.Membership{
			OrgID: m.OrgID.String(),
			Role:  access.NormalizeRole(m.Role),
		})
	}
	return out, nil
}

// CachedDirectory fronts another Directory with a Redis cache.
//
// Redis problems never fail a lookup: the cache is skipped and the wrapped
// directory answers. Errors from the wrapped directory are returned as is;
// callers must treat them as "no memberships".
type CachedDirectory struct {
	next   Directory
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	group  singleflight.Group
	logger *zap.Logger
}

func NewCachedDirectory(next Directory, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedDirectory {
	return &CachedDirectory{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		prefix: "memberships:",
		logger: logger,
	}
}

func (d *CachedDirectory) key(userID string) string {
	return d.prefix + userID
}

// genKey holds a counter Invalidate bumps. A lookup only caches its result
// if the counter has not moved since the lookup started, so a removal that
// lands mid-lookup is never hidden behind a stale entry.
func (d *CachedDirectory) genKey(userID string) string {
	return d.prefix + "gen:" + userID
}

var errInvalidated = errors.New("invalidated during lookup")

func (d *CachedDirectory) Memberships(ctx context.Context, userID string) ([]access.Membership, error) {
	cached, err := d.rdb.Get(ctx, d.key(userID)).Bytes()
	switch {
	case err == nil:
		var ms []access.Membership
		if jsonErr := json.Unmarshal(cached, &ms); jsonErr == nil {
			return ms, nil
		}
		d.logger.Warn("discarding corrupt membership cache entry", zap.String("user_id", userID))
	case errors.Is(err, redis.Nil):
	default:
		d.logger.Warn("membership cache read failed", zap.String("user_id", userID), zap.Error(err))
	}

	gen, err := generation(d.rdb.Get(ctx, d.genKey(userID)))
	cacheable := err == nil

	// Callers arriving after an Invalidate start their own load instead of
	// joining one that may have read the old rows.
	flight := fmt.Sprintf("%s@%d", userID, gen)
	v, err, _ := d.group.Do(flight, func() (any, error) {
		ms, err := d.next.Memberships(ctx, userID)
		if err != nil {
			return nil, err
		}
		if cacheable {
			d.store(ctx, userID, gen, ms)
		}
		return ms, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]access.Membership), nil
}

// Invalidate drops the cached entry so the next lookup reloads it, and stops
// lookups already in flight from caching what they read. Called whenever a
// membership of userID changes.
func (d *CachedDirectory) Invalidate(ctx context.Context, userID string) error {
	_, err := d.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, d.genKey(userID))
		pipe.Del(ctx, d.key(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate memberships: %w", err)
	}
	return nil
}

func (d *CachedDirectory) store(ctx context.Context, userID string, gen int64, ms []access.Membership) {
	payload, err := json.Marshal(ms)
	if err != nil {
		return
	}

	genKey := d.genKey(userID)
	err = d.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := generation(tx.Get(ctx, genKey))
		if err != nil {
			return err
		}
		if current != gen {
			return errInvalidated
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, d.key(userID), payload, d.ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errInvalidated), errors.Is(err, redis.TxFailedErr):
		d.logger.Debug("membership cache write skipped", zap.String("user_id", userID), zap.Error(err))
	default:
		d.logger.Warn("membership cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func generation(cmd *redis.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
