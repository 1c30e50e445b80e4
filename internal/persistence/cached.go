package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary first and then refresh the cache; reads check Redis and
// fall back to the primary. Redis failures never fail a read or write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
	logger  zerolog.Logger
}

func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, prefix string, logger zerolog.Logger) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  prefix,
		logger:  logger,
	}
}

func (s *CachedStore) Load(ctx context.Context, kind, id string, out Entity) (bool, error) {
	data, err := s.rdb.Get(ctx, s.cacheKey(kind, id)).Bytes()
	if err == nil {
		if json.Unmarshal(data, out) == nil {
			return true, nil
		}
	} else if err != redis.Nil {
		s.logger.Warn().Err(err).Str("kind", kind).Str("id", id).Msg("cache read failed")
	}

	found, err := s.primary.Load(ctx, kind, id, out)
	if err != nil || !found {
		return found, err
	}
	s.cache(ctx, out)
	return true, nil
}

func (s *CachedStore) Save(ctx context.Context, e Entity) error {
	if err := s.primary.Save(ctx, e); err != nil {
		return err
	}
	s.cache(ctx, e)
	return nil
}

// SaveBatch writes through to the primary (atomically when it supports
// batches) and refreshes the cache in one pipeline.
func (s *CachedStore) SaveBatch(ctx context.Context, entities []Entity) error {
	if bs, ok := s.primary.(BatchSaver); ok {
		if err := bs.SaveBatch(ctx, entities); err != nil {
			return err
		}
	} else {
		for _, e := range entities {
			if err := s.primary.Save(ctx, e); err != nil {
				return err
			}
		}
	}

	pipe := s.rdb.Pipeline()
	for _, e := range entities {
		if data, err := json.Marshal(e); err == nil {
			pipe.Set(ctx, s.cacheKey(e.EntityKind(), e.EntityID()), data, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Int("entities", len(entities)).Msg("cache refresh failed, invalidating")
		s.invalidate(ctx, entities)
	}
	return nil
}

func (s *CachedStore) cache(ctx context.Context, e Entity) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, s.cacheKey(e.EntityKind(), e.EntityID()), data, s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("kind", e.EntityKind()).Str("id", e.EntityID()).Msg("cache write failed")
	}
}

func (s *CachedStore) invalidate(ctx context.Context, entities []Entity) {
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		keys = append(keys, s.cacheKey(e.EntityKind(), e.EntityID()))
	}
	s.rdb.Del(ctx, keys...)
}

func (s *CachedStore) cacheKey(kind, id string) string {
	return fmt.Sprintf("%s%s:%s", s.prefix, kind, id)
}

// LastCheckpoint always reads the primary.
func (s *CachedStore) LastCheckpoint(ctx context.Context) (Checkpoint, error) {
	if cr, ok := s.primary.(CheckpointReader); ok {
		return cr.LastCheckpoint(ctx)
	}
	return Checkpoint{}, nil
}

// Ping checks the cache connection.
func (s *CachedStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// ChainBreaks always reads the primary.
func (s *CachedStore) ChainBreaks(ctx context.Context, limit int) ([]int64, error) {
	if ca, ok := s.primary.(ChainAuditor); ok {
		return ca.ChainBreaks(ctx, limit)
	}
	return nil, nil
}
