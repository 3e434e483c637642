package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/domain"
)

const defaultTTL = 15 * time.Minute

// Cache holds computed project views in Redis. Every write registers its
// key in a per-(project, entity type) set, so invalidating a whole
// namespace never needs SCAN. A stale marker next to a key makes readers
// treat it as a miss without deleting the value.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// NamespaceKey is the collection-level cache key for one entity type of a
// project, for example the latest computed schedule.
func NamespaceKey(projectID uuid.UUID, entityType domain.EntityType) string {
	return "gantry:cache:" + projectID.String() + ":" + string(entityType)
}

// EntityKey is the cache key for one entity.
func EntityKey(projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID) string {
	return NamespaceKey(projectID, entityType) + ":" + id.String()
}

func registryKey(projectID uuid.UUID, entityType domain.EntityType) string {
	return "gantry:keys:" + projectID.String() + ":" + string(entityType)
}

func staleKey(key string) string {
	return key + ":stale"
}

// SetJSON caches value under the entity key, or under the namespace key
// when id is uuid.Nil, registers the key and clears any stale marker.
func (c *Cache) SetJSON(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, value any) error {
	key := NamespaceKey(projectID, entityType)
	if id != uuid.Nil {
		key = EntityKey(projectID, entityType, id)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis.Cache.SetJSON: marshal: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, c.ttl)
	pipe.SAdd(ctx, registryKey(projectID, entityType), key)
	pipe.Del(ctx, staleKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Cache.SetJSON: %w", err)
	}

	return nil
}

// GetJSON loads a cached value into dest. It reports false on a miss and on
// a key marked stale, so callers recompute and re-set in both cases.
func (c *Cache) GetJSON(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, id uuid.UUID, dest any) (bool, error) {
	key := NamespaceKey(projectID, entityType)
	if id != uuid.Nil {
		key = EntityKey(projectID, entityType, id)
	}

	pipe := c.client.TxPipeline()
	get := pipe.Get(ctx, key)
	stale := pipe.Exists(ctx, staleKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis.Cache.GetJSON: %w", err)
	}

	if errors.Is(get.Err(), redis.Nil) || stale.Val() > 0 {
		return false, nil
	}
	if err := get.Err(); err != nil {
		return false, fmt.Errorf("redis.Cache.GetJSON: %w", err)
	}

	if err := json.Unmarshal([]byte(get.Val()), dest); err != nil {
		return false, fmt.Errorf("redis.Cache.GetJSON: unmarshal: %w", err)
	}

	return true, nil
}

// derivedTypes lists the view namespaces built from an entity type. A
// change to tasks or dependencies always touches every derived view of the
// project, so invalidations cascade to them.
func derivedTypes(entityType domain.EntityType) []domain.EntityType {
	switch entityType {
	case domain.EntityTask, domain.EntityDependency:
		return []domain.EntityType{domain.EntityComputedSchedule, domain.EntityMaterializedView}
	default:
		return nil
	}
}

// Invalidate deletes the cached keys for the given entities, always
// including the namespace key, then cascades to the project's derived view
// namespaces. With no ids it empties the whole registered namespace. It
// returns how many value keys were actually deleted.
func (c *Cache) Invalidate(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) (int, error) {
	deleted, err := c.invalidateOne(ctx, projectID, entityType, ids)
	if err != nil {
		return deleted, err
	}
	for _, derived := range derivedTypes(entityType) {
		n, err := c.invalidateOne(ctx, projectID, derived, nil)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (c *Cache) invalidateOne(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) (int, error) {
	registry := registryKey(projectID, entityType)

	keys, err := c.selectKeys(ctx, projectID, entityType, ids)
	if err != nil {
		return 0, fmt.Errorf("redis.Cache.Invalidate: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	markers := make([]string, len(keys))
	members := make([]any, len(keys))
	for i, key := range keys {
		markers[i] = staleKey(key)
		members[i] = key
	}

	pipe := c.client.TxPipeline()
	deleted := pipe.Del(ctx, keys...)
	pipe.Del(ctx, markers...)
	if len(ids) == 0 {
		pipe.Del(ctx, registry)
	} else {
		pipe.SRem(ctx, registry, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis.Cache.Invalidate: %w", err)
	}

	return int(deleted.Val()), nil
}

// MarkStale stamps the same key selection as Invalidate, cascade included,
// without deleting anything. Readers see marked keys as misses and refresh
// on next access.
func (c *Cache) MarkStale(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID, at time.Time) error {
	if err := c.markStaleOne(ctx, projectID, entityType, ids, at); err != nil {
		return err
	}
	for _, derived := range derivedTypes(entityType) {
		if err := c.markStaleOne(ctx, projectID, derived, nil, at); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) markStaleOne(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID, at time.Time) error {
	keys, err := c.selectKeys(ctx, projectID, entityType, ids)
	if err != nil {
		return fmt.Errorf("redis.Cache.MarkStale: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	stamp := at.UTC().Format(time.RFC3339)

	pipe := c.client.TxPipeline()
	for _, key := range keys {
		pipe.Set(ctx, staleKey(key), stamp, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.Cache.MarkStale: %w", err)
	}

	return nil
}

func (c *Cache) selectKeys(ctx context.Context, projectID uuid.UUID, entityType domain.EntityType, ids []uuid.UUID) ([]string, error) {
	if len(ids) == 0 {
		members, err := c.client.SMembers(ctx, registryKey(projectID, entityType)).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		return members, nil
	}

	keys := make([]string, 0, len(ids)+1)
	keys = append(keys, NamespaceKey(projectID, entityType))
	for _, id := range ids {
		keys = append(keys, EntityKey(projectID, entityType, id))
	}
	return keys, nil
}
