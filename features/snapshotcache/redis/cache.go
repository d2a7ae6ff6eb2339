// Package redis provides a read-through Redis cache for published workflow
// version snapshots. Versions are immutable once written, so cached bytes
// never need invalidation; entries only expire to bound memory.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"flowspec.dev/flowspec/engine/snapshot"
	"flowspec.dev/flowspec/engine/telemetry"
)

type (
	// Loader fetches a version from the authoritative store on cache miss.
	Loader func(ctx context.Context, versionID string) (*snapshot.Version, error)

	// Cache is the read-through snapshot cache.
	Cache struct {
		client *goredis.Client
		loader Loader
		ttl    time.Duration
		prefix string
		log    telemetry.Logger
	}

	// Options configures the cache.
	Options struct {
		// Client is the Redis connection. Required.
		Client *goredis.Client
		// Loader fetches versions on miss. Required.
		Loader Loader
		// TTL bounds entry lifetime. Zero keeps entries until eviction.
		TTL time.Duration
		// KeyPrefix namespaces cache keys. Defaults to "flowspec:version".
		KeyPrefix string
		// Logger reports cache faults. Faults degrade to loader reads and
		// are never returned to callers.
		Logger telemetry.Logger
	}

	// cachedVersion is the serialized cache entry. The snapshot rides as
	// its canonical JSON; the surrounding record fields are plain.
	cachedVersion struct {
		ID          string            `json:"id"`
		CompanyID   string            `json:"companyId"`
		WorkflowID  string            `json:"workflowId"`
		Version     int               `json:"version"`
		ContentHash string            `json:"contentHash"`
		Snapshot    snapshot.Snapshot `json:"snapshot"`
		CreatedAt   time.Time         `json:"createdAt"`
		CreatedBy   string            `json:"createdBy"`
	}
)

// New constructs a read-through snapshot cache.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Loader == nil {
		return nil, errors.New("loader is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "flowspec:version"
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Cache{
		client: opts.Client,
		loader: opts.Loader,
		ttl:    opts.TTL,
		prefix: prefix,
		log:    log,
	}, nil
}

// Get returns the version, from cache when possible. Redis faults fall back
// to the loader; only loader errors propagate.
func (c *Cache) Get(ctx context.Context, versionID string) (*snapshot.Version, error) {
	key := c.key(versionID)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var entry cachedVersion
		if uerr := json.Unmarshal(raw, &entry); uerr == nil {
			return entry.toVersion(), nil
		}
		// Corrupt entry: drop it and fall through to the loader.
		c.client.Del(ctx, key)
	} else if !errors.Is(err, goredis.Nil) {
		c.log.Warn(ctx, "snapshot cache read failed", "versionId", versionID, "err", err)
	}

	v, err := c.loader(ctx, versionID)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, v)
	return v, nil
}

func (c *Cache) fill(ctx context.Context, key string, v *snapshot.Version) {
	entry := cachedVersion{
		ID:          v.ID,
		CompanyID:   v.CompanyID,
		WorkflowID:  v.WorkflowID,
		Version:     v.Version,
		ContentHash: v.ContentHash,
		Snapshot:    v.Snapshot,
		CreatedAt:   v.CreatedAt,
		CreatedBy:   v.CreatedBy,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn(ctx, "snapshot cache encode failed", "versionId", v.ID, "err", err)
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn(ctx, "snapshot cache write failed", "versionId", v.ID, "err", err)
	}
}

// Name implements clue's health.Pinger.
func (c *Cache) Name() string { return "snapshot-cache" }

// Ping reports Redis reachability for health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(versionID string) string {
	return fmt.Sprintf("%s:%s", c.prefix, versionID)
}

func (e *cachedVersion) toVersion() *snapshot.Version {
	return &snapshot.Version{
		ID:          e.ID,
		CompanyID:   e.CompanyID,
		WorkflowID:  e.WorkflowID,
		Version:     e.Version,
		ContentHash: e.ContentHash,
		Snapshot:    e.Snapshot,
		CreatedAt:   e.CreatedAt,
		CreatedBy:   e.CreatedBy,
	}
}
