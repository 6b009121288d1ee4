/*
Copyright 2024 OneClick Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cache implements the expiring key/value store used for
// workspace, module permission and member data. Entries are keyed by
// (entity type, identifier), expire on a per-type TTL and are evicted
// oldest-inserted first once the store exceeds its size bound.
package cache

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oneclick-labs/campaignbuilder/api/types"
	"github.com/oneclick-labs/campaignbuilder/lib/defaults"
)

// EntityType scopes cache keys by the kind of data they hold.
type EntityType string

const (
	// EntityWorkspaces caches a principal's workspace list, keyed by
	// principal id.
	EntityWorkspaces EntityType = "workspaces"
	// EntityModules caches module permissions, keyed by workspace id.
	EntityModules EntityType = "modules"
	// EntityMembers caches member counts, keyed by workspace id.
	EntityMembers EntityType = "members"
)

// Config holds cache tuning parameters. TTLs are configurable per
// entity type because the underlying data changes at different rates.
type Config struct {
	// WorkspacesTTL is the TTL for workspace lists.
	WorkspacesTTL time.Duration
	// ModulesTTL is the TTL for module permissions.
	ModulesTTL time.Duration
	// MembersTTL is the TTL for member counts.
	MembersTTL time.Duration
	// MaxSize bounds the number of entries.
	MaxSize int
	// Clock to override clock in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxSize < 0 {
		return trace.BadParameter("negative parameter MaxSize")
	}
	if c.WorkspacesTTL == 0 {
		c.WorkspacesTTL = defaults.WorkspacesCacheTTL
	}
	if c.ModulesTTL == 0 {
		c.ModulesTTL = defaults.ModulesCacheTTL
	}
	if c.MembersTTL == 0 {
		c.MembersTTL = defaults.MembersCacheTTL
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaults.CacheMaxSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type key struct {
	entityType EntityType
	id         string
}

type entry struct {
	value     any
	seq       uint64
	createdAt time.Time
	expiresAt time.Time
}

// Cache is an entity-scoped TTL cache. It is an explicit instance owned
// by its orchestrator, never a process-wide singleton, so concurrent
// sessions do not cross-contaminate.
type Cache struct {
	Config

	mu      sync.Mutex
	entries map[key]entry
	seq     uint64

	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns an empty cache with the given configuration.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{
		Config:  cfg,
		entries: make(map[key]entry),
	}, nil
}

// ttlFor returns the default TTL for the entity type.
func (c *Cache) ttlFor(entityType EntityType) time.Duration {
	switch entityType {
	case EntityModules:
		return c.ModulesTTL
	case EntityMembers:
		return c.MembersTTL
	default:
		return c.WorkspacesTTL
	}
}

// Get returns the cached value for (entityType, id). Expired entries
// are purged before the miss is reported, so a value past its TTL is
// never returned.
func (c *Cache) Get(entityType EntityType, id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()
	e, ok := c.entries[key{entityType, id}]
	if !ok {
		c.misses++
		cacheMisses.WithLabelValues(string(entityType)).Inc()
		return nil, false
	}
	c.hits++
	cacheHits.WithLabelValues(string(entityType)).Inc()
	return e.value, true
}

// Set stores a value under (entityType, id) with the default TTL for
// the entity type.
func (c *Cache) Set(entityType EntityType, id string, value any) {
	c.SetTTL(entityType, id, value, c.ttlFor(entityType))
}

// SetTTL stores a value with an explicit TTL. If the store exceeds
// MaxSize afterwards, oldest-inserted entries are evicted until it is
// back at the bound.
func (c *Cache) SetTTL(entityType EntityType, id string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired()
	now := c.Clock.Now()
	c.seq++
	c.entries[key{entityType, id}] = entry{
		value:     value,
		seq:       c.seq,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	c.enforceMaxSize()
}

// Invalidate removes a single entry.
func (c *Cache) Invalidate(entityType EntityType, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key{entityType, id})
}

// InvalidateWorkspace removes every entry keyed by the workspace id
// across all entity types. Called when switching away from a workspace
// or when a permission change event arrives.
func (c *Cache) InvalidateWorkspace(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.id == workspaceID {
			delete(c.entries, k)
		}
	}
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[key]entry)
}

// purgeExpired deletes entries past their deadline. Callers must hold
// the lock.
func (c *Cache) purgeExpired() {
	now := c.Clock.Now()
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// enforceMaxSize evicts entries in ascending insertion order until the
// store is back at the bound. Callers must hold the lock.
func (c *Cache) enforceMaxSize() {
	for len(c.entries) > c.MaxSize {
		var oldest key
		var oldestSeq uint64
		for k, e := range c.entries {
			if oldestSeq == 0 || e.seq < oldestSeq {
				oldest, oldestSeq = k, e.seq
			}
		}
		delete(c.entries, oldest)
		c.evictions++
		cacheEvictions.Inc()
	}
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	// Size is the current number of entries.
	Size int
	// MaxSize is the configured bound.
	MaxSize int
	// Hits is the number of served reads.
	Hits uint64
	// Misses is the number of reads that fell through.
	Misses uint64
	// Evictions is the number of entries dropped over the size bound.
	Evictions uint64
	// HitRate is Hits over total reads, zero when nothing was read.
	HitRate float64
}

// Stats returns current cache statistics. The hit rate is computed from
// real hit and miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      len(c.entries),
		MaxSize:   c.MaxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Typed helpers for the three entity types the subsystem caches.

// SetUserWorkspaces caches a principal's workspace list.
func (c *Cache) SetUserWorkspaces(principalID string, workspaces []types.Workspace) {
	c.Set(EntityWorkspaces, principalID, workspaces)
}

// UserWorkspaces returns the cached workspace list for a principal.
func (c *Cache) UserWorkspaces(principalID string) ([]types.Workspace, bool) {
	v, ok := c.Get(EntityWorkspaces, principalID)
	if !ok {
		return nil, false
	}
	workspaces, ok := v.([]types.Workspace)
	return workspaces, ok
}

// SetModulePermissions caches the module permission rows of a workspace.
func (c *Cache) SetModulePermissions(workspaceID string, permissions []types.ModulePermission) {
	c.Set(EntityModules, workspaceID, permissions)
}

// ModulePermissions returns cached module permission rows.
func (c *Cache) ModulePermissions(workspaceID string) ([]types.ModulePermission, bool) {
	v, ok := c.Get(EntityModules, workspaceID)
	if !ok {
		return nil, false
	}
	permissions, ok := v.([]types.ModulePermission)
	return permissions, ok
}

// SetMemberCount caches a workspace member count.
func (c *Cache) SetMemberCount(workspaceID string, count int) {
	c.Set(EntityMembers, workspaceID, count)
}

// MemberCount returns a cached workspace member count.
func (c *Cache) MemberCount(workspaceID string) (int, bool) {
	v, ok := c.Get(EntityMembers, workspaceID)
	if !ok {
		return 0, false
	}
	count, ok := v.(int)
	return count, ok
}

var (
	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_cache_hits_total",
			Help: "Number of workspace cache reads served from cache",
		},
		[]string{"entity"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workspace_cache_misses_total",
			Help: "Number of workspace cache reads that fell through to the backend",
		},
		[]string{"entity"},
	)
	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workspace_cache_evictions_total",
			Help: "Number of workspace cache entries evicted over the size bound",
		},
	)
)

func init() {
	for _, collector := range []prometheus.Collector{cacheHits, cacheMisses, cacheEvictions} {
		if err := prometheus.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			panic(err)
		}
	}
}
