// Package statuscache holds last-known container snapshots so most readers
// never wait on the engine daemon.
//
// Freshness is modeled at the granularity of the whole container set: one TTL,
// one cooldown, one refresh cycle for everything. Readers get fresh data, or
// deliberately stale data while the daemon cooldown holds, or they trigger a
// refresh. There is never an indefinite wait and never a daemon call per caller. A
// refresh that fails preserves the previous snapshots and only records the
// error: stale-but-present data always beats no data.
package statuscache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dockgate/dockgate/pkg/config"
	"github.com/dockgate/dockgate/pkg/engine"
	"github.com/dockgate/dockgate/pkg/errors"
	"github.com/dockgate/dockgate/pkg/metrics"
	"github.com/dockgate/dockgate/pkg/pool"
)

// Snapshot is the cached view of one container.
type Snapshot struct {
	Name      string            `json:"name"`
	ID        string            `json:"id"`
	Image     string            `json:"image"`
	State     string            `json:"state"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
	// UpdatedAt is the last time this container's fingerprint changed
	UpdatedAt time.Time `json:"updated_at"`
	// Stale is set when the snapshot was served past its TTL
	Stale bool `json:"stale,omitempty"`
}

// Change describes one container whose fingerprint changed during a refresh.
type Change struct {
	Name  string    `json:"name"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// ChangeFunc receives the containers whose fingerprints changed in a refresh.
type ChangeFunc func([]Change)

// entry is the per-container bookkeeping the cache is bounded over.
type entry struct {
	snapshot    Snapshot
	fingerprint uint64
	updatedAt   time.Time
	lastSeen    time.Time
	present     bool // part of the most recent successful whole-set query
}

// Stats is a point-in-time snapshot of cache metadata and counters.
type Stats struct {
	Entities        int       `json:"entities"`
	Tracked         int       `json:"tracked"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
	AgeSeconds      float64   `json:"age_seconds"`
	LastDaemonQuery time.Time `json:"last_daemon_query"`
	LastError       string    `json:"last_error,omitempty"`
	FreshHits       int64     `json:"fresh_hits"`
	StaleHits       int64     `json:"stale_hits"`
	Refreshes       int64     `json:"refreshes"`
	RefreshErrors   int64     `json:"refresh_errors"`
	PruneRuns       int64     `json:"prune_runs"`
}

// Cache is the freshness-aware status cache. All daemon access goes through
// the connection pool; the cache lock is never held across a daemon call.
type Cache struct {
	cfg    config.CacheConfig
	pool   *pool.Pool
	logger *zap.Logger

	mu              sync.Mutex
	entries         map[string]*entry
	lastFullRefresh time.Time
	lastDaemonQuery time.Time
	lastErr         error
	refreshing      bool
	refreshCycles   int64

	freshHits     int64
	staleHits     int64
	refreshes     int64
	refreshErrors int64
	pruneRuns     int64

	onChange ChangeFunc
}

// New creates a status cache backed by the given pool.
func New(cfg config.CacheConfig, p *pool.Pool, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		pool:    p,
		logger:  logger.With(zap.String("component", "status_cache")),
		entries: make(map[string]*entry),
	}
}

// SetOnChange registers the callback invoked with fingerprint changes after
// each successful refresh. Must be called before concurrent use begins.
func (c *Cache) SetOnChange(fn ChangeFunc) {
	c.onChange = fn
}

// Containers returns snapshots for the whole container set.
//
// Fresh data (age < TTL) is returned without any daemon call. Stale data
// within the max-age window is returned unchanged while the daemon cooldown
// holds or another refresh is in flight, flagged Stale and paired with the
// last refresh error if any. Otherwise the caller performs the refresh.
// force bypasses the TTL check but never the cooldown.
func (c *Cache) Containers(ctx context.Context, force bool) ([]Snapshot, error) {
	c.mu.Lock()
	now := time.Now()
	hasData := !c.lastFullRefresh.IsZero()
	age := now.Sub(c.lastFullRefresh)
	fresh := hasData && age < c.cfg.TTL
	cooldownOver := c.lastDaemonQuery.IsZero() || now.Sub(c.lastDaemonQuery) >= c.cfg.QueryCooldown

	canRefresh := !c.refreshing && (cooldownOver || !hasData || age > c.cfg.MaxAge)

	if (fresh && !force) || !canRefresh {
		snaps := c.snapshotAllLocked(!fresh)
		var err error
		if fresh {
			c.freshHits++
			metrics.CacheReads.WithLabelValues("fresh").Inc()
		} else {
			c.staleHits++
			err = c.lastErr
			metrics.CacheReads.WithLabelValues("stale").Inc()
		}
		c.mu.Unlock()
		return snaps, err
	}

	c.refreshing = true
	c.lastDaemonQuery = now
	c.mu.Unlock()
	metrics.CacheReads.WithLabelValues("refresh").Inc()

	return c.refreshAndRead(ctx)
}

// Container returns the snapshot for one container by name or ID.
func (c *Cache) Container(ctx context.Context, nameOrID string, force bool) (Snapshot, error) {
	snaps, err := c.Containers(ctx, force)
	for _, s := range snaps {
		if s.Name == nameOrID || s.ID == nameOrID {
			return s, err
		}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{}, errors.Newf(errors.ErrorTypeNotFound, "container %q not found", nameOrID)
}

// Refresh forces a refresh attempt subject to the cooldown gate. It is the
// background refresher's entry point and returns only the error outcome.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.Containers(ctx, true)
	return err
}

// refreshAndRead performs the whole-set daemon query with the cache lock
// released, commits the outcome, and returns the resulting view. Exactly one
// refresh is in flight at a time; the caller set c.refreshing before entry.
func (c *Cache) refreshAndRead(ctx context.Context) ([]Snapshot, error) {
	var containers []engine.Container
	err := c.pool.WithConn(ctx, func(client engine.Client) error {
		var listErr error
		containers, listErr = client.ListContainers(ctx)
		return listErr
	})

	changes := c.commit(containers, err)

	if err == nil && len(changes) > 0 && c.onChange != nil {
		c.onChange(changes)
	}

	c.mu.Lock()
	snaps := c.snapshotAllLocked(err != nil)
	lastErr := c.lastErr
	c.mu.Unlock()

	return snaps, lastErr
}

// commit applies a refresh outcome under the cache lock. On failure the
// previous snapshots are preserved and only the error field changes. On
// success it replaces snapshots, touches fingerprints and timestamps only
// where content changed, and runs the amortized bookkeeping prune.
func (c *Cache) commit(containers []engine.Container, refreshErr error) []Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshing = false
	c.refreshCycles++

	if refreshErr != nil {
		c.lastErr = refreshErr
		c.refreshErrors++
		metrics.CacheRefreshes.WithLabelValues("error").Inc()
		if !c.lastFullRefresh.IsZero() {
			metrics.CacheAge.Set(time.Since(c.lastFullRefresh).Seconds())
		}
		c.logger.Warn("refresh failed, keeping previous snapshots",
			zap.Error(refreshErr))
		return nil
	}

	now := time.Now()
	c.lastErr = nil
	c.lastFullRefresh = now
	c.refreshes++
	metrics.CacheRefreshes.WithLabelValues("success").Inc()
	metrics.CacheAge.Set(0)

	var changes []Change
	seen := make(map[string]struct{}, len(containers))

	for _, ct := range containers {
		name := ct.Name()
		seen[name] = struct{}{}

		fp := fingerprint(ct)
		e, ok := c.entries[name]
		if !ok {
			e = &entry{}
			c.entries[name] = e
		}
		if e.fingerprint != fp {
			e.fingerprint = fp
			e.updatedAt = now
			changes = append(changes, Change{Name: name, State: ct.State, At: now})
		}
		e.snapshot = Snapshot{
			Name:      name,
			ID:        ct.ID,
			Image:     ct.Image,
			State:     ct.State,
			Status:    ct.Status,
			CreatedAt: time.Unix(ct.Created, 0),
			Labels:    ct.Labels,
			UpdatedAt: e.updatedAt,
		}
		e.lastSeen = now
		e.present = true
	}

	for name, e := range c.entries {
		if _, ok := seen[name]; !ok {
			e.present = false
		}
	}

	if c.cfg.PruneEveryCycles > 0 && c.refreshCycles%int64(c.cfg.PruneEveryCycles) == 0 {
		c.pruneLocked(now)
	}
	c.enforceCapLocked()

	metrics.TrackedEntities.Set(float64(len(c.entries)))

	c.logger.Debug("refresh committed",
		zap.Int("containers", len(containers)),
		zap.Int("changed", len(changes)))

	return changes
}

// pruneLocked drops bookkeeping for containers unseen past the retention
// window. Caller holds c.mu.
func (c *Cache) pruneLocked(now time.Time) {
	c.pruneRuns++
	pruned := 0
	for name, e := range c.entries {
		if !e.present && now.Sub(e.lastSeen) > c.cfg.Retention {
			delete(c.entries, name)
			pruned++
		}
	}
	if pruned > 0 {
		c.logger.Info("pruned stale cache bookkeeping",
			zap.Int("pruned", pruned),
			zap.Int("remaining", len(c.entries)))
	}
}

// enforceCapLocked evicts absent entries, oldest last-seen first, until the
// bookkeeping bound holds. Caller holds c.mu.
func (c *Cache) enforceCapLocked() {
	over := len(c.entries) - c.cfg.MaxEntities
	if over <= 0 {
		return
	}

	type candidate struct {
		name     string
		lastSeen time.Time
	}
	candidates := make([]candidate, 0, len(c.entries))
	for name, e := range c.entries {
		if !e.present {
			candidates = append(candidates, candidate{name, e.lastSeen})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastSeen.Before(candidates[j].lastSeen)
	})

	for _, cand := range candidates {
		if over <= 0 {
			break
		}
		delete(c.entries, cand.name)
		over--
	}
}

// snapshotAllLocked copies the current container set, sorted by name. Caller
// holds c.mu.
func (c *Cache) snapshotAllLocked(stale bool) []Snapshot {
	snaps := make([]Snapshot, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.present {
			continue
		}
		s := e.snapshot
		s.Stale = stale
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

// Stats returns a snapshot of cache metadata and counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	present := 0
	for _, e := range c.entries {
		if e.present {
			present++
		}
	}

	s := Stats{
		Entities:        present,
		Tracked:         len(c.entries),
		LastFullRefresh: c.lastFullRefresh,
		LastDaemonQuery: c.lastDaemonQuery,
		FreshHits:       c.freshHits,
		StaleHits:       c.staleHits,
		Refreshes:       c.refreshes,
		RefreshErrors:   c.refreshErrors,
		PruneRuns:       c.pruneRuns,
	}
	if !c.lastFullRefresh.IsZero() {
		s.AgeSeconds = time.Since(c.lastFullRefresh).Seconds()
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
