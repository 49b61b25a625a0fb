// Copyright 2024 The Authfleet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package authdb

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/authfleet/authfleet/common/clock"
	"github.com/authfleet/authfleet/common/logging"
)

// DefaultCacheTTL is how long cached DB snapshots are served before a
// refresh is attempted. The actual expiry of each refresh is jittered up to
// 2x of this, so that processes started together drift apart.
const DefaultCacheTTL = 5 * time.Second

var (
	cacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authdb_cache_refreshes_total",
		Help: "Completed AuthDB cache refresh attempts, by outcome.",
	}, []string{"outcome"}) // "updated", "unchanged", "failure"

	cacheStaleHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authdb_cache_stale_hits_total",
		Help: "Times a caller got a stale AuthDB because a refresh was in flight.",
	})
)

// NewDBCache returns a provider of DB instances that uses a process cache
// with the default TTL to avoid hitting the backing store all the time.
func NewDBCache(fetcher Fetcher) func(ctx context.Context) (DB, error) {
	cache := &DBCache{TTL: DefaultCacheTTL, Fetcher: fetcher}
	return cache.Get
}

// Fetcher fetches the freshest DB from wherever the cache is backed by.
//
// It receives the previously cached DB (or nil on the very first fetch) and
// may return it as is if the backing store is still at the same revision.
// Materializing a full snapshot is the most memory-expensive operation in
// the process, the cache guarantees at most one Fetcher call runs at a time.
type Fetcher func(ctx context.Context, prev DB) (DB, error)

// Revisioned is implemented by DB snapshots that know their replication
// revision. The cache uses it to refuse to regress to an older snapshot.
type Revisioned interface {
	// SnapshotRevision returns the id of the primary the snapshot came from
	// and its revision number.
	SnapshotRevision() (primaryID string, rev int64)
}

// SnapshotRevision is part of the Revisioned interface.
func (db *SnapshotDB) SnapshotRevision() (string, int64) {
	return db.PrimaryID, db.Rev
}

// DBCache caches DB snapshots in process memory.
//
// The common case, a fresh cache hit, takes a short read lock and no I/O.
// On expiry, exactly one goroutine refreshes the cache while everyone else
// keeps being served the slightly stale snapshot. Only the very first fetch
// ever blocks all callers, since there is nothing older to fall back to.
type DBCache struct {
	// TTL is how long a fetched snapshot is considered fresh. 0 means do not
	// cache at all: every Get calls the Fetcher (used in tests).
	TTL time.Duration
	// Fetcher fetches the freshest DB.
	Fetcher Fetcher

	dataLock sync.RWMutex // guards the fields below
	current  DB
	expires  time.Time
	fetching bool

	// fetchLock serializes snapshot materialization across the normal expiry
	// path and GetFresh, to bound peak memory use.
	fetchLock sync.Mutex
}

// Get returns the cached DB, refreshing it if it has expired.
//
// May return a stale DB if some other goroutine is refreshing it right now,
// or if the refresh attempt failed (such failures are logged and swallowed,
// a stale DB beats no DB). Returns an error only if there is no cached DB
// at all and the fetch failed.
func (c *DBCache) Get(ctx context.Context) (DB, error) {
	if c.TTL == 0 {
		c.fetchLock.Lock()
		defer c.fetchLock.Unlock()
		return c.Fetcher(ctx, nil)
	}

	now := clock.Now(ctx)

	// Fast path: the cached copy exists and is fresh, or someone is already
	// refreshing it (in which case the stale copy is good enough).
	c.dataLock.RLock()
	db := c.current
	fresh := db != nil && (c.fetching || now.Before(c.expires))
	wasFetching := c.fetching
	c.dataLock.RUnlock()
	if fresh {
		if wasFetching {
			cacheStaleHits.Inc()
		}
		return db, nil
	}

	// Slow path: start the fetch if no one beat us to it.
	shouldFetch, db, err := c.initiateFetch(ctx, now)
	if !shouldFetch {
		return db, err
	}

	// This goroutine won the contest and does the refresh. The previously
	// cached DB is passed to the fetcher as a hint so it can short-circuit
	// to "unchanged".
	prev := db

	c.fetchLock.Lock()
	defer c.fetchLock.Unlock()

	fetched, err := c.Fetcher(ctx, prev)
	if err != nil {
		logging.Errorf(ctx, "auth: failed to refresh AuthDB, using stale one - %s", err)
		cacheRefreshes.WithLabelValues("failure").Inc()
		c.finishFetch(ctx, nil)
		return prev, nil
	}
	c.finishFetch(ctx, fetched)
	return c.snapshot(), nil
}

// GetFresh refuses staleness: it refreshes the cache and returns the newest
// DB.
//
// Like Get, it falls back to the cached DB if the fetch fails, and fails
// only if there is nothing cached at all.
func (c *DBCache) GetFresh(ctx context.Context) (DB, error) {
	if c.TTL == 0 {
		c.fetchLock.Lock()
		defer c.fetchLock.Unlock()
		return c.Fetcher(ctx, nil)
	}

	c.fetchLock.Lock()
	defer c.fetchLock.Unlock()

	c.dataLock.Lock()
	prev := c.current
	if prev == nil {
		// First fetch ever. Do it under dataLock: all concurrent callers have
		// nothing to fall back to and must block until this completes.
		defer c.dataLock.Unlock()
		fetched, err := c.Fetcher(ctx, nil)
		if err != nil {
			return nil, err
		}
		c.current = fetched
		c.expires = c.expiry(ctx)
		return fetched, nil
	}
	c.fetching = true
	c.dataLock.Unlock()

	fetched, err := c.Fetcher(ctx, prev)
	if err != nil {
		logging.Errorf(ctx, "auth: failed to fetch fresh AuthDB, using stale one - %s", err)
		cacheRefreshes.WithLabelValues("failure").Inc()
		c.finishFetch(ctx, nil)
		return prev, nil
	}
	c.finishFetch(ctx, fetched)
	return c.snapshot(), nil
}

// initiateFetch decides whether the calling goroutine should do the fetch.
//
// Returns:
//   - (true, prev DB, nil) if the caller should fetch, passing prev as hint;
//   - (false, DB, nil) if a fetch is no longer necessary;
//   - (false, nil, err) if there is no DB and the initial fetch failed.
func (c *DBCache) initiateFetch(ctx context.Context, now time.Time) (bool, DB, error) {
	c.dataLock.Lock()
	defer c.dataLock.Unlock()

	// Someone refetched it already, or is doing so right now.
	if c.current != nil && (c.fetching || now.Before(c.expires)) {
		if c.fetching {
			cacheStaleHits.Inc()
		}
		return false, c.current, nil
	}

	// The very first fetch is done under dataLock: there is nothing to return
	// until it completes, all callers block on the lock.
	if c.current == nil {
		fetched, err := c.Fetcher(ctx, nil)
		if err != nil {
			return false, nil, err
		}
		c.current = fetched
		c.expires = c.expiry(ctx)
		cacheRefreshes.WithLabelValues("updated").Inc()
		return false, c.current, nil
	}

	// The cached copy expired and no one is fetching yet. Claim the fetch.
	c.fetching = true
	return true, c.current, nil
}

// finishFetch stores the fetch result and clears the fetching flag.
//
// A nil 'fetched' means the fetch failed; the previous DB stays in service
// and the flag is cleared so a later caller retries. A successful fetch
// advances the expiry clock even if the DB itself is discarded for being
// not newer than the cached one.
func (c *DBCache) finishFetch(ctx context.Context, fetched DB) {
	c.dataLock.Lock()
	defer c.dataLock.Unlock()
	c.fetching = false
	if fetched == nil {
		return
	}
	c.expires = c.expiry(ctx)
	if isNewer(c.current, fetched) {
		c.current = fetched
		cacheRefreshes.WithLabelValues("updated").Inc()
	} else {
		cacheRefreshes.WithLabelValues("unchanged").Inc()
	}
}

func (c *DBCache) snapshot() DB {
	c.dataLock.RLock()
	defer c.dataLock.RUnlock()
	return c.current
}

// expiry picks the next expiration time: TTL plus up to TTL of jitter.
func (c *DBCache) expiry(ctx context.Context) time.Time {
	jitter := time.Duration(rand.Int63n(int64(c.TTL)))
	return clock.Now(ctx).Add(c.TTL + jitter)
}

// isNewer returns true if 'next' should replace 'prev' in the cache.
//
// A snapshot from a different primary is always considered newer (revisions
// are not comparable across primaries). Within one primary, only a strictly
// larger revision wins: an equal or older candidate is discarded, so a slow
// concurrent refresh can never regress the cache. Snapshots that do not
// report revisions are always accepted.
func isNewer(prev, next DB) bool {
	if prev == next {
		return false
	}
	prevRev, prevOK := prev.(Revisioned)
	nextRev, nextOK := next.(Revisioned)
	if !prevOK || !nextOK {
		return true
	}
	prevID, prevN := prevRev.SnapshotRevision()
	nextID, nextN := nextRev.SnapshotRevision()
	if prevID != nextID {
		return true
	}
	return nextN > prevN
}
