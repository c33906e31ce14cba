// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache memoizes finalized generation Results by directive
// fingerprint.
//
// # Contract
//
// Put is first-writer-wins: at most one distinct Result ever exists per
// fingerprint, even when two callers race to compute the same directive.
// GetOrCompute additionally collapses concurrent identical requests into
// one computation via singleflight, so N callers submitting the same
// directive cost one loop run.
//
// # Tiering
//
// The in-memory map is authoritative. An optional warm Store (BadgerDB)
// persists Results across restarts: Hot (RAM) -> Warm (Badger), following
// the tiered persistence model used elsewhere in the platform. Warm reads
// are integrity-checked before promotion.
//
// # Capacity
//
// The map is unbounded; insertion order is tracked so a deployment that
// needs a bound can call EvictOldest from a policy hook. No implicit
// expiry.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"golang.org/x/sync/singleflight"
)

// Store is the optional warm persistence tier.
type Store interface {
	// Load returns the Result for a fingerprint, or (nil, nil) when
	// absent.
	Load(fp datatypes.Fingerprint) (*datatypes.Result, error)

	// Save persists a Result. Save is best-effort from the cache's
	// perspective; a failed save never fails the request.
	Save(fp datatypes.Fingerprint, r *datatypes.Result) error

	// Close releases the store.
	Close() error
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Collapsed int64
	Computes  int64
	WarmHits  int64
	Entries   int
}

// ResultCache maps directive fingerprints to finalized Results.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[datatypes.Fingerprint]*datatypes.Result
	order   *list.List // insertion-ordered fingerprints, for EvictOldest
	elems   map[datatypes.Fingerprint]*list.Element

	warm   Store
	flight singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	collapsed atomic.Int64
	computes  atomic.Int64
	warmHits  atomic.Int64

	onEvent func(event string)
}

// Event labels passed to the WithEventHook callback.
const (
	EventHit       = "hit"
	EventWarmHit   = "warm_hit"
	EventMiss      = "miss"
	EventCollapsed = "collapsed"
)

// Option is a functional option for configuring a ResultCache.
type Option func(*ResultCache)

// WithWarmStore attaches a warm persistence tier.
func WithWarmStore(s Store) Option {
	return func(c *ResultCache) {
		c.warm = s
	}
}

// WithEventHook registers a callback invoked once per cache event with
// one of the Event labels. The hook must not block; it runs on the
// request path.
func WithEventHook(fn func(event string)) Option {
	return func(c *ResultCache) {
		c.onEvent = fn
	}
}

// New creates an empty ResultCache.
func New(opts ...Option) *ResultCache {
	c := &ResultCache{
		entries: make(map[datatypes.Fingerprint]*datatypes.Result),
		order:   list.New(),
		elems:   make(map[datatypes.Fingerprint]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lookup checks the memory tier without touching stat counters.
func (c *ResultCache) lookup(fp datatypes.Fingerprint) (*datatypes.Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[fp]
	return r, ok
}

// Get returns the cached Result for a fingerprint.
//
// A memory miss falls through to the warm tier when one is attached; a
// warm hit is promoted into memory (still first-writer-wins, so a racing
// Put cannot be clobbered). No lock is held across the warm read.
func (c *ResultCache) Get(fp datatypes.Fingerprint) (*datatypes.Result, bool) {
	if r, ok := c.lookup(fp); ok {
		c.hits.Add(1)
		c.emit(EventHit)
		return r, true
	}

	if c.warm != nil {
		if r, err := c.warm.Load(fp); err == nil && r != nil {
			c.warmHits.Add(1)
			c.emit(EventWarmHit)
			return c.insert(fp, r), true
		}
	}

	c.misses.Add(1)
	c.emit(EventMiss)
	return nil, false
}

func (c *ResultCache) emit(event string) {
	if c.onEvent != nil {
		c.onEvent(event)
	}
}

// Put stores a Result under first-writer-wins semantics and returns the
// winning Result: the argument if this call inserted it, otherwise the
// previously stored one.
func (c *ResultCache) Put(fp datatypes.Fingerprint, r *datatypes.Result) *datatypes.Result {
	winner := c.insert(fp, r)
	if winner == r && c.warm != nil {
		// Persist only the winning write. Warm-tier failure is not a
		// request failure.
		_ = c.warm.Save(fp, r)
	}
	return winner
}

// insert is the shared first-writer-wins memory write.
func (c *ResultCache) insert(fp datatypes.Fingerprint, r *datatypes.Result) *datatypes.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[fp]; ok {
		return existing
	}
	c.entries[fp] = r
	c.elems[fp] = c.order.PushBack(fp)
	return r
}

// GetOrCompute returns the cached Result for fp, or runs compute exactly
// once across all concurrent callers with the same fingerprint.
//
// The compute context is detached from the caller's cancellation: a
// disconnected caller receives nothing, but the in-flight computation
// completes and populates the cache for other waiters. The cached return
// reports whether the Result came from the cache rather than a fresh
// computation.
func (c *ResultCache) GetOrCompute(
	ctx context.Context,
	fp datatypes.Fingerprint,
	compute func(ctx context.Context) (*datatypes.Result, error),
) (result *datatypes.Result, cached bool, err error) {
	if r, ok := c.Get(fp); ok {
		return r, true, nil
	}

	v, err, shared := c.flight.Do(string(fp), func() (interface{}, error) {
		// Re-check: another flight may have finished between our miss
		// and joining the group.
		if r, ok := c.lookup(fp); ok {
			return r, nil
		}
		c.computes.Add(1)
		r, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		return c.Put(fp, r), nil
	})
	if shared {
		c.collapsed.Add(1)
		c.emit(EventCollapsed)
	}
	if err != nil {
		return nil, false, err
	}
	return v.(*datatypes.Result), false, nil
}

// EvictOldest removes up to n entries in insertion order and returns how
// many were removed. This is the capacity-bound policy hook; the core
// never calls it.
func (c *ResultCache) EvictOldest(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for removed < n {
		front := c.order.Front()
		if front == nil {
			break
		}
		fp := front.Value.(datatypes.Fingerprint)
		c.order.Remove(front)
		delete(c.entries, fp)
		delete(c.elems, fp)
		removed++
	}
	return removed
}

// Len returns the number of memory-tier entries.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *ResultCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Collapsed: c.collapsed.Load(),
		Computes:  c.computes.Load(),
		WarmHits:  c.warmHits.Load(),
		Entries:   c.Len(),
	}
}
