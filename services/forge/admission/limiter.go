// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission implements per-caller admission control for the Forge
// orchestrator. Excess traffic is rejected before any expensive work
// (context retrieval, generation, sandboxing) begins.
//
// # Design
//
// One fixed window per caller identity. The window's epoch and count are
// packed into a single uint64 and advanced with compare-and-swap, so the
// read-increment-compare sequence is one atomic operation: two callers
// racing can never both observe "below ceiling" when the true
// post-increment count exceeds it. The count saturates at the ceiling, it
// never wraps.
//
// # Thread Safety
//
// Limiter is safe for concurrent use. No lock is held while a caller's
// request is in flight; the limiter only touches its own counters.
package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
)

const (
	// DefaultCeiling is the admitted-request ceiling per caller per window.
	DefaultCeiling = 1000

	// DefaultWindow is the length of the admission window.
	DefaultWindow = time.Minute
)

// Clock abstracts time for deterministic window tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// wordMask selects one 32-bit half of the packed window state. Epochs are
// reduced into this domain before packing and before comparison, so the
// truncation is consistent on both sides; a window only aliases after
// 2^32 window lengths pass between two requests from the same caller.
const wordMask = 0xffffffff

// callerWindow packs the window epoch (upper 32 bits) and the admitted
// count (lower 32 bits) into one atomically updated word.
type callerWindow struct {
	state atomic.Uint64
}

func pack(epoch uint64, count uint64) uint64 {
	return epoch<<32 | (count & wordMask)
}

func unpack(state uint64) (epoch uint64, count uint64) {
	return state >> 32, state & wordMask
}

// Limiter counts requests per caller within a fixed window and rejects
// excess traffic with datatypes.ErrRateLimitExceeded.
type Limiter struct {
	ceiling int64
	window  time.Duration
	clock   Clock

	// windows maps caller identity to its *callerWindow. Entries are
	// created lazily on first request from a caller.
	windows sync.Map
}

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter)

// WithCeiling overrides the per-window admitted-request ceiling.
func WithCeiling(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.ceiling = int64(n)
		}
	}
}

// WithWindow overrides the window duration.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithClock injects a clock, used by tests to step across windows.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// NewLimiter creates a Limiter with the default ceiling and window.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		ceiling: DefaultCeiling,
		window:  DefaultWindow,
		clock:   realClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check admits or rejects one request for the given caller.
//
// If no window exists for the caller, or the current window has elapsed,
// a fresh window starts with count 1 and the request is admitted. Within
// a live window the count is incremented atomically; once the
// post-increment count would exceed the ceiling the request is rejected
// and the count saturates.
func (l *Limiter) Check(callerID string) error {
	v, _ := l.windows.LoadOrStore(callerID, &callerWindow{})
	w := v.(*callerWindow)

	// Window indices start at 1 so a caller's zero-value state (epoch 0,
	// count 0) reads as "never admitted" in almost every window. The
	// epoch lives in the packed word's upper half, so it is reduced to
	// 32 bits here, in the same domain the comparison below runs in.
	epoch := uint64(l.clock.Now().UnixNano()/int64(l.window)+1) & wordMask

	for {
		old := w.state.Load()
		oldEpoch, oldCount := unpack(old)

		if oldEpoch != epoch {
			// Stale or fresh window: reset to count 1 under this epoch.
			if w.state.CompareAndSwap(old, pack(epoch, 1)) {
				return nil
			}
			continue
		}
		if oldCount >= uint64(l.ceiling) {
			return datatypes.ErrRateLimitExceeded
		}
		if w.state.CompareAndSwap(old, pack(epoch, oldCount+1)) {
			return nil
		}
	}
}

// Reset drops all caller windows. Intended for tests and admin tooling.
func (l *Limiter) Reset() {
	l.windows.Range(func(key, _ any) bool {
		l.windows.Delete(key)
		return true
	})
}
