// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admission

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually stepped clock for window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestLimiter_CeilingExact(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(WithCeiling(5), WithWindow(time.Minute), WithClock(clock))

	// Exactly ceiling requests are admitted.
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Check("caller-a"), "request %d should be admitted", i+1)
	}

	// The next one fails, and keeps failing (count saturates).
	err := l.Check("caller-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, datatypes.ErrRateLimitExceeded))
	assert.Error(t, l.Check("caller-a"))
}

func TestLimiter_WindowReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(WithCeiling(2), WithWindow(time.Minute), WithClock(clock))

	require.NoError(t, l.Check("caller-a"))
	require.NoError(t, l.Check("caller-a"))
	require.Error(t, l.Check("caller-a"))

	// After the window elapses admission resumes from a fresh count of 1.
	clock.Advance(61 * time.Second)
	require.NoError(t, l.Check("caller-a"))
	require.NoError(t, l.Check("caller-a"))
	require.Error(t, l.Check("caller-a"))
}

// TestLimiter_SubSecondWindow pins the ceiling for short windows, where
// the raw window index overflows the 32 bits the packed state stores it
// in. The index must be reduced into the packed domain before comparison,
// or every check would see a stale window and admit unconditionally.
func TestLimiter_SubSecondWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(WithCeiling(2), WithWindow(100*time.Millisecond), WithClock(clock))

	require.NoError(t, l.Check("caller-a"))
	require.NoError(t, l.Check("caller-a"))
	err := l.Check("caller-a")
	require.Error(t, err, "ceiling must be enforced with a sub-second window")
	assert.True(t, errors.Is(err, datatypes.ErrRateLimitExceeded))

	// The short window still resets on schedule.
	clock.Advance(150 * time.Millisecond)
	require.NoError(t, l.Check("caller-a"))
}

func TestLimiter_CallersIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(WithCeiling(1), WithWindow(time.Minute), WithClock(clock))

	require.NoError(t, l.Check("caller-a"))
	require.Error(t, l.Check("caller-a"))

	// A different caller has its own window.
	require.NoError(t, l.Check("caller-b"))
}

// TestLimiter_ConcurrentExactAdmission hammers one caller from many
// goroutines and verifies that exactly ceiling requests are admitted:
// the atomic compare-and-swap must never let two racers both slip under
// the ceiling.
func TestLimiter_ConcurrentExactAdmission(t *testing.T) {
	const (
		ceiling    = 100
		goroutines = 16
		perWorker  = 50 // 800 attempts total, well past the ceiling
	)

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(WithCeiling(ceiling), WithWindow(time.Hour), WithClock(clock))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if l.Check("hot-caller") == nil {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(ceiling), admitted.Load())
}

func TestLimiter_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(WithCeiling(1), WithClock(clock))

	require.NoError(t, l.Check("caller-a"))
	require.Error(t, l.Check("caller-a"))

	l.Reset()
	require.NoError(t, l.Check("caller-a"))
}
