// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	// ArtifactBufferSize bounds the accumulated artifact. Candidates are
	// capped well below this by the guard policy, so hitting it indicates
	// a misbehaving backend rather than a large-but-valid artifact.
	ArtifactBufferSize = 256 * 1024

	// MinMlockLimitKB is the minimum mlock limit required for the mlocked
	// buffer. Below this the accumulator falls back to plain memory when
	// FORGE_INSECURE_MEMORY=true, or refuses to start otherwise.
	MinMlockLimitKB = 256
)

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// ArtifactAccumulator collects generated artifact text as it arrives and
// maintains an incremental SHA-256 over the bytes. The hash is the
// integrity record attached to the finalized result, so bytes are hashed
// the moment they are written, never retroactively.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Fixed capacity (ArtifactBufferSize)
//   - Unusable after Finalize() or Destroy()
type ArtifactAccumulator interface {
	// Write appends a chunk of artifact text and folds it into the hash.
	Write(chunk string) error

	// Finalize returns the complete artifact and its hex-encoded SHA-256,
	// then wipes the buffer. Can be called once.
	Finalize() (artifact string, hash string, err error)

	// Destroy wipes the buffer without returning data. Idempotent; use on
	// error paths.
	Destroy()

	// ID returns a unique identifier for this accumulator, for logging.
	ID() string

	// CreatedAt returns when this accumulator was created.
	CreatedAt() time.Time
}

// secureAccumulator stores artifact bytes in a memguard LockedBuffer:
// mlocked so candidate text never swaps to disk, guard pages against
// overflow, explicit zeroing on Destroy.
type secureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// insecureAccumulator is the fallback for systems without sufficient
// mlock. Same contract, plain Go memory. Only used when
// FORGE_INSECURE_MEMORY=true acknowledges the reduced guarantees.
type insecureAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// NewArtifactAccumulator allocates an accumulator for one generation
// request. Prefers mlocked memory; falls back to plain memory only when
// the mlock limit is insufficient and FORGE_INSECURE_MEMORY=true.
func NewArtifactAccumulator() (ArtifactAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		return handleInsufficientMlock()
	}

	return allocateSecureBuffer()
}

func newInsecureAccumulator() ArtifactAccumulator {
	accID := uuid.New().String()

	slog.Warn("Created INSECURE artifact accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)

	return &insecureAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, ArtifactBufferSize),
		hasher:    sha256.New(),
	}
}

func handleInsufficientMlock() (ArtifactAccumulator, error) {
	if os.Getenv("FORGE_INSECURE_MEMORY") == "true" {
		return newInsecureAccumulator(), nil
	}
	return nil, fmt.Errorf(
		"mlock limit insufficient (%d KB < %d KB required); raise RLIMIT_MEMLOCK or set FORGE_INSECURE_MEMORY=true",
		currentMlockLimitKB, MinMlockLimitKB,
	)
}

func allocateSecureBuffer() (ArtifactAccumulator, error) {
	buffer := memguard.NewBuffer(ArtifactBufferSize)
	if buffer == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ArtifactBufferSize)
	}

	return &secureAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buffer,
		hasher:    sha256.New(),
	}, nil
}

// =============================================================================
// secureAccumulator Methods
// =============================================================================

func (a *secureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.validateWriteState(); err != nil {
		return err
	}

	chunkBytes := []byte(chunk)

	if a.offset+len(chunkBytes) > ArtifactBufferSize {
		a.overflow = true
		return fmt.Errorf("artifact buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), ArtifactBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunkBytes)
	a.offset += len(chunkBytes)
	a.hasher.Write(chunkBytes)

	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeBuffer()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	artifact := string(a.buffer.Bytes()[:a.offset])
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeBuffer()

	slog.Debug("Finalized artifact accumulator",
		"accumulator_id", a.id,
		"artifact_length", len(artifact),
		"hash", hashStr[:16]+"...",
	)

	return artifact, hashStr, nil
}

func (a *secureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}

	a.wipeBuffer()
	slog.Debug("Destroyed artifact accumulator", "accumulator_id", a.id)
}

func (a *secureAccumulator) ID() string { return a.id }

func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

func (a *secureAccumulator) validateWriteState() error {
	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("artifact buffer overflow - candidate too large")
	}
	return nil
}

func (a *secureAccumulator) wipeBuffer() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureAccumulator Methods
// =============================================================================

func (a *insecureAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("artifact buffer overflow - candidate too large")
	}

	chunkBytes := []byte(chunk)

	if len(a.data)+len(chunkBytes) > ArtifactBufferSize {
		a.overflow = true
		return fmt.Errorf("artifact buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), ArtifactBufferSize-len(a.data))
	}

	a.data = append(a.data, chunkBytes...)
	a.hasher.Write(chunkBytes)

	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipeData()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	artifact := string(a.data)
	hashStr := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipeData()

	return artifact, hashStr, nil
}

func (a *insecureAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return
	}
	a.wipeData()
}

func (a *insecureAccumulator) ID() string { return a.id }

func (a *insecureAccumulator) CreatedAt() time.Time { return a.createdAt }

// wipeData zeros the slice. Best effort only; the GC may have copied it.
func (a *insecureAccumulator) wipeData() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		logMlockStatus()
	})
}

// checkMlockLimit queries RLIMIT_MEMLOCK and compares it against the
// minimum needed for one mlocked artifact buffer.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}

	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}

	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

func logMlockStatus() {
	if mlockSufficient {
		slog.Info("Secure memory initialized",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
		return
	}

	if os.Getenv("FORGE_INSECURE_MEMORY") == "true" {
		slog.Warn("SECURITY: Running with insecure memory - mlock limit insufficient",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
	} else {
		slog.Error("mlock limit insufficient and FORGE_INSECURE_MEMORY not set",
			"mlock_limit_kb", currentMlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
	}
}
