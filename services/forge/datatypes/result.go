// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
)

// Result is a finalized generation artifact plus its integrity record.
//
// A Result is immutable once created. Cached Results are never mutated in
// place; an evicted entry is only ever replaced wholesale by a fresh
// computation.
type Result struct {
	// Code is the accepted artifact text.
	Code string `json:"code"`

	// Cycles is how many generate/validate cycles the loop consumed.
	Cycles int `json:"cycles"`

	// Hash is the hex-encoded SHA-256 of the artifact bytes, computed at
	// finalize time.
	Hash string `json:"hash"`

	// Timestamp is the finalize time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// VerifyIntegrity recomputes the artifact hash and compares it against the
// integrity record. A false return means the Result was corrupted after
// finalization (e.g. a bad warm-tier read).
func (r *Result) VerifyIntegrity() bool {
	sum := sha256.Sum256([]byte(r.Code))
	return hex.EncodeToString(sum[:]) == r.Hash
}
