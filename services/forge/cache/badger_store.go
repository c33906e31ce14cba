// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianForge/services/forge/datatypes"
	"github.com/dgraph-io/badger/v4"
)

// resultKeyPrefix namespaces Result records inside the Badger keyspace.
const resultKeyPrefix = "result/"

// BadgerStore is the warm persistence tier backed by BadgerDB.
//
// Results survive process restarts; a corrupted or tampered record fails
// its integrity check on load and is treated as absent rather than served.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at path. An empty
// path opens an in-memory database, which is what tests use.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	// Badger's default logger is chatty at INFO; keep our slog output clean.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %q: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Load implements the Store interface.
func (s *BadgerStore) Load(fp datatypes.Fingerprint) (*datatypes.Result, error) {
	var r datatypes.Result
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(fp))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("warm tier read failed for %s: %w", fp, err)
	}

	if !r.VerifyIntegrity() {
		slog.Warn("warm tier record failed integrity check, treating as absent", "fingerprint", string(fp))
		return nil, nil
	}
	return &r, nil
}

// Save implements the Store interface.
func (s *BadgerStore) Save(fp datatypes.Fingerprint, r *datatypes.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal result for %s: %w", fp, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(fp), data)
	})
	if err != nil {
		slog.Error("warm tier write failed", "fingerprint", string(fp), "error", err)
		return fmt.Errorf("warm tier write failed for %s: %w", fp, err)
	}
	return nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func storeKey(fp datatypes.Fingerprint) []byte {
	return []byte(resultKeyPrefix + string(fp))
}
