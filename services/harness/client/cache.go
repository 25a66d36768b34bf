// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/gauntlet/services/harness/chat"
)

// Cache is a content-addressed response cache: the key is the SHA-256
// of the request envelope, so an identical envelope (same messages,
// model, parameters, seed) replays the stored response. Useful for
// resumed runs and deterministic re-evaluation.
type Cache struct {
	db *badger.DB
}

// OpenCache opens (or creates) a cache at dir.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the cache.
func (c *Cache) Close() error { return c.db.Close() }

// Lookup returns the stored response for the envelope, if any.
func (c *Cache) Lookup(req *chat.Request) (*chat.Response, bool) {
	key := cacheKey(req)
	if key == nil {
		return nil, false
	}
	var resp chat.Response
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &resp)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Warn("Response cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return &resp, true
}

// Store saves a response under its envelope's hash. Failures are
// logged, never fatal.
func (c *Cache) Store(req *chat.Request, resp *chat.Response) {
	key := cacheKey(req)
	if key == nil {
		return
	}
	val, err := json.Marshal(resp)
	if err != nil {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		slog.Warn("Response cache write failed", slog.String("error", err.Error()))
	}
}

func cacheKey(req *chat.Request) []byte {
	data, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
