// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package protocol

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store persists sample records in a SQLite database so runs can be
// inspected and compared after the fact.
type Store struct {
	db  *sql.DB
	run string
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS samples (
	run        TEXT NOT NULL,
	idx        INTEGER NOT NULL,
	seed       INTEGER NOT NULL,
	question   TEXT NOT NULL,
	response   TEXT,
	decision   TEXT,
	correct    INTEGER NOT NULL,
	failed     INTEGER NOT NULL,
	error      TEXT,
	metrics    TEXT,
	info       TEXT,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now')),
	PRIMARY KEY (run, idx)
);`

// OpenStore opens (and creates if needed) the record database. The
// run name scopes this protocol's records inside a shared file.
func OpenStore(path, run string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init record store: %w", err)
	}
	return &Store{db: db, run: run}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Append inserts one record. Re-running an index overwrites the
// earlier row so a resumed run stays consistent.
func (s *Store) Append(record *SampleRecord) error {
	metrics, err := json.Marshal(record.Metrics)
	if err != nil {
		return err
	}
	info, err := json.Marshal(record.Info)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO samples
			(run, idx, seed, question, response, decision, correct, failed, error, metrics, info)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.run, record.Index, record.Seed, record.Question, record.Response,
		record.Decision, boolInt(record.Correct), boolInt(record.Failed),
		record.Error, string(metrics), string(info),
	)
	if err != nil {
		return fmt.Errorf("insert sample %d: %w", record.Index, err)
	}
	return nil
}

// Load returns every record of this run in index order.
func (s *Store) Load() ([]SampleRecord, error) {
	rows, err := s.db.Query(`
		SELECT idx, seed, question, response, decision, correct, failed, error, metrics, info
		FROM samples WHERE run = ? ORDER BY idx`, s.run)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SampleRecord
	for rows.Next() {
		var r SampleRecord
		var correct, failed int
		var metrics, info string
		if err := rows.Scan(&r.Index, &r.Seed, &r.Question, &r.Response,
			&r.Decision, &correct, &failed, &r.Error, &metrics, &info); err != nil {
			return nil, err
		}
		r.Correct = correct != 0
		r.Failed = failed != 0
		if metrics != "null" && metrics != "" {
			if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
				return nil, err
			}
		}
		if info != "null" && info != "" {
			if err := json.Unmarshal([]byte(info), &r.Info); err != nil {
				return nil, err
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
