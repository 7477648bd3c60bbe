// Copyright 2026 The Compass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package feedback records which search results users actually selected and
// turns that signal into ranking boosts.
//
// The log is append-only. A selection is only accepted when it names a
// search this instance handed out and matches what was shown at the claimed
// position, so the log cannot be inflated with selections that never
// happened.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownSearch is returned when a selection references a search id
	// that was never issued.
	ErrUnknownSearch = errors.New("feedback: unknown search id")
	// ErrSelectionMismatch is returned when the claimed result or position
	// does not match what the search actually returned.
	ErrSelectionMismatch = errors.New("feedback: selection does not match returned results")
)

// ResultRef identifies one entry of a returned result list.
type ResultRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// Key is the boost-map key for a result.
func (r ResultRef) Key() string { return fmt.Sprintf("%s:%d", r.Type, r.ID) }

// Store persists the feedback log. It shares the registry's database file.
type Store struct {
	db *sql.DB
}

// NewStore wraps db and creates the log tables when absent.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS search_queries (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			normalized_query TEXT NOT NULL,
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			results TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_selections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			search_id TEXT NOT NULL REFERENCES search_queries(id),
			result_type TEXT NOT NULL,
			result_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			selection_time_ms INTEGER NOT NULL DEFAULT 0,
			satisfaction INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_selections_search ON user_selections(search_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queries_created ON search_queries(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure feedback schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// RecordSearch logs an answered search and returns its id for later
// selection reports.
func (s *Store) RecordSearch(ctx context.Context, query, normalized, userID, mode string, results []ResultRef) (string, error) {
	id := uuid.NewString()
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_queries (id, query, normalized_query, user_id, mode, results, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, query, normalized, userID, mode, string(resultsJSON), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("record search: %w", err)
	}
	return id, nil
}

// Selection is one user pick from a returned result list. Position is
// 1-based. TimeToSelectMS and Satisfaction are optional client-reported
// signals kept for offline analysis.
type Selection struct {
	SearchID       string
	ResultType     string
	ResultID       int64
	Position       int
	TimeToSelectMS int64
	Satisfaction   *int
}

// RecordSelection validates and logs a user selection against the result
// list the search returned.
func (s *Store) RecordSelection(ctx context.Context, sel Selection) error {
	var resultsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT results FROM search_queries WHERE id = ?`, sel.SearchID).Scan(&resultsJSON)
	if err == sql.ErrNoRows {
		return ErrUnknownSearch
	}
	if err != nil {
		return fmt.Errorf("load search %q: %w", sel.SearchID, err)
	}

	var results []ResultRef
	if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
		return fmt.Errorf("decode results for %q: %w", sel.SearchID, err)
	}
	if sel.Position < 1 || sel.Position > len(results) {
		return fmt.Errorf("%w: position %d out of range 1..%d",
			ErrSelectionMismatch, sel.Position, len(results))
	}
	shown := results[sel.Position-1]
	if shown.Type != sel.ResultType || shown.ID != sel.ResultID {
		return fmt.Errorf("%w: position %d held %s:%d",
			ErrSelectionMismatch, sel.Position, shown.Type, shown.ID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_selections (search_id, result_type, result_id, position,
			selection_time_ms, satisfaction, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sel.SearchID, sel.ResultType, sel.ResultID, sel.Position,
		sel.TimeToSelectMS, sel.Satisfaction, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record selection: %w", err)
	}
	return nil
}

// impression is one shown result with its age.
type impression struct {
	ref      ResultRef
	position int
	age      time.Duration
}

// selection is one recorded click with its age.
type selection struct {
	ref      ResultRef
	position int
	age      time.Duration
}

// loadWindow reads every impression and selection newer than cutoff.
func (s *Store) loadWindow(ctx context.Context, cutoff time.Time) ([]impression, []selection, error) {
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT results, created_at FROM search_queries WHERE created_at >= ?`, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("load impressions: %w", err)
	}
	defer rows.Close()

	var impressions []impression
	for rows.Next() {
		var (
			resultsJSON string
			createdAt   time.Time
		)
		if err := rows.Scan(&resultsJSON, &createdAt); err != nil {
			return nil, nil, err
		}
		var results []ResultRef
		if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
			continue
		}
		for i, ref := range results {
			impressions = append(impressions, impression{
				ref: ref, position: i + 1, age: now.Sub(createdAt),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	selRows, err := s.db.QueryContext(ctx,
		`SELECT result_type, result_id, position, created_at
		 FROM user_selections WHERE created_at >= ?`, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("load selections: %w", err)
	}
	defer selRows.Close()

	var selections []selection
	for selRows.Next() {
		var (
			sel       selection
			createdAt time.Time
		)
		if err := selRows.Scan(&sel.ref.Type, &sel.ref.ID, &sel.position, &createdAt); err != nil {
			return nil, nil, err
		}
		sel.age = now.Sub(createdAt)
		selections = append(selections, sel)
	}
	return impressions, selections, selRows.Err()
}
