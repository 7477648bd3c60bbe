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

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// AuditEvent is one authentication or search access record.
type AuditEvent struct {
	UserID    string
	Action    string
	Detail    string
	Outcome   string
	Timestamp time.Time
}

// Audit outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

// AuditLog writes events asynchronously so the request path never blocks on
// audit I/O. When the buffer is full new events are dropped and counted;
// losing an audit row is preferable to stalling searches.
type AuditLog struct {
	db      *sql.DB
	events  chan AuditEvent
	dropped atomic.Uint64
	onDrop  func()
	done    chan struct{}
}

// NewAuditLog creates the audit table when absent and starts the writer.
func NewAuditLog(ctx context.Context, db *sql.DB, buffer int) (*AuditLog, error) {
	if buffer <= 0 {
		buffer = 1024
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS auth_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("ensure audit schema: %w", err)
	}

	l := &AuditLog{
		db:     db,
		events: make(chan AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go l.writer()
	return l, nil
}

// Record enqueues an event without blocking. On overflow the oldest queued
// event is dropped in favor of the new one, so the tail of the log always
// reflects the most recent admissions and denials.
func (l *AuditLog) Record(ev AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case l.events <- ev:
		return
	default:
	}

	select {
	case <-l.events:
		l.countDrop()
	default:
	}
	select {
	case l.events <- ev:
	default:
		// A concurrent producer refilled the freed slot; the new event is
		// lost instead.
		l.countDrop()
	}
}

func (l *AuditLog) countDrop() {
	l.dropped.Add(1)
	if l.onDrop != nil {
		l.onDrop()
	}
}

// SetDropHook registers a callback invoked once per dropped event. Must be
// set before the log is shared across goroutines.
func (l *AuditLog) SetDropHook(fn func()) { l.onDrop = fn }

// Dropped reports how many events were lost to backpressure.
func (l *AuditLog) Dropped() uint64 { return l.dropped.Load() }

// Close drains the queue and stops the writer.
func (l *AuditLog) Close() {
	close(l.events)
	<-l.done
}

func (l *AuditLog) writer() {
	defer close(l.done)
	for ev := range l.events {
		_, err := l.db.Exec(
			`INSERT INTO auth_audit (user_id, action, detail, outcome, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			ev.UserID, ev.Action, ev.Detail, ev.Outcome, ev.Timestamp)
		if err != nil {
			slog.Warn("audit write failed", "action", ev.Action, "error", err)
		}
	}
}
