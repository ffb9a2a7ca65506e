// Copyright 2025 Tom Barlow
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

// Package journal records every lifecycle transition in an append-only
// SQLite table. The registry itself stays in memory; the journal is
// the durable audit trail that survives daemon restarts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/sandboxd/pkg/lifecycle"
)

// Transition is one recorded lifecycle change.
type Transition struct {
	ID        int64           `json:"id"`
	SandboxID string          `json:"sandbox_id"`
	Phase     lifecycle.Phase `json:"phase"`
	Detail    string          `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Journal is a SQLite-backed transition log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal database at path. The special
// value ":memory:" creates an in-memory journal for tests.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run journal migrations: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sandbox_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_sandbox ON transitions(sandbox_id, id);
	`
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Record appends one transition. Journal failures are the caller's to
// log; they never block lifecycle progress.
func (j *Journal) Record(ctx context.Context, sandboxID string, phase lifecycle.Phase, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (sandbox_id, phase, detail, created_at) VALUES (?, ?, ?, ?)`,
		sandboxID, string(phase), detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// History returns the transitions for one sandbox id in append order.
func (j *Journal) History(ctx context.Context, sandboxID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, sandbox_id, phase, detail, created_at FROM transitions WHERE sandbox_id = ? ORDER BY id`,
		sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var phase string
		if err := rows.Scan(&t.ID, &t.SandboxID, &phase, &t.Detail, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.Phase = lifecycle.Phase(phase)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
