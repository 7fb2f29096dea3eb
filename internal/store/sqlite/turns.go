// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package sqlite persists the turn audit trail in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/relay/internal/store"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

var _ store.TurnStore = (*TurnStore)(nil)

// timeLayout is fixed width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// TurnStore implements store.TurnStore on one SQLite file.
type TurnStore struct {
	db *sql.DB
}

// NewTurnStore opens (or creates) the database at dbPath and applies the
// schema.
func NewTurnStore(dbPath string) (*TurnStore, error) {
	if dbPath == "" {
		return nil, relayerr.New(relayerr.CodeStoreOpenFailure, "sqlite audit backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, relayerr.Wrapf(err, relayerr.CodeStoreOpenFailure, "creating directory for %s", dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeStoreOpenFailure, "opening audit db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, relayerr.Wrap(err, relayerr.CodeStoreOpenFailure, "pinging audit db")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, relayerr.Wrap(err, relayerr.CodeStoreOpenFailure, "migrating audit db")
	}

	return &TurnStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS turns (
	id               TEXT PRIMARY KEY,
	timestamp        TEXT NOT NULL,
	question         TEXT NOT NULL DEFAULT '',
	provider         TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	server           TEXT NOT NULL DEFAULT '',
	tool             TEXT NOT NULL DEFAULT '',
	strategy         TEXT NOT NULL DEFAULT '',
	strategies_tried TEXT NOT NULL DEFAULT '[]',
	attempts         INTEGER NOT NULL DEFAULT 0,
	result_kind      TEXT NOT NULL DEFAULT '',
	tool_error       TEXT NOT NULL DEFAULT '',
	directives       INTEGER NOT NULL DEFAULT 0,
	duration_ns      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
CREATE INDEX IF NOT EXISTS idx_turns_provider  ON turns(provider);
CREATE INDEX IF NOT EXISTS idx_turns_tool      ON turns(server, tool);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (s *TurnStore) Close() error { return s.db.Close() }

func (s *TurnStore) Append(ctx context.Context, rec *store.TurnRecord) error {
	if err := store.Prepare(rec); err != nil {
		return err
	}

	tried := []string{}
	if rec.StrategiesTried != nil {
		tried = rec.StrategiesTried
	}
	b, err := json.Marshal(tried)
	if err != nil {
		return relayerr.Wrap(err, relayerr.CodeStoreWriteFailure, "marshalling strategies")
	}

	const q = `INSERT INTO turns (id, timestamp, question, provider, source, server, tool, strategy,
	strategies_tried, attempts, result_kind, tool_error, directives, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, q,
		rec.ID, formatTime(rec.Timestamp), rec.Question, rec.Provider, rec.Source,
		rec.Server, rec.Tool, rec.Strategy, string(b), rec.Attempts,
		rec.ResultKind, rec.ToolError, rec.Directives, int64(rec.Duration),
	)
	if err != nil {
		return relayerr.Wrapf(err, relayerr.CodeStoreWriteFailure, "appending turn %s", rec.ID)
	}
	return nil
}

func (s *TurnStore) Query(ctx context.Context, filter store.TurnFilter) ([]*store.TurnRecord, error) {
	var qb strings.Builder
	qb.WriteString(`SELECT id, timestamp, question, provider, source, server, tool, strategy,
	strategies_tried, attempts, result_kind, tool_error, directives, duration_ns FROM turns`)

	var conditions []string
	var args []any

	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Server != "" {
		conditions = append(conditions, "server = ?")
		args = append(args, filter.Server)
	}
	if filter.Tool != "" {
		conditions = append(conditions, "tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.FailedOnly {
		conditions = append(conditions, "tool_error != ''")
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, formatTime(filter.To))
	}

	if len(conditions) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(conditions, " AND "))
	}

	qb.WriteString(" ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?")
	args = append(args, filter.EffectiveLimit(), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeStoreQueryFailure, "querying turns")
	}
	defer func() { _ = rows.Close() }()

	var out []*store.TurnRecord
	for rows.Next() {
		var (
			rec      store.TurnRecord
			ts       string
			tried    string
			duration int64
		)
		if err := rows.Scan(
			&rec.ID, &ts, &rec.Question, &rec.Provider, &rec.Source, &rec.Server, &rec.Tool,
			&rec.Strategy, &tried, &rec.Attempts, &rec.ResultKind, &rec.ToolError,
			&rec.Directives, &duration,
		); err != nil {
			return nil, relayerr.Wrap(err, relayerr.CodeStoreQueryFailure, "scanning turn")
		}
		if rec.Timestamp, err = parseTime(ts); err != nil {
			return nil, relayerr.Wrapf(err, relayerr.CodeStoreQueryFailure, "parsing timestamp of turn %s", rec.ID)
		}
		if err := json.Unmarshal([]byte(tried), &rec.StrategiesTried); err != nil {
			return nil, relayerr.Wrapf(err, relayerr.CodeStoreQueryFailure, "decoding strategies of turn %s", rec.ID)
		}
		if len(rec.StrategiesTried) == 0 {
			rec.StrategiesTried = nil
		}
		rec.Duration = time.Duration(duration)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, relayerr.Wrap(err, relayerr.CodeStoreQueryFailure, "iterating turns")
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
