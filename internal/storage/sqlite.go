package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:willow.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the checkpointer and API readers.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS actors (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			updated INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			rule_name TEXT NOT NULL DEFAULT '',
			equipment_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			is_faulty INTEGER NOT NULL,
			is_valid INTEGER NOT NULL,
			faulted_count INTEGER NOT NULL,
			last_faulted_date INTEGER NOT NULL,
			sync_enabled INTEGER NOT NULL,
			last_sync_date INTEGER NOT NULL,
			next_allowed_sync_date INTEGER NOT NULL,
			command_insight_id TEXT NOT NULL DEFAULT '',
			last_folded_seq INTEGER NOT NULL,
			max_occurrences INTEGER NOT NULL,
			feeds TEXT NOT NULL,
			fed_by TEXT NOT NULL,
			points TEXT NOT NULL,
			twin_locations TEXT NOT NULL,
			rule_tags TEXT NOT NULL,
			dependencies TEXT NOT NULL,
			created_date INTEGER NOT NULL,
			updated_date INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS occurrences (
			id TEXT PRIMARY KEY,
			insight_id TEXT NOT NULL,
			started INTEGER NOT NULL,
			ended INTEGER NOT NULL,
			is_faulted INTEGER NOT NULL,
			is_valid INTEGER NOT NULL,
			text TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_insight ON occurrences(insight_id, started)`,
		`CREATE TABLE IF NOT EXISTS impact_scores (
			id TEXT PRIMARY KEY,
			insight_id TEXT NOT NULL,
			field_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			score REAL NOT NULL,
			base_score REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_impact_scores_insight ON impact_scores(insight_id)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			rule_instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			context_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity(ts)`,
	})
}
