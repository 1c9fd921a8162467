package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/willow?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS actors (
			id TEXT PRIMARY KEY,
			data BYTEA NOT NULL,
			updated BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			rule_name TEXT NOT NULL DEFAULT '',
			equipment_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			is_faulty BIGINT NOT NULL,
			is_valid BIGINT NOT NULL,
			faulted_count BIGINT NOT NULL,
			last_faulted_date BIGINT NOT NULL,
			sync_enabled BIGINT NOT NULL,
			last_sync_date BIGINT NOT NULL,
			next_allowed_sync_date BIGINT NOT NULL,
			command_insight_id TEXT NOT NULL DEFAULT '',
			last_folded_seq BIGINT NOT NULL,
			max_occurrences BIGINT NOT NULL,
			feeds JSONB NOT NULL,
			fed_by JSONB NOT NULL,
			points JSONB NOT NULL,
			twin_locations JSONB NOT NULL,
			rule_tags JSONB NOT NULL,
			dependencies JSONB NOT NULL,
			created_date BIGINT NOT NULL,
			updated_date BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS occurrences (
			id TEXT PRIMARY KEY,
			insight_id TEXT NOT NULL,
			started BIGINT NOT NULL,
			ended BIGINT NOT NULL,
			is_faulted BIGINT NOT NULL,
			is_valid BIGINT NOT NULL,
			text TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_occurrences_insight ON occurrences(insight_id, started)`,
		`CREATE TABLE IF NOT EXISTS impact_scores (
			id TEXT PRIMARY KEY,
			insight_id TEXT NOT NULL,
			field_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			score DOUBLE PRECISION NOT NULL,
			base_score DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_impact_scores_insight ON impact_scores(insight_id)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id BIGSERIAL PRIMARY KEY,
			ts BIGINT NOT NULL,
			rule_instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			context_json JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_ts ON activity(ts)`,
	})
}
