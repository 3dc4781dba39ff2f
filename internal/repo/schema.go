package repo

import (
	"context"
	"fmt"
)

// schemaStatements создают таблицы jobs.
//
// Частичный уникальный индекс jobs_active_key_idx гарантирует не более
// одного нефинального job на ключ pipeline и служит вторичным индексом
// для проверки занятости.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id           UUID PRIMARY KEY,
		pipeline_key TEXT NOT NULL,
		extractor    TEXT NOT NULL DEFAULT '',
		loader       TEXT NOT NULL DEFAULT '',
		transformer  TEXT NOT NULL DEFAULT '',
		connection   TEXT,
		state        TEXT NOT NULL,
		error        TEXT,
		created_at   TIMESTAMPTZ NOT NULL,
		started_at   TIMESTAMPTZ,
		ended_at     TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_pipeline_key_idx ON jobs (pipeline_key)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_active_key_idx ON jobs (pipeline_key)
		WHERE state NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`,
	`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS job_transitions (
		job_id     UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		seq        INT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		at         TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS job_stage_results (
		job_id      UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		seq         INT NOT NULL,
		stage       TEXT NOT NULL,
		plugin      TEXT NOT NULL,
		outcome     JSONB NOT NULL,
		started_at  TIMESTAMPTZ,
		ended_at    TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		records     BIGINT NOT NULL DEFAULT 0,
		bytes       BIGINT NOT NULL DEFAULT 0,
		metrics     JSONB,
		output_tail JSONB,
		log_from    BIGINT NOT NULL DEFAULT 0,
		log_to      BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS job_logs (
		job_id UUID NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		seq    BIGINT NOT NULL,
		at     TIMESTAMPTZ NOT NULL,
		stage  TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		text   TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	)`,
}

// EnsureSchema создаёт таблицы и индексы, если их нет.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
