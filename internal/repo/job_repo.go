package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Conveyor/internal/domain"
)

// pgUniqueViolation — SQLSTATE нарушения уникальности.
const pgUniqueViolation = "23505"

const jobColumns = `id, pipeline_key, connection, state, error, created_at, started_at, ended_at`

// PostgresStore — JobStore поверх PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт новый PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create реализует JobStore.
func (s *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (id, pipeline_key, extractor, loader, transformer, connection, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.Key.String(),
		job.Key.Extractor,
		job.Key.Loader,
		job.Key.Transformer,
		nullString(job.Connection),
		string(job.State),
		job.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ApplyTransition реализует JobStore. Все изменения пишутся в одной транзакции.
func (s *PostgresStore) ApplyTransition(ctx context.Context, rec TransitionRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	result, err := tx.Exec(ctx, `
		UPDATE jobs
		SET state = $2, started_at = $3, ended_at = $4, error = $5
		WHERE id = $1 AND NOT (state = ANY($6))
	`,
		rec.Job.ID,
		string(rec.Job.State),
		rec.Job.StartedAt,
		rec.Job.EndedAt,
		nullString(rec.Job.Error),
		terminalStates,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return s.missingOrFinished(ctx, tx, rec.Job.ID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_transitions (job_id, seq, from_state, to_state, at)
		VALUES ($1, (SELECT COUNT(*) FROM job_transitions WHERE job_id = $1), $2, $3, $4)
	`,
		rec.Job.ID,
		string(rec.Transition.From),
		string(rec.Transition.To),
		rec.Transition.At,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if rec.Stage != nil {
		if err := insertStage(ctx, tx, rec.Job.ID, rec.Stage); err != nil {
			return err
		}
	}

	if len(rec.Logs) > 0 {
		rows := make([][]any, 0, len(rec.Logs))
		for _, l := range rec.Logs {
			rows = append(rows, []any{rec.Job.ID, l.Seq, l.At, string(l.Stage), string(l.Source), l.Text})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"job_logs"},
			[]string{"job_id", "seq", "at", "stage", "source", "text"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy logs: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get реализует JobStore.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if job.Transitions, err = s.transitions(ctx, id); err != nil {
		return nil, err
	}
	if job.Stages, err = s.stages(ctx, id); err != nil {
		return nil, err
	}
	if job.Logs, err = s.logs(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// List реализует JobStore.
func (s *PostgresStore) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	var key *string
	if filter.Key != nil {
		k := filter.Key.String()
		key = &k
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var beforeAt *time.Time
	beforeID := uuid.Nil
	if filter.Before != nil {
		beforeAt = &filter.Before.CreatedAt
		beforeID = filter.Before.ID
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1::text IS NULL OR state = $1)
		  AND ($2::text IS NULL OR pipeline_key = $2)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3, $4::uuid))
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`
	rows, err := s.pool.Query(ctx, query,
		nullString(string(filter.State)),
		key,
		beforeAt,
		beforeID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListActive реализует JobStore.
func (s *PostgresStore) ListActive(ctx context.Context) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE NOT (state = ANY($1))
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, query, terminalStates)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectJobs(rows)
}

// Prune реализует JobStore. Связанные строки удаляются каскадно.
func (s *PostgresStore) Prune(ctx context.Context, policy RetentionPolicy) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE state = ANY($1)
		  AND (
		    ($2::timestamptz IS NOT NULL AND ended_at < $2)
		    OR ($3::int > 0 AND id NOT IN (
		      SELECT id FROM jobs
		      WHERE state = ANY($1)
		      ORDER BY ended_at DESC NULLS LAST
		      LIMIT $3
		    ))
		  )
	`
	result, err := s.pool.Exec(ctx, query,
		terminalStates,
		nullTime(policy.Before),
		policy.Keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// --- Helpers ---

// missingOrFinished различает отсутствующий и уже финальный job.
func (s *PostgresStore) missingOrFinished(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

func insertStage(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, st *domain.StageResult) error {
	outcomeJSON, err := json.Marshal(st.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	var metricsJSON, tailJSON []byte
	if len(st.Metrics) > 0 {
		if metricsJSON, err = json.Marshal(st.Metrics); err != nil {
			return fmt.Errorf("marshal metrics: %w", err)
		}
	}
	if len(st.OutputTail) > 0 {
		if tailJSON, err = json.Marshal(st.OutputTail); err != nil {
			return fmt.Errorf("marshal output tail: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_stage_results (
			job_id, seq, stage, plugin, outcome, started_at, ended_at,
			duration_ms, records, bytes, metrics, output_tail, log_from, log_to
		)
		VALUES ($1, (SELECT COUNT(*) FROM job_stage_results WHERE job_id = $1),
		        $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		jobID,
		string(st.Stage),
		st.Plugin,
		outcomeJSON,
		nullTime(st.StartedAt),
		nullTime(st.EndedAt),
		st.DurationMs,
		st.Records,
		st.Bytes,
		metricsJSON,
		tailJSON,
		st.LogFrom,
		st.LogTo,
	)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}
	return nil
}

func (s *PostgresStore) transitions(ctx context.Context, id uuid.UUID) ([]domain.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT from_state, to_state, at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var from, to string
		var at time.Time
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, domain.Transition{From: domain.JobState(from), To: domain.JobState(to), At: at})
	}
	return out, rows.Err()
}

func (s *PostgresStore) stages(ctx context.Context, id uuid.UUID) ([]domain.StageResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, plugin, outcome, started_at, ended_at, duration_ms,
		       records, bytes, metrics, output_tail, log_from, log_to
		FROM job_stage_results
		WHERE job_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var out []domain.StageResult
	for rows.Next() {
		var st domain.StageResult
		var stage string
		var outcomeJSON, metricsJSON, tailJSON []byte
		var startedAt, endedAt *time.Time

		err := rows.Scan(
			&stage,
			&st.Plugin,
			&outcomeJSON,
			&startedAt,
			&endedAt,
			&st.DurationMs,
			&st.Records,
			&st.Bytes,
			&metricsJSON,
			&tailJSON,
			&st.LogFrom,
			&st.LogTo,
		)
		if err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		st.Stage = domain.StageKind(stage)
		if startedAt != nil {
			st.StartedAt = *startedAt
		}
		if endedAt != nil {
			st.EndedAt = *endedAt
		}
		if err := json.Unmarshal(outcomeJSON, &st.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		if metricsJSON != nil {
			if err := json.Unmarshal(metricsJSON, &st.Metrics); err != nil {
				return nil, fmt.Errorf("unmarshal metrics: %w", err)
			}
		}
		if tailJSON != nil {
			if err := json.Unmarshal(tailJSON, &st.OutputTail); err != nil {
				return nil, fmt.Errorf("unmarshal output tail: %w", err)
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) logs(ctx context.Context, id uuid.UUID) ([]domain.LogLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, at, stage, source, text
		FROM job_logs
		WHERE job_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		var stage, source string
		if err := rows.Scan(&l.Seq, &l.At, &stage, &source, &l.Text); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		l.Stage = domain.StageKind(stage)
		l.Source = domain.LogSource(source)
		out = append(out, l)
	}
	return out, rows.Err()
}

// scanJob сканирует заголовок job.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var key, state string
	var connection, jobError *string

	err := row.Scan(
		&job.ID,
		&key,
		&connection,
		&state,
		&jobError,
		&job.CreatedAt,
		&job.StartedAt,
		&job.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Key = domain.ParsePipelineKey(key)
	job.State = domain.JobState(state)
	if connection != nil {
		job.Connection = *connection
	}
	if jobError != nil {
		job.Error = *jobError
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
