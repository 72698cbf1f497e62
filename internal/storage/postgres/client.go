// Package postgres implements storage.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

// maxRowsPerStatement keeps one analysis INSERT under the 65535 bind
// parameter limit of the wire protocol.
const maxRowsPerStatement = 1000

type Client struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Client)(nil)

func NewClient(ctx context.Context, dsn string) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Info("Postgres client initialized", zap.String("host", pool.Config().ConnConfig.Host))
	return &Client{pool: pool}, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		transcript TEXT,
		assistant_id TEXT,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		cost DOUBLE PRECISION DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);

	CREATE TABLE IF NOT EXISTS qci_analyses (
		call_id TEXT PRIMARY KEY,
		dynamics_score NUMERIC(4,1) NOT NULL CHECK (dynamics_score BETWEEN 0 AND 25),
		objections_score NUMERIC(4,1) NOT NULL CHECK (objections_score BETWEEN 0 AND 25),
		brand_score NUMERIC(4,1) NOT NULL CHECK (brand_score BETWEEN 0 AND 25),
		outcome_score NUMERIC(4,1) NOT NULL CHECK (outcome_score BETWEEN 0 AND 25),
		total_score NUMERIC(4,1) NOT NULL CHECK (total_score BETWEEN 0 AND 100),
		status TEXT NOT NULL,
		assistant_id TEXT,
		lexicon_version TEXT NOT NULL,
		lexicon_signal DOUBLE PRECISION,
		model TEXT,
		coaching_tips JSONB,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		analyzed_at TIMESTAMPTZ NOT NULL
	);
	ALTER TABLE qci_analyses ADD COLUMN IF NOT EXISTS tokens_used INTEGER NOT NULL DEFAULT 0;
	CREATE INDEX IF NOT EXISTS idx_qci_assistant ON qci_analyses(assistant_id);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		fetched INTEGER NOT NULL DEFAULT 0,
		selected INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		metadata JSONB
	);

	CREATE TABLE IF NOT EXISTS sync_run_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES sync_runs(id),
		sequence INTEGER NOT NULL,
		logged_at TIMESTAMPTZ NOT NULL,
		step TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB,
		UNIQUE (run_id, sequence)
	);
	`
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Postgres schema initialized")
	return nil
}

// UpsertCall writes a call row for seeding and collector use.
func (c *Client) UpsertCall(ctx context.Context, call models.Call) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO calls (id, transcript, assistant_id, started_at, ended_at, cost)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			transcript = EXCLUDED.transcript,
			assistant_id = EXCLUDED.assistant_id,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			cost = EXCLUDED.cost`,
		call.ID, call.Transcript, nullString(call.AssistantID), nullTime(call.StartedAt), nullTime(call.EndedAt), call.Cost)
	if err != nil {
		return fmt.Errorf("failed to upsert call: %w", err)
	}
	return nil
}

func (c *Client) ListCalls(ctx context.Context, filter models.CallFilter) ([]models.Call, error) {
	query := `SELECT id, transcript, assistant_id, started_at, ended_at, cost FROM calls`
	var args []any
	if filter.MinTranscriptLength > 0 {
		args = append(args, filter.MinTranscriptLength)
		query += fmt.Sprintf(` WHERE transcript IS NOT NULL AND length(transcript) > $%d`, len(args))
	}
	query += ` ORDER BY started_at NULLS FIRST, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}
	return calls, nil
}

func (c *Client) GetCall(ctx context.Context, id string) (*models.Call, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT id, transcript, assistant_id, started_at, ended_at, cost FROM calls WHERE id = $1`, id)
	call, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", id, storage.ErrNotFound)
	}
	return call, err
}

func scanCall(row pgx.Row) (*models.Call, error) {
	var (
		call        models.Call
		assistantID *string
		startedAt   *time.Time
		endedAt     *time.Time
		cost        *float64
	)
	if err := row.Scan(&call.ID, &call.Transcript, &assistantID, &startedAt, &endedAt, &cost); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	if assistantID != nil {
		call.AssistantID = *assistantID
	}
	if startedAt != nil {
		call.StartedAt = startedAt.UTC()
	}
	if endedAt != nil {
		call.EndedAt = endedAt.UTC()
	}
	if cost != nil {
		call.Cost = *cost
	}
	return &call, nil
}

// InsertBatch writes the batch in one transaction, split into statements of
// at most maxRowsPerStatement rows; calls that already have an analysis
// keep it and are counted as skipped.
func (c *Client) InsertBatch(ctx context.Context, records []models.AnalysisRecord) (models.BatchResult, error) {
	if len(records) == 0 {
		return models.BatchResult{}, nil
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("failed to begin analysis batch: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, chunk := range storage.Chunks(records, maxRowsPerStatement) {
		query, args, err := insertAnalysesQuery(chunk)
		if err != nil {
			return models.BatchResult{}, err
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return models.BatchResult{}, fmt.Errorf("failed to insert analysis batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return models.BatchResult{}, fmt.Errorf("failed to commit analysis batch: %w", err)
	}
	return models.BatchResult{Inserted: inserted, Skipped: len(records) - inserted}, nil
}

func insertAnalysesQuery(records []models.AnalysisRecord) (string, []any, error) {
	const cols = 14
	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*cols)
	for i, r := range records {
		tips, err := json.Marshal(r.CoachingTips)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal coaching tips: %w", err)
		}
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", i*cols+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.CallID, r.Scores.Dynamics, r.Scores.Objections, r.Scores.Brand, r.Scores.Outcome,
			r.TotalScore, string(r.Status), nullString(r.AssistantID), r.LexiconVersion,
			r.LexiconSignal, r.Model, tips, r.TokensUsed, r.AnalyzedAt.UTC(),
		)
	}

	query := `
		INSERT INTO qci_analyses (call_id, dynamics_score, objections_score, brand_score, outcome_score,
			total_score, status, assistant_id, lexicon_version, lexicon_signal, model, coaching_tips, tokens_used,
			analyzed_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (call_id) DO NOTHING`
	return query, args, nil
}

func (c *Client) SelectAnalyses(ctx context.Context, filter models.AnalysisFilter) ([]models.AnalysisRecord, error) {
	where, args := analysisWhere(filter)
	rows, err := c.pool.Query(ctx, `
		SELECT call_id, dynamics_score::float8, objections_score::float8, brand_score::float8, outcome_score::float8,
			total_score::float8, status, COALESCE(assistant_id, ''), lexicon_version, COALESCE(lexicon_signal, 0),
			COALESCE(model, ''), coaching_tips, tokens_used, analyzed_at
		FROM qci_analyses`+where+` ORDER BY analyzed_at, call_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select analyses: %w", err)
	}
	defer rows.Close()

	var records []models.AnalysisRecord
	for rows.Next() {
		var (
			r      models.AnalysisRecord
			status string
			tips   []byte
		)
		err := rows.Scan(&r.CallID, &r.Scores.Dynamics, &r.Scores.Objections, &r.Scores.Brand, &r.Scores.Outcome,
			&r.TotalScore, &status, &r.AssistantID, &r.LexiconVersion, &r.LexiconSignal, &r.Model, &tips, &r.TokensUsed, &r.AnalyzedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		r.Status = models.AnalysisStatus(status)
		if len(tips) > 0 {
			if err := json.Unmarshal(tips, &r.CoachingTips); err != nil {
				logger.Debug("Ignoring unreadable coaching tips", zap.String("call_id", r.CallID), zap.Error(err))
			}
		}
		r.AnalyzedAt = r.AnalyzedAt.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

func (c *Client) AnalyzedCallIDs(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT call_id FROM qci_analyses`)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzed call ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect call ids: %w", err)
	}
	return ids, nil
}

func (c *Client) CountAnalyses(ctx context.Context, filter models.AnalysisFilter) (int, error) {
	where, args := analysisWhere(filter)
	var n int
	if err := c.pool.QueryRow(ctx, `SELECT COUNT(*) FROM qci_analyses`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count analyses: %w", err)
	}
	return n, nil
}

func analysisWhere(filter models.AnalysisFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.CallIDs) > 0 {
		args = append(args, filter.CallIDs)
		clauses = append(clauses, fmt.Sprintf("call_id = ANY($%d)", len(args)))
	}
	if filter.AssistantID != "" {
		args = append(args, filter.AssistantID)
		clauses = append(clauses, fmt.Sprintf("assistant_id = $%d", len(args)))
	}
	if filter.MinTotal != nil {
		args = append(args, *filter.MinTotal)
		clauses = append(clauses, fmt.Sprintf("total_score >= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (c *Client) CreateRun(ctx context.Context, run *models.RunRecord) error {
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	_, err = c.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, job_name, status, started_at, metadata) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.JobName, string(run.Status), run.StartedAt.UTC(), meta)
	if err != nil {
		return classify(fmt.Sprintf("create run %s", run.ID), err)
	}
	return nil
}

func (c *Client) UpdateRun(ctx context.Context, id string, u models.RunUpdate) error {
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	tag, err := c.pool.Exec(ctx, `
		UPDATE sync_runs SET status = $1, finished_at = $2, fetched = $3, selected = $4, inserted = $5,
			updated = $6, skipped = $7, failed = $8, error = $9, metadata = $10
		WHERE id = $11 AND status = $12`,
		string(u.Status), u.FinishedAt.UTC(), u.Counts.Fetched, u.Counts.Selected, u.Counts.Inserted,
		u.Counts.Updated, u.Counts.Skipped, u.Counts.Failed, nullString(u.Error), meta,
		id, string(models.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is not running: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (c *Client) AppendLog(ctx context.Context, e models.LogEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal log metadata: %w", err)
	}

	_, err = c.pool.Exec(ctx, `
		INSERT INTO sync_run_logs (run_id, sequence, logged_at, step, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RunID, e.Sequence, e.Timestamp.UTC(), e.Step, string(e.Level), e.Message, meta)
	if err != nil {
		return classify(fmt.Sprintf("append log %s/%d", e.RunID, e.Sequence), err)
	}
	return nil
}

const runColumns = `id, job_name, status, started_at, finished_at, fetched, selected, inserted, updated, skipped, failed,
	COALESCE(error, ''), metadata`

func scanRun(row pgx.Row) (*models.RunRecord, error) {
	var (
		r      models.RunRecord
		status string
		meta   []byte
	)
	err := row.Scan(&r.ID, &r.JobName, &status, &r.StartedAt, &r.FinishedAt,
		&r.Counts.Fetched, &r.Counts.Selected, &r.Counts.Inserted, &r.Counts.Updated,
		&r.Counts.Skipped, &r.Counts.Failed, &r.Error, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			logger.Debug("Ignoring unreadable run metadata", zap.String("run_id", r.ID), zap.Error(err))
		}
	}
	return &r, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*models.RunRecord, error) {
	run, err := scanRun(c.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run, err
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.pool.Query(ctx, `SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (c *Client) ListLogs(ctx context.Context, runID string) ([]models.LogEntry, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT run_id, sequence, logged_at, step, level, message, metadata
		FROM sync_run_logs WHERE run_id = $1 ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			e     models.LogEntry
			level string
			meta  []byte
		)
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.Timestamp, &e.Step, &level, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		e.Level = models.LogLevel(level)
		e.Timestamp = e.Timestamp.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				logger.Debug("Ignoring unreadable log metadata",
					zap.String("run_id", e.RunID),
					zap.Int("sequence", e.Sequence),
					zap.Error(err),
				)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// classify maps unique violations to storage.ErrDuplicate.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.TrimSpace(pgErr.Code) == "23505" {
		return fmt.Errorf("%s: %w", op, storage.ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
