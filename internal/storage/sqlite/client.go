package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

type Client struct {
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

// maxRowsPerStatement keeps one analysis INSERT well under SQLite's bound
// parameter limit.
const maxRowsPerStatement = 500

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_busy_timeout=5000"
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

// addColumnIfMissing upgrades tables created before a column existed.
func (c *Client) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	logger.Info("Column added", zap.String("table", table), zap.String("column", column))
	return nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		transcript TEXT,
		assistant_id TEXT,
		started_at INTEGER,
		ended_at INTEGER,
		cost REAL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);

	CREATE TABLE IF NOT EXISTS qci_analyses (
		call_id TEXT PRIMARY KEY,
		dynamics_score REAL NOT NULL CHECK (dynamics_score BETWEEN 0 AND 25),
		objections_score REAL NOT NULL CHECK (objections_score BETWEEN 0 AND 25),
		brand_score REAL NOT NULL CHECK (brand_score BETWEEN 0 AND 25),
		outcome_score REAL NOT NULL CHECK (outcome_score BETWEEN 0 AND 25),
		total_score REAL NOT NULL CHECK (total_score BETWEEN 0 AND 100),
		status TEXT NOT NULL,
		assistant_id TEXT,
		lexicon_version TEXT NOT NULL,
		lexicon_signal REAL,
		model TEXT,
		coaching_tips TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		analyzed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_qci_assistant ON qci_analyses(assistant_id);
	CREATE INDEX IF NOT EXISTS idx_qci_total ON qci_analyses(total_score);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		fetched INTEGER NOT NULL DEFAULT 0,
		selected INTEGER NOT NULL DEFAULT 0,
		inserted INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON sync_runs(started_at);

	CREATE TABLE IF NOT EXISTS sync_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		logged_at INTEGER NOT NULL,
		step TEXT NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata TEXT,
		FOREIGN KEY (run_id) REFERENCES sync_runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_run_logs_run ON sync_run_logs(run_id, sequence);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := c.addColumnIfMissing(ctx, "qci_analyses", "tokens_used", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// UpsertCall writes a call row. The engine never calls it; it exists for the
// collector side and for seeding test databases.
func (c *Client) UpsertCall(ctx context.Context, call models.Call) error {
	query := `
		INSERT INTO calls (id, transcript, assistant_id, started_at, ended_at, cost)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			transcript = excluded.transcript,
			assistant_id = excluded.assistant_id,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			cost = excluded.cost
	`

	_, err := c.db.ExecContext(ctx, query,
		call.ID,
		call.Transcript,
		call.AssistantID,
		unixMilli(call.StartedAt),
		unixMilli(call.EndedAt),
		call.Cost,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert call: %w", err)
	}
	return nil
}

func (c *Client) ListCalls(ctx context.Context, filter models.CallFilter) ([]models.Call, error) {
	query := `SELECT id, transcript, assistant_id, started_at, ended_at, cost FROM calls`
	var args []any
	if filter.MinTranscriptLength > 0 {
		query += ` WHERE transcript IS NOT NULL AND length(transcript) > ?`
		args = append(args, filter.MinTranscriptLength)
	}
	query += ` ORDER BY started_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
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
	row := c.db.QueryRowContext(ctx,
		`SELECT id, transcript, assistant_id, started_at, ended_at, cost FROM calls WHERE id = ?`, id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", id, storage.ErrNotFound)
	}
	return call, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*models.Call, error) {
	var (
		call        models.Call
		transcript  sql.NullString
		assistantID sql.NullString
		startedAt   sql.NullInt64
		endedAt     sql.NullInt64
		cost        sql.NullFloat64
	)
	if err := s.Scan(&call.ID, &transcript, &assistantID, &startedAt, &endedAt, &cost); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan call: %w", err)
	}
	if transcript.Valid {
		t := transcript.String
		call.Transcript = &t
	}
	call.AssistantID = assistantID.String
	call.StartedAt = fromUnixMilli(startedAt.Int64)
	call.EndedAt = fromUnixMilli(endedAt.Int64)
	call.Cost = cost.Float64
	return &call, nil
}

// InsertBatch writes all records in one transaction, split into
// statements of at most maxRowsPerStatement rows. Rows whose call already
// has an analysis are left untouched and reported as skipped.
func (c *Client) InsertBatch(ctx context.Context, records []models.AnalysisRecord) (models.BatchResult, error) {
	if len(records) == 0 {
		return models.BatchResult{}, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BatchResult{}, fmt.Errorf("failed to begin analysis batch: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, chunk := range storage.Chunks(records, maxRowsPerStatement) {
		n, err := insertAnalyses(ctx, tx, chunk)
		if err != nil {
			return models.BatchResult{}, err
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return models.BatchResult{}, fmt.Errorf("failed to commit analysis batch: %w", err)
	}

	result := models.BatchResult{Inserted: inserted, Skipped: len(records) - inserted}
	logger.Debug("Analysis batch inserted",
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

func insertAnalyses(ctx context.Context, tx *sql.Tx, records []models.AnalysisRecord) (int, error) {
	const cols = 14
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	placeholders := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*cols)
	for _, r := range records {
		tips, err := json.Marshal(r.CoachingTips)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal coaching tips: %w", err)
		}
		placeholders = append(placeholders, row)
		args = append(args,
			r.CallID,
			r.Scores.Dynamics,
			r.Scores.Objections,
			r.Scores.Brand,
			r.Scores.Outcome,
			r.TotalScore,
			string(r.Status),
			nullString(r.AssistantID),
			r.LexiconVersion,
			r.LexiconSignal,
			r.Model,
			string(tips),
			r.TokensUsed,
			unixMilli(r.AnalyzedAt),
		)
	}

	query := `INSERT INTO qci_analyses (call_id, dynamics_score, objections_score, brand_score, outcome_score,
			total_score, status, assistant_id, lexicon_version, lexicon_signal, model, coaching_tips, tokens_used,
			analyzed_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT(call_id) DO NOTHING`

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert analysis batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

func (c *Client) SelectAnalyses(ctx context.Context, filter models.AnalysisFilter) ([]models.AnalysisRecord, error) {
	where, args := analysisWhere(filter)
	query := `SELECT call_id, dynamics_score, objections_score, brand_score, outcome_score, total_score, status,
			assistant_id, lexicon_version, lexicon_signal, model, coaching_tips, tokens_used, analyzed_at
		FROM qci_analyses` + where + ` ORDER BY analyzed_at, call_id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select analyses: %w", err)
	}
	defer rows.Close()

	var records []models.AnalysisRecord
	for rows.Next() {
		var (
			r           models.AnalysisRecord
			status      string
			assistantID sql.NullString
			signal      sql.NullFloat64
			model       sql.NullString
			tips        sql.NullString
			analyzedAt  int64
		)
		err := rows.Scan(&r.CallID, &r.Scores.Dynamics, &r.Scores.Objections, &r.Scores.Brand, &r.Scores.Outcome,
			&r.TotalScore, &status, &assistantID, &r.LexiconVersion, &signal, &model, &tips, &r.TokensUsed, &analyzedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		r.Status = models.AnalysisStatus(status)
		r.AssistantID = assistantID.String
		r.LexiconSignal = signal.Float64
		r.Model = model.String
		if tips.Valid && tips.String != "" {
			if err := json.Unmarshal([]byte(tips.String), &r.CoachingTips); err != nil {
				logger.Debug("Ignoring unreadable coaching tips", zap.String("call_id", r.CallID), zap.Error(err))
			}
		}
		r.AnalyzedAt = fromUnixMilli(analyzedAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate analyses: %w", err)
	}

	return records, nil
}

func (c *Client) AnalyzedCallIDs(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT call_id FROM qci_analyses`)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyzed call ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call ids: %w", err)
	}
	return ids, nil
}

func (c *Client) CountAnalyses(ctx context.Context, filter models.AnalysisFilter) (int, error) {
	where, args := analysisWhere(filter)
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM qci_analyses`+where, args...).Scan(&n); err != nil {
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
		clauses = append(clauses, "call_id IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(filter.CallIDs)), ", ")+")")
		for _, id := range filter.CallIDs {
			args = append(args, id)
		}
	}
	if filter.AssistantID != "" {
		clauses = append(clauses, "assistant_id = ?")
		args = append(args, filter.AssistantID)
	}
	if filter.MinTotal != nil {
		clauses = append(clauses, "total_score >= ?")
		args = append(args, *filter.MinTotal)
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

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, job_name, status, started_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.JobName, string(run.Status), unixMilli(run.StartedAt), string(meta))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	logger.Debug("Run created", zap.String("run_id", run.ID), zap.String("job", run.JobName))
	return nil
}

func (c *Client) UpdateRun(ctx context.Context, id string, u models.RunUpdate) error {
	meta, err := json.Marshal(u.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	res, err := c.db.ExecContext(ctx, `
		UPDATE sync_runs SET status = ?, finished_at = ?, fetched = ?, selected = ?, inserted = ?, updated = ?,
			skipped = ?, failed = ?, error = ?, metadata = ?
		WHERE id = ? AND status = ?`,
		string(u.Status), unixMilli(u.FinishedAt), u.Counts.Fetched, u.Counts.Selected, u.Counts.Inserted,
		u.Counts.Updated, u.Counts.Skipped, u.Counts.Failed, nullString(u.Error), string(meta),
		id, string(models.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s is not running: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (c *Client) AppendLog(ctx context.Context, e models.LogEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal log metadata: %w", err)
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT INTO sync_run_logs (run_id, sequence, logged_at, step, level, message, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Sequence, unixMilli(e.Timestamp), e.Step, string(e.Level), e.Message, string(meta))
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

const runColumns = `id, job_name, status, started_at, finished_at, fetched, selected, inserted, updated, skipped, failed, error, metadata`

func scanRun(s scanner) (*models.RunRecord, error) {
	var (
		r          models.RunRecord
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		errMsg     sql.NullString
		meta       sql.NullString
	)
	err := s.Scan(&r.ID, &r.JobName, &status, &startedAt, &finishedAt,
		&r.Counts.Fetched, &r.Counts.Selected, &r.Counts.Inserted, &r.Counts.Updated,
		&r.Counts.Skipped, &r.Counts.Failed, &errMsg, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = fromUnixMilli(startedAt)
	if finishedAt.Valid {
		t := fromUnixMilli(finishedAt.Int64)
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			logger.Debug("Ignoring unreadable run metadata", zap.String("run_id", r.ID), zap.Error(err))
		}
	}
	return &r, nil
}

func (c *Client) GetRun(ctx context.Context, id string) (*models.RunRecord, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run, err
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
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
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, sequence, logged_at, step, level, message, metadata
		FROM sync_run_logs WHERE run_id = ? ORDER BY sequence`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		var (
			e        models.LogEntry
			loggedAt int64
			level    string
			meta     sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Sequence, &loggedAt, &e.Step, &level, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		e.Timestamp = fromUnixMilli(loggedAt)
		e.Level = models.LogLevel(level)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
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

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
