package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hybrid-llm-gateway/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps the SQL database with helper methods.
// Timestamps are stored as unix milliseconds so range queries compare numerically.
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dataSourceName string) (*DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the scheduler writes from many goroutines.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// InitSchema initializes the database schema
func (db *DB) InitSchema() error {
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS model_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model_name TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		base_url TEXT,
		max_tokens INTEGER NOT NULL DEFAULT 4096,
		temperature REAL NOT NULL DEFAULT 0.7,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		model_config_id INTEGER NOT NULL,
		request_type TEXT NOT NULL,
		prompt TEXT NOT NULL,
		params TEXT,
		status TEXT NOT NULL,
		response TEXT,
		error TEXT,
		latency_ms REAL,
		client_ip TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
	CREATE INDEX IF NOT EXISTS idx_requests_completed ON requests(completed_at) WHERE completed_at IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);

	CREATE TABLE IF NOT EXISTS system_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		active_realtime_requests INTEGER NOT NULL DEFAULT 0,
		active_task_requests INTEGER NOT NULL DEFAULT 0,
		queue_length INTEGER NOT NULL DEFAULT 0,
		task_cap INTEGER NOT NULL DEFAULT 0,
		avg_latency REAL NOT NULL DEFAULT 0,
		throughput REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_stats_timestamp ON system_stats(timestamp);
	`

	_, err := db.Exec(schema)
	return err
}

// ---- model configs ----

const modelColumns = `id, provider, model_name, api_key, base_url, max_tokens, temperature, is_active, created_at, updated_at`

// InsertModelConfig stores mc and sets its ID.
func (db *DB) InsertModelConfig(ctx context.Context, mc *models.ModelConfig) error {
	now := time.Now().UTC()
	mc.CreatedAt, mc.UpdatedAt = now, now
	res, err := db.ExecContext(ctx, `
		INSERT INTO model_configs (provider, model_name, api_key, base_url, max_tokens, temperature, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mc.Provider, mc.ModelName, mc.APIKey, nullString(mc.BaseURL), mc.MaxTokens, mc.Temperature,
		mc.IsActive, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert model config: %w", err)
	}
	mc.ID, err = res.LastInsertId()
	return err
}

// GetModelConfig retrieves a model config by its ID
func (db *DB) GetModelConfig(ctx context.Context, id int64) (*models.ModelConfig, error) {
	row := db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM model_configs WHERE id = ?`, id)
	mc, err := scanModelConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model config %d: %w", id, err)
	}
	return mc, nil
}

// ListModelConfigs returns model configs ordered by ID.
func (db *DB) ListModelConfigs(ctx context.Context, activeOnly bool, limit, offset int) ([]models.ModelConfig, error) {
	query := `SELECT ` + modelColumns + ` FROM model_configs`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`

	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	out := []models.ModelConfig{}
	for rows.Next() {
		mc, err := scanModelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model config: %w", err)
		}
		out = append(out, *mc)
	}
	return out, rows.Err()
}

// UpdateModelConfig overwrites every mutable column of mc.
func (db *DB) UpdateModelConfig(ctx context.Context, mc *models.ModelConfig) error {
	mc.UpdatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, `
		UPDATE model_configs
		SET provider = ?, model_name = ?, api_key = ?, base_url = ?, max_tokens = ?, temperature = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, mc.Provider, mc.ModelName, mc.APIKey, nullString(mc.BaseURL), mc.MaxTokens, mc.Temperature,
		mc.IsActive, mc.UpdatedAt.UnixMilli(), mc.ID)
	if err != nil {
		return fmt.Errorf("update model config %d: %w", mc.ID, err)
	}
	return requireRow(res)
}

// DeleteModelConfig removes a model config.
func (db *DB) DeleteModelConfig(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM model_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete model config %d: %w", id, err)
	}
	return requireRow(res)
}

// ---- requests ----

const jobColumns = `id, model_config_id, request_type, prompt, params, status, response, error, latency_ms, client_ip, created_at, updated_at, completed_at`

// InsertJob inserts a new request record.
func (db *DB) InsertJob(ctx context.Context, job *models.Job) error {
	params, err := encodeParams(job.Params)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO requests (id, model_config_id, request_type, prompt, params, status, client_ip, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.ModelConfigID, string(job.Type), job.Prompt, params, job.Status,
		nullString(job.ClientIP), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert request %s: %w", job.ID, err)
	}
	return nil
}

// GetJobByID retrieves a request by its ID
func (db *DB) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM requests WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns requests newest first.
func (db *DB) ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM requests ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// UpdateStatus records a status transition for a request.
func (db *DB) UpdateStatus(ctx context.Context, u models.StatusUpdate) error {
	var completed sql.NullInt64
	if u.CompletedAt != nil {
		completed = sql.NullInt64{Int64: u.CompletedAt.UnixMilli(), Valid: true}
	}
	var latency sql.NullFloat64
	if u.LatencyMs != nil {
		latency = sql.NullFloat64{Float64: *u.LatencyMs, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, response = COALESCE(?, response), error = COALESCE(?, error),
		    latency_ms = COALESCE(?, latency_ms), completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ?
	`, u.Status, nullString(u.Response), nullString(u.Error), latency, completed,
		time.Now().UTC().UnixMilli(), u.JobID)
	if err != nil {
		return fmt.Errorf("update request %s: %w", u.JobID, err)
	}
	return requireRow(res)
}

// QueryCompletedSince returns completed requests whose completion time is >= since.
func (db *DB) QueryCompletedSince(ctx context.Context, since time.Time) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM requests
		WHERE status = ? AND completed_at >= ?
		ORDER BY completed_at ASC
	`, models.StatusCompleted, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query completed requests: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// GetTotals counts requests by class and outcome.
func (db *DB) GetTotals(ctx context.Context) (*models.RequestTotals, error) {
	var t models.RequestTotals
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN request_type = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN request_type = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM requests
	`, string(models.Realtime), string(models.Task), models.StatusCompleted, models.StatusFailed).
		Scan(&t.TotalRealtime, &t.TotalTask, &t.TotalCompleted, &t.TotalFailed)
	if err != nil {
		return nil, fmt.Errorf("request totals: %w", err)
	}
	t.TotalAll = t.TotalRealtime + t.TotalTask
	return &t, nil
}

// ---- stats ----

// WriteSnapshot appends a stats snapshot row.
func (db *DB) WriteSnapshot(ctx context.Context, s models.StatsSnapshot) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO system_stats (timestamp, active_realtime_requests, active_task_requests, queue_length, task_cap, avg_latency, throughput)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.Timestamp.UnixMilli(), s.ActiveRealtimeRequests, s.ActiveTaskRequests, s.QueueLength,
		s.TaskCap, s.AvgLatencyMs, s.Throughput)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or ErrNotFound.
func (db *DB) LatestSnapshot(ctx context.Context) (*models.StatsSnapshot, error) {
	var s models.StatsSnapshot
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT timestamp, active_realtime_requests, active_task_requests, queue_length, task_cap, avg_latency, throughput
		FROM system_stats ORDER BY timestamp DESC, id DESC LIMIT 1
	`).Scan(&ts, &s.ActiveRealtimeRequests, &s.ActiveTaskRequests, &s.QueueLength, &s.TaskCap, &s.AvgLatencyMs, &s.Throughput)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	s.Timestamp = time.UnixMilli(ts).UTC()
	return &s, nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanModelConfig(s scanner) (*models.ModelConfig, error) {
	var mc models.ModelConfig
	var baseURL sql.NullString
	var created, updated int64
	if err := s.Scan(&mc.ID, &mc.Provider, &mc.ModelName, &mc.APIKey, &baseURL, &mc.MaxTokens,
		&mc.Temperature, &mc.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	if baseURL.Valid {
		mc.BaseURL = baseURL.String
	}
	mc.CreatedAt = time.UnixMilli(created).UTC()
	mc.UpdatedAt = time.UnixMilli(updated).UTC()
	return &mc, nil
}

func scanJob(s scanner) (*models.Job, error) {
	var job models.Job
	var reqType string
	var params, response, errMsg, clientIP sql.NullString
	var latency sql.NullFloat64
	var created, updated int64
	var completed sql.NullInt64

	if err := s.Scan(&job.ID, &job.ModelConfigID, &reqType, &job.Prompt, &params, &job.Status,
		&response, &errMsg, &latency, &clientIP, &created, &updated, &completed); err != nil {
		return nil, err
	}

	job.Type = models.RequestType(reqType)
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", job.ID, err)
		}
	}
	if response.Valid {
		job.Response = response.String
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if latency.Valid {
		v := latency.Float64
		job.LatencyMs = &v
	}
	if clientIP.Valid {
		job.ClientIP = clientIP.String
	}
	job.CreatedAt = time.UnixMilli(created).UTC()
	job.UpdatedAt = time.UnixMilli(updated).UTC()
	if completed.Valid {
		t := time.UnixMilli(completed.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func encodeParams(p map[string]any) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode params: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
