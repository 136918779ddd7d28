package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"hybrid-llm-gateway/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func insertJob(t *testing.T, db *DB, id string, typ models.RequestType, created time.Time) {
	t.Helper()
	job := &models.Job{
		ID:            id,
		Type:          typ,
		ModelConfigID: 1,
		Prompt:        "hello",
		Params:        map[string]any{"max_tokens": 16},
		Status:        models.StatusPending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
	if err := db.InsertJob(context.Background(), job); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestModelConfigCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mc := &models.ModelConfig{Provider: models.ProviderOpenAI, ModelName: "gpt-4o", APIKey: "k", MaxTokens: 512, Temperature: 0.2, IsActive: true}
	if err := db.InsertModelConfig(ctx, mc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if mc.ID == 0 {
		t.Fatalf("expected id to be set")
	}

	got, err := db.GetModelConfig(ctx, mc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ModelName != "gpt-4o" || got.APIKey != "k" || !got.IsActive || got.BaseURL != "" {
		t.Fatalf("unexpected config: %+v", got)
	}

	got.IsActive = false
	got.BaseURL = "http://local"
	if err := db.UpdateModelConfig(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	active, err := db.ListModelConfigs(ctx, true, 10, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active configs, got %d", len(active))
	}
	all, err := db.ListModelConfigs(ctx, false, 10, 0)
	if err != nil || len(all) != 1 || all[0].BaseURL != "http://local" {
		t.Fatalf("list all: %v %+v", err, all)
	}

	if err := db.DeleteModelConfig(ctx, mc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetModelConfig(ctx, mc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.DeleteModelConfig(ctx, mc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestJobStatusLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	insertJob(t, db, "r1", models.Realtime, now)

	if err := db.UpdateStatus(ctx, models.StatusUpdate{JobID: "r1", Status: models.StatusProcessing}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	lat := 42.5
	done := now.Add(time.Second)
	if err := db.UpdateStatus(ctx, models.StatusUpdate{JobID: "r1", Status: models.StatusCompleted, Response: "hi", LatencyMs: &lat, CompletedAt: &done}); err != nil {
		t.Fatalf("completed: %v", err)
	}

	job, err := db.GetJobByID(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != models.StatusCompleted || job.Response != "hi" || job.LatencyMs == nil || *job.LatencyMs != 42.5 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.CompletedAt == nil || job.CompletedAt.UnixMilli() != done.UnixMilli() {
		t.Fatalf("completed_at = %v", job.CompletedAt)
	}
	if job.Params["max_tokens"] != float64(16) {
		t.Fatalf("params round trip: %v", job.Params)
	}

	if err := db.UpdateStatus(ctx, models.StatusUpdate{JobID: "missing", Status: models.StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.GetJobByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryCompletedSinceAndTotals(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertJob(t, db, "old", models.Task, now.Add(-time.Hour))
	insertJob(t, db, "new", models.Task, now)
	insertJob(t, db, "rt", models.Realtime, now)
	insertJob(t, db, "bad", models.Realtime, now)

	lat := 100.0
	oldDone := now.Add(-10 * time.Minute)
	newDone := now
	_ = db.UpdateStatus(ctx, models.StatusUpdate{JobID: "old", Status: models.StatusCompleted, LatencyMs: &lat, CompletedAt: &oldDone})
	_ = db.UpdateStatus(ctx, models.StatusUpdate{JobID: "new", Status: models.StatusCompleted, LatencyMs: &lat, CompletedAt: &newDone})
	_ = db.UpdateStatus(ctx, models.StatusUpdate{JobID: "rt", Status: models.StatusCompleted, LatencyMs: &lat, CompletedAt: &newDone})
	_ = db.UpdateStatus(ctx, models.StatusUpdate{JobID: "bad", Status: models.StatusFailed, Error: "boom", LatencyMs: &lat, CompletedAt: &newDone})

	recent, err := db.QueryCompletedSince(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent completed, got %d", len(recent))
	}

	totals, err := db.GetTotals(ctx)
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	want := models.RequestTotals{TotalRealtime: 2, TotalTask: 2, TotalCompleted: 3, TotalFailed: 1, TotalAll: 4}
	if *totals != want {
		t.Fatalf("totals = %+v, want %+v", *totals, want)
	}

	jobs, err := db.ListJobs(ctx, 2, 0)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("list: %v %d", err, len(jobs))
	}
	if jobs[0].ID == "old" || jobs[1].ID == "old" {
		t.Fatalf("oldest job should not be on the first page: %+v", jobs)
	}
}

func TestSnapshots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.LatestSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	t0 := time.Now().UTC()
	_ = db.WriteSnapshot(ctx, models.StatsSnapshot{Timestamp: t0, QueueLength: 1})
	_ = db.WriteSnapshot(ctx, models.StatsSnapshot{Timestamp: t0.Add(time.Second), QueueLength: 7, TaskCap: 3, AvgLatencyMs: 12.5})

	s, err := db.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if s.QueueLength != 7 || s.TaskCap != 3 || s.AvgLatencyMs != 12.5 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestInitSchemaPragmas(t *testing.T) {
	db := openTestDB(t)
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}

	closed, err := New(filepath.Join(t.TempDir(), "closed.db"))
	if err != nil {
		t.Fatal(err)
	}
	_ = closed.Close()
	if err := closed.InitSchema(); err == nil {
		t.Fatalf("expected InitSchema to report a pragma failure")
	}
}
