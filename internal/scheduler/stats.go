package scheduler

import (
	"context"
	"fmt"
	"time"

	"hybrid-llm-gateway/internal/logx"
	"hybrid-llm-gateway/internal/models"
)

// Aggregate samples jobs completed within the stats window, writes a snapshot
// and feeds the average latency back into the task cap. It is meant to be
// driven on a fixed cadence by an external timer.
//
// The feedback step runs even if writing the snapshot fails.
func (s *Scheduler) Aggregate(ctx context.Context) (models.StatsSnapshot, error) {
	now := time.Now().UTC()
	window := s.cfg.StatsWindow

	jobs, err := s.store.QueryCompletedSince(ctx, now.Add(-window))
	if err != nil {
		return models.StatsSnapshot{}, fmt.Errorf("aggregate: %w", err)
	}
	avg, throughput := summarize(jobs, window)

	snap := models.StatsSnapshot{Timestamp: now, AvgLatencyMs: avg, Throughput: throughput}
	if err := s.do(func(st *state) {
		snap.ActiveRealtimeRequests = st.activeRealtime
		snap.ActiveTaskRequests = st.activeTask
		snap.QueueLength = len(st.queue)
		snap.TaskCap = st.taskCap
	}); err != nil {
		return models.StatsSnapshot{}, err
	}

	werr := s.store.WriteSnapshot(ctx, snap)
	if werr != nil {
		werr = fmt.Errorf("aggregate: %w", werr)
	}

	thresholdMs := float64(s.cfg.LatencyThreshold.Microseconds()) / 1000
	if err := s.do(func(st *state) {
		prev := st.taskCap
		st.taskCap = feedbackCap(avg, thresholdMs, st.activeRealtime, s.cfg.MaxConcurrent, st.taskCap)
		switch {
		case st.taskCap < prev:
			s.log.Info("scheduler.feedback.high_latency",
				logx.Float64("avg_latency_ms", avg), logx.Int("task_cap_from", prev), logx.Int("task_cap", st.taskCap))
		case st.taskCap > prev:
			s.log.Info("scheduler.feedback.idle",
				logx.Int("task_cap_from", prev), logx.Int("task_cap", st.taskCap))
		}
	}); err != nil {
		return snap, err
	}
	return snap, werr
}

// summarize returns the mean latency in ms (0 when empty) and completions per second.
func summarize(jobs []models.Job, window time.Duration) (avgMs, perSecond float64) {
	if len(jobs) == 0 || window <= 0 {
		return 0, 0
	}
	var total float64
	for _, j := range jobs {
		if j.LatencyMs != nil {
			total += *j.LatencyMs
		}
	}
	return total / float64(len(jobs)), float64(len(jobs)) / window.Seconds()
}
