// Package worker drives periodic background jobs on a cron schedule.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hybrid-llm-gateway/internal/logx"
	"hybrid-llm-gateway/internal/models"
)

// Aggregator produces one stats snapshot per call.
type Aggregator interface {
	Aggregate(ctx context.Context) (models.StatsSnapshot, error)
}

// StatsWorker runs the stats aggregator on a fixed cadence.
// A cycle that is still running when the next tick fires is skipped.
type StatsWorker struct {
	agg      Aggregator
	log      logx.Logger
	onUpdate func(models.StatsSnapshot) // callback for broadcasting snapshots
	timeout  time.Duration

	c *cron.Cron

	mu      sync.Mutex
	started bool
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a stats worker for a cron spec such as "@every 5s".
func New(agg Aggregator, spec string, log logx.Logger, onUpdate func(models.StatsSnapshot)) (*StatsWorker, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("stats schedule %q: %w", spec, err)
	}
	log = log.With(logx.String("comp", "stats"))
	w := &StatsWorker{
		agg:      agg,
		log:      log,
		onUpdate: onUpdate,
		timeout:  10 * time.Second,
	}
	w.c = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
	)
	w.c.Schedule(sched, cron.FuncJob(func() { w.RunOnce(context.Background()) }))
	return w, nil
}

// Start begins the schedule. It stops on its own when ctx is done.
func (w *StatsWorker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.c.Start()
	w.log.Info("stats.worker.start")
	go func() {
		<-ctx.Done()
		w.Stop()
	}()
}

// Stop halts the schedule and waits for a running cycle to finish.
func (w *StatsWorker) Stop() {
	<-w.c.Stop().Done()
}

// RunOnce performs a single aggregation cycle.
func (w *StatsWorker) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	snap, err := w.agg.Aggregate(ctx)
	if err != nil {
		w.log.Error("stats.aggregate_failed", logx.Err(err))
		return
	}
	w.log.Debug("stats.snapshot",
		logx.Int("active_realtime", snap.ActiveRealtimeRequests),
		logx.Int("active_task", snap.ActiveTaskRequests),
		logx.Int("queue", snap.QueueLength),
		logx.Int("task_cap", snap.TaskCap),
		logx.Float64("avg_latency_ms", snap.AvgLatencyMs),
		logx.Float64("throughput", snap.Throughput))

	if w.onUpdate != nil {
		w.onUpdate(snap)
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron."+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron."+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
