// Package scheduler arbitrates shared generation capacity between realtime
// requests, which run immediately, and task requests, which wait in a FIFO
// queue for a slot under a dynamically adjusted cap.
//
// All mutable state (counters, cap, queue, dispatch flag) is owned by a single
// goroutine. Other goroutines send it closures over a channel, so no field is
// ever touched concurrently and network calls never run under that owner.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hybrid-llm-gateway/internal/logx"
	"hybrid-llm-gateway/internal/models"
)

// Executor runs one generation call. It must be safe for concurrent use.
type Executor interface {
	Generate(ctx context.Context, target models.ModelConfig, prompt string, params map[string]any) (string, error)
}

// Store persists job status and stats. It must be safe for concurrent use.
type Store interface {
	UpdateStatus(ctx context.Context, u models.StatusUpdate) error
	QueryCompletedSince(ctx context.Context, since time.Time) ([]models.Job, error)
	WriteSnapshot(ctx context.Context, s models.StatsSnapshot) error
}

type Config struct {
	MaxConcurrent    int
	TaskCap          int
	LatencyThreshold time.Duration

	// ExecTimeout bounds each generation call.
	ExecTimeout time.Duration
	// DispatchBackoff is how long the dispatch loop waits when the task cap is reached.
	DispatchBackoff time.Duration
	// LaunchDelay spaces out consecutive task launches.
	LaunchDelay time.Duration
	// StatsWindow is the trailing window the aggregator samples.
	StatsWindow time.Duration
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxConcurrent <= 1 {
		return c, fmt.Errorf("scheduler: max concurrent must be > 1, got %d", c.MaxConcurrent)
	}
	if c.TaskCap == 0 {
		c.TaskCap = c.MaxConcurrent - 2
	}
	c.TaskCap = clampCap(c.TaskCap, c.MaxConcurrent)
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = 5 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 30 * time.Second
	}
	if c.DispatchBackoff <= 0 {
		c.DispatchBackoff = 100 * time.Millisecond
	}
	if c.LaunchDelay <= 0 {
		c.LaunchDelay = 50 * time.Millisecond
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = 5 * time.Minute
	}
	return c, nil
}

// State is a copy of the scheduler's counters at one instant.
type State struct {
	ActiveRealtime  int  `json:"active_realtime"`
	ActiveTask      int  `json:"active_task"`
	TaskCap         int  `json:"task_cap"`
	MaxConcurrent   int  `json:"max_concurrent"`
	QueueLength     int  `json:"queue_length"`
	DispatchRunning bool `json:"dispatch_running"`
}

// state is owned by the run goroutine.
type state struct {
	activeRealtime  int
	activeTask      int
	taskCap         int
	queue           []*models.Job
	dispatchRunning bool
}

type Scheduler struct {
	cfg   Config
	exec  Executor
	store Store
	log   logx.Logger

	st  state
	ops chan func(*state)

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}

	// execCtx is cancelled on Stop so queued-task executions abort.
	execCtx    context.Context
	execCancel context.CancelFunc

	// wg tracks the dispatch loop and task executions.
	wg sync.WaitGroup

	// loops counts live dispatch loop goroutines; it must never exceed 1.
	loops atomic.Int32

	started atomic.Bool
}

// New builds a scheduler. Call Start before submitting work.
func New(cfg Config, exec Executor, store Store, log logx.Logger) (*Scheduler, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if exec == nil || store == nil {
		return nil, errors.New("scheduler: executor and store are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		exec:       exec,
		store:      store,
		log:        log.With(logx.String("comp", "scheduler")),
		st:         state{taskCap: cfg.TaskCap},
		ops:        make(chan func(*state)),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		execCtx:    ctx,
		execCancel: cancel,
	}, nil
}

// Start launches the state owner. It stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run(ctx)
		s.log.Info("scheduler.start",
			logx.Int("max_concurrent", s.cfg.MaxConcurrent),
			logx.Int("task_cap", s.cfg.TaskCap),
			logx.Duration("latency_threshold", s.cfg.LatencyThreshold))
	})
}

// Stop halts dispatching, cancels running task executions and waits for them to finish.
// Jobs still queued stay pending in the record store.
func (s *Scheduler) Stop() {
	s.closeStop()
	s.execCancel()
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
	s.wg.Wait()
}

func (s *Scheduler) closeStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.closeStop()
			s.execCancel()
			return
		case <-s.stopCh:
			return
		case op := <-s.ops:
			op(&s.st)
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
// Before Start there is no owner, so it fails fast instead of blocking.
func (s *Scheduler) do(fn func(st *state)) error {
	if !s.started.Load() {
		select {
		case <-s.stopCh:
			return ErrStopped
		default:
			return ErrNotStarted
		}
	}
	finished := make(chan struct{})
	op := func(st *state) {
		defer close(finished)
		fn(st)
	}
	select {
	case s.ops <- op:
	case <-s.stopCh:
		return ErrStopped
	}
	<-finished
	return nil
}

// State returns a copy of the current counters. Before Start or after Stop it returns the zero State.
func (s *Scheduler) State() State {
	var out State
	_ = s.do(func(st *state) {
		out = State{
			ActiveRealtime:  st.activeRealtime,
			ActiveTask:      st.activeTask,
			TaskCap:         st.taskCap,
			MaxConcurrent:   s.cfg.MaxConcurrent,
			QueueLength:     len(st.queue),
			DispatchRunning: st.dispatchRunning,
		}
	})
	return out
}

// ExecuteRealtime runs job immediately and blocks until it completes or fails.
// Admission shrinks the task cap before any work starts; completion relaxes it
// again, whatever the outcome.
func (s *Scheduler) ExecuteRealtime(ctx context.Context, job *models.Job) (string, error) {
	err := s.do(func(st *state) {
		st.activeRealtime++
		prev := st.taskCap
		st.taskCap = shedCap(st.activeRealtime, s.cfg.MaxConcurrent, st.taskCap)
		s.log.Info("scheduler.realtime.admit",
			logx.String("job_id", job.ID),
			logx.Int("active_realtime", st.activeRealtime),
			logx.Int("task_cap_from", prev),
			logx.Int("task_cap", st.taskCap))
	})
	if err != nil {
		return "", err
	}
	defer func() {
		_ = s.do(func(st *state) {
			st.activeRealtime = s.decrement(st.activeRealtime, "active_realtime")
			st.taskCap = recoverCap(st.activeRealtime, s.cfg.MaxConcurrent, st.taskCap)
		})
	}()

	return s.execute(ctx, job)
}

// SubmitTask appends job to the pending queue and starts the dispatch loop if it is idle.
// It does not wait for the job to run.
func (s *Scheduler) SubmitTask(job *models.Job) error {
	return s.do(func(st *state) {
		st.queue = append(st.queue, job)
		if st.dispatchRunning {
			return
		}
		st.dispatchRunning = true
		s.wg.Add(1)
		go s.dispatchLoop()
	})
}

type dispatchResult int

const (
	dispatchIdle dispatchResult = iota
	dispatchAtCap
	dispatchLaunch
)

// next is one dispatch decision, taken atomically on the owner goroutine.
// A launched job's slot is reserved here so the cap check and the increment
// cannot be separated by another launch.
func (s *Scheduler) next(st *state) (dispatchResult, *models.Job) {
	if len(st.queue) == 0 {
		st.dispatchRunning = false
		return dispatchIdle, nil
	}
	if st.activeTask >= st.taskCap {
		return dispatchAtCap, nil
	}
	job := st.queue[0]
	st.queue[0] = nil
	st.queue = st.queue[1:]
	st.activeTask++
	return dispatchLaunch, job
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	if n := s.loops.Add(1); n > 1 {
		s.log.Error("scheduler.invariant", logx.String("what", "duplicate dispatch loop"), logx.Int("loops", int(n)))
	}
	defer s.loops.Add(-1)

	for {
		var (
			res dispatchResult
			job *models.Job
		)
		if err := s.do(func(st *state) { res, job = s.next(st) }); err != nil {
			return
		}

		switch res {
		case dispatchIdle:
			s.log.Debug("scheduler.dispatch.idle")
			return
		case dispatchAtCap:
			if !s.sleep(s.cfg.DispatchBackoff) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.runTask(job)

		if !s.sleep(s.cfg.LaunchDelay) {
			return
		}
	}
}

// runTask executes one dequeued task job. Its slot was reserved by next.
func (s *Scheduler) runTask(job *models.Job) {
	defer s.wg.Done()
	defer func() {
		_ = s.do(func(st *state) {
			st.activeTask = s.decrement(st.activeTask, "active_task")
		})
	}()

	// Failures are recorded on the job; a task never takes anything else down.
	_, _ = s.execute(s.execCtx, job)
}

// execute marks job processing, calls the executor under ExecTimeout and records the outcome.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) (string, error) {
	// Status writes outlive caller cancellation so the record always reaches a final state.
	storeCtx := context.WithoutCancel(ctx)
	log := s.log.With(logx.String("job_id", job.ID), logx.String("type", string(job.Type)))

	job.Status = models.StatusProcessing
	if err := s.store.UpdateStatus(storeCtx, models.StatusUpdate{JobID: job.ID, Status: models.StatusProcessing}); err != nil {
		log.Warn("scheduler.status.write_failed", logx.String("status", models.StatusProcessing), logx.Err(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout)
	start := time.Now()
	out, err := s.generate(callCtx, job)
	latency := time.Since(start)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	latencyMs := float64(latency.Microseconds()) / 1000
	completedAt := time.Now().UTC()
	job.LatencyMs = &latencyMs
	job.CompletedAt = &completedAt

	update := models.StatusUpdate{JobID: job.ID, LatencyMs: &latencyMs, CompletedAt: &completedAt}
	if err == nil {
		job.Status, job.Response = models.StatusCompleted, out
		update.Status, update.Response = models.StatusCompleted, out
		log.Info("scheduler.job.completed", logx.Float64("latency_ms", latencyMs))
	} else {
		job.Status, job.Error = models.StatusFailed, err.Error()
		update.Status, update.Error = models.StatusFailed, err.Error()
		log.Error("scheduler.job.failed", logx.Float64("latency_ms", latencyMs), logx.Bool("timeout", timedOut), logx.Err(err))
	}
	if werr := s.store.UpdateStatus(storeCtx, update); werr != nil {
		log.Warn("scheduler.status.write_failed", logx.String("status", update.Status), logx.Err(werr))
	}

	if err != nil {
		kind := ErrExecutionFailure
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			kind = ErrExecutionTimeout
		}
		return "", &ExecutionError{JobID: job.ID, Kind: kind, Latency: latency, Err: err}
	}
	return out, nil
}

// generate calls the executor, turning a panic into an ordinary error.
func (s *Scheduler) generate(ctx context.Context, job *models.Job) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.exec.Generate(ctx, job.Model, job.Prompt, job.Params)
}

// decrement lowers a counter, clamping at zero. Going negative is a bug; it is logged, never surfaced.
func (s *Scheduler) decrement(v int, name string) int {
	if v <= 0 {
		s.log.Error("scheduler.invariant", logx.String("what", "counter underflow"), logx.String("counter", name), logx.Int("value", v))
		return 0
	}
	return v - 1
}

// sleep waits d, returning false if the scheduler stops first.
func (s *Scheduler) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	}
}
