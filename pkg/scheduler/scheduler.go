// Package scheduler drives Maple tasks to completion on live workers.
//
// A Scheduler pass visits every active task once:
//
//   - FINISHED tasks are folded into their job's finished count and retired.
//   - STARTED tasks whose worker left the membership view go back to
//     NOTSTARTED. So do tasks that ran past the task timeout, which also move
//     to another live worker when one exists.
//   - NOTSTARTED tasks whose worker is free are dispatched, after moving the
//     task to a replacement worker if the assigned one is dead.
//
// A worker runs at most one task at a time; the registry enforces that with
// an atomic claim when a task starts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/membership"
)

// Dispatcher sends a task to its worker. *taskrpc.Client satisfies it.
type Dispatcher interface {
	SubmitTask(ctx context.Context, task jobregistry.Task) error
}

// Config configures a Scheduler.
type Config struct {
	// Interval between passes. Default: 5s.
	Interval time.Duration

	// TaskTimeout reverts a STARTED task whose live worker has not reported
	// completion within it. Zero disables.
	TaskTimeout time.Duration

	// DispatchTimeout bounds one SubmitTask call. Default: 30s.
	DispatchTimeout time.Duration

	// SubmitRate limits dispatches per second across passes. Zero disables.
	SubmitRate float64

	// SubmitBurst is the limiter burst. Default: 1 when SubmitRate is set.
	SubmitBurst int

	// IsLeader gates passes. Nil means always run.
	IsLeader func() bool
}

// Stats summarizes scheduler activity since start.
type Stats struct {
	Passes           uint64     `json:"passes"`
	SkippedPasses    uint64     `json:"skipped_passes"`
	Dispatched       uint64     `json:"dispatched"`
	DispatchFailures uint64     `json:"dispatch_failures"`
	Throttled        uint64     `json:"throttled"`
	Retired          uint64     `json:"retired"`
	Reverted         uint64     `json:"reverted"`
	TimedOut         uint64     `json:"timed_out"`
	Replaced         uint64     `json:"replaced"`
	RetryableErrors  uint64     `json:"retryable_errors"`
	Errors           uint64     `json:"errors"`
	LastError        string     `json:"last_error,omitempty"`
	LastPassAt       *time.Time `json:"last_pass_at,omitempty"`
}

type Scheduler struct {
	reg        *jobregistry.Registry
	view       membership.View
	dispatcher Dispatcher
	cfg        Config
	log        *zap.Logger
	limiter    *rate.Limiter
	now        func() time.Time

	wg sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

func New(reg *jobregistry.Registry, view membership.View, dispatcher Dispatcher, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		reg:        reg,
		view:       view,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	return s
}

// Run executes a pass every Interval until ctx is cancelled, then waits for
// in-flight dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("Scheduler started", zap.Duration("interval", s.cfg.Interval))
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-t.C:
			s.Pass(ctx)
		}
	}
}

// Wait blocks until every dispatch started so far has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	if s.stats.LastPassAt != nil {
		t := *s.stats.LastPassAt
		out.LastPassAt = &t
	}
	return out
}

func (s *Scheduler) bump(f func(*Stats)) {
	s.statsMu.Lock()
	f(&s.stats)
	s.statsMu.Unlock()
}

// Pass advances every active task once. Errors are classified and recorded;
// none stop the scheduler.
func (s *Scheduler) Pass(ctx context.Context) {
	if s.cfg.IsLeader != nil && !s.cfg.IsLeader() {
		s.bump(func(st *Stats) { st.SkippedPasses++ })
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.handleError(fmt.Errorf("scheduler pass panic: %v", r))
		}
	}()

	live := make(map[string]bool)
	nodes := s.view.LiveNodes()
	for _, n := range nodes {
		live[n.Address] = true
	}

	for _, w := range s.reg.ReleaseAbandoned(func(w string) bool { return !live[w] }) {
		s.log.Info("Released claim of departed worker", zap.String("worker", w))
	}

	for _, t := range s.reg.Tasks() {
		if ctx.Err() != nil {
			return
		}
		if err := s.step(ctx, t, nodes, live); err != nil {
			s.handleError(err)
		}
	}

	now := s.now()
	s.bump(func(st *Stats) {
		st.Passes++
		st.LastPassAt = &now
	})
}

func (s *Scheduler) handleError(err error) {
	if IsRetryable(err) {
		s.log.Warn("Scheduling deferred", zap.Error(err))
		s.bump(func(st *Stats) { st.RetryableErrors++ })
		return
	}
	s.log.Error("Scheduling error", zap.Error(err))
	s.bump(func(st *Stats) {
		st.Errors++
		st.LastError = err.Error()
	})
}

func (s *Scheduler) step(ctx context.Context, t jobregistry.Task, nodes []membership.Node, live map[string]bool) error {
	switch t.Status {
	case jobregistry.StatusFinished:
		return s.retire(t)
	case jobregistry.StatusStarted:
		return s.checkRunning(t, nodes, live)
	case jobregistry.StatusNotStarted:
		return s.trySubmit(ctx, t, nodes, live)
	}
	return fmt.Errorf("task %s: %w: %q", t.ID, jobregistry.ErrInvalidStatus, t.Status)
}

func (s *Scheduler) retire(t jobregistry.Task) error {
	s.reg.ReleaseWorker(t.WorkerIP, t.ID)
	n := s.reg.IncrementFinished(t.ExeFileName)
	s.reg.RemoveTask(t.ID)
	s.bump(func(st *Stats) { st.Retired++ })

	if _, err := s.reg.CheckJobCompletion(t.ExeFileName, n); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Scheduler) checkRunning(t jobregistry.Task, nodes []membership.Node, live map[string]bool) error {
	reason := ""
	switch {
	case !live[t.WorkerIP]:
		reason = "worker left membership"
	case s.cfg.TaskTimeout > 0 && t.StartedAt != nil && s.now().Sub(*t.StartedAt) > s.cfg.TaskTimeout:
		reason = "task timed out"
	default:
		return nil
	}

	reverted, err := s.reg.RevertTask(t.ID)
	if err != nil {
		return err
	}
	if !reverted {
		return nil
	}
	s.log.Warn("Task reverted",
		zap.String("task_id", t.ID),
		zap.String("exe", t.ExeFileName),
		zap.String("worker", t.WorkerIP),
		zap.String("reason", reason),
	)
	if !live[t.WorkerIP] {
		s.bump(func(st *Stats) { st.Reverted++ })
		return nil
	}
	s.bump(func(st *Stats) { st.TimedOut++ })

	// The stuck worker may still be running its copy; hand the task to
	// someone else when anyone else is alive.
	replacement := s.replacement(t, nodes, live)
	if replacement == "" {
		return nil
	}
	if err := s.reg.UpdateTaskWorker(t.ID, replacement); err != nil {
		return err
	}
	s.log.Info("Task reassigned",
		zap.String("task_id", t.ID),
		zap.String("from", t.WorkerIP),
		zap.String("to", replacement),
	)
	s.bump(func(st *Stats) { st.Replaced++ })
	return nil
}

func (s *Scheduler) trySubmit(ctx context.Context, t jobregistry.Task, nodes []membership.Node, live map[string]bool) error {
	if s.reg.IsWorkerRunning(t.WorkerIP) {
		return nil
	}

	if !live[t.WorkerIP] {
		replacement := s.replacement(t, nodes, live)
		if replacement == "" {
			return fmt.Errorf("task %s on %s: %w", t.ID, t.WorkerIP, ErrNoReplacement)
		}
		if err := s.reg.UpdateTaskWorker(t.ID, replacement); err != nil {
			return err
		}
		s.log.Info("Task reassigned",
			zap.String("task_id", t.ID),
			zap.String("from", t.WorkerIP),
			zap.String("to", replacement),
		)
		s.bump(func(st *Stats) { st.Replaced++ })
		if s.reg.IsWorkerRunning(replacement) {
			return nil
		}
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.bump(func(st *Stats) { st.Throttled++ })
		return nil
	}

	started, err := s.reg.StartTask(t.ID)
	if err != nil {
		if errors.Is(err, jobregistry.ErrWorkerBusy) || errors.Is(err, jobregistry.ErrInvalidStatus) {
			return nil
		}
		return err
	}
	if added, err := s.reg.MarkJobRunning(started.ExeFileName); err != nil {
		s.log.Warn("Failed to mark job running", zap.String("exe", started.ExeFileName), zap.Error(err))
	} else if added {
		s.log.Info("Job started", zap.String("exe", started.ExeFileName))
	}

	s.dispatch(ctx, started)
	return nil
}

// replacement picks the first live pool member other than the task's current
// worker, or else adds a live node from outside the pool.
func (s *Scheduler) replacement(t jobregistry.Task, nodes []membership.Node, live map[string]bool) string {
	pool := s.reg.WorkerPool(t.ExeFileName)
	for _, w := range pool {
		if w != t.WorkerIP && live[w] {
			return w
		}
	}
	w := NewWorkerIP(pool, nodes)
	if w != "" {
		s.reg.AddToWorkerPool(t.ExeFileName, w)
	}
	return w
}

func (s *Scheduler) dispatch(ctx context.Context, t jobregistry.Task) {
	s.bump(func(st *Stats) { st.Dispatched++ })
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.handleError(fmt.Errorf("dispatch task %s panic: %v", t.ID, r))
				s.revertAfterDispatch(t)
			}
		}()

		dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
		defer cancel()
		if err := s.dispatcher.SubmitTask(dctx, t); err != nil {
			s.log.Warn("Dispatch failed",
				zap.String("task_id", t.ID),
				zap.String("worker", t.WorkerIP),
				zap.Error(err),
			)
			s.bump(func(st *Stats) { st.DispatchFailures++ })
			s.revertAfterDispatch(t)
			return
		}
		s.log.Debug("Task dispatched", zap.String("task_id", t.ID), zap.String("worker", t.WorkerIP))
	}()
}

func (s *Scheduler) revertAfterDispatch(t jobregistry.Task) {
	if _, err := s.reg.RevertTask(t.ID); err != nil && !errors.Is(err, jobregistry.ErrTaskNotFound) {
		s.log.Warn("Failed to revert task", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// CompleteTask records worker's completion report; the next pass retires
// the task. An empty worker stands for the task's current owner.
func (s *Scheduler) CompleteTask(taskID, worker string) (jobregistry.Task, error) {
	t, err := s.reg.CompleteTask(taskID, worker)
	if err != nil {
		return t, err
	}
	s.log.Info("Task completed",
		zap.String("task_id", t.ID),
		zap.String("exe", t.ExeFileName),
		zap.String("worker", t.WorkerIP),
		zap.String("reported_by", worker),
	)
	return t, nil
}
