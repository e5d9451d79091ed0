package jobregistry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobExists          = errors.New("job already active")
	ErrJobAlreadyFinished = errors.New("job already finished")
	ErrEmptyJob           = errors.New("job has no tasks")
	ErrWorkerBusy         = errors.New("worker already running a task")
	ErrTaskRunning        = errors.New("task is running")
	ErrInvalidStatus      = errors.New("invalid task status")
)

// Recorder receives a JobRecord whenever a job changes state. *Store
// satisfies it.
type Recorder interface {
	Write(record *JobRecord) error
}

// Registry is the single owner of job and task bookkeeping shared by the
// scheduler loop and the completion handlers.
//
// Invariants held under mu:
//   - a worker IP is owned by at most one task (running maps worker to task)
//   - a STARTED task owns its worker; NOTSTARTED tasks own none
//   - a FINISHED task owns no worker unless another worker reported it
//     while its current owner was still running (see CompleteTask)
//   - finished counters never decrease
//
// All returned values are copies.
type Registry struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	tasks       map[string]*Task
	order       []string
	pools       map[string][]string
	running     map[string]string
	awaiting    map[string]string
	runningJobs map[string]struct{}
	finished    map[string]int

	recorder Recorder
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithRecorder mirrors job state changes to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs:        make(map[string]*Job),
		tasks:       make(map[string]*Task),
		pools:       make(map[string][]string),
		running:     make(map[string]string),
		awaiting:    make(map[string]string),
		runningJobs: make(map[string]struct{}),
		finished:    make(map[string]int),
		log:         zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddJobAndTasks registers a job, its tasks (all NOTSTARTED) and the initial
// worker pool. A job whose previous run finished may be registered again.
func (r *Registry) AddJobAndTasks(job Job, tasks []Task, workerPool []string) error {
	exe := strings.TrimSpace(job.ExeFileName)
	if exe == "" {
		return fmt.Errorf("exe file name is required")
	}
	if len(tasks) == 0 {
		return ErrEmptyJob
	}

	r.mu.Lock()
	if existing, ok := r.jobs[exe]; ok && existing.Status != StatusFinished {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobExists, exe)
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			r.mu.Unlock()
			return fmt.Errorf("task id is required")
		}
		if t.ExeFileName != exe {
			r.mu.Unlock()
			return fmt.Errorf("task %s belongs to %q, not %q", t.ID, t.ExeFileName, exe)
		}
		if _, dup := seen[t.ID]; dup {
			r.mu.Unlock()
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		if _, exists := r.tasks[t.ID]; exists {
			r.mu.Unlock()
			return fmt.Errorf("task id %s already registered", t.ID)
		}
		seen[t.ID] = struct{}{}
	}

	j := &Job{
		ExeFileName:        exe,
		IntermediatePrefix: job.IntermediatePrefix,
		Status:             StatusNotStarted,
		CreatedAt:          job.CreatedAt,
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.now()
	}
	for _, t := range tasks {
		t := t
		t.Status = StatusNotStarted
		t.StartedAt = nil
		r.tasks[t.ID] = &t
		r.order = append(r.order, t.ID)
		j.TaskIDs = append(j.TaskIDs, t.ID)
	}
	r.jobs[exe] = j
	r.pools[exe] = appendUnique(nil, workerPool...)
	r.finished[exe] = 0
	delete(r.runningJobs, exe)
	rec := r.recordLocked(j)
	r.mu.Unlock()

	r.record(rec)
	return nil
}

// Jobs returns every known job ordered by creation time.
func (r *Registry) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ExeFileName < out[k].ExeFileName
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func (r *Registry) Job(exe string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[exe]
	if !ok {
		return Job{}, false
	}
	return copyJob(j), true
}

// Tasks returns the active (not yet retired) tasks in registration order.
func (r *Registry) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.tasks))
	for _, id := range r.order {
		if t, ok := r.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

func (r *Registry) Task(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ChangeTaskStatus moves a task to status while keeping the running-workers
// invariant: entering STARTED claims the worker, leaving it releases it.
func (r *Registry) ChangeTaskStatus(id string, status TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return r.setStatusLocked(t, status)
}

func (r *Registry) setStatusLocked(t *Task, status TaskStatus) error {
	if status == StatusStarted {
		if owner, busy := r.running[t.WorkerIP]; busy && owner != t.ID {
			return fmt.Errorf("%w: %s", ErrWorkerBusy, t.WorkerIP)
		}
		r.running[t.WorkerIP] = t.ID
		now := r.now()
		t.StartedAt = &now
	} else {
		if r.running[t.WorkerIP] == t.ID {
			delete(r.running, t.WorkerIP)
		}
		t.StartedAt = nil
	}
	t.Status = status
	return nil
}

// StartTask claims the task's worker and marks the task STARTED in one step.
// It fails with ErrWorkerBusy when the worker is owned by another task.
func (r *Registry) StartTask(id string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusNotStarted {
		return *t, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, t.Status)
	}
	if err := r.setStatusLocked(t, StatusStarted); err != nil {
		return *t, err
	}
	return *t, nil
}

// RevertTask returns a STARTED task to NOTSTARTED and releases its worker.
// Tasks in other states are left alone.
func (r *Registry) RevertTask(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusStarted {
		return false, nil
	}
	return true, r.setStatusLocked(t, StatusNotStarted)
}

// CompleteTask records a completion report from worker. An empty worker
// stands for the task's current owner.
//
// A report from a worker the task was moved away from still finishes the
// task, but the current owner keeps its claim until it reports as well or
// ReleaseAbandoned frees it. Reports for tasks that are already FINISHED are
// accepted; a late owner report for a retired task releases its claim.
func (r *Registry) CompleteTask(id, worker string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		if worker != "" && r.awaiting[id] == worker {
			r.releaseAwaitingLocked(id)
			return Task{ID: id, WorkerIP: worker, Status: StatusFinished}, nil
		}
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	stale := worker != "" && worker != t.WorkerIP
	switch {
	case t.Status == StatusFinished:
		if !stale && r.awaiting[id] == t.WorkerIP {
			r.releaseAwaitingLocked(id)
		}
	case stale && t.Status == StatusStarted:
		r.awaiting[id] = t.WorkerIP
		t.Status = StatusFinished
		t.StartedAt = nil
		r.log.Info("Task finished by previous worker",
			zap.String("task_id", id),
			zap.String("reported_by", worker),
			zap.String("owner", t.WorkerIP),
		)
	default:
		if err := r.setStatusLocked(t, StatusFinished); err != nil {
			return *t, err
		}
	}
	return *t, nil
}

func (r *Registry) releaseAwaitingLocked(id string) {
	w := r.awaiting[id]
	delete(r.awaiting, id)
	if r.running[w] == id {
		delete(r.running, w)
	}
}

// ReleaseAbandoned frees claims kept for owners that have not reported yet
// when gone reports them as no longer alive. It returns the released workers.
func (r *Registry) ReleaseAbandoned(gone func(worker string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, w := range r.awaiting {
		if gone(w) {
			r.releaseAwaitingLocked(id)
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateTaskWorker reassigns a task that is not running.
func (r *Registry) UpdateTaskWorker(id, ip string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status == StatusStarted {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	t.WorkerIP = ip
	return nil
}

func (r *Registry) WorkerPool(exe string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pools[exe]...)
}

// AddToWorkerPool appends workers not already in the job's pool.
func (r *Registry) AddToWorkerPool(exe string, workers ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[exe] = appendUnique(r.pools[exe], workers...)
}

// ReleaseWorker frees ip only if it is owned by taskID and taskID is not
// waiting on that owner's own report.
func (r *Registry) ReleaseWorker(ip, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.awaiting[taskID] == ip {
		return false
	}
	if owner, ok := r.running[ip]; ok && owner == taskID {
		delete(r.running, ip)
		return true
	}
	return false
}

func (r *Registry) IsWorkerRunning(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[ip]
	return ok
}

// RunningWorkers returns a copy of the worker to task ownership map.
func (r *Registry) RunningWorkers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.running))
	for ip, id := range r.running {
		out[ip] = id
	}
	return out
}

// MarkJobRunning adds the job to the running-jobs set and marks it STARTED.
// It reports true only for the call that added it.
func (r *Registry) MarkJobRunning(exe string) (bool, error) {
	r.mu.Lock()
	j, ok := r.jobs[exe]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, exe)
	}
	if _, running := r.runningJobs[exe]; running {
		r.mu.Unlock()
		return false, nil
	}
	r.runningJobs[exe] = struct{}{}
	if j.Status == StatusNotStarted {
		now := r.now()
		j.Status = StatusStarted
		j.StartedAt = &now
	}
	rec := r.recordLocked(j)
	r.mu.Unlock()

	r.record(rec)
	return true, nil
}

// IncrementFinished bumps the job's finished-task counter and returns the new
// value.
func (r *Registry) IncrementFinished(exe string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[exe]++
	return r.finished[exe]
}

func (r *Registry) FinishedCount(exe string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[exe]
}

// CheckJobCompletion marks the job FINISHED when finishedCount equals its
// task count. It returns ErrJobAlreadyFinished if the job was already
// complete.
func (r *Registry) CheckJobCompletion(exe string, finishedCount int) (bool, error) {
	r.mu.Lock()
	j, ok := r.jobs[exe]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, exe)
	}
	if j.Status == StatusFinished {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrJobAlreadyFinished, exe)
	}
	if finishedCount != len(j.TaskIDs) {
		r.mu.Unlock()
		return false, nil
	}
	r.finishJobLocked(j)
	rec := r.recordLocked(j)
	r.mu.Unlock()

	r.record(rec)
	r.log.Info("Job finished", zap.String("exe", exe), zap.Int("tasks", finishedCount))
	return true, nil
}

func (r *Registry) ChangeJobStatus(exe string, status TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	r.mu.Lock()
	j, ok := r.jobs[exe]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, exe)
	}
	if status == StatusFinished {
		r.finishJobLocked(j)
	} else {
		j.Status = status
		j.FinishedAt = nil
	}
	rec := r.recordLocked(j)
	r.mu.Unlock()

	r.record(rec)
	return nil
}

func (r *Registry) finishJobLocked(j *Job) {
	now := r.now()
	j.Status = StatusFinished
	j.FinishedAt = &now
}

// RemoveTask retires a task from the active set. The owning job keeps its id
// for counting.
func (r *Registry) RemoveTask(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if r.running[t.WorkerIP] == id && r.awaiting[id] != t.WorkerIP {
		delete(r.running, t.WorkerIP)
	}
	delete(r.tasks, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) recordLocked(j *Job) *JobRecord {
	if r.recorder == nil {
		return nil
	}
	rec := &JobRecord{
		JobID:              j.ExeFileName,
		IntermediatePrefix: j.IntermediatePrefix,
		State:              jobStateFor(j.Status),
		TaskCount:          len(j.TaskIDs),
		FinishedTasks:      r.finished[j.ExeFileName],
		Workers:            append([]string(nil), r.pools[j.ExeFileName]...),
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		EndedAt:            j.FinishedAt,
	}
	return rec
}

func (r *Registry) record(rec *JobRecord) {
	if rec == nil || r.recorder == nil {
		return
	}
	if err := r.recorder.Write(rec); err != nil {
		r.log.Warn("Failed to write job record", zap.String("job", rec.JobID), zap.Error(err))
	}
}

func copyJob(j *Job) Job {
	c := *j
	c.TaskIDs = append([]string(nil), j.TaskIDs...)
	if j.StartedAt != nil {
		s := *j.StartedAt
		c.StartedAt = &s
	}
	if j.FinishedAt != nil {
		f := *j.FinishedAt
		c.FinishedAt = &f
	}
	return c
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]struct{}, len(dst)+len(items))
	for _, d := range dst {
		seen[d] = struct{}{}
	}
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		dst = append(dst, it)
	}
	return dst
}
