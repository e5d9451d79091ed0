package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/membership"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []jobregistry.Task
	fail map[string]bool
}

func (d *fakeDispatcher) SubmitTask(_ context.Context, task jobregistry.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, task)
	if d.fail[task.WorkerIP] {
		return errors.New("worker unreachable")
	}
	return nil
}

func (d *fakeDispatcher) sentTo() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, t := range d.sent {
		out[i] = t.WorkerIP
	}
	return out
}

// staticView is a View with a fixed live set.
type staticView struct {
	live  []membership.Node
	panic bool
}

func (v *staticView) LiveNodes() []membership.Node {
	if v.panic {
		panic("membership unavailable")
	}
	return v.live
}
func (v *staticView) IsAddressHigher(string) bool { return false }
func (v *staticView) Self() string                { return "leader" }
func (v *staticView) Leader() string              { return "leader" }
func (v *staticView) SetLeader(string)            {}

func addJob(t *testing.T, reg *jobregistry.Registry, exe string, pool []string, workers ...string) []string {
	t.Helper()
	tasks := make([]jobregistry.Task, len(workers))
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = fmt.Sprintf("%s-%d", exe, i)
		tasks[i] = jobregistry.Task{ID: ids[i], ExeFileName: exe, InputFileName: fmt.Sprintf("%s_%d.txt", exe, i), IntermediatePrefix: "p", WorkerIP: w}
	}
	require.NoError(t, reg.AddJobAndTasks(jobregistry.Job{ExeFileName: exe}, tasks, pool))
	return ids
}

// assertInvariants checks the running-workers invariants between passes.
func assertInvariants(t *testing.T, reg *jobregistry.Registry) {
	t.Helper()
	running := reg.RunningWorkers()
	for _, task := range reg.Tasks() {
		switch task.Status {
		case jobregistry.StatusStarted:
			assert.Equal(t, task.ID, running[task.WorkerIP], "STARTED task %s must own its worker", task.ID)
		case jobregistry.StatusFinished, jobregistry.StatusNotStarted:
			assert.NotEqual(t, task.ID, running[task.WorkerIP], "%s task %s must not own a worker", task.Status, task.ID)
		}
	}
	for ip, id := range running {
		task, ok := reg.Task(id)
		require.True(t, ok, "running worker %s owned by unknown task %s", ip, id)
		assert.Equal(t, ip, task.WorkerIP)
	}
}

func pass(s *Scheduler) {
	s.Pass(context.Background())
	s.Wait()
}

func status(t *testing.T, reg *jobregistry.Registry, id string) jobregistry.TaskStatus {
	t.Helper()
	task, ok := reg.Task(id)
	require.True(t, ok, "task %s not found", id)
	return task.Status
}

func TestPass_OneTaskPerWorker(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0", "w1")
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w0", "w1"}, "w0", "w1", "w0")
	pass(s)

	assert.Equal(t, jobregistry.StatusStarted, status(t, reg, ids[0]))
	assert.Equal(t, jobregistry.StatusStarted, status(t, reg, ids[1]))
	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, ids[2]), "w0 is busy")
	assert.ElementsMatch(t, []string{"w0", "w1"}, d.sentTo())
	assertInvariants(t, reg)

	pass(s)
	assert.Len(t, d.sentTo(), 2, "running tasks are not resubmitted")
}

func TestPass_DeadWorkerRevertsAndResubmits(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0", "w1")
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w0", "w1"}, "w0", "w1")
	pass(s)
	_, err := s.CompleteTask(ids[0], "w0")
	require.NoError(t, err)
	pass(s)
	require.Equal(t, 1, reg.FinishedCount("wc"))

	view.MarkDead("w1")
	pass(s)
	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, ids[1]), "reverted within one pass")
	assert.False(t, reg.IsWorkerRunning("w1"))
	assertInvariants(t, reg)
	assert.EqualValues(t, 1, s.Stats().Reverted)

	pass(s)
	task, _ := reg.Task(ids[1])
	assert.Equal(t, jobregistry.StatusStarted, task.Status)
	assert.Equal(t, "w0", task.WorkerIP)
	assert.Equal(t, []string{"w0", "w1", "w0"}, sortedFirstTwo(d.sentTo()))
	assert.Equal(t, 1, reg.FinishedCount("wc"), "revert never decrements the finished count")
	assertInvariants(t, reg)
}

// sortedFirstTwo orders the first two dispatches, which happen concurrently.
func sortedFirstTwo(sent []string) []string {
	if len(sent) >= 2 && sent[0] > sent[1] {
		sent[0], sent[1] = sent[1], sent[0]
	}
	return sent
}

func TestPass_ReplacementFromOutsidePool(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0", "w2")
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w1"}, "w1")
	pass(s)

	task, _ := reg.Task(ids[0])
	assert.Equal(t, jobregistry.StatusStarted, task.Status)
	assert.Equal(t, "w0", task.WorkerIP, "first live node outside the pool")
	assert.Equal(t, []string{"w1", "w0"}, reg.WorkerPool("wc"))
	assert.EqualValues(t, 1, s.Stats().Replaced)
}

func TestPass_NoReplacementLeavesTaskWaiting(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := &staticView{}
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w1"}, "w1")
	pass(s)

	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, ids[0]))
	assert.Empty(t, d.sentTo())
	st := s.Stats()
	assert.EqualValues(t, 1, st.RetryableErrors)
	assert.EqualValues(t, 0, st.Errors)
	assert.EqualValues(t, 1, st.Passes)
}

func TestPass_TaskTimeoutMovesTaskOffStuckWorker(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0", "w1")
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{TaskTimeout: time.Minute}, nil)

	ids := addJob(t, reg, "wc", []string{"w0", "w1"}, "w0")
	pass(s)
	require.Equal(t, jobregistry.StatusStarted, status(t, reg, ids[0]))

	pass(s)
	assert.Equal(t, jobregistry.StatusStarted, status(t, reg, ids[0]), "still within timeout")

	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	pass(s)
	task, _ := reg.Task(ids[0])
	assert.Equal(t, jobregistry.StatusNotStarted, task.Status)
	assert.Equal(t, "w1", task.WorkerIP)
	st := s.Stats()
	assert.EqualValues(t, 1, st.TimedOut)
	assert.EqualValues(t, 1, st.Replaced)
	assertInvariants(t, reg)

	pass(s)
	task, _ = reg.Task(ids[0])
	assert.Equal(t, jobregistry.StatusStarted, task.Status)
	assert.Equal(t, []string{"w0", "w1"}, d.sentTo(), "the stuck worker is not given the task twice")
}

func TestPass_TaskTimeoutKeepsOnlyLiveWorker(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0")
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{TaskTimeout: time.Minute}, nil)

	ids := addJob(t, reg, "wc", []string{"w0"}, "w0")
	pass(s)

	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	pass(s)
	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, ids[0]))
	assert.EqualValues(t, 0, s.Stats().Replaced)

	pass(s)
	task, _ := reg.Task(ids[0])
	assert.Equal(t, jobregistry.StatusStarted, task.Status, "resubmitted to the only live worker")
	assert.Equal(t, "w0", task.WorkerIP)
	assert.Len(t, d.sentTo(), 2)
}

func TestPass_LateReportFromDeadWorkerKeepsReplacementBusy(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("leader", "w1", "w2")
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w1", "w2"}, "w1")
	pass(s)
	view.MarkDead("w1")
	pass(s)
	pass(s)
	task, _ := reg.Task(ids[0])
	require.Equal(t, jobregistry.StatusStarted, task.Status)
	require.Equal(t, "w2", task.WorkerIP)

	grep := addJob(t, reg, "grep", []string{"w2"}, "w2")

	_, err := s.CompleteTask(ids[0], "w1")
	require.NoError(t, err)
	pass(s)
	assert.Equal(t, 1, reg.FinishedCount("wc"))
	assert.True(t, reg.IsWorkerRunning("w2"), "w2 is still running its copy")
	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, grep[0]))

	_, err = s.CompleteTask(ids[0], "w2")
	require.NoError(t, err)
	pass(s)
	assert.Equal(t, jobregistry.StatusStarted, status(t, reg, grep[0]))
	assert.Equal(t, 1, reg.FinishedCount("wc"), "the second report is not counted")
	assertInvariants(t, reg)
}

func TestPass_ReleasesClaimOfDepartedWorker(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("leader", "w1", "w2")
	s := New(reg, view, &fakeDispatcher{}, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w2"}, "w2")
	pass(s)
	_, err := s.CompleteTask(ids[0], "w1")
	require.NoError(t, err)
	pass(s)
	require.True(t, reg.IsWorkerRunning("w2"))

	view.MarkDead("w2")
	pass(s)
	assert.Empty(t, reg.RunningWorkers())
}

func TestPass_DispatchFailureReverts(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0")
	d := &fakeDispatcher{fail: map[string]bool{"w0": true}}
	s := New(reg, view, d, Config{}, nil)

	ids := addJob(t, reg, "wc", []string{"w0"}, "w0")
	pass(s)

	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, ids[0]))
	assert.False(t, reg.IsWorkerRunning("w0"))
	assert.EqualValues(t, 1, s.Stats().DispatchFailures)
}

func TestPass_SkippedWhenNotLeader(t *testing.T) {
	reg := jobregistry.NewRegistry()
	d := &fakeDispatcher{}
	leader := false
	s := New(reg, membership.NewList("w0"), d, Config{IsLeader: func() bool { return leader }}, nil)

	ids := addJob(t, reg, "wc", []string{"w0"}, "w0")
	pass(s)
	assert.Equal(t, jobregistry.StatusNotStarted, status(t, reg, ids[0]))
	assert.EqualValues(t, 1, s.Stats().SkippedPasses)

	leader = true
	pass(s)
	assert.Equal(t, jobregistry.StatusStarted, status(t, reg, ids[0]))
}

func TestPass_SubmitRateThrottles(t *testing.T) {
	reg := jobregistry.NewRegistry()
	d := &fakeDispatcher{}
	s := New(reg, membership.NewList("w0", "w1", "w2"), d, Config{SubmitRate: 0.001, SubmitBurst: 1}, nil)

	addJob(t, reg, "wc", nil, "w0", "w1", "w2")
	pass(s)

	assert.Len(t, d.sentTo(), 1)
	assert.EqualValues(t, 2, s.Stats().Throttled)
	assertInvariants(t, reg)
}

func TestPass_RecoversFromPanic(t *testing.T) {
	reg := jobregistry.NewRegistry()
	s := New(reg, &staticView{panic: true}, &fakeDispatcher{}, Config{}, nil)

	assert.NotPanics(t, func() { pass(s) })
	st := s.Stats()
	assert.EqualValues(t, 1, st.Errors)
	assert.Contains(t, st.LastError, "membership unavailable")
}

func TestPass_JobCompletesExactlyAtCount(t *testing.T) {
	reg := jobregistry.NewRegistry()
	view := membership.NewList("w0", "w1", "w2")
	s := New(reg, view, &fakeDispatcher{}, Config{}, nil)

	ids := addJob(t, reg, "wc", nil, "w0", "w1", "w2")
	pass(s)

	for i, id := range ids {
		_, err := s.CompleteTask(id, "")
		require.NoError(t, err)
		if i < len(ids)-1 {
			job, _ := reg.Job("wc")
			assert.Equal(t, jobregistry.StatusStarted, job.Status)
		}
	}
	job, _ := reg.Job("wc")
	assert.Equal(t, jobregistry.StatusStarted, job.Status, "completion is folded in by the next pass")

	pass(s)
	job, _ = reg.Job("wc")
	assert.Equal(t, jobregistry.StatusFinished, job.Status)
	assert.Equal(t, 3, reg.FinishedCount("wc"))
	assert.Empty(t, reg.Tasks())
	assert.Empty(t, reg.RunningWorkers())
}

func TestPass_ConcurrentCompletionsKeepInvariants(t *testing.T) {
	reg := jobregistry.NewRegistry()
	workers := []string{"w0", "w1", "w2", "w3"}
	view := membership.NewList(workers[0], workers[1:]...)
	d := &fakeDispatcher{}
	s := New(reg, view, d, Config{}, nil)

	assigned := make([]string, 40)
	for i := range assigned {
		assigned[i] = workers[i%len(workers)]
	}
	ids := addJob(t, reg, "wc", workers, assigned...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			for _, task := range reg.Tasks() {
				if task.Status == jobregistry.StatusStarted {
					_, _ = s.CompleteTask(task.ID, task.WorkerIP)
				}
			}
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pass(s)
		if job, _ := reg.Job("wc"); job.Status == jobregistry.StatusFinished {
			break
		}
	}
	cancel()
	wg.Wait()

	job, _ := reg.Job("wc")
	assert.Equal(t, jobregistry.StatusFinished, job.Status)
	assert.Equal(t, len(ids), reg.FinishedCount("wc"))
	assert.Empty(t, reg.RunningWorkers())
}

func TestRun_StopsOnCancel(t *testing.T) {
	reg := jobregistry.NewRegistry()
	d := &fakeDispatcher{}
	s := New(reg, membership.NewList("w0"), d, Config{Interval: 10 * time.Millisecond}, nil)
	addJob(t, reg, "wc", nil, "w0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(d.sentTo()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.NotNil(t, s.Stats().LastPassAt)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", ErrNoReplacement)))
	assert.True(t, IsRetryable(jobregistry.ErrJobAlreadyFinished))
	assert.True(t, IsRetryable(jobregistry.ErrTaskNotFound))
	assert.False(t, IsRetryable(errors.New("disk on fire")))
}
