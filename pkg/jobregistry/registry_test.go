package jobregistry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu      sync.Mutex
	records []JobRecord
}

func (m *memRecorder) Write(rec *JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memRecorder) last() JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[len(m.records)-1]
}

func newTasks(exe string, workers ...string) []Task {
	tasks := make([]Task, len(workers))
	for i, w := range workers {
		tasks[i] = Task{
			ID:                 fmt.Sprintf("%s-t%d", exe, i),
			ExeFileName:        exe,
			InputFileName:      fmt.Sprintf("%s_%d.txt", exe, i),
			IntermediatePrefix: "inter",
			WorkerIP:           w,
		}
	}
	return tasks
}

func TestRegistry_AddJobAndTasks(t *testing.T) {
	rec := &memRecorder{}
	r := NewRegistry(WithRecorder(rec))

	tasks := newTasks("wc", "10.0.0.1", "10.0.0.2", "10.0.0.1")
	tasks[0].Status = StatusFinished
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc", IntermediatePrefix: "inter"}, tasks, []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"}))

	got := r.Tasks()
	require.Len(t, got, 3)
	for i, task := range got {
		assert.Equal(t, tasks[i].ID, task.ID, "registration order is kept")
		assert.Equal(t, StatusNotStarted, task.Status)
	}
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, r.WorkerPool("wc"))

	job, ok := r.Job("wc")
	require.True(t, ok)
	assert.Equal(t, StatusNotStarted, job.Status)
	assert.Len(t, job.TaskIDs, 3)
	assert.Equal(t, JobStateQueued, rec.last().State)

	err := r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "10.0.0.3"), nil)
	assert.ErrorIs(t, err, ErrJobExists)

	assert.ErrorIs(t, r.AddJobAndTasks(Job{ExeFileName: "empty"}, nil, nil), ErrEmptyJob)
	assert.Error(t, r.AddJobAndTasks(Job{ExeFileName: "other"}, newTasks("wc2", "10.0.0.3"), nil))
}

func TestRegistry_StartTaskClaimsWorkerOnce(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "10.0.0.1", "10.0.0.1"), nil))

	started, err := r.StartTask("wc-t0")
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, started.Status)
	assert.NotNil(t, started.StartedAt)
	assert.True(t, r.IsWorkerRunning("10.0.0.1"))

	_, err = r.StartTask("wc-t1")
	assert.ErrorIs(t, err, ErrWorkerBusy)
	task, _ := r.Task("wc-t1")
	assert.Equal(t, StatusNotStarted, task.Status)

	_, err = r.StartTask("wc-t0")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = r.StartTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegistry_RevertAndComplete(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "10.0.0.1", "10.0.0.2"), nil))

	reverted, err := r.RevertTask("wc-t0")
	require.NoError(t, err)
	assert.False(t, reverted, "NOTSTARTED task is left alone")

	_, err = r.StartTask("wc-t0")
	require.NoError(t, err)
	reverted, err = r.RevertTask("wc-t0")
	require.NoError(t, err)
	assert.True(t, reverted)
	assert.False(t, r.IsWorkerRunning("10.0.0.1"))

	_, err = r.StartTask("wc-t1")
	require.NoError(t, err)
	done, err := r.CompleteTask("wc-t1", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, done.Status)
	assert.False(t, r.IsWorkerRunning("10.0.0.2"))

	_, err = r.CompleteTask("wc-t1", "")
	assert.NoError(t, err, "duplicate completion is idempotent")
}

func TestRegistry_CompletionFromPreviousWorkerKeepsOwnerClaimed(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "w1"), nil))
	_, err := r.StartTask("wc-t0")
	require.NoError(t, err)
	reverted, err := r.RevertTask("wc-t0")
	require.NoError(t, err)
	require.True(t, reverted)
	require.NoError(t, r.UpdateTaskWorker("wc-t0", "w2"))
	_, err = r.StartTask("wc-t0")
	require.NoError(t, err)

	done, err := r.CompleteTask("wc-t0", "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, done.Status)
	assert.Equal(t, "w2", done.WorkerIP)
	assert.True(t, r.IsWorkerRunning("w2"), "w2 is still running its copy")

	assert.False(t, r.ReleaseWorker("w2", "wc-t0"))
	r.RemoveTask("wc-t0")
	assert.True(t, r.IsWorkerRunning("w2"), "retiring the task keeps the claim")

	done, err = r.CompleteTask("wc-t0", "w2")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, done.Status)
	assert.False(t, r.IsWorkerRunning("w2"))

	_, err = r.CompleteTask("wc-t0", "w2")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRegistry_OwnerReportBeforeRetireReleasesClaim(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "w2"), nil))
	_, err := r.StartTask("wc-t0")
	require.NoError(t, err)

	_, err = r.CompleteTask("wc-t0", "w1")
	require.NoError(t, err)
	assert.True(t, r.IsWorkerRunning("w2"))

	_, err = r.CompleteTask("wc-t0", "w1")
	require.NoError(t, err)
	assert.True(t, r.IsWorkerRunning("w2"), "repeat reports from w1 change nothing")

	_, err = r.CompleteTask("wc-t0", "w2")
	require.NoError(t, err)
	assert.False(t, r.IsWorkerRunning("w2"))
}

func TestRegistry_ReleaseAbandoned(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "w2", "w3"), nil))
	for _, id := range []string{"wc-t0", "wc-t1"} {
		_, err := r.StartTask(id)
		require.NoError(t, err)
		_, err = r.CompleteTask(id, "w1")
		require.NoError(t, err)
	}

	released := r.ReleaseAbandoned(func(w string) bool { return w == "w3" })
	assert.Equal(t, []string{"w3"}, released)
	assert.Equal(t, map[string]string{"w2": "wc-t0"}, r.RunningWorkers())
}

func TestRegistry_ReleaseWorkerIsOwnerChecked(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "10.0.0.1", "10.0.0.1"), nil))
	_, err := r.StartTask("wc-t0")
	require.NoError(t, err)

	assert.False(t, r.ReleaseWorker("10.0.0.1", "wc-t1"))
	assert.True(t, r.IsWorkerRunning("10.0.0.1"))
	assert.True(t, r.ReleaseWorker("10.0.0.1", "wc-t0"))
	assert.False(t, r.ReleaseWorker("10.0.0.1", "wc-t0"))
}

func TestRegistry_UpdateTaskWorker(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "10.0.0.1"), nil))

	require.NoError(t, r.UpdateTaskWorker("wc-t0", "10.0.0.9"))
	task, _ := r.Task("wc-t0")
	assert.Equal(t, "10.0.0.9", task.WorkerIP)

	_, err := r.StartTask("wc-t0")
	require.NoError(t, err)
	assert.ErrorIs(t, r.UpdateTaskWorker("wc-t0", "10.0.0.1"), ErrTaskRunning)
	assert.ErrorIs(t, r.UpdateTaskWorker("missing", "10.0.0.1"), ErrTaskNotFound)
}

func TestRegistry_ChangeTaskStatusKeepsInvariant(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "10.0.0.1"), nil))

	require.NoError(t, r.ChangeTaskStatus("wc-t0", StatusStarted))
	assert.Equal(t, map[string]string{"10.0.0.1": "wc-t0"}, r.RunningWorkers())

	require.NoError(t, r.ChangeTaskStatus("wc-t0", StatusFinished))
	assert.Empty(t, r.RunningWorkers())

	assert.ErrorIs(t, r.ChangeTaskStatus("wc-t0", TaskStatus("DONE")), ErrInvalidStatus)
}

func TestRegistry_JobCompletionExactlyAtCount(t *testing.T) {
	rec := &memRecorder{}
	r := NewRegistry(WithRecorder(rec))
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "a", "b", "c"), []string{"a", "b"}))

	added, err := r.MarkJobRunning("wc")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = r.MarkJobRunning("wc")
	require.NoError(t, err)
	assert.False(t, added, "a job enters the running set once")
	assert.Equal(t, JobStateRunning, rec.last().State)

	for i := 1; i < 3; i++ {
		n := r.IncrementFinished("wc")
		finished, err := r.CheckJobCompletion("wc", n)
		require.NoError(t, err)
		assert.False(t, finished)
		job, _ := r.Job("wc")
		assert.Equal(t, StatusStarted, job.Status)
	}

	finished, err := r.CheckJobCompletion("wc", r.IncrementFinished("wc"))
	require.NoError(t, err)
	assert.True(t, finished)
	job, _ := r.Job("wc")
	assert.Equal(t, StatusFinished, job.Status)
	assert.NotNil(t, job.FinishedAt)
	assert.Equal(t, JobStateSuccess, rec.last().State)
	assert.Equal(t, 3, rec.last().FinishedTasks)

	_, err = r.CheckJobCompletion("wc", 3)
	assert.ErrorIs(t, err, ErrJobAlreadyFinished)
	_, err = r.CheckJobCompletion("nope", 1)
	assert.ErrorIs(t, err, ErrJobNotFound)

	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, []Task{{ID: "wc-again", ExeFileName: "wc", WorkerIP: "a"}}, nil),
		"a finished job may be submitted again")
	assert.Equal(t, 0, r.FinishedCount("wc"))
}

func TestRegistry_ChangeJobStatus(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "a"), nil))

	require.NoError(t, r.ChangeJobStatus("wc", StatusStarted))
	require.NoError(t, r.ChangeJobStatus("wc", StatusFinished))
	job, _ := r.Job("wc")
	assert.Equal(t, StatusFinished, job.Status)
	assert.ErrorIs(t, r.ChangeJobStatus("missing", StatusStarted), ErrJobNotFound)
}

func TestRegistry_RemoveTask(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "a", "b"), nil))
	_, err := r.StartTask("wc-t0")
	require.NoError(t, err)

	r.RemoveTask("wc-t0")
	r.RemoveTask("wc-t0")
	_, ok := r.Task("wc-t0")
	assert.False(t, ok)
	assert.False(t, r.IsWorkerRunning("a"))
	assert.Len(t, r.Tasks(), 1)

	job, _ := r.Job("wc")
	assert.Len(t, job.TaskIDs, 2, "job keeps retired task ids")
}

func TestRegistry_AddToWorkerPool(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, newTasks("wc", "a"), []string{"a"}))

	r.AddToWorkerPool("wc", "b", "a", "", "c")
	assert.Equal(t, []string{"a", "b", "c"}, r.WorkerPool("wc"))

	pool := r.WorkerPool("wc")
	pool[0] = "mutated"
	assert.Equal(t, "a", r.WorkerPool("wc")[0], "pool is returned as a copy")
}

func TestRegistry_ConcurrentStartsKeepWorkersUnique(t *testing.T) {
	r := NewRegistry()
	workers := []string{"w0", "w1", "w2"}
	var tasks []Task
	for i := 0; i < 30; i++ {
		tasks = append(tasks, Task{ID: fmt.Sprintf("t%02d", i), ExeFileName: "wc", WorkerIP: workers[i%len(workers)]})
	}
	require.NoError(t, r.AddJobAndTasks(Job{ExeFileName: "wc"}, tasks, workers))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started = map[string]int{}
	)
	for _, task := range tasks {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := r.StartTask(id)
			if err != nil {
				return
			}
			mu.Lock()
			started[got.WorkerIP]++
			mu.Unlock()
		}(task.ID)
	}
	wg.Wait()

	for _, w := range workers {
		assert.Equal(t, 1, started[w], "worker %s started exactly one task", w)
	}
	running := r.RunningWorkers()
	assert.Len(t, running, len(workers))
	for ip, id := range running {
		task, ok := r.Task(id)
		require.True(t, ok)
		assert.Equal(t, ip, task.WorkerIP)
		assert.Equal(t, StatusStarted, task.Status)
	}
}
