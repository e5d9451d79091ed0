package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/maplejuice/internal/errors"
	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/scheduler"
	"github.com/3leaps/maplejuice/pkg/taskrpc"
)

// LeaderView is the slice of membership the API needs.
type LeaderView interface {
	Leader() string
	IsLeader() bool
}

type JobSubmitter interface {
	CreateJob(ctx context.Context, req scheduler.JobRequest) (*scheduler.Submission, error)
}

// TaskScheduler is the leader-side scheduler.
type TaskScheduler interface {
	CompleteTask(taskID, worker string) (jobregistry.Task, error)
	Stats() scheduler.Stats
}

// TaskRunner runs accepted tasks in the background.
type TaskRunner interface {
	Start(ctx context.Context, task jobregistry.Task)
}

// API serves the /v1 job and task endpoints. Leader endpoints answer 409
// NOT_LEADER on followers; worker endpoints are served by every node.
type API struct {
	View      LeaderView
	Registry  *jobregistry.Registry
	Submitter JobSubmitter
	Scheduler TaskScheduler
	Runner    TaskRunner

	// RunContext bounds accepted tasks. Defaults to context.Background().
	RunContext context.Context
	Logger     *zap.Logger
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs", a.listJobs)
		r.Post("/tasks", a.acceptTask)
		r.Post("/tasks/{taskID}/complete", a.completeTask)
		r.Get("/scheduler", a.schedulerStats)
	})
}

func (a *API) log() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *API) requireLeader(w http.ResponseWriter, r *http.Request) bool {
	if a.View != nil && a.View.IsLeader() {
		return true
	}
	leader := ""
	if a.View != nil {
		leader = a.View.Leader()
	}
	respondWithError(w, r, apperrors.New(http.StatusConflict, apperrors.CodeNotLeader, "this node is not the leader").
		WithDetails(map[string]any{"leader": leader}))
	return false
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	if !a.requireLeader(w, r) {
		return
	}
	if a.Submitter == nil {
		respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "job submission is not available"))
		return
	}
	var req scheduler.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, "invalid job request: "+err.Error()))
		return
	}
	sub, err := a.Submitter.CreateJob(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) listJobs(w http.ResponseWriter, _ *http.Request) {
	out := taskrpc.JobList{Jobs: []jobregistry.Job{}}
	if a.View != nil {
		out.Leader = a.View.Leader()
	}
	if a.Registry != nil {
		out.Jobs = a.Registry.Jobs()
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) acceptTask(w http.ResponseWriter, r *http.Request) {
	if a.Runner == nil {
		respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "task runner is not available"))
		return
	}
	var task jobregistry.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, "invalid task: "+err.Error()))
		return
	}
	var missing []string
	if strings.TrimSpace(task.ID) == "" {
		missing = append(missing, "task_id")
	}
	if strings.TrimSpace(task.ExeFileName) == "" {
		missing = append(missing, "exe_file_name")
	}
	if strings.TrimSpace(task.InputFileName) == "" {
		missing = append(missing, "input_file_name")
	}
	if len(missing) > 0 {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, "task is missing required fields").
			WithDetails(map[string]any{"missing": missing}))
		return
	}

	ctx := a.RunContext
	if ctx == nil {
		ctx = context.Background()
	}
	a.Runner.Start(ctx, task)
	a.log().Info("Accepted task", zap.String("task_id", task.ID), zap.String("exe", task.ExeFileName))
	writeJSON(w, http.StatusAccepted, taskrpc.AcceptedTask{TaskID: task.ID, Accepted: true})
}

func (a *API) completeTask(w http.ResponseWriter, r *http.Request) {
	if !a.requireLeader(w, r) {
		return
	}
	if a.Scheduler == nil {
		respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "scheduler is not available"))
		return
	}
	// An empty body is a report from the task's current owner.
	var report taskrpc.TaskCompletion
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, r, apperrors.New(http.StatusBadRequest, apperrors.CodeBadRequest, "invalid completion report: "+err.Error()))
		return
	}
	t, err := a.Scheduler.CompleteTask(chi.URLParam(r, "taskID"), strings.TrimSpace(report.Worker))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) schedulerStats(w http.ResponseWriter, r *http.Request) {
	if a.Scheduler == nil {
		respondWithError(w, r, apperrors.New(http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "scheduler is not available"))
		return
	}
	writeJSON(w, http.StatusOK, a.Scheduler.Stats())
}
