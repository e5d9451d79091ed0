package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/membership"
)

// InputLister finds the input files of a job. *catalog.Catalog satisfies it.
type InputLister interface {
	Inputs(ctx context.Context, exe string) ([]string, error)
}

// JobRequest is a Maple job submission.
type JobRequest struct {
	ExeFileName        string `json:"exe_file_name" yaml:"exe"`
	IntermediatePrefix string `json:"intermediate_prefix" yaml:"intermediate_prefix"`

	// NumWorkers is how many distinct workers the job's tasks are spread
	// over.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.ExeFileName) == "" {
		return fmt.Errorf("%w: exe file name is required", ErrInvalidJob)
	}
	if strings.TrimSpace(r.IntermediatePrefix) == "" {
		return fmt.Errorf("%w: intermediate prefix is required", ErrInvalidJob)
	}
	if strings.ContainsAny(r.IntermediatePrefix, "/\\") {
		return fmt.Errorf("%w: intermediate prefix must not contain path separators", ErrInvalidJob)
	}
	if r.NumWorkers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerCount, r.NumWorkers)
	}
	return nil
}

// Submission is the outcome of CreateJob.
type Submission struct {
	Job     jobregistry.Job    `json:"job"`
	Tasks   []jobregistry.Task `json:"tasks"`
	Workers []string           `json:"workers"`
}

// Submitter is the only place jobs and tasks are created.
type Submitter struct {
	reg    *jobregistry.Registry
	view   membership.View
	inputs InputLister
	log    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSubmitter builds a Submitter. A nil rng is seeded from the clock.
func NewSubmitter(reg *jobregistry.Registry, view membership.View, inputs InputLister, rng *rand.Rand, log *zap.Logger) *Submitter {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{reg: reg, view: view, inputs: inputs, rng: rng, log: log}
}

// CreateJob discovers the job's inputs, picks workers and registers one
// NOTSTARTED task per input, assigning workers round-robin.
func (s *Submitter) CreateJob(ctx context.Context, req JobRequest) (*Submission, error) {
	req.ExeFileName = strings.TrimSpace(req.ExeFileName)
	req.IntermediatePrefix = strings.TrimSpace(req.IntermediatePrefix)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	inputs, err := s.inputs.Inputs(ctx, req.ExeFileName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	workers, err := GetWorkers(s.view.LiveNodes(), req.NumWorkers, s.rng)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	tasks := make([]jobregistry.Task, len(inputs))
	for i, in := range inputs {
		tasks[i] = jobregistry.Task{
			ID:                 uuid.NewString(),
			ExeFileName:        req.ExeFileName,
			InputFileName:      in,
			IntermediatePrefix: req.IntermediatePrefix,
			WorkerIP:           workers[i%len(workers)],
			Status:             jobregistry.StatusNotStarted,
		}
	}

	job := jobregistry.Job{ExeFileName: req.ExeFileName, IntermediatePrefix: req.IntermediatePrefix}
	if err := s.reg.AddJobAndTasks(job, tasks, workers); err != nil {
		return nil, err
	}

	registered, _ := s.reg.Job(req.ExeFileName)
	s.log.Info("Job submitted",
		zap.String("exe", req.ExeFileName),
		zap.Int("tasks", len(tasks)),
		zap.Strings("workers", workers),
	)
	return &Submission{Job: registered, Tasks: tasks, Workers: workers}, nil
}
