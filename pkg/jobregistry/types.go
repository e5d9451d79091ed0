package jobregistry

import "time"

// TaskStatus is the state of a Task, and the aggregate state of a Job.
type TaskStatus string

const (
	StatusNotStarted TaskStatus = "NOTSTARTED"
	StatusStarted    TaskStatus = "STARTED"
	StatusFinished   TaskStatus = "FINISHED"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusStarted, StatusFinished:
		return true
	}
	return false
}

// Task is one Maple work unit: one input file bound to one worker.
type Task struct {
	ID                 string     `json:"task_id"`
	ExeFileName        string     `json:"exe_file_name"`
	InputFileName      string     `json:"input_file_name"`
	IntermediatePrefix string     `json:"intermediate_prefix"`
	WorkerIP           string     `json:"worker_ip"`
	Status             TaskStatus `json:"status"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
}

// Job groups the tasks created for one executable. ExeFileName is the job's
// identity.
type Job struct {
	ExeFileName        string     `json:"exe_file_name"`
	IntermediatePrefix string     `json:"intermediate_prefix"`
	TaskIDs            []string   `json:"task_ids"`
	Status             TaskStatus `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// JobState is the lifecycle state written to job.json.
//
// NOTE: These values are persisted and are part of the stable on-disk
// contract.
type JobState string

const (
	JobStateQueued  JobState = "queued"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateUnknown JobState = "unknown"
)

func jobStateFor(s TaskStatus) JobState {
	switch s {
	case StatusNotStarted:
		return JobStateQueued
	case StatusStarted:
		return JobStateRunning
	case StatusFinished:
		return JobStateSuccess
	}
	return JobStateUnknown
}

// JobRecord is the persistent record written to job.json. It is informational:
// the live registry is never rebuilt from it.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID              string    `json:"job_id"`
	IntermediatePrefix string    `json:"intermediate_prefix,omitempty"`
	State              JobState  `json:"state"`
	TaskCount          int       `json:"task_count"`
	FinishedTasks      int       `json:"finished_tasks"`
	Workers            []string  `json:"workers,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
