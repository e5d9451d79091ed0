package jobregistry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Executor runs Maple executables as child processes.
//
// Each run gets its own directory under root:
//
//	<root>/<task_id>/stderr.log
//
// stdout is captured in memory and returned to the caller once the child
// exits.
type Executor struct {
	root string
}

func NewExecutor(root string) *Executor {
	return &Executor{root: strings.TrimSpace(root)}
}

func (e *Executor) RunDir(taskID string) string {
	return filepath.Join(e.root, taskID)
}

func (e *Executor) StderrPath(taskID string) string {
	return filepath.Join(e.RunDir(taskID), "stderr.log")
}

// RunResult describes a finished child process.
type RunResult struct {
	TaskID     string
	Stdout     []byte
	StderrPath string
	ExitCode   int
	Duration   time.Duration
}

// Run executes exePath with args and blocks until it exits. A non-zero exit is
// reported as an error; the result is still returned so callers can inspect
// the exit code.
func (e *Executor) Run(ctx context.Context, taskID, exePath string, args ...string) (*RunResult, error) {
	if e == nil || e.root == "" {
		return nil, fmt.Errorf("executor is not initialized")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	absExe, err := filepath.Abs(strings.TrimSpace(exePath))
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}
	info, err := os.Stat(absExe)
	if err != nil {
		return nil, fmt.Errorf("executable not found: %s", absExe)
	}
	if info.Mode()&0111 == 0 {
		if err := os.Chmod(absExe, info.Mode()|0755); err != nil {
			return nil, fmt.Errorf("make executable: %w", err)
		}
	}

	if err := os.MkdirAll(e.RunDir(taskID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	stderrFile, err := os.Create(e.StderrPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, absExe, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	start := time.Now()
	runErr := cmd.Run()
	res := &RunResult{
		TaskID:     taskID,
		Stdout:     stdout.Bytes(),
		StderrPath: e.StderrPath(taskID),
		Duration:   time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		return res, fmt.Errorf("run %s: %w", filepath.Base(absExe), runErr)
	}
	return res, nil
}
