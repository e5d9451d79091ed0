// Package maple runs Maple tasks on a worker node.
//
// A run fetches the executable and its input file from the SDFS leader,
// executes `<exe> <input>`, groups the output lines by their first
// whitespace-separated token and stores each group as
// `<prefix>_<key>_<task_id>`. The leader is told the task is complete only
// after every group is stored; a run that fails anywhere is left for the
// leader to time out and reassign.
package maple

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/pkg/control"
	"github.com/3leaps/maplejuice/pkg/jobregistry"
)

// FileClient moves SDFS files. *control.Client satisfies it.
type FileClient interface {
	Get(ctx context.Context, host, name string, w io.Writer) error
	Put(ctx context.Context, host, name string, r io.Reader, confirm control.ConfirmFunc) error
}

// Notifier reports task completion. *taskrpc.Client satisfies it.
type Notifier interface {
	NotifyTaskComplete(ctx context.Context, leader, taskID, worker string) error
}

// Config configures a Runner.
type Config struct {
	// WorkDir holds per-task scratch directories.
	WorkDir string

	// Leader returns the current leader address.
	Leader func() string
}

type Runner struct {
	files    FileClient
	notifier Notifier
	exec     *jobregistry.Executor
	cfg      Config
	log      *zap.Logger

	wg sync.WaitGroup
}

var _ FileClient = (*control.Client)(nil)

func NewRunner(files FileClient, notifier Notifier, exec *jobregistry.Executor, cfg Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{files: files, notifier: notifier, exec: exec, cfg: cfg, log: log}
}

// Start runs task in the background.
func (r *Runner) Start(ctx context.Context, task jobregistry.Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx, task); err != nil {
			r.log.Error("Maple task failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run executes task to completion and notifies the leader.
func (r *Runner) Run(ctx context.Context, task jobregistry.Task) error {
	leader := ""
	if r.cfg.Leader != nil {
		leader = r.cfg.Leader()
	}
	if leader == "" {
		return fmt.Errorf("no leader known")
	}
	log := r.log.With(zap.String("task_id", task.ID), zap.String("exe", task.ExeFileName), zap.String("input", task.InputFileName))

	dir := filepath.Join(r.cfg.WorkDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	exePath := filepath.Join(dir, "exe")
	if err := r.fetch(ctx, leader, task.ExeFileName, exePath); err != nil {
		return err
	}
	inputPath := filepath.Join(dir, "input")
	if err := r.fetch(ctx, leader, task.InputFileName, inputPath); err != nil {
		return err
	}

	log.Info("Running maple task")
	res, err := r.exec.Run(ctx, task.ID, exePath, inputPath)
	if err != nil {
		return err
	}

	groups, err := GroupByKey(bytes.NewReader(res.Stdout))
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := IntermediateName(task.IntermediatePrefix, k, task.ID)
		body := strings.Join(groups[k], "\n") + "\n"
		if err := r.files.Put(ctx, leader, name, strings.NewReader(body), nil); err != nil {
			return fmt.Errorf("put %s: %w", name, err)
		}
	}
	log.Info("Maple task output stored", zap.Int("keys", len(keys)), zap.Duration("duration", res.Duration))

	if err := r.notifier.NotifyTaskComplete(ctx, leader, task.ID, task.WorkerIP); err != nil {
		return fmt.Errorf("notify completion: %w", err)
	}
	return nil
}

func (r *Runner) fetch(ctx context.Context, leader, name, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if err := r.files.Get(ctx, leader, name, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("get %s: %w", name, err)
	}
	return f.Close()
}

// GroupByKey buckets non-blank lines by their first whitespace-separated
// token, keeping input order within each bucket.
func GroupByKey(r io.Reader) (map[string][]string, error) {
	groups := make(map[string][]string)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		groups[fields[0]] = append(groups[fields[0]], line)
	}
	return groups, sc.Err()
}

// IntermediateName is the SDFS name of one key's output from one task. Path
// separators in the key are flattened.
func IntermediateName(prefix, key, taskID string) string {
	key = strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	return prefix + "_" + key + "_" + taskID
}
