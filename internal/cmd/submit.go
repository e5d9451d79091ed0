package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/maplejuice/internal/observability"
	"github.com/3leaps/maplejuice/pkg/control"
	"github.com/3leaps/maplejuice/pkg/scheduler"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Upload an executable and its inputs, then start a Maple job",
	Long: `Upload a Maple executable and its input files to the file store and ask
the leader to schedule the job.

Each *.txt file in --input-dir is stored as <exe>_<file name> (unless it
already carries that prefix) so the leader's catalog finds it. Settings can
come from a YAML manifest:

  exe: ./wordcount.sh
  prefix: wc
  workers: 3
  input_dir: ./inputs

Flags override manifest values.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	addSubmitFlags(submitCmd)
}

func addSubmitFlags(cmd *cobra.Command) {
	addLeaderFlag(cmd)
	cmd.Flags().String("job", "", "Path to a YAML job manifest")
	cmd.Flags().String("exe", "", "Local path of the Maple executable")
	cmd.Flags().String("prefix", "", "Intermediate file prefix")
	cmd.Flags().Int("workers", 0, "Number of workers")
	cmd.Flags().String("input-dir", "", "Directory of *.txt input files to upload")
	cmd.Flags().Bool("yes", false, "Proceed without asking when another write is in progress")
}

// jobManifest is the YAML form of a submission.
type jobManifest struct {
	Exe      string `yaml:"exe"`
	Prefix   string `yaml:"prefix"`
	Workers  int    `yaml:"workers"`
	InputDir string `yaml:"input_dir"`
}

func loadJobManifest(path string) (*jobManifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m jobManifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	// Relative paths are resolved against the manifest's directory.
	base := filepath.Dir(path)
	if m.Exe != "" && !filepath.IsAbs(m.Exe) {
		m.Exe = filepath.Join(base, m.Exe)
	}
	if m.InputDir != "" && !filepath.IsAbs(m.InputDir) {
		m.InputDir = filepath.Join(base, m.InputDir)
	}
	return &m, nil
}

func submitManifest(cmd *cobra.Command) (*jobManifest, error) {
	m := &jobManifest{}
	if path, _ := cmd.Flags().GetString("job"); path != "" {
		loaded, err := loadJobManifest(path)
		if err != nil {
			return nil, err
		}
		m = loaded
	}
	f := cmd.Flags()
	if f.Changed("exe") {
		m.Exe, _ = f.GetString("exe")
	}
	if f.Changed("prefix") {
		m.Prefix, _ = f.GetString("prefix")
	}
	if f.Changed("workers") {
		m.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("input-dir") {
		m.InputDir, _ = f.GetString("input-dir")
	}
	if strings.TrimSpace(m.Exe) == "" {
		return nil, errors.New("exe is required")
	}
	return m, nil
}

// inputUploads maps local *.txt files in dir to their store names.
func inputUploads(dir, exeName string) (map[string]string, error) {
	if dir == "" {
		return map[string]string{}, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(matches))
	for _, p := range matches {
		name := filepath.Base(p)
		if !strings.HasPrefix(name, exeName+"_") {
			name = exeName + "_" + name
		}
		out[p] = name
	}
	return out, nil
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	m, err := submitManifest(cmd)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid job", err)
	}
	exeName := filepath.Base(m.Exe)
	req := scheduler.JobRequest{ExeFileName: exeName, IntermediatePrefix: m.Prefix, NumWorkers: m.Workers}
	if err := req.Validate(); err != nil {
		return exitError(ExitInvalidArgument, "Invalid job", err)
	}
	uploads, err := inputUploads(m.InputDir, exeName)
	if err != nil {
		return exitError(ExitInvalidArgument, "Invalid --input-dir", err)
	}

	leader, err := resolveLeader(ctx, cmd, appConfig)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Leader unavailable", err)
	}
	files := controlClient(appConfig)
	confirm := confirmFor(cmd)

	if err := uploadFile(ctx, files, leader, m.Exe, exeName, confirm); err != nil {
		return err
	}
	locals := make([]string, 0, len(uploads))
	for p := range uploads {
		locals = append(locals, p)
	}
	sort.Strings(locals)
	for _, p := range locals {
		if err := uploadFile(ctx, files, leader, p, uploads[p], confirm); err != nil {
			return err
		}
	}

	sub, err := apiClient(appConfig).SubmitJob(ctx, leader, req)
	if err != nil {
		return exitError(ExitFailure, "Job submission failed", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "job=%s tasks=%d workers=%s\n",
		sub.Job.ExeFileName, len(sub.Tasks), strings.Join(sub.Workers, ","))
	return nil
}

func uploadFile(ctx context.Context, files *control.Client, leader, local, name string, confirm control.ConfirmFunc) error {
	f, err := os.Open(local)
	if err != nil {
		return exitError(ExitFileReadError, "Failed to open "+local, err)
	}
	defer func() { _ = f.Close() }()

	observability.CLILogger.Debug("Uploading", zap.String("local", local), zap.String("name", name), zap.String("leader", leader))
	if err := files.Put(ctx, leader, name, f, confirm); err != nil {
		if errors.Is(err, control.ErrWriteDeclined) {
			return exitError(ExitWriteDeclined, "Upload of "+name+" declined", err)
		}
		return exitError(ExitFailure, "Upload of "+name+" failed", err)
	}
	return nil
}
