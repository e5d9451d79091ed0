package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/maplejuice/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect Maple jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs from this node's job records (data_dir/jobs), or from the live
leader registry with --remote.`,
	RunE: runJobsList,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler statistics of the leader",
	RunE:  runJobsStats,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().Bool("remote", false, "Query the leader instead of local records")
	addLeaderFlag(jobsListCmd)
	addLeaderFlag(jobsStatsCmd)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	remote, _ := cmd.Flags().GetBool("remote")
	out := cmd.OutOrStdout()

	if remote {
		leader, err := resolveLeader(cmd.Context(), cmd, appConfig)
		if err != nil {
			return exitError(ExitExternalServiceUnavailable, "Leader unavailable", err)
		}
		list, err := apiClient(appConfig).ListJobs(cmd.Context(), leader)
		if err != nil {
			return exitError(ExitExternalServiceUnavailable, "List jobs failed", err)
		}
		if jsonOutput {
			return writeJSON(out, list)
		}
		return printLiveJobs(out, list.Jobs)
	}

	records, err := jobregistry.NewStore(appConfig.JobsDir()).List()
	if err != nil {
		return exitError(ExitFileReadError, "Failed to read job records", err)
	}
	if jsonOutput {
		return writeJSON(out, records)
	}
	return printJobRecords(out, records)
}

func runJobsStats(cmd *cobra.Command, _ []string) error {
	leader, err := resolveLeader(cmd.Context(), cmd, appConfig)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Leader unavailable", err)
	}
	stats, err := apiClient(appConfig).SchedulerStats(cmd.Context(), leader)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Scheduler stats failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), stats)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobRecords(out io.Writer, records []jobregistry.JobRecord) error {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB\tSTATE\tTASKS\tFINISHED\tSTARTED\tENDED\tPREFIX")
	for _, r := range records {
		prefix := r.IntermediatePrefix
		if prefix == "" {
			prefix = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.JobID, r.State, r.TaskCount, r.FinishedTasks,
			formatOptionalTime(r.StartedAt), formatOptionalTime(r.EndedAt), prefix)
	}
	return nil
}

func printLiveJobs(out io.Writer, jobs []jobregistry.Job) error {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB\tSTATUS\tTASKS\tSTARTED\tFINISHED\tPREFIX")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			j.ExeFileName, j.Status, len(j.TaskIDs),
			formatOptionalTime(j.StartedAt), formatOptionalTime(j.FinishedAt), j.IntermediatePrefix)
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
