package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/maplejuice/pkg/control"
)

var sdfsCmd = &cobra.Command{
	Use:   "sdfs",
	Short: "Read and write files in the cluster file store",
}

var sdfsGetCmd = &cobra.Command{
	Use:   "get <name> [local_path]",
	Short: "Download a file (stdout when no path is given)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSdfsGet,
}

var sdfsPutCmd = &cobra.Command{
	Use:   "put <local_path> <name>",
	Short: "Upload a text file",
	Args:  cobra.ExactArgs(2),
	RunE:  runSdfsPut,
}

var sdfsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSdfsDelete,
}

func init() {
	rootCmd.AddCommand(sdfsCmd)
	sdfsCmd.AddCommand(sdfsGetCmd, sdfsPutCmd, sdfsDeleteCmd)
	for _, c := range []*cobra.Command{sdfsGetCmd, sdfsPutCmd, sdfsDeleteCmd} {
		addLeaderFlag(c)
	}
	sdfsPutCmd.Flags().Bool("yes", false, "Proceed without asking when another write is in progress")
}

func runSdfsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	leader, err := resolveLeader(ctx, cmd, appConfig)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Leader unavailable", err)
	}

	out := cmd.OutOrStdout()
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			return exitError(ExitFailure, "Failed to create output file", err)
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	if err := controlClient(appConfig).Get(ctx, leader, args[0], out); err != nil {
		return exitError(ExitFailure, fmt.Sprintf("get %s failed", args[0]), err)
	}
	return nil
}

func runSdfsPut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	leader, err := resolveLeader(ctx, cmd, appConfig)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Leader unavailable", err)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return exitError(ExitFileReadError, "Failed to open input file", err)
	}
	defer func() { _ = f.Close() }()

	if err := controlClient(appConfig).Put(ctx, leader, args[1], f, confirmFor(cmd)); err != nil {
		if errors.Is(err, control.ErrWriteDeclined) {
			return exitError(ExitWriteDeclined, "Write declined", err)
		}
		return exitError(ExitFailure, fmt.Sprintf("put %s failed", args[1]), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored=%s\n", args[1])
	return nil
}

func runSdfsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	leader, err := resolveLeader(ctx, cmd, appConfig)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Leader unavailable", err)
	}
	if err := controlClient(appConfig).Delete(ctx, leader, args[0]); err != nil {
		return exitError(ExitFailure, fmt.Sprintf("delete %s failed", args[0]), err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted=%s\n", args[0])
	return nil
}
