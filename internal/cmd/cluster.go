package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3leaps/maplejuice/internal/config"
	"github.com/3leaps/maplejuice/pkg/control"
	"github.com/3leaps/maplejuice/pkg/taskrpc"
)

func controlClient(cfg *config.Config) *control.Client {
	return control.NewClient(control.ClientConfig{
		Port:         cfg.Control.Port,
		DialTimeout:  cfg.Control.DialTimeout,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	})
}

func apiClient(cfg *config.Config) *taskrpc.Client {
	return taskrpc.New(taskrpc.Config{Port: cfg.Server.Port})
}

// resolveLeader returns --leader when set, otherwise asks node.address which
// node currently leads.
func resolveLeader(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (string, error) {
	if leader, _ := cmd.Flags().GetString("leader"); strings.TrimSpace(leader) != "" {
		return strings.TrimSpace(leader), nil
	}
	jobs, err := apiClient(cfg).ListJobs(ctx, cfg.Node.Address)
	if err != nil {
		return "", fmt.Errorf("discover leader via %s: %w", cfg.Node.Address, err)
	}
	if jobs.Leader == "" {
		return "", fmt.Errorf("no leader elected yet")
	}
	return jobs.Leader, nil
}

func addLeaderFlag(cmd *cobra.Command) {
	cmd.Flags().String("leader", "", "Leader address (default: ask node.address)")
}

// promptConfirm answers the concurrent-write prompt interactively. Only an
// explicit "y" or "yes" proceeds.
func promptConfirm(in io.Reader, out io.Writer) control.ConfirmFunc {
	r := bufio.NewReader(in)
	return func(prompt string) bool {
		_, _ = fmt.Fprintf(out, "%s [y/N]: ", prompt)
		line, _ := r.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func confirmFor(cmd *cobra.Command) control.ConfirmFunc {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return nil
	}
	return promptConfirm(cmd.InOrStdin(), cmd.ErrOrStderr())
}
