package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/internal/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a cluster node",
	Long: `Run a maplejuice node until interrupted.

The node serves the control protocol on control.port and the HTTP API on
server.port, probes its peers, takes part in leader election and, while it is
the leader, schedules Maple tasks.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appConfig
	log, err := observability.NewLogger("maplejuice", cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(ExitConfigInvalid, "Invalid logging configuration", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("node", cfg.Node.Address))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, log)
	if err != nil {
		return exitError(ExitExternalServiceUnavailable, "Failed to start node", err)
	}
	if err := n.run(ctx); err != nil {
		return exitError(ExitFailure, "Node stopped with errors", err)
	}
	log.Info("Node stopped")
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}
