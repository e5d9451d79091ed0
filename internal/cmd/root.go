// Package cmd implements the maplejuice command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/internal/config"
	"github.com/3leaps/maplejuice/internal/observability"
	"github.com/3leaps/maplejuice/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *config.AppIdentity
	appConfig   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "maplejuice",
	Short: "Fault-tolerant Maple/Juice job scheduler",
	Long: `maplejuice runs Maple jobs over a set of peer nodes.

Every node serves the control protocol (election and SDFS file transfer) and
an HTTP API. The elected leader owns the job registry and schedules tasks onto
live workers; workers fetch inputs from the leader, run the Maple executable
and store grouped output back in SDFS.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.Bool("verbose", false, "Enable debug logging")
	pf.String("address", "", "This node's address (overrides node.address)")
	pf.String("data-dir", "", "Data directory (overrides node.data_dir)")
	pf.Int("port", 0, "HTTP API port (overrides server.port)")
	pf.Int("control-port", 0, "Control protocol port (overrides control.port)")
	pf.StringSlice("peers", nil, "Peer addresses (overrides cluster.peers)")
	pf.String("log-level", "", "Log level (overrides logging.level)")
}

// SetVersionInfo records build metadata reported by `version` and GET /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = buildInfo{Version: version, Commit: commit, BuildDate: buildDate}
	handlers.SetVersionInfo(handlers.VersionInfo{Version: version, Commit: commit, BuildDate: buildDate})
}

// GetAppIdentity returns the identity resolved at startup, or nil before any
// command ran.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitCode(err)
	}
	return ExitSuccess
}

func initConfig(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	observability.InitCLILogger("maplejuice", verbose)

	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(ExitConfigInvalid, "Invalid configuration", err)
	}
	id := config.DefaultIdentity
	appIdentity = &id
	appConfig = cfg
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("node", cfg.Node.Address),
		zap.String("store", cfg.Store.Backend),
	)
	return nil
}

// flagOverrides turns explicitly set persistent flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(section, key string, val any) {
		m, ok := out[section].(map[string]any)
		if !ok {
			m = map[string]any{}
			out[section] = m
		}
		m[key] = val
	}
	f := cmd.Flags()
	if f.Changed("address") {
		v, _ := f.GetString("address")
		set("node", "address", v)
	}
	if f.Changed("data-dir") {
		v, _ := f.GetString("data-dir")
		set("node", "data_dir", v)
	}
	if f.Changed("port") {
		v, _ := f.GetInt("port")
		set("server", "port", v)
	}
	if f.Changed("control-port") {
		v, _ := f.GetInt("control-port")
		set("control", "port", v)
	}
	if f.Changed("peers") {
		v, _ := f.GetStringSlice("peers")
		set("cluster", "peers", v)
	}
	if f.Changed("log-level") {
		v, _ := f.GetString("log-level")
		set("logging", "level", v)
	}
	return out
}
