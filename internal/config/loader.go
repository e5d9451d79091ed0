package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix and its config file.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used by Load.
var DefaultIdentity = AppIdentity{
	BinaryName: "maplejuice",
	EnvPrefix:  "MAPLEJUICE",
	ConfigName: "maplejuice",
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

type envSpec struct {
	Name string
	Path string
}

// Short env names for the settings operators change most. Every other key is
// reachable as <PREFIX>_<SECTION>_<KEY>.
var envShortNames = []struct {
	suffix string
	path   string
}{
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"NODE_ADDRESS", "node.address"},
	{"DATA_DIR", "node.data_dir"},
	{"CONTROL_PORT", "control.port"},
	{"PEERS", "cluster.peers"},
	{"STORE_BACKEND", "store.backend"},
	{"S3_BUCKET", "store.s3.bucket"},
	{"S3_ENDPOINT", "store.s3.endpoint"},
	{"S3_REGION", "store.s3.region"},
	{"TASK_TIMEOUT", "scheduler.task_timeout"},
}

func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}
	specs := make([]envSpec, 0, len(envShortNames))
	for _, s := range envShortNames {
		specs = append(specs, envSpec{Name: id.EnvPrefix + "_" + s.suffix, Path: s.path})
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.BinaryName, id.ConfigName+".yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", id.BinaryName, id.ConfigName+".yaml"))
	}
	return paths
}

// Load builds the configuration and makes it available through GetConfig.
// Each overrides map is nested by section, e.g. {"server": {"port": 9000}}.
func Load(_ context.Context, overrides ...map[string]any) (*Config, error) {
	id := DefaultIdentity
	configMu.Lock()
	appIdentity = &id
	configMu.Unlock()

	v := viper.New()
	ApplyDefaults(v)

	for _, path := range configFiles(id) {
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(id.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		full := id.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))
		if err := v.BindEnv(spec.Path, spec.Name, full); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func configFiles(id AppIdentity) []string {
	var files []string
	for _, p := range getUserConfigPaths() {
		if fileExists(p) {
			files = append(files, p)
			break
		}
	}
	if root, err := findProjectRoot(); err == nil {
		p := filepath.Join(root, id.ConfigName+".yaml")
		if fileExists(p) {
			files = append(files, p)
		}
	}
	if explicit := os.Getenv(id.EnvPrefix + "_CONFIG"); explicit != "" {
		files = append(files, explicit)
	}
	return files
}

func mergeFile(v *viper.Viper, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.SetConfigType("yaml")
	if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))

	peers := cfg.Cluster.Peers[:0]
	for _, p := range cfg.Cluster.Peers {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	cfg.Cluster.Peers = peers

	if cfg.Store.File.Root == "" {
		cfg.Store.File.Root = filepath.Join(cfg.Node.DataDir, "sdfs")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile:
	case BackendS3:
		if c.Store.S3.Bucket == "" {
			return fmt.Errorf("store.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	for name, port := range map[string]int{"server.port": c.Server.Port, "control.port": c.Control.Port} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if strings.TrimSpace(c.Node.Address) == "" {
		return fmt.Errorf("node.address is required")
	}
	return nil
}

// Paths derived from node.data_dir.
func (c *Config) JobsDir() string  { return filepath.Join(c.Node.DataDir, "jobs") }
func (c *Config) TasksDir() string { return filepath.Join(c.Node.DataDir, "tasks") }
func (c *Config) SpoolDir() string { return filepath.Join(c.Node.DataDir, "spool") }

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
