// Package config loads node configuration.
//
// Precedence, lowest first: defaults, user config file, project config file,
// $MAPLEJUICE_CONFIG, MAPLEJUICE_* environment variables, runtime overrides.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/3leaps/maplejuice/pkg/catalog"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Server    ServerConfig    `mapstructure:"server"`
	Control   ControlConfig   `mapstructure:"control"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Election  ElectionConfig  `mapstructure:"election"`
	Store     StoreConfig     `mapstructure:"store"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type NodeConfig struct {
	// Address is this node's IP as peers see it.
	Address string `mapstructure:"address"`
	// DataDir holds job records, task scratch space and the file store.
	DataDir string `mapstructure:"data_dir"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ControlConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	MaxConnections int           `mapstructure:"max_connections"`
}

type ClusterConfig struct {
	Peers         []string      `mapstructure:"peers"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	SubmitRate      float64       `mapstructure:"submit_rate"`
	SubmitBurst     int           `mapstructure:"submit_burst"`
}

type ElectionConfig struct {
	VictoryTimeout time.Duration `mapstructure:"victory_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Store backends.
const (
	BackendFile = "file"
	BackendS3   = "s3"
)

type StoreConfig struct {
	Backend string          `mapstructure:"backend"`
	File    FileStoreConfig `mapstructure:"file"`
	S3      S3StoreConfig   `mapstructure:"s3"`
}

type FileStoreConfig struct {
	// Root defaults to <data_dir>/sdfs.
	Root string `mapstructure:"root"`
}

type S3StoreConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type CatalogConfig struct {
	Pattern string `mapstructure:"pattern"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ApplyDefaults registers every default on v.
func ApplyDefaults(v *viper.Viper) {
	v.SetDefault("node.address", "127.0.0.1")
	v.SetDefault("node.data_dir", "./data")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("control.port", 7070)
	v.SetDefault("control.read_timeout", "30s")
	v.SetDefault("control.write_timeout", "30s")
	v.SetDefault("control.dial_timeout", "5s")
	v.SetDefault("control.max_connections", 64)

	v.SetDefault("cluster.peers", []string{})
	v.SetDefault("cluster.probe_interval", "2s")
	v.SetDefault("cluster.probe_timeout", "1s")

	v.SetDefault("scheduler.interval", "5s")
	v.SetDefault("scheduler.task_timeout", "10m")
	v.SetDefault("scheduler.dispatch_timeout", "30s")
	v.SetDefault("scheduler.submit_rate", 0.0)
	v.SetDefault("scheduler.submit_burst", 1)

	v.SetDefault("election.victory_timeout", "10s")
	v.SetDefault("election.request_timeout", "3s")

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.file.root", "")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.prefix", "")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.profile", "")
	v.SetDefault("store.s3.force_path_style", false)

	v.SetDefault("catalog.pattern", catalog.DefaultPattern)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}
