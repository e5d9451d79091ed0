package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/maplejuice/internal/config"
	"github.com/3leaps/maplejuice/internal/server"
	"github.com/3leaps/maplejuice/internal/server/handlers"
	"github.com/3leaps/maplejuice/pkg/catalog"
	"github.com/3leaps/maplejuice/pkg/control"
	"github.com/3leaps/maplejuice/pkg/election"
	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/maple"
	"github.com/3leaps/maplejuice/pkg/membership"
	"github.com/3leaps/maplejuice/pkg/provider"
	"github.com/3leaps/maplejuice/pkg/provider/file"
	"github.com/3leaps/maplejuice/pkg/provider/s3"
	"github.com/3leaps/maplejuice/pkg/scheduler"
	"github.com/3leaps/maplejuice/pkg/taskrpc"
)

// node is one fully wired cluster member. Every node runs every component;
// leader-only work is gated on the membership view.
type node struct {
	cfg *config.Config
	log *zap.Logger

	list      *membership.List
	prober    *membership.Prober
	store     provider.Store
	registry  *jobregistry.Registry
	elector   *election.Elector
	control   *control.Server
	scheduler *scheduler.Scheduler
	runner    *maple.Runner
	http      *server.Server
	health    *handlers.HealthManager
}

func newNode(ctx context.Context, cfg *config.Config, log *zap.Logger) (*node, error) {
	n := &node{cfg: cfg, log: log}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	n.store = store

	for _, dir := range []string{cfg.JobsDir(), cfg.TasksDir(), cfg.SpoolDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	n.list = membership.NewList(cfg.Node.Address, cfg.Cluster.Peers...)
	n.registry = jobregistry.NewRegistry(
		jobregistry.WithRecorder(jobregistry.NewStore(cfg.JobsDir())),
		jobregistry.WithLogger(log.Named("registry")),
	)

	ctl := control.NewClient(control.ClientConfig{
		Port:         cfg.Control.Port,
		DialTimeout:  cfg.Control.DialTimeout,
		ReadTimeout:  cfg.Control.ReadTimeout,
		WriteTimeout: cfg.Control.WriteTimeout,
	})
	rpc := taskrpc.New(taskrpc.Config{Port: cfg.Server.Port, Timeout: cfg.Scheduler.DispatchTimeout})

	n.elector = election.New(n.list, ctl, election.Config{
		VictoryTimeout: cfg.Election.VictoryTimeout,
		RequestTimeout: cfg.Election.RequestTimeout,
	}, log.Named("election"))

	handler := control.NewHandler(control.HandlerConfig{
		View:     n.list,
		Elector:  n.elector,
		Store:    store,
		SpoolDir: cfg.SpoolDir(),
		Logger:   log.Named("control"),
	})
	n.control = control.NewServer(control.ServerConfig{
		Addr:           net.JoinHostPort("", strconv.Itoa(cfg.Control.Port)),
		MaxConnections: cfg.Control.MaxConnections,
		ReadTimeout:    cfg.Control.ReadTimeout,
		WriteTimeout:   cfg.Control.WriteTimeout,
	}, handler, log.Named("control"))

	n.prober = membership.NewProber(n.list, membership.ProberConfig{
		Peers:    cfg.Cluster.Peers,
		Port:     cfg.Control.Port,
		Interval: cfg.Cluster.ProbeInterval,
		Timeout:  cfg.Cluster.ProbeTimeout,
	}, log.Named("membership"))
	n.prober.OnChange = n.onMembershipChange

	n.scheduler = scheduler.New(n.registry, n.list, rpc, scheduler.Config{
		Interval:        cfg.Scheduler.Interval,
		TaskTimeout:     cfg.Scheduler.TaskTimeout,
		DispatchTimeout: cfg.Scheduler.DispatchTimeout,
		SubmitRate:      cfg.Scheduler.SubmitRate,
		SubmitBurst:     cfg.Scheduler.SubmitBurst,
		IsLeader:        n.list.IsLeader,
	}, log.Named("scheduler"))

	cat, err := catalog.New(store, cfg.Catalog.Pattern)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	submitter := scheduler.NewSubmitter(n.registry, n.list, cat, nil, log.Named("submit"))

	n.runner = maple.NewRunner(ctl, rpc, jobregistry.NewExecutor(cfg.TasksDir()), maple.Config{
		WorkDir: cfg.TasksDir(),
		Leader:  n.list.Leader,
	}, log.Named("maple"))

	n.health = handlers.InitHealthManager(versionInfo.Version)
	n.health.RegisterChecker("store", handlers.StoreChecker{Store: store})
	n.health.RegisterChecker("identity", identityHealthChecker{
		binaryName: config.DefaultIdentity.BinaryName,
		envPrefix:  config.DefaultIdentity.EnvPrefix,
		configName: config.DefaultIdentity.ConfigName,
	})
	n.health.RegisterChecker("leader", handlers.LeaderChecker{View: n.list})

	n.http = server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(log.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
		server.WithAPI(&handlers.API{
			View:       n.list,
			Registry:   n.registry,
			Submitter:  submitter,
			Scheduler:  n.scheduler,
			Runner:     n.runner,
			RunContext: ctx,
			Logger:     log.Named("api"),
		}),
	)
	return n, nil
}

// onMembershipChange starts an election when the leader is unknown, which
// includes the leader having just been marked dead.
func (n *node) onMembershipChange(alive, dead []string) {
	n.log.Info("Membership changed", zap.Strings("alive", alive), zap.Strings("dead", dead))
	if n.list.Leader() == "" {
		n.elector.StartElection()
	}
}

// run serves until ctx is cancelled and every component has stopped.
func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	serve := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil && !errors.Is(err, context.Canceled) {
				n.log.Error("Component failed", zap.String("component", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	serve("control", n.control.ListenAndServe)
	serve("http", n.http.ListenAndServe)
	serve("membership", func(ctx context.Context) error { n.prober.Run(ctx); return nil })
	serve("election", func(ctx context.Context) error { n.elector.Run(ctx); return nil })
	serve("scheduler", func(ctx context.Context) error { n.scheduler.Run(ctx); return nil })

	n.elector.StartElection()
	n.log.Info("Node started",
		zap.String("address", n.cfg.Node.Address),
		zap.Int("control_port", n.cfg.Control.Port),
		zap.Int("http_port", n.cfg.Server.Port),
		zap.Strings("peers", n.cfg.Cluster.Peers),
	)

	<-ctx.Done()
	wg.Wait()
	n.scheduler.Wait()
	n.runner.Wait()
	if err := n.store.Close(); err != nil {
		n.log.Warn("Failed to close store", zap.Error(err))
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config) (provider.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendS3:
		p, err := s3.New(ctx, s3.Config{
			Bucket:         cfg.Store.S3.Bucket,
			KeyPrefix:      cfg.Store.S3.Prefix,
			Region:         cfg.Store.S3.Region,
			Endpoint:       cfg.Store.S3.Endpoint,
			Profile:        cfg.Store.S3.Profile,
			ForcePathStyle: cfg.Store.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		p, err := file.New(file.Config{BaseDir: cfg.Store.File.Root})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}
