// Package main implements a conveyor coordinator replica.
//
// Every replica serves the REST gateway and answers worker heartbeats from
// the shared store. The replica holding the leader lease additionally runs
// the reconciler and the membership monitor.
//
// Configuration (flags, CONVEYOR_* variables or coordinator.yaml):
//   - listen / COORDINATOR_ADDR: Listen address (default: ":8080")
//   - store_path: SQLite database path, or ":memory:" for a single replica
//   - session_timeout, heartbeat_interval, reconcile_interval, lease_ttl
//
// Example usage:
//
//	conveyor-coordinator --listen :8080 --store-path /var/lib/conveyor/conveyor.db
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/config"
	"github.com/dreamware/conveyor/internal/connector"
	"github.com/dreamware/conveyor/internal/coordinator"
	"github.com/dreamware/conveyor/internal/gateway"
	"github.com/dreamware/conveyor/internal/logger"
	"github.com/dreamware/conveyor/internal/plugins"
	"github.com/dreamware/conveyor/internal/storage"
)

// Set at build time with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "conveyor-coordinator",
		Short:        "Run a conveyor coordinator replica",
		Version:      version + " (" + commit + ")",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadCoordinator(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a coordinator config file")
	flags.String("id", "", "unique replica id")
	flags.String("listen", "", "listen address")
	flags.String("store-path", "", "SQLite database path, or :memory:")
	flags.Duration("session-timeout", 0, "worker session timeout")
	flags.Duration("heartbeat-interval", 0, "membership check interval")
	flags.Duration("reconcile-interval", 0, "periodic reconcile interval")
	flags.Duration("lease-ttl", 0, "leader lease TTL")
	flags.Duration("cache-ttl", 0, "gateway read cache TTL")
	return cmd
}

func openStore(path string) (storage.Store, error) {
	if path == config.MemoryStore {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenSQL(path)
}

// replica is one coordinator process: the gateway every replica serves and
// the leader loops only the lease holder runs.
type replica struct {
	cfg     *config.CoordinatorConfig
	store   storage.Store
	coord   *coordinator.Coordinator
	elector *coordinator.LeaderElector
	handler http.Handler
	log     *zap.Logger
}

func newReplica(cfg *config.CoordinatorConfig, store storage.Store, log *zap.Logger) *replica {
	gen := connector.NewGenerator(plugins.Builtin())
	coord := coordinator.New(store, gen, coordinator.Options{
		ID:             cfg.ID,
		SessionTimeout: cfg.SessionTimeout,
	}, log.Named("coordinator"))
	elector := coordinator.NewLeaderElector(store, cfg.ID, cfg.LeaseTTL, log.Named("election"))
	gw := gateway.New(store, coord, gen, gateway.Options{
		CacheTTL: cfg.CacheTTL,
		Version:  version,
		Commit:   commit,
		Leader:   elector.Leader,
	}, log.Named("gateway"))

	r := &replica{
		cfg:     cfg,
		store:   store,
		coord:   coord,
		elector: elector,
		handler: gw.Handler(),
		log:     log,
	}
	elector.OnElected(r.lead)
	return r
}

// lead runs the leader loops until ctx is canceled by a lost lease or
// shutdown.
func (r *replica) lead(ctx context.Context) {
	rec := coordinator.NewReconciler(r.cfg.ReconcileInterval, func(ctx context.Context) error {
		_, err := r.coord.Reconcile(ctx)
		return err
	}, r.log.Named("reconciler"))
	monitor := coordinator.NewMembershipMonitor(r.store, r.cfg.SessionTimeout, r.log.Named("membership"))
	monitor.SetOnExpired(func(string) { rec.Wakeup(false) })

	r.coord.SetNotify(func() { rec.Wakeup(false) })
	defer r.coord.SetNotify(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx, r.cfg.HeartbeatInterval)
	}()
	rec.Run(ctx)
	wg.Wait()
}

func run(ctx context.Context, cfg *config.CoordinatorConfig) error {
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.L()

	store, err := openStore(cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	r := newReplica(cfg, store, log)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("coordinator listening", zap.String("id", cfg.ID), zap.String("listen", cfg.Listen), zap.String("store", cfg.StorePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	electCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	elected := make(chan struct{})
	go func() {
		r.elector.Run(electCtx)
		close(elected)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error("listen failed", zap.Error(err))
	}
	cancel()
	<-elected

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	log.Info("coordinator stopped")
	return err
}
