// Package main implements the conveyor worker node, which runs the connector
// tasks the coordinators assign to it.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /info         - Generation, tasks    │
//	│    /tasks        - Task statuses        │
//	│    /metrics      - Prometheus           │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    worker.Worker - Heartbeat loop       │
//	│    TaskRunner    - One per held task    │
//	│    cluster.Client- Coordinator failover │
//	└─────────────────────────────────────────┘
//
// Configuration (flags, CONVEYOR_* variables or node.yaml):
//   - id / NODE_ID: Unique node identifier (generated when empty)
//   - listen / NODE_LISTEN: Listen address (default: ":8081")
//   - addr / NODE_ADDR: Public address reported to the coordinators
//   - coordinators / COORDINATOR_ADDR: Comma separated coordinator URLs
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080,http://localhost:8090 \
//	./conveyor-node
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/config"
	"github.com/dreamware/conveyor/internal/logger"
	"github.com/dreamware/conveyor/internal/plugins"
	"github.com/dreamware/conveyor/internal/worker"
)

// joinTimeout bounds how long a starting node waits for any coordinator.
var joinTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "conveyor-node",
		Short:        "Run a conveyor worker node",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadNode(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a node config file")
	flags.String("id", "", "unique node id")
	flags.String("listen", "", "listen address")
	flags.String("addr", "", "public address reported to the coordinators")
	flags.StringSlice("coordinators", nil, "coordinator base URLs")
	flags.Duration("heartbeat-interval", 0, "heartbeat interval")
	flags.Duration("session-timeout", 0, "session timeout before the node fences itself")
	return cmd
}

func run(ctx context.Context, cfg *config.NodeConfig) error {
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("node")

	client, err := cluster.NewClient(cfg.Coordinators...)
	if err != nil {
		return err
	}
	w := worker.New(worker.Config{
		ID:                cfg.ID,
		Addr:              cfg.Addr,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
	}, client, plugins.Builtin(), log)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("node listening", zap.String("id", cfg.ID), zap.String("listen", cfg.Listen), zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if err := join(ctx, w, log); err != nil {
		_ = srv.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(done)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error("listen failed", zap.Error(err))
	}
	cancel()
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	log.Info("node stopped")
	return err
}

// join sends the first heartbeat, retrying with exponential backoff while
// no coordinator is reachable. A coordinator rejecting the heartbeat is not
// retried.
func join(ctx context.Context, w *worker.Worker, log *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = joinTimeout

	op := func() error {
		_, err := w.Heartbeat(ctx)
		var se *cluster.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Info("coordinators not reachable yet", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}
	log.Info("joined cluster", zap.String("id", w.ID()))
	return nil
}
