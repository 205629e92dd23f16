package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelmesh/meshdfs/internal/chunknode"
	"github.com/tunnelmesh/meshdfs/internal/chunkstore"
	"github.com/tunnelmesh/meshdfs/internal/config"
	"github.com/tunnelmesh/meshdfs/internal/health"
	"github.com/tunnelmesh/meshdfs/internal/meta"
	"github.com/tunnelmesh/meshdfs/internal/metrics"
	"github.com/tunnelmesh/meshdfs/internal/replication"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 15 * time.Second
)

func newMetaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Run the metadata service",
		Long: `Run the metadata service. It owns the file namespace and chunk
placement, persists both in a bolt database under data_dir, and runs the
reconciler that repairs missing replicas.

The node table is read from the config file:

  listen: ":8000"
  data_dir: /var/lib/meshdfs/meta
  chunk_size: 4MB
  replication_factor: 2
  nodes:
    - id: node1
      address: http://10.0.0.1:8001
    - id: node2
      address: http://10.0.0.2:8001`,
		Args: cobra.NoArgs,
		RunE: runMeta,
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	return cmd
}

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a chunk node",
		Args:  cobra.NoArgs,
		RunE:  runNode,
	}
	cmd.Flags().StringVar(&nodeID, "id", "", "node ID (overrides config)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	return cmd
}

func loadMetaConfig() (*config.MetaConfig, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file required: the metadata service needs a node table (--config)")
	}
	cfg, err := config.LoadMetaConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadNodeConfig() (*config.NodeConfig, error) {
	cfg := &config.NodeConfig{}
	if cfgFile != "" {
		var err error
		if cfg, err = config.LoadNodeConfig(cfgFile); err != nil {
			return nil, err
		}
	}
	if nodeID != "" {
		cfg.ID = nodeID
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func buildPolicy(cfg *config.MetaConfig, capacity *meta.CapacityRegistry) meta.Policy {
	ids := make([]string, len(cfg.Nodes))
	for i, n := range cfg.Nodes {
		ids[i] = n.ID
	}
	if cfg.Placement == config.PlacementCapacity {
		return meta.NewCapacityWeighted(ids, capacity)
	}
	return meta.NewRoundRobin(ids)
}

func runMeta(cmd *cobra.Command, args []string) error {
	cfg, err := loadMetaConfig()
	if err != nil {
		return err
	}
	d := cfg.ParsedDurations()
	m := metrics.InitMetrics(nil)

	store, err := meta.OpenStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	pool := chunknode.NewPool(cfg.Nodes, d.RPC)
	defer pool.Close()

	capacity := meta.NewCapacityRegistry()
	svc, err := meta.NewService(store, meta.Config{
		ChunkSize:         cfg.ChunkSizeBytes(),
		ReplicationFactor: cfg.ReplicationFactor,
		LeaseDuration:     d.Lease,
		Nodes:             cfg.Nodes,
		MaxChunks:         cfg.MaxChunks,
		Policy:            buildPolicy(cfg, capacity),
		Deleter:           pool,
		Metrics:           m,
		Logger:            log.Logger,
	})
	if err != nil {
		return err
	}
	defer svc.Wait()

	monitor := health.NewMonitor(health.Config{
		Pool:     pool,
		Timeout:  d.Health,
		Interval: healthInterval,
		Sink:     capacity,
		Metrics:  m,
		Logger:   log.Logger,
	})
	reconciler := replication.NewReconciler(replication.ReconcilerConfig{
		Service:          svc,
		Pool:             pool,
		Interval:         d.Reconcile,
		RepairRate:       cfg.RepairRate,
		OrphanGrace:      d.Orphan,
		OrphanSweepEvery: cfg.OrphanSweepEvery,
		Logger:           log.Logger,
		Metrics:          m,
	})
	svc.OnDegraded(reconciler.Enqueue)

	monitor.Start()
	defer monitor.Stop()
	reconciler.Start()
	defer reconciler.Stop()

	log.Info().
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Str("chunk_size", cfg.ChunkSize).
		Int("replication_factor", cfg.ReplicationFactor).
		Int("nodes", len(cfg.Nodes)).
		Str("placement", cfg.Placement).
		Msg("metadata service starting")

	return serve(&http.Server{
		Addr:              cfg.Listen,
		Handler:           meta.NewServer(svc, monitor, m),
		ReadHeaderTimeout: 10 * time.Second,
	})
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadNodeConfig()
	if err != nil {
		return err
	}
	m := metrics.InitMetrics(nil)

	opts := chunkstore.Options{Compress: cfg.Compress}
	if cfg.EncryptionKey != "" {
		secret, err := config.LoadOrCreateSecret(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		opts.Secret = secret
	}
	store, err := chunkstore.New(cfg.DataDir, opts)
	if err != nil {
		return err
	}

	log.Info().
		Str("id", cfg.ID).
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Bool("compress", cfg.Compress).
		Bool("encrypted", opts.Secret != nil).
		Msg("chunk node starting")

	return serve(&http.Server{
		Addr:              cfg.Listen,
		Handler:           chunknode.NewServer(store, m),
		ReadHeaderTimeout: 10 * time.Second,
	})
}

// serve runs srv until SIGINT or SIGTERM, then shuts it down gracefully.
func serve(srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-sigChan:
		log.Info().Msg("shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
