package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	mathrand "math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dither/ditherd/internal/apiserver"
	"github.com/dither/ditherd/internal/config"
	"github.com/dither/ditherd/internal/discovery"
	ditherdmetrics "github.com/dither/ditherd/internal/metrics"
	"github.com/dither/ditherd/internal/node"
	"github.com/dither/ditherd/internal/transport"
	"github.com/dither/ditherd/internal/transport/tcp"
	"github.com/dither/ditherd/internal/wire"
)

// shutdownTimeout bounds how long the daemon waits for its HTTP servers and
// transport to drain during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var configPath string
	var keyPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(configPath, keyPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")
	cmd.Flags().StringVar(&keyPath, "key-file", "", "path to a node identity file produced by 'ditherd keygen'")

	return cmd
}

func runDaemon(configPath, keyPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	identity, err := loadIdentity(keyPath)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	selfID := remoteIDFromKey(identity)

	logger.Info("ditherd starting",
		slog.String("self_id", hex.EncodeToString(selfID[:])),
		slog.Any("listen_addresses", cfg.Listener.Addresses),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("health_addr", cfg.Health.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := ditherdmetrics.NewCollector(reg)

	tr := tcp.New(logger)

	listenerCfg := transport.ListenerConfig{
		Addresses:     cfg.Listener.Addresses,
		AdvertisePort: cfg.Listener.AdvertisePort,
	}

	conns, err := tr.Init(transport.Keys{PrivateKey: identity, PublicKey: identity}, listenerCfg)
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}

	ctrl := node.New(node.Config{
		SelfID:         selfID,
		ListenerConfig: listenerCfg,
		Transport:      tr,
		Policy:         discovery.Policy{UntrustedPeers: cfg.Discovery.UntrustedPeers},
		Seed:           mathrand.Float64,
		Logger:         logger,
		Metrics:        collector,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := tr.Listen(gCtx, listenerCfg); err != nil {
			return fmt.Errorf("transport listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return ctrl.Run(gCtx, conns)
	})

	dialSeedPeers(ctrl, cfg.Peers, logger)

	metricsSrv := apiserver.NewMetricsServer(cfg.Metrics, reg)
	healthSrv := apiserver.NewHealthServer(cfg.Health)

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		return apiserver.ListenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})
	g.Go(func() error {
		logger.Info("health server listening", slog.String("addr", cfg.Health.Addr))
		return apiserver.ListenAndServe(gCtx, healthSrv, cfg.Health.Addr)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(tr, logger, metricsSrv, healthSrv)
	})

	if err := g.Wait(); err != nil {
		logger.Error("ditherd exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("ditherd stopped")
	return nil
}

// dialSeedPeers asks the controller to connect to every declaratively
// configured peer. Dial failures surface later as log lines from the
// transport, not here -- Connect is fire-and-forget per the transport
// contract.
func dialSeedPeers(ctrl *node.Controller, peers []config.PeerConfig, logger *slog.Logger) {
	for _, p := range peers {
		idBytes, err := config.DecodeHexID(p.ID)
		if err != nil {
			logger.Error("skipping seed peer with invalid id",
				slog.String("peer", p.Address),
				slog.String("error", err.Error()),
			)
			continue
		}

		var id wire.RemoteID
		copy(id[:], idBytes)

		ctrl.Actions() <- node.Connect{ID: id, Address: p.Address}
	}
}

// gracefulShutdown closes the transport and drains the HTTP servers within
// shutdownTimeout.
func gracefulShutdown(tr transport.Transport, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	var joined error
	if err := tr.Close(); err != nil {
		joined = errors.Join(joined, fmt.Errorf("close transport: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiserver.Shutdown(shutdownCtx, servers...); err != nil {
		joined = errors.Join(joined, err)
	}

	return joined
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLogger creates a structured logger using a shared LevelVar for dynamic
// log level changes.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadIdentity reads a node identity file written by 'ditherd keygen'. If
// keyPath is empty, a random ephemeral identity is generated -- fine for
// local development, but every restart gets a new RemoteID.
func loadIdentity(keyPath string) ([]byte, error) {
	if keyPath == "" {
		return randomIdentity()
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", keyPath, err)
	}

	return config.DecodeHexID(trimTrailingNewline(string(data)))
}

// randomIdentity returns a fresh keySize-byte random identity.
func randomIdentity() ([]byte, error) {
	id := make([]byte, keySize)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate ephemeral identity: %w", err)
	}
	return id, nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func remoteIDFromKey(key []byte) wire.RemoteID {
	var id wire.RemoteID
	copy(id[:], key)
	return id
}
