package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/i5heu/ouroboros-chunkstore/internal/config"
	"github.com/i5heu/ouroboros-chunkstore/internal/erasure"
	"github.com/i5heu/ouroboros-chunkstore/internal/logging"
	"github.com/i5heu/ouroboros-chunkstore/internal/storagenode"
	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
)

const (
	logKeyAddress    = "address"
	logKeyController = "controller"
	logKeyRoot       = "root"
	logKeySignal     = "signal"
	logKeyError      = "error"

	shutdownTimeout = 10 * time.Second
)

func main() { // A
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	listen := flag.String("listen", "", "Override node.listen")
	root := flag.String("root", "", "Override node.storageRoot")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Node.Listen = *listen
	}
	if *root != "" {
		cfg.Node.StorageRoot = *root
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(level, os.Stderr, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.ErrorContext(context.Background(), "storage node error", logKeyError, err)
		os.Exit(1)
	}
}

// run registers the node with the controller and
// serves until ctx ends, then deregisters.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error { // A
	tr, err := transport.New(transport.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	var shardSize int
	if cfg.IsErasure() {
		codec, err := erasure.New(cfg.Erasure.DataShards, cfg.Erasure.ParityShards, cfg.ChunkSize)
		if err != nil {
			return err
		}
		shardSize = codec.ShardSize()
	}

	node, err := storagenode.New(storagenode.Config{
		ListenAddr:        cfg.Node.Listen,
		Host:              cfg.Node.Host,
		ControllerAddr:    cfg.ControllerAddr(),
		StorageRoot:       cfg.Node.StorageRoot,
		ChunkSize:         cfg.ChunkSize,
		SliceSize:         cfg.SliceSize,
		ShardSize:         shardSize,
		HeartbeatInterval: cfg.Node.HeartbeatInterval,
		Forwarder:         tr,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("create storage node: %w", err)
	}
	if err := node.Start(ctx, tr); err != nil {
		return fmt.Errorf("start storage node: %w", err)
	}
	logger.InfoContext(ctx, "storage node started",
		logKeyAddress, node.Address(),
		logKeyController, cfg.ControllerAddr(),
		logKeyRoot, node.Store().Root())

	<-ctx.Done()
	logger.InfoContext(context.Background(), "storage node shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return node.Close(closeCtx)
}
