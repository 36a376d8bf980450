package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/i5heu/ouroboros-chunkstore/internal/config"
	"github.com/i5heu/ouroboros-chunkstore/internal/controller"
	"github.com/i5heu/ouroboros-chunkstore/internal/logging"
	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	logKeyConfig = "config"
	logKeyListen = "listen"
	logKeyScheme = "scheme"
	logKeyWidth  = "width"
	logKeySignal = "signal"
	logKeyError  = "error"
)

func main() { // A
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
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
		logger.ErrorContext(context.Background(), "controller error", logKeyError, err)
		os.Exit(1)
	}
}

// run starts the controller and blocks until ctx ends.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error { // A
	badgerLogger := logrus.New()
	badgerLogger.SetOutput(os.Stderr)
	badgerLogger.SetLevel(logrus.WarnLevel)

	ctrl, err := controller.New(controller.Config{
		Width:        cfg.WriteWidth(),
		Erasure:      cfg.IsErasure(),
		Logger:       logger,
		BadgerLogger: badgerLogger,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("closing controller failed", logKeyError, err)
		}
	}()

	tr, err := transport.New(transport.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	listen := ":" + strconv.Itoa(cfg.Controller.Port)
	if err := ctrl.Start(tr, listen); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	logger.InfoContext(ctx, "controller started",
		logKeyListen, ctrl.Addr(),
		logKeyScheme, cfg.Scheme,
		logKeyWidth, cfg.WriteWidth())

	<-ctx.Done()
	logger.InfoContext(context.Background(), "controller shutting down")
	return nil
}
