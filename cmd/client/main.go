package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/i5heu/ouroboros-chunkstore/internal/client"
	"github.com/i5heu/ouroboros-chunkstore/internal/config"
	"github.com/i5heu/ouroboros-chunkstore/internal/erasure"
	"github.com/i5heu/ouroboros-chunkstore/internal/logging"
	"github.com/i5heu/ouroboros-chunkstore/internal/transport"
)

const (
	logKeyPath  = "path"
	logKeyError = "error"
)

const usage = `usage: client [-config config.yaml] <command> [args]

commands:
  upload <file>...     upload files
  download <name>...   download files by stored name
  list                 list stored files
`

func main() { // A
	configPath := flag.String("config", "config.yaml", "Path to YAML config")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.ErrorContext(context.Background(), "client error", logKeyError, err)
		os.Exit(1)
	}
}

func run( // A
	ctx context.Context,
	cfg config.Config,
	logger *slog.Logger,
	cmd string,
	args []string,
) error {
	tr, err := transport.New(transport.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	var codec *erasure.Codec
	if cfg.IsErasure() {
		codec, err = erasure.New(cfg.Erasure.DataShards, cfg.Erasure.ParityShards, cfg.ChunkSize)
		if err != nil {
			return err
		}
	}

	c, err := client.New(client.Config{
		ChunkSize:   cfg.ChunkSize,
		Erasure:     codec,
		DownloadDir: cfg.Client.DownloadDir,
		Nodes:       tr,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if err := c.Connect(ctx, tr, cfg.ControllerAddr()); err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	switch cmd {
	case "upload":
		if len(args) == 0 {
			return fmt.Errorf("upload needs at least one file")
		}
		return c.Upload(ctx, args...)
	case "download":
		if len(args) == 0 {
			return fmt.Errorf("download needs at least one file name")
		}
		for _, name := range args {
			out, err := c.Download(ctx, name)
			if err != nil {
				return err
			}
			logger.InfoContext(ctx, "saved", logKeyPath, out)
		}
		return nil
	case "list":
		files, err := c.List(ctx)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}
