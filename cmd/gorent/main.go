// Command gorent downloads a single torrent to a local directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/arashi-run/gorent/internal/client"
	"github.com/arashi-run/gorent/internal/config"
	"github.com/arashi-run/gorent/internal/logging"
	"github.com/arashi-run/gorent/internal/metainfo"
)

func main() {
	log := slog.New(logging.NewPrettyHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	if len(os.Args) != 4 {
		return fmt.Errorf("usage: %s <port> <torrent-file> <download-dir>", os.Args[0])
	}

	port, err := strconv.ParseUint(os.Args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", os.Args[1], err)
	}
	torrentPath := os.Args[2]
	downloadDir := os.Args[3]

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}
	desc, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	cfg := config.Default()
	cfg.ListenPort = uint16(port)

	c, err := client.New(desc, downloadDir, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", "name", desc.Name, "pieces", desc.PieceCount(), "size", desc.TotalSize, "port", cfg.ListenPort)

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
