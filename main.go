package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"parley/server/internal/httpapi"
	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	host := flag.String("host", "127.0.0.1", "Host address to bind to")
	port := flag.Int("port", 8000, "Port to listen on")
	protoName := flag.String("protocol", "json", "Wire protocol (json or custom)")
	dbPath := flag.String("db-path", "chat.db", "Path to the SQLite database file")
	apiAddr := flag.String("api-addr", "", "Admin HTTP API listen address (empty disables)")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if RunCLI(flag.Args(), *dbPath, *protoName) {
		return
	}

	codec, err := protocol.NewCodec(*protoName)
	if err != nil {
		slog.Error("select protocol", "err", err)
		os.Exit(1)
	}

	slog.Info("starting server", "version", Version, "host", *host, "port", *port,
		"protocol", codec.Name(), "db", *dbPath)

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close store", "err", closeErr)
		}
	}()

	srv := NewServer(net.JoinHostPort(*host, strconv.Itoa(*port)), codec, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if *apiAddr != "" {
		api := httpapi.New(st, srv.Registry())
		go func() {
			if err := api.Run(ctx, *apiAddr); err != nil {
				slog.Error("api server", "err", err)
			}
		}()
	}

	go RunStatsLogger(ctx, srv, statsInterval)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
