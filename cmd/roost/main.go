package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thobiasn/roost/internal/monitor"
	"github.com/thobiasn/roost/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: roost <serve> [flags]\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\nusage: roost <serve> [flags]\n", os.Args[1])
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "/etc/roost/config.toml", "path to config file")
	fs.Parse(args)

	cfg, err := monitor.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mon, err := monitor.New(cfg)
	if err != nil {
		slog.Error("failed to create monitor", "error", err)
		os.Exit(1)
	}

	srv := server.New(mon, cfg.Listen.Addr)

	errc := make(chan error, 2)
	go func() { errc <- mon.Run(ctx) }()
	go func() { errc <- srv.Run(ctx) }()

	if err := <-errc; err != nil {
		slog.Error("stopped with error", "error", err)
		stop()
		<-errc
		os.Exit(1)
	}
	<-errc
}
