// Command authcore-server is a reference host for the authcore engine: a
// SQL account store, Redis, email delivery and a JSON API over every
// operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrEthical07/authcore/internal/logging"
	"github.com/MrEthical07/authcore/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("AUTHCORE_CONFIG"), "path to YAML config (optional)")
	flag.Parse()

	cfg, err := server.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger, err := server.NewLogger(cfg, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.FlushSentry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		logging.FlushSentry()
		os.Exit(1)
	}
}
