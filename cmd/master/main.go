package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	_ "github.com/fleetrelay/fleetrelay/pkg/logutil"
	"github.com/fleetrelay/fleetrelay/pkg/server"
	"github.com/fleetrelay/fleetrelay/pkg/util/contextutil"
)

func main() {
	configPath := flag.String("config", "", "path to the master's YAML config file")
	flag.Parse()

	logger := slog.Default()
	ctx := contextutil.SetupSignals(context.Background())

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.With("err", err).Error("failed to load config")
		os.Exit(1)
	}

	f, err := server.New(cfg)
	if err != nil {
		logger.With("err", err).Error("failed to construct master")
		os.Exit(1)
	}

	logger.Info("fleetrelay master starting...")
	if err := f.Run(ctx); err != nil {
		logger.With("err", err).Error("master exited with failure")
		os.Exit(1)
	}
	logger.Info("fleetrelay master stopped")
}
