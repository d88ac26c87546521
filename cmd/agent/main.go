package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	_ "github.com/fleetrelay/fleetrelay/pkg/logutil"
	"github.com/fleetrelay/fleetrelay/pkg/simulator"
	"github.com/fleetrelay/fleetrelay/pkg/util/contextutil"
)

func main() {
	identityPath := flag.String("identity", "./identity.json", "path to the agent's identity file")
	masterURL := flag.String("master", "ws://127.0.0.1:8081/v1/agents", "websocket endpoint of the master")
	initID := flag.String("init", "", "write a new identity file with the given id and exit")
	flag.Parse()

	logger := slog.Default()

	if *initID != "" {
		if err := simulator.WriteIdentity(*identityPath, *initID); err != nil {
			logger.With("err", err).Error("failed to write identity file")
			os.Exit(1)
		}
		logger.With("id", *initID, "path", *identityPath).Info("identity file written")
		return
	}

	// A missing or unreadable identity is the one unrecoverable condition:
	// the agent cannot announce itself without one.
	ident, err := simulator.LoadIdentity(*identityPath)
	if err != nil {
		logger.With("err", err, "path", *identityPath).Error("failed to load identity")
		os.Exit(1)
	}

	ctx := contextutil.SetupSignals(context.Background())

	sup := simulator.NewSupervisor(
		logger.With("agent", ident.ID),
		ident,
		simulator.Options{MasterURL: *masterURL},
	)

	logger.With("agent", ident.ID, "master", *masterURL).Info("fleetrelay agent starting...")
	if err := sup.Run(ctx); err != nil {
		logger.With("err", err).Error("agent exited with failure")
		os.Exit(1)
	}
	logger.Info("fleetrelay agent stopped")
}
