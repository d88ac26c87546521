package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gin-gonic/gin"

	"github.com/fleetrelay/fleetrelay/pkg/hub"
	_ "github.com/fleetrelay/fleetrelay/pkg/logutil"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:8090", "hub HTTP listen address")
	flag.Parse()

	logger := slog.Default()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	r := gin.Default()

	h := hub.New(logger.With("component", "hub"))
	h.Routes(r)

	logger.Info("fleetrelay hub starting...")
	go func() {
		logger.With("addr", *listenAddr).Info("starting HTTP server...")
		if err := r.Run(*listenAddr); err != nil {
			logger.With("err", err.Error()).Error("failed to start HTTP server")
			os.Exit(1)
		}
	}()
	logger.Info("fleetrelay hub started")
	<-interrupt
	logger.Info("shutting down fleetrelay hub")
}
