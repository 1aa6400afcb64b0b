package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"instrument-gateway/src/config"
	"instrument-gateway/src/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Parse command line flags
	configPath := flag.String("config", "config/default.yaml", "path to config file")
	mock := flag.Bool("mock", false, "use the simulated instrument")
	flag.Parse()

	// 2. Load config
	conf, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *mock {
		conf.Instrument.MockMode = true
	}

	// 3. Setup Logger
	appLogger := logger.NewLogger(conf.LogLevel, conf.Name)
	defer appLogger.Sync()

	// 4. Setup Components
	gw, err := setupGateway(conf, appLogger)
	if err != nil {
		appLogger.Critical("Failed to set up gateway: %v", err)
	}

	// 5. Start Servers
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	startServers(g, gw, conf, appLogger)

	// 6. Wait for a signal or a server failure, then shut down in reverse
	<-gctx.Done()
	appLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	gw.shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		appLogger.Error("Server failed: %v", err)
		os.Exit(1)
	}
	appLogger.Info("Shutdown complete.")
}
