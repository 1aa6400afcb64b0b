package main

import (
	"instrument-gateway/src/config"
	"instrument-gateway/src/logger"

	"golang.org/x/sync/errgroup"
)

// startServers launches the broadcaster loops and both servers. A server that
// fails cancels the group and triggers shutdown.
func startServers(g *errgroup.Group, gw *gateway, conf *config.Config, appLogger *logger.Logger) {
	// 1. Telemetry
	gw.broadcaster.Start()

	// 2. HTTP + WebSocket
	g.Go(func() error {
		return gw.http.Start()
	})

	// 3. gRPC Control Server
	g.Go(func() error {
		return gw.grpc.Start()
	})

	appLogger.Info("%s ready (http %s:%d, grpc %s:%d, mock=%v)",
		conf.Name, conf.Host, conf.Port, conf.GrpcHost, conf.GrpcPort, conf.Instrument.MockMode)
}
