package main

import (
	"context"
	"time"

	"instrument-gateway/src/arbiter"
	"instrument-gateway/src/broadcast"
	"instrument-gateway/src/config"
	grpccontrol "instrument-gateway/src/grpc_control"
	"instrument-gateway/src/instrument"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/server"
	"instrument-gateway/src/storage"
)

// gateway holds every long-lived component.
type gateway struct {
	log         *logger.Logger
	instrument  *instrument.Manager
	arbiter     *arbiter.Arbiter
	db          interfaces.IDatabase
	journal     *storage.Journal
	broadcaster *broadcast.Broadcaster
	http        *server.FastAPIServer
	grpc        *grpccontrol.Server
}

// -----------------------------------------------------------------------------

// setupGateway wires components in dependency order: instrument, arbiter,
// journal, broadcaster, then the servers.
func setupGateway(conf *config.Config, appLogger *logger.Logger) (*gateway, error) {
	gw := &gateway{log: appLogger}

	gw.instrument = instrument.NewManager(&conf.Instrument, appLogger.Named("Instrument"))
	if conf.Instrument.AutoConnect {
		ctx, cancel := context.WithTimeout(context.Background(), conf.InstrumentTimeout())
		if _, err := gw.instrument.Connect(ctx, "", 0); err != nil {
			appLogger.Warning("Instrument not reachable at startup, continuing disconnected: %v", err)
		}
		cancel()
	}

	gw.arbiter = arbiter.New(gw.instrument, arbiter.Options{
		MaxQueue:      conf.Arbiter.MaxQueue,
		LatencyWindow: conf.Arbiter.LatencyWindow,
		Logger:        appLogger.Named("Arbiter"),
	})

	db, err := setupDatabase(conf, appLogger)
	if err != nil {
		return nil, err
	}
	if db != nil {
		gw.db = db
		gw.journal = storage.NewJournal(db, conf.Storage.BatchSize, appLogger.Named("Journal"))
		gw.arbiter.AddObserver(gw.journal)
	}

	gw.broadcaster = setupBroadcaster(conf, gw.arbiter, appLogger.Named("Broadcaster"))

	gw.http = server.NewFastAPIServer(conf, appLogger.Named("Server"), gw.arbiter, gw.instrument, gw.broadcaster, gw.db)

	control := grpccontrol.NewControlService(conf, gw.arbiter, gw.instrument, gw.broadcaster, appLogger.Named("ControlService"))
	gw.grpc = grpccontrol.NewServer(conf.GrpcHost, conf.GrpcPort, control, appLogger.Named("gRPC"))

	return gw, nil
}

// -----------------------------------------------------------------------------

// setupDatabase returns nil when the journal is disabled.
func setupDatabase(conf *config.Config, appLogger *logger.Logger) (interfaces.IDatabase, error) {
	db, err := storage.NewDatabase(&conf.Storage, appLogger.Named("Journal"))
	if err != nil || db == nil {
		return nil, err
	}
	if err := db.Initialize(); err != nil {
		return nil, err
	}
	appLogger.Info("Exchange journal enabled (%s)", conf.Storage.DBType)
	return db, nil
}

// -----------------------------------------------------------------------------

func setupBroadcaster(conf *config.Config, arb *arbiter.Arbiter, log *logger.Logger) *broadcast.Broadcaster {
	t := conf.Telemetry
	return broadcast.New(broadcast.Config{
		SampleInterval:    conf.SampleInterval(),
		SampleDeadline:    conf.SampleDeadline(),
		HeartbeatInterval: conf.HeartbeatInterval(),
		SendTimeout:       conf.SendTimeout(),
		ReconnectAfter:    time.Duration(t.ReconnectAfterSec) * time.Second,
		Thresholds: broadcast.Thresholds{
			DegradeAfter:    t.DegradeAfter,
			MaxSendFailures: t.MaxSendFailures,
			MaxMissedAcks:   t.MaxMissedAcks,
		},
	}, broadcast.NewArbiterSampler(arb, conf.Instrument.DefaultModule, conf.Instrument.Channels), log)
}

// -----------------------------------------------------------------------------

// shutdown stops components in reverse: subscribers get their reconnect
// notice first, then the servers, the arbiter and finally the journal.
func (gw *gateway) shutdown(ctx context.Context) {
	gw.broadcaster.Stop()

	if err := gw.http.Stop(ctx); err != nil {
		gw.log.Warning("HTTP shutdown: %v", err)
	}
	gw.grpc.Stop()

	gw.arbiter.Close()
	select {
	case <-gw.arbiter.Done():
	case <-ctx.Done():
		gw.log.Warning("Arbiter still busy at shutdown deadline")
	}

	if gw.journal != nil {
		gw.journal.Close()
	}
	if gw.db != nil {
		gw.db.Close()
	}
	gw.instrument.Disconnect()
}
