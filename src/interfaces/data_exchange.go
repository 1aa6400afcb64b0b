package interfaces

import (
	"context"

	"instrument-gateway/src/models"
)

// -----------------------------------------------------------------------------
// ISubscriberTransport is the outbound side of one telemetry subscriber.
// -----------------------------------------------------------------------------

type ISubscriberTransport interface {
	// Send writes one notification. It may block; the caller bounds it with ctx.
	Send(ctx context.Context, msg *models.MNotification) error

	// Ping asks the peer for a liveness acknowledgement.
	Ping(ctx context.Context) error

	// Close releases the transport. Safe to call more than once.
	Close() error

	RemoteAddr() string
}

// -----------------------------------------------------------------------------
// IExchangeObserver receives one record per arbiter request. Implementations
// must not block.
// -----------------------------------------------------------------------------

type IExchangeObserver interface {
	OnExchange(record models.MExchangeRecord)
}
