package streamclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"instrument-gateway/src/logger"
	"instrument-gateway/src/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------

type Config struct {
	URL string

	// HeartbeatInterval is the server's heartbeat period. The connection is
	// considered dead after twice that without any frame.
	HeartbeatInterval time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int // consecutive failed dials before giving up, 0 = never

	Logger *logger.Logger
}

// Handler receives every decoded notification.
type Handler func(msg *models.MNotification)

var ErrGaveUp = errors.New("stream client gave up reconnecting")

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client keeps one telemetry stream open. A dropped connection is replaced by
// a new subscription; nothing is replayed.
type Client struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer
	log     *logger.Logger
}

func New(cfg Config, handler Handler) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNopLogger("StreamClient")
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log,
	}
}

// -----------------------------------------------------------------------------

// Run connects and reads until ctx is done (returns nil) or MaxAttempts
// consecutive dials fail (returns ErrGaveUp wrapping the last error).
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.InitialBackoff),
		backoff.WithMaxInterval(c.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)

	failures := 0
	for {
		connected, retryAfter, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// a dropped session is not a failed attempt
		if connected {
			b.Reset()
			failures = 0
		} else {
			failures++
			if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, failures, err)
			}
		}

		wait := b.NextBackOff()
		if retryAfter > wait {
			wait = retryAfter
		}
		c.log.Warning("Stream %s lost (%v), reconnecting in %v", c.cfg.URL, err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// -----------------------------------------------------------------------------

// session runs one connection. connected reports whether the handshake
// succeeded; retryAfter is the server's hint from a reconnect notice.
func (c *Client) session(ctx context.Context) (connected bool, retryAfter time.Duration, err error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return false, 0, fmt.Errorf("handshake rejected (%s): %w", resp.Status, err)
		}
		return false, 0, err
	}
	defer conn.Close()

	c.log.Info("Connected to %s", c.cfg.URL)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	liveness := 2 * c.cfg.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(liveness))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(liveness))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var msg models.MNotification
		if err := conn.ReadJSON(&msg); err != nil {
			return true, retryAfter, err
		}
		conn.SetReadDeadline(time.Now().Add(liveness))

		if msg.Type == models.NotifyReconnect {
			retryAfter = time.Duration(msg.RetryAfter) * time.Second
			c.log.Info("Server asked to reconnect: %s", msg.Reason)
		}
		if c.handler != nil {
			c.handler(&msg)
		}
	}
}
