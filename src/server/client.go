package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/models"

	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	writeWait      = 10 * time.Second
	controlWait    = 2 * time.Second
	maxMessageSize = 4096
)

// -----------------------------------------------------------------------------
// Client Structure
// -----------------------------------------------------------------------------

// Client is the websocket side of one telemetry subscriber. The broadcaster
// serializes Send calls; Ping and Close use control frames, which gorilla
// allows concurrently with a data write.
type Client struct {
	hub      *FastAPIServer
	conn     *websocket.Conn
	id       string
	pongWait time.Duration

	dead      atomic.Bool
	closeOnce sync.Once
}

// -----------------------------------------------------------------------------

func newClient(hub *FastAPIServer, conn *websocket.Conn, pongWait time.Duration) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		pongWait: pongWait,
	}
}

// -----------------------------------------------------------------------------
// ISubscriberTransport
// -----------------------------------------------------------------------------

// Send writes one JSON frame. A write that outlives ctx keeps going in the
// background up to writeWait; any write error marks the connection dead.
func (c *Client) Send(ctx context.Context, msg *models.MNotification) error {
	if c.dead.Load() {
		return helpers.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.dead.Store(true)
		return fmt.Errorf("%w: %v", helpers.ErrTransportClosed, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (c *Client) Ping(ctx context.Context) error {
	if c.dead.Load() {
		return helpers.ErrTransportClosed
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWait)); err != nil {
		c.dead.Store(true)
		return fmt.Errorf("%w: %v", helpers.ErrTransportClosed, err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWait),
		)
		_ = c.conn.Close()
	})
	return nil
}

// -----------------------------------------------------------------------------

func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// -----------------------------------------------------------------------------
// readPump - handles incoming messages from client
// Act as a Watchdog for the connection
// -----------------------------------------------------------------------------

func (c *Client) readPump() {
	defer func() {
		c.hub.broadcaster.Unregister(c.id)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.hub.broadcaster.Ack(c.id)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				c.hub.Logger.Debug("WebSocket %s read error: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.hub.HandleClientMessage(c, message)
	}
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

// HandleClientMessage treats any inbound frame as a liveness acknowledgement
// and answers a text "ping" with a pong notification.
func (s *FastAPIServer) HandleClientMessage(client *Client, message []byte) {
	s.broadcaster.Ack(client.id)

	if strings.TrimSpace(string(message)) != "ping" {
		return
	}
	pong := models.NewPongNotification(time.Now(), s.broadcaster.Count())
	if err := s.broadcaster.SendTo(client.id, pong); err != nil {
		s.Logger.Debug("Pong to %s not sent: %v", client.id, err)
	}
}
