package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"instrument-gateway/src/broadcast"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

// handlePowerStream serves GET /ws/power?interval=<seconds>.
func (s *FastAPIServer) handlePowerStream(c *gin.Context) {
	interval, err := s.streamInterval(c.Query("interval"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	s.serveStream(c, broadcast.KindPower, interval)
}

// -----------------------------------------------------------------------------

// handleHealthStream serves GET /ws/health: heartbeats and pongs only.
func (s *FastAPIServer) handleHealthStream(c *gin.Context) {
	s.serveStream(c, broadcast.KindHealth, 0)
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) serveStream(c *gin.Context, kind string, interval time.Duration) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := newClient(s, conn, 2*s.Config.HeartbeatInterval())

	sub, err := s.broadcaster.Register(kind, client, interval)
	if err != nil {
		s.Logger.Warning("Rejecting %s stream from %s: %v", kind, conn.RemoteAddr(), err)
		client.Close()
		return
	}
	client.id = sub.ID

	go client.readPump()
}

// -----------------------------------------------------------------------------

// streamInterval parses the interval query in seconds and clamps it to
// [sample interval, max client interval].
func (s *FastAPIServer) streamInterval(raw string) (time.Duration, error) {
	min := s.Config.SampleInterval()
	max := s.Config.MaxClientInterval()
	if raw == "" {
		return min, nil
	}

	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) {
		return 0, errInvalidInterval(raw)
	}

	d := time.Duration(secs * float64(time.Second))
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return d, nil
}
