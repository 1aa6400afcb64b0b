package streamclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"instrument-gateway/src/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type collector struct {
	mu   sync.Mutex
	msgs []*models.MNotification
}

func (c *collector) handle(msg *models.MNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.msgs {
		if m.Type == kind {
			n++
		}
	}
	return n
}

// -----------------------------------------------------------------------------

func TestReconnectsAfterServerNotice(t *testing.T) {
	var sessions atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)

		conn.WriteJSON(models.NewDataNotification(&models.MSample{Sequence: uint64(n), Channels: map[int]float64{1: -10}}))
		if n == 1 {
			conn.WriteJSON(models.NewReconnectNotification("server shutdown", 0))
			return
		}
		// keep the second session open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	col := &collector{}
	c := New(Config{
		URL:               wsURL(ts),
		HeartbeatInterval: time.Second,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        20 * time.Millisecond,
	}, col.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return col.count(models.NotifyData) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, col.count(models.NotifyReconnect))
	assert.EqualValues(t, 2, sessions.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(Config{
		URL:            wsURL(ts),
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxAttempts:    3,
	}, nil)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGaveUp))
	assert.EqualValues(t, 3, hits.Load())
}

func TestSilentServerTriggersReconnect(t *testing.T) {
	var sessions atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sessions.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	c := New(Config{
		URL:               wsURL(ts),
		HeartbeatInterval: 30 * time.Millisecond,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestDroppedSessionsDoNotCountAsFailedAttempts(t *testing.T) {
	var sessions atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sessions.Add(1)
		conn.Close()
	}))
	defer ts.Close()

	c := New(Config{
		URL:               wsURL(ts),
		HeartbeatInterval: time.Second,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		MaxAttempts:       1,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() >= 3 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	// once the server is gone a single failed dial ends Run
	ts.Close()
	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrGaveUp)
}
