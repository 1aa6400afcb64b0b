package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"instrument-gateway/src/arbiter"
	"instrument-gateway/src/broadcast"
	"instrument-gateway/src/config"
	"instrument-gateway/src/helpers"
	"instrument-gateway/src/instrument"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedInstrument blocks on "SLOW?" until the gate is opened.
type gatedInstrument struct {
	*instrument.SimulatedInstrument
	gate     chan struct{}
	openOnce sync.Once
}

func newGatedInstrument() *gatedInstrument {
	return &gatedInstrument{
		SimulatedInstrument: instrument.NewSimulatedInstrument(0),
		gate:                make(chan struct{}),
	}
}

func (g *gatedInstrument) Exchange(command string) (string, error) {
	if command == "SLOW?" {
		<-g.gate
		return "done", nil
	}
	return g.SimulatedInstrument.Exchange(command)
}

func (g *gatedInstrument) open() { g.openOnce.Do(func() { close(g.gate) }) }

// -----------------------------------------------------------------------------

type testEnv struct {
	srv *FastAPIServer
	ts  *httptest.Server
	arb *arbiter.Arbiter
	bc  *broadcast.Broadcaster
	mgr *instrument.Manager
}

func newTestEnv(t *testing.T, conn interfaces.IInstrumentConn, connect bool) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Instrument.MockMode = true
	cfg.Telemetry.SampleIntervalMs = 20
	cfg.Arbiter.DefaultDeadlineMs = 500

	log := logger.NewNopLogger("test")
	mgr := instrument.NewManager(&cfg.Instrument, log).WithDialer(
		func(ctx context.Context, address string, timeout time.Duration) (interfaces.IInstrumentConn, error) {
			return conn, nil
		})
	if connect {
		_, err := mgr.Connect(context.Background(), "", 0)
		require.NoError(t, err)
	}

	arb := arbiter.New(mgr, arbiter.Options{Logger: log})
	bc := broadcast.New(broadcast.Config{
		SampleInterval:    cfg.SampleInterval(),
		SampleDeadline:    cfg.SampleDeadline(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		SendTimeout:       cfg.SendTimeout(),
		ReconnectAfter:    time.Second,
		Thresholds:        broadcast.Thresholds{DegradeAfter: 3, MaxSendFailures: 10},
	}, broadcast.NewArbiterSampler(arb, cfg.Instrument.DefaultModule, cfg.Instrument.Channels), log)
	bc.Start()

	srv := NewFastAPIServer(cfg, log, arb, mgr, bc, nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		if g, ok := conn.(*gatedInstrument); ok {
			g.open()
		}
		bc.Stop()
		ts.Close()
		arb.Close()
		mgr.Disconnect()
	})

	return &testEnv{srv: srv, ts: ts, arb: arb, bc: bc, mgr: mgr}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, kind string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == kind {
			return msg
		}
	}
}

// -----------------------------------------------------------------------------

func TestHealthDoesNotWaitForSlowExchange(t *testing.T) {
	inst := newGatedInstrument()
	env := newTestEnv(t, inst, true)

	slow := make(chan int, 1)
	go func() {
		resp, err := http.Post(env.ts.URL+"/instrument/exchange", "application/json",
			strings.NewReader(`{"command":"SLOW?","timeout_ms":5000}`))
		if err != nil {
			slow <- 0
			return
		}
		resp.Body.Close()
		slow <- resp.StatusCode
	}()

	require.Eventually(t, func() bool { return env.arb.Stats().InFlight }, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	code, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, true, body["in_flight"])

	code, _ = env.do(t, http.MethodGet, "/api/subscribers", nil)
	assert.Equal(t, http.StatusOK, code)

	inst.open()
	assert.Equal(t, http.StatusOK, <-slow)
}

func TestExchangeTimeouts(t *testing.T) {
	inst := newGatedInstrument()
	env := newTestEnv(t, inst, true)

	// in-flight timeout
	code, body := env.do(t, http.MethodPost, "/instrument/exchange", gin.H{"command": "SLOW?", "timeout_ms": 50})
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Contains(t, body["detail"], "during exchange")

	// the soft-cancelled exchange still holds the instrument, so this one
	// times out in the queue
	code, _ = env.do(t, http.MethodPost, "/instrument/exchange", gin.H{"command": "*IDN?", "timeout_ms": 50})
	assert.Equal(t, http.StatusGatewayTimeout, code)

	inst.open()
	code, body = env.do(t, http.MethodPost, "/instrument/exchange", gin.H{"command": "*IDN?"})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, instrument.SimulatedID, body["response"])
	assert.Equal(t, true, body["query"])
}

func TestNotConnected(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), false)

	code, _ := env.do(t, http.MethodGet, "/detector/snapshot", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["connected"])

	code, body = env.do(t, http.MethodPost, "/connection/connect", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, instrument.SimulatedID, body["instrument_id"])

	code, _ = env.do(t, http.MethodGet, "/detector/snapshot", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = env.do(t, http.MethodPost, "/connection/disconnect", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["connected"])
}

func TestSnapshotConditionAndErrors(t *testing.T) {
	sim := instrument.NewSimulatedInstrument(0)
	env := newTestEnv(t, sim, true)

	code, body := env.do(t, http.MethodGet, "/detector/snapshot?module=4", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 4, body["module"])
	assert.Len(t, body["channels"], 4)
	assert.InDelta(t, 1310.0, body["wavelength_nm"], 0.001)

	code, _ = env.do(t, http.MethodGet, "/detector/snapshot?module=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/connection/condition", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "register_value")

	sim.PushError(-222, "Data out of range")
	code, body = env.do(t, http.MethodPost, "/connection/check_errors", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	assert.Equal(t, true, body["has_error"])
	assert.Contains(t, fmt.Sprint(body["errors"]), "-222")
}

func TestExchangeErrors(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), true)

	code, _ := env.do(t, http.MethodPost, "/instrument/exchange", gin.H{"timeout_ms": 10})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := env.do(t, http.MethodPost, "/instrument/exchange", gin.H{"command": "BOGUS:CMD?"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body["detail"], "BOGUS:CMD?")

	code, _ = env.do(t, http.MethodGet, "/api/exchanges", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPowerStream(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), true)
	conn := env.dial(t, "/ws/power?interval=0.05")

	hb := readUntil(t, conn, models.NotifyHeartbeat)
	assert.EqualValues(t, 1, hb["active_streams"])

	data := readUntil(t, conn, models.NotifyData)
	assert.Len(t, data["channels"], 4)
	assert.EqualValues(t, 4, data["module"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	pong := readUntil(t, conn, models.NotifyPong)
	assert.EqualValues(t, 1, pong["active_streams"])

	code, body := env.do(t, http.MethodGet, "/api/subscribers", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	subs := body["subscribers"].([]any)
	assert.Equal(t, broadcast.KindPower, subs[0].(map[string]any)["kind"])
	assert.EqualValues(t, 50, subs[0].(map[string]any)["interval_ms"])
}

func TestHealthStreamAndDisconnect(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), true)
	conn := env.dial(t, "/ws/health")
	readUntil(t, conn, models.NotifyHeartbeat)

	snap := env.bc.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, broadcast.KindHealth, snap[0].Kind)
	id := snap[0].ID

	code, _ := env.do(t, http.MethodDelete, "/api/subscribers/"+id, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.do(t, http.MethodDelete, "/api/subscribers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, env.bc.Count())
}

func TestStreamRejectsBadInterval(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), true)

	code, body := env.do(t, http.MethodGet, "/ws/power?interval=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["detail"], "invalid interval")
}

func TestStreamIntervalClamp(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), true)

	for raw, want := range map[string]time.Duration{
		"":     20 * time.Millisecond,
		"0":    20 * time.Millisecond,
		"0.5":  500 * time.Millisecond,
		"3600": 10 * time.Second,
	} {
		got, err := env.srv.streamInterval(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestMetricsAndArbiterEndpoints(t *testing.T) {
	env := newTestEnv(t, instrument.NewSimulatedInstrument(0), true)

	code, _ := env.do(t, http.MethodPost, "/instrument/exchange", gin.H{"command": "*IDN?"})
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(env.ts.URL + "/api/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), "gateway_arbiter_exchanges_total")

	code, body := env.do(t, http.MethodGet, "/api/arbiter", nil)
	require.Equal(t, http.StatusOK, code)
	assert.GreaterOrEqual(t, body["dispatched"], 1.0)

	code, body = env.do(t, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "telemetry")
}

func TestTraceRoutes(t *testing.T) {
	sim := instrument.NewSimulatedInstrument(0)
	sim.SetTracePoints(250)
	env := newTestEnv(t, sim, true)

	code, body := env.do(t, http.MethodGet, "/detector/trace/metadata?module=4&channel=2&trace_type=11", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(250), body["num_points"])
	assert.Equal(t, float64(11), body["trace_type"])
	assert.Equal(t, "dBm", body["unit"])

	code, body = env.do(t, http.MethodGet, "/detector/trace/data?channel=1", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["wavelengths"], 250)
	assert.Len(t, body["values"], 250)
	meta := body["metadata"].(map[string]any)
	assert.Equal(t, float64(env.srv.Config.Instrument.DefaultModule), meta["module"])

	code, _ = env.do(t, http.MethodGet, "/detector/trace/data?trace_type=24", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodGet, "/detector/trace/metadata?channel=7", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSweepRoutes(t *testing.T) {
	sim := instrument.NewSimulatedInstrument(0)
	sim.SetSweepDuration(150 * time.Millisecond)
	env := newTestEnv(t, sim, true)

	code, body := env.do(t, http.MethodPost, "/measurement/sweep/start", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, body["is_complete"])

	code, body = env.do(t, http.MethodGet, "/measurement/sweep/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_sweeping"])

	code, body = env.do(t, http.MethodPost, "/measurement/sweep/abort", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["status"].(map[string]any)["is_sweeping"])

	begin := time.Now()
	code, body = env.do(t, http.MethodPost, "/measurement/sweep/start?wait=true", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["is_complete"])
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)

	// a sweep that outlives the request deadline
	sim.SetSweepDuration(time.Hour)
	code, _ = env.do(t, http.MethodPost, "/measurement/sweep/start?wait=true&timeout_ms=200", nil)
	assert.Equal(t, http.StatusGatewayTimeout, code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{helpers.ErrQueueTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", helpers.ErrInFlightTimeout), http.StatusGatewayTimeout},
		{helpers.ErrNotConnected, http.StatusServiceUnavailable},
		{helpers.ErrQueueFull, http.StatusServiceUnavailable},
		{helpers.ErrArbiterClosed, http.StatusServiceUnavailable},
		{helpers.NewInstrumentError("*IDN?", errors.New("eof")), http.StatusBadGateway},
		{fmt.Errorf("waiting for sweep: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
