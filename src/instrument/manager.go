package instrument

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/models"
)

// DialFunc opens one instrument link.
type DialFunc func(ctx context.Context, address string, timeout time.Duration) (interfaces.IInstrumentConn, error)

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager owns the single instrument link. Exchange is only ever called by the
// arbiter; connection state reads are lock-free so health endpoints never wait
// behind an exchange.
type Manager struct {
	Config *models.MInstrumentConfig
	Logger *logger.Logger

	dial DialFunc

	mu   sync.Mutex // guards conn swaps against a running exchange
	conn interfaces.IInstrumentConn

	connected    atomic.Bool
	address      atomic.Value // string
	instrumentID atomic.Value // string
}

// -----------------------------------------------------------------------------

func NewManager(cfg *models.MInstrumentConfig, log *logger.Logger) *Manager {
	m := &Manager{
		Config: cfg,
		Logger: log,
	}
	m.address.Store(cfg.Address)
	m.instrumentID.Store("")

	if cfg.MockMode {
		latency := time.Duration(cfg.MockLatencyMs) * time.Millisecond
		m.dial = func(ctx context.Context, address string, timeout time.Duration) (interfaces.IInstrumentConn, error) {
			return NewSimulatedInstrument(latency), nil
		}
	} else {
		m.dial = func(ctx context.Context, address string, timeout time.Duration) (interfaces.IInstrumentConn, error) {
			return DialSCPI(ctx, address, timeout)
		}
	}
	return m
}

// -----------------------------------------------------------------------------

// WithDialer replaces the link factory. Used by tests.
func (m *Manager) WithDialer(d DialFunc) *Manager {
	m.dial = d
	return m
}

// -----------------------------------------------------------------------------

// Connect opens the link and reads *IDN?. An empty address keeps the current
// one; timeout <= 0 keeps the configured one. An existing link is replaced.
func (m *Manager) Connect(ctx context.Context, address string, timeout time.Duration) (*models.MConnectionStatus, error) {
	if address == "" {
		address = m.Address()
	}
	if timeout <= 0 {
		timeout = time.Duration(m.Config.TimeoutMs) * time.Millisecond
	}

	var conn interfaces.IInstrumentConn
	err := helpers.RetryWithBackoff(ctx, "instrument connect", m.Config.ConnectRetries, 500*time.Millisecond, 5*time.Second, m.Logger, func() error {
		c, err := m.dial(ctx, address, timeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		m.Logger.Error("Failed to connect to %s: %v", address, err)
		return nil, helpers.NewInstrumentError("connect", err)
	}

	id, err := conn.Exchange("*IDN?")
	if err != nil {
		conn.Close()
		return nil, helpers.NewInstrumentError("*IDN?", err)
	}

	m.mu.Lock()
	old := m.conn
	m.conn = conn
	m.address.Store(address)
	m.instrumentID.Store(strings.TrimSpace(id))
	m.connected.Store(true)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}

	m.Logger.Info("Connected to %s (%s)", address, strings.TrimSpace(id))
	return m.Status(), nil
}

// -----------------------------------------------------------------------------

// Disconnect closes the link. It waits for a running exchange to finish.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected.Store(false)
	m.instrumentID.Store("")
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	m.Logger.Info("Disconnected from %s", m.Address())
	return conn.Close()
}

// -----------------------------------------------------------------------------

// Exchange implements interfaces.IInstrument on top of the current link.
func (m *Manager) Exchange(command string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return "", helpers.ErrNotConnected
	}

	resp, err := m.conn.Exchange(command)
	if err != nil {
		if isLinkLost(err) {
			m.Logger.Warning("Instrument link lost during %q: %v", command, err)
			m.conn.Close()
			m.conn = nil
			m.connected.Store(false)
			m.instrumentID.Store("")
		}
		return "", helpers.NewInstrumentError(command, err)
	}
	return resp, nil
}

// -----------------------------------------------------------------------------

func (m *Manager) IsConnected() bool {
	return m.connected.Load()
}

func (m *Manager) Address() string {
	return m.address.Load().(string)
}

// -----------------------------------------------------------------------------

// Status never touches the instrument.
func (m *Manager) Status() *models.MConnectionStatus {
	return &models.MConnectionStatus{
		Connected:    m.connected.Load(),
		InstrumentID: m.instrumentID.Load().(string),
		Address:      m.Address(),
		Mock:         m.Config.MockMode,
	}
}

// -----------------------------------------------------------------------------

// isLinkLost reports whether err leaves the link unusable. A timed out query
// counts: its reply may still arrive and would answer the next command.
func isLinkLost(err error) bool {
	if errors.Is(err, helpers.ErrLinkLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
