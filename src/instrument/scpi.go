package instrument

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"instrument-gateway/src/helpers"
)

// -----------------------------------------------------------------------------
// SCPISocket
// -----------------------------------------------------------------------------

// SCPISocket speaks newline-terminated SCPI over one TCP connection.
// Commands ending in '?' are queries and read exactly one response line.
//
// Once a command is on the wire any I/O failure leaves the response stream in
// an unknown position, so the socket closes itself and refuses further work.
type SCPISocket struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	broken  bool
}

// -----------------------------------------------------------------------------

// DialSCPI opens the raw socket (typically port 5025).
func DialSCPI(ctx context.Context, address string, timeout time.Duration) (*SCPISocket, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	return &SCPISocket{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		timeout: timeout,
	}, nil
}

// -----------------------------------------------------------------------------

func (s *SCPISocket) Exchange(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	if s.broken {
		return "", helpers.ErrLinkLost
	}

	if s.timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return "", s.poison("deadline", err)
		}
	}

	if _, err := s.conn.Write([]byte(command + "\n")); err != nil {
		return "", s.poison("write", err)
	}

	if !IsQuery(command) {
		return "", nil
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", s.poison("read", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// -----------------------------------------------------------------------------

// poison closes the socket after an I/O failure. A late reply must never be
// read as the answer to the next command.
func (s *SCPISocket) poison(op string, err error) error {
	s.broken = true
	s.conn.Close()
	return fmt.Errorf("%s: %w: %w", op, helpers.ErrLinkLost, err)
}

// -----------------------------------------------------------------------------

func (s *SCPISocket) Close() error {
	return s.conn.Close()
}

// -----------------------------------------------------------------------------

// IsQuery reports whether command expects a response line.
func IsQuery(command string) bool {
	command = strings.TrimSpace(command)
	if i := strings.IndexByte(command, ' '); i >= 0 {
		command = command[:i]
	}
	return strings.HasSuffix(command, "?")
}
