package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"instrument-gateway/src/helpers"

	"github.com/gin-gonic/gin"
)

// -----------------------------------------------------------------------------

func errInvalidInterval(raw string) error {
	return fmt.Errorf("invalid interval %q: expected seconds", raw)
}

// -----------------------------------------------------------------------------

// statusFor maps the gateway error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var instErr *helpers.InstrumentError

	switch {
	case helpers.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, helpers.ErrNotConnected),
		errors.Is(err, helpers.ErrQueueFull),
		errors.Is(err, helpers.ErrArbiterClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &instErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusGatewayTimeout {
		s.Logger.Warning("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"detail": err.Error()})
}

// -----------------------------------------------------------------------------

// deadline bounds one instrument-bound request. timeoutMs <= 0 uses the
// configured default.
func (s *FastAPIServer) deadline(c *gin.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	d := s.Config.ArbiterDeadline()
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	return context.WithTimeout(c.Request.Context(), d)
}

// longDeadline bounds trace downloads and sweep waits. It defaults to the
// instrument I/O timeout instead of the arbiter default.
func (s *FastAPIServer) longDeadline(c *gin.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	d := s.Config.InstrumentTimeout()
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	return context.WithTimeout(c.Request.Context(), d)
}

// -----------------------------------------------------------------------------

// caller labels arbiter requests by route.
func caller(c *gin.Context) string {
	return "http:" + c.FullPath()
}

// -----------------------------------------------------------------------------

// queryRange parses an optional integer query parameter within [lo, hi].
func queryRange(c *gin.Context, key string, def, lo, hi int) (int, error) {
	v, err := queryInt(c, key, def)
	if err != nil {
		return 0, err
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", key, lo, hi)
	}
	return v, nil
}

// -----------------------------------------------------------------------------

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}
