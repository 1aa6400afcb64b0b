package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"instrument-gateway/src/arbiter"
	"instrument-gateway/src/instrument"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/models"

	"github.com/gin-gonic/gin"
)

const sweepPollInterval = 100 * time.Millisecond

// -----------------------------------------------------------------------------
// Request bodies
// -----------------------------------------------------------------------------

type connectRequest struct {
	Address   string `json:"address"`
	TimeoutMs int    `json:"timeout_ms"`
}

type exchangeRequest struct {
	Command   string `json:"command" binding:"required"`
	TimeoutMs int    `json:"timeout_ms"`
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

func (s *FastAPIServer) getConnectionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.instrument.Status())
}

// -----------------------------------------------------------------------------

// postConnect opens (or replaces) the instrument link. The body is optional.
func (s *FastAPIServer) postConnect(c *gin.Context) {
	var req connectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	status, err := s.instrument.Connect(c.Request.Context(), req.Address, timeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) postDisconnect(c *gin.Context) {
	if err := s.instrument.Disconnect(); err != nil {
		s.Logger.Warning("Disconnect: %v", err)
	}
	c.JSON(http.StatusOK, s.instrument.Status())
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getCondition(c *gin.Context) {
	ctx, cancel := s.deadline(c, 0)
	defer cancel()

	cond, err := arbiter.Query(ctx, s.arbiter, caller(c), instrument.ReadCondition)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cond)
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) postCheckErrors(c *gin.Context) {
	ctx, cancel := s.deadline(c, 0)
	defer cancel()

	errs, err := arbiter.Query(ctx, s.arbiter, caller(c), instrument.DrainErrors)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"errors":    errs,
		"count":     len(errs),
		"has_error": len(errs) > 0,
	})
}

// -----------------------------------------------------------------------------
// Detector
// -----------------------------------------------------------------------------

// getSnapshot reads every configured channel as one arbiter operation.
func (s *FastAPIServer) getSnapshot(c *gin.Context) {
	module, err := queryInt(c, "module", s.Config.Instrument.DefaultModule)
	if err != nil || module < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid module"})
		return
	}
	channels := s.Config.Instrument.Channels

	ctx, cancel := s.deadline(c, 0)
	defer cancel()

	sample, err := arbiter.Query(ctx, s.arbiter, caller(c), func(inst interfaces.IInstrument) (*models.MSample, error) {
		return instrument.ReadSnapshot(inst, module, channels)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// -----------------------------------------------------------------------------
// Traces
// -----------------------------------------------------------------------------

type traceQuery struct {
	module, channel, traceType, timeoutMs int
}

func (s *FastAPIServer) parseTraceQuery(c *gin.Context) (traceQuery, error) {
	var q traceQuery
	var err error
	if q.module, err = queryRange(c, "module", s.Config.Instrument.DefaultModule, 1, 20); err != nil {
		return q, err
	}
	if q.channel, err = queryRange(c, "channel", 1, 1, 6); err != nil {
		return q, err
	}
	if q.traceType, err = queryRange(c, "trace_type", instrument.MinTraceType, instrument.MinTraceType, instrument.MaxTraceType); err != nil {
		return q, err
	}
	if q.timeoutMs, err = queryInt(c, "timeout_ms", 0); err != nil {
		return q, err
	}
	return q, nil
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getTraceMetadata(c *gin.Context) {
	q, err := s.parseTraceQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	ctx, cancel := s.deadline(c, q.timeoutMs)
	defer cancel()

	meta, err := arbiter.Query(ctx, s.arbiter, caller(c), func(inst interfaces.IInstrument) (*models.MTraceMetadata, error) {
		return instrument.ReadTraceMetadata(inst, q.module, q.channel, q.traceType)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

// -----------------------------------------------------------------------------

// getTraceData downloads a full trace as one arbiter operation. Telemetry
// queues behind it for the duration of the transfer.
func (s *FastAPIServer) getTraceData(c *gin.Context) {
	q, err := s.parseTraceQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	ctx, cancel := s.longDeadline(c, q.timeoutMs)
	defer cancel()

	trace, err := arbiter.Query(ctx, s.arbiter, caller(c), func(inst interfaces.IInstrument) (*models.MTrace, error) {
		return instrument.ReadTrace(inst, q.module, q.channel, q.traceType)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

// -----------------------------------------------------------------------------
// Sweeps
// -----------------------------------------------------------------------------

// postSweepStart initiates a scan. With wait=true it polls the status until
// the scan completes, releasing the instrument between polls so telemetry
// keeps flowing.
func (s *FastAPIServer) postSweepStart(c *gin.Context) {
	wait := c.Query("wait") == "true" || c.Query("wait") == "1"
	timeoutMs, err := queryInt(c, "timeout_ms", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	ctx, cancel := s.longDeadline(c, timeoutMs)
	defer cancel()

	status, err := arbiter.Query(ctx, s.arbiter, caller(c), instrument.StartSweep)
	if err != nil {
		s.fail(c, err)
		return
	}

	if wait {
		status, err = s.waitSweep(ctx, caller(c), status)
		if err != nil {
			s.fail(c, err)
			return
		}
	}

	message := "Sweep initiated"
	if status.IsComplete && wait {
		message = "Sweep completed"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     message,
		"is_complete": wait && status.IsComplete,
		"status":      status,
	})
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) waitSweep(ctx context.Context, label string, status *models.MSweepStatus) (*models.MSweepStatus, error) {
	ticker := time.NewTicker(sweepPollInterval)
	defer ticker.Stop()

	var err error
	for !status.IsComplete {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for sweep: %w", ctx.Err())
		case <-ticker.C:
		}
		status, err = arbiter.Query(ctx, s.arbiter, label, instrument.ReadSweepStatus)
		if err != nil {
			return nil, err
		}
	}
	return status, nil
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) postSweepAbort(c *gin.Context) {
	ctx, cancel := s.deadline(c, 0)
	defer cancel()

	status, err := arbiter.Query(ctx, s.arbiter, caller(c), instrument.AbortSweep)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Sweep aborted", "status": status})
}

// -----------------------------------------------------------------------------

func (s *FastAPIServer) getSweepStatus(c *gin.Context) {
	ctx, cancel := s.deadline(c, 0)
	defer cancel()

	status, err := arbiter.Query(ctx, s.arbiter, caller(c), instrument.ReadSweepStatus)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// -----------------------------------------------------------------------------
// Raw exchange
// -----------------------------------------------------------------------------

func (s *FastAPIServer) postExchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "empty command"})
		return
	}

	ctx, cancel := s.deadline(c, req.TimeoutMs)
	defer cancel()

	resp, err := s.arbiter.Exchange(ctx, caller(c), command)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"command":  command,
		"query":    instrument.IsQuery(command),
		"response": resp,
	})
}
