package models

import "time"

// -----------------------------------------------------------------------------
// Stream message kinds
// -----------------------------------------------------------------------------

const (
	NotifyData      = "data"
	NotifyHeartbeat = "heartbeat"
	NotifyError     = "error"
	NotifyPong      = "pong"
	NotifyReconnect = "reconnect"
)

// -----------------------------------------------------------------------------

// MNotification is the server->client stream message. Only the fields relevant
// to Type are populated.
type MNotification struct {
	Type string `json:"type"`

	// data
	Timestamp    any             `json:"timestamp,omitempty"`
	Sequence     uint64          `json:"sequence,omitempty"`
	Module       int             `json:"module,omitempty"`
	WavelengthNm float64         `json:"wavelength_nm,omitempty"`
	Unit         string          `json:"unit,omitempty"`
	Channels     map[int]float64 `json:"channels,omitempty"`

	// heartbeat / pong
	ActiveStreams *int `json:"active_streams,omitempty"`

	// error
	Message     string `json:"message,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`
	ErrorCount  int    `json:"error_count,omitempty"`

	// reconnect
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// -----------------------------------------------------------------------------

// NewDataNotification wraps a sample. Channels is shared, not copied: samples
// are immutable once produced.
func NewDataNotification(s *MSample) *MNotification {
	return &MNotification{
		Type:         NotifyData,
		Timestamp:    float64(s.Timestamp.UnixNano()) / 1e9,
		Sequence:     s.Sequence,
		Module:       s.Module,
		WavelengthNm: s.WavelengthNm,
		Unit:         s.Unit,
		Channels:     s.Channels,
	}
}

// -----------------------------------------------------------------------------

func NewHeartbeatNotification(now time.Time, active int) *MNotification {
	return &MNotification{
		Type:          NotifyHeartbeat,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		ActiveStreams: &active,
	}
}

// -----------------------------------------------------------------------------

func NewPongNotification(now time.Time, active int) *MNotification {
	return &MNotification{
		Type:          NotifyPong,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		ActiveStreams: &active,
	}
}

// -----------------------------------------------------------------------------

func NewErrorNotification(now time.Time, message string, errorCount int) *MNotification {
	recoverable := true
	return &MNotification{
		Type:        NotifyError,
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
		Message:     message,
		Recoverable: &recoverable,
		ErrorCount:  errorCount,
	}
}

// -----------------------------------------------------------------------------

func NewReconnectNotification(reason string, retryAfterSeconds int) *MNotification {
	return &MNotification{
		Type:       NotifyReconnect,
		Reason:     reason,
		RetryAfter: retryAfterSeconds,
	}
}
