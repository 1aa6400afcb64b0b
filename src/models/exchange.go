package models

import "time"

// -----------------------------------------------------------------------------
// Exchange outcomes
// -----------------------------------------------------------------------------

const (
	OutcomeOK              = "ok"
	OutcomeError           = "error"
	OutcomeTimeoutQueued   = "timeout_queued"
	OutcomeTimeoutInFlight = "timeout_inflight"
	OutcomeRejected        = "rejected"
)

// -----------------------------------------------------------------------------

// MExchangeRecord is the audit trail of a single arbiter request.
// StartedAt/FinishedAt are zero when the request never reached the instrument.
type MExchangeRecord struct {
	Caller     string    `json:"caller"`
	QueuedAt   time.Time `json:"queued_at"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Duration is the time spent against the instrument.
func (r MExchangeRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// -----------------------------------------------------------------------------

// MArbiterStats is a point-in-time view of the arbiter.
type MArbiterStats struct {
	Queued         int              `json:"queued"`
	InFlight       bool             `json:"in_flight"`
	InFlightCaller string           `json:"in_flight_caller,omitempty"`
	Dispatched     uint64           `json:"dispatched"`
	Outcomes       map[string]int64 `json:"outcomes"`
	LatencyMeanMs  float64          `json:"latency_mean_ms"`
	LatencyStdMs   float64          `json:"latency_std_ms"`
	LatencyMaxMs   float64          `json:"latency_max_ms"`
	LatencyWindow  int              `json:"latency_window"`
	Closed         bool             `json:"closed"`
}

// -----------------------------------------------------------------------------

// MSubscriberInfo describes one registry entry.
type MSubscriberInfo struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	State            string    `json:"state"`
	ConnectedAt      time.Time `json:"connected_at"`
	LastSendAt       time.Time `json:"last_send_at"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	MissedAcks       int       `json:"missed_acks"`
	IntervalMs       int64     `json:"interval_ms"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
}
