package models

import "time"

// MSample is one detector reading produced by a sampling tick. Values are never
// mutated after construction; the same value is handed to every subscriber.
type MSample struct {
	Timestamp    time.Time       `json:"timestamp"`
	Sequence     uint64          `json:"sequence"`
	Module       int             `json:"module"`
	WavelengthNm float64         `json:"wavelength_nm"`
	Unit         string          `json:"unit"`
	Channels     map[int]float64 `json:"channels"`
}

// -----------------------------------------------------------------------------

// MConditionRegister is the decoded operation condition register.
type MConditionRegister struct {
	RegisterValue int             `json:"register_value"`
	IsIdle        bool            `json:"is_idle"`
	Bits          map[string]bool `json:"bits"`
}

// -----------------------------------------------------------------------------

// MConnectionStatus describes the instrument link as seen by the gateway.
type MConnectionStatus struct {
	Connected    bool   `json:"connected"`
	InstrumentID string `json:"instrument_id,omitempty"`
	Address      string `json:"address"`
	Mock         bool   `json:"mock"`
}

// -----------------------------------------------------------------------------

// MTraceMetadata describes a stored detector trace without its points.
type MTraceMetadata struct {
	Module    int    `json:"module"`
	Channel   int    `json:"channel"`
	TraceType int    `json:"trace_type"`
	NumPoints int    `json:"num_points"`
	Unit      string `json:"unit"`
}

// MTrace is a full trace download. Wavelengths are in nm.
type MTrace struct {
	Metadata    MTraceMetadata `json:"metadata"`
	Wavelengths []float64      `json:"wavelengths"`
	Values      []float64      `json:"values"`
}

// -----------------------------------------------------------------------------

// MSweepStatus is derived from the condition register scanning bit.
type MSweepStatus struct {
	IsSweeping        bool `json:"is_sweeping"`
	IsComplete        bool `json:"is_complete"`
	ConditionRegister int  `json:"condition_register"`
}
