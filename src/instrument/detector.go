package instrument

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/models"
)

// Operation condition register bits.
var conditionBits = []struct {
	name string
	mask int
}{
	{"zeroing", 1},
	{"calibrating", 2},
	{"scanning", 4},
	{"analyzing", 8},
	{"aborting", 16},
	{"armed", 32},
	{"referencing", 64},
	{"quick_referencing", 128},
}

// maxErrorDrain bounds SYST:ERR? polling so a misbehaving instrument cannot
// keep the exchange alive forever.
const maxErrorDrain = 32

const (
	scanningMask = 4

	MinTraceType = 1
	MaxTraceType = 23
)

// -----------------------------------------------------------------------------
// Command builders
// -----------------------------------------------------------------------------

func PowerCommand(module, channel int) string {
	return fmt.Sprintf(":SENS%d:CHAN%d:POW?", module, channel)
}

func WavelengthCommand(module int) string {
	return fmt.Sprintf(":SENS%d:CHAN1:WAV?", module)
}

func PowerUnitCommand(module int) string {
	return ChannelUnitCommand(module, 1)
}

func ChannelUnitCommand(module, channel int) string {
	return fmt.Sprintf(":SENS%d:CHAN%d:POW:UNIT?", module, channel)
}

func traceCommand(module, channel, traceType int, suffix string) string {
	return fmt.Sprintf(":TRAC:SENS%d:CHAN%d:TYPE%d:DATA%s", module, channel, traceType, suffix)
}

func TraceLengthCommand(module, channel, traceType int) string {
	return traceCommand(module, channel, traceType, ":LENG?")
}

// TraceXCommand reads the wavelength axis in meters as ASCII.
func TraceXCommand(module, channel, traceType int) string {
	return traceCommand(module, channel, traceType, ":X? M,ASC")
}

// TraceYCommand reads the power axis in dB as ASCII.
func TraceYCommand(module, channel, traceType int) string {
	return traceCommand(module, channel, traceType, "? DB,ASC")
}

const (
	SweepStartCommand = ":INIT"
	SweepAbortCommand = ":ABOR"
)

// -----------------------------------------------------------------------------
// Detector reads. These run while the caller holds the instrument.
// -----------------------------------------------------------------------------

// ReadSnapshot reads wavelength, unit and every requested channel in one pass.
func ReadSnapshot(inst interfaces.IInstrument, module int, channels []int) (*models.MSample, error) {
	wavRaw, err := inst.Exchange(WavelengthCommand(module))
	if err != nil {
		return nil, err
	}
	wavelength, err := ParseWavelengthNm(wavRaw)
	if err != nil {
		return nil, err
	}

	unitRaw, err := inst.Exchange(PowerUnitCommand(module))
	if err != nil {
		return nil, err
	}

	readings := make(map[int]float64, len(channels))
	for _, ch := range channels {
		raw, err := inst.Exchange(PowerCommand(module, ch))
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", ch, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("channel %d: bad power %q", ch, raw)
		}
		readings[ch] = v
	}

	return &models.MSample{
		Timestamp:    time.Now(),
		Module:       module,
		WavelengthNm: wavelength,
		Unit:         NormalizeUnit(unitRaw),
		Channels:     readings,
	}, nil
}

// -----------------------------------------------------------------------------

// ReadCondition queries and decodes the operation condition register.
func ReadCondition(inst interfaces.IInstrument) (*models.MConditionRegister, error) {
	raw, err := inst.Exchange(":STAT:OPER:COND?")
	if err != nil {
		return nil, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("bad condition register %q", raw)
	}
	return DecodeCondition(v), nil
}

func DecodeCondition(v int) *models.MConditionRegister {
	bits := make(map[string]bool, len(conditionBits))
	for _, b := range conditionBits {
		bits[b.name] = v&b.mask != 0
	}
	return &models.MConditionRegister{
		RegisterValue: v,
		IsIdle:        v == 0,
		Bits:          bits,
	}
}

// -----------------------------------------------------------------------------

// DrainErrors pops the SCPI error queue until it reports code 0.
func DrainErrors(inst interfaces.IInstrument) ([]string, error) {
	var found []string
	for i := 0; i < maxErrorDrain; i++ {
		raw, err := inst.Exchange("SYST:ERR?")
		if err != nil {
			return found, err
		}
		code, _, _ := strings.Cut(strings.TrimSpace(raw), ",")
		if n, err := strconv.Atoi(strings.TrimSpace(code)); err == nil && n == 0 {
			return found, nil
		}
		found = append(found, strings.TrimSpace(raw))
	}
	return found, nil
}

// -----------------------------------------------------------------------------
// Traces
// -----------------------------------------------------------------------------

// ReadTraceMetadata reads the point count and unit of a stored trace.
func ReadTraceMetadata(inst interfaces.IInstrument, module, channel, traceType int) (*models.MTraceMetadata, error) {
	raw, err := inst.Exchange(TraceLengthCommand(module, channel, traceType))
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("bad trace length %q", raw)
	}

	unit, err := inst.Exchange(ChannelUnitCommand(module, channel))
	if err != nil {
		return nil, err
	}

	return &models.MTraceMetadata{
		Module:    module,
		Channel:   channel,
		TraceType: traceType,
		NumPoints: n,
		Unit:      NormalizeUnit(unit),
	}, nil
}

// -----------------------------------------------------------------------------

// ReadTrace downloads a whole trace. Both axes are read in the same exclusive
// hold so they always describe the same acquisition.
func ReadTrace(inst interfaces.IInstrument, module, channel, traceType int) (*models.MTrace, error) {
	meta, err := ReadTraceMetadata(inst, module, channel, traceType)
	if err != nil {
		return nil, err
	}

	trace := &models.MTrace{Metadata: *meta, Wavelengths: []float64{}, Values: []float64{}}
	if meta.NumPoints == 0 {
		return trace, nil
	}

	rawX, err := inst.Exchange(TraceXCommand(module, channel, traceType))
	if err != nil {
		return nil, err
	}
	xs, err := parseFloatList(rawX)
	if err != nil {
		return nil, fmt.Errorf("trace wavelengths: %w", err)
	}

	rawY, err := inst.Exchange(TraceYCommand(module, channel, traceType))
	if err != nil {
		return nil, err
	}
	ys, err := parseFloatList(rawY)
	if err != nil {
		return nil, fmt.Errorf("trace values: %w", err)
	}

	if len(xs) != meta.NumPoints || len(ys) != meta.NumPoints {
		return nil, fmt.Errorf("trace length mismatch: expected %d points, got %d wavelengths and %d values", meta.NumPoints, len(xs), len(ys))
	}

	for i := range xs {
		xs[i] = math.Round(xs[i]*1e15) / 1e6
	}
	trace.Wavelengths = xs
	trace.Values = ys
	return trace, nil
}

// -----------------------------------------------------------------------------

func parseFloatList(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []float64{}, nil
	}
	fields := strings.Split(raw, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("bad value %q at index %d", f, i)
		}
		out[i] = v
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Sweeps
// -----------------------------------------------------------------------------

// StartSweep initiates a scan with the current laser settings.
func StartSweep(inst interfaces.IInstrument) (*models.MSweepStatus, error) {
	if _, err := inst.Exchange(SweepStartCommand); err != nil {
		return nil, err
	}
	return ReadSweepStatus(inst)
}

// AbortSweep stops a running scan.
func AbortSweep(inst interfaces.IInstrument) (*models.MSweepStatus, error) {
	if _, err := inst.Exchange(SweepAbortCommand); err != nil {
		return nil, err
	}
	return ReadSweepStatus(inst)
}

// ReadSweepStatus derives sweep progress from the scanning bit.
func ReadSweepStatus(inst interfaces.IInstrument) (*models.MSweepStatus, error) {
	cond, err := ReadCondition(inst)
	if err != nil {
		return nil, err
	}
	sweeping := cond.RegisterValue&scanningMask != 0
	return &models.MSweepStatus{
		IsSweeping:        sweeping,
		IsComplete:        !sweeping,
		ConditionRegister: cond.RegisterValue,
	}, nil
}

// -----------------------------------------------------------------------------

// ParseWavelengthNm accepts meters (1.31E-06) or nanometers (1310).
func ParseWavelengthNm(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("bad wavelength %q", raw)
	}
	if v < 1e-3 {
		v = math.Round(v*1e15) / 1e6
	}
	return v, nil
}

// -----------------------------------------------------------------------------

func NormalizeUnit(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "0", "DBM":
		return "dBm"
	case "1", "W", "WATT":
		return "W"
	default:
		return strings.TrimSpace(raw)
	}
}
