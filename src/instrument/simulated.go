package instrument

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const SimulatedID = "EXFO,CTP10,12345678,1.2.3"

var (
	powerQuery = regexp.MustCompile(`^:?SENS(\d+):CHAN(\d+):POW\?$`)
	wavQuery   = regexp.MustCompile(`^:?SENS(\d+):CHAN(\d+):WAV\?$`)
	unitQuery  = regexp.MustCompile(`^:?SENS(\d+):CHAN(\d+):POW:UNIT\?$`)
	wavSet     = regexp.MustCompile(`^:?SENS(\d+):CHAN(\d+):WAV\s+(\S+)$`)
	traceLen   = regexp.MustCompile(`^:?TRAC:SENS(\d+):CHAN(\d+):TYPE(\d+):DATA:LENG\?$`)
	traceX     = regexp.MustCompile(`^:?TRAC:SENS(\d+):CHAN(\d+):TYPE(\d+):DATA:X\?\s+M,ASC$`)
	traceY     = regexp.MustCompile(`^:?TRAC:SENS(\d+):CHAN(\d+):TYPE(\d+):DATA\?\s+DB,ASC$`)
)

const (
	simTraceStartM = 1260e-9
	simTraceStepM  = 10e-12
)

// -----------------------------------------------------------------------------
// SimulatedInstrument
// -----------------------------------------------------------------------------

// SimulatedInstrument answers the command subset the gateway uses, with a fixed
// per-exchange latency. It is used in mock mode and by tests.
type SimulatedInstrument struct {
	mu         sync.Mutex
	latency    time.Duration
	wavelength float64 // meters
	condition  int
	errorQueue []string
	rng        *rand.Rand
	closed     bool

	sweepStarted  time.Time
	sweepDuration time.Duration
	tracePoints   int
}

// -----------------------------------------------------------------------------

func NewSimulatedInstrument(latency time.Duration) *SimulatedInstrument {
	return &SimulatedInstrument{
		latency:       latency,
		wavelength:    1310e-9,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		sweepDuration: 500 * time.Millisecond,
		tracePoints:   1000,
	}
}

// -----------------------------------------------------------------------------

// PushError queues an entry for SYST:ERR? to report.
func (s *SimulatedInstrument) PushError(code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorQueue = append(s.errorQueue, fmt.Sprintf("%d,\"%s\"", code, message))
}

// -----------------------------------------------------------------------------

// SetCondition sets the operation condition register value.
func (s *SimulatedInstrument) SetCondition(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.condition = v
}

// -----------------------------------------------------------------------------

// SetSweepDuration sets how long the scanning bit stays up after :INIT.
func (s *SimulatedInstrument) SetSweepDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepDuration = d
}

// SetTracePoints sets the length of every stored trace.
func (s *SimulatedInstrument) SetTracePoints(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracePoints = n
}

// conditionValue folds the simulated scan into the register. Requires s.mu.
func (s *SimulatedInstrument) conditionValue() int {
	v := s.condition
	if !s.sweepStarted.IsZero() {
		if time.Since(s.sweepStarted) < s.sweepDuration {
			v |= scanningMask
		} else {
			s.sweepStarted = time.Time{}
		}
	}
	return v
}

// -----------------------------------------------------------------------------

func (s *SimulatedInstrument) Exchange(command string) (string, error) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("simulated instrument closed")
	}

	cmd := strings.ToUpper(strings.TrimSpace(command))

	switch {
	case cmd == "*IDN?":
		return SimulatedID, nil
	case cmd == "*CLS":
		s.errorQueue = nil
		return "", nil
	case cmd == ":STAT:OPER:COND?" || cmd == "STAT:OPER:COND?":
		return strconv.Itoa(s.conditionValue()), nil
	case cmd == ":INIT" || cmd == "INIT":
		s.sweepStarted = time.Now()
		return "", nil
	case cmd == ":ABOR" || cmd == "ABOR" || cmd == ":ABORT":
		s.sweepStarted = time.Time{}
		return "", nil
	case cmd == "SYST:ERR?" || cmd == ":SYST:ERR?":
		if len(s.errorQueue) == 0 {
			return `0,"No error"`, nil
		}
		head := s.errorQueue[0]
		s.errorQueue = s.errorQueue[1:]
		return head, nil
	}

	if m := powerQuery.FindStringSubmatch(cmd); m != nil {
		ch, _ := strconv.Atoi(m[2])
		p := -15.5 + float64(ch)*2.3 + (s.rng.Float64()*0.1 - 0.05)
		return strconv.FormatFloat(p, 'E', 6, 64), nil
	}
	if wavQuery.MatchString(cmd) {
		return strconv.FormatFloat(s.wavelength, 'E', 6, 64), nil
	}
	if unitQuery.MatchString(cmd) {
		return "DBM", nil
	}
	if traceLen.MatchString(cmd) {
		return strconv.Itoa(s.tracePoints), nil
	}
	if traceX.MatchString(cmd) {
		return s.traceAxis(func(i int, _ float64) float64 { return simTraceStartM + float64(i)*simTraceStepM }), nil
	}
	if m := traceY.FindStringSubmatch(cmd); m != nil {
		traceType, _ := strconv.Atoi(m[3])
		return s.traceAxis(func(_ int, wl float64) float64 { return simTraceValue(traceType, wl) }), nil
	}
	if m := wavSet.FindStringSubmatch(cmd); m != nil {
		v, err := parseWavelengthArg(m[3])
		if err != nil {
			s.errorQueue = append(s.errorQueue, `-224,"Illegal parameter value"`)
			return "", nil
		}
		s.wavelength = v
		return "", nil
	}

	s.errorQueue = append(s.errorQueue, `-113,"Undefined header"`)
	if strings.HasSuffix(cmd, "?") {
		return "", fmt.Errorf("undefined header: %s", command)
	}
	return "", nil
}

// -----------------------------------------------------------------------------

func (s *SimulatedInstrument) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// -----------------------------------------------------------------------------

// traceAxis renders one comma separated axis. Requires s.mu.
func (s *SimulatedInstrument) traceAxis(value func(i int, wavelengthM float64) float64) string {
	var b strings.Builder
	for i := 0; i < s.tracePoints; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		wl := simTraceStartM + float64(i)*simTraceStepM
		b.WriteString(strconv.FormatFloat(value(i, wl), 'E', 6, 64))
	}
	return b.String()
}

// simTraceValue draws a flat reference (type 12) or a single ring resonance
// near 1262 nm on top of it.
func simTraceValue(traceType int, wavelengthM float64) float64 {
	base := -6.0
	if traceType == 1 {
		base = 0
	}
	if traceType == 12 {
		return base
	}
	detune := (wavelengthM*1e9 - 1262.0) / 0.05
	return base - 1.0 - 15.0/(1+detune*detune)
}

// -----------------------------------------------------------------------------

// parseWavelengthArg accepts "1310NM" or a plain value in meters.
func parseWavelengthArg(arg string) (float64, error) {
	if strings.HasSuffix(arg, "NM") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(arg, "NM"), 64)
		return v * 1e-9, err
	}
	return strconv.ParseFloat(arg, 64)
}
