package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/models"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/sync/semaphore"
)

const (
	KindPower  = "power"
	KindHealth = "health"
)

// Subscriber lifecycle
const (
	StateConnecting = "connecting"
	StateLive       = "live"
	StateDegraded   = "degraded"
	StateClosed     = "closed"

	EventAccept  = "accept"
	EventDegrade = "degrade"
	EventRecover = "recover"
	EventClose   = "close"
)

// Removal reasons
const (
	ReasonSendFailures    = "send_failures"
	ReasonTransportClosed = "transport_closed"
	ReasonDisconnected    = "disconnected"
	ReasonShutdown        = "shutdown"
)

// Thresholds control when a subscriber degrades or is dropped.
type Thresholds struct {
	DegradeAfter    int
	MaxSendFailures int
	MaxMissedAcks   int // 0 disables ack tracking
}

type frameKind int

const (
	frameData frameKind = iota
	frameError
	frameHeartbeat
	frameControl
)

// skippable frames are produced every tick; a newer one will follow.
func (k frameKind) skippable() bool {
	return k == frameData || k == frameError
}

// -----------------------------------------------------------------------------
// Subscriber
// -----------------------------------------------------------------------------

type Subscriber struct {
	ID          string
	Kind        string
	Interval    time.Duration
	ConnectedAt time.Time

	transport  interfaces.ISubscriberTransport
	thresholds Thresholds
	sendMu     *semaphore.Weighted

	mu               sync.Mutex
	machine          *fsm.FSM
	lastSendAt       time.Time
	lastDataAt       time.Time
	consecutiveFails int
	missedAcks       int

	closeOnce sync.Once
}

// -----------------------------------------------------------------------------

func newSubscriber(kind string, transport interfaces.ISubscriberTransport, interval time.Duration, th Thresholds) *Subscriber {
	return &Subscriber{
		ID:          uuid.NewString(),
		Kind:        kind,
		Interval:    interval,
		ConnectedAt: time.Now(),
		transport:   transport,
		thresholds:  th,
		sendMu:      semaphore.NewWeighted(1),
		machine: fsm.NewFSM(
			StateConnecting,
			fsm.Events{
				{Name: EventAccept, Src: []string{StateConnecting}, Dst: StateLive},
				{Name: EventDegrade, Src: []string{StateLive}, Dst: StateDegraded},
				{Name: EventRecover, Src: []string{StateDegraded}, Dst: StateLive},
				{Name: EventClose, Src: []string{StateConnecting, StateLive, StateDegraded}, Dst: StateClosed},
			},
			fsm.Callbacks{},
		),
	}
}

// -----------------------------------------------------------------------------

func (s *Subscriber) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// -----------------------------------------------------------------------------

// fire applies event if the current state allows it. Caller holds s.mu.
func (s *Subscriber) fire(event string) {
	if s.machine.Can(event) {
		_ = s.machine.Event(context.Background(), event)
	}
}

// -----------------------------------------------------------------------------

// deliver sends one frame within ctx. It reports whether the subscriber must be
// removed from the registry. A frame that cannot be sent in time is dropped, and
// a skippable frame is dropped at once while an earlier send is still pending.
func (s *Subscriber) deliver(ctx context.Context, msg *models.MNotification, kind frameKind) (remove bool, err error) {
	if s.State() == StateClosed {
		return false, helpers.ErrSubscriberClosed
	}

	if kind.skippable() {
		if !s.sendMu.TryAcquire(1) {
			return s.failed(helpers.ErrSendBusy), helpers.ErrSendBusy
		}
	} else if err := s.sendMu.Acquire(ctx, 1); err != nil {
		return s.failed(helpers.ErrSendTimeout), helpers.ErrSendTimeout
	}

	res := make(chan error, 1)
	go func() {
		defer s.sendMu.Release(1)
		err := s.transport.Send(ctx, msg)
		if err == nil && kind == frameHeartbeat {
			err = s.transport.Ping(ctx)
		}
		res <- err
	}()

	select {
	case err = <-res:
	case <-ctx.Done():
		err = helpers.ErrSendTimeout
	}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, helpers.ErrTransportClosed) {
			err = helpers.ErrSendTimeout
		}
		return s.failed(err), err
	}

	s.succeeded(time.Now(), kind)
	return false, nil
}

// -----------------------------------------------------------------------------

func (s *Subscriber) failed(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFails++

	if errors.Is(err, helpers.ErrTransportClosed) || s.consecutiveFails >= s.thresholds.MaxSendFailures {
		s.fire(EventClose)
		return true
	}
	if s.consecutiveFails >= s.thresholds.DegradeAfter {
		s.fire(EventDegrade)
	}
	return false
}

// -----------------------------------------------------------------------------

func (s *Subscriber) succeeded(now time.Time, kind frameKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveFails = 0
	s.lastSendAt = now
	if kind == frameData {
		s.lastDataAt = now
	}
	s.fire(EventAccept)
	if !s.acksOverdue() {
		s.fire(EventRecover)
	}
}

// -----------------------------------------------------------------------------

// expectAck counts one outstanding heartbeat acknowledgement.
func (s *Subscriber) expectAck() {
	if s.thresholds.MaxMissedAcks <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.missedAcks++
	if s.acksOverdue() {
		s.fire(EventDegrade)
	}
}

// -----------------------------------------------------------------------------

// Ack records a heartbeat acknowledgement from the peer.
func (s *Subscriber) Ack() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.missedAcks = 0
	if s.consecutiveFails < s.thresholds.DegradeAfter {
		s.fire(EventRecover)
	}
}

// acksOverdue requires s.mu.
func (s *Subscriber) acksOverdue() bool {
	return s.thresholds.MaxMissedAcks > 0 && s.missedAcks >= s.thresholds.MaxMissedAcks
}

// -----------------------------------------------------------------------------

// dueForData reports whether the subscriber's own interval has elapsed since
// its last data frame. slack absorbs ticker jitter.
func (s *Subscriber) dueForData(now time.Time, slack time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDataAt.IsZero() || now.Sub(s.lastDataAt) >= s.Interval-slack
}

// -----------------------------------------------------------------------------

// close moves to the terminal state and releases the transport once.
func (s *Subscriber) close() {
	s.mu.Lock()
	s.fire(EventClose)
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		_ = s.transport.Close()
	})
}

// -----------------------------------------------------------------------------

func (s *Subscriber) Info() models.MSubscriberInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.MSubscriberInfo{
		ID:               s.ID,
		Kind:             s.Kind,
		State:            s.machine.Current(),
		ConnectedAt:      s.ConnectedAt,
		LastSendAt:       s.lastSendAt,
		ConsecutiveFails: s.consecutiveFails,
		MissedAcks:       s.missedAcks,
		IntervalMs:       s.Interval.Milliseconds(),
		RemoteAddr:       s.transport.RemoteAddr(),
	}
}
