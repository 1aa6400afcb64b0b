package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"instrument-gateway/src/arbiter"
	"instrument-gateway/src/helpers"
	"instrument-gateway/src/instrument"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/metrics"
	"instrument-gateway/src/models"
)

// Sampler produces one detector sample. It is called with a deadline.
type Sampler func(ctx context.Context) (*models.MSample, error)

// NewArbiterSampler reads a detector snapshot through the arbiter.
func NewArbiterSampler(a *arbiter.Arbiter, module int, channels []int) Sampler {
	return func(ctx context.Context) (*models.MSample, error) {
		return arbiter.Query(ctx, a, "telemetry", func(inst interfaces.IInstrument) (*models.MSample, error) {
			return instrument.ReadSnapshot(inst, module, channels)
		})
	}
}

// -----------------------------------------------------------------------------

type Config struct {
	SampleInterval    time.Duration
	SampleDeadline    time.Duration
	HeartbeatInterval time.Duration
	SendTimeout       time.Duration
	ReconnectAfter    time.Duration
	Thresholds        Thresholds
}

// -----------------------------------------------------------------------------
// Broadcaster
// -----------------------------------------------------------------------------

// Broadcaster samples the instrument on a fixed tick and fans each result out
// to every registered subscriber. Delivery is best effort: a subscriber that
// cannot take a frame within SendTimeout loses that frame and nobody else waits.
// The loops never join on sends; a subscriber still busy with an earlier data
// or error frame skips the new one.
type Broadcaster struct {
	cfg    Config
	sample Sampler
	log    *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	stopped     bool

	// owned by the sample loop
	sequence          uint64
	consecutiveErrors int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // loops
	sends  sync.WaitGroup // detached deliveries
}

// -----------------------------------------------------------------------------

func New(cfg Config, sampler Sampler, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.NewNopLogger("Broadcaster")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		cfg:         cfg,
		sample:      sampler,
		log:         log,
		subscribers: make(map[string]*Subscriber),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// -----------------------------------------------------------------------------

// Start launches the sample and heartbeat loops. They run until Stop.
func (b *Broadcaster) Start() {
	b.wg.Add(2)
	go b.sampleLoop()
	go b.heartbeatLoop()
	b.log.Info("Broadcaster started (sample every %v, heartbeat every %v)", b.cfg.SampleInterval, b.cfg.HeartbeatInterval)
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) sampleLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.CountKind(KindPower) > 0 {
				b.sampleOnce(b.ctx)
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.Count() > 0 {
				b.heartbeatOnce(b.ctx)
			}
		}
	}
}

// -----------------------------------------------------------------------------

// sampleOnce takes one sample and delivers the outcome.
func (b *Broadcaster) sampleOnce(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, b.cfg.SampleDeadline)
	s, err := b.sample(sctx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	now := time.Now()

	if err != nil {
		b.consecutiveErrors++
		metrics.SampleTaken(false)
		if b.consecutiveErrors == 1 || b.consecutiveErrors%10 == 0 {
			b.log.Warning("Sampling failed (%d consecutive): %v", b.consecutiveErrors, err)
		}
		msg := models.NewErrorNotification(now, err.Error(), b.consecutiveErrors)
		b.fanOut(ctx, b.all(), msg, frameError)
		return
	}

	if b.consecutiveErrors > 0 {
		b.log.Info("Sampling recovered after %d errors", b.consecutiveErrors)
	}
	b.consecutiveErrors = 0
	metrics.SampleTaken(true)

	b.sequence++
	s.Sequence = b.sequence
	msg := models.NewDataNotification(s)

	slack := b.cfg.SampleInterval / 2
	var targets []*Subscriber
	for _, sub := range b.all() {
		if sub.Kind == KindPower && sub.dueForData(now, slack) {
			targets = append(targets, sub)
		}
	}
	b.fanOut(ctx, targets, msg, frameData)
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) heartbeatOnce(ctx context.Context) {
	subs := b.all()
	msg := models.NewHeartbeatNotification(time.Now(), len(subs))
	for _, sub := range subs {
		sub.expectAck()
	}
	b.fanOut(ctx, subs, msg, frameHeartbeat)
}

// -----------------------------------------------------------------------------

// fanOut starts one delivery per target and returns without waiting for them.
func (b *Broadcaster) fanOut(ctx context.Context, targets []*Subscriber, msg *models.MNotification, kind frameKind) {
	for _, sub := range targets {
		b.spawn(func() { b.deliverTo(ctx, sub, msg, kind) })
	}
}

// spawn runs fn as a tracked delivery unless the broadcaster is stopping.
func (b *Broadcaster) spawn(fn func()) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return
	}
	b.sends.Add(1)
	go func() {
		defer b.sends.Done()
		fn()
	}()
}

// fanOutWait delivers msg to every target concurrently and waits for all of
// them. Only used on shutdown.
func (b *Broadcaster) fanOutWait(ctx context.Context, targets []*Subscriber, msg *models.MNotification, kind frameKind) {
	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			b.deliverTo(ctx, sub, msg, kind)
		}(sub)
	}
	wg.Wait()
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) deliverTo(ctx context.Context, sub *Subscriber, msg *models.MNotification, kind frameKind) {
	sctx, cancel := context.WithTimeout(ctx, b.cfg.SendTimeout)
	defer cancel()

	remove, err := sub.deliver(sctx, msg, kind)
	if err != nil && !errors.Is(err, helpers.ErrSubscriberClosed) {
		metrics.FrameDropped()
		b.log.Debug("Dropped %s frame for %s: %v", msg.Type, sub.ID, err)
	}
	if remove {
		reason := ReasonSendFailures
		if errors.Is(err, helpers.ErrTransportClosed) {
			reason = ReasonTransportClosed
		}
		b.remove(sub.ID, reason)
	}
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Register adds a subscriber and sends it an immediate heartbeat.
func (b *Broadcaster) Register(kind string, transport interfaces.ISubscriberTransport, interval time.Duration) (*Subscriber, error) {
	if interval <= 0 {
		interval = b.cfg.SampleInterval
	}
	sub := newSubscriber(kind, transport, interval, b.cfg.Thresholds)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, helpers.ErrSubscriberClosed
	}
	b.subscribers[sub.ID] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.updateGauges()
	b.log.Info("Subscriber %s registered (%s, interval %v, %s). Active: %d", sub.ID, kind, interval, transport.RemoteAddr(), count)

	// the first delivered frame moves the subscriber to live
	hello := models.NewHeartbeatNotification(time.Now(), count)
	b.spawn(func() { b.deliverTo(b.ctx, sub, hello, frameControl) })
	return sub, nil
}

// -----------------------------------------------------------------------------

// Unregister removes a subscriber whose transport went away.
func (b *Broadcaster) Unregister(id string) {
	b.remove(id, ReasonTransportClosed)
}

// -----------------------------------------------------------------------------

// Disconnect removes a subscriber on request. It reports whether it existed.
func (b *Broadcaster) Disconnect(id string) bool {
	return b.remove(id, ReasonDisconnected)
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) remove(id, reason string) bool {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return false
	}

	sub.close()
	metrics.SubscriberRemoved(reason)
	b.updateGauges()
	b.log.Info("Subscriber %s removed (%s). Active: %d", id, reason, count)
	return true
}

// -----------------------------------------------------------------------------

// Ack records a liveness acknowledgement from a subscriber.
func (b *Broadcaster) Ack(id string) {
	if sub := b.get(id); sub != nil {
		sub.Ack()
	}
}

// -----------------------------------------------------------------------------

// SendTo delivers a single control frame to one subscriber, e.g. a pong.
func (b *Broadcaster) SendTo(id string, msg *models.MNotification) error {
	sub := b.get(id)
	if sub == nil {
		return helpers.ErrSubscriberClosed
	}
	b.deliverTo(b.ctx, sub, msg, frameControl)
	return nil
}

// -----------------------------------------------------------------------------

// Stop ends both loops, tells every subscriber to reconnect and closes them.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.sends.Wait()

	subs := b.all()
	retry := int(b.cfg.ReconnectAfter / time.Second)
	msg := models.NewReconnectNotification("server shutdown", retry)
	b.fanOutWait(context.Background(), subs, msg, frameControl)

	for _, sub := range subs {
		b.remove(sub.ID, ReasonShutdown)
	}
	b.log.Info("Broadcaster stopped, %d subscribers closed", len(subs))
}

// -----------------------------------------------------------------------------
// Views
// -----------------------------------------------------------------------------

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) CountKind(kind string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subscribers {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// -----------------------------------------------------------------------------

// Snapshot lists registry entries, oldest first.
func (b *Broadcaster) Snapshot() []models.MSubscriberInfo {
	subs := b.all()
	out := make([]models.MSubscriberInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) all() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		out = append(out, s)
	}
	return out
}

func (b *Broadcaster) get(id string) *Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.subscribers[id]
}

// -----------------------------------------------------------------------------

func (b *Broadcaster) updateGauges() {
	metrics.SetSubscribers(KindPower, b.CountKind(KindPower))
	metrics.SetSubscribers(KindHealth, b.CountKind(KindHealth))
}
