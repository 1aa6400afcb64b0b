package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	msgs    []*models.MNotification
	pings   int
	failErr error

	stuck   atomic.Bool
	closed  atomic.Bool
	release chan struct{}
}

func newFakeTransport(t *testing.T) *fakeTransport {
	tr := &fakeTransport{release: make(chan struct{})}
	t.Cleanup(func() { close(tr.release) })
	return tr
}

func (f *fakeTransport) Send(ctx context.Context, msg *models.MNotification) error {
	if f.closed.Load() {
		return helpers.ErrTransportClosed
	}
	if f.stuck.Load() {
		<-f.release
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "test" }

func (f *fakeTransport) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeTransport) ofType(kind string) []*models.MNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.MNotification
	for _, m := range f.msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

// -----------------------------------------------------------------------------

func fixedSampler(calls *atomic.Int32) Sampler {
	return func(ctx context.Context) (*models.MSample, error) {
		if calls != nil {
			calls.Add(1)
		}
		return &models.MSample{
			Timestamp:    time.Unix(1700000000, 500000000),
			Module:       4,
			WavelengthNm: 1310,
			Unit:         "dBm",
			Channels:     map[int]float64{1: -12.5, 2: -10.2, 3: -7.9, 4: -5.6},
		}, nil
	}
}

func testConfig(th Thresholds) Config {
	return Config{
		SampleInterval:    10 * time.Millisecond,
		SampleDeadline:    100 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		SendTimeout:       50 * time.Millisecond,
		ReconnectAfter:    5 * time.Second,
		Thresholds:        th,
	}
}

var defaultThresholds = Thresholds{DegradeAfter: 2, MaxSendFailures: 3}

// register adds a subscriber and waits for its initial heartbeat.
func register(t *testing.T, b *Broadcaster, kind string, tr *fakeTransport, interval time.Duration) *Subscriber {
	t.Helper()
	sub, err := b.Register(kind, tr, interval)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(tr.ofType(models.NotifyHeartbeat)) == 1 && sub.State() == StateLive
	}, time.Second, time.Millisecond)
	return sub
}

// tick runs one sample round and waits for its deliveries. Only for
// broadcasters whose loops are not running.
func tick(b *Broadcaster) {
	b.sampleOnce(context.Background())
	b.sends.Wait()
}

// -----------------------------------------------------------------------------

func TestStuckSubscriberDoesNotDelayOthers(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)

	stuck := newFakeTransport(t)
	stuckSub := register(t, b, KindPower, stuck, time.Nanosecond)
	stuck.stuck.Store(true)

	var healthy []*fakeTransport
	for i := 0; i < 4; i++ {
		tr := newFakeTransport(t)
		register(t, b, KindPower, tr, time.Nanosecond)
		healthy = append(healthy, tr)
	}

	begin := time.Now()
	b.sampleOnce(context.Background())
	assert.Less(t, time.Since(begin), b.cfg.SendTimeout)
	b.sends.Wait()

	for _, tr := range healthy {
		assert.Len(t, tr.ofType(models.NotifyData), 1)
	}
	assert.Equal(t, 1, stuckSub.Info().ConsecutiveFails)
	assert.Equal(t, StateLive, stuckSub.State())
	assert.Equal(t, 5, b.Count())
}

func TestStuckSubscriberDoesNotSlowOthersDataRate(t *testing.T) {
	cfg := testConfig(Thresholds{DegradeAfter: 1000, MaxSendFailures: 1000})
	cfg.SampleInterval = 10 * time.Millisecond
	cfg.SendTimeout = 500 * time.Millisecond

	b := New(cfg, fixedSampler(nil), nil)

	stuck := newFakeTransport(t)
	register(t, b, KindPower, stuck, 0)
	stuck.stuck.Store(true)

	healthy := newFakeTransport(t)
	register(t, b, KindPower, healthy, 0)

	b.Start()
	time.Sleep(time.Second)
	frames := len(healthy.ofType(models.NotifyData))
	b.Stop()

	// one frame per SendTimeout would be about two
	assert.Greater(t, frames, 30)
}

func TestThresholdRemovesOnlyTheFailingSubscriber(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)

	stuck := newFakeTransport(t)
	stuckSub := register(t, b, KindPower, stuck, time.Nanosecond)
	stuck.stuck.Store(true)

	others := []*fakeTransport{newFakeTransport(t), newFakeTransport(t)}
	for _, tr := range others {
		register(t, b, KindPower, tr, time.Nanosecond)
	}

	tick(b)
	assert.Equal(t, StateLive, stuckSub.State())

	tick(b)
	assert.Equal(t, StateDegraded, stuckSub.State())

	tick(b)
	assert.Equal(t, StateClosed, stuckSub.State())
	assert.True(t, stuck.closed.Load())
	assert.Equal(t, 2, b.Count())

	tick(b)
	for _, tr := range others {
		assert.Len(t, tr.ofType(models.NotifyData), 4)
	}
	for _, info := range b.Snapshot() {
		assert.NotEqual(t, stuckSub.ID, info.ID)
	}
}

func TestHeartbeatsContinueWhileSamplingFails(t *testing.T) {
	cfg := testConfig(defaultThresholds)
	cfg.SampleInterval = 5 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond

	b := New(cfg, func(ctx context.Context) (*models.MSample, error) {
		return nil, helpers.ErrQueueTimeout
	}, nil)

	tr := newFakeTransport(t)
	sub := register(t, b, KindPower, tr, 0)

	b.Start()
	defer b.Stop()

	require.Eventually(t, func() bool {
		return len(tr.ofType(models.NotifyHeartbeat)) >= 4 && len(tr.ofType(models.NotifyError)) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	errs := tr.ofType(models.NotifyError)
	assert.True(t, *errs[0].Recoverable)
	assert.Equal(t, 1, errs[0].ErrorCount)
	assert.Greater(t, errs[len(errs)-1].ErrorCount, 1)
	assert.Empty(t, tr.ofType(models.NotifyData))
	assert.Equal(t, StateLive, sub.State())
	assert.Equal(t, 1, b.Count())
}

func TestSubscribersReceiveIdenticalData(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)

	a, c := newFakeTransport(t), newFakeTransport(t)
	register(t, b, KindPower, a, time.Nanosecond)
	register(t, b, KindPower, c, time.Nanosecond)

	tick(b)

	da, dc := a.ofType(models.NotifyData), c.ofType(models.NotifyData)
	require.Len(t, da, 1)
	require.Len(t, dc, 1)

	ja, err := json.Marshal(da[0])
	require.NoError(t, err)
	jc, err := json.Marshal(dc[0])
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jc))
	assert.Equal(t, uint64(1), da[0].Sequence)
	assert.Equal(t, -12.5, da[0].Channels[1])
}

func TestSubscriberIntervalThrottlesData(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)

	fast, slow := newFakeTransport(t), newFakeTransport(t)
	register(t, b, KindPower, fast, time.Nanosecond)
	register(t, b, KindPower, slow, time.Hour)

	for i := 0; i < 3; i++ {
		tick(b)
	}

	assert.Len(t, fast.ofType(models.NotifyData), 3)
	assert.Len(t, slow.ofType(models.NotifyData), 1)
}

func TestHealthSubscribersDoNotTriggerSampling(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig(defaultThresholds)
	b := New(cfg, fixedSampler(&calls), nil)

	register(t, b, KindHealth, newFakeTransport(t), 0)
	b.Start()
	defer b.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())

	power := newFakeTransport(t)
	register(t, b, KindPower, power, 0)
	require.Eventually(t, func() bool { return len(power.ofType(models.NotifyData)) > 0 }, time.Second, 5*time.Millisecond)
	assert.Greater(t, calls.Load(), int32(0))
}

func TestMissedAcksDegradeUntilAcked(t *testing.T) {
	th := Thresholds{DegradeAfter: 2, MaxSendFailures: 3, MaxMissedAcks: 2}
	b := New(testConfig(th), fixedSampler(nil), nil)

	tr := newFakeTransport(t)
	sub := register(t, b, KindHealth, tr, 0)

	b.heartbeatOnce(context.Background())
	b.sends.Wait()
	assert.Equal(t, StateLive, sub.State())
	b.heartbeatOnce(context.Background())
	b.sends.Wait()
	assert.Equal(t, StateDegraded, sub.State())
	assert.Equal(t, 2, sub.Info().MissedAcks)
	assert.Equal(t, 2, tr.pings)

	b.Ack(sub.ID)
	assert.Equal(t, StateLive, sub.State())
	assert.Equal(t, 0, sub.Info().MissedAcks)
}

func TestSubscriberStateMachine(t *testing.T) {
	tr := newFakeTransport(t)
	sub := newSubscriber(KindPower, tr, time.Second, defaultThresholds)
	assert.Equal(t, StateConnecting, sub.State())

	ctx := context.Background()
	msg := models.NewHeartbeatNotification(time.Now(), 1)

	_, err := sub.deliver(ctx, msg, frameControl)
	require.NoError(t, err)
	assert.Equal(t, StateLive, sub.State())

	tr.setFail(errors.New("write: broken pipe"))
	remove, err := sub.deliver(ctx, msg, frameControl)
	assert.Error(t, err)
	assert.False(t, remove)
	assert.Equal(t, StateLive, sub.State())

	remove, _ = sub.deliver(ctx, msg, frameControl)
	assert.False(t, remove)
	assert.Equal(t, StateDegraded, sub.State())

	tr.setFail(nil)
	remove, err = sub.deliver(ctx, msg, frameControl)
	require.NoError(t, err)
	assert.False(t, remove)
	assert.Equal(t, StateLive, sub.State())
	assert.Equal(t, 0, sub.Info().ConsecutiveFails)

	tr.setFail(helpers.ErrTransportClosed)
	remove, err = sub.deliver(ctx, msg, frameControl)
	assert.ErrorIs(t, err, helpers.ErrTransportClosed)
	assert.True(t, remove)
	assert.Equal(t, StateClosed, sub.State())

	_, err = sub.deliver(ctx, msg, frameControl)
	assert.ErrorIs(t, err, helpers.ErrSubscriberClosed)
	sub.Ack()
	assert.Equal(t, StateClosed, sub.State())
}

func TestClosedTransportIsRemoved(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)
	tr := newFakeTransport(t)
	register(t, b, KindPower, tr, time.Nanosecond)

	tr.closed.Store(true)
	tick(b)
	assert.Equal(t, 0, b.Count())
}

func TestDisconnectAndSendTo(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)
	tr := newFakeTransport(t)
	sub := register(t, b, KindHealth, tr, 0)

	require.NoError(t, b.SendTo(sub.ID, models.NewPongNotification(time.Now(), b.Count())))
	assert.Len(t, tr.ofType(models.NotifyPong), 1)

	assert.True(t, b.Disconnect(sub.ID))
	assert.False(t, b.Disconnect(sub.ID))
	assert.True(t, tr.closed.Load())
	assert.ErrorIs(t, b.SendTo(sub.ID, models.NewPongNotification(time.Now(), 0)), helpers.ErrSubscriberClosed)
}

func TestStopSendsReconnectAndClosesEveryone(t *testing.T) {
	b := New(testConfig(defaultThresholds), fixedSampler(nil), nil)
	b.Start()

	trs := []*fakeTransport{newFakeTransport(t), newFakeTransport(t)}
	for _, tr := range trs {
		register(t, b, KindHealth, tr, 0)
	}

	b.Stop()
	b.Stop()

	for _, tr := range trs {
		rc := tr.ofType(models.NotifyReconnect)
		require.Len(t, rc, 1)
		assert.Equal(t, 5, rc[0].RetryAfter)
		assert.True(t, tr.closed.Load())
	}
	assert.Equal(t, 0, b.Count())

	_, err := b.Register(KindPower, newFakeTransport(t), 0)
	assert.ErrorIs(t, err, helpers.ErrSubscriberClosed)
}
