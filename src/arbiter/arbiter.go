package arbiter

import (
	"container/list"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"instrument-gateway/src/helpers"
	"instrument-gateway/src/interfaces"
	"instrument-gateway/src/logger"
	"instrument-gateway/src/metrics"
	"instrument-gateway/src/models"
	"instrument-gateway/src/utils"
)

// Operation is one unit of work against the instrument. It runs while the
// arbiter holds exclusive access and must not retain inst afterwards.
type Operation func(inst interfaces.IInstrument) (any, error)

// Request lifecycle. A request leaves queued exactly once.
const (
	stateQueued int32 = iota
	stateDispatched
	stateAbandoned // caller gave up before dispatch
	stateCompleted // result delivered (or rejected on close)
	stateDetached  // caller gave up during execution
)

type result struct {
	value any
	err   error
}

type exchangeRequest struct {
	caller   string
	op       Operation
	queuedAt time.Time
	state    atomic.Int32
	done     chan result
	elem     *list.Element
}

// -----------------------------------------------------------------------------

type Options struct {
	MaxQueue      int // 0 = unbounded
	LatencyWindow int
	Logger        *logger.Logger
}

// -----------------------------------------------------------------------------
// Arbiter
// -----------------------------------------------------------------------------

// Arbiter serializes every exchange with the instrument. A single dispatch
// goroutine, locked to its own OS thread, is the only place operations run;
// callers only ever wait on a channel or their context.
type Arbiter struct {
	inst     interfaces.IInstrument
	log      *logger.Logger
	maxQueue int

	mu       sync.Mutex
	queue    *list.List
	closed   bool
	inFlight string // caller label, "" when idle
	busy     bool

	notify  chan struct{}
	stopped chan struct{}

	statsMu    sync.Mutex
	dispatched uint64
	outcomes   map[string]int64
	latency    *utils.RingBuffer

	obsMu     sync.RWMutex
	observers []interfaces.IExchangeObserver
}

// -----------------------------------------------------------------------------

// New starts the dispatch goroutine. Call Close to stop it.
func New(inst interfaces.IInstrument, opts Options) *Arbiter {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger("Arbiter")
	}

	a := &Arbiter{
		inst:     inst,
		log:      log,
		maxQueue: opts.MaxQueue,
		queue:    list.New(),
		notify:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		outcomes: make(map[string]int64),
		latency:  utils.NewRingBuffer(opts.LatencyWindow),
	}

	go a.run()
	return a
}

// -----------------------------------------------------------------------------

// AddObserver registers a hook that receives one record per request.
func (a *Arbiter) AddObserver(o interfaces.IExchangeObserver) {
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.observers = append(a.observers, o)
}

// -----------------------------------------------------------------------------

// Submit queues op and waits for its result or for ctx to end.
//
// If ctx ends before op is dispatched, op never runs and ErrQueueTimeout is
// returned. If ctx ends while op is running, ErrInFlightTimeout is returned at
// once; op still runs to completion on the dispatch goroutine, its result is
// discarded, and no other request starts until it finishes.
func (a *Arbiter) Submit(ctx context.Context, caller string, op Operation) (any, error) {
	queuedAt := time.Now()

	if err := ctx.Err(); err != nil {
		a.record(caller, queuedAt, time.Time{}, time.Time{}, models.OutcomeTimeoutQueued, err)
		return nil, fmt.Errorf("%w: %v", helpers.ErrQueueTimeout, err)
	}

	req := &exchangeRequest{
		caller:   caller,
		op:       op,
		queuedAt: queuedAt,
		done:     make(chan result, 1),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.record(caller, queuedAt, time.Time{}, time.Time{}, models.OutcomeRejected, helpers.ErrArbiterClosed)
		return nil, helpers.ErrArbiterClosed
	}
	if a.maxQueue > 0 && a.queue.Len() >= a.maxQueue {
		a.mu.Unlock()
		a.record(caller, queuedAt, time.Time{}, time.Time{}, models.OutcomeRejected, helpers.ErrQueueFull)
		return nil, helpers.ErrQueueFull
	}
	req.elem = a.queue.PushBack(req)
	metrics.SetQueueDepth(a.queue.Len())
	a.mu.Unlock()

	a.wake()

	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
	}

	if req.state.CompareAndSwap(stateQueued, stateAbandoned) {
		a.mu.Lock()
		if req.elem != nil {
			a.queue.Remove(req.elem)
			req.elem = nil
			metrics.SetQueueDepth(a.queue.Len())
		}
		a.mu.Unlock()
		a.record(caller, queuedAt, time.Time{}, time.Time{}, models.OutcomeTimeoutQueued, ctx.Err())
		return nil, fmt.Errorf("%w: %v", helpers.ErrQueueTimeout, ctx.Err())
	}

	if req.state.CompareAndSwap(stateDispatched, stateDetached) {
		return nil, fmt.Errorf("%w: %v", helpers.ErrInFlightTimeout, ctx.Err())
	}

	// Completed concurrently with ctx ending; the result is already on its way.
	res := <-req.done
	return res.value, res.err
}

// -----------------------------------------------------------------------------

// Exchange submits a single raw command.
func (a *Arbiter) Exchange(ctx context.Context, caller, command string) (string, error) {
	return Query(ctx, a, caller, func(inst interfaces.IInstrument) (string, error) {
		return inst.Exchange(command)
	})
}

// -----------------------------------------------------------------------------

// Query is Submit with a typed result.
func Query[T any](ctx context.Context, a *Arbiter, caller string, fn func(inst interfaces.IInstrument) (T, error)) (T, error) {
	var zero T

	v, err := a.Submit(ctx, caller, func(inst interfaces.IInstrument) (any, error) {
		return fn(inst)
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}

	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return t, nil
}

// -----------------------------------------------------------------------------

// Close stops accepting requests and fails everything still queued with
// ErrArbiterClosed. A running exchange is allowed to finish. Safe to call more
// than once.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true

	var pending []*exchangeRequest
	for e := a.queue.Front(); e != nil; e = e.Next() {
		req := e.Value.(*exchangeRequest)
		req.elem = nil
		pending = append(pending, req)
	}
	a.queue.Init()
	metrics.SetQueueDepth(0)
	a.mu.Unlock()

	for _, req := range pending {
		if req.state.CompareAndSwap(stateQueued, stateCompleted) {
			req.done <- result{err: helpers.ErrArbiterClosed}
			a.record(req.caller, req.queuedAt, time.Time{}, time.Time{}, models.OutcomeRejected, helpers.ErrArbiterClosed)
		}
	}

	a.wake()
	a.log.Info("Arbiter closed, %d queued requests rejected", len(pending))
}

// -----------------------------------------------------------------------------

// Done is closed once the dispatch goroutine has exited.
func (a *Arbiter) Done() <-chan struct{} {
	return a.stopped
}

// -----------------------------------------------------------------------------

// Stats never waits on the instrument.
func (a *Arbiter) Stats() models.MArbiterStats {
	a.mu.Lock()
	queued := a.queue.Len()
	busy := a.busy
	caller := a.inFlight
	closed := a.closed
	a.mu.Unlock()

	a.statsMu.Lock()
	outcomes := make(map[string]int64, len(a.outcomes))
	for k, v := range a.outcomes {
		outcomes[k] = v
	}
	dispatched := a.dispatched
	a.statsMu.Unlock()

	window := a.latency.GetAll()
	mean, std := utils.CalculateMeanStd(window)

	return models.MArbiterStats{
		Queued:         queued,
		InFlight:       busy,
		InFlightCaller: caller,
		Dispatched:     dispatched,
		Outcomes:       outcomes,
		LatencyMeanMs:  mean,
		LatencyStdMs:   std,
		LatencyMaxMs:   utils.Max(window),
		LatencyWindow:  len(window),
		Closed:         closed,
	}
}

// -----------------------------------------------------------------------------
// Dispatch loop
// -----------------------------------------------------------------------------

func (a *Arbiter) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.stopped)

	for {
		req, ok := a.next()
		if !ok {
			return
		}
		if !req.state.CompareAndSwap(stateQueued, stateDispatched) {
			continue
		}
		a.execute(req)
	}
}

// -----------------------------------------------------------------------------

func (a *Arbiter) next() (*exchangeRequest, bool) {
	for {
		a.mu.Lock()
		if front := a.queue.Front(); front != nil {
			req := a.queue.Remove(front).(*exchangeRequest)
			req.elem = nil
			metrics.SetQueueDepth(a.queue.Len())
			a.mu.Unlock()
			return req, true
		}
		if a.closed {
			a.mu.Unlock()
			return nil, false
		}
		a.mu.Unlock()
		<-a.notify
	}
}

// -----------------------------------------------------------------------------

func (a *Arbiter) execute(req *exchangeRequest) {
	a.mu.Lock()
	a.busy = true
	a.inFlight = req.caller
	a.mu.Unlock()
	metrics.SetInFlight(true)

	started := time.Now()
	value, err := a.invoke(req)
	finished := time.Now()

	a.mu.Lock()
	a.busy = false
	a.inFlight = ""
	a.mu.Unlock()
	metrics.SetInFlight(false)

	a.statsMu.Lock()
	a.dispatched++
	a.statsMu.Unlock()
	a.latency.Append(float64(finished.Sub(started).Microseconds()) / 1000.0)

	if req.state.CompareAndSwap(stateDispatched, stateCompleted) {
		req.done <- result{value: value, err: err}
		outcome := models.OutcomeOK
		if err != nil {
			outcome = models.OutcomeError
		}
		a.record(req.caller, req.queuedAt, started, finished, outcome, err)
		return
	}

	a.log.Debug("Discarding result of %s, caller left after %v", req.caller, finished.Sub(req.queuedAt))
	a.record(req.caller, req.queuedAt, started, finished, models.OutcomeTimeoutInFlight, err)
}

// -----------------------------------------------------------------------------

func (a *Arbiter) invoke(req *exchangeRequest) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Exchange for %s panicked: %v", req.caller, r)
			value, err = nil, fmt.Errorf("exchange panicked: %v", r)
		}
	}()
	return req.op(a.inst)
}

// -----------------------------------------------------------------------------

func (a *Arbiter) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------

func (a *Arbiter) record(caller string, queuedAt, started, finished time.Time, outcome string, err error) {
	rec := models.MExchangeRecord{
		Caller:     caller,
		QueuedAt:   queuedAt,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    outcome,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	a.statsMu.Lock()
	a.outcomes[outcome]++
	a.statsMu.Unlock()
	metrics.ObserveExchange(outcome, rec.Duration())

	a.obsMu.RLock()
	defer a.obsMu.RUnlock()
	for _, o := range a.observers {
		o.OnExchange(rec)
	}
}
