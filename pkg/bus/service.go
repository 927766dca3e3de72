package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voicebus/pkg/metrics"
)

// CallMode selects how a service is invoked.
type CallMode int

const (
	// Sync services run inline in the caller's goroutine.
	Sync CallMode = iota
	// Async services run on the worker pool and return a Future.
	Async
)

func (m CallMode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// CallState is the lifecycle state of an async call.
type CallState int

const (
	StateUnknown CallState = iota
	StatePending
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s CallState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ServiceFunc implements a service. It must watch ctx at its natural yield
// points; cancellation never preempts it.
type ServiceFunc func(ctx context.Context, args ...any) (any, error)

type serviceKey struct {
	owner string
	name  string
}

type service struct {
	fn   ServiceFunc
	mode CallMode
}

// RegisterService adds a service under (owner, name).
func (b *Bus) RegisterService(owner, name string, fn ServiceFunc, mode CallMode) error {
	if fn == nil {
		return fmt.Errorf("bus: service %s/%s has nil func", owner, name)
	}
	key := serviceKey{owner: owner, name: name}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.services[key]; ok {
		return newError(KindDuplicateService, ErrDuplicateService, "service %s/%s already registered", owner, name)
	}
	b.services[key] = &service{fn: fn, mode: mode}
	b.logger.Debug("service registered", "owner", owner, "name", name, "mode", mode.String())
	return nil
}

// UnregisterService removes a service. Calls already dispatched are unaffected.
func (b *Bus) UnregisterService(owner, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, serviceKey{owner: owner, name: name})
}

func (b *Bus) lookup(owner, name string, want CallMode) (*service, error) {
	b.mu.RLock()
	s, ok := b.services[serviceKey{owner: owner, name: name}]
	b.mu.RUnlock()
	if !ok {
		return nil, newError(KindUnknownService, ErrUnknownService, "service %s/%s not registered", owner, name)
	}
	if s.mode != want {
		return nil, newError(KindWrongCallMode, ErrWrongCallMode, "service %s/%s is %s", owner, name, s.mode)
	}
	return s, nil
}

// CallSync invokes a sync service inline. The callee's error is returned
// unchanged.
func (b *Bus) CallSync(ctx context.Context, owner, name string, args ...any) (any, error) {
	s, err := b.lookup(owner, name, Sync)
	if err != nil {
		return nil, err
	}
	return b.invoke(ctx, owner, name, s.fn, args)
}

func (b *Bus) invoke(ctx context.Context, owner, name string, fn ServiceFunc, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("service panicked", "owner", owner, "name", name, "panic", fmt.Sprint(r))
			result, err = nil, newError(KindPanic, nil, "service %s/%s panicked: %v", owner, name, r)
		}
	}()
	return fn(ctx, args...)
}

// call is the PendingCall record for one async invocation.
type call struct {
	id     string
	owner  string
	name   string
	fn     ServiceFunc
	args   []any
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	// guarded by Bus.callsMu
	state   CallState
	result  any
	err     error
	created time.Time

	done chan struct{}
}

// CallAsync queues an async service call and returns its correlation id and
// Future. The call's context derives from ctx, so cancelling ctx cancels the
// call. When the queue is full CallAsync blocks until a worker frees a slot
// or ctx ends.
func (b *Bus) CallAsync(ctx context.Context, owner, name string, args ...any) (string, *Future, error) {
	s, err := b.lookup(owner, name, Async)
	if err != nil {
		return "", nil, err
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	select {
	case <-b.closed:
		return "", nil, newError(KindClosed, ErrClosed, "bus closed")
	default:
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &call{
		id:      uuid.NewString(),
		owner:   owner,
		name:    name,
		fn:      s.fn,
		args:    args,
		ctx:     cctx,
		cancel:  cancel,
		state:   StatePending,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	c.stop = context.AfterFunc(ctx, func() { b.Cancel(c.id) })

	b.callsMu.Lock()
	b.calls[c.id] = c
	pending := len(b.calls)
	b.callsMu.Unlock()
	b.metrics.SetGauge(metrics.BusCallsPending, float64(pending))

	if err := b.enqueue(ctx, c); err != nil {
		return "", nil, err
	}
	return c.id, &Future{bus: b, call: c}, nil
}

// enqueue hands c to the worker pool. A call that lands in the queue after
// Close has drained it is cancelled here, since no worker will take it.
func (b *Bus) enqueue(ctx context.Context, c *call) error {
	select {
	case b.queue <- c:
	case <-ctx.Done():
		b.Cancel(c.id)
		return ctx.Err()
	case <-b.closed:
		b.finishCancelled(c)
		return newError(KindClosed, ErrClosed, "bus closed")
	}
	select {
	case <-b.closed:
		b.finishCancelled(c)
		return newError(KindClosed, ErrClosed, "bus closed")
	default:
		return nil
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.closed:
			return
		case c := <-b.queue:
			b.run(c)
		}
	}
}

func (b *Bus) run(c *call) {
	b.callsMu.Lock()
	if c.state != StatePending {
		// cancelled while queued
		b.callsMu.Unlock()
		return
	}
	c.state = StateRunning
	b.callsMu.Unlock()

	result, err := b.invoke(c.ctx, c.owner, c.name, c.fn, c.args)
	b.finish(c, result, err)
}

func (b *Bus) finish(c *call, result any, err error) {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	defer c.cancel()
	c.stop()

	if c.state.Terminal() {
		// cancelled while running; the late outcome is discarded
		b.logger.Debug("discarding result of cancelled call", "id", c.id, "owner", c.owner, "name", c.name)
		return
	}

	b.metrics.Observe(metrics.BusCallLatency, float64(time.Since(c.created))/float64(time.Millisecond))
	switch {
	case err != nil && c.ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		b.markCancelled(c)
		return
	case err != nil:
		c.state = StateFailed
		var be *Error
		if errors.As(err, &be) {
			c.err = err
		} else {
			c.err = newError(KindCollaborator, err, "%s/%s: %v", c.owner, c.name, err)
		}
		b.metrics.IncCounter(metrics.BusCallsFailed, 1)
	default:
		c.state = StateSucceeded
		c.result = result
	}
	close(c.done)
}

// finishCancelled marks c cancelled unless it already finished.
func (b *Bus) finishCancelled(c *call) {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	if c.state.Terminal() {
		return
	}
	b.markCancelled(c)
}

// markCancelled must be called with callsMu held.
func (b *Bus) markCancelled(c *call) {
	c.state = StateCancelled
	c.err = newError(KindCancelled, ErrCancelled, "call %s cancelled", c.id)
	c.cancel()
	c.stop()
	close(c.done)
	delete(b.calls, c.id)
	b.metrics.IncCounter(metrics.BusCallsCancelled, 1)
	b.metrics.SetGauge(metrics.BusCallsPending, float64(len(b.calls)))
}

// Cancel cancels a pending or running call. A pending call never starts; a
// running call has its context cancelled and becomes Cancelled at once, and
// whatever it returns later is discarded. Cancel returns false when id is
// unknown or already terminal.
func (b *Bus) Cancel(id string) bool {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	c, ok := b.calls[id]
	if !ok || c.state.Terminal() {
		return false
	}
	b.markCancelled(c)
	b.logger.Debug("call cancelled", "id", id, "owner", c.owner, "name", c.name)
	return true
}

// Status returns the state of a call without blocking.
func (b *Bus) Status(id string) (CallState, error) {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	c, ok := b.calls[id]
	if !ok {
		return StateUnknown, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	return c.state, nil
}

// Result returns a finished call's outcome without blocking and removes it.
// A call still pending or running returns ErrCallPending and stays.
func (b *Bus) Result(id string) (any, error) {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	c, ok := b.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCall, id)
	}
	if !c.state.Terminal() {
		return nil, ErrCallPending
	}
	b.forget(c)
	return c.result, c.err
}

// forget must be called with callsMu held.
func (b *Bus) forget(c *call) {
	delete(b.calls, c.id)
	b.metrics.SetGauge(metrics.BusCallsPending, float64(len(b.calls)))
}

// Future is the caller's handle on an async call.
type Future struct {
	bus  *Bus
	call *call
}

// ID returns the correlation id.
func (f *Future) ID() string { return f.call.id }

// Done is closed when the call reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.call.done }

// Cancel cancels the call. See Bus.Cancel.
func (f *Future) Cancel() bool { return f.bus.Cancel(f.call.id) }

// Wait blocks until the call finishes or ctx ends. Once the outcome is
// returned the call is removed from the bus. If ctx ends first the call keeps
// running and ctx's error is returned.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.call.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.bus.callsMu.Lock()
	defer f.bus.callsMu.Unlock()
	f.bus.forget(f.call)
	return f.call.result, f.call.err
}

// Call invokes a sync service and converts its result to T.
func Call[T any](ctx context.Context, b *Bus, owner, name string, args ...any) (T, error) {
	v, err := b.CallSync(ctx, owner, name, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return convert[T](v)
}

// Await waits for f and converts its result to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	v, err := f.Wait(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return convert[T](v)
}

func convert[T any](v any) (T, error) {
	if v == nil {
		var zero T
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, newError(KindBadResult, ErrBadResult, "got %T, want %T", v, zero)
	}
	return t, nil
}

// Arg returns args[i] as T, for use inside a ServiceFunc.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("bus: missing argument %d", i)
	}
	t, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("bus: argument %d is %T, want %T", i, args[i], zero)
	}
	return t, nil
}
