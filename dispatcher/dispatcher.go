// Package dispatcher runs every audio backend call on one dedicated goroutine.
//
// A Dispatcher owns the backend device and context. Producers hand it work
// through Enqueue; the worker goroutine, locked to a single OS thread, drains
// the queue in FIFO order and runs each task to completion before popping the
// next one.
package dispatcher

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lundis/go-tonebox/backend"
	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/internal/metrics"
)

var (
	ErrUnavailable    = errors.New("dispatcher: audio backend unavailable")
	ErrStopped        = errors.New("dispatcher: stopped")
	ErrAlreadyStarted = errors.New("dispatcher: already started")
	ErrNilTask        = errors.New("dispatcher: nil task")
)

// Task is a unit of work executed on the worker goroutine. It is the only
// place backend calls may happen.
type Task func(b backend.Backend)

type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateTerminated
	// StateUnavailable is terminal: the device or context could not be opened.
	StateUnavailable
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	case StateUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = logger.OrNop(l) }
}

// WithClock sets the clock used by EnqueueAfter.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTeardown registers a task that runs on the worker after the queue has
// drained and before the context and device are destroyed.
func WithTeardown(task Task) Option {
	return func(d *Dispatcher) { d.teardown = task }
}

type Dispatcher struct {
	backend  backend.Backend
	log      *zap.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	teardown Task

	// cond.L guards everything below up to the worker-owned fields.
	cond     *sync.Cond
	queue    []Task
	state    State
	started  bool
	startErr error
	deferred map[*Deferred]struct{}

	ready chan struct{}
	done  chan struct{}

	disposeOnce sync.Once
	disposeErr  error

	// owned by the worker
	device   backend.Device
	context  backend.Context
	closeErr error
}

// New creates a dispatcher in StateCreated. Nothing touches the backend until
// Start is called.
func New(b backend.Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:  b,
		log:      zap.NewNop(),
		clock:    clock.New(),
		cond:     sync.NewCond(&sync.Mutex{}),
		deferred: make(map[*Deferred]struct{}),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil)
	}
	return d
}

// Start launches the worker and blocks until the device and context are open.
// If either fails the dispatcher becomes unavailable for good and the error
// is returned wrapped in ErrUnavailable.
func (d *Dispatcher) Start() error {
	d.cond.L.Lock()
	if d.started {
		d.cond.L.Unlock()
		return ErrAlreadyStarted
	}
	if d.state != StateCreated {
		d.cond.L.Unlock()
		return ErrStopped
	}
	d.started = true
	d.cond.L.Unlock()

	go d.loop()
	<-d.ready

	if err := d.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Enqueue appends task to the queue and wakes the worker. It never blocks on
// the worker. Tasks may be queued before Start; they run once the device is open.
func (d *Dispatcher) Enqueue(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	d.cond.L.Lock()
	defer d.cond.L.Unlock()

	if err := d.acceptingLocked(); err != nil {
		return err
	}
	d.queue = append(d.queue, task)
	d.metrics.QueueDepth.Set(float64(len(d.queue)))
	d.cond.Signal()
	return nil
}

// EnqueueWait enqueues task and blocks until it has run. It must not be called
// from inside a task.
func (d *Dispatcher) EnqueueWait(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	executed := make(chan struct{})
	err := d.Enqueue(func(b backend.Backend) {
		defer close(executed)
		task(b)
	})
	if err != nil {
		return err
	}
	select {
	case <-executed:
		return nil
	case <-d.done:
		select {
		case <-executed:
			return nil
		default:
		}
		if err := d.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return ErrStopped
	}
}

func (d *Dispatcher) acceptingLocked() error {
	switch d.state {
	case StateUnavailable:
		return fmt.Errorf("%w: %v", ErrUnavailable, d.startErr)
	case StateStopping, StateTerminated:
		return ErrStopped
	}
	return nil
}

// Dispose stops the worker. Tasks queued before the call still run, later
// Enqueue calls fail with ErrStopped, and pending deferred tasks are
// cancelled. The teardown task then runs and the context and device are
// destroyed. Dispose is safe to call more than once.
func (d *Dispatcher) Dispose() error {
	d.disposeOnce.Do(func() {
		d.disposeErr = d.dispose()
	})
	return d.disposeErr
}

func (d *Dispatcher) dispose() error {
	d.cond.L.Lock()
	started := d.started
	if d.state == StateCreated || d.state == StateRunning {
		d.state = StateStopping
	}
	var timers []*clock.Timer
	for df := range d.deferred {
		if df.timer != nil {
			timers = append(timers, df.timer)
		}
	}
	cancelled := len(d.deferred)
	d.deferred = make(map[*Deferred]struct{})
	if !started {
		d.state = StateTerminated
		d.queue = nil
	}
	d.cond.Broadcast()
	d.cond.L.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	if cancelled > 0 {
		d.log.Debug("cancelled deferred tasks", zap.Int("count", cancelled))
	}

	if !started {
		close(d.done)
		return nil
	}
	<-d.done
	return d.closeErr
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	return d.state
}

// Err returns the startup failure, if any.
func (d *Dispatcher) Err() error {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	return d.startErr
}

// Pending returns the number of queued tasks not yet started.
func (d *Dispatcher) Pending() int {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()
	return len(d.queue)
}

// Done is closed once the worker has exited and the backend is torn down.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) loop() {
	// backend contexts are bound to the thread that made them current
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)

	if err := d.open(); err != nil {
		d.cond.L.Lock()
		d.startErr = err
		d.state = StateUnavailable
		dropped := len(d.queue)
		d.queue = nil
		d.metrics.QueueDepth.Set(0)
		d.cond.L.Unlock()

		d.log.Error("audio backend unavailable", zap.Error(err), zap.Int("droppedTasks", dropped))
		close(d.ready)
		return
	}

	d.cond.L.Lock()
	if d.state == StateCreated {
		d.state = StateRunning
	}
	d.cond.L.Unlock()
	d.log.Info("audio dispatcher running",
		zap.Uint32("device", uint32(d.device)),
		zap.Uint32("context", uint32(d.context)))
	close(d.ready)

	for {
		task, ok := d.next()
		if !ok {
			break
		}
		d.run(task)
	}

	if d.teardown != nil {
		d.run(d.teardown)
	}
	d.closeErr = d.close()
	if d.closeErr != nil {
		d.log.Warn("audio backend teardown failed", zap.Error(d.closeErr))
	}

	d.cond.L.Lock()
	d.state = StateTerminated
	d.cond.L.Unlock()
	d.log.Info("audio dispatcher terminated")
}

// next pops the oldest task, waiting while the queue is empty. It reports
// false once a stop was requested and the queue is drained.
func (d *Dispatcher) next() (Task, bool) {
	d.cond.L.Lock()
	defer d.cond.L.Unlock()

	for len(d.queue) == 0 && d.state == StateRunning {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return nil, false
	}
	task := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	d.metrics.QueueDepth.Set(float64(len(d.queue)))
	return task, true
}

func (d *Dispatcher) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.TaskPanicsTotal.Inc()
			d.log.Error("dispatcher task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	d.metrics.TasksTotal.Inc()
	task(d.backend)
}

func (d *Dispatcher) open() error {
	dev, err := d.backend.OpenDevice()
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	ctx, err := d.backend.CreateContext(dev)
	if err != nil {
		return multierr.Append(fmt.Errorf("create context: %w", err), d.backend.CloseDevice(dev))
	}
	if err := d.backend.MakeCurrent(ctx); err != nil {
		return multierr.Combine(
			fmt.Errorf("make context current: %w", err),
			d.backend.DestroyContext(ctx),
			d.backend.CloseDevice(dev),
		)
	}
	d.device, d.context = dev, ctx
	return nil
}

func (d *Dispatcher) close() error {
	var err error
	if e := d.backend.DestroyContext(d.context); e != nil {
		err = multierr.Append(err, fmt.Errorf("destroy context: %w", e))
	}
	if e := d.backend.CloseDevice(d.device); e != nil {
		err = multierr.Append(err, fmt.Errorf("close device: %w", e))
	}
	d.device, d.context = 0, 0
	return err
}

// Deferred is a task scheduled with EnqueueAfter.
type Deferred struct {
	d     *Dispatcher
	timer *clock.Timer
	task  Task
}

// EnqueueAfter enqueues task once delay has elapsed on the dispatcher clock.
// The timer never touches the backend itself; it only hands the task to the
// queue.
func (d *Dispatcher) EnqueueAfter(delay time.Duration, task Task) (*Deferred, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	df := &Deferred{d: d, task: task}
	d.cond.L.Lock()
	if err := d.acceptingLocked(); err != nil {
		d.cond.L.Unlock()
		return nil, err
	}
	d.deferred[df] = struct{}{}
	d.cond.L.Unlock()

	// fire is a no-op once df left the pending set, so a timer created after
	// a concurrent Cancel or Dispose is harmless; stop it anyway.
	t := d.clock.AfterFunc(delay, df.fire)
	d.cond.L.Lock()
	df.timer = t
	_, pending := d.deferred[df]
	d.cond.L.Unlock()
	if !pending {
		t.Stop()
	}
	return df, nil
}

func (df *Deferred) fire() {
	d := df.d
	d.cond.L.Lock()
	_, pending := d.deferred[df]
	delete(d.deferred, df)
	d.cond.L.Unlock()
	if !pending {
		return
	}
	if err := d.Enqueue(df.task); err != nil {
		d.log.Debug("deferred task dropped", zap.Error(err))
	}
}

// Cancel prevents the task from being enqueued. It reports false if the task
// was already handed to the queue or cancelled.
func (df *Deferred) Cancel() bool {
	d := df.d
	d.cond.L.Lock()
	_, pending := d.deferred[df]
	delete(d.deferred, df)
	t := df.timer
	d.cond.L.Unlock()
	if pending && t != nil {
		t.Stop()
	}
	return pending
}
