// Package tonebox plays synthesized notes through an audio backend.
//
// An Engine validates and synthesizes notes on the caller's goroutine and
// hands everything that touches the backend to a single dispatcher worker.
// Each note holds one buffer and one source until its duration has passed,
// it is cleared, or the engine shuts down.
package tonebox

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Lundis/go-tonebox/backend"
	"github.com/Lundis/go-tonebox/dispatcher"
	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/internal/metrics"
	"github.com/Lundis/go-tonebox/notes"
	"github.com/Lundis/go-tonebox/synth"
	"github.com/Lundis/go-tonebox/tempo"
)

// Release reasons.
const (
	releaseExpired  = "expired"
	releaseCleared  = "cleared"
	releaseShutdown = "shutdown"
	releaseFailed   = "failed"
)

type Option func(*Engine)

// WithModel selects the waveform model. The default is synth.ModelPiano.
func WithModel(m synth.Model) Option {
	return func(e *Engine) { e.model = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logger.OrNop(l) }
}

// WithClock sets the clock that times note cleanup.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type Engine struct {
	model   synth.Model
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	dispatcher *dispatcher.Dispatcher
	registry   *notes.Registry
}

// New creates an engine on top of b. Call Start before requesting notes.
func New(b backend.Backend, opts ...Option) *Engine {
	e := &Engine{
		model:    synth.ModelPiano,
		log:      zap.NewNop(),
		clock:    clock.New(),
		registry: notes.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	e.dispatcher = dispatcher.New(b,
		dispatcher.WithLogger(e.log.Named("dispatcher")),
		dispatcher.WithClock(e.clock),
		dispatcher.WithMetrics(e.metrics),
		dispatcher.WithTeardown(e.releaseAll(releaseShutdown)),
	)
	return e
}

// Start opens the audio device. On failure the engine stays unusable and
// every later request fails with dispatcher.ErrUnavailable.
func (e *Engine) Start() error {
	if err := e.dispatcher.Start(); err != nil {
		return err
	}
	e.log.Info("engine started", zap.Stringer("model", e.model))
	return nil
}

// RequestNote plays frequency for duration. The returned channel is closed
// once the note's resources have been released, whichever way that happens.
// Invalid input is rejected before anything is synthesized.
func (e *Engine) RequestNote(frequency float64, duration time.Duration) (<-chan struct{}, error) {
	seconds := duration.Seconds()
	if err := synth.Validate(frequency, seconds); err != nil {
		e.metrics.NotesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}

	start := time.Now()
	samples, err := synth.Generate(e.model, frequency, seconds)
	if err != nil {
		e.metrics.NotesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}
	e.metrics.SynthSeconds.Observe(time.Since(start).Seconds())

	inst := notes.NewInstance(frequency, duration)
	if err := e.dispatcher.Enqueue(func(b backend.Backend) { e.play(b, inst, samples) }); err != nil {
		e.metrics.NotesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}
	return inst.Done(), nil
}

// PlayNote plays frequency for its natural decay time.
func (e *Engine) PlayNote(frequency float64) (<-chan struct{}, error) {
	return e.RequestNote(frequency, tempo.Seconds(tempo.NoteDuration(frequency)))
}

// PlayTimedNote plays a 1/noteDenominator note at tempo t, cut short by the
// natural decay if that is shorter.
func (e *Engine) PlayTimedNote(frequency float64, t tempo.Tempo, noteDenominator int) (<-chan struct{}, error) {
	d, err := tempo.TimedNoteDuration(frequency, t, noteDenominator)
	if err != nil {
		e.metrics.NotesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}
	return e.RequestNote(frequency, tempo.Seconds(d))
}

// ClearAll stops and frees every active note. The work is queued; it happens
// after any note requested before the call has started.
func (e *Engine) ClearAll() error {
	return e.dispatcher.Enqueue(e.releaseAll(releaseCleared))
}

// Flush blocks until every task queued before the call has run.
func (e *Engine) Flush() error {
	return e.dispatcher.EnqueueWait(func(backend.Backend) {})
}

// ActiveNotes returns the number of notes currently holding resources.
func (e *Engine) ActiveNotes() int {
	return e.registry.Len()
}

// Snapshot lists the active notes, oldest first.
func (e *Engine) Snapshot() []notes.Info {
	return e.registry.Snapshot()
}

func (e *Engine) State() dispatcher.State {
	return e.dispatcher.State()
}

// Shutdown releases every active note and closes the device. Notes queued
// before the call still start and are then released.
func (e *Engine) Shutdown() error {
	err := e.dispatcher.Dispose()
	e.log.Info("engine stopped", zap.Error(err))
	return err
}

func (e *Engine) play(b backend.Backend, inst *notes.Instance, samples []int16) {
	if err := allocate(b, inst, samples); err != nil {
		err = multierr.Append(err, notes.Release(b, inst))
		e.metrics.NotesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		e.metrics.ReleasesTotal.WithLabelValues(releaseFailed).Inc()
		e.log.Warn("note failed to start",
			zap.Stringer("id", inst.ID),
			zap.Float64("frequency", inst.Frequency),
			zap.Error(err))
		return
	}

	inst.StartedAt = e.clock.Now()
	e.registry.Add(inst)
	e.metrics.ActiveNotes.Set(float64(e.registry.Len()))
	e.metrics.NotesTotal.WithLabelValues(metrics.OutcomePlayed).Inc()
	e.log.Debug("note started",
		zap.Stringer("id", inst.ID),
		zap.Float64("frequency", inst.Frequency),
		zap.Duration("duration", inst.Duration))

	id := inst.ID
	if _, err := e.dispatcher.EnqueueAfter(inst.Duration, func(b backend.Backend) { e.expire(b, id) }); err != nil {
		// stopping: the teardown task releases it
		e.log.Debug("cleanup not scheduled", zap.Stringer("id", id), zap.Error(err))
	}
}

func allocate(b backend.Backend, inst *notes.Instance, samples []int16) error {
	var err error
	if inst.Buffer, err = b.GenBuffer(); err != nil {
		return fmt.Errorf("gen buffer: %w", err)
	}
	if err = b.UploadPCM(inst.Buffer, backend.FormatMono16, samples, synth.SampleRate); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if inst.Source, err = b.GenSource(); err != nil {
		return fmt.Errorf("gen source: %w", err)
	}
	if err = b.BindBuffer(inst.Source, inst.Buffer); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err = b.Play(inst.Source); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

// expire releases the note with id unless something else already did.
func (e *Engine) expire(b backend.Backend, id uuid.UUID) {
	inst, ok := e.registry.Remove(id)
	if !ok {
		return
	}
	e.release(b, inst, releaseExpired)
	e.metrics.ActiveNotes.Set(float64(e.registry.Len()))
}

func (e *Engine) release(b backend.Backend, inst *notes.Instance, reason string) {
	if err := notes.Release(b, inst); err != nil {
		e.log.Warn("note release failed", zap.Stringer("id", inst.ID), zap.Error(err))
	}
	e.metrics.ReleasesTotal.WithLabelValues(reason).Inc()
}

func (e *Engine) releaseAll(reason string) dispatcher.Task {
	return func(b backend.Backend) {
		n := e.registry.Clear(func(inst *notes.Instance) {
			e.release(b, inst, reason)
		})
		e.metrics.ActiveNotes.Set(0)
		if n > 0 {
			e.log.Debug("released active notes", zap.Int("count", n), zap.String("reason", reason))
		}
	}
}
