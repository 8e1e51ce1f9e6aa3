// Package audio is a software implementation of backend.Backend.
//
// Buffers hold float32 PCM, sources play them as voices of a Mux, and an
// output driver pulls the mixed signal at the device rate.
package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/Lundis/go-tonebox/backend"
	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/synth"
)

type Option func(*Mixer)

func WithDriver(d Driver) Option {
	return func(m *Mixer) { m.driver = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Mixer) { m.log = logger.OrNop(l) }
}

// WithClock sets the clock pacing the null driver.
func WithClock(c clock.Clock) Option {
	return func(m *Mixer) { m.clock = c }
}

// WithVolume sets the initial master volume.
func WithVolume(v float32) Option {
	return func(m *Mixer) { m.mux.SetVolume(v) }
}

// WithBufferSize sets the device buffer length. Zero uses the driver default.
func WithBufferSize(d time.Duration) Option {
	return func(m *Mixer) { m.bufferSize = d }
}

type pcmBuffer struct {
	data []float32
}

type source struct {
	buffer backend.BufferID
	voice  *voice
}

// Mixer is a backend.Backend that mixes in software.
type Mixer struct {
	driver     Driver
	log        *zap.Logger
	clock      clock.Clock
	bufferSize time.Duration
	mux        *Mux

	m       sync.Mutex
	nextID  uint32
	device  backend.Device
	out     output
	context backend.Context
	current backend.Context
	buffers map[backend.BufferID]*pcmBuffer
	sources map[backend.SourceID]*source
}

var _ backend.Backend = (*Mixer)(nil)

// NewMixer creates a mixer at synth.SampleRate. The output is opened by
// OpenDevice.
func NewMixer(opts ...Option) *Mixer {
	m := &Mixer{
		driver:  DriverOto,
		log:     zap.NewNop(),
		clock:   clock.New(),
		mux:     NewMux(synth.SampleRate),
		buffers: make(map[backend.BufferID]*pcmBuffer),
		sources: make(map[backend.SourceID]*source),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mux returns the mixer's multiplexer, for volume control and inspection.
func (m *Mixer) Mux() *Mux {
	return m.mux
}

func (m *Mixer) id() uint32 {
	m.nextID++
	return m.nextID
}

func (m *Mixer) OpenDevice() (backend.Device, error) {
	m.m.Lock()
	defer m.m.Unlock()

	if m.device != 0 {
		return 0, fmt.Errorf("%w: device already open", backend.ErrDeviceUnavailable)
	}
	var (
		out output
		err error
	)
	switch m.driver {
	case DriverNull:
		out = newNullOutput(m.mux, m.clock)
	case DriverOto:
		out, err = newOtoOutput(m.mux, m.bufferSize)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownDriver, m.driver)
	}
	if err != nil {
		return 0, err
	}
	m.out = out
	m.device = backend.Device(m.id())
	m.log.Info("audio output opened",
		zap.Stringer("driver", m.driver),
		zap.Int("sampleRate", m.mux.sampleRate))
	return m.device, nil
}

func (m *Mixer) CreateContext(dev backend.Device) (backend.Context, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if dev == 0 || dev != m.device {
		return 0, backend.ErrDeviceUnavailable
	}
	if m.context != 0 {
		return 0, fmt.Errorf("%w: context already created", backend.ErrNoContext)
	}
	m.context = backend.Context(m.id())
	return m.context, nil
}

func (m *Mixer) MakeCurrent(ctx backend.Context) error {
	m.m.Lock()
	defer m.m.Unlock()
	if ctx == 0 || ctx != m.context {
		return backend.ErrNoContext
	}
	m.current = ctx
	return nil
}

// DestroyContext silences every voice and frees whatever handles are left.
func (m *Mixer) DestroyContext(ctx backend.Context) error {
	m.m.Lock()
	defer m.m.Unlock()
	if ctx == 0 || ctx != m.context {
		return backend.ErrNoContext
	}
	if n := len(m.sources) + len(m.buffers); n > 0 {
		m.log.Warn("destroying context with live handles",
			zap.Int("sources", len(m.sources)),
			zap.Int("buffers", len(m.buffers)))
	}
	for id, s := range m.sources {
		if s.voice != nil {
			m.mux.stop(s.voice)
		}
		delete(m.sources, id)
	}
	for id := range m.buffers {
		delete(m.buffers, id)
	}
	m.context, m.current = 0, 0
	return nil
}

func (m *Mixer) CloseDevice(dev backend.Device) error {
	m.m.Lock()
	out := m.out
	if dev == 0 || dev != m.device {
		m.m.Unlock()
		return backend.ErrDeviceUnavailable
	}
	m.device, m.out = 0, nil
	m.m.Unlock()

	err := out.Close()
	m.log.Info("audio output closed", zap.Stringer("driver", m.driver), zap.Error(err))
	return err
}

func (m *Mixer) GenBuffer() (backend.BufferID, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.current == 0 {
		return 0, backend.ErrNoContext
	}
	id := backend.BufferID(m.id())
	m.buffers[id] = &pcmBuffer{}
	return id, nil
}

// UploadPCM converts samples to float32 and stores them in buf. The sample
// rate must match the mixer's; there is no resampling.
func (m *Mixer) UploadPCM(buf backend.BufferID, format backend.Format, samples []int16, sampleRate int) error {
	if format != backend.FormatMono16 {
		return fmt.Errorf("%w: %s", backend.ErrFormat, format)
	}
	if sampleRate != m.mux.sampleRate {
		return fmt.Errorf("%w: sample rate %d, mixer runs at %d", backend.ErrFormat, sampleRate, m.mux.sampleRate)
	}
	data := synth.Float32(samples)

	m.m.Lock()
	defer m.m.Unlock()
	b, ok := m.buffers[buf]
	if !ok {
		return backend.ErrUnknownBuffer
	}
	b.data = data
	return nil
}

func (m *Mixer) GenSource() (backend.SourceID, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.current == 0 {
		return 0, backend.ErrNoContext
	}
	id := backend.SourceID(m.id())
	m.sources[id] = &source{}
	return id, nil
}

func (m *Mixer) BindBuffer(src backend.SourceID, buf backend.BufferID) error {
	m.m.Lock()
	defer m.m.Unlock()
	s, ok := m.sources[src]
	if !ok {
		return backend.ErrUnknownSource
	}
	if _, ok := m.buffers[buf]; !ok {
		return backend.ErrUnknownBuffer
	}
	s.buffer = buf
	return nil
}

// Play starts the bound buffer from the beginning.
func (m *Mixer) Play(src backend.SourceID) error {
	m.m.Lock()
	defer m.m.Unlock()
	s, ok := m.sources[src]
	if !ok {
		return backend.ErrUnknownSource
	}
	b, ok := m.buffers[s.buffer]
	if !ok {
		return fmt.Errorf("%w: source %d has no buffer", backend.ErrUnknownBuffer, src)
	}
	if s.voice != nil {
		m.mux.stop(s.voice)
	}
	s.voice = newVoice(b.data)
	m.mux.add(s.voice)
	return nil
}

func (m *Mixer) Stop(src backend.SourceID) error {
	m.m.Lock()
	defer m.m.Unlock()
	s, ok := m.sources[src]
	if !ok {
		return backend.ErrUnknownSource
	}
	if s.voice != nil {
		m.mux.stop(s.voice)
		s.voice = nil
	}
	return nil
}

func (m *Mixer) DeleteSource(src backend.SourceID) error {
	m.m.Lock()
	defer m.m.Unlock()
	s, ok := m.sources[src]
	if !ok {
		return backend.ErrUnknownSource
	}
	if s.voice != nil {
		m.mux.stop(s.voice)
	}
	delete(m.sources, src)
	return nil
}

func (m *Mixer) DeleteBuffer(buf backend.BufferID) error {
	m.m.Lock()
	defer m.m.Unlock()
	if _, ok := m.buffers[buf]; !ok {
		return backend.ErrUnknownBuffer
	}
	for id, s := range m.sources {
		if s.buffer == buf {
			return fmt.Errorf("%w: buffer %d bound to source %d", backend.ErrUnknownBuffer, buf, id)
		}
	}
	delete(m.buffers, buf)
	return nil
}

// Playing reports whether src is still producing samples.
func (m *Mixer) Playing(src backend.SourceID) bool {
	m.m.Lock()
	defer m.m.Unlock()
	s, ok := m.sources[src]
	return ok && s.voice != nil && !s.voice.finished.Load()
}
