package backend

import (
	"fmt"
	"sync"
)

// Call is one recorded backend operation.
type Call struct {
	Op string
	ID uint32
}

type fakeBuffer struct {
	samples    []int16
	sampleRate int
}

type fakeSource struct {
	buffer  BufferID
	playing bool
}

// Fake is an in-memory Backend that records every call. It is meant for tests
// and headless runs: nothing is ever audible.
//
// Deleting a handle that is not live is reported as an error and counted, so
// tests can assert that no handle is ever released twice.
type Fake struct {
	// FailOpenDevice and FailCreateContext make startup fail when set.
	FailOpenDevice    error
	FailCreateContext error
	// FailUpload makes every UploadPCM call fail when set.
	FailUpload error

	m        sync.Mutex
	nextID   uint32
	device   Device
	context  Context
	current  Context
	buffers  map[BufferID]*fakeBuffer
	sources  map[SourceID]*fakeSource
	calls    []Call
	invalid  int
	onCall   func(op string)
	released map[uint32]int
}

func NewFake() *Fake {
	return &Fake{
		buffers:  make(map[BufferID]*fakeBuffer),
		sources:  make(map[SourceID]*fakeSource),
		released: make(map[uint32]int),
	}
}

// OnCall registers a hook invoked synchronously for every operation.
func (f *Fake) OnCall(fn func(op string)) {
	f.m.Lock()
	f.onCall = fn
	f.m.Unlock()
}

func (f *Fake) record(op string, id uint32) {
	f.calls = append(f.calls, Call{Op: op, ID: id})
	if f.onCall != nil {
		fn := f.onCall
		f.m.Unlock()
		fn(op)
		f.m.Lock()
	}
}

func (f *Fake) id() uint32 {
	f.nextID++
	return f.nextID
}

func (f *Fake) OpenDevice() (Device, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("open_device", 0)
	if f.FailOpenDevice != nil {
		return 0, f.FailOpenDevice
	}
	f.device = Device(f.id())
	return f.device, nil
}

func (f *Fake) CreateContext(dev Device) (Context, error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("create_context", uint32(dev))
	if f.FailCreateContext != nil {
		return 0, f.FailCreateContext
	}
	if dev == 0 || dev != f.device {
		return 0, ErrDeviceUnavailable
	}
	f.context = Context(f.id())
	return f.context, nil
}

func (f *Fake) MakeCurrent(ctx Context) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("make_current", uint32(ctx))
	if ctx != f.context {
		return ErrNoContext
	}
	f.current = ctx
	return nil
}

func (f *Fake) DestroyContext(ctx Context) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("destroy_context", uint32(ctx))
	if ctx == 0 || ctx != f.context {
		f.invalid++
		return ErrNoContext
	}
	f.context = 0
	f.current = 0
	return nil
}

func (f *Fake) CloseDevice(dev Device) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("close_device", uint32(dev))
	if dev == 0 || dev != f.device {
		f.invalid++
		return ErrDeviceUnavailable
	}
	f.device = 0
	return nil
}

func (f *Fake) GenBuffer() (BufferID, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.current == 0 {
		f.record("gen_buffer", 0)
		return 0, ErrNoContext
	}
	id := BufferID(f.id())
	f.buffers[id] = &fakeBuffer{}
	f.record("gen_buffer", uint32(id))
	return id, nil
}

func (f *Fake) UploadPCM(buf BufferID, format Format, samples []int16, sampleRate int) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("upload_pcm", uint32(buf))
	if f.FailUpload != nil {
		return f.FailUpload
	}
	if format != FormatMono16 {
		return fmt.Errorf("%w: %s", ErrFormat, format)
	}
	b, ok := f.buffers[buf]
	if !ok {
		f.invalid++
		return ErrUnknownBuffer
	}
	b.samples = append([]int16(nil), samples...)
	b.sampleRate = sampleRate
	return nil
}

func (f *Fake) GenSource() (SourceID, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if f.current == 0 {
		f.record("gen_source", 0)
		return 0, ErrNoContext
	}
	id := SourceID(f.id())
	f.sources[id] = &fakeSource{}
	f.record("gen_source", uint32(id))
	return id, nil
}

func (f *Fake) BindBuffer(src SourceID, buf BufferID) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("bind_buffer", uint32(src))
	s, ok := f.sources[src]
	if !ok {
		f.invalid++
		return ErrUnknownSource
	}
	if _, ok := f.buffers[buf]; !ok {
		f.invalid++
		return ErrUnknownBuffer
	}
	s.buffer = buf
	return nil
}

func (f *Fake) Play(src SourceID) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("play", uint32(src))
	s, ok := f.sources[src]
	if !ok {
		f.invalid++
		return ErrUnknownSource
	}
	s.playing = true
	return nil
}

func (f *Fake) Stop(src SourceID) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("stop", uint32(src))
	s, ok := f.sources[src]
	if !ok {
		f.invalid++
		return ErrUnknownSource
	}
	s.playing = false
	return nil
}

func (f *Fake) DeleteSource(src SourceID) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("delete_source", uint32(src))
	if _, ok := f.sources[src]; !ok {
		f.invalid++
		f.deleteAgain(uint32(src))
		return ErrUnknownSource
	}
	delete(f.sources, src)
	f.released[uint32(src)]++
	return nil
}

func (f *Fake) DeleteBuffer(buf BufferID) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.record("delete_buffer", uint32(buf))
	if _, ok := f.buffers[buf]; !ok {
		f.invalid++
		f.deleteAgain(uint32(buf))
		return ErrUnknownBuffer
	}
	for _, s := range f.sources {
		if s.buffer == buf {
			// still bound to a live source
			f.invalid++
			return fmt.Errorf("%w: buffer %d in use", ErrUnknownBuffer, buf)
		}
	}
	delete(f.buffers, buf)
	f.released[uint32(buf)]++
	return nil
}

// deleteAgain counts a delete of a handle that was already released.
func (f *Fake) deleteAgain(id uint32) {
	if f.released[id] > 0 {
		f.released[id]++
	}
}

// Calls returns a copy of every recorded operation, in order.
func (f *Fake) Calls() []Call {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	f.m.Lock()
	defer f.m.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LiveBuffers returns the number of generated buffers not yet deleted.
func (f *Fake) LiveBuffers() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.buffers)
}

// LiveSources returns the number of generated sources not yet deleted.
func (f *Fake) LiveSources() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.sources)
}

// InvalidOps counts operations on handles that were unknown or already released.
func (f *Fake) InvalidOps() int {
	f.m.Lock()
	defer f.m.Unlock()
	return f.invalid
}

// ReleasedTwice reports whether any handle was deleted again after it had
// been released.
func (f *Fake) ReleasedTwice() bool {
	f.m.Lock()
	defer f.m.Unlock()
	for _, n := range f.released {
		if n > 1 {
			return true
		}
	}
	return false
}

// Samples returns the PCM uploaded to buf, or nil.
func (f *Fake) Samples(buf BufferID) []int16 {
	f.m.Lock()
	defer f.m.Unlock()
	if b, ok := f.buffers[buf]; ok {
		return b.samples
	}
	return nil
}

// Playing reports whether src exists and is playing.
func (f *Fake) Playing(src SourceID) bool {
	f.m.Lock()
	defer f.m.Unlock()
	s, ok := f.sources[src]
	return ok && s.playing
}

// Open reports whether a device is currently open.
func (f *Fake) Open() bool {
	f.m.Lock()
	defer f.m.Unlock()
	return f.device != 0
}
