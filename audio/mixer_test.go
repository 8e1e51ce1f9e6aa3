package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Lundis/go-tonebox/backend"
	"github.com/Lundis/go-tonebox/internal/testutil"
	"github.com/Lundis/go-tonebox/synth"
)

func TestMuxMixesVoices(t *testing.T) {
	m := NewMux(synth.SampleRate)
	m.add(newVoice([]float32{0.25, 0.25, 0.25}))
	m.add(newVoice([]float32{0.5, -0.5}))

	buf := make([]float32, 4)
	m.ReadFloat32s(buf)
	want := []float32{0.75, -0.25, 0.25, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("sample %d: got %v, want %v", i, buf[i], want[i])
		}
	}
	if m.Voices() != 0 {
		t.Errorf("finished voices should be dropped, %d left", m.Voices())
	}
}

func TestMuxVolumeAndClipping(t *testing.T) {
	m := NewMux(synth.SampleRate)
	m.SetVolume(0.5)
	m.add(newVoice([]float32{1, 1}))
	m.add(newVoice([]float32{1, -1}))
	m.add(newVoice([]float32{1, -1}))

	buf := make([]float32, 2)
	m.ReadFloat32s(buf)
	if buf[0] != 1 {
		t.Errorf("expected clip at 1, got %v", buf[0])
	}
	if buf[1] != -0.5 {
		t.Errorf("expected -0.5, got %v", buf[1])
	}
}

func TestMuxPause(t *testing.T) {
	m := NewMux(synth.SampleRate)
	v := newVoice([]float32{0.5, 0.5})
	m.add(v)
	m.Pause()

	buf := make([]float32, 2)
	m.ReadFloat32s(buf)
	if buf[0] != 0 || v.pos != 0 {
		t.Fatalf("paused mux must be silent and keep position, got %v at %d", buf[0], v.pos)
	}
	m.Resume()
	m.ReadFloat32s(buf)
	if buf[0] != 0.5 {
		t.Errorf("expected 0.5 after resume, got %v", buf[0])
	}
}

func TestMuxStopFadesOut(t *testing.T) {
	m := NewMux(synth.SampleRate)
	data := make([]float32, synth.SampleRate)
	for i := range data {
		data[i] = 1
	}
	v := newVoice(data)
	m.add(v)

	buf := make([]float32, 10)
	m.ReadFloat32s(buf)
	m.stop(v)

	tail := make([]float32, m.fadeSamples+10)
	m.ReadFloat32s(tail)
	if tail[0] != 1 {
		t.Errorf("fade should start at full level, got %v", tail[0])
	}
	for i := 1; i < m.fadeSamples; i++ {
		if tail[i] >= tail[i-1] {
			t.Fatalf("fade not decreasing at %d: %v >= %v", i, tail[i], tail[i-1])
		}
	}
	for _, s := range tail[m.fadeSamples:] {
		if s != 0 {
			t.Fatalf("expected silence after the fade, got %v", s)
		}
	}
	if !v.finished.Load() {
		t.Error("voice should be finished")
	}
}

func TestReaderEncodesFloat32LE(t *testing.T) {
	m := NewMux(synth.SampleRate)
	m.add(newVoice([]float32{0.5, -0.25}))
	r := NewReader(m)

	p := make([]byte, 11)
	n, err := r.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 8 {
		t.Fatalf("expected 8 bytes, got %d", n)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(p[0:])); got != 0.5 {
		t.Errorf("sample 0 = %v", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(p[4:])); got != -0.25 {
		t.Errorf("sample 1 = %v", got)
	}
	if n, _ := r.Read(p[:3]); n != 0 {
		t.Errorf("short read should return 0, got %d", n)
	}
}

func openMixer(t *testing.T, mock *clock.Mock) (*Mixer, backend.Device, backend.Context) {
	t.Helper()
	m := NewMixer(WithDriver(DriverNull), WithClock(mock))
	dev, err := m.OpenDevice()
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	ctx, err := m.CreateContext(dev)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if err := m.MakeCurrent(ctx); err != nil {
		t.Fatalf("MakeCurrent: %v", err)
	}
	return m, dev, ctx
}

func TestMixerPlaysUntilBufferDrains(t *testing.T) {
	mock := clock.NewMock()
	m, dev, ctx := openMixer(t, mock)

	samples := synth.Sine(440, 0.05)
	buf, _ := m.GenBuffer()
	if err := m.UploadPCM(buf, backend.FormatMono16, samples, synth.SampleRate); err != nil {
		t.Fatalf("UploadPCM: %v", err)
	}
	src, _ := m.GenSource()
	if err := m.BindBuffer(src, buf); err != nil {
		t.Fatalf("BindBuffer: %v", err)
	}
	if err := m.Play(src); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !m.Playing(src) {
		t.Fatal("source should be playing")
	}

	testutil.Eventually(t, 2*time.Second, "voice to drain", func() bool {
		mock.Add(10 * time.Millisecond)
		return !m.Playing(src)
	})

	if err := m.DeleteSource(src); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if err := m.DeleteBuffer(buf); err != nil {
		t.Fatalf("DeleteBuffer: %v", err)
	}
	if err := m.DestroyContext(ctx); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	if err := m.CloseDevice(dev); err != nil {
		t.Fatalf("CloseDevice: %v", err)
	}
}

func TestMixerStopSilencesVoice(t *testing.T) {
	m, dev, _ := openMixer(t, clock.NewMock())
	defer m.CloseDevice(dev)

	buf, _ := m.GenBuffer()
	_ = m.UploadPCM(buf, backend.FormatMono16, synth.Sine(440, 1), synth.SampleRate)
	src, _ := m.GenSource()
	_ = m.BindBuffer(src, buf)
	_ = m.Play(src)

	if err := m.Stop(src); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Playing(src) {
		t.Error("stopped source reports playing")
	}
	out := make([]float32, 2*m.Mux().fadeSamples)
	m.Mux().ReadFloat32s(out)
	if m.Mux().Voices() != 0 {
		t.Errorf("expected no voices after the fade, got %d", m.Mux().Voices())
	}
}

func TestMixerHandleErrors(t *testing.T) {
	m, dev, _ := openMixer(t, clock.NewMock())
	defer m.CloseDevice(dev)

	buf, _ := m.GenBuffer()
	src, _ := m.GenSource()
	_ = m.BindBuffer(src, buf)

	if err := m.UploadPCM(buf, backend.FormatMono16, nil, 48000); !errors.Is(err, backend.ErrFormat) {
		t.Errorf("expected ErrFormat for a foreign sample rate, got %v", err)
	}
	if err := m.DeleteBuffer(buf); !errors.Is(err, backend.ErrUnknownBuffer) {
		t.Errorf("deleting a bound buffer: expected ErrUnknownBuffer, got %v", err)
	}
	if err := m.DeleteSource(src); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if err := m.DeleteSource(src); !errors.Is(err, backend.ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
	if err := m.Play(src); !errors.Is(err, backend.ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
	if err := m.DeleteBuffer(buf); err != nil {
		t.Errorf("DeleteBuffer: %v", err)
	}
}

func TestMixerRequiresCurrentContext(t *testing.T) {
	m := NewMixer(WithDriver(DriverNull), WithClock(clock.NewMock()))
	if _, err := m.GenBuffer(); !errors.Is(err, backend.ErrNoContext) {
		t.Errorf("expected ErrNoContext, got %v", err)
	}
	if _, err := m.CreateContext(7); !errors.Is(err, backend.ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestMixerDestroyContextFreesLeftovers(t *testing.T) {
	m, dev, ctx := openMixer(t, clock.NewMock())
	defer m.CloseDevice(dev)

	buf, _ := m.GenBuffer()
	_ = m.UploadPCM(buf, backend.FormatMono16, synth.Sine(440, 1), synth.SampleRate)
	src, _ := m.GenSource()
	_ = m.BindBuffer(src, buf)
	_ = m.Play(src)

	if err := m.DestroyContext(ctx); err != nil {
		t.Fatalf("DestroyContext: %v", err)
	}
	if _, err := m.GenSource(); !errors.Is(err, backend.ErrNoContext) {
		t.Errorf("expected ErrNoContext after destroy, got %v", err)
	}
	if m.Playing(src) {
		t.Error("source survived its context")
	}
}

func TestParseDriver(t *testing.T) {
	tests := []struct {
		in   string
		want Driver
	}{
		{"null", DriverNull},
		{"NONE", DriverNull},
		{"oto", DriverOto},
		{"", DriverOto},
	}
	for _, tt := range tests {
		got, err := ParseDriver(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseDriver(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseDriver("alsa"); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("expected ErrUnknownDriver, got %v", err)
	}
}
