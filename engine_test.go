package tonebox

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Lundis/go-tonebox/backend"
	"github.com/Lundis/go-tonebox/dispatcher"
	"github.com/Lundis/go-tonebox/internal/metrics"
	"github.com/Lundis/go-tonebox/internal/testutil"
	"github.com/Lundis/go-tonebox/synth"
	"github.com/Lundis/go-tonebox/tempo"
)

func newEngine(t *testing.T, opts ...Option) (*Engine, *backend.Fake, *clock.Mock) {
	t.Helper()
	fake := backend.NewFake()
	mock := clock.NewMock()
	// sine keeps synthesis cheap
	opts = append([]Option{WithClock(mock), WithModel(synth.ModelSine)}, opts...)
	e := New(fake, opts...)
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Shutdown() })
	return e, fake, mock
}

func flush(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func assertClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	default:
		t.Errorf("%s: completion channel still open", what)
	}
}

func TestNoteLifecycle(t *testing.T) {
	e, fake, mock := newEngine(t)

	done, err := e.RequestNote(440, time.Second)
	if err != nil {
		t.Fatalf("RequestNote: %v", err)
	}
	flush(t, e)

	if n := e.ActiveNotes(); n != 1 {
		t.Fatalf("expected 1 active note, got %d", n)
	}
	snap := e.Snapshot()
	if len(snap) != 1 || snap[0].Frequency != 440 || snap[0].Duration != time.Second {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	var uploaded backend.BufferID
	for _, c := range fake.Calls() {
		if c.Op == "upload_pcm" {
			uploaded = backend.BufferID(c.ID)
		}
	}
	if n := len(fake.Samples(uploaded)); n != 44100 {
		t.Errorf("expected 44100 samples uploaded, got %d", n)
	}

	mock.Add(999 * time.Millisecond)
	flush(t, e)
	if n := e.ActiveNotes(); n != 1 {
		t.Fatalf("note released early, %d active", n)
	}

	mock.Add(time.Millisecond)
	testutil.Wait(t, done, time.Second, "note completion")
	if n := e.ActiveNotes(); n != 0 {
		t.Errorf("expected 0 active notes, got %d", n)
	}
	for _, op := range []string{"stop", "delete_source", "delete_buffer"} {
		if n := fake.Count(op); n != 1 {
			t.Errorf("expected one %s, got %d", op, n)
		}
	}
	if fake.LiveBuffers() != 0 || fake.LiveSources() != 0 {
		t.Error("handles leaked")
	}
}

func TestPlayCallsBackendInOrder(t *testing.T) {
	e, fake, _ := newEngine(t)
	if _, err := e.RequestNote(261.63, 100*time.Millisecond); err != nil {
		t.Fatalf("RequestNote: %v", err)
	}
	flush(t, e)

	var ops []string
	for _, c := range fake.Calls() {
		ops = append(ops, c.Op)
	}
	want := []string{"open_device", "create_context", "make_current",
		"gen_buffer", "upload_pcm", "gen_source", "bind_buffer", "play"}
	if len(ops) != len(want) {
		t.Fatalf("expected %v, got %v", want, ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ops)
		}
	}
}

func TestPlayNoteUsesNaturalDuration(t *testing.T) {
	e, _, mock := newEngine(t)

	done, err := e.PlayNote(440)
	if err != nil {
		t.Fatalf("PlayNote: %v", err)
	}
	flush(t, e)

	mock.Add(2999 * time.Millisecond)
	flush(t, e)
	if e.ActiveNotes() != 1 {
		t.Fatal("440 Hz should sound for 3s")
	}
	mock.Add(time.Millisecond)
	testutil.Wait(t, done, time.Second, "note completion")
}

func TestPlayTimedNote(t *testing.T) {
	e, _, mock := newEngine(t)

	// an eighth at 60 bpm is shorter than the natural decay
	done, err := e.PlayTimedNote(440, tempo.Tempo{BPM: 60}, 8)
	if err != nil {
		t.Fatalf("PlayTimedNote: %v", err)
	}
	flush(t, e)
	mock.Add(500 * time.Millisecond)
	testutil.Wait(t, done, time.Second, "timed note completion")

	if _, err := e.PlayTimedNote(440, tempo.Tempo{BPM: 60}, 0); !errors.Is(err, tempo.ErrInvalidDenominator) {
		t.Errorf("expected ErrInvalidDenominator, got %v", err)
	}
}

func TestClearAllReleasesEachNoteOnce(t *testing.T) {
	e, fake, mock := newEngine(t)

	const n = 5
	var dones []<-chan struct{}
	for i := 0; i < n; i++ {
		done, err := e.RequestNote(float64(220*(i+1)), 2*time.Second)
		if err != nil {
			t.Fatalf("RequestNote: %v", err)
		}
		dones = append(dones, done)
	}
	if err := e.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	flush(t, e)

	if e.ActiveNotes() != 0 {
		t.Fatalf("expected no active notes, got %d", e.ActiveNotes())
	}
	for i, done := range dones {
		assertClosed(t, done, fmt.Sprintf("note %d", i))
	}
	for _, op := range []string{"stop", "delete_source", "delete_buffer"} {
		if got := fake.Count(op); got != n {
			t.Errorf("expected %d %s calls, got %d", n, op, got)
		}
	}

	// the scheduled cleanups find nothing left to do
	mock.Add(3 * time.Second)
	time.Sleep(10 * time.Millisecond)
	flush(t, e)
	if got := fake.Count("delete_source"); got != n {
		t.Errorf("cleanup released again: %d delete_source calls", got)
	}
	if fake.InvalidOps() != 0 {
		t.Errorf("expected no invalid ops, got %d", fake.InvalidOps())
	}
}

func TestClearAllOnEmptyEngine(t *testing.T) {
	e, fake, _ := newEngine(t)
	if err := e.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	flush(t, e)
	if got := len(fake.Calls()); got != 3 {
		t.Errorf("expected only startup calls, got %d", got)
	}
}

func TestConcurrentPlayAndClear(t *testing.T) {
	fake := backend.NewFake()
	mock := clock.NewMock()
	e := New(fake, WithClock(mock), WithModel(synth.ModelSine))
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var (
		wg    sync.WaitGroup
		m     sync.Mutex
		dones []<-chan struct{}
	)
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				done, err := e.RequestNote(float64(100+p*10+i), time.Duration(i+1)*10*time.Millisecond)
				if err != nil {
					t.Errorf("RequestNote: %v", err)
					return
				}
				m.Lock()
				dones = append(dones, done)
				m.Unlock()
				if i%5 == 0 {
					_ = e.ClearAll()
				}
			}
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			mock.Add(10 * time.Millisecond)
		}
	}()
	wg.Wait()

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, done := range dones {
		assertClosed(t, done, "concurrent note")
	}
	if fake.LiveBuffers() != 0 || fake.LiveSources() != 0 {
		t.Errorf("leaked %d buffers, %d sources", fake.LiveBuffers(), fake.LiveSources())
	}
	if fake.ReleasedTwice() || fake.InvalidOps() != 0 {
		t.Errorf("handles released twice (invalid ops %d)", fake.InvalidOps())
	}
	if n := fake.Count("gen_source"); n != fake.Count("delete_source") {
		t.Errorf("%d sources created, %d deleted", n, fake.Count("delete_source"))
	}
}

func TestInvalidRequestsNeverReachBackend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e, fake, _ := newEngine(t, WithMetrics(m))

	tests := []struct {
		name      string
		frequency float64
		duration  time.Duration
		want      error
	}{
		{"zero frequency", 0, time.Second, synth.ErrInvalidFrequency},
		{"negative frequency", -1, time.Second, synth.ErrInvalidFrequency},
		{"zero duration", 440, 0, synth.ErrInvalidDuration},
		{"negative duration", 440, -time.Second, synth.ErrInvalidDuration},
		{"shorter than a sample", 440, 10 * time.Microsecond, synth.ErrInvalidDuration},
		{"longer than the cap", 440, 2 * time.Hour, synth.ErrInvalidDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := e.RequestNote(tt.frequency, tt.duration)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if done != nil {
				t.Error("rejected request returned a channel")
			}
		})
	}
	flush(t, e)
	if got := len(fake.Calls()); got != 3 {
		t.Errorf("expected only startup calls, got %d", got)
	}
	if got := promtest.ToFloat64(m.NotesTotal.WithLabelValues(metrics.OutcomeRejected)); got != float64(len(tests)) {
		t.Errorf("expected %d rejected notes, got %v", len(tests), got)
	}
}

func TestFailedPlayReleasesPartialHandles(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fake := backend.NewFake()
	fake.FailUpload = errors.New("device lost")
	e := New(fake, WithClock(clock.NewMock()), WithModel(synth.ModelSine), WithMetrics(m))
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Shutdown()

	done, err := e.RequestNote(440, time.Second)
	if err != nil {
		t.Fatalf("RequestNote: %v", err)
	}
	testutil.Wait(t, done, time.Second, "failed note completion")
	flush(t, e)

	if e.ActiveNotes() != 0 {
		t.Errorf("failed note registered")
	}
	if fake.LiveBuffers() != 0 {
		t.Errorf("partial buffer leaked")
	}
	if got := promtest.ToFloat64(m.NotesTotal.WithLabelValues(metrics.OutcomeFailed)); got != 1 {
		t.Errorf("expected 1 failed note, got %v", got)
	}
}

func TestShutdownReleasesActiveNotes(t *testing.T) {
	fake := backend.NewFake()
	var (
		mu  sync.Mutex
		ops []string
	)
	fake.OnCall(func(op string) {
		mu.Lock()
		ops = append(ops, op)
		mu.Unlock()
	})
	e := New(fake, WithClock(clock.NewMock()), WithModel(synth.ModelSine))
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, _ := e.RequestNote(440, time.Minute)
	flush(t, e)

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	assertClosed(t, done, "active note")
	if e.State() != dispatcher.StateTerminated {
		t.Errorf("expected terminated, got %s", e.State())
	}
	if _, err := e.RequestNote(440, time.Second); !errors.Is(err, dispatcher.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := e.ClearAll(); !errors.Is(err, dispatcher.ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"stop", "delete_source", "delete_buffer", "destroy_context", "close_device"}
	got := ops[len(ops)-len(want):]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected shutdown tail %v, got %v", want, got)
		}
	}
}

func TestUnavailableBackend(t *testing.T) {
	fake := backend.NewFake()
	fake.FailOpenDevice = errors.New("no device")
	e := New(fake)

	if err := e.Start(); !errors.Is(err, dispatcher.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := e.RequestNote(440, time.Second); !errors.Is(err, dispatcher.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if err := e.Shutdown(); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
