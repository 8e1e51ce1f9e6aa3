package backend

import (
	"errors"
	"testing"
)

func openFake(t *testing.T) *Fake {
	t.Helper()
	f := NewFake()
	dev, err := f.OpenDevice()
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	ctx, err := f.CreateContext(dev)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if err := f.MakeCurrent(ctx); err != nil {
		t.Fatalf("MakeCurrent: %v", err)
	}
	return f
}

func TestFakeNeedsCurrentContext(t *testing.T) {
	f := NewFake()
	if _, err := f.GenBuffer(); !errors.Is(err, ErrNoContext) {
		t.Errorf("GenBuffer: expected ErrNoContext, got %v", err)
	}
	if _, err := f.GenSource(); !errors.Is(err, ErrNoContext) {
		t.Errorf("GenSource: expected ErrNoContext, got %v", err)
	}
}

func TestFakeLifecycle(t *testing.T) {
	f := openFake(t)

	buf, _ := f.GenBuffer()
	if err := f.UploadPCM(buf, FormatMono16, []int16{1, 2, 3}, 44100); err != nil {
		t.Fatalf("UploadPCM: %v", err)
	}
	src, _ := f.GenSource()
	if err := f.BindBuffer(src, buf); err != nil {
		t.Fatalf("BindBuffer: %v", err)
	}
	if err := f.Play(src); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if !f.Playing(src) {
		t.Error("source should be playing")
	}
	if got := f.Samples(buf); len(got) != 3 || got[2] != 3 {
		t.Errorf("unexpected samples %v", got)
	}

	if err := f.DeleteBuffer(buf); err == nil {
		t.Error("deleting a buffer bound to a live source should fail")
	}
	if err := f.Stop(src); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.DeleteSource(src); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if err := f.DeleteBuffer(buf); err != nil {
		t.Fatalf("DeleteBuffer: %v", err)
	}
	if f.LiveBuffers() != 0 || f.LiveSources() != 0 {
		t.Errorf("leaked handles: %d buffers, %d sources", f.LiveBuffers(), f.LiveSources())
	}
	if f.ReleasedTwice() {
		t.Error("nothing was released twice")
	}
	// one failed DeleteBuffer above
	if f.InvalidOps() != 1 {
		t.Errorf("expected 1 invalid op, got %d", f.InvalidOps())
	}
}

func TestFakeDetectsDoubleDelete(t *testing.T) {
	f := openFake(t)
	src, _ := f.GenSource()
	_ = f.DeleteSource(src)

	if err := f.DeleteSource(src); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("expected ErrUnknownSource, got %v", err)
	}
	if f.InvalidOps() != 1 {
		t.Errorf("expected 1 invalid op, got %d", f.InvalidOps())
	}
	if !f.ReleasedTwice() {
		t.Error("second delete of a source should be reported")
	}
}

func TestFakeDetectsDoubleBufferDelete(t *testing.T) {
	f := openFake(t)
	buf, _ := f.GenBuffer()
	if err := f.DeleteBuffer(buf); err != nil {
		t.Fatalf("DeleteBuffer: %v", err)
	}
	if f.ReleasedTwice() {
		t.Fatal("one delete is not a double release")
	}

	if err := f.DeleteBuffer(buf); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("expected ErrUnknownBuffer, got %v", err)
	}
	if !f.ReleasedTwice() {
		t.Error("second delete of a buffer should be reported")
	}

	// never-issued handles are invalid but were never released
	g := openFake(t)
	if err := g.DeleteBuffer(BufferID(999)); !errors.Is(err, ErrUnknownBuffer) {
		t.Errorf("expected ErrUnknownBuffer, got %v", err)
	}
	if g.ReleasedTwice() || g.InvalidOps() != 1 {
		t.Errorf("unexpected accounting: twice=%v invalid=%d", g.ReleasedTwice(), g.InvalidOps())
	}
}

func TestFakeUploadFailures(t *testing.T) {
	f := openFake(t)
	buf, _ := f.GenBuffer()

	if err := f.UploadPCM(buf, Format(7), nil, 44100); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
	boom := errors.New("boom")
	f.FailUpload = boom
	if err := f.UploadPCM(buf, FormatMono16, nil, 44100); !errors.Is(err, boom) {
		t.Errorf("expected injected error, got %v", err)
	}
}

func TestFakeRecordsCallsInOrder(t *testing.T) {
	f := NewFake()
	var hooked []string
	f.OnCall(func(op string) { hooked = append(hooked, op) })

	dev, _ := f.OpenDevice()
	ctx, _ := f.CreateContext(dev)
	_ = f.DestroyContext(ctx)
	_ = f.CloseDevice(dev)

	want := []string{"open_device", "create_context", "destroy_context", "close_device"}
	calls := f.Calls()
	for i, op := range want {
		if calls[i].Op != op || hooked[i] != op {
			t.Fatalf("call %d: expected %s, got %s / %s", i, op, calls[i].Op, hooked[i])
		}
	}
	if f.Open() {
		t.Error("device should be closed")
	}
	if f.Count("open_device") != 1 {
		t.Errorf("expected one open_device, got %d", f.Count("open_device"))
	}
}
