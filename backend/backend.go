// Package backend defines the audio capability the dispatcher drives.
//
// Every method is expected to be called from a single goroutine (the dispatcher
// worker). Implementations do not need to be safe for concurrent use by their
// callers, but they may mix audio on threads of their own.
package backend

import "errors"

var (
	ErrDeviceUnavailable = errors.New("backend: device unavailable")
	ErrNoContext         = errors.New("backend: no current context")
	ErrUnknownBuffer     = errors.New("backend: unknown buffer")
	ErrUnknownSource     = errors.New("backend: unknown source")
	ErrFormat            = errors.New("backend: unsupported format")
)

// Handles are opaque ids issued by a Backend. Zero is never a valid handle.
type (
	Device   uint32
	Context  uint32
	BufferID uint32
	SourceID uint32
)

type Format int

const (
	// FormatMono16 is mono, signed 16 bit little endian PCM.
	FormatMono16 Format = iota + 1
)

func (f Format) String() string {
	switch f {
	case FormatMono16:
		return "mono16"
	}
	return "unknown"
}

type Backend interface {
	OpenDevice() (Device, error)
	CreateContext(dev Device) (Context, error)
	MakeCurrent(ctx Context) error
	DestroyContext(ctx Context) error
	CloseDevice(dev Device) error

	GenBuffer() (BufferID, error)
	UploadPCM(buf BufferID, format Format, samples []int16, sampleRate int) error
	GenSource() (SourceID, error)
	BindBuffer(src SourceID, buf BufferID) error
	Play(src SourceID) error
	Stop(src SourceID) error
	DeleteSource(src SourceID) error
	DeleteBuffer(buf BufferID) error
}
