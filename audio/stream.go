package audio

import (
	"encoding/binary"
	"io"
	"math"
)

// Reader exposes a Mux as an endless stream of little endian float32 samples,
// the layout oto expects for FormatFloat32LE.
type Reader struct {
	mux *Mux
	buf []float32
}

var _ io.Reader = (*Reader)(nil)

func NewReader(mux *Mux) *Reader {
	return &Reader{mux: mux}
}

func (r *Reader) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	if cap(r.buf) < n {
		r.buf = make([]float32, n)
	}
	samples := r.buf[:n]
	r.mux.ReadFloat32s(samples)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(p[4*i:], math.Float32bits(s))
	}
	return n * 4, nil
}
