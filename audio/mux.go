// Copyright 2021 The Oto Authors
// Copyright 2025 Lundis
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audio

import (
	"sync"
	"sync/atomic"
)

// voice is one playback of a buffer.
type voice struct {
	data []float32
	pos  int
	// end is len(data) until the voice is stopped, then the end of the fade.
	end             int
	fadeOutStartsAt int

	finished atomic.Bool
}

func newVoice(data []float32) *voice {
	return &voice{
		data:            data,
		end:             len(data),
		fadeOutStartsAt: len(data),
	}
}

// readAndAdd mixes the next len(buf) samples into buf. It reports true once
// the voice has nothing left to play.
func (v *voice) readAndAdd(buf []float32, volume float32) bool {
	n := min(len(buf), v.end-v.pos)
	for i := 0; i < n; i++ {
		di := v.pos + i
		s := v.data[di] * volume
		if di >= v.fadeOutStartsAt {
			fadeoutLength := v.end - v.fadeOutStartsAt
			s *= 1 - float32(di-v.fadeOutStartsAt)/float32(fadeoutLength)
		}
		buf[i] += s
	}
	v.pos += n
	return v.pos >= v.end
}

// Mux is a mono multiplexer of voices. The output driver pulls from it with
// ReadFloat32s.
type Mux struct {
	sampleRate int
	// fadeSamples is the length of the ramp applied when a voice is stopped
	fadeSamples int

	m      sync.Mutex
	voices []*voice
	volume float32
	paused bool
}

// NewMux creates a Mux at sampleRate with full volume.
func NewMux(sampleRate int) *Mux {
	return &Mux{
		sampleRate:  sampleRate,
		fadeSamples: sampleRate / 200, // 5ms
		volume:      1,
	}
}

func (m *Mux) SampleRate() int {
	return m.sampleRate
}

func (m *Mux) add(v *voice) {
	m.m.Lock()
	m.voices = append(m.voices, v)
	m.m.Unlock()
}

// stop ends v with a short fade instead of cutting it off mid-wave.
func (m *Mux) stop(v *voice) {
	m.m.Lock()
	defer m.m.Unlock()
	if v.pos >= v.end {
		return
	}
	v.fadeOutStartsAt = v.pos
	v.end = min(v.end, v.pos+m.fadeSamples)
}

// SetVolume sets the master volume applied to every voice.
func (m *Mux) SetVolume(volume float32) {
	m.m.Lock()
	m.volume = volume
	m.m.Unlock()
}

func (m *Mux) Volume() float32 {
	m.m.Lock()
	defer m.m.Unlock()
	return m.volume
}

// Pause silences the output without advancing any voice.
func (m *Mux) Pause() {
	m.m.Lock()
	m.paused = true
	m.m.Unlock()
}

func (m *Mux) Resume() {
	m.m.Lock()
	m.paused = false
	m.m.Unlock()
}

// Voices returns the number of voices still producing samples.
func (m *Mux) Voices() int {
	m.m.Lock()
	defer m.m.Unlock()
	return len(m.voices)
}

// ReadFloat32s fills buf with the mixed voices, clipped to [-1, 1].
func (m *Mux) ReadFloat32s(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}

	m.m.Lock()
	defer m.m.Unlock()
	if m.paused {
		return
	}

	live := m.voices[:0]
	for _, v := range m.voices {
		if v.readAndAdd(buf, m.volume) {
			v.finished.Store(true)
			continue
		}
		live = append(live, v)
	}
	for i := len(live); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = live

	for i, s := range buf {
		if s > 1 {
			buf[i] = 1
		} else if s < -1 {
			buf[i] = -1
		}
	}
}
