// Package synth generates mono 16 bit PCM tones.
//
// All generators are pure: the same frequency and duration always produce the
// same samples, and buffers returned by separate calls share no memory.
package synth

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

const (
	SampleRate = 44100
	Amplitude  = math.MaxInt16

	// MaxNoteSeconds is the longest duration a generator accepts.
	MaxNoteSeconds = 60.0
)

var (
	ErrInvalidFrequency = errors.New("synth: frequency must be a positive finite number")
	ErrInvalidDuration  = errors.New("synth: duration must span at least one sample and at most MaxNoteSeconds")
	ErrUnknownModel     = errors.New("synth: unknown model")
)

type Model int

const (
	ModelSine Model = iota
	ModelPiano
	ModelOrgan
)

func (m Model) String() string {
	switch m {
	case ModelSine:
		return "sine"
	case ModelPiano:
		return "piano"
	case ModelOrgan:
		return "organ"
	}
	return fmt.Sprintf("Model(%d)", int(m))
}

func ParseModel(s string) (Model, error) {
	switch strings.ToLower(s) {
	case "sine":
		return ModelSine, nil
	case "piano":
		return ModelPiano, nil
	case "organ":
		return ModelOrgan, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownModel, s)
}

// Validate checks the arguments shared by every generator. The duration must
// yield at least one sample and must not exceed MaxNoteSeconds.
func Validate(frequency, duration float64) error {
	if !(frequency > 0) || math.IsInf(frequency, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidFrequency, frequency)
	}
	if !(duration <= MaxNoteSeconds) || SampleCount(duration) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}
	return nil
}

// Generate renders a tone with the given model. Duration is in seconds.
func Generate(model Model, frequency, duration float64) ([]int16, error) {
	if err := Validate(frequency, duration); err != nil {
		return nil, err
	}
	switch model {
	case ModelSine:
		return Sine(frequency, duration), nil
	case ModelPiano:
		return Piano(frequency, duration), nil
	case ModelOrgan:
		return Organ(frequency, duration), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// SampleCount is floor(SampleRate * duration).
func SampleCount(duration float64) int {
	if !(duration > 0) {
		return 0
	}
	return int(math.Floor(SampleRate * duration))
}

// Float32 converts PCM to the [-1, 1) float range used by mixers.
func Float32(samples []int16) []float32 {
	f32 := make([]float32, len(samples))
	for i, s := range samples {
		f32[i] = float32(s) / (1 << 15)
	}
	return f32
}

func clip16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// quantize scales a float waveform to the int16 range. Waveforms whose peak
// exceeds 1 are normalized to that peak so the loudest sample hits Amplitude.
func quantize(y []float64) []int16 {
	peak := 1.0
	for _, v := range y {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	scale := Amplitude / peak
	out := make([]int16, len(y))
	for i, v := range y {
		out[i] = clip16(v * scale)
	}
	return out
}
