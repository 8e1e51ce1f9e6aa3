// Package tempo decides how long a note sounds.
package tempo

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	ReferenceFrequency = 440.0
	ReferenceDuration  = 3.0
	DecayExponent      = -0.4
	MinDuration        = 1.2
	MaxDuration        = 6.0
)

var (
	ErrInvalidTempo       = errors.New("tempo: invalid tempo")
	ErrInvalidDenominator = errors.New("tempo: note denominator must be positive")
	ErrInvalidFrequency   = errors.New("tempo: frequency must be positive")
)

// NoteDuration is the natural decay time in seconds of a note at frequency:
// ReferenceDuration * (f/ReferenceFrequency)^DecayExponent, clamped to
// [MinDuration, MaxDuration]. Non-positive frequencies get MaxDuration.
func NoteDuration(frequency float64) float64 {
	if !(frequency > 0) {
		return MaxDuration
	}
	d := ReferenceDuration * math.Pow(frequency/ReferenceFrequency, DecayExponent)
	return math.Min(MaxDuration, math.Max(MinDuration, d))
}

// Tempo describes the beat either as BPM or as a measure length split into
// beats. BPM wins when both are set. BeatNoteValue is the note value that
// receives one beat (4 = quarter); zero means 4.
type Tempo struct {
	BPM             float64 `json:"bpm,omitempty"`
	MeasureDuration float64 `json:"measureDuration,omitempty"`
	BeatsPerMeasure int     `json:"beatsPerMeasure,omitempty"`
	BeatNoteValue   int     `json:"beatNoteValue,omitempty"`
}

func (t Tempo) beatNoteValue() int {
	if t.BeatNoteValue == 0 {
		return 4
	}
	return t.BeatNoteValue
}

func (t Tempo) Validate() error {
	if t.BeatNoteValue < 0 {
		return fmt.Errorf("%w: beat note value %d", ErrInvalidTempo, t.BeatNoteValue)
	}
	if t.BPM > 0 && !math.IsInf(t.BPM, 0) {
		return nil
	}
	if t.BPM != 0 {
		return fmt.Errorf("%w: bpm %v", ErrInvalidTempo, t.BPM)
	}
	if !(t.MeasureDuration > 0) || t.BeatsPerMeasure <= 0 {
		return fmt.Errorf("%w: need bpm or measure duration and beats per measure", ErrInvalidTempo)
	}
	return nil
}

// BeatDuration returns the length of one beat in seconds.
func (t Tempo) BeatDuration() (float64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if t.BPM > 0 {
		return 60 / t.BPM, nil
	}
	return t.MeasureDuration / float64(t.BeatsPerMeasure), nil
}

// NoteLength is the rhythmic length in seconds of a 1/noteDenominator note.
func (t Tempo) NoteLength(noteDenominator int) (float64, error) {
	if noteDenominator <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDenominator, noteDenominator)
	}
	beat, err := t.BeatDuration()
	if err != nil {
		return 0, err
	}
	beats := float64(t.beatNoteValue()) / float64(noteDenominator)
	return beat * beats, nil
}

// TimedNoteDuration returns the shorter of the natural decay and the rhythmic
// slot of a 1/noteDenominator note.
func TimedNoteDuration(frequency float64, t Tempo, noteDenominator int) (float64, error) {
	if !(frequency > 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFrequency, frequency)
	}
	rhythmic, err := t.NoteLength(noteDenominator)
	if err != nil {
		return 0, err
	}
	return math.Min(NoteDuration(frequency), rhythmic), nil
}

// Seconds converts a duration in seconds to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
