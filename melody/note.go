package melody

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidNote = errors.New("melody: invalid note name")

// Note names a pitch. Notes are values and never change once built.
type Note struct {
	Name      string  `json:"name"`
	Frequency float64 `json:"frequency"`
}

var semitones = map[byte]int{
	'C': -9, 'D': -7, 'E': -5, 'F': -4, 'G': -2, 'A': 0, 'B': 2,
}

var keyNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// ParseNote reads scientific pitch notation such as "A4", "F#3" or "Bb5" and
// returns its equal-tempered frequency with A4 at 440 Hz.
func ParseNote(name string) (Note, error) {
	s := strings.TrimSpace(name)
	if len(s) < 2 {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, name)
	}
	offset, ok := semitones[strings.ToUpper(s[:1])[0]]
	if !ok {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, name)
	}
	rest := s[1:]
	switch rest[0] {
	case '#':
		offset++
		rest = rest[1:]
	case 'b':
		offset--
		rest = rest[1:]
	}
	octave, err := strconv.Atoi(rest)
	if err != nil || octave < 0 || octave > 9 {
		return Note{}, fmt.Errorf("%w: %q", ErrInvalidNote, name)
	}
	n := offset + (octave-4)*12
	return Note{Name: s, Frequency: 440 * math.Pow(2, float64(n)/12)}, nil
}

// Keyboard returns every semitone from C of the first octave up to B of the
// last one, lowest first.
func Keyboard(firstOctave, lastOctave int) []Note {
	var out []Note
	for o := firstOctave; o <= lastOctave; o++ {
		for k, key := range keyNames {
			n := k - 9 + (o-4)*12
			out = append(out, Note{
				Name:      key + strconv.Itoa(o),
				Frequency: 440 * math.Pow(2, float64(n)/12),
			})
		}
	}
	return out
}
