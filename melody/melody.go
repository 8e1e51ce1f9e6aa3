// Package melody loads note sequences and plays them on time.
package melody

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Lundis/go-tonebox/tempo"
)

// Id identifies a melody in a Library.
type Id string

type Melody struct {
	Id    Id
	Tempo tempo.Tempo
	Steps []*Step `json:"Notes"`
}

// Step is one note or rest of a melody. A note without Frequency is looked
// up by Name. Denominator is the note value: 4 for a quarter, 8 for an eighth.
type Step struct {
	Name        string
	Frequency   float64
	Denominator int
	Rest        bool
}

// Length returns how long the step occupies in seconds.
func (s *Step) Length(t tempo.Tempo) (float64, error) {
	return t.NoteLength(s.Denominator)
}

// Duration returns the total length of the melody in seconds.
func (m *Melody) Duration() (float64, error) {
	total := 0.0
	for _, s := range m.Steps {
		l, err := s.Length(m.Tempo)
		if err != nil {
			return 0, err
		}
		total += l
	}
	return total, nil
}

// resolve validates the melody and fills in frequencies from note names.
func (m *Melody) resolve() error {
	if m.Id == "" {
		return errors.New("melody without id")
	}
	if err := m.Tempo.Validate(); err != nil {
		return err
	}
	for i, s := range m.Steps {
		if s.Denominator <= 0 {
			return fmt.Errorf("step %d: %w", i, tempo.ErrInvalidDenominator)
		}
		if s.Rest || s.Frequency > 0 {
			continue
		}
		n, err := ParseNote(s.Name)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		s.Frequency = n.Frequency
	}
	return nil
}

// ExportConstants maps a Go-style constant name to every loaded melody id,
// for generating typed ids.
func (l *Library) ExportConstants() map[string]string {
	l.lock.RLock()
	defer l.lock.RUnlock()

	export := make(map[string]string, len(l.melodies))
	for id := range l.melodies {
		var b strings.Builder
		capsNext := true
		for _, c := range string(id) {
			if c == '-' || c == '_' || c == '.' || c == ' ' {
				capsNext = true
				continue
			}
			if capsNext {
				c = []rune(strings.ToUpper(string(c)))[0]
				capsNext = false
			}
			b.WriteRune(c)
		}
		export[b.String()] = string(id)
	}
	return export
}
