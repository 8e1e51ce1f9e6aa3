package melody

import (
	"sort"

	"go.uber.org/zap"

	"github.com/Lundis/go-tonebox/internal/logger"
	"github.com/Lundis/go-tonebox/tempo"
)

// StaleAfter is how far in the past, in seconds, a due entry may lie and
// still be played by Process.
const StaleAfter = 3.0

// NotePlayer plays one timed note. *tonebox.Engine implements it.
type NotePlayer interface {
	PlayTimedNote(frequency float64, t tempo.Tempo, noteDenominator int) (<-chan struct{}, error)
}

// Scheduler lets you register notes that should play in the future.
//
// Time is whatever the caller uses: seconds since start, a game clock, or
// virtual time in a simulation. Call Process regularly with the current time.
type Scheduler struct {
	player NotePlayer
	log    *zap.Logger
	notes  []queuedNote
}

type queuedNote struct {
	at          float64
	frequency   float64
	tempo       tempo.Tempo
	denominator int
}

func NewScheduler(player NotePlayer, log *zap.Logger) *Scheduler {
	return &Scheduler{
		player: player,
		log:    logger.OrNop(log),
		notes:  make([]queuedNote, 0, 100),
	}
}

// Schedule queues every note of m, the first one at time at. It returns the
// time the melody ends.
func (s *Scheduler) Schedule(m *Melody, at float64) (float64, error) {
	t := at
	queued := make([]queuedNote, 0, len(m.Steps))
	for _, step := range m.Steps {
		length, err := step.Length(m.Tempo)
		if err != nil {
			return at, err
		}
		if !step.Rest {
			queued = append(queued, queuedNote{
				at:          t,
				frequency:   step.Frequency,
				tempo:       m.Tempo,
				denominator: step.Denominator,
			})
		}
		t += length
	}
	s.notes = append(s.notes, queued...)
	sort.SliceStable(s.notes, func(i, j int) bool { return s.notes[i].at < s.notes[j].at })
	return t, nil
}

// ScheduleNote queues a single note at time at.
func (s *Scheduler) ScheduleNote(n Note, t tempo.Tempo, denominator int, at float64) {
	s.notes = append(s.notes, queuedNote{at: at, frequency: n.Frequency, tempo: t, denominator: denominator})
	sort.SliceStable(s.notes, func(i, j int) bool { return s.notes[i].at < s.notes[j].at })
}

func (s *Scheduler) Clear() {
	s.notes = s.notes[:0]
}

// Len returns the number of notes still waiting.
func (s *Scheduler) Len() int {
	return len(s.notes)
}

// Next returns the time of the earliest queued note.
func (s *Scheduler) Next() (float64, bool) {
	if len(s.notes) == 0 {
		return 0, false
	}
	return s.notes[0].at, true
}

// Process plays every note due at now and drops notes that are more than
// StaleAfter seconds late. It returns how many notes were handed to the player.
func (s *Scheduler) Process(now float64) int {
	played := 0
	i := 0
	for i < len(s.notes) && s.notes[i].at <= now {
		n := s.notes[i]
		i++
		if n.at < now-StaleAfter {
			s.log.Debug("dropping stale note", zap.Float64("at", n.at), zap.Float64("now", now))
			continue
		}
		if _, err := s.player.PlayTimedNote(n.frequency, n.tempo, n.denominator); err != nil {
			s.log.Warn("scheduled note failed", zap.Float64("frequency", n.frequency), zap.Error(err))
			continue
		}
		played++
	}
	s.notes = append(s.notes[:0], s.notes[i:]...)
	return played
}
