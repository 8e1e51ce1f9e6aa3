// Package notes tracks the notes that currently hold backend resources.
package notes

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/Lundis/go-tonebox/backend"
)

// Instance is one sounding note. It is in a Registry exactly while its source
// and buffer are allocated.
type Instance struct {
	ID        uuid.UUID
	Source    backend.SourceID
	Buffer    backend.BufferID
	Frequency float64
	Duration  time.Duration
	StartedAt time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func NewInstance(frequency float64, duration time.Duration) *Instance {
	return &Instance{
		ID:        uuid.New(),
		Frequency: frequency,
		Duration:  duration,
		done:      make(chan struct{}),
	}
}

// Done is closed once the instance has been released.
func (inst *Instance) Done() <-chan struct{} {
	return inst.done
}

// Finish closes the completion channel. Only the first call has an effect.
func (inst *Instance) Finish() {
	inst.closeOnce.Do(func() { close(inst.done) })
}

// Info is a read-only view of an Instance.
type Info struct {
	ID        uuid.UUID     `json:"id"`
	Frequency float64       `json:"frequency"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"startedAt"`
}

func (inst *Instance) Info() Info {
	return Info{
		ID:        inst.ID,
		Frequency: inst.Frequency,
		Duration:  inst.Duration,
		StartedAt: inst.StartedAt,
	}
}

// Release stops the source, deletes it and then deletes the buffer. The
// completion channel is closed even if the backend reports errors. It must
// run on the dispatcher worker.
func Release(b backend.Backend, inst *Instance) error {
	var err error
	if inst.Source != 0 {
		if e := b.Stop(inst.Source); e != nil {
			err = multierr.Append(err, fmt.Errorf("stop source %d: %w", inst.Source, e))
		}
		if e := b.DeleteSource(inst.Source); e != nil {
			err = multierr.Append(err, fmt.Errorf("delete source %d: %w", inst.Source, e))
		}
		inst.Source = 0
	}
	if inst.Buffer != 0 {
		if e := b.DeleteBuffer(inst.Buffer); e != nil {
			err = multierr.Append(err, fmt.Errorf("delete buffer %d: %w", inst.Buffer, e))
		}
		inst.Buffer = 0
	}
	inst.Finish()
	return err
}

// Registry is the set of active instances, kept in insertion order.
type Registry struct {
	m     sync.Mutex
	order []*Instance
	byID  map[uuid.UUID]*Instance
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[uuid.UUID]*Instance)}
}

// Add inserts inst. Adding the same ID twice is a no-op that reports false.
func (r *Registry) Add(inst *Instance) bool {
	r.m.Lock()
	defer r.m.Unlock()
	if _, ok := r.byID[inst.ID]; ok {
		return false
	}
	r.byID[inst.ID] = inst
	r.order = append(r.order, inst)
	return true
}

// Remove takes the instance with id out of the registry.
func (r *Registry) Remove(id uuid.UUID) (*Instance, bool) {
	r.m.Lock()
	defer r.m.Unlock()
	inst, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == inst {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return inst, true
}

// Clear calls release for every instance in insertion order and empties the
// registry. The lock is held throughout, so no Add or Remove interleaves.
// It returns the number of instances released.
func (r *Registry) Clear(release func(*Instance)) int {
	r.m.Lock()
	defer r.m.Unlock()
	n := len(r.order)
	for _, inst := range r.order {
		release(inst)
	}
	r.order = nil
	r.byID = make(map[uuid.UUID]*Instance)
	return n
}

func (r *Registry) Len() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.order)
}

// Snapshot returns a copy of every active instance, oldest first.
func (r *Registry) Snapshot() []Info {
	r.m.Lock()
	defer r.m.Unlock()
	out := make([]Info, len(r.order))
	for i, inst := range r.order {
		out[i] = inst.Info()
	}
	return out
}
