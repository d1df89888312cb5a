package state

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoChange aborts an Update without bumping the version or saving.
var ErrNoChange = errors.New("no change")

// Saver persists a snapshot. Implementations must not retain s.
type Saver interface {
	Save(s *EngineState) error
}

// Book is the single synchronization domain around EngineState.
// Mutations happen under mu; snapshots are written under saveMu in version
// order so an older snapshot never replaces a newer one on disk.
type Book struct {
	mu      sync.RWMutex
	st      *EngineState
	version uint64

	saveMu sync.Mutex
	saved  uint64
	saver  Saver
	now    func() time.Time
}

func NewBook(st *EngineState, saver Saver) *Book {
	if st == nil {
		st = New()
	}
	st.Normalize()
	return &Book{st: st, saver: saver, now: time.Now}
}

// View runs fn with read access. fn must not retain or mutate s.
func (b *Book) View(fn func(s *EngineState)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.st)
}

// Snapshot returns a deep copy of the current state.
func (b *Book) Snapshot() *EngineState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st.Clone()
}

// Update applies fn under the write lock and then persists synchronously.
// fn must either fully apply its change or return an error having changed
// nothing. Returning ErrNoChange skips the save and yields nil.
// A save failure is returned wrapped; the in-memory change stays applied.
func (b *Book) Update(fn func(s *EngineState) error) error {
	b.mu.Lock()
	if err := fn(b.st); err != nil {
		b.mu.Unlock()
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}
	b.version++
	v := b.version
	snap := b.st.Clone()
	b.mu.Unlock()

	if err := b.write(snap, v); err != nil {
		return fmt.Errorf("persist state v%d: %w", v, err)
	}
	return nil
}

// Refresh applies a mark-to-market style change that is left to the
// periodic save.
func (b *Book) Refresh(fn func(s *EngineState)) {
	b.mu.Lock()
	fn(b.st)
	b.version++
	b.mu.Unlock()
}

// Persist saves the current state if anything changed since the last good save.
func (b *Book) Persist() error {
	b.mu.RLock()
	v := b.version
	snap := b.st.Clone()
	b.mu.RUnlock()
	return b.write(snap, v)
}

// Version is the number of applied mutations.
func (b *Book) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *Book) write(snap *EngineState, v uint64) error {
	if b.saver == nil {
		return nil
	}
	b.saveMu.Lock()
	defer b.saveMu.Unlock()
	if v <= b.saved {
		return nil
	}
	snap.SavedAt = b.now()
	if err := b.saver.Save(snap); err != nil {
		return err
	}
	b.saved = v
	return nil
}
