package liveness

import (
	"sort"
	"sync"
	"time"
)

type State uint8

const (
	StateAlive State = iota
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Entry is a copy of one client's liveness record.
type Entry struct {
	ID       string    // observed source address of the beat
	LastSeen time.Time // time of the most recent accepted beat
	State    State     // Alive, or Dead once a sweep has reported it
}

// DeadEntry is an entry found stale by SweepDead. Newly is set only on the
// sweep that moved it from alive to dead; later sweeps return it with Newly
// false so callers alert once per silent episode.
type DeadEntry struct {
	Entry
	Newly bool
}

type record struct {
	lastSeen time.Time
	state    State
}

// Table maps client identity to its last beat and alive/dead state.
// All methods are safe for concurrent use and return copies.
type Table struct {
	mu      sync.Mutex
	clients map[string]*record
	now     func() time.Time
}

type Option func(*Table)

// WithClock replaces time.Now as the table's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

func New(opts ...Option) *Table {
	t := &Table{
		clients: make(map[string]*record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update creates the entry for id or resets it to alive with a fresh
// last-seen time.
func (t *Table) Update(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if r, ok := t.clients[id]; ok {
		if now.After(r.lastSeen) {
			r.lastSeen = now
		}
		r.state = StateAlive
		return
	}
	t.clients[id] = &record{lastSeen: now, state: StateAlive}
}

// SnapshotAll returns every entry, sorted by ID.
func (t *Table) SnapshotAll() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.clients))
	for id, r := range t.clients {
		out = append(out, Entry{ID: id, LastSeen: r.lastSeen, State: r.state})
	}
	sortEntries(out)
	return out
}

// SnapshotAlive returns the entries currently considered alive, sorted by ID.
func (t *Table) SnapshotAlive() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.clients))
	for id, r := range t.clients {
		if r.state != StateAlive {
			continue
		}
		out = append(out, Entry{ID: id, LastSeen: r.lastSeen, State: r.state})
	}
	sortEntries(out)
	return out
}

// SweepDead returns every entry whose last beat is strictly older than
// now-timeout. Alive entries among them are marked dead and returned with
// Newly set.
func (t *Table) SweepDead(timeout time.Duration) []DeadEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := t.now().Add(-timeout)
	out := make([]DeadEntry, 0)
	for id, r := range t.clients {
		if !r.lastSeen.Before(threshold) {
			continue
		}
		newly := r.state == StateAlive
		r.state = StateDead
		out = append(out, DeadEntry{
			Entry: Entry{ID: id, LastSeen: r.lastSeen, State: StateDead},
			Newly: newly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}
