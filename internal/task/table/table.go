// Package table holds the registered cron entries.
//
// Writers serialize on a mutex and publish a fresh immutable slice; the
// ticker loads that slice without locking and matches against it while
// writers keep going.
package table

import (
	"sync"
	"sync/atomic"

	"icecron/internal/task"
	"icecron/internal/task/pattern"
)

// Entry is one registered task. Entries handed out by Snapshot and Get are
// copies; mutating them has no effect on the table.
type Entry struct {
	ID      string
	Pattern *pattern.Pattern
	Task    task.Task
}

type Table struct {
	mu    sync.Mutex
	index map[string]int // id -> position in the published slice
	pub   atomic.Pointer[[]Entry]
}

func New() *Table {
	t := &Table{index: make(map[string]int)}
	empty := []Entry{}
	t.pub.Store(&empty)
	return t
}

// Add inserts an entry, or replaces the one with the same id in place.
func (t *Table) Add(id string, p *pattern.Pattern, tk task.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.pub.Load()
	next := make([]Entry, len(cur), len(cur)+1)
	copy(next, cur)
	e := Entry{ID: id, Pattern: p, Task: tk}
	if i, ok := t.index[id]; ok {
		next[i] = e
	} else {
		t.index[id] = len(next)
		next = append(next, e)
	}
	t.pub.Store(&next)
}

// Remove deletes id. An absent id is not an error; it reports false.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return false
	}
	cur := *t.pub.Load()
	next := make([]Entry, 0, len(cur)-1)
	next = append(next, cur[:i]...)
	next = append(next, cur[i+1:]...)
	delete(t.index, id)
	for j := i; j < len(next); j++ {
		t.index[next[j].ID] = j
	}
	t.pub.Store(&next)
	return true
}

// UpdatePattern swaps the pattern of an existing entry, keeping its task
// and position.
func (t *Table) UpdatePattern(id string, p *pattern.Pattern) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return false
	}
	cur := *t.pub.Load()
	next := make([]Entry, len(cur))
	copy(next, cur)
	next[i].Pattern = p
	t.pub.Store(&next)
	return true
}

func (t *Table) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[id]
	if !ok {
		return Entry{}, false
	}
	return (*t.pub.Load())[i], true
}

// Snapshot returns the current entries in insertion order. The slice is
// shared and must not be modified.
func (t *Table) Snapshot() []Entry {
	return *t.pub.Load()
}

func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.index)
	empty := []Entry{}
	t.pub.Store(&empty)
}

func (t *Table) Len() int {
	return len(*t.pub.Load())
}
