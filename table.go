package hotswap

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// Table maps function names to the token of their current implementation.
//
// Lookups never take a table-wide lock: the name index is copied and swapped
// atomically on registration, and each entry has its own lock that is only
// held exclusively for the duration of a Replace on that entry.
type Table struct {
	// regMu serializes registrations. The index itself is never modified
	// once published.
	regMu   sync.Mutex
	entries atomic.Pointer[map[string]*slot]

	// claimed is set by the supervisor that publishes into the table.
	claimed atomic.Bool
}

type slot struct {
	mu  sync.RWMutex
	tok *Token
}

// NewTable returns an empty table.
func NewTable() *Table {
	t := &Table{}
	t.entries.Store(&map[string]*slot{})
	return t
}

func (t *Table) lookupSlot(name string) *slot {
	return (*t.entries.Load())[name]
}

// Register creates an unset entry for name if there is none. Registering a
// name again leaves its published token alone.
func (t *Table) Register(name string) {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	cur := *t.entries.Load()
	if _, ok := cur[name]; ok {
		return
	}
	next := make(map[string]*slot, len(cur)+1)
	maps.Copy(next, cur)
	next[name] = &slot{}
	t.entries.Store(&next)
}

// Lookup returns a clone of the current token for name. The caller owns the
// clone and must Release it when the call through it returns.
func (t *Table) Lookup(name string) (*Token, error) {
	s := t.lookupSlot(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotInitialized, name)
	}
	return s.tok.Clone(), nil
}

// Replace publishes tok under name and returns the token it replaced, or nil
// on the first publish. The table's ownership of the old token passes to the
// caller. Replace must not run concurrently with another Replace of the same
// name.
func (t *Table) Replace(name string, tok *Token) (*Token, error) {
	s := t.lookupSlot(name)
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	s.mu.Lock()
	old := s.tok
	s.tok = tok
	s.mu.Unlock()
	return old, nil
}

// Current returns the published token for name without cloning it, or nil.
// The result must not be called through since it may be retired at any
// moment.
func (t *Table) Current(name string) *Token {
	s := t.lookupSlot(name)
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok
}

// Names returns the registered names in sorted order.
func (t *Table) Names() []string {
	return slices.Sorted(maps.Keys(*t.entries.Load()))
}
