// ABOUTME: Append-ordered item store with an id index for O(1) updates.
// ABOUTME: Single-writer by contract; the conversation engine serializes access.

package timeline

// Store holds timeline items in arrival order and keeps an id → position
// index alongside. It is not safe for concurrent use; callers serialize.
// Reads hand back detached copies, so a caller may hold one across later
// in-place updates without seeing them.
type Store struct {
	items []Item
	index map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{index: make(map[string]int)}
}

// Insert appends the item and indexes it by id. Inserting an id that is
// already present is a no-op and returns false, so replayed events converge
// instead of duplicating rows.
func (s *Store) Insert(it Item) bool {
	if _, exists := s.index[it.ID]; exists {
		return false
	}
	s.items = append(s.items, it)
	s.index[it.ID] = len(s.items) - 1
	return true
}

// UpdateByID applies fn to the item with the given id, in place. Returns
// false if no such item exists. fn must not change the item's ID.
func (s *Store) UpdateByID(id string, fn func(*Item)) bool {
	pos, ok := s.index[id]
	if !ok {
		return false
	}
	fn(&s.items[pos])
	return true
}

// Get returns a detached copy of the item with the given id. Updates applied
// after the call do not show through it, and mutating the copy's payload
// leaves the store untouched.
func (s *Store) Get(id string) (Item, bool) {
	pos, ok := s.index[id]
	if !ok {
		return Item{}, false
	}
	return s.items[pos].clone(), true
}

// FindLastOfKindInTurn scans backward for the most recent item of the given
// kind within a turn and returns a detached copy of it.
func (s *Store) FindLastOfKindInTurn(kind Kind, turnID string) (Item, bool) {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Kind == kind && s.items[i].TurnID == turnID {
			return s.items[i].clone(), true
		}
	}
	return Item{}, false
}

// RekeyTurn relabels every item tagged with oldID to newID, preserving order.
// Item ids are untouched, so the id index stays valid. Rekeying to the same
// id, or from an id with no items, is a no-op. Returns the number of items
// relabeled.
func (s *Store) RekeyTurn(oldID, newID string) int {
	if oldID == newID {
		return 0
	}
	n := 0
	for i := range s.items {
		if s.items[i].TurnID == oldID {
			s.items[i].TurnID = newID
			n++
		}
	}
	return n
}

// ClearTurn removes every item tagged with the given turn id and rebuilds
// the index. Returns the number of items removed.
func (s *Store) ClearTurn(turnID string) int {
	return s.removeWhere(func(it *Item) bool { return it.TurnID == turnID })
}

// RemoveMany removes the items whose ids appear in ids, in a single pass.
// Ids with no matching item are skipped. Returns the number removed.
func (s *Store) RemoveMany(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	return s.removeWhere(func(it *Item) bool { return doomed[it.ID] })
}

// removeWhere compacts the slice, dropping items matching the predicate, then
// rebuilds the index so positions stay consistent.
func (s *Store) removeWhere(match func(*Item) bool) int {
	kept := s.items[:0]
	removed := 0
	for i := range s.items {
		if match(&s.items[i]) {
			delete(s.index, s.items[i].ID)
			removed++
			continue
		}
		kept = append(kept, s.items[i])
	}
	if removed == 0 {
		return 0
	}
	s.items = kept
	for i := range s.items {
		s.index[s.items[i].ID] = i
	}
	return removed
}

// Items returns a detached copy of the timeline in order. Holders of the
// returned slice never observe updates applied afterward.
func (s *Store) Items() []Item {
	out := make([]Item, len(s.items))
	for i := range s.items {
		out[i] = s.items[i].clone()
	}
	return out
}

// Len returns the number of items.
func (s *Store) Len() int {
	return len(s.items)
}
