package channel

import (
	"fmt"
	"slices"
	"sort"
)

// UpsertOutcome describes what Upsert did.
type UpsertOutcome uint8

const (
	// Unchanged means an identical message was already stored.
	Unchanged UpsertOutcome = iota
	// Inserted means the id was new.
	Inserted
	// Replaced means the content changed in place (same sort key).
	Replaced
	// Moved means the sort key changed and the message was removed then reinserted.
	Moved
)

// UpsertResult reports the final position of an upserted message.
type UpsertResult struct {
	Outcome UpsertOutcome
	Index   int
	From    int // previous index for Replaced/Moved/Unchanged, -1 for Inserted
}

// Store is the ordered, deduplicated message collection of one channel.
//
// Requirements:
//   - Strictly ordered by SortKey, no duplicate ids.
//   - Every mutation goes through Upsert/Remove/Reset.
//   - Snapshot is O(1); the store copies its backing slice on the next write after a snapshot.
//
// Store is not safe for concurrent use; the owning Channel serializes access.
type Store struct {
	msgs   []Message
	keys   map[string]SortKey
	shared bool
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{keys: make(map[string]SortKey)}
}

// Len returns the number of stored messages.
func (s *Store) Len() int { return len(s.msgs) }

// At returns the message at position i.
func (s *Store) At(i int) Message { return s.msgs[i] }

// Contains reports whether id is stored.
func (s *Store) Contains(id string) bool {
	_, ok := s.keys[id]
	return ok
}

// Get returns the stored message for id.
func (s *Store) Get(id string) (Message, bool) {
	i := s.IndexOf(id)
	if i < 0 {
		return Message{}, false
	}
	return s.msgs[i], true
}

// IndexOf returns the position of id or -1.
func (s *Store) IndexOf(id string) int {
	k, ok := s.keys[id]
	if !ok {
		return -1
	}
	i := s.search(k)
	if i < len(s.msgs) && s.msgs[i].ID == id {
		return i
	}
	return -1
}

// Oldest returns the first message.
func (s *Store) Oldest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[0], true
}

// Newest returns the last message.
func (s *Store) Newest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// Upsert inserts m or replaces the stored message with the same id, keeping sort order.
// Messages without an id are ignored.
func (s *Store) Upsert(m Message) UpsertResult {
	if m.ID == "" {
		return UpsertResult{Outcome: Unchanged, Index: -1, From: -1}
	}

	if old, ok := s.keys[m.ID]; ok {
		i := s.search(old)
		if old.Compare(m.Key()) == 0 {
			if s.msgs[i].Equal(m) {
				return UpsertResult{Outcome: Unchanged, Index: i, From: i}
			}
			s.own()
			s.msgs[i] = m
			return UpsertResult{Outcome: Replaced, Index: i, From: i}
		}

		// Sort key changed: an in-place replace would break ordering.
		s.own()
		s.msgs = slices.Delete(s.msgs, i, i+1)
		j := s.search(m.Key())
		s.msgs = slices.Insert(s.msgs, j, m)
		s.keys[m.ID] = m.Key()
		return UpsertResult{Outcome: Moved, Index: j, From: i}
	}

	s.own()
	j := s.search(m.Key())
	s.msgs = slices.Insert(s.msgs, j, m)
	s.keys[m.ID] = m.Key()
	return UpsertResult{Outcome: Inserted, Index: j, From: -1}
}

// Remove deletes id and returns its former position.
func (s *Store) Remove(id string) (int, bool) {
	i := s.IndexOf(id)
	if i < 0 {
		return -1, false
	}
	s.own()
	s.msgs = slices.Delete(s.msgs, i, i+1)
	delete(s.keys, id)
	return i, true
}

// Reset replaces the whole content with msgs (sorted, last duplicate wins).
func (s *Store) Reset(msgs []Message) {
	byID := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		byID[m.ID] = m
	}

	out := make([]Message, 0, len(byID))
	keys := make(map[string]SortKey, len(byID))
	for id, m := range byID {
		out = append(out, m)
		keys[id] = m.Key()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })

	s.msgs = out
	s.keys = keys
	s.shared = false
}

// Range returns a copy of positions [from, to).
func (s *Store) Range(from, to int) []Message {
	if from < 0 {
		from = 0
	}
	if to > len(s.msgs) {
		to = len(s.msgs)
	}
	if from >= to {
		return nil
	}
	return slices.Clone(s.msgs[from:to])
}

// RangeByID returns a copy of the inclusive run between two stored ids.
func (s *Store) RangeByID(fromID, toID string) []Message {
	i, j := s.IndexOf(fromID), s.IndexOf(toID)
	if i < 0 || j < 0 {
		return nil
	}
	if i > j {
		i, j = j, i
	}
	return s.Range(i, j+1)
}

// Snapshot returns an immutable view of the current sequence.
func (s *Store) Snapshot() Snapshot {
	s.shared = true
	return Snapshot{msgs: s.msgs[:len(s.msgs):len(s.msgs)]}
}

// Verify checks ordering and index consistency.
func (s *Store) Verify() error {
	if len(s.keys) != len(s.msgs) {
		return ViolationError{Op: "store.verify", Detail: fmt.Sprintf("index size %d != %d messages", len(s.keys), len(s.msgs))}
	}
	for i, m := range s.msgs {
		if k, ok := s.keys[m.ID]; !ok || k.Compare(m.Key()) != 0 {
			return ViolationError{Op: "store.verify", Detail: "stale index entry for " + m.ID}
		}
		if i > 0 && !s.msgs[i-1].Key().Less(m.Key()) {
			return ViolationError{Op: "store.verify", Detail: fmt.Sprintf("order broken at %d (%s)", i, m.ID)}
		}
	}
	return nil
}

// search returns the first position whose key is >= k.
func (s *Store) search(k SortKey) int {
	return sort.Search(len(s.msgs), func(i int) bool { return !s.msgs[i].Key().Less(k) })
}

// own detaches the backing slice from outstanding snapshots before a write.
func (s *Store) own() {
	if !s.shared {
		return
	}
	s.msgs = slices.Clone(s.msgs)
	s.shared = false
}

// Snapshot is an immutable point-in-time view of a Store.
type Snapshot struct {
	msgs []Message
}

// SnapshotOf builds a snapshot from an already ordered slice (copied).
func SnapshotOf(msgs []Message) Snapshot {
	return Snapshot{msgs: slices.Clone(msgs)}
}

// Len returns the number of messages.
func (s Snapshot) Len() int { return len(s.msgs) }

// At returns the message at position i.
func (s Snapshot) At(i int) Message { return s.msgs[i] }

// Messages returns a copy of the sequence.
func (s Snapshot) Messages() []Message { return slices.Clone(s.msgs) }

// IDs returns the ordered ids.
func (s Snapshot) IDs() []string {
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.ID
	}
	return out
}

// IndexOf returns the position of id or -1.
func (s Snapshot) IndexOf(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Newest returns the last message.
func (s Snapshot) Newest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

func (s Snapshot) view() []Message { return s.msgs }
