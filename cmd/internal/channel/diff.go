package channel

import (
	"fmt"
	"slices"
	"sort"
)

// ChangeKind enumerates change records.
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeRemove
	ChangeUpdate
	ChangeMove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeRemove:
		return "remove"
	case ChangeUpdate:
		return "update"
	case ChangeMove:
		return "move"
	default:
		return "unknown"
	}
}

// Origin classifies what caused a change.
type Origin uint8

const (
	// OriginHistory covers page loads and window replacement; no scroll side effect is expected.
	OriginHistory Origin = iota
	// OriginLive covers realtime arrivals, which may autoscroll.
	OriginLive
)

func (o Origin) String() string {
	if o == OriginLive {
		return "live"
	}
	return "history"
}

// Change is one step of a replay script.
//
// Positions are relative to the sequence after all earlier changes of the same script were applied.
// A move removes the element at Position and reinserts it at To (To is an index into the sequence
// after the removal).
type Change struct {
	Kind     ChangeKind
	Position int
	To       int
	ID       string
	Message  Message
	Origin   Origin
}

func (c Change) String() string {
	switch c.Kind {
	case ChangeMove:
		return fmt.Sprintf("move(%d->%d, %s)", c.Position, c.To, c.ID)
	default:
		return fmt.Sprintf("%s(%d, %s)", c.Kind, c.Position, c.ID)
	}
}

// IsLiveInsertion reports whether c is an insertion caused by a realtime arrival.
func (c Change) IsLiveInsertion() bool { return c.Kind == ChangeInsert && c.Origin == OriginLive }

// Diff computes the replay script turning before into after.
//
// Script order: removals (descending positions), moves, insertions (ascending), updates
// (final positions). Matching is by id; a shared id with different content yields an update.
func Diff(before, after []Message, origin Origin) []Change {
	inAfter := make(map[string]int, len(after))
	for i, m := range after {
		inAfter[m.ID] = i
	}
	inBefore := make(map[string]int, len(before))
	for i, m := range before {
		inBefore[m.ID] = i
	}

	var out []Change

	cur := make([]string, 0, len(before))
	for i := len(before) - 1; i >= 0; i-- {
		id := before[i].ID
		if _, ok := inAfter[id]; !ok {
			out = append(out, Change{Kind: ChangeRemove, Position: i, ID: id, Origin: origin})
		}
	}
	for _, m := range before {
		if _, ok := inAfter[m.ID]; ok {
			cur = append(cur, m.ID)
		}
	}

	// Target order of the surviving ids.
	target := make([]string, 0, len(cur))
	for _, m := range after {
		if _, ok := inBefore[m.ID]; ok {
			target = append(target, m.ID)
		}
	}

	out = append(out, moves(cur, target, inAfter, origin)...)

	for i, m := range after {
		if _, ok := inBefore[m.ID]; !ok {
			out = append(out, Change{Kind: ChangeInsert, Position: i, ID: m.ID, Message: m, Origin: origin})
		}
	}

	for i, m := range after {
		j, ok := inBefore[m.ID]
		if ok && !before[j].Equal(m) {
			out = append(out, Change{Kind: ChangeUpdate, Position: i, ID: m.ID, Message: m, Origin: origin})
		}
	}

	return out
}

// moves reorders cur into target keeping a longest increasing subsequence in place.
func moves(cur, target []string, rank map[string]int, origin Origin) []Change {
	if len(cur) < 2 {
		return nil
	}

	ranks := make([]int, len(cur))
	for i, id := range cur {
		ranks[i] = rank[id]
	}
	keep := lisMembers(ranks)
	stay := make(map[string]bool, len(keep))
	for _, i := range keep {
		stay[cur[i]] = true
	}
	if len(stay) == len(cur) {
		return nil
	}

	work := slices.Clone(cur)
	var out []Change
	for k, id := range target {
		if stay[id] {
			continue
		}
		from := slices.Index(work, id)
		work = slices.Delete(work, from, from+1)

		to := 0
		if k > 0 {
			to = slices.Index(work, target[k-1]) + 1
		}
		work = slices.Insert(work, to, id)

		if from != to {
			out = append(out, Change{Kind: ChangeMove, Position: from, To: to, ID: id, Origin: origin})
		}
	}
	return out
}

// lisMembers returns the indexes of one longest strictly increasing subsequence of xs.
func lisMembers(xs []int) []int {
	tails := make([]int, 0, len(xs)) // index into xs of the smallest tail for each length
	prev := make([]int, len(xs))
	for i, x := range xs {
		j := sort.Search(len(tails), func(k int) bool { return xs[tails[k]] >= x })
		if j > 0 {
			prev[i] = tails[j-1]
		} else {
			prev[i] = -1
		}
		if j == len(tails) {
			tails = append(tails, i)
		} else {
			tails[j] = i
		}
	}

	out := make([]int, len(tails))
	if len(tails) == 0 {
		return out
	}
	for i, k := tails[len(tails)-1], len(tails)-1; k >= 0; i, k = prev[i], k-1 {
		out[k] = i
	}
	return out
}

// Apply replays changes on a copy of before.
func Apply(before []Message, changes []Change) ([]Message, error) {
	out := slices.Clone(before)
	for n, c := range changes {
		switch c.Kind {
		case ChangeInsert:
			if c.Position < 0 || c.Position > len(out) {
				return nil, fmt.Errorf("change %d %s: position out of range (len=%d)", n, c, len(out))
			}
			out = slices.Insert(out, c.Position, c.Message)
		case ChangeRemove:
			if c.Position < 0 || c.Position >= len(out) {
				return nil, fmt.Errorf("change %d %s: position out of range (len=%d)", n, c, len(out))
			}
			out = slices.Delete(out, c.Position, c.Position+1)
		case ChangeUpdate:
			if c.Position < 0 || c.Position >= len(out) {
				return nil, fmt.Errorf("change %d %s: position out of range (len=%d)", n, c, len(out))
			}
			out[c.Position] = c.Message
		case ChangeMove:
			if c.Position < 0 || c.Position >= len(out) {
				return nil, fmt.Errorf("change %d %s: from out of range (len=%d)", n, c, len(out))
			}
			m := out[c.Position]
			out = slices.Delete(out, c.Position, c.Position+1)
			if c.To < 0 || c.To > len(out) {
				return nil, fmt.Errorf("change %d %s: to out of range (len=%d)", n, c, len(out))
			}
			out = slices.Insert(out, c.To, m)
		default:
			return nil, fmt.Errorf("change %d: unknown kind %d", n, c.Kind)
		}
	}
	return out, nil
}
