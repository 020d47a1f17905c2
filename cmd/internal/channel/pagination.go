package channel

import (
	"slices"
)

type loadOp uint8

const (
	opFirst loadOp = iota + 1
	opPrevious
	opNext
	opJump
)

func (o loadOp) String() string {
	switch o {
	case opFirst:
		return "load_first_page"
	case opPrevious:
		return "load_previous"
	case opNext:
		return "load_next"
	case opJump:
		return "jump_to"
	default:
		return "unknown"
	}
}

func (o loadOp) phase() Phase {
	switch o {
	case opFirst:
		return PhaseLoadingFirstPage
	case opPrevious:
		return PhaseLoadingPrevious
	case opNext:
		return PhaseLoadingNext
	default:
		return PhaseJumping
	}
}

func (o loadOp) cause() Cause {
	switch o {
	case opFirst:
		return CauseFirstPage
	case opPrevious:
		return CausePrevious
	case opNext:
		return CauseNext
	default:
		return CauseJump
	}
}

// ticket identifies the single in-flight fetch.
type ticket struct {
	seq    uint64
	op     loadOp
	req    PageRequest
	target string
	prior  Phase
}

// mergeResult reports what a completed fetch did to the store.
type mergeResult struct {
	replaced bool
	index    int // position of the jump target, -1 otherwise
}

// Coordinator tracks the loaded window and the pagination phase of one channel.
//
// It never performs I/O: begin* hands out a ticket describing the fetch to run,
// complete/fail fold the outcome back into the store. At most one ticket is outstanding.
type Coordinator struct {
	channelID      string
	pageSize       int
	keepTombstones bool

	// seenOldest and seenNewest are the outermost messages any page returned, including
	// tombstones that the store dropped. They anchor the next fetch so a run of deleted
	// messages at the edge is stepped over instead of refetched.
	seenOldest Message
	seenNewest Message

	phase      Phase
	window     Window
	err        error
	loadedOnce bool

	seq      uint64
	inflight *ticket
}

// NewCoordinator constructs a coordinator in the empty phase.
func NewCoordinator(channelID string, pageSize int) *Coordinator {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Coordinator{channelID: channelID, pageSize: pageSize}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase { return c.phase }

// Window returns the current window.
func (c *Coordinator) Window() Window { return c.window }

// Err returns the error of the last failed fetch, cleared by the next success.
func (c *Coordinator) Err() error { return c.err }

// InFlight reports whether a fetch is outstanding.
func (c *Coordinator) InFlight() bool { return c.inflight != nil }

func (c *Coordinator) issue(op loadOp, a Anchor, target string) *ticket {
	c.seq++
	t := &ticket{
		seq:    c.seq,
		op:     op,
		req:    PageRequest{ChannelID: c.channelID, Anchor: a, Limit: c.pageSize},
		target: target,
		prior:  c.phase,
	}
	c.inflight = t
	c.phase = op.phase()
	return t
}

// beginFirst starts a newest-page load. It returns a nil ticket while another fetch is in flight.
func (c *Coordinator) beginFirst() *ticket {
	if c.inflight != nil {
		return nil
	}
	return c.issue(opFirst, Latest(), "")
}

// beginPrevious starts loading the page older than the window.
func (c *Coordinator) beginPrevious(s *Store) (*ticket, error) {
	if c.inflight != nil {
		return nil, nil
	}
	if c.phase == PhaseEmpty || c.phase == PhaseError {
		return nil, ErrNotLoaded
	}
	if c.window.HasLoadedAllPrevious {
		return nil, nil
	}
	oldest, ok := c.edge(s, opPrevious)
	if !ok {
		return nil, nil
	}
	return c.issue(opPrevious, Before(oldest.ID), ""), nil
}

// beginNext starts loading the page newer than the window.
func (c *Coordinator) beginNext(s *Store) (*ticket, error) {
	if c.inflight != nil {
		return nil, nil
	}
	if c.phase == PhaseEmpty || c.phase == PhaseError {
		return nil, ErrNotLoaded
	}
	if c.window.HasLoadedAllNext {
		return nil, nil
	}
	newest, ok := c.edge(s, opNext)
	if !ok {
		return nil, nil
	}
	return c.issue(opNext, After(newest.ID), ""), nil
}

// beginJump resolves a loaded target immediately (index >= 0) or starts an around fetch.
func (c *Coordinator) beginJump(s *Store, id string) (*ticket, int) {
	if i := s.IndexOf(id); i >= 0 {
		return nil, i
	}
	if c.inflight != nil {
		return nil, -1
	}
	return c.issue(opJump, Around(id), id), -1
}

// complete merges a fetched page. pending holds local messages kept at the head of the window.
//
// Without tombstones, deleted messages are filtered after the adjacency check so sequence
// numbers still line up across them.
func (c *Coordinator) complete(s *Store, t *ticket, p Page, pending []Message) (mergeResult, error) {
	c.inflight = nil
	res := mergeResult{index: -1}
	raw := normalizePage(p.Messages)
	msgs := c.live(raw)

	switch t.op {
	case opFirst:
		s.Reset(append(msgs, pending...))
		c.window.HasLoadedAllNext = true
		c.window.HasLoadedAllPrevious = p.ReachedOldest
		c.see(raw, true, true)
		res.replaced = true

	case opPrevious:
		switch {
		case len(raw) == 0:
			c.window.HasLoadedAllPrevious = true
		case c.connects(s, raw, opPrevious):
			c.merge(s, raw)
			c.window.HasLoadedAllPrevious = p.ReachedOldest
			c.see(raw, true, false)
		default:
			s.Reset(msgs)
			c.window.HasLoadedAllPrevious = p.ReachedOldest
			c.window.HasLoadedAllNext = false
			c.see(raw, true, true)
			res.replaced = true
		}

	case opNext:
		switch {
		case len(raw) == 0:
			c.window.HasLoadedAllNext = true
		case c.connects(s, raw, opNext):
			c.merge(s, raw)
			c.window.HasLoadedAllNext = p.ReachedNewest
			c.see(raw, false, true)
		default:
			s.Reset(msgs)
			c.window.HasLoadedAllNext = p.ReachedNewest
			c.window.HasLoadedAllPrevious = false
			c.see(raw, true, true)
			res.replaced = true
		}
		if c.window.HasLoadedAllNext && len(pending) > 0 {
			for _, m := range pending {
				s.Upsert(m)
			}
		}

	case opJump:
		if !slices.ContainsFunc(msgs, func(m Message) bool { return m.ID == t.target }) {
			c.phase = t.prior
			if c.phase.Loading() {
				c.phase = PhaseIdle
			}
			return res, ErrMessageNotFound
		}
		if p.ReachedNewest {
			msgs = append(msgs, pending...)
		}
		s.Reset(msgs)
		c.window.HasLoadedAllNext = p.ReachedNewest
		c.window.HasLoadedAllPrevious = p.ReachedOldest
		c.see(raw, true, true)
		res.replaced = true
		res.index = s.IndexOf(t.target)
	}

	c.loadedOnce = true
	c.phase = PhaseIdle
	c.err = nil
	c.syncEdges(s)
	return res, nil
}

// live returns the page messages the store may hold under the deletion policy.
func (c *Coordinator) live(page []Message) []Message {
	if c.keepTombstones {
		return page
	}
	return slices.DeleteFunc(slices.Clone(page), func(m Message) bool { return m.Deleted })
}

// merge upserts page messages, keeping stored copies that were edited more recently.
// Deleted messages are removed instead when tombstones are not kept.
func (c *Coordinator) merge(s *Store, page []Message) {
	for _, m := range page {
		if m.Deleted && !c.keepTombstones {
			s.Remove(m.ID)
			continue
		}
		if cur, ok := s.Get(m.ID); ok && cur.UpdatedAt.After(m.UpdatedAt) {
			continue
		}
		s.Upsert(m)
	}
}

func (c *Coordinator) see(raw []Message, oldest, newest bool) {
	if oldest {
		c.seenOldest = Message{}
		if len(raw) > 0 {
			c.seenOldest = raw[0]
		}
	}
	if newest {
		c.seenNewest = Message{}
		if len(raw) > 0 {
			c.seenNewest = raw[len(raw)-1]
		}
	}
}

// edge returns the message the window ends on in direction dir: the outermost server message
// in the store, or a dropped tombstone beyond it.
func (c *Coordinator) edge(s *Store, dir loadOp) (Message, bool) {
	if dir == opPrevious {
		m, ok := oldestServer(s)
		if c.seenOldest.ID != "" && (!ok || c.seenOldest.Key().Less(m.Key())) {
			return c.seenOldest, true
		}
		return m, ok
	}
	m, ok := newestServer(s)
	if c.seenNewest.ID != "" && (!ok || m.Key().Less(c.seenNewest.Key())) {
		return c.seenNewest, true
	}
	return m, ok
}

// fail records a fetch failure and returns the classified error.
func (c *Coordinator) fail(t *ticket, cause error) error {
	c.inflight = nil
	kind := ErrTransientFetch
	if c.loadedOnce {
		c.phase = PhaseIdle
	} else {
		kind = ErrInitialLoad
		c.phase = PhaseError
	}
	err := FetchError{Op: t.op.String(), Anchor: t.req.Anchor, Kind: kind, Err: cause}
	c.err = err
	return err
}

// abandon drops the in-flight ticket without touching the window (used on close).
func (c *Coordinator) abandon() {
	c.inflight = nil
}

func (c *Coordinator) syncEdges(s *Store) {
	c.window.OldestLoadedID = ""
	c.window.NewestLoadedID = ""
	if m, ok := s.Oldest(); ok {
		c.window.OldestLoadedID = m.ID
	}
	if m, ok := s.Newest(); ok {
		c.window.NewestLoadedID = m.ID
	}
}

// atHead reports whether newly created messages belong in the store.
func (c *Coordinator) atHead() bool {
	return c.loadedOnce && c.window.HasLoadedAllNext
}

// connects reports whether a non-empty sorted page can be merged at the given edge without a gap.
func (c *Coordinator) connects(s *Store, page []Message, dir loadOp) bool {
	edge, ok := c.edge(s, dir)
	if !ok {
		return true
	}
	for _, m := range page {
		if m.ID == edge.ID || s.Contains(m.ID) {
			return true
		}
	}

	switch dir {
	case opPrevious:
		last := page[len(page)-1]
		if last.Seq > 0 && edge.Seq > 0 {
			return last.Seq+1 == edge.Seq
		}
		return last.Key().Less(edge.Key())
	case opNext:
		first := page[0]
		if first.Seq > 0 && edge.Seq > 0 {
			return edge.Seq+1 == first.Seq
		}
		return edge.Key().Less(first.Key())
	}
	return false
}

func normalizePage(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		if m.ID == "" {
			continue
		}
		m.Pending = false
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b Message) int { return a.Key().Compare(b.Key()) })
	return slices.CompactFunc(out, func(a, b Message) bool { return a.ID == b.ID })
}

func oldestServer(s *Store) (Message, bool) {
	for i := 0; i < s.Len(); i++ {
		if m := s.At(i); !m.Pending {
			return m, true
		}
	}
	return Message{}, false
}

func newestServer(s *Store) (Message, bool) {
	for i := s.Len() - 1; i >= 0; i-- {
		if m := s.At(i); !m.Pending {
			return m, true
		}
	}
	return Message{}, false
}
