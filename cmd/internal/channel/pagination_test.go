package channel

import (
	"errors"
	"fmt"
	"testing"
)

func mustComplete(t *testing.T, c *Coordinator, s *Store, tk *ticket, p Page) mergeResult {
	t.Helper()
	if tk == nil {
		t.Fatalf("expected a ticket")
	}
	res, err := c.complete(s, tk, p, nil)
	if err != nil {
		t.Fatalf("complete %s: %v", tk.op, err)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	return res
}

func TestCoordinator_FirstPageSetsWindow(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()

	tk := c.beginFirst()
	if c.Phase() != PhaseLoadingFirstPage || tk.req.Anchor.Kind != AnchorLatest || tk.req.Limit != 10 {
		t.Fatalf("phase=%v req=%+v", c.Phase(), tk.req)
	}
	res := mustComplete(t, c, s, tk, Page{Messages: msgRange(11, 20), ReachedNewest: true})

	w := c.Window()
	if !res.replaced || !w.HasLoadedAllNext || w.HasLoadedAllPrevious {
		t.Fatalf("res=%+v window=%+v", res, w)
	}
	if w.OldestLoadedID != "m011" || w.NewestLoadedID != "m020" {
		t.Fatalf("window=%+v", w)
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase=%v want=idle", c.Phase())
	}
}

func TestCoordinator_PreviousBeforeLoadIsNotLoaded(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	if _, err := c.beginPrevious(s); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("err=%v want=ErrNotLoaded", err)
	}
	if _, err := c.beginNext(s); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("err=%v want=ErrNotLoaded", err)
	}
}

func TestCoordinator_SingleInFlight(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	mustComplete(t, c, s, c.beginFirst(), Page{Messages: msgRange(11, 20), ReachedNewest: true})

	tk, err := c.beginPrevious(s)
	if err != nil || tk == nil {
		t.Fatalf("first previous tk=%v err=%v", tk, err)
	}
	if again, err := c.beginPrevious(s); again != nil || err != nil {
		t.Fatalf("second previous tk=%v err=%v want no-op", again, err)
	}
	if first := c.beginFirst(); first != nil {
		t.Fatalf("first page while in flight must be a no-op")
	}
	if jt, idx := c.beginJump(s, "m001"); jt != nil || idx != -1 {
		t.Fatalf("jump while in flight tk=%v idx=%d", jt, idx)
	}
}

func TestCoordinator_ContiguousMerge(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	mustComplete(t, c, s, c.beginFirst(), Page{Messages: msgRange(21, 30), ReachedNewest: true})

	tk, _ := c.beginPrevious(s)
	if tk.req.Anchor != Before("m021") {
		t.Fatalf("anchor=%v want before:m021", tk.req.Anchor)
	}
	res := mustComplete(t, c, s, tk, Page{Messages: msgRange(11, 20)})
	if res.replaced || s.Len() != 20 || !c.Window().HasLoadedAllNext {
		t.Fatalf("res=%+v len=%d window=%+v", res, s.Len(), c.Window())
	}

	tk, _ = c.beginPrevious(s)
	mustComplete(t, c, s, tk, Page{Messages: msgRange(1, 10), ReachedOldest: true})
	if !c.Window().HasLoadedAllPrevious || s.Len() != 30 {
		t.Fatalf("window=%+v len=%d", c.Window(), s.Len())
	}

	if tk, err := c.beginPrevious(s); tk != nil || err != nil {
		t.Fatalf("previous at boundary tk=%v err=%v want no-op", tk, err)
	}
}

func TestCoordinator_SeqGapReplacesWindow(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	mustComplete(t, c, s, c.beginFirst(), Page{Messages: msgRange(21, 30), ReachedNewest: true})

	tk, _ := c.beginPrevious(s)
	// Server skipped 11..20: seq 10 is not adjacent to 21.
	res := mustComplete(t, c, s, tk, Page{Messages: msgRange(1, 10), ReachedOldest: true})

	w := c.Window()
	if !res.replaced {
		t.Fatalf("expected replacement")
	}
	if w.HasLoadedAllNext || !w.HasLoadedAllPrevious {
		t.Fatalf("window=%+v want next cleared, previous set", w)
	}
	if got := fmt.Sprint(idsOf(s.Range(0, s.Len()))); got != fmt.Sprint(idsOf(msgRange(1, 10))) {
		t.Fatalf("ids=%s", got)
	}
}

func TestCoordinator_EmptyPageSetsBoundary(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	tk, idx := c.beginJump(s, "m015")
	if idx != -1 || tk.req.Anchor != Around("m015") {
		t.Fatalf("jump tk=%+v idx=%d", tk, idx)
	}
	res := mustComplete(t, c, s, tk, Page{Messages: msgRange(10, 20)})
	if res.index != 5 {
		t.Fatalf("jump index=%d want=5", res.index)
	}
	if w := c.Window(); w.HasLoadedAllNext || w.HasLoadedAllPrevious {
		t.Fatalf("window=%+v want both open", w)
	}

	tk, _ = c.beginNext(s)
	if tk.req.Anchor != After("m020") {
		t.Fatalf("anchor=%v", tk.req.Anchor)
	}
	mustComplete(t, c, s, tk, Page{})
	if !c.Window().HasLoadedAllNext {
		t.Fatalf("empty next page must set HasLoadedAllNext")
	}

	tk, _ = c.beginPrevious(s)
	mustComplete(t, c, s, tk, Page{})
	if !c.Window().HasLoadedAllPrevious {
		t.Fatalf("empty previous page must set HasLoadedAllPrevious")
	}
	if s.Len() != 11 {
		t.Fatalf("len=%d want=11", s.Len())
	}
}

func TestCoordinator_JumpMissKeepsWindow(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	mustComplete(t, c, s, c.beginFirst(), Page{Messages: msgRange(21, 30), ReachedNewest: true})

	tk, _ := c.beginJump(s, "ghost")
	_, err := c.complete(s, tk, Page{Messages: msgRange(1, 10)}, nil)
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err=%v want=ErrMessageNotFound", err)
	}
	if c.Phase() != PhaseIdle || c.InFlight() {
		t.Fatalf("phase=%v inflight=%v", c.Phase(), c.InFlight())
	}
	if w := c.Window(); w.OldestLoadedID != "m021" || !w.HasLoadedAllNext {
		t.Fatalf("window=%+v", w)
	}
}

func TestCoordinator_FailureClassification(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	c := NewCoordinator("c1", 10)
	s := NewStore()

	err := c.fail(c.beginFirst(), boom)
	if !IsInitialLoad(err) || !errors.Is(err, boom) || c.Phase() != PhaseError {
		t.Fatalf("err=%v phase=%v", err, c.Phase())
	}
	if _, err := c.beginPrevious(s); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("previous after initial failure err=%v", err)
	}

	mustComplete(t, c, s, c.beginFirst(), Page{Messages: msgRange(21, 30), ReachedNewest: true})
	if c.Err() != nil {
		t.Fatalf("err not cleared: %v", c.Err())
	}

	tk, _ := c.beginPrevious(s)
	err = c.fail(tk, boom)
	var fe FetchError
	if !IsTransient(err) || !errors.As(err, &fe) || fe.Anchor != Before("m021") {
		t.Fatalf("err=%v", err)
	}
	if c.Phase() != PhaseIdle || s.Len() != 10 {
		t.Fatalf("phase=%v len=%d", c.Phase(), s.Len())
	}
}

func TestConnects(t *testing.T) {
	t.Parallel()

	c := NewCoordinator("c1", 10)
	s := NewStore()
	s.Reset(msgRange(10, 20))

	noSeq := func(msgs []Message) []Message {
		out := append([]Message(nil), msgs...)
		for i := range out {
			out[i].Seq = 0
		}
		return out
	}

	cases := []struct {
		name string
		page []Message
		dir  loadOp
		want bool
	}{
		{"overlap", msgRange(5, 10), opPrevious, true},
		{"adjacent seq before", msgRange(5, 9), opPrevious, true},
		{"seq gap before", msgRange(1, 8), opPrevious, false},
		{"adjacent seq after", msgRange(21, 25), opNext, true},
		{"seq gap after", msgRange(23, 25), opNext, false},
		{"no seq strictly before", noSeq(msgRange(1, 8)), opPrevious, true},
		{"no seq not beyond edge", noSeq(msgRange(1, 8)), opNext, false},
	}
	for _, tc := range cases {
		if got := c.connects(s, tc.page, tc.dir); got != tc.want {
			t.Fatalf("%s: connects=%v want=%v", tc.name, got, tc.want)
		}
	}
}

// tombstoned returns a copy of msgs with the given sequence numbers marked deleted.
func tombstoned(msgs []Message, seqs ...int64) []Message {
	out := append([]Message(nil), msgs...)
	for i := range out {
		for _, n := range seqs {
			if out[i].Seq == n {
				out[i].Deleted = true
				out[i].Text = ""
			}
		}
	}
	return out
}

func TestCoordinator_DeletedMessagesFollowPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		keep       bool
		wantFirst  int
		wantMerged int
	}{
		{keep: false, wantFirst: 8, wantMerged: 12},
		{keep: true, wantFirst: 10, wantMerged: 20},
	}
	for _, tc := range cases {
		c := NewCoordinator("c1", 10)
		c.keepTombstones = tc.keep
		s := NewStore()

		mustComplete(t, c, s, c.beginFirst(), Page{Messages: tombstoned(msgRange(11, 20), 15, 20), ReachedNewest: true})
		if s.Len() != tc.wantFirst {
			t.Fatalf("keep=%v first len=%d want=%d", tc.keep, s.Len(), tc.wantFirst)
		}
		if !tc.keep && (s.Contains("m015") || s.Contains("m020")) {
			t.Fatalf("keep=%v tombstones entered the store: %v", tc.keep, s.Snapshot().IDs())
		}

		// Only tombstones, overlapping the stored m011 which was deleted since.
		tk, _ := c.beginPrevious(s)
		mustComplete(t, c, s, tk, Page{Messages: tombstoned(msgRange(6, 11), 6, 7, 8, 9, 10, 11)})
		i := s.IndexOf("m011")
		if tc.keep && (i < 0 || !s.At(i).Deleted) {
			t.Fatalf("keep=%v m011 index=%d want tombstone", tc.keep, i)
		}
		if !tc.keep && i >= 0 {
			t.Fatalf("keep=%v m011 still stored", tc.keep)
		}

		tk, _ = c.beginPrevious(s)
		if tk == nil || tk.req.Anchor != Before("m006") {
			t.Fatalf("keep=%v previous ticket=%+v want anchor before m006", tc.keep, tk)
		}
		mustComplete(t, c, s, tk, Page{Messages: msgRange(1, 5), ReachedOldest: true})
		if s.Len() != tc.wantMerged || !c.Window().HasLoadedAllPrevious {
			t.Fatalf("keep=%v len=%d want=%d window=%+v", tc.keep, s.Len(), tc.wantMerged, c.Window())
		}
	}
}

func TestCoordinator_JumpToDeletedMessage(t *testing.T) {
	t.Parallel()

	for _, keep := range []bool{false, true} {
		c := NewCoordinator("c1", 10)
		c.keepTombstones = keep
		s := NewStore()

		tk, _ := c.beginJump(s, "m003")
		res, err := c.complete(s, tk, Page{Messages: tombstoned(msgRange(1, 10), 3), ReachedOldest: true}, nil)
		if keep {
			if err != nil || res.index != 2 || !s.At(2).Deleted {
				t.Fatalf("keep=%v res=%+v err=%v", keep, res, err)
			}
			continue
		}
		if !errors.Is(err, ErrMessageNotFound) || s.Len() != 0 {
			t.Fatalf("keep=%v err=%v len=%d want ErrMessageNotFound", keep, err, s.Len())
		}
	}
}
