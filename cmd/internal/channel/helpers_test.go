package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var testBase = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// msgN is message n of a synthetic channel: id m%03d, created n seconds after testBase.
func msgN(n int) Message {
	at := testBase.Add(time.Duration(n) * time.Second)
	return Message{
		ID:        fmt.Sprintf("m%03d", n),
		ChannelID: "c1",
		AuthorID:  "u-other",
		Text:      fmt.Sprintf("text %d", n),
		CreatedAt: at,
		UpdatedAt: at,
		Seq:       int64(n),
	}
}

func msgRange(from, to int) []Message {
	out := make([]Message, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, msgN(i))
	}
	return out
}

func idsOf(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sameMessages(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// fakeHistory serves pages from an ordered slice.
type fakeHistory struct {
	mu      sync.Mutex
	msgs    []Message
	calls   []PageRequest
	failErr error

	// When gate is set, FetchPage reports the request on started and waits for gate.
	gate    chan struct{}
	started chan PageRequest
}

func newFakeHistory(msgs []Message) *fakeHistory {
	return &fakeHistory{msgs: msgs}
}

func (f *fakeHistory) block() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan PageRequest, 8)
	f.mu.Unlock()
}

func (f *fakeHistory) release() {
	f.mu.Lock()
	g := f.gate
	f.gate = nil
	f.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func (f *fakeHistory) setFail(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeHistory) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate, started := f.gate, f.started
	failErr := f.failErr
	msgs := append([]Message(nil), f.msgs...)
	f.mu.Unlock()

	if gate != nil {
		started <- req
		select {
		case <-gate:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	if failErr != nil {
		return Page{}, failErr
	}

	idx := func(id string) int {
		for i, m := range msgs {
			if m.ID == id {
				return i
			}
		}
		return -1
	}
	limit := req.Limit
	n := len(msgs)

	var start, end int
	switch req.Anchor.Kind {
	case AnchorLatest:
		start, end = max(0, n-limit), n
	case AnchorBefore:
		i := idx(req.Anchor.ID)
		if i < 0 {
			return Page{}, errors.New("anchor not found")
		}
		start, end = max(0, i-limit), i
	case AnchorAfter:
		i := idx(req.Anchor.ID)
		if i < 0 {
			return Page{}, errors.New("anchor not found")
		}
		start, end = i+1, min(n, i+1+limit)
	case AnchorAround:
		i := idx(req.Anchor.ID)
		if i < 0 {
			return Page{}, nil
		}
		start = max(0, i-limit/2)
		end = min(n, start+limit)
	}
	return Page{
		Messages:      append([]Message(nil), msgs[start:end]...),
		ReachedOldest: start == 0,
		ReachedNewest: end == n,
	}, nil
}

func openTest(t *testing.T, f Fetcher, cfg Config) *Channel {
	t.Helper()
	if cfg.CurrentUserID == "" {
		cfg.CurrentUserID = "me"
	}
	c := Open("c1", f, cfg)
	t.Cleanup(c.Close)
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustFlush(t *testing.T, c *Channel) {
	t.Helper()
	if err := c.Flush(testCtx(t)); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// nextUpdate waits for the next update with the given cause.
func nextUpdate(t *testing.T, sub *Subscription, cause Cause) Update {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", cause)
			}
			if u.Cause == cause {
				return u
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s update", cause)
		}
	}
}
