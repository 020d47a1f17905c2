package banlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func seedBans(t *testing.T, st Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		b := Ban{
			ChannelID:  "c1",
			UserID:     fmt.Sprintf("u%02d", i),
			BannedByID: "mod",
			Reason:     "spam",
			CreatedAt:  t0.Add(time.Duration(i) * time.Minute),
		}
		if i%2 == 1 {
			b.ChannelID = "c2"
			b.Reason = "Rude Language"
		}
		if err := st.PutBan(context.Background(), b); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
}

func users(bans []Ban) string {
	out := make([]string, 0, len(bans))
	for _, b := range bans {
		out = append(out, b.UserID)
	}
	return strings.Join(out, ",")
}

func TestFilter_Match(t *testing.T) {
	t.Parallel()

	b := Ban{ChannelID: "c1", UserID: "u1", BannedByID: "mod", Reason: "Spam links", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}

	tests := []struct {
		name string
		f    Filter
		want bool
	}{
		{name: "zero", f: Filter{}, want: true},
		{name: "channel", f: Filter{ChannelID: "c1"}, want: true},
		{name: "other channel", f: Filter{ChannelID: "c2"}, want: false},
		{name: "reason substring", f: Filter{Reason: "spam"}, want: true},
		{name: "created after", f: Filter{CreatedAfter: t0}, want: false},
		{name: "created before", f: Filter{CreatedBefore: t0.Add(time.Second)}, want: true},
		{name: "active", f: Filter{ActiveAt: t0.Add(time.Minute)}, want: true},
		{name: "expired", f: Filter{ActiveAt: t0.Add(2 * time.Hour)}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.f.Match(b); got != tt.want {
				t.Fatalf("match=%v want=%v", got, tt.want)
			}
		})
	}
}

func TestMemoryStore_ListBans(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	seedBans(t, st, 6)
	ctx := context.Background()

	got, err := st.ListBans(ctx, Query{}, 0, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if users(got) != "u05,u04,u03" {
		t.Fatalf("default order=%s want=u05,u04,u03", users(got))
	}

	got, _ = st.ListBans(ctx, Query{Filter: Filter{ChannelID: "c2"}, Ascending: true}, 1, 10)
	if users(got) != "u03,u05" {
		t.Fatalf("filtered=%s want=u03,u05", users(got))
	}

	got, _ = st.ListBans(ctx, Query{Filter: Filter{Reason: "rude"}}, 10, 10)
	if len(got) != 0 {
		t.Fatalf("past end=%s want empty", users(got))
	}

	if ok, _ := st.RemoveBan(ctx, "c1", "u00"); !ok {
		t.Fatalf("remove existing reported false")
	}
	if ok, _ := st.RemoveBan(ctx, "c1", "u00"); ok {
		t.Fatalf("remove missing reported true")
	}
	if err := st.PutBan(ctx, Ban{UserID: "x"}); !errors.Is(err, ErrInvalidBan) {
		t.Fatalf("err=%v want=%v", err, ErrInvalidBan)
	}
}

func TestController_Pages(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	seedBans(t, st, 7)
	c := NewController(st, Query{PageSize: 3, Ascending: true}, nil)
	ctx := context.Background()

	// Paging starts at offset zero even without a first page.
	if err := c.LoadNextPage(ctx); err != nil {
		t.Fatalf("next before first: %v", err)
	}
	if got := users(c.Bans()); got != "u00,u01,u02" {
		t.Fatalf("bans=%s want=u00,u01,u02", got)
	}

	c = NewController(st, Query{PageSize: 3, Ascending: true}, nil)
	if err := c.LoadFirstPage(ctx); err != nil {
		t.Fatalf("first: %v", err)
	}
	for !c.HasLoadedAll() {
		if err := c.LoadNextPage(ctx); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if got := users(c.Bans()); got != "u00,u01,u02,u03,u04,u05,u06" {
		t.Fatalf("bans=%s", got)
	}

	// Reloading resets the list.
	if err := c.LoadFirstPage(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := users(c.Bans()); got != "u00,u01,u02" || c.HasLoadedAll() {
		t.Fatalf("after reload bans=%s loaded_all=%v", got, c.HasLoadedAll())
	}
}

type blockingSource struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (s *blockingSource) ListBans(ctx context.Context, q Query, offset, limit int) ([]Ban, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.started <- struct{}{}
	<-s.release
	return []Ban{{ChannelID: "c1", UserID: "u1"}}, nil
}

func TestController_SingleInFlight(t *testing.T) {
	t.Parallel()

	src := &blockingSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewController(src, Query{}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- c.LoadFirstPage(ctx) }()
	<-src.started

	if err := c.LoadFirstPage(ctx); err != nil {
		t.Fatalf("concurrent load err=%v", err)
	}
	if err := c.LoadNextPage(ctx); err != nil {
		t.Fatalf("concurrent next err=%v", err)
	}
	close(src.release)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}

	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	if calls != 1 {
		t.Fatalf("calls=%d want=1", calls)
	}
	if len(c.Bans()) != 1 || !c.HasLoadedAll() {
		t.Fatalf("bans=%d loaded_all=%v", len(c.Bans()), c.HasLoadedAll())
	}
}

func TestFilterSQL(t *testing.T) {
	t.Parallel()

	where, args := filterSQL(Filter{ChannelID: "c1", Reason: "spam", ActiveAt: t0})
	if !strings.Contains(where, "channel_id = $1") || !strings.Contains(where, "lower($2)") || !strings.Contains(where, "expires_at > $3") {
		t.Fatalf("where=%q", where)
	}
	if len(args) != 3 {
		t.Fatalf("args=%d want=3", len(args))
	}
	if where, args := filterSQL(Filter{}); where != "" || args != nil {
		t.Fatalf("empty filter where=%q args=%v", where, args)
	}
}
