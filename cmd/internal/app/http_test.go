package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/cmd/internal/history"
)

func newTestApp(t *testing.T) (*App, *httptest.Server) {
	t.Helper()

	cfg := Config{
		UserID:        "me",
		HistorySource: SourceMemory,
		PageSize:      10,
	}
	a, err := New(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return a, srv
}

func seedMessages(t *testing.T, a *App, channelID string, n int) []string {
	t.Helper()
	base := time.Now().Add(-time.Hour).UTC()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res, err := a.store.Append(context.Background(), history.AppendInput{
			ChannelID:   channelID,
			ClientMsgID: fmt.Sprintf("seed-%d", i),
			AuthorID:    "bob",
			Text:        fmt.Sprintf("m%d", i),
			Now:         base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		out = append(out, res.Message.ID)
	}
	return out
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, wantStatus int, out any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, raw)
		}
	}
}

func flush(t *testing.T, a *App, channelID string) {
	t.Helper()
	ch, ok := a.registry.Get(channelID)
	if !ok {
		t.Fatalf("channel %s not open", channelID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func texts(st stateView) string {
	out := make([]string, 0, len(st.Messages))
	for _, m := range st.Messages {
		out = append(out, m.Text)
	}
	return strings.Join(out, ",")
}

func TestHTTP_ChannelLifecycle(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t)
	seeded := seedMessages(t, a, "c1", 3)

	var st stateView
	doJSON(t, srv, http.MethodPut, "/v1/channels/c1", nil, http.StatusOK, &st)
	if st.Phase != "idle" || texts(st) != "m0,m1,m2" {
		t.Fatalf("phase=%s texts=%s", st.Phase, texts(st))
	}
	if !st.Window.HasLoadedAllNext || !st.Window.HasLoadedAllPrevious {
		t.Fatalf("window=%+v want both ends loaded", st.Window)
	}
	if st.Unread.Count != 3 || st.Unread.FirstUnreadID != seeded[0] {
		t.Fatalf("unread=%+v want count=3 first=%s", st.Unread, seeded[0])
	}

	var sent messageView
	doJSON(t, srv, http.MethodPost, "/v1/channels/c1/messages", map[string]string{"text": "hi"}, http.StatusCreated, &sent)
	if sent.AuthorID != "me" || sent.Pending || sent.ID == "" {
		t.Fatalf("sent=%+v", sent)
	}
	flush(t, a, "c1")

	doJSON(t, srv, http.MethodGet, "/v1/channels/c1", nil, http.StatusOK, &st)
	if texts(st) != "m0,m1,m2,hi" {
		t.Fatalf("texts=%s want=m0,m1,m2,hi", texts(st))
	}
	for _, m := range st.Messages {
		if m.Pending {
			t.Fatalf("message %s still pending", m.ID)
		}
	}

	var read struct {
		Marker  markerView `json:"marker"`
		Changed bool       `json:"changed"`
		Unread  int        `json:"unread"`
	}
	doJSON(t, srv, http.MethodPost, "/v1/channels/c1/read", nil, http.StatusOK, &read)
	if !read.Changed || read.Unread != 0 || read.Marker.LastReadMessageID != sent.ID {
		t.Fatalf("read=%+v want changed, unread=0, marker=%s", read, sent.ID)
	}
	doJSON(t, srv, http.MethodPost, "/v1/channels/c1/read", nil, http.StatusOK, &read)
	if read.Changed {
		t.Fatalf("second read moved the marker")
	}

	var edited messageView
	doJSON(t, srv, http.MethodPatch, "/v1/channels/c1/messages/"+seeded[1], map[string]string{"text": "m1-edited"}, http.StatusOK, &edited)
	if edited.Text != "m1-edited" {
		t.Fatalf("edited=%+v", edited)
	}
	doJSON(t, srv, http.MethodDelete, "/v1/channels/c1/messages/"+seeded[0], nil, http.StatusNoContent, nil)
	flush(t, a, "c1")

	doJSON(t, srv, http.MethodGet, "/v1/channels/c1", nil, http.StatusOK, &st)
	if texts(st) != "m1-edited,m2,hi" {
		t.Fatalf("texts=%s want=m1-edited,m2,hi", texts(st))
	}

	var jump struct {
		Index int       `json:"index"`
		State stateView `json:"state"`
	}
	doJSON(t, srv, http.MethodPost, "/v1/channels/c1/jump", map[string]string{"message_id": seeded[2]}, http.StatusOK, &jump)
	if jump.Index != 1 {
		t.Fatalf("jump index=%d want=1", jump.Index)
	}
	doJSON(t, srv, http.MethodPost, "/v1/channels/c1/jump", map[string]string{"message_id": "missing"}, http.StatusNotFound, nil)

	var list struct {
		Channels []string `json:"channels"`
	}
	doJSON(t, srv, http.MethodGet, "/v1/channels", nil, http.StatusOK, &list)
	if len(list.Channels) != 1 || list.Channels[0] != "c1" {
		t.Fatalf("channels=%v", list.Channels)
	}

	doJSON(t, srv, http.MethodDelete, "/v1/channels/c1", nil, http.StatusNoContent, nil)
	doJSON(t, srv, http.MethodGet, "/v1/channels/c1", nil, http.StatusNotFound, nil)
	doJSON(t, srv, http.MethodDelete, "/v1/channels/c1", nil, http.StatusNotFound, nil)
}

func TestHTTP_Errors(t *testing.T) {
	t.Parallel()

	a, srv := newTestApp(t)
	seedMessages(t, a, "c2", 1)
	doJSON(t, srv, http.MethodPut, "/v1/channels/c2", nil, http.StatusOK, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown channel", method: http.MethodGet, path: "/v1/channels/nope", want: http.StatusNotFound},
		{name: "bad channel id", method: http.MethodPut, path: "/v1/channels/a.b", want: http.StatusBadRequest},
		{name: "bad direction", method: http.MethodPost, path: "/v1/channels/c2/load", body: map[string]string{"direction": "sideways"}, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/channels/c2/load", body: map[string]string{"dir": "next"}, want: http.StatusBadRequest},
		{name: "empty text", method: http.MethodPost, path: "/v1/channels/c2/messages", body: map[string]string{"text": " "}, want: http.StatusBadRequest},
		{name: "missing jump id", method: http.MethodPost, path: "/v1/channels/c2/jump", body: map[string]string{}, want: http.StatusBadRequest},
		{name: "typing without realtime", method: http.MethodPost, path: "/v1/channels/c2/typing", body: map[string]bool{"typing": true}, want: http.StatusNotImplemented},
		{name: "edit unknown message", method: http.MethodPatch, path: "/v1/channels/c2/messages/nope", body: map[string]string{"text": "x"}, want: http.StatusNotFound},
		{name: "load previous at oldest", method: http.MethodPost, path: "/v1/channels/c2/load", body: map[string]string{"direction": "previous"}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doJSON(t, srv, tt.method, tt.path, tt.body, tt.want, nil)
		})
	}
}

func TestHTTP_Bans(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t)

	doJSON(t, srv, http.MethodPut, "/v1/bans/c1/u1", map[string]string{"reason": "Spam", "banned_by_id": "mod"}, http.StatusOK, nil)
	doJSON(t, srv, http.MethodPut, "/v1/bans/c1/u2", map[string]string{"reason": "rude"}, http.StatusOK, nil)
	doJSON(t, srv, http.MethodPut, "/v1/bans/c2/u1", map[string]string{"reason": "spam again"}, http.StatusOK, nil)

	var resp struct {
		Bans []struct {
			ChannelID string `json:"channel_id"`
			UserID    string `json:"user_id"`
		} `json:"bans"`
		HasLoadedAll bool `json:"has_loaded_all"`
	}
	doJSON(t, srv, http.MethodGet, "/v1/bans?reason=spam&active=true", nil, http.StatusOK, &resp)
	if len(resp.Bans) != 2 || !resp.HasLoadedAll {
		t.Fatalf("bans=%+v loaded_all=%v", resp.Bans, resp.HasLoadedAll)
	}

	doJSON(t, srv, http.MethodGet, "/v1/bans?page_size=1", nil, http.StatusOK, &resp)
	if len(resp.Bans) != 1 || resp.HasLoadedAll {
		t.Fatalf("single page bans=%d loaded_all=%v", len(resp.Bans), resp.HasLoadedAll)
	}
	doJSON(t, srv, http.MethodGet, "/v1/bans?page_size=1&pages=5", nil, http.StatusOK, &resp)
	if len(resp.Bans) != 3 || !resp.HasLoadedAll {
		t.Fatalf("all pages bans=%d loaded_all=%v", len(resp.Bans), resp.HasLoadedAll)
	}

	doJSON(t, srv, http.MethodGet, "/v1/bans?page_size=zero", nil, http.StatusBadRequest, nil)

	doJSON(t, srv, http.MethodDelete, "/v1/bans/c1/u1", nil, http.StatusNoContent, nil)
	doJSON(t, srv, http.MethodDelete, "/v1/bans/c1/u1", nil, http.StatusNotFound, nil)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	_, srv := newTestApp(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status=%d want=200", path, resp.StatusCode)
		}
	}

	doJSON(t, srv, http.MethodPut, "/v1/channels/m1", nil, http.StatusOK, nil)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"chatsync_channels_open 1", "chatsync_channel_fetches_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}
