package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/cmd/internal/channel"
	v1 "chatsync/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// fakeServer is a minimal realtime server: it acks hello, echoes joins,
// answers history fetches and records everything the client writes.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	received []v1.Envelope
	conns    []*websocket.Conn
	sessions int

	history     []v1.MessagePayload
	historyErr  string
	dropOnFetch bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	return fs, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	ctx := r.Context()

	hello, err := readEnvelope(ctx, conn)
	if err != nil || hello.Type != v1.TypeHello {
		_ = conn.Close(websocket.StatusProtocolError, "expected hello")
		return
	}

	fs.mu.Lock()
	fs.sessions++
	sid := "sess-" + string(rune('0'+fs.sessions))
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	fs.write(ctx, conn, v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sid, UserID: "me"})

	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.received = append(fs.received, env)
		history := append([]v1.MessagePayload(nil), fs.history...)
		historyErr := fs.historyErr
		drop := fs.dropOnFetch
		fs.mu.Unlock()

		switch env.Type {
		case v1.TypeConversationJoin:
			var p v1.ConversationJoinPayload
			_ = json.Unmarshal(env.Payload, &p)
			fs.write(ctx, conn, v1.TypeConversationJoin, p)

		case v1.TypeConversationHistoryFetch:
			var p v1.ConversationHistoryFetchPayload
			_ = json.Unmarshal(env.Payload, &p)
			if drop {
				_ = conn.Close(websocket.StatusGoingAway, "drop")
				return
			}
			if historyErr != "" {
				fs.write(ctx, conn, v1.TypeError, v1.ErrorPayload{Code: historyErr, Message: "nope", RequestID: p.RequestID})
				continue
			}
			fs.write(ctx, conn, v1.TypeConversationHistoryChunk, v1.ConversationHistoryChunkPayload{
				ConversationID: p.ConversationID,
				RequestID:      p.RequestID,
				Messages:       history,
				ReachedOldest:  true,
				ReachedNewest:  true,
			})
		}
	}
}

func (fs *fakeServer) write(ctx context.Context, conn *websocket.Conn, typ string, payload any) {
	env, err := v1.New(typ, "srv-"+typ, time.Now().UTC(), payload)
	if err != nil {
		fs.t.Errorf("build %s: %v", typ, err)
		return
	}
	_ = writeEnvelope(ctx, conn, env, time.Second)
}

// push sends an envelope on the most recent connection.
func (fs *fakeServer) push(typ string, payload any) {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	fs.write(context.Background(), conn, typ, payload)
}

// kick closes the most recent connection.
func (fs *fakeServer) kick() {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "kick")
}

func (fs *fakeServer) sessionCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sessions
}

func (fs *fakeServer) receivedOf(typ string) []v1.Envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []v1.Envelope
	for _, env := range fs.received {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type recordingSink struct {
	ch chan channel.Event
}

func newRecordingSink() *recordingSink { return &recordingSink{ch: make(chan channel.Event, 16)} }

func (s *recordingSink) Deliver(_ context.Context, ev channel.Event) error {
	s.ch <- ev
	return nil
}

func newTestClient(srv *httptest.Server, opts WSOptions) *WSClient {
	opts.URL = wsURL(srv)
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}
	return NewWSClient(slog.New(slog.DiscardHandler), opts)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWSClient_ConnectJoinAndDeliver(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	c := newTestClient(srv, WSOptions{Token: "tok"})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := c.SessionID(); got != "sess-1" {
		t.Fatalf("session=%q want=sess-1", got)
	}

	sink := newRecordingSink()
	if err := c.Join(ctx, "c1", sink); err != nil {
		t.Fatalf("join: %v", err)
	}

	fs.push(v1.TypeMessageNew, v1.MessagePayload{
		ConversationID: "c1",
		ServerMsgID:    "m1",
		Seq:            1,
		Sender:         "u2",
		Text:           "hi",
		ServerTS:       time.Unix(100, 0).UTC(),
	})
	fs.push(v1.TypeMessageNew, v1.MessagePayload{ConversationID: "other", ServerMsgID: "x", Sender: "u2", ServerTS: time.Unix(1, 0).UTC()})
	fs.push(v1.TypeTypingStart, v1.TypingPayload{ConversationID: "c1", UserID: "u2"})

	select {
	case ev := <-sink.ch:
		if ev.Kind != channel.EventMessageCreated || ev.Message.ID != "m1" || ev.Message.Text != "hi" {
			t.Fatalf("event=%+v want message.created m1", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no event delivered")
	}

	select {
	case ev := <-sink.ch:
		if ev.Kind != channel.EventTypingStarted || ev.UserID != "u2" {
			t.Fatalf("event=%+v want typing.started u2", ev)
		}
	case <-ctx.Done():
		t.Fatalf("no typing event delivered")
	}
}

func TestWSClient_FetchPage(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	fs.history = []v1.MessagePayload{
		{ConversationID: "c1", ServerMsgID: "m1", Seq: 1, Sender: "u2", Text: "a", ServerTS: time.Unix(100, 0).UTC()},
		{ConversationID: "c1", ServerMsgID: "m2", Seq: 2, Sender: "u2", Text: "b", ServerTS: time.Unix(101, 0).UTC()},
	}

	c := newTestClient(srv, WSOptions{})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	page, err := c.FetchPage(ctx, channel.PageRequest{ChannelID: "c1", Anchor: channel.Before("m3"), Limit: 10})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Messages) != 2 || page.Messages[0].ID != "m1" || page.Messages[1].ID != "m2" {
		t.Fatalf("page=%+v", page.Messages)
	}
	if !page.ReachedOldest || !page.ReachedNewest {
		t.Fatalf("reached flags=%v/%v want=true/true", page.ReachedOldest, page.ReachedNewest)
	}

	sent := fs.receivedOf(v1.TypeConversationHistoryFetch)
	if len(sent) != 1 {
		t.Fatalf("fetches=%d want=1", len(sent))
	}
	var p v1.ConversationHistoryFetchPayload
	if err := json.Unmarshal(sent[0].Payload, &p); err != nil {
		t.Fatalf("decode fetch: %v", err)
	}
	if p.Anchor != v1.AnchorBefore || p.ServerMsgID != "m3" || p.Limit != 10 || p.RequestID == "" {
		t.Fatalf("fetch payload=%+v", p)
	}
}

func TestWSClient_FetchPage_RemoteError(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	fs.historyErr = "forbidden"

	c := newTestClient(srv, WSOptions{})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.FetchPage(ctx, channel.PageRequest{ChannelID: "c1", Anchor: channel.Latest(), Limit: 10})
	var remote RemoteError
	if !errors.As(err, &remote) || remote.Code != "forbidden" {
		t.Fatalf("err=%v want RemoteError forbidden", err)
	}
}

func TestWSClient_FetchPage_Disconnected(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	fs.dropOnFetch = true

	c := newTestClient(srv, WSOptions{})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := c.FetchPage(ctx, channel.PageRequest{ChannelID: "c1", Anchor: channel.Latest(), Limit: 10})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("err=%v want=%v", err, ErrDisconnected)
	}
}

func TestWSClient_NotConnected(t *testing.T) {
	t.Parallel()

	c := NewWSClient(slog.New(slog.DiscardHandler), WSOptions{URL: "ws://127.0.0.1:1"})
	ctx := context.Background()

	if _, err := c.FetchPage(ctx, channel.PageRequest{ChannelID: "c1", Anchor: channel.Latest()}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("fetch err=%v want=%v", err, ErrNotConnected)
	}
	if err := c.SendTyping(ctx, "c1", false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("typing err=%v want=%v", err, ErrNotConnected)
	}
	// Joining while offline only records the channel.
	if err := c.Join(ctx, "c1", newRecordingSink()); err != nil {
		t.Fatalf("offline join err=%v", err)
	}
}

func TestWSClient_SendTyping_Throttled(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)
	c := newTestClient(srv, WSOptions{TypingEvery: time.Hour})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := c.SendTyping(ctx, "c1", true); err != nil {
			t.Fatalf("typing start: %v", err)
		}
	}
	if err := c.SendTyping(ctx, "c1", false); err != nil {
		t.Fatalf("typing stop: %v", err)
	}
	if err := c.SendMessage(ctx, channel.Message{ChannelID: "c1", ClientMsgID: "local-1", Text: "hey"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "message_send", func() bool { return len(fs.receivedOf(v1.TypeMessageSend)) == 1 })

	if got := len(fs.receivedOf(v1.TypeTypingStart)); got != 1 {
		t.Fatalf("typing_start=%d want=1", got)
	}
	if got := len(fs.receivedOf(v1.TypeTypingStop)); got != 1 {
		t.Fatalf("typing_stop=%d want=1", got)
	}
}

func TestWSClient_Run_ReconnectsAndRejoins(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeServer(t)

	var reconnects atomic.Int32
	reconnected := make(chan string, 4)
	c := newTestClient(srv, WSOptions{
		NewBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) },
		OnReconnect: func(_ context.Context, id string) {
			reconnects.Add(1)
			reconnected <- id
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, "first session", c.Connected)
	if err := c.Join(ctx, "c1", newRecordingSink()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if reconnects.Load() != 0 {
		t.Fatalf("reconnect hook ran on first connect")
	}

	fs.kick()

	select {
	case id := <-reconnected:
		if id != "c1" {
			t.Fatalf("reconnected channel=%q want=c1", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reconnect")
	}
	if fs.sessionCount() < 2 {
		t.Fatalf("sessions=%d want>=2", fs.sessionCount())
	}
	waitFor(t, "rejoin", func() bool { return len(fs.receivedOf(v1.TypeConversationJoin)) >= 2 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v want=%v", err, context.Canceled)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
}
