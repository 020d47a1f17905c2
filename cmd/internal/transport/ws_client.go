package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"chatsync/cmd/internal/channel"
	"chatsync/cmd/internal/ids"
	v1 "chatsync/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const (
	wsMaxFrameBytes = 1 << 20 // 1 MiB

	wsDefaultDialTimeout    = 10 * time.Second
	wsDefaultWriteTimeout   = 5 * time.Second
	wsDefaultRequestTimeout = 15 * time.Second

	wsDefaultHeartbeatEvery   = 25 * time.Second
	wsDefaultHeartbeatTimeout = 5 * time.Second
	wsMaxPingFailures         = 3

	wsDefaultTypingEvery = 3 * time.Second
)

// Sink receives decoded channel events. *channel.Channel implements it.
type Sink interface {
	Deliver(ctx context.Context, ev channel.Event) error
}

// WSOptions configures a WSClient.
type WSOptions struct {
	URL    string
	Origin string
	// Token is sent opaquely in the hello payload.
	Token string

	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// TypingEvery is the minimum interval between typing_start events per channel.
	TypingEvery time.Duration

	// NewBackOff builds the reconnect policy. Defaults to an exponential backoff without a deadline.
	NewBackOff func() backoff.BackOff

	// OnReconnect runs once per joined channel after a session was re-established.
	OnReconnect func(ctx context.Context, channelID string)
}

// session is one established websocket connection.
type session struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.cancel()
		_ = s.conn.Close(code, reason)
		close(s.done)
	})
}

// WSClient speaks the realtime protocol to one server.
//
// It delivers channel events to joined sinks, serves history requests for the channel actors
// (it implements channel.Fetcher) and reconnects with backoff when run through Run.
type WSClient struct {
	opts WSOptions
	log  *slog.Logger

	mu      sync.Mutex
	sess    *session
	joined  map[string]Sink
	waiters map[string]chan v1.Envelope
	typing  map[string]*rate.Limiter
}

// NewWSClient constructs a client. Nothing is dialed until Connect or Run.
func NewWSClient(log *slog.Logger, opts WSOptions) *WSClient {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = wsDefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = wsDefaultWriteTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = wsDefaultRequestTimeout
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = wsDefaultHeartbeatEvery
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = wsDefaultHeartbeatTimeout
	}
	if opts.TypingEvery <= 0 {
		opts.TypingEvery = wsDefaultTypingEvery
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &WSClient{
		opts:    opts,
		log:     log,
		joined:  make(map[string]Sink),
		waiters: make(map[string]chan v1.Envelope),
		typing:  make(map[string]*rate.Limiter),
	}
}

// Connected reports whether a session is established.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// SessionID returns the server-assigned id of the current session.
func (c *WSClient) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.id
}

// Connect dials, performs the hello handshake and rejoins known channels.
func (c *WSClient) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

// Run keeps a session alive until ctx is done, reconnecting with backoff.
// After every reconnect OnReconnect is invoked for each joined channel.
func (c *WSClient) Run(ctx context.Context) error {
	first := true
	for {
		var s *session
		b := backoff.WithContext(c.opts.NewBackOff(), ctx)
		err := backoff.RetryNotify(func() error {
			var err error
			s, err = c.connect(ctx)
			return err
		}, b, func(err error, wait time.Duration) {
			c.log.Warn("ws.dial.fail", "url", c.opts.URL, "retry_in", wait.String(), "err", err)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if !first && c.opts.OnReconnect != nil {
			for _, id := range c.joinedIDs() {
				go c.opts.OnReconnect(ctx, id)
			}
		}
		first = false

		select {
		case <-ctx.Done():
			s.close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()
		case <-s.done:
			c.log.Warn("ws.session.lost", "session_id", s.id)
		}
	}
}

// Close terminates the current session.
func (c *WSClient) Close() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s != nil {
		s.close(websocket.StatusNormalClosure, "bye")
	}
}

func (c *WSClient) connect(ctx context.Context) (*session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(c.opts.Origin) != "" {
		h.Set("Origin", c.opts.Origin)
	}

	conn, resp, err := websocket.Dial(dctx, c.opts.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	hello, err := v1.New(v1.TypeHello, ids.NewEnvelopeID(time.Now()), time.Now().UTC(), v1.HelloPayload{Token: c.opts.Token})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello")
		return nil, err
	}
	if err := writeEnvelope(dctx, conn, hello, c.opts.WriteTimeout); err != nil {
		_ = conn.Close(websocket.StatusAbnormalClosure, "hello failed")
		return nil, fmt.Errorf("write hello: %w", err)
	}

	sessionID, err := awaitHelloAck(dctx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "hello failed")
		return nil, err
	}

	sctx, scancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{id: sessionID, conn: conn, ctx: sctx, cancel: scancel, done: make(chan struct{})}

	c.mu.Lock()
	if old := c.sess; old != nil {
		defer old.close(websocket.StatusNormalClosure, "replaced")
	}
	c.sess = s
	c.mu.Unlock()

	go c.readLoop(s)
	go c.heartbeat(s)

	for _, id := range c.joinedIDs() {
		if err := c.writeJoin(s, id); err != nil {
			c.log.Warn("ws.rejoin.fail", "session_id", s.id, "channel_id", id, "err", err)
		}
	}

	c.log.Info("ws.session.open", "session_id", s.id, "url", c.opts.URL)
	return s, nil
}

func awaitHelloAck(ctx context.Context, conn *websocket.Conn) (string, error) {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return "", fmt.Errorf("await hello_ack: %w", err)
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var p v1.HelloAckPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return "", DecodeError{Type: env.Type, Err: err}
			}
			if strings.TrimSpace(p.SessionID) == "" {
				return "", errors.New("hello_ack missing session_id")
			}
			return p.SessionID, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return "", RemoteError{Code: p.Code, Message: p.Message}
		}
	}
}

// Join subscribes sink to channelID events. When connected, it waits for the join echo.
func (c *WSClient) Join(ctx context.Context, channelID string, sink Sink) error {
	if strings.TrimSpace(channelID) == "" {
		return errors.New("missing channel id")
	}

	c.mu.Lock()
	c.joined[channelID] = sink
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return nil
	}

	key := joinKey(channelID)
	reply := c.await(key)
	defer c.forget(key)

	if err := c.writeJoin(s, channelID); err != nil {
		return err
	}
	_, err := c.wait(ctx, s, reply)
	return err
}

// Leave stops routing events for channelID.
func (c *WSClient) Leave(channelID string) {
	c.mu.Lock()
	delete(c.joined, channelID)
	delete(c.typing, channelID)
	c.mu.Unlock()
}

func (c *WSClient) writeJoin(s *session, channelID string) error {
	env, err := v1.New(v1.TypeConversationJoin, ids.NewEnvelopeID(time.Now()), time.Now().UTC(), v1.ConversationJoinPayload{ConversationID: channelID})
	if err != nil {
		return err
	}
	return writeEnvelope(s.ctx, s.conn, env, c.opts.WriteTimeout)
}

// FetchPage implements channel.Fetcher over the history request/response pair.
func (c *WSClient) FetchPage(ctx context.Context, req channel.PageRequest) (channel.Page, error) {
	s := c.current()
	if s == nil {
		return channel.Page{}, ErrNotConnected
	}

	reqID := ids.NewRequestID(time.Now())
	env, err := v1.New(v1.TypeConversationHistoryFetch, reqID, time.Now().UTC(), v1.ConversationHistoryFetchPayload{
		ConversationID: req.ChannelID,
		RequestID:      reqID,
		Anchor:         req.Anchor.Kind.String(),
		ServerMsgID:    req.Anchor.ID,
		Limit:          req.Limit,
	})
	if err != nil {
		return channel.Page{}, err
	}

	reply := c.await(reqID)
	defer c.forget(reqID)

	if err := writeEnvelope(ctx, s.conn, env, c.opts.WriteTimeout); err != nil {
		return channel.Page{}, fmt.Errorf("write history fetch: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	got, err := c.wait(rctx, s, reply)
	if err != nil {
		return channel.Page{}, err
	}

	var p v1.ConversationHistoryChunkPayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		return channel.Page{}, DecodeError{Type: got.Type, Err: err}
	}
	return PageFromChunk(p), nil
}

// SendMessage sends a message_send for a pending local message.
func (c *WSClient) SendMessage(ctx context.Context, m channel.Message) error {
	return c.send(ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: m.ChannelID,
		ClientMsgID:    m.ClientMsgID,
		ParentID:       m.ParentID,
		Text:           m.Text,
	})
}

// SendTyping sends typing_start (throttled per channel) or typing_stop.
// A throttled start returns nil without writing.
func (c *WSClient) SendTyping(ctx context.Context, channelID string, typing bool) error {
	if !typing {
		return c.send(ctx, v1.TypeTypingStop, v1.TypingPayload{ConversationID: channelID})
	}
	if !c.typingLimiter(channelID).Allow() {
		return nil
	}
	return c.send(ctx, v1.TypeTypingStart, v1.TypingPayload{ConversationID: channelID})
}

// SendReadReceipt reports the current user's read position.
func (c *WSClient) SendReadReceipt(ctx context.Context, channelID string, mk channel.ReadMarker) error {
	return c.send(ctx, v1.TypeReadReceipt, v1.ReadReceiptPayload{
		ConversationID: channelID,
		ServerMsgID:    mk.LastReadMessageID,
		ReadAt:         mk.LastReadAt,
	})
}

func (c *WSClient) typingLimiter(channelID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.typing[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.opts.TypingEvery), 1)
		c.typing[channelID] = l
	}
	return l
}

func (c *WSClient) send(ctx context.Context, typ string, payload any) error {
	s := c.current()
	if s == nil {
		return ErrNotConnected
	}
	env, err := v1.New(typ, ids.NewEnvelopeID(time.Now()), time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	return writeEnvelope(ctx, s.conn, env, c.opts.WriteTimeout)
}

func (c *WSClient) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *WSClient) joinedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	return out
}

func (c *WSClient) sink(channelID string) Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[channelID]
}

// ---- request/response correlation ----

func joinKey(channelID string) string { return "join:" + channelID }

func (c *WSClient) await(key string) chan v1.Envelope {
	ch := make(chan v1.Envelope, 1)
	c.mu.Lock()
	c.waiters[key] = ch
	c.mu.Unlock()
	return ch
}

func (c *WSClient) forget(key string) {
	c.mu.Lock()
	delete(c.waiters, key)
	c.mu.Unlock()
}

func (c *WSClient) resolve(key string, env v1.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (c *WSClient) wait(ctx context.Context, s *session, reply <-chan v1.Envelope) (v1.Envelope, error) {
	select {
	case env := <-reply:
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return v1.Envelope{}, RemoteError{Code: p.Code, Message: p.Message}
		}
		return env, nil
	case <-s.done:
		return v1.Envelope{}, ErrDisconnected
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

// ---- loops ----

func (c *WSClient) readLoop(s *session) {
	defer func() {
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
		}
		c.mu.Unlock()
		s.close(websocket.StatusNormalClosure, "read loop done")
	}()

	for {
		env, err := readEnvelope(s.ctx, s.conn)
		if err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.log.Info("ws.read.bad_json", "session_id", s.id, "err", err)
				continue
			}
			if isClosedErr(err) {
				c.log.Info("ws.read.closed", "session_id", s.id, "close_status", websocket.CloseStatus(err))
			} else {
				c.log.Info("ws.read.fail", "session_id", s.id, "err", err)
			}
			return
		}
		if err := env.Validate(); err != nil {
			c.log.Info("ws.read.bad_envelope", "session_id", s.id, "err", err)
			continue
		}
		c.dispatch(s, env)
	}
}

func (c *WSClient) dispatch(s *session, env v1.Envelope) {
	switch env.Type {
	case v1.TypeConversationHistoryChunk:
		var p v1.ConversationHistoryChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && c.resolve(p.RequestID, env) {
			return
		}
		c.log.Info("ws.chunk.orphan", "session_id", s.id, "envelope_id", env.ID)

	case v1.TypeConversationJoin:
		var p v1.ConversationJoinPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			c.resolve(joinKey(p.ConversationID), env)
		}

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if p.RequestID != "" && c.resolve(p.RequestID, env) {
			return
		}
		c.log.Warn("ws.remote.error", "session_id", s.id, "code", p.Code, "message", p.Message)

	case v1.TypeMessageAck:
		c.log.Debug("ws.message.ack", "session_id", s.id, "envelope_id", env.ID)

	case v1.TypeHelloAck:

	default:
		ev, err := DecodeEvent(env)
		if err != nil {
			c.log.Info("ws.event.drop", "session_id", s.id, "type", env.Type, "err", err)
			return
		}
		sink := c.sink(ev.ChannelID)
		if sink == nil {
			c.log.Debug("ws.event.unrouted", "session_id", s.id, "channel_id", ev.ChannelID, "type", env.Type)
			return
		}
		if err := sink.Deliver(s.ctx, ev); err != nil {
			c.log.Info("ws.event.deliver.fail", "session_id", s.id, "channel_id", ev.ChannelID, "err", err)
		}
	}
}

func (c *WSClient) heartbeat(s *session) {
	t := time.NewTicker(c.opts.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			hbCtx, cancel := context.WithTimeout(s.ctx, c.opts.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			cancel()

			if err != nil {
				failures++
				c.log.Info("ws.ping.fail", "session_id", s.id, "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					s.close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func isClosedErr(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
