package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/cmd/internal/ids"
)

// Commands accepted by the actor inbox.
type (
	loadCmd struct {
		ctx    context.Context
		op     loadOp
		target string
		reply  chan loadResult
	}
	eventCmd struct {
		ev Event
	}
	fetchDoneCmd struct {
		t    *ticket
		page Page
		err  error
		took time.Duration
	}
	markReadCmd struct {
		reply chan markReadResult
	}
	localCmd struct {
		m     Message
		reply chan Message
	}
	tickCmd  struct{}
	flushCmd struct {
		reply chan struct{}
	}
)

type loadResult struct {
	index int
	err   error
}

type markReadResult struct {
	marker  ReadMarker
	changed bool
}

// Channel is the single-writer owner of one channel's synchronized state.
//
// All mutations happen on the goroutine started by Open. Public methods post typed commands to
// the inbox; State reads the last published immutable value.
type Channel struct {
	id      string
	cfg     Config
	log     *slog.Logger
	fetcher Fetcher

	inbox     chan any
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	state atomic.Pointer[State]

	subsMu  sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64

	// Owned by the run goroutine.
	store   *Store
	pager   *Coordinator
	rec     *Reconciler
	reads   *ReadTracker
	typing  *TypingSet
	version uint64
	waiter  chan loadResult
}

// Open starts the actor for channelID.
func Open(channelID string, fetcher Fetcher, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	pager := NewCoordinator(channelID, cfg.PageSize)
	pager.keepTombstones = cfg.KeepTombstones
	c := &Channel{
		id:      channelID,
		cfg:     cfg,
		log:     cfg.Log.With("channel_id", channelID),
		fetcher: fetcher,
		inbox:   make(chan any, cfg.InboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[uint64]*Subscription),
		store:   NewStore(),
		pager:   pager,
		rec:     NewReconciler(cfg.CurrentUserID, cfg.KeepTombstones),
		reads:   NewReadTracker(cfg.CurrentUserID),
		typing:  NewTypingSet(cfg.TypingTimeout),
	}
	c.publish()
	cfg.Metrics.opened(1)
	go c.run()
	return c
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// State returns the last published state.
func (c *Channel) State() State { return *c.state.Load() }

// Done is closed once the actor has stopped.
func (c *Channel) Done() <-chan struct{} { return c.stopped }

// Close stops the actor and closes every subscription (idempotent).
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

// Deliver queues a realtime event. Duplicates are tolerated.
func (c *Channel) Deliver(ctx context.Context, ev Event) error {
	return c.post(ctx, eventCmd{ev: ev})
}

// LoadFirstPage replaces the window with the newest page. It returns once the fetch completed.
// A call made while another fetch is in flight returns nil without fetching.
func (c *Channel) LoadFirstPage(ctx context.Context) error {
	r, err := c.load(ctx, opFirst, "")
	if err != nil {
		return err
	}
	return r.err
}

// Resync reloads the newest page after a transport gap.
func (c *Channel) Resync(ctx context.Context) error {
	return c.LoadFirstPage(ctx)
}

// LoadPrevious loads the page older than the window.
func (c *Channel) LoadPrevious(ctx context.Context) error {
	r, err := c.load(ctx, opPrevious, "")
	if err != nil {
		return err
	}
	return r.err
}

// LoadNext loads the page newer than the window.
func (c *Channel) LoadNext(ctx context.Context) error {
	r, err := c.load(ctx, opNext, "")
	if err != nil {
		return err
	}
	return r.err
}

// JumpTo makes id part of the window and returns its position.
// A loaded target is a pure lookup; otherwise the window is replaced by the page around id.
// It returns -1 and a nil error when another fetch was already in flight.
func (c *Channel) JumpTo(ctx context.Context, id string) (int, error) {
	r, err := c.load(ctx, opJump, id)
	if err != nil {
		return -1, err
	}
	return r.index, r.err
}

// MarkRead moves the current user's marker to the newest loaded message.
// It reports whether the marker moved.
func (c *Channel) MarkRead(ctx context.Context) (ReadMarker, bool, error) {
	reply := make(chan markReadResult, 1)
	if err := c.post(ctx, markReadCmd{reply: reply}); err != nil {
		return ReadMarker{}, false, err
	}
	select {
	case r := <-reply:
		return r.marker, r.changed, nil
	case <-c.stopped:
		return ReadMarker{}, false, ErrClosed
	case <-ctx.Done():
		return ReadMarker{}, false, ctx.Err()
	}
}

// SendLocal adds a pending message authored by the current user and returns it with its
// local id assigned. The pending copy is replaced once the matching created event arrives.
func (c *Channel) SendLocal(ctx context.Context, m Message) (Message, error) {
	reply := make(chan Message, 1)
	if err := c.post(ctx, localCmd{m: m, reply: reply}); err != nil {
		return Message{}, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-c.stopped:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Flush returns once every command queued before it was processed.
func (c *Channel) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	if err := c.post(ctx, flushCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) load(ctx context.Context, op loadOp, target string) (loadResult, error) {
	reply := make(chan loadResult, 1)
	if err := c.post(ctx, loadCmd{ctx: ctx, op: op, target: target, reply: reply}); err != nil {
		return loadResult{}, err
	}
	select {
	case r := <-reply:
		return r, nil
	case <-c.stopped:
		return loadResult{}, ErrClosed
	case <-ctx.Done():
		return loadResult{}, ctx.Err()
	}
}

func (c *Channel) post(ctx context.Context, cmd any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- cmd:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) run() {
	defer func() {
		c.pager.abandon()
		c.closeSubscriptions()
		c.cfg.Metrics.opened(-1)
		close(c.stopped)
	}()

	tick := time.NewTicker(c.cfg.TypingTimeout / 2)
	defer tick.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			c.handle(tickCmd{})
		case cmd := <-c.inbox:
			c.handle(cmd)
		}
	}
}

func (c *Channel) handle(cmd any) {
	switch cmd := cmd.(type) {
	case loadCmd:
		c.handleLoad(cmd)
	case fetchDoneCmd:
		c.handleFetchDone(cmd)
	case eventCmd:
		c.handleEvent(cmd.ev)
	case markReadCmd:
		c.handleMarkRead(cmd)
	case localCmd:
		c.handleLocal(cmd)
	case tickCmd:
		if c.typing.Expire(c.cfg.Now()) {
			c.emit(Update{Cause: CauseTyping, Origin: OriginLive})
		}
	case flushCmd:
		close(cmd.reply)
	default:
		c.log.Error("channel.command.unknown", "type", fmt.Sprintf("%T", cmd))
	}
}

func (c *Channel) handleLoad(cmd loadCmd) {
	var (
		t   *ticket
		err error
	)
	switch cmd.op {
	case opFirst:
		t = c.pager.beginFirst()
	case opPrevious:
		t, err = c.pager.beginPrevious(c.store)
	case opNext:
		t, err = c.pager.beginNext(c.store)
	case opJump:
		if cmd.target == "" {
			cmd.reply <- loadResult{index: -1, err: ErrMessageNotFound}
			return
		}
		var idx int
		t, idx = c.pager.beginJump(c.store, cmd.target)
		if idx >= 0 {
			cmd.reply <- loadResult{index: idx}
			return
		}
	}

	if err != nil {
		cmd.reply <- loadResult{index: -1, err: err}
		return
	}
	if t == nil {
		c.log.Debug("channel.load.noop", "op", cmd.op.String(), "phase", c.pager.Phase().String())
		cmd.reply <- loadResult{index: -1}
		return
	}

	c.waiter = cmd.reply
	c.rec.startJournal()
	c.emit(Update{Cause: CausePhase})
	c.startFetch(cmd.ctx, t)
}

// startFetch runs the fetch detached from the caller's cancellation; only FetchTimeout bounds it.
func (c *Channel) startFetch(parent context.Context, t *ticket) {
	c.log.Debug("channel.fetch.start", "op", t.op.String(), "anchor", t.req.Anchor.String(), "limit", t.req.Limit)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.FetchTimeout)
		defer cancel()

		start := time.Now()
		page, err := c.fetcher.FetchPage(ctx, t.req)
		done := fetchDoneCmd{t: t, page: page, err: err, took: time.Since(start)}

		select {
		case c.inbox <- done:
		case <-c.done:
		}
	}()
}

func (c *Channel) handleFetchDone(cmd fetchDoneCmd) {
	t := cmd.t
	c.cfg.Metrics.fetch(t.req.Anchor.Kind, cmd.took, cmd.err)

	reply := c.waiter
	c.waiter = nil
	respond := func(r loadResult) {
		if reply != nil {
			reply <- r
		}
	}

	if cmd.err != nil {
		journal := c.rec.takeJournal()
		err := c.pager.fail(t, cmd.err)
		c.log.Warn("channel.fetch.fail", "op", t.op.String(), "anchor", t.req.Anchor.String(), "journaled", len(journal), "err", cmd.err)
		c.emit(Update{Cause: CausePhase})
		respond(loadResult{index: -1, err: err})
		return
	}

	wasAtHead := c.pager.atHead()
	before := c.store.Snapshot()
	pending := c.rec.pendingAfter(cmd.page.Messages)
	res, err := c.pager.complete(c.store, t, cmd.page, pending)
	if err != nil {
		c.rec.takeJournal()
		c.log.Info("channel.jump.miss", "message_id", t.target, "err", err)
		c.emit(Update{Cause: CausePhase})
		respond(loadResult{index: -1, err: err})
		return
	}
	if c.pager.atHead() && !wasAtHead {
		c.reads.ReachedHead()
	}

	after := c.store.Snapshot()
	changes := Diff(before.view(), after.view(), OriginHistory)
	c.log.Debug("channel.fetch.merge",
		"op", t.op.String(),
		"received", len(cmd.page.Messages),
		"changes", len(changes),
		"replaced", res.replaced,
		"len", c.store.Len(),
	)
	c.emit(Update{Cause: t.op.cause(), Origin: OriginHistory, Changes: changes, Replaced: res.replaced})

	if journal := c.rec.takeJournal(); len(journal) > 0 {
		replayed := c.rec.replay(c.store, c.pager, c.reads, journal)
		c.pager.syncEdges(c.store)
		if len(replayed) > 0 {
			c.emit(Update{Cause: CauseReplay, Origin: OriginLive, Changes: replayed})
		}
	}

	if err := c.store.Verify(); err != nil {
		c.log.Error("channel.store.invalid", "err", err)
	}

	idx := res.index
	if t.op == opJump {
		idx = c.store.IndexOf(t.target)
	}
	respond(loadResult{index: idx})
}

func (c *Channel) handleEvent(ev Event) {
	ev = stamp(ev, c.cfg.Now())
	if ev.ChannelID != "" && ev.ChannelID != c.id {
		c.log.Warn("channel.event.misrouted", "kind", ev.Kind.String(), "event_channel_id", ev.ChannelID)
		c.cfg.Metrics.drop("misrouted")
		return
	}

	e := c.rec.apply(c.store, c.pager, c.reads, c.typing, ev)
	c.cfg.Metrics.event(ev.Kind)
	if e.drop != "" {
		c.cfg.Metrics.drop(e.drop)
	}
	if e.err != nil {
		var ee EventError
		if errors.As(e.err, &ee) {
			c.log.Info("channel.event.drop", "kind", ev.Kind.String(), "message_id", eventMessageID(ev), "err", e.err)
		} else {
			c.log.Warn("channel.event.fail", "kind", ev.Kind.String(), "err", e.err)
		}
		return
	}

	switch {
	case len(e.changes) > 0:
		c.pager.syncEdges(c.store)
		c.emit(Update{Cause: CauseEvent, Origin: OriginLive, Changes: e.changes})
	case e.typing:
		c.emit(Update{Cause: CauseTyping, Origin: OriginLive})
	case e.reads:
		c.emit(Update{Cause: CauseReadState, Origin: OriginLive})
	}
}

func (c *Channel) handleMarkRead(cmd markReadCmd) {
	newest, ok := newestServer(c.store)
	if !ok {
		cmd.reply <- markReadResult{}
		return
	}
	mk, changed := c.reads.MarkRead(newest, c.pager.atHead())
	if changed {
		c.log.Debug("channel.read.mark", "message_id", mk.LastReadMessageID)
		c.emit(Update{Cause: CauseReadState, Origin: OriginLive})
	}
	cmd.reply <- markReadResult{marker: mk, changed: changed}
}

func (c *Channel) handleLocal(cmd localCmd) {
	m := cmd.m
	now := c.cfg.Now()
	if m.ID == "" {
		m.ID = ids.NewLocalMessageID(now)
	}
	if m.ClientMsgID == "" {
		m.ClientMsgID = m.ID
	}
	m.ChannelID = c.id
	if m.AuthorID == "" {
		m.AuthorID = c.cfg.CurrentUserID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	m.Pending = true

	changes := c.rec.addLocal(c.store, c.pager, m)
	if len(changes) > 0 {
		c.pager.syncEdges(c.store)
		c.emit(Update{Cause: CauseLocal, Origin: OriginLive, Changes: changes})
	}
	cmd.reply <- m

	// A message sent while browsing older history brings the window back to the head.
	if !c.pager.atHead() && !c.pager.InFlight() && c.pager.Phase() != PhaseEmpty {
		if t := c.pager.beginFirst(); t != nil {
			c.rec.startJournal()
			c.emit(Update{Cause: CausePhase})
			c.startFetch(context.Background(), t)
		}
	}
}

// emit publishes a new State and fans the update out.
func (c *Channel) emit(u Update) {
	st := c.publish()
	u.ChannelID = c.id
	u.State = st
	c.fanout(u)
}

func (c *Channel) publish() State {
	c.version++
	st := State{
		ChannelID: c.id,
		Messages:  c.store.Snapshot(),
		Window:    c.pager.Window(),
		Phase:     c.pager.Phase(),
		Err:       c.pager.Err(),
		Unread:    c.reads.Unread(c.store.Snapshot().view()),
		Typing:    c.typing.Users(c.cfg.CurrentUserID),
		Markers:   c.reads.Markers(),
		Version:   c.version,
	}
	c.state.Store(&st)
	return st
}

func eventMessageID(ev Event) string {
	if ev.MessageID != "" {
		return ev.MessageID
	}
	return ev.Message.ID
}
