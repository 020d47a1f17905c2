// Package app wires the chatsync runtime: config, logging, history sources, realtime transports,
// the channel registry and the HTTP control surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatsync/cmd/internal/banlist"
	"chatsync/cmd/internal/channel"
	"chatsync/cmd/internal/history"
	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/transport"
	v1 "chatsync/contracts/realtime/v1"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ErrUnsupported is returned for operations the configured history source cannot perform.
var ErrUnsupported = errors.New("operation not supported by history source")

// App is the chatsync runtime: it owns the channel registry and every dependency it talks to.
type App struct {
	cfg Config
	log Logger

	metrics *prometheus.Registry

	dbPool *pgxpool.Pool

	// store is the local authoritative history (memory or postgres). Nil when history comes
	// from the websocket server.
	store history.Store

	cache   *history.Cache
	evictor *history.Evictor

	ws   *transport.WSClient
	nats *transport.NATSSource

	bans banlist.Store

	registry *channel.Registry

	mu       sync.Mutex
	attached map[string]*attachment
}

// attachment is the transport wiring of one open channel. ready is closed once stop or err is set.
type attachment struct {
	ready chan struct{}
	stop  func()
	err   error
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		metrics:  prometheus.NewRegistry(),
		attached: make(map[string]*attachment),
	}
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()
	if err := a.init(ctx); err != nil {
		a.closeDeps()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg

	if cfg.DatabaseURL != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		a.dbPool = pool
		a.log.Info("db.enabled", "schema", cfg.DBSchema)
	}

	var base channel.Fetcher
	switch cfg.HistorySource {
	case SourceMemory:
		st := history.NewMemoryStore()
		a.store, base = st, st
	case SourcePostgres:
		st, err := history.NewPostgresStore(a.dbPool, history.WithSchema(cfg.DBSchema))
		if err != nil {
			return err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("history schema: %w", err)
		}
		a.store, base = st, st
	case SourceWS:
		a.ws = transport.NewWSClient(a.log, transport.WSOptions{
			URL:         cfg.WSURL,
			Origin:      cfg.WSOrigin,
			Token:       cfg.WSToken,
			OnReconnect: a.resyncChannel,
		})
		base = a.ws
	}
	a.log.Info("history.source", "source", cfg.HistorySource)

	fetcher := base
	if cfg.CachePath != "" {
		cache, err := history.OpenCache(cfg.CachePath, a.log)
		if err != nil {
			return err
		}
		a.cache = cache
		ev, err := history.NewEvictor(cache, history.EvictorConfig{
			Cron:     cfg.CacheEvictCron,
			TTL:      cfg.CacheTTL,
			MaxBytes: cfg.CacheMaxBytes,
		}, a.log)
		if err != nil {
			return err
		}
		a.evictor = ev
		fetcher = history.NewCachedFetcher(base, cache, a.log)
	}

	if cfg.NATSURL != "" {
		src, err := transport.NewNATSSource(ctx, a.log, transport.NATSOptions{
			URL:           cfg.NATSURL,
			Stream:        cfg.NATSStream,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		})
		if err != nil {
			return err
		}
		a.nats = src
	}

	if a.dbPool != nil {
		bans, err := banlist.NewPostgresStore(a.dbPool, cfg.DBSchema)
		if err != nil {
			return err
		}
		if err := bans.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ban schema: %w", err)
		}
		a.bans = bans
	} else {
		a.bans = banlist.NewMemoryStore()
	}

	a.registry = channel.NewRegistry(a.log, fetcher, channel.Config{
		CurrentUserID:  cfg.UserID,
		PageSize:       cfg.PageSize,
		FetchTimeout:   cfg.FetchTimeout,
		TypingTimeout:  cfg.TypingTimeout,
		KeepTombstones: cfg.KeepTombstones,
		Metrics:        channel.NewMetrics(a.metrics),
	})
	return nil
}

// Handler returns the HTTP surface with request logging applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)
	return WithRequestLogging(mux, a.log)
}

// Run starts background workers and the HTTP server and blocks until context cancellation or
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if a.ws != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("ws.run.fail", "err", err)
			}
		}()
	}
	if a.evictor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.evictor.Run(ctx)
		}()
	}

	for _, id := range a.cfg.Channels {
		ch, err := a.openChannel(ctx, id)
		if err != nil {
			a.log.Error("channel.attach.fail", "channel_id", id, "err", err)
			continue
		}
		go a.loadFirst(ctx, ch)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 20*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"user_id", a.cfg.UserID,
		"history_source", a.cfg.HistorySource,
		"db_enabled", a.dbPool != nil,
		"cache_enabled", a.cache != nil,
		"nats_enabled", a.nats != nil,
		"channels", len(a.cfg.Channels),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	cancel()
	a.Close()
	wg.Wait()

	a.log.Info("server.stopped")
	return runErr
}

// Close stops every channel and releases transports, cache and pool.
func (a *App) Close() {
	a.mu.Lock()
	var stops []func()
	for _, at := range a.attached {
		if at.stop != nil {
			stops = append(stops, at.stop)
		}
	}
	a.attached = make(map[string]*attachment)
	a.mu.Unlock()
	for _, stop := range stops {
		stop()
	}

	if a.registry != nil {
		a.registry.Close()
	}
	a.closeDeps()
}

func (a *App) closeDeps() {
	if a.ws != nil {
		a.ws.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("history.close.fail", "err", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Error("cache.close.fail", "err", err)
		}
		a.cache = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// openChannel returns the channel actor for id and attaches it to the realtime transports
// on first use.
func (a *App) openChannel(ctx context.Context, id string) (*channel.Channel, error) {
	ch, err := a.registry.Open(id)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if at, ok := a.attached[id]; ok {
		a.mu.Unlock()
		select {
		case <-at.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if at.err != nil {
			return nil, at.err
		}
		return ch, nil
	}
	at := &attachment{ready: make(chan struct{})}
	a.attached[id] = at
	a.mu.Unlock()

	// Transports are joined without the lock so one slow channel does not stall the others.
	stop, err := a.attach(ctx, id, ch)

	a.mu.Lock()
	current := a.attached[id] == at
	switch {
	case err != nil:
		at.err = err
		if current {
			delete(a.attached, id)
		}
	case current:
		at.stop = stop
	}
	a.mu.Unlock()
	close(at.ready)

	if err != nil {
		a.registry.Evict(id)
		return nil, err
	}
	if !current {
		// Closed while attaching.
		stop()
		return nil, channel.ErrClosed
	}
	return ch, nil
}

func (a *App) attach(ctx context.Context, id string, ch *channel.Channel) (func(), error) {
	var stops []func()
	stopAll := func() {
		for _, s := range stops {
			s()
		}
	}
	if a.ws != nil {
		if err := a.ws.Join(ctx, id, ch); err != nil {
			return nil, fmt.Errorf("join %s: %w", id, err)
		}
		stops = append(stops, func() { a.ws.Leave(id) })
	}
	if a.nats != nil {
		stop, err := a.nats.Subscribe(context.Background(), id, ch)
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, stop)
	}
	if a.cache != nil {
		if err := a.cache.Touch(id, time.Now()); err != nil {
			a.log.Warn("cache.touch.fail", "channel_id", id, "err", err)
		}
	}

	sub := ch.Subscribe()
	go a.logUpdates(id, sub)
	stops = append(stops, sub.Cancel)
	return stopAll, nil
}

// closeChannel detaches and evicts one channel.
func (a *App) closeChannel(id string) bool {
	a.mu.Lock()
	var stop func()
	if at, ok := a.attached[id]; ok {
		stop = at.stop
		delete(a.attached, id)
	}
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
	return a.registry.Evict(id)
}

func (a *App) loadFirst(ctx context.Context, ch *channel.Channel) {
	if err := ch.LoadFirstPage(ctx); err != nil {
		a.log.Warn("channel.first_page.fail", "channel_id", ch.ID(), "err", err)
	}
}

func (a *App) resyncChannel(ctx context.Context, id string) {
	ch, ok := a.registry.Get(id)
	if !ok {
		return
	}
	if err := ch.Resync(ctx); err != nil {
		a.log.Warn("channel.resync.fail", "channel_id", id, "err", err)
	}
}

// logUpdates drains one channel's updates, writing live edits through to the cache.
func (a *App) logUpdates(id string, sub *channel.Subscription) {
	for u := range sub.C {
		if a.cache != nil && len(u.Changes) > 0 && (u.Cause == channel.CauseEvent || u.Cause == channel.CauseReplay) {
			if err := a.cache.ApplyChanges(id, u.Changes); err != nil {
				a.log.Warn("cache.write.fail", "channel_id", id, "err", err)
			}
		}
		a.log.Debug("channel.update",
			"channel_id", u.ChannelID,
			"cause", string(u.Cause),
			"changes", len(u.Changes),
			"replaced", u.Replaced,
			"resync", u.Resync,
			"phase", u.State.Phase.String(),
			"version", u.State.Version,
		)
	}
}

// sendMessage adds a pending message to the channel and hands it to the authoritative side.
// With a local store the stored copy is fed back as a created event, through NATS when configured.
func (a *App) sendMessage(ctx context.Context, ch *channel.Channel, text, parentID string) (channel.Message, error) {
	pending, err := ch.SendLocal(ctx, channel.Message{Text: text, ParentID: parentID})
	if err != nil {
		return channel.Message{}, err
	}

	if a.ws != nil {
		return pending, a.ws.SendMessage(ctx, pending)
	}

	res, err := a.store.Append(ctx, history.AppendInput{
		ChannelID:   ch.ID(),
		ClientMsgID: pending.ClientMsgID,
		AuthorID:    pending.AuthorID,
		ParentID:    parentID,
		Text:        text,
		Now:         time.Now(),
	})
	if err != nil {
		return pending, err
	}
	if err := a.broadcast(ctx, ch, channel.Event{
		Kind:      channel.EventMessageCreated,
		ChannelID: ch.ID(),
		Message:   res.Message,
		At:        res.Message.CreatedAt,
	}); err != nil {
		return res.Message, err
	}
	return res.Message, nil
}

// editMessage and deleteMessage only exist for local stores; the realtime protocol has no
// client-side edit.
func (a *App) editMessage(ctx context.Context, ch *channel.Channel, id, text string) (channel.Message, error) {
	if a.store == nil {
		return channel.Message{}, ErrUnsupported
	}
	m, err := a.store.Edit(ctx, ch.ID(), id, text, time.Now())
	if err != nil {
		return channel.Message{}, err
	}
	return m, a.broadcast(ctx, ch, channel.Event{
		Kind:      channel.EventMessageUpdated,
		ChannelID: ch.ID(),
		Message:   m,
		At:        m.UpdatedAt,
	})
}

func (a *App) deleteMessage(ctx context.Context, ch *channel.Channel, id string) (channel.Message, error) {
	if a.store == nil {
		return channel.Message{}, ErrUnsupported
	}
	m, err := a.store.Delete(ctx, ch.ID(), id, time.Now())
	if err != nil {
		return channel.Message{}, err
	}
	return m, a.broadcast(ctx, ch, channel.Event{
		Kind:      channel.EventMessageDeleted,
		ChannelID: ch.ID(),
		MessageID: m.ID,
		At:        m.UpdatedAt,
	})
}

// broadcast publishes a locally produced event on NATS, or delivers it directly when no feed
// is configured.
func (a *App) broadcast(ctx context.Context, ch *channel.Channel, ev channel.Event) error {
	if a.nats == nil {
		return ch.Deliver(ctx, ev)
	}
	env, err := envelopeFor(ev)
	if err != nil {
		return err
	}
	return a.nats.Publish(ctx, ch.ID(), env)
}

func envelopeFor(ev channel.Event) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)
	switch ev.Kind {
	case channel.EventMessageCreated:
		typ, payload = v1.TypeMessageNew, transport.PayloadFromMessage(ev.Message)
	case channel.EventMessageUpdated:
		typ, payload = v1.TypeMessageUpdated, transport.PayloadFromMessage(ev.Message)
	case channel.EventMessageDeleted:
		typ, payload = v1.TypeMessageDeleted, v1.MessageDeletedPayload{
			ConversationID: ev.ChannelID,
			ServerMsgID:    ev.MessageID,
			DeletedAt:      ev.At,
		}
	default:
		return v1.Envelope{}, fmt.Errorf("no envelope for %s", ev.Kind)
	}
	env, err := v1.New(typ, ids.NewEnvelopeID(ev.At), ev.At.UTC(), payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	env.ConvID = ev.ChannelID
	return env, nil
}

// markRead moves the read marker and reports it to the server when connected.
func (a *App) markRead(ctx context.Context, ch *channel.Channel) (channel.ReadMarker, bool, error) {
	mk, changed, err := ch.MarkRead(ctx)
	if err != nil || !changed || a.ws == nil {
		return mk, changed, err
	}
	if err := a.ws.SendReadReceipt(ctx, ch.ID(), mk); err != nil {
		a.log.Warn("read_receipt.send.fail", "channel_id", ch.ID(), "err", err)
	}
	return mk, changed, nil
}

func (a *App) setTyping(ctx context.Context, ch *channel.Channel, typing bool) error {
	if a.ws == nil {
		return ErrUnsupported
	}
	return a.ws.SendTyping(ctx, ch.ID(), typing)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
