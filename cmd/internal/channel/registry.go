package channel

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry owns one Channel actor per channel id.
// The mutex only guards lookup; channels never share state.
type Registry struct {
	log     *slog.Logger
	fetcher Fetcher
	cfg     Config

	mu       sync.RWMutex
	channels map[string]*Channel
	closed   bool
}

// NewRegistry constructs a Registry whose channels load history through fetcher.
func NewRegistry(log *slog.Logger, fetcher Fetcher, cfg Config) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Log == nil {
		cfg.Log = log
	}
	return &Registry{
		log:      log,
		fetcher:  fetcher,
		cfg:      cfg,
		channels: make(map[string]*Channel),
	}
}

// Open returns the stable actor for channelID, starting it on first use.
// It returns ErrClosed after Close.
func (r *Registry) Open(channelID string) (*Channel, error) {
	r.mu.RLock()
	c, ok := r.channels[channelID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if c, ok := r.channels[channelID]; ok {
		return c, nil
	}

	c = Open(channelID, r.fetcher, r.cfg)
	r.channels[channelID] = c
	r.log.Info("channel.open", "channel_id", channelID)
	return c, nil
}

// Get returns an already open channel.
func (r *Registry) Get(channelID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.channels[channelID]
	return c, ok
}

// IDs lists open channel ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Evict closes and forgets one channel.
func (r *Registry) Evict(channelID string) bool {
	r.mu.Lock()
	c, ok := r.channels[channelID]
	delete(r.channels, channelID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.Close()
	r.log.Info("channel.evict", "channel_id", channelID)
	return true
}

// Close stops every channel. Later Open calls fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	chans := r.channels
	r.channels = make(map[string]*Channel)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range chans {
		wg.Add(1)
		go func(c *Channel) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	r.log.Info("channel.registry.closed", "channels", len(chans))
}
