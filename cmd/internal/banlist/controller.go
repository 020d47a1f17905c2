package banlist

import (
	"context"
	"log/slog"
	"sync"
)

// Controller pages through the bans of one Query.
//
// Only one load runs at a time; a load requested while another is in flight is a no-op.
type Controller struct {
	src Source
	q   Query
	log *slog.Logger

	mu        sync.Mutex
	bans      []Ban
	loading   bool
	loadedAll bool
}

// NewController constructs a Controller. Nothing is loaded until LoadFirstPage.
func NewController(src Source, q Query, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Controller{src: src, q: q, log: log}
}

// Query returns the query the controller pages through.
func (c *Controller) Query() Query { return c.q }

// Bans returns a copy of the loaded bans in query order.
func (c *Controller) Bans() []Ban {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Ban(nil), c.bans...)
}

// HasLoadedAll reports whether the last page came back short.
func (c *Controller) HasLoadedAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadedAll
}

// LoadFirstPage replaces the loaded bans with the first page.
func (c *Controller) LoadFirstPage(ctx context.Context) error {
	return c.load(ctx, true)
}

// LoadNextPage appends the next page. It is a no-op once everything is loaded.
func (c *Controller) LoadNextPage(ctx context.Context) error {
	return c.load(ctx, false)
}

func (c *Controller) load(ctx context.Context, first bool) error {
	c.mu.Lock()
	if c.loading || (!first && c.loadedAll) {
		c.mu.Unlock()
		return nil
	}
	c.loading = true
	offset := len(c.bans)
	if first {
		offset = 0
	}
	c.mu.Unlock()

	size := c.q.pageSize()
	page, err := c.src.ListBans(ctx, c.q, offset, size)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.loading = false
	if err != nil {
		c.log.Warn("banlist.load.fail", "offset", offset, "err", err)
		return err
	}
	if first {
		c.bans = c.bans[:0]
	}
	c.bans = append(c.bans, page...)
	c.loadedAll = len(page) < size
	c.log.Debug("banlist.load", "offset", offset, "count", len(page), "loaded_all", c.loadedAll)
	return nil
}
