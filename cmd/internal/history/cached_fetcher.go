package history

import (
	"context"
	"log/slog"
	"time"

	"chatsync/cmd/internal/channel"
)

// CachedFetcher writes every fetched page through to a Cache and, when the remote cannot serve
// a latest-anchor request, answers it from the cache instead.
type CachedFetcher struct {
	remote channel.Fetcher
	cache  *Cache
	log    *slog.Logger
	now    func() time.Time
}

// NewCachedFetcher wraps remote.
func NewCachedFetcher(remote channel.Fetcher, cache *Cache, log *slog.Logger) *CachedFetcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &CachedFetcher{remote: remote, cache: cache, log: log, now: time.Now}
}

// FetchPage implements channel.Fetcher.
func (f *CachedFetcher) FetchPage(ctx context.Context, req channel.PageRequest) (channel.Page, error) {
	page, err := f.remote.FetchPage(ctx, req)
	if err == nil {
		if werr := f.cache.SaveMessages(req.ChannelID, page.Messages, f.now()); werr != nil {
			f.log.Warn("history.cache.write.fail", "channel_id", req.ChannelID, "err", werr)
		}
		return page, nil
	}

	if req.Anchor.Kind != channel.AnchorLatest {
		return channel.Page{}, err
	}

	cached, cerr := f.cache.Latest(req.ChannelID, clampLimit(req.Limit))
	if cerr != nil || len(cached) == 0 {
		return channel.Page{}, err
	}
	if terr := f.cache.Touch(req.ChannelID, f.now()); terr != nil {
		f.log.Debug("history.cache.touch.fail", "channel_id", req.ChannelID, "err", terr)
	}

	f.log.Info("history.cache.fallback",
		"channel_id", req.ChannelID,
		"messages", len(cached),
		"err", err,
	)
	// The newest cached message is the newest we know of; a later resync replaces it.
	return channel.Page{Messages: cached, ReachedNewest: true}, nil
}
