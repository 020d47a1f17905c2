package channel

import (
	"log/slog"
	"time"
)

const (
	// Default page size for history fetches.
	defaultPageSize = 25
	// Hard ceiling accepted from config.
	maxPageSize = 200

	// Fetches are detached from the caller and bounded by this timeout instead.
	defaultFetchTimeout = 15 * time.Second

	// Typing indicators expire when no refresh arrives within this window.
	defaultTypingTimeout = 7 * time.Second

	// Bounded queues.
	defaultInboxSize      = 256
	defaultSubscriberSize = 64

	// Distinct messages remembered as unread while the window is away from the head.
	maxUnloadedActivity = 10_000
)

// Config configures one Channel.
type Config struct {
	// CurrentUserID is excluded from unread counts and typing lists.
	CurrentUserID string

	PageSize      int
	FetchTimeout  time.Duration
	TypingTimeout time.Duration

	// KeepTombstones selects the deletion policy: true keeps a cleared tombstone in place,
	// false removes the message from the store.
	KeepTombstones bool

	InboxSize      int
	SubscriberSize int

	Log     *slog.Logger
	Metrics *Metrics

	// Now is the clock used for typing expiry and local messages. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.PageSize > maxPageSize {
		c.PageSize = maxPageSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = defaultTypingTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	if c.SubscriberSize <= 0 {
		c.SubscriberSize = defaultSubscriberSize
	}
	if c.Log == nil {
		c.Log = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
