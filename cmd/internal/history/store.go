// Package history contains the history sources that serve channel pages: an in-memory store for
// development, a Postgres store, and a pebble-backed local cache with scheduled eviction.
package history

import (
	"context"
	"errors"
	"time"

	"chatsync/cmd/internal/channel"
)

const (
	defaultLimit = 25
	maxLimit     = 200

	// Minimum spacing between consecutive creation times in one channel, so (created_at, id)
	// ordering always agrees with seq ordering.
	createdAtStep = time.Microsecond
)

var (
	// ErrNotFound is returned when an anchor or target message does not exist.
	ErrNotFound = errors.New("history: message not found")

	// ErrInvalidInput marks malformed store requests.
	ErrInvalidInput = errors.New("history: invalid input")
)

// Store persists channel messages and serves pages of them.
//
// Requirements:
//   - Idempotency per (channel_id, client_msg_id)
//   - Monotonic seq per channel (no gaps for duplicates)
//   - Pages ordered by seq ASC
type Store interface {
	channel.Fetcher
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	Edit(ctx context.Context, channelID, messageID, text string, at time.Time) (channel.Message, error)
	Delete(ctx context.Context, channelID, messageID string, at time.Time) (channel.Message, error)
	Close() error
}

// AppendInput describes a message append request.
type AppendInput struct {
	ChannelID   string
	ClientMsgID string
	AuthorID    string
	ParentID    string
	Text        string
	Now         time.Time
}

func (in AppendInput) validate() error {
	if in.ChannelID == "" || in.ClientMsgID == "" || in.AuthorID == "" {
		return ErrInvalidInput
	}
	return nil
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    channel.Message
	Duplicated bool
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

// window picks the [start, end) slice of n seq-ordered messages that answers an anchor at index i.
// i is ignored for the latest anchor.
func window(kind channel.AnchorKind, i, n, limit int) (start, end int) {
	switch kind {
	case channel.AnchorBefore:
		return max(0, i-limit), i
	case channel.AnchorAfter:
		return i + 1, min(n, i+1+limit)
	case channel.AnchorAround:
		start = max(0, i-limit/2)
		return start, min(n, start+limit)
	default:
		return max(0, n-limit), n
	}
}
