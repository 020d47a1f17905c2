package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/cmd/internal/channel"
	"chatsync/cmd/internal/ids"
)

const memMaxMessagesPerChannel = 10_000

// MemoryStore is a dev and test Store.
// It supports:
//   - Append: idempotent + seq allocation
//   - Edit/Delete: in place, deletes leave tombstones
//   - FetchPage: every anchor kind
type MemoryStore struct {
	mu    sync.Mutex
	chans map[string]*memChannel
}

type memChannel struct {
	seq    int64
	dedupe map[string]string // client_msg_id -> message id
	msgs   []channel.Message // ordered by seq
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chans: make(map[string]*memChannel)}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Append persists a message with idempotency and monotonic sequence allocation.
func (s *MemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chans[in.ChannelID]
	if c == nil {
		c = &memChannel{dedupe: make(map[string]string), msgs: make([]channel.Message, 0, 256)}
		s.chans[in.ChannelID] = c
	}

	if id, ok := c.dedupe[in.ClientMsgID]; ok {
		if i := c.index(id); i >= 0 {
			return AppendResult{Message: c.msgs[i], Duplicated: true}, nil
		}
	}

	if n := len(c.msgs); n > 0 {
		if last := c.msgs[n-1].CreatedAt; !now.After(last) {
			now = last.Add(createdAtStep)
		}
	}

	c.seq++
	m := channel.Message{
		ID:          ids.MustULID(now),
		ChannelID:   in.ChannelID,
		AuthorID:    in.AuthorID,
		ClientMsgID: in.ClientMsgID,
		ParentID:    in.ParentID,
		Text:        in.Text,
		CreatedAt:   now,
		UpdatedAt:   now,
		Seq:         c.seq,
	}
	c.dedupe[in.ClientMsgID] = m.ID
	c.msgs = append(c.msgs, m)

	if len(c.msgs) > memMaxMessagesPerChannel {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerChannel:]
	}

	return AppendResult{Message: m}, nil
}

// Edit replaces the text of a live message.
func (s *MemoryStore) Edit(ctx context.Context, channelID, messageID, text string, at time.Time) (channel.Message, error) {
	return s.mutate(ctx, channelID, messageID, func(m *channel.Message) error {
		if m.Deleted {
			return fmt.Errorf("edit %s: %w", messageID, ErrNotFound)
		}
		m.Text = text
		m.UpdatedAt = later(m.UpdatedAt, at)
		return nil
	})
}

// Delete turns a message into a tombstone. Deleting twice is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, channelID, messageID string, at time.Time) (channel.Message, error) {
	return s.mutate(ctx, channelID, messageID, func(m *channel.Message) error {
		if m.Deleted {
			return nil
		}
		m.Deleted = true
		m.Text = ""
		m.UpdatedAt = later(m.UpdatedAt, at)
		return nil
	})
}

func (s *MemoryStore) mutate(ctx context.Context, channelID, messageID string, fn func(*channel.Message) error) (channel.Message, error) {
	if channelID == "" || messageID == "" {
		return channel.Message{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return channel.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chans[channelID]
	i := -1
	if c != nil {
		i = c.index(messageID)
	}
	if i < 0 {
		return channel.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err := fn(&c.msgs[i]); err != nil {
		return channel.Message{}, err
	}
	return c.msgs[i], nil
}

// FetchPage implements channel.Fetcher.
func (s *MemoryStore) FetchPage(ctx context.Context, req channel.PageRequest) (channel.Page, error) {
	if req.ChannelID == "" {
		return channel.Page{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return channel.Page{}, err
	}
	limit := clampLimit(req.Limit)

	s.mu.Lock()
	var snap []channel.Message
	if c := s.chans[req.ChannelID]; c != nil {
		snap = append([]channel.Message(nil), c.msgs...)
	}
	s.mu.Unlock()

	n := len(snap)
	i := -1
	if req.Anchor.Kind != channel.AnchorLatest {
		for j := range snap {
			if snap[j].ID == req.Anchor.ID {
				i = j
				break
			}
		}
		if i < 0 {
			if req.Anchor.Kind == channel.AnchorAround {
				return channel.Page{}, nil
			}
			return channel.Page{}, fmt.Errorf("anchor %s: %w", req.Anchor, ErrNotFound)
		}
	}

	start, end := window(req.Anchor.Kind, i, n, limit)
	return channel.Page{
		Messages:      snap[start:end],
		ReachedOldest: start == 0,
		ReachedNewest: end == n,
	}, nil
}

func (c *memChannel) index(id string) int {
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
