package banlist

import (
	"context"
	"sync"
)

// Source serves pages of bans.
type Source interface {
	// ListBans returns up to limit bans matching q, skipping the first offset.
	ListBans(ctx context.Context, q Query, offset, limit int) ([]Ban, error)
}

// Store is a Source that can also change bans.
type Store interface {
	Source
	PutBan(ctx context.Context, b Ban) error
	RemoveBan(ctx context.Context, channelID, userID string) (bool, error)
}

// MemoryStore is a dev and test Store.
type MemoryStore struct {
	mu   sync.Mutex
	bans map[[2]string]Ban
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bans: make(map[[2]string]Ban)}
}

// PutBan inserts or replaces the ban of (channel, user).
func (s *MemoryStore) PutBan(ctx context.Context, b Ban) error {
	if b.ChannelID == "" || b.UserID == "" {
		return ErrInvalidBan
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.bans[[2]string{b.ChannelID, b.UserID}] = b
	s.mu.Unlock()
	return nil
}

// RemoveBan lifts a ban. It reports whether one existed.
func (s *MemoryStore) RemoveBan(ctx context.Context, channelID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	k := [2]string{channelID, userID}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bans[k]
	delete(s.bans, k)
	return ok, nil
}

// ListBans implements Source.
func (s *MemoryStore) ListBans(ctx context.Context, q Query, offset, limit int) ([]Ban, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	all := make([]Ban, 0, len(s.bans))
	for _, b := range s.bans {
		all = append(all, b)
	}
	s.mu.Unlock()

	out := q.sorted(all)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[max(0, offset):]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
