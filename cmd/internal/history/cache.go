package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"chatsync/cmd/internal/channel"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	c/<channel>/m/<020 created_at unix nanos>/<message id> -> JSON message
//	c/<channel>/i/<message id>                           -> current message key
//	a/<channel>                                          -> last access, unix nanos (big endian)
const (
	cacheChannelPrefix = "c/"
	cacheAccessPrefix  = "a/"
)

// ErrBadChannelID is returned for ids that cannot be used inside cache keys.
var ErrBadChannelID = errors.New("history: channel id not cacheable")

// Cache is a local pebble-backed copy of recently seen channel pages.
type Cache struct {
	db  *pebble.DB
	log *slog.Logger
}

// ChannelUsage describes one cached channel.
type ChannelUsage struct {
	ChannelID  string
	LastAccess time.Time
	Bytes      uint64
}

// OpenCache opens (or creates) a cache at path.
func OpenCache(path string, log *slog.Logger) (*Cache, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	log.Info("history.cache.open", "path", path)
	return &Cache{db: db, log: log}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// SaveMessages writes msgs for channelID and refreshes its access time.
// Saving a message again overwrites it, moving it when its creation time changed.
func (c *Cache) SaveMessages(channelID string, msgs []channel.Message, now time.Time) error {
	if err := checkChannelID(channelID); err != nil {
		return err
	}
	b := c.db.NewIndexedBatch()
	defer b.Close()

	for _, m := range msgs {
		if err := putMessage(b, channelID, m); err != nil {
			return err
		}
	}
	if err := b.Set(accessKey(channelID), encodeTime(now), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ApplyChanges writes live edits through: inserted and updated messages are saved,
// removed ones are deleted. Moves carry no content and are skipped.
func (c *Cache) ApplyChanges(channelID string, changes []channel.Change) error {
	if err := checkChannelID(channelID); err != nil {
		return err
	}
	b := c.db.NewIndexedBatch()
	defer b.Close()

	for _, ch := range changes {
		var err error
		switch ch.Kind {
		case channel.ChangeInsert, channel.ChangeUpdate:
			err = putMessage(b, channelID, ch.Message)
		case channel.ChangeRemove:
			err = deleteMessage(b, channelID, ch.ID)
		}
		if err != nil {
			return err
		}
	}
	if b.Empty() {
		return nil
	}
	return b.Commit(pebble.NoSync)
}

// DeleteMessage drops one cached message.
func (c *Cache) DeleteMessage(channelID, id string) error {
	if err := checkChannelID(channelID); err != nil {
		return err
	}
	b := c.db.NewIndexedBatch()
	defer b.Close()
	if err := deleteMessage(b, channelID, id); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func putMessage(b *pebble.Batch, channelID string, m channel.Message) error {
	if m.ID == "" || m.Pending {
		return nil
	}
	v, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.ID, err)
	}
	key := messageKey(channelID, m)
	if err := deleteStale(b, channelID, m.ID, key); err != nil {
		return err
	}
	if err := b.Set(key, v, nil); err != nil {
		return err
	}
	return b.Set(indexKey(channelID, m.ID), key, nil)
}

func deleteMessage(b *pebble.Batch, channelID, id string) error {
	if id == "" {
		return nil
	}
	if err := deleteStale(b, channelID, id, nil); err != nil {
		return err
	}
	return b.Delete(indexKey(channelID, id), nil)
}

// deleteStale removes the entry id is indexed under unless it is keep.
func deleteStale(b *pebble.Batch, channelID, id string, keep []byte) error {
	old, closer, err := b.Get(indexKey(channelID, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	prev := bytes.Clone(old)
	_ = closer.Close()
	if bytes.Equal(prev, keep) {
		return nil
	}
	return b.Delete(prev, nil)
}

// Latest returns up to n of the newest cached messages of channelID, ascending.
func (c *Cache) Latest(channelID string, n int) ([]channel.Message, error) {
	if err := checkChannelID(channelID); err != nil {
		return nil, err
	}
	lo, hi := messageBounds(channelID)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []channel.Message
	for ok := iter.Last(); ok && len(out) < n; ok = iter.Prev() {
		var m channel.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			c.log.Warn("history.cache.corrupt", "channel_id", channelID, "key", string(iter.Key()), "err", err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Touch records an access to channelID.
func (c *Cache) Touch(channelID string, now time.Time) error {
	if err := checkChannelID(channelID); err != nil {
		return err
	}
	return c.db.Set(accessKey(channelID), encodeTime(now), pebble.NoSync)
}

// DeleteChannel drops every cached message of channelID.
func (c *Cache) DeleteChannel(channelID string) error {
	if err := checkChannelID(channelID); err != nil {
		return err
	}
	lo, hi := channelBounds(channelID)
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(lo, hi, nil); err != nil {
		return err
	}
	if err := b.Delete(accessKey(channelID), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Usage lists cached channels with their access time and stored size.
func (c *Cache) Usage() ([]ChannelUsage, error) {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(cacheAccessPrefix),
		UpperBound: prefixEnd([]byte(cacheAccessPrefix)),
	})
	if err != nil {
		return nil, err
	}
	var out []ChannelUsage
	for ok := iter.First(); ok; ok = iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), cacheAccessPrefix)
		out = append(out, ChannelUsage{ChannelID: id, LastAccess: decodeTime(iter.Value())})
	}
	err = iter.Error()
	_ = iter.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		n, err := c.channelBytes(out[i].ChannelID)
		if err != nil {
			return nil, err
		}
		out[i].Bytes = n
	}
	return out, nil
}

func (c *Cache) channelBytes(channelID string) (uint64, error) {
	lo, hi := channelBounds(channelID)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n uint64
	for ok := iter.First(); ok; ok = iter.Next() {
		n += uint64(len(iter.Key()) + len(iter.Value()))
	}
	return n, iter.Error()
}

func checkChannelID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrBadChannelID, id)
	}
	return nil
}

// messageKey orders messages by creation time then id, the same order the channel store uses.
func messageKey(channelID string, m channel.Message) []byte {
	pos := max(m.CreatedAt.UnixNano(), 0)
	return fmt.Appendf(nil, "%s%s/m/%020d/%s", cacheChannelPrefix, channelID, pos, m.ID)
}

func indexKey(channelID, id string) []byte {
	return []byte(cacheChannelPrefix + channelID + "/i/" + id)
}

func messageBounds(channelID string) (lo, hi []byte) {
	lo = []byte(cacheChannelPrefix + channelID + "/m/")
	return lo, prefixEnd(lo)
}

func channelBounds(channelID string) (lo, hi []byte) {
	lo = []byte(cacheChannelPrefix + channelID + "/")
	return lo, prefixEnd(lo)
}

func accessKey(channelID string) []byte {
	return []byte(cacheAccessPrefix + channelID)
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func encodeTime(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano()))
}

func decodeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))).UTC()
}
