// Package channel contains the per-channel synchronization core: the ordered message store,
// pagination window, realtime event reconciliation, change diffs and read state.
//
// Every Channel owns its state on a single goroutine. Callers talk to it through typed commands
// and read immutable State values; nothing outside the actor mutates a store.
package channel

import (
	"strings"
	"time"
)

// Message is one materialized chat message.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	ClientMsgID string
	ParentID    string
	Text        string

	CreatedAt time.Time
	UpdatedAt time.Time

	// Seq is the server sequence when known (0 = unknown). It is only used to prove adjacency
	// between a fetched page and the loaded window.
	Seq int64

	Deleted bool
	Pending bool
}

// SortKey orders messages by creation time, ties broken by id.
type SortKey struct {
	CreatedAt time.Time
	ID        string
}

// Key returns the positional sort key of m.
func (m Message) Key() SortKey {
	return SortKey{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Compare returns -1, 0 or +1.
func (k SortKey) Compare(o SortKey) int {
	switch {
	case k.CreatedAt.Before(o.CreatedAt):
		return -1
	case k.CreatedAt.After(o.CreatedAt):
		return 1
	}
	return strings.Compare(k.ID, o.ID)
}

// Less reports whether k sorts before o.
func (k SortKey) Less(o SortKey) bool { return k.Compare(o) < 0 }

// Equal reports whether m and o carry the same content.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.ChannelID == o.ChannelID &&
		m.AuthorID == o.AuthorID &&
		m.ClientMsgID == o.ClientMsgID &&
		m.ParentID == o.ParentID &&
		m.Text == o.Text &&
		m.CreatedAt.Equal(o.CreatedAt) &&
		m.UpdatedAt.Equal(o.UpdatedAt) &&
		m.Seq == o.Seq &&
		m.Deleted == o.Deleted &&
		m.Pending == o.Pending
}

// tombstone returns m marked deleted with its body cleared.
func (m Message) tombstone(at time.Time) Message {
	m.Deleted = true
	m.Text = ""
	if at.After(m.UpdatedAt) {
		m.UpdatedAt = at
	}
	return m
}
