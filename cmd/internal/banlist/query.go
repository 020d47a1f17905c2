// Package banlist pages through channel bans.
package banlist

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"time"
)

// DefaultPageSize is the page size of a zero Query.
const DefaultPageSize = 30

const maxPageSize = 100

// ErrInvalidBan marks a ban without channel or user.
var ErrInvalidBan = errors.New("banlist: invalid ban")

// Ban is one user banned from one channel.
type Ban struct {
	ChannelID  string
	UserID     string
	BannedByID string
	Reason     string
	CreatedAt  time.Time
	// ExpiresAt is zero for permanent bans.
	ExpiresAt time.Time
}

// Active reports whether b applies at now.
func (b Ban) Active(now time.Time) bool {
	return b.ExpiresAt.IsZero() || now.Before(b.ExpiresAt)
}

// Filter selects bans. Zero fields match everything.
type Filter struct {
	ChannelID     string
	UserID        string
	BannedByID    string
	Reason        string // substring, case-insensitive
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// ActiveAt drops bans that expired before it.
	ActiveAt time.Time
}

// Match reports whether b passes the filter.
func (f Filter) Match(b Ban) bool {
	switch {
	case f.ChannelID != "" && b.ChannelID != f.ChannelID:
		return false
	case f.UserID != "" && b.UserID != f.UserID:
		return false
	case f.BannedByID != "" && b.BannedByID != f.BannedByID:
		return false
	case f.Reason != "" && !strings.Contains(strings.ToLower(b.Reason), strings.ToLower(f.Reason)):
		return false
	case !f.CreatedAfter.IsZero() && !b.CreatedAt.After(f.CreatedAfter):
		return false
	case !f.CreatedBefore.IsZero() && !b.CreatedAt.Before(f.CreatedBefore):
		return false
	case !f.ActiveAt.IsZero() && !b.Active(f.ActiveAt):
		return false
	}
	return true
}

// Query is a filtered, sorted ban list request.
type Query struct {
	Filter Filter
	// Ascending sorts by created_at oldest first. The default is newest first.
	Ascending bool
	PageSize  int
}

func (q Query) pageSize() int {
	if q.PageSize <= 0 {
		return DefaultPageSize
	}
	return min(q.PageSize, maxPageSize)
}

// compare orders bans by created_at in the query direction, ties by channel then user.
func (q Query) compare(a, b Ban) int {
	c := a.CreatedAt.Compare(b.CreatedAt)
	if !q.Ascending {
		c = -c
	}
	if c != 0 {
		return c
	}
	return cmp.Or(strings.Compare(a.ChannelID, b.ChannelID), strings.Compare(a.UserID, b.UserID))
}

// sorted returns the bans matching q in query order.
func (q Query) sorted(all []Ban) []Ban {
	out := make([]Ban, 0, len(all))
	for _, b := range all {
		if q.Filter.Match(b) {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, q.compare)
	return out
}
