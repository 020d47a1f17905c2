package channel

import (
	"slices"
	"strings"
	"time"
)

// TypingSet is the ephemeral set of users currently typing. Later events win per user.
type TypingSet struct {
	timeout time.Duration
	users   map[string]time.Time
}

// NewTypingSet constructs an empty set whose entries expire after timeout.
func NewTypingSet(timeout time.Duration) *TypingSet {
	return &TypingSet{timeout: timeout, users: make(map[string]time.Time)}
}

// Start records userID as typing at at.
func (t *TypingSet) Start(userID string, at time.Time) bool {
	if userID == "" {
		return false
	}
	if cur, ok := t.users[userID]; ok && at.Before(cur) {
		return false
	}
	t.users[userID] = at
	return true
}

// Stop removes userID unless a newer start was recorded.
func (t *TypingSet) Stop(userID string, at time.Time) bool {
	cur, ok := t.users[userID]
	if !ok || at.Before(cur) {
		return false
	}
	delete(t.users, userID)
	return true
}

// Expire drops entries older than the timeout and reports whether any were removed.
func (t *TypingSet) Expire(now time.Time) bool {
	if t.timeout <= 0 {
		return false
	}
	removed := false
	for id, at := range t.users {
		if now.Sub(at) >= t.timeout {
			delete(t.users, id)
			removed = true
		}
	}
	return removed
}

// Users lists typing users sorted by id, excluding self.
func (t *TypingSet) Users(self string) []TypingUser {
	out := make([]TypingUser, 0, len(t.users))
	for id, at := range t.users {
		if id == self {
			continue
		}
		out = append(out, TypingUser{UserID: id, StartedAt: at})
	}
	slices.SortFunc(out, func(a, b TypingUser) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Len returns the number of entries, self included.
func (t *TypingSet) Len() int { return len(t.users) }
