package channel

import (
	"maps"
	"time"
)

// ComputeUnread derives the unread summary for currentUser over an ordered message run.
//
// A message is unread when it was created after the user's marker, was not written by the user
// and is not a tombstone. Without a marker every such message counts.
func ComputeUnread(msgs []Message, markers map[string]ReadMarker, currentUser string) Unread {
	last := markers[currentUser]
	u := Unread{LastRead: last}
	for _, m := range msgs {
		if m.Deleted || m.Pending || m.AuthorID == currentUser {
			continue
		}
		if !m.CreatedAt.After(last.LastReadAt) {
			continue
		}
		if m.ID == last.LastReadMessageID {
			continue
		}
		if u.Count == 0 {
			u.FirstUnreadID = m.ID
		}
		u.Count++
	}
	u.HasUnread = u.Count > 0
	return u
}

// ReadTracker holds per-user read markers and activity that happened outside the loaded window.
type ReadTracker struct {
	currentUser string
	markers     map[string]ReadMarker

	// unloaded holds the creation time of messages whose created events were dropped because
	// the window was not at the head, keyed by message id so redelivery counts once.
	unloaded map[string]time.Time
}

// NewReadTracker constructs a tracker for currentUser.
func NewReadTracker(currentUser string) *ReadTracker {
	return &ReadTracker{
		currentUser: currentUser,
		markers:     make(map[string]ReadMarker),
		unloaded:    make(map[string]time.Time),
	}
}

// Marker returns the marker of userID.
func (r *ReadTracker) Marker(userID string) (ReadMarker, bool) {
	m, ok := r.markers[userID]
	return m, ok
}

// Markers returns a copy of all markers.
func (r *ReadTracker) Markers() map[string]ReadMarker {
	return maps.Clone(r.markers)
}

// Receipt applies a read receipt. Receipts not newer than the stored marker are ignored.
func (r *ReadTracker) Receipt(userID string, mk ReadMarker) bool {
	if userID == "" {
		return false
	}
	if cur, ok := r.markers[userID]; ok && !mk.LastReadAt.After(cur.LastReadAt) {
		return false
	}
	r.markers[userID] = mk
	if userID == r.currentUser {
		r.readThrough(mk.LastReadAt)
	}
	return true
}

// Activity records a created event that did not enter the store.
func (r *ReadTracker) Activity(m Message) {
	if m.ID == "" || m.Deleted || m.AuthorID == r.currentUser {
		return
	}
	if mk, ok := r.markers[r.currentUser]; ok && !m.CreatedAt.After(mk.LastReadAt) {
		return
	}
	if _, ok := r.unloaded[m.ID]; ok || len(r.unloaded) >= maxUnloadedActivity {
		return
	}
	r.unloaded[m.ID] = m.CreatedAt
}

// ReachedHead clears unloaded activity once the window includes the newest messages again.
func (r *ReadTracker) ReachedHead() {
	clear(r.unloaded)
}

func (r *ReadTracker) readThrough(at time.Time) {
	maps.DeleteFunc(r.unloaded, func(_ string, created time.Time) bool { return !created.After(at) })
}

// MarkRead moves the current user's marker to newest. It reports false when nothing changed.
func (r *ReadTracker) MarkRead(newest Message, atHead bool) (ReadMarker, bool) {
	mk := ReadMarker{LastReadAt: newest.CreatedAt, LastReadMessageID: newest.ID}
	cur, ok := r.markers[r.currentUser]
	if ok && !mk.LastReadAt.After(cur.LastReadAt) {
		return cur, false
	}
	r.markers[r.currentUser] = mk
	if atHead {
		clear(r.unloaded)
	} else {
		r.readThrough(mk.LastReadAt)
	}
	return mk, true
}

// Unread computes the summary over the loaded messages plus unloaded activity.
func (r *ReadTracker) Unread(msgs []Message) Unread {
	u := ComputeUnread(msgs, r.markers, r.currentUser)
	extra := len(r.unloaded)
	if extra > 0 {
		for _, m := range msgs {
			if _, ok := r.unloaded[m.ID]; ok {
				extra--
			}
		}
	}
	u.Count += extra
	u.HasUnread = u.Count > 0
	return u
}
