package channel

import (
	"time"
)

// effect summarizes what one event did.
type effect struct {
	changes []Change
	reads   bool
	typing  bool
	drop    string
	err     error
}

// Reconciler applies realtime events to the store, read state and typing set.
//
// Events that arrive while a fetch is in flight are applied immediately and also journaled;
// after the fetch merges, the journal is replayed so a page fetched before the event cannot
// resurrect stale content or drop a newer message.
type Reconciler struct {
	keepTombstones bool
	currentUser    string

	// pending local messages keyed by client message id.
	pending map[string]Message

	journaling bool
	journal    []Event
}

// NewReconciler constructs a reconciler.
func NewReconciler(currentUser string, keepTombstones bool) *Reconciler {
	return &Reconciler{
		keepTombstones: keepTombstones,
		currentUser:    currentUser,
		pending:        make(map[string]Message),
	}
}

// startJournal begins recording events for replay.
func (r *Reconciler) startJournal() {
	r.journaling = true
	r.journal = r.journal[:0]
}

// takeJournal stops recording and returns what was recorded.
func (r *Reconciler) takeJournal() []Event {
	out := r.journal
	r.journaling = false
	r.journal = nil
	return out
}

// apply processes one event.
func (r *Reconciler) apply(s *Store, pager *Coordinator, reads *ReadTracker, typing *TypingSet, ev Event) effect {
	if r.journaling {
		switch ev.Kind {
		case EventMessageCreated, EventMessageUpdated, EventMessageDeleted:
			r.journal = append(r.journal, ev)
		}
	}

	switch ev.Kind {
	case EventMessageCreated:
		return r.created(s, pager, reads, ev, false)
	case EventMessageUpdated:
		return r.updated(s, ev)
	case EventMessageDeleted:
		return r.deleted(s, ev)
	case EventTypingStarted:
		if ev.UserID == "" {
			return effect{err: EventError{Kind: ev.Kind, Msg: "missing user id"}, drop: "malformed"}
		}
		return effect{typing: typing.Start(ev.UserID, ev.At)}
	case EventTypingStopped:
		if ev.UserID == "" {
			return effect{err: EventError{Kind: ev.Kind, Msg: "missing user id"}, drop: "malformed"}
		}
		return effect{typing: typing.Stop(ev.UserID, ev.At)}
	case EventReadReceipt:
		if ev.UserID == "" {
			return effect{err: EventError{Kind: ev.Kind, Msg: "missing user id"}, drop: "malformed"}
		}
		if !reads.Receipt(ev.UserID, ReadMarker{LastReadAt: ev.At, LastReadMessageID: ev.MessageID}) {
			return effect{drop: "stale_receipt"}
		}
		return effect{reads: true}
	default:
		return effect{err: EventError{Kind: ev.Kind, Msg: "unknown event kind"}, drop: "malformed"}
	}
}

// replay re-applies journaled message events against the merged store.
func (r *Reconciler) replay(s *Store, pager *Coordinator, reads *ReadTracker, events []Event) []Change {
	var out []Change
	for _, ev := range events {
		var e effect
		switch ev.Kind {
		case EventMessageCreated:
			e = r.created(s, pager, reads, ev, true)
		case EventMessageUpdated:
			e = r.updated(s, ev)
		case EventMessageDeleted:
			e = r.deleted(s, ev)
		}
		out = append(out, e.changes...)
	}
	return out
}

func (r *Reconciler) created(s *Store, pager *Coordinator, reads *ReadTracker, ev Event, replaying bool) effect {
	m := ev.Message
	if m.ID == "" {
		return effect{err: EventError{Kind: ev.Kind, Msg: "missing message id"}, drop: "malformed"}
	}
	m.Pending = false

	var e effect
	if m.ClientMsgID != "" {
		if local, ok := r.pending[m.ClientMsgID]; ok {
			delete(r.pending, m.ClientMsgID)
			if i, ok := s.Remove(local.ID); ok {
				e.changes = append(e.changes, Change{Kind: ChangeRemove, Position: i, ID: local.ID, Origin: OriginLive})
			}
		}
	}

	if m.Deleted && !r.keepTombstones {
		if !s.Contains(m.ID) {
			e.drop = "deleted"
			return e
		}
		d := r.deleted(s, ev)
		e.changes = append(e.changes, d.changes...)
		e.reads = true
		return e
	}

	if !pager.atHead() {
		if !replaying {
			reads.Activity(m)
			e.reads = true
		}
		e.drop = "outside_window"
		return e
	}

	if !pager.Window().HasLoadedAllPrevious {
		if oldest, ok := oldestServer(s); ok && m.Key().Less(oldest.Key()) && !s.Contains(m.ID) {
			e.drop = "before_window"
			return e
		}
	}

	if cur, ok := s.Get(m.ID); ok && cur.UpdatedAt.After(m.UpdatedAt) {
		return e
	}

	res := s.Upsert(m)
	e.changes = append(e.changes, upsertChanges(res, m, OriginLive)...)
	e.reads = e.reads || len(e.changes) > 0
	return e
}

func (r *Reconciler) updated(s *Store, ev Event) effect {
	m := ev.Message
	if m.ID == "" {
		return effect{err: EventError{Kind: ev.Kind, Msg: "missing message id"}, drop: "malformed"}
	}
	cur, ok := s.Get(m.ID)
	if !ok {
		return effect{err: EventError{Kind: ev.Kind, Msg: "message " + m.ID + " not loaded"}, drop: "not_loaded"}
	}
	if m.UpdatedAt.Before(cur.UpdatedAt) {
		return effect{drop: "stale_update"}
	}
	if m.Deleted && !r.keepTombstones {
		return r.deleted(s, ev)
	}
	if cur.Deleted && !m.Deleted {
		// A tombstone is final.
		return effect{drop: "stale_update"}
	}
	m.Pending = false
	res := s.Upsert(m)
	changes := upsertChanges(res, m, OriginLive)
	return effect{changes: changes, reads: len(changes) > 0}
}

func (r *Reconciler) deleted(s *Store, ev Event) effect {
	id := ev.MessageID
	if id == "" {
		id = ev.Message.ID
	}
	if id == "" {
		return effect{err: EventError{Kind: ev.Kind, Msg: "missing message id"}, drop: "malformed"}
	}
	cur, ok := s.Get(id)
	if !ok {
		return effect{err: EventError{Kind: ev.Kind, Msg: "message " + id + " not loaded"}, drop: "not_loaded"}
	}

	if r.keepTombstones {
		if cur.Deleted {
			return effect{}
		}
		res := s.Upsert(cur.tombstone(ev.At))
		return effect{changes: upsertChanges(res, s.At(res.Index), OriginLive), reads: true}
	}

	i, _ := s.Remove(id)
	return effect{changes: []Change{{Kind: ChangeRemove, Position: i, ID: id, Origin: OriginLive}}, reads: true}
}

// addLocal registers a pending message and inserts it when the window is at the head.
func (r *Reconciler) addLocal(s *Store, pager *Coordinator, m Message) []Change {
	r.pending[m.ClientMsgID] = m
	if !pager.atHead() {
		return nil
	}
	return upsertChanges(s.Upsert(m), m, OriginLive)
}

// pendingAfter returns the pending messages not acknowledged by msgs, forgetting acknowledged ones.
func (r *Reconciler) pendingAfter(msgs []Message) []Message {
	if len(r.pending) == 0 {
		return nil
	}
	for _, m := range msgs {
		if m.ClientMsgID != "" {
			delete(r.pending, m.ClientMsgID)
		}
	}
	out := make([]Message, 0, len(r.pending))
	for _, m := range r.pending {
		out = append(out, m)
	}
	return out
}

// upsertChanges translates a store upsert into replayable changes.
func upsertChanges(res UpsertResult, m Message, origin Origin) []Change {
	switch res.Outcome {
	case Inserted:
		return []Change{{Kind: ChangeInsert, Position: res.Index, ID: m.ID, Message: m, Origin: origin}}
	case Replaced:
		return []Change{{Kind: ChangeUpdate, Position: res.Index, ID: m.ID, Message: m, Origin: origin}}
	case Moved:
		return []Change{
			{Kind: ChangeMove, Position: res.From, To: res.Index, ID: m.ID, Origin: origin},
			{Kind: ChangeUpdate, Position: res.Index, ID: m.ID, Message: m, Origin: origin},
		}
	}
	return nil
}

// stamp fills a missing event time, and a missing edit time on message payloads from it.
func stamp(ev Event, now time.Time) Event {
	if ev.At.IsZero() {
		ev.At = now
	}
	switch ev.Kind {
	case EventMessageCreated, EventMessageUpdated:
		if ev.Message.UpdatedAt.IsZero() {
			ev.Message.UpdatedAt = ev.At
		}
	}
	return ev
}
