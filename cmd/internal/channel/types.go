package channel

import (
	"context"
	"fmt"
	"time"
)

// AnchorKind selects which slice of history a fetch asks for.
type AnchorKind uint8

const (
	AnchorLatest AnchorKind = iota
	AnchorBefore
	AnchorAfter
	AnchorAround
)

func (k AnchorKind) String() string {
	switch k {
	case AnchorLatest:
		return "latest"
	case AnchorBefore:
		return "before"
	case AnchorAfter:
		return "after"
	case AnchorAround:
		return "around"
	default:
		return "unknown"
	}
}

// ParseAnchorKind maps the wire names back to an AnchorKind.
func ParseAnchorKind(s string) (AnchorKind, bool) {
	switch s {
	case "", "latest":
		return AnchorLatest, true
	case "before":
		return AnchorBefore, true
	case "after":
		return AnchorAfter, true
	case "around":
		return AnchorAround, true
	default:
		return 0, false
	}
}

// Anchor positions a page request relative to a message id.
type Anchor struct {
	Kind AnchorKind
	ID   string
}

func (a Anchor) String() string {
	if a.Kind == AnchorLatest {
		return "latest"
	}
	return a.Kind.String() + ":" + a.ID
}

// Latest is the anchor of the newest page.
func Latest() Anchor { return Anchor{Kind: AnchorLatest} }

// Before anchors the page strictly older than id.
func Before(id string) Anchor { return Anchor{Kind: AnchorBefore, ID: id} }

// After anchors the page strictly newer than id.
func After(id string) Anchor { return Anchor{Kind: AnchorAfter, ID: id} }

// Around anchors a page containing id near its middle.
func Around(id string) Anchor { return Anchor{Kind: AnchorAround, ID: id} }

// PageRequest is the input of a Fetcher.
type PageRequest struct {
	ChannelID string
	Anchor    Anchor
	Limit     int
}

// Page is a slice of history in ascending sort order.
//
// ReachedOldest/ReachedNewest report whether the page touches the corresponding end of the
// channel history.
type Page struct {
	Messages      []Message
	ReachedOldest bool
	ReachedNewest bool
}

// Fetcher loads pages of history.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req PageRequest) (Page, error)

func (f FetcherFunc) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	return f(ctx, req)
}

// Window describes the loaded run of history.
type Window struct {
	OldestLoadedID       string
	NewestLoadedID       string
	HasLoadedAllNext     bool
	HasLoadedAllPrevious bool
}

// Phase is the pagination state.
type Phase uint8

const (
	PhaseEmpty Phase = iota
	PhaseLoadingFirstPage
	PhaseIdle
	PhaseLoadingPrevious
	PhaseLoadingNext
	PhaseJumping
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseLoadingFirstPage:
		return "loading_first_page"
	case PhaseIdle:
		return "idle"
	case PhaseLoadingPrevious:
		return "loading_previous"
	case PhaseLoadingNext:
		return "loading_next"
	case PhaseJumping:
		return "jumping"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Loading reports whether a fetch is in flight.
func (p Phase) Loading() bool {
	switch p {
	case PhaseLoadingFirstPage, PhaseLoadingPrevious, PhaseLoadingNext, PhaseJumping:
		return true
	}
	return false
}

// EventKind enumerates realtime events.
type EventKind uint8

const (
	EventMessageCreated EventKind = iota + 1
	EventMessageUpdated
	EventMessageDeleted
	EventTypingStarted
	EventTypingStopped
	EventReadReceipt
)

func (k EventKind) String() string {
	switch k {
	case EventMessageCreated:
		return "message.created"
	case EventMessageUpdated:
		return "message.updated"
	case EventMessageDeleted:
		return "message.deleted"
	case EventTypingStarted:
		return "typing.started"
	case EventTypingStopped:
		return "typing.stopped"
	case EventReadReceipt:
		return "read.receipt"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one realtime notification for a channel.
//
// Message is set for created/updated events. MessageID identifies the target of deleted events
// (and the last read message of receipts). UserID is set for typing and receipt events.
type Event struct {
	Kind      EventKind
	ChannelID string
	Message   Message
	MessageID string
	UserID    string
	At        time.Time
}

// ReadMarker is a user's read position.
type ReadMarker struct {
	LastReadAt        time.Time
	LastReadMessageID string
}

// Unread is the derived unread summary for the current user.
type Unread struct {
	Count         int
	HasUnread     bool
	FirstUnreadID string
	LastRead      ReadMarker
}

// TypingUser is one entry of the ephemeral typing set.
type TypingUser struct {
	UserID    string
	StartedAt time.Time
}

// Cause names what produced an Update.
type Cause string

const (
	CauseFirstPage Cause = "first_page"
	CausePrevious  Cause = "previous_page"
	CauseNext      Cause = "next_page"
	CauseJump      Cause = "jump"
	CauseEvent     Cause = "event"
	CauseReplay    Cause = "replay"
	CauseLocal     Cause = "local"
	CauseReadState Cause = "read_state"
	CauseTyping    Cause = "typing"
	CausePhase     Cause = "phase"
)

// Update is delivered to subscribers after each state transition.
type Update struct {
	ChannelID string
	Cause     Cause
	Origin    Origin
	Changes   []Change

	// Replaced is set when the whole window was swapped (jump, disjoint page, first page).
	Replaced bool
	// Resync is set when this subscriber missed earlier updates and must rebuild from State.
	Resync bool

	State State
}

// State is an immutable published view of a channel.
type State struct {
	ChannelID string
	Messages  Snapshot
	Window    Window
	Phase     Phase
	Err       error
	Unread    Unread
	Typing    []TypingUser
	Markers   map[string]ReadMarker
	Version   uint64
}
