package app

import (
	"time"

	"chatsync/cmd/internal/banlist"
	"chatsync/cmd/internal/channel"
)

type messageView struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	AuthorID    string    `json:"author_id"`
	ClientMsgID string    `json:"client_msg_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Text        string    `json:"text"`
	Seq         int64     `json:"seq,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Deleted     bool      `json:"deleted,omitempty"`
	Pending     bool      `json:"pending,omitempty"`
}

func viewMessage(m channel.Message) messageView {
	return messageView{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.AuthorID,
		ClientMsgID: m.ClientMsgID,
		ParentID:    m.ParentID,
		Text:        m.Text,
		Seq:         m.Seq,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		Deleted:     m.Deleted,
		Pending:     m.Pending,
	}
}

type markerView struct {
	LastReadAt        time.Time `json:"last_read_at"`
	LastReadMessageID string    `json:"last_read_message_id,omitempty"`
}

func viewMarker(mk channel.ReadMarker) markerView {
	return markerView{LastReadAt: mk.LastReadAt, LastReadMessageID: mk.LastReadMessageID}
}

type stateView struct {
	ChannelID string `json:"channel_id"`
	Phase     string `json:"phase"`
	Error     string `json:"error,omitempty"`
	Version   uint64 `json:"version"`

	Window struct {
		OldestLoadedID       string `json:"oldest_loaded_id,omitempty"`
		NewestLoadedID       string `json:"newest_loaded_id,omitempty"`
		HasLoadedAllNext     bool   `json:"has_loaded_all_next"`
		HasLoadedAllPrevious bool   `json:"has_loaded_all_previous"`
	} `json:"window"`

	Unread struct {
		Count         int        `json:"count"`
		HasUnread     bool       `json:"has_unread"`
		FirstUnreadID string     `json:"first_unread_id,omitempty"`
		LastRead      markerView `json:"last_read"`
	} `json:"unread"`

	Typing   []string              `json:"typing"`
	Markers  map[string]markerView `json:"markers"`
	Messages []messageView         `json:"messages"`
}

func viewState(st channel.State) stateView {
	var v stateView
	v.ChannelID = st.ChannelID
	v.Phase = st.Phase.String()
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	v.Version = st.Version

	v.Window.OldestLoadedID = st.Window.OldestLoadedID
	v.Window.NewestLoadedID = st.Window.NewestLoadedID
	v.Window.HasLoadedAllNext = st.Window.HasLoadedAllNext
	v.Window.HasLoadedAllPrevious = st.Window.HasLoadedAllPrevious

	v.Unread.Count = st.Unread.Count
	v.Unread.HasUnread = st.Unread.HasUnread
	v.Unread.FirstUnreadID = st.Unread.FirstUnreadID
	v.Unread.LastRead = viewMarker(st.Unread.LastRead)

	v.Typing = make([]string, 0, len(st.Typing))
	for _, t := range st.Typing {
		v.Typing = append(v.Typing, t.UserID)
	}
	v.Markers = make(map[string]markerView, len(st.Markers))
	for user, mk := range st.Markers {
		v.Markers[user] = viewMarker(mk)
	}
	v.Messages = make([]messageView, 0, st.Messages.Len())
	for i := 0; i < st.Messages.Len(); i++ {
		v.Messages = append(v.Messages, viewMessage(st.Messages.At(i)))
	}
	return v
}

type banView struct {
	ChannelID  string     `json:"channel_id"`
	UserID     string     `json:"user_id"`
	BannedByID string     `json:"banned_by_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func viewBan(b banlist.Ban) banView {
	v := banView{
		ChannelID:  b.ChannelID,
		UserID:     b.UserID,
		BannedByID: b.BannedByID,
		Reason:     b.Reason,
		CreatedAt:  b.CreatedAt,
	}
	if !b.ExpiresAt.IsZero() {
		exp := b.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}
