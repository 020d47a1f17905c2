package transport

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"chatsync/cmd/internal/channel"
	v1 "chatsync/contracts/realtime/v1"
)

// DecodeEvent maps a server envelope to a channel event.
// Envelopes that are not channel events return ErrUnsupportedEnvelope.
func DecodeEvent(env v1.Envelope) (channel.Event, error) {
	if err := env.Validate(); err != nil {
		return channel.Event{}, DecodeError{Type: env.Type, Err: err}
	}

	switch env.Type {
	case v1.TypeMessageNew, v1.TypeMessageUpdated:
		var p v1.MessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return channel.Event{}, DecodeError{Type: env.Type, Err: err}
		}
		if strings.TrimSpace(p.ServerMsgID) == "" {
			return channel.Event{}, DecodeError{Type: env.Type, Err: errors.New("missing server_msg_id")}
		}
		kind := channel.EventMessageCreated
		if env.Type == v1.TypeMessageUpdated {
			kind = channel.EventMessageUpdated
		}
		m := MessageFromPayload(p)
		return channel.Event{Kind: kind, ChannelID: m.ChannelID, Message: m, At: eventTime(env, m.UpdatedAt)}, nil

	case v1.TypeMessageDeleted:
		var p v1.MessageDeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return channel.Event{}, DecodeError{Type: env.Type, Err: err}
		}
		if strings.TrimSpace(p.ServerMsgID) == "" {
			return channel.Event{}, DecodeError{Type: env.Type, Err: errors.New("missing server_msg_id")}
		}
		return channel.Event{
			Kind:      channel.EventMessageDeleted,
			ChannelID: p.ConversationID,
			MessageID: p.ServerMsgID,
			At:        eventTime(env, p.DeletedAt),
		}, nil

	case v1.TypeTypingStart, v1.TypeTypingStop:
		var p v1.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return channel.Event{}, DecodeError{Type: env.Type, Err: err}
		}
		kind := channel.EventTypingStarted
		if env.Type == v1.TypeTypingStop {
			kind = channel.EventTypingStopped
		}
		return channel.Event{Kind: kind, ChannelID: p.ConversationID, UserID: p.UserID, At: env.TS}, nil

	case v1.TypeReadReceipt:
		var p v1.ReadReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return channel.Event{}, DecodeError{Type: env.Type, Err: err}
		}
		return channel.Event{
			Kind:      channel.EventReadReceipt,
			ChannelID: p.ConversationID,
			UserID:    p.UserID,
			MessageID: p.ServerMsgID,
			At:        eventTime(env, p.ReadAt),
		}, nil
	}

	return channel.Event{}, ErrUnsupportedEnvelope
}

// MessageFromPayload converts a wire message.
func MessageFromPayload(p v1.MessagePayload) channel.Message {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = p.ServerTS
	}
	return channel.Message{
		ID:          p.ServerMsgID,
		ChannelID:   p.ConversationID,
		AuthorID:    p.Sender,
		ClientMsgID: p.ClientMsgID,
		ParentID:    p.ParentID,
		Text:        p.Text,
		CreatedAt:   p.ServerTS,
		UpdatedAt:   updated,
		Seq:         p.Seq,
		Deleted:     p.Deleted,
	}
}

// PayloadFromMessage converts a channel message to its wire form.
func PayloadFromMessage(m channel.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ConversationID: m.ChannelID,
		ClientMsgID:    m.ClientMsgID,
		ServerMsgID:    m.ID,
		Seq:            m.Seq,
		Sender:         m.AuthorID,
		ParentID:       m.ParentID,
		Text:           m.Text,
		ServerTS:       m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		Deleted:        m.Deleted,
	}
}

// PageFromChunk converts a history chunk.
func PageFromChunk(p v1.ConversationHistoryChunkPayload) channel.Page {
	msgs := make([]channel.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs = append(msgs, MessageFromPayload(m))
	}
	return channel.Page{Messages: msgs, ReachedOldest: p.ReachedOldest, ReachedNewest: p.ReachedNewest}
}

// eventTime prefers the payload timestamp over the envelope timestamp.
func eventTime(env v1.Envelope, preferred time.Time) time.Time {
	if !preferred.IsZero() {
		return preferred
	}
	return env.TS
}
