// Package v1 defines the chatsync realtime protocol v1 contract.
//
// It is shared by the sync client transports and by test servers so the wire format stays
// authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the websocket handshake.
const Subprotocol = "chatsync.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationJoin joins a conversation (client -> server) and is echoed back.
	TypeConversationJoin = "conversation_join"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts a newly accepted message.
	TypeMessageNew = "message_new"
	// TypeMessageUpdated broadcasts an edited message (full message payload).
	TypeMessageUpdated = "message_updated"
	// TypeMessageDeleted broadcasts a deletion.
	TypeMessageDeleted = "message_deleted"

	// TypeTypingStart and TypeTypingStop carry ephemeral typing indicators (both directions).
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// TypeReadReceipt reports a member's read position (both directions).
	TypeReadReceipt = "read_receipt"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// History anchors.
const (
	AnchorLatest = "latest"
	AnchorBefore = "before"
	AnchorAfter  = "after"
	AnchorAround = "around"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeConversationJoin,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageUpdated,
		TypeMessageDeleted,
		TypeTypingStart,
		TypeTypingStop,
		TypeReadReceipt,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// New builds an envelope with a marshaled payload.
func New(typ, id string, ts time.Time, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: b}, nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to initiate a session. Token is passed through opaquely.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload carries the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// ConversationJoinPayload requests membership in a conversation.
type ConversationJoinPayload struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind,omitempty"`
}

// MessageSendPayload requests sending a message into a conversation.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	ParentID       string `json:"parent_id,omitempty"`
	Text           string `json:"text"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	ServerMsgID    string `json:"server_msg_id"`
	Seq            int64  `json:"seq"`
}

// MessagePayload is a full message, used by message_new, message_updated and history chunks.
type MessagePayload struct {
	ConversationID string    `json:"conversation_id"`
	ClientMsgID    string    `json:"client_msg_id,omitempty"`
	ServerMsgID    string    `json:"server_msg_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	ParentID       string    `json:"parent_id,omitempty"`
	Text           string    `json:"text"`
	ServerTS       time.Time `json:"server_ts"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
}

// MessageDeletedPayload identifies a deleted message.
type MessageDeletedPayload struct {
	ConversationID string    `json:"conversation_id"`
	ServerMsgID    string    `json:"server_msg_id"`
	DeletedAt      time.Time `json:"deleted_at,omitempty"`
}

// TypingPayload is the body of typing_start/typing_stop.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
}

// ReadReceiptPayload reports that UserID read up to ServerMsgID.
type ReadReceiptPayload struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	ServerMsgID    string    `json:"server_msg_id"`
	ReadAt         time.Time `json:"read_at"`
}

// ConversationHistoryFetchPayload requests a history window for a conversation.
//
// Anchor is one of latest/before/after/around; ServerMsgID is required for all but latest.
// RequestID is echoed in the matching chunk.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	RequestID      string `json:"request_id,omitempty"`
	Anchor         string `json:"anchor,omitempty"`
	ServerMsgID    string `json:"server_msg_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages for a history fetch request, ascending.
type ConversationHistoryChunkPayload struct {
	ConversationID string           `json:"conversation_id"`
	RequestID      string           `json:"request_id,omitempty"`
	Messages       []MessagePayload `json:"messages"`
	ReachedOldest  bool             `json:"reached_oldest"`
	ReachedNewest  bool             `json:"reached_newest"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}
