// Package realtime owns the client side of the OneStop websocket channel:
// one connection per credential, a bounded reconnect state machine, and an
// event envelope with optional acknowledgements.
package realtime

import (
	"encoding/json"

	"onestop/domain"
)

// Event is the JSON envelope exchanged over the channel.
//
// Seq is set on events emitted with an acknowledgement request; the server
// echoes it back on the matching "ack" event so the reply can be correlated.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// Server -> client events.
const (
	EventNotification    = "notification"
	EventNotificationNew = "notification:new"
	EventMessageNew      = "message:new"
	EventMessageUpdate   = "message:update"
	EventMessageDeleted  = "message:deleted"
	EventPresenceUpdate  = "presence:update"
	EventAck             = "ack"
)

// Client -> server events. EventTyping flows both ways.
const (
	EventMessageSend   = "message:send"
	EventMessageMark   = "message:mark"
	EventMessageDelete = "message:delete"
	EventTyping        = "typing"
)

// Ack is the payload of an "ack" event.
type Ack struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TypingPayload carries a typing indicator in either direction. FromUserID
// is filled in by the server before forwarding.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	FromUserID     string `json:"from_user_id,omitempty"`
	Typing         bool   `json:"typing"`
}

// MessageSendPayload is the body of a message:send emit.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// MessageMarkPayload asks the server to raise the status of messages
// addressed to the current user.
type MessageMarkPayload struct {
	ConversationID string               `json:"conversation_id"`
	MessageIDs     []string             `json:"message_ids,omitempty"`
	Status         domain.MessageStatus `json:"status"`
}

// MessageUpdatePayload is pushed when a message's delivery status changes.
type MessageUpdatePayload struct {
	MessageID      string               `json:"message_id"`
	ConversationID string               `json:"conversation_id"`
	Status         domain.MessageStatus `json:"status"`
}

// MessageDeletePayload asks the server to delete a message for everyone.
type MessageDeletePayload struct {
	MessageID string `json:"message_id"`
}

// MessageDeletedPayload is broadcast after a for-everyone deletion.
type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// PresencePayload reports a user going online or offline.
type PresencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// marshalEvent builds an Event with an encoded payload.
func marshalEvent(eventType string, payload any, seq int64) (Event, error) {
	ev := Event{Type: eventType, Seq: seq}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Data = data
	}
	return ev, nil
}
