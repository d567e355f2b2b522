package chat

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Wire event names used by a conversation session.
const (
	EventJoin           = "join_chat"
	EventLeave          = "leave_conversation"
	EventNewMessage     = "new_message"
	EventTyping         = "user_typing"
	EventStoppedTyping  = "user_stopped_typing"
	EventMarkRead       = "mark_read"
	EventMessageExpired = "message_expired"
	EventMessagesRead   = "messages_read"
)

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	ReadBy         []string   `json:"readBy,omitempty"`
}

// Expired reports whether m has a deadline that lies before now. Messages without one never expire.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

func (m Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

func (m Message) clone() Message {
	m.ReadBy = append([]string(nil), m.ReadBy...)
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		m.ExpiresAt = &t
	}
	return m
}

// OutgoingMessage is the new_message payload a client emits. The server assigns id and createdAt
// and echoes the stored Message to every room member.
type OutgoingMessage struct {
	Content        string     `json:"content"`
	Sender         string     `json:"sender"`
	Recipient      string     `json:"recipient"`
	ConversationID string     `json:"conversationId"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// TypingPayload is emitted with user_typing and user_stopped_typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

// TypingSignal is the inbound form of a typing event.
type TypingSignal struct {
	ConversationID string `json:"conversationId,omitempty"`
	User           string `json:"user"`
}

type MarkReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// MessagesReadPayload reports that UserID has read MessageIDs. An empty UserID means the peer.
type MessagesReadPayload struct {
	ConversationID string   `json:"conversationId,omitempty"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId,omitempty"`
}

// ExpiredPayload is the object form of message_expired. The event may also carry the bare id.
type ExpiredPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

func decodeExpired(data json.RawMessage) (ExpiredPayload, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		id = strings.TrimSpace(id)
		if id == "" {
			return ExpiredPayload{}, errors.New("empty message id")
		}
		return ExpiredPayload{MessageID: id}, nil
	}
	var p struct {
		ExpiredPayload
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ExpiredPayload{}, errors.Wrap(err, "decode message_expired")
	}
	if p.MessageID == "" {
		p.MessageID = p.ID
	}
	if p.MessageID == "" {
		return ExpiredPayload{}, errors.New("message_expired without id")
	}
	return p.ExpiredPayload, nil
}
