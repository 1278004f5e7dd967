package models

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

type Conversation struct {
	ID            string     `json:"id"`
	AccountID     string     `json:"account_id"`
	ContactID     string     `json:"contact_id"`
	IsActive      bool       `json:"is_active"`
	UnreadCount   int        `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	Contact       *Contact   `json:"contact,omitempty"`
}

// Message is immutable once recorded.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	ExternalMessageID int64     `json:"external_message_id"`
	Direction         Direction `json:"direction"`
	Body              string    `json:"body"`
	SentAt            time.Time `json:"sent_at"`
	IsRead            bool      `json:"is_read"`
	CreatedAt         time.Time `json:"created_at"`
}

// MessageRecord is the input to recording a message.
type MessageRecord struct {
	ConversationID    string
	ExternalMessageID int64
	Direction         Direction
	Body              string
	SentAt            time.Time
}

// MessageSummary is the payload pushed to live viewers.
type MessageSummary struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	ExternalMessageID int64     `json:"external_message_id"`
	Content           string    `json:"content"`
	Direction         Direction `json:"direction"`
	Timestamp         time.Time `json:"timestamp"`
}

// Summary builds the live-update payload for a recorded message.
func (m *Message) Summary() MessageSummary {
	return MessageSummary{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		ExternalMessageID: m.ExternalMessageID,
		Content:           m.Body,
		Direction:         m.Direction,
		Timestamp:         m.SentAt,
	}
}

// SendMessageRequest represents the request payload for an outbound message.
type SendMessageRequest struct {
	Content string `json:"content"`
}
