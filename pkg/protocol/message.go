// Package protocol defines the chat wire model: messages, conversations,
// event names and payloads, and the socket.io packet codec they travel in.
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType represents the kind of content a message carries
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	return string(mt)
}

// ParseMessageType converts a wire value to MessageType.
// Unknown values map to MessageTypeText so an unexpected type from the
// server still renders as a plain message.
func ParseMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageTypeImage:
		return MessageTypeImage
	case MessageTypeFile:
		return MessageTypeFile
	default:
		return MessageTypeText
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (mt *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*mt = ParseMessageType(s)
	return nil
}

// MessageStatus represents the delivery state of a message
type MessageStatus string

const (
	// StatusPending marks a message sent locally but not yet confirmed by
	// the server. It never appears on the wire.
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// rank orders statuses along sent -> delivered -> read.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is a forward transition.
func (s MessageStatus) Advances(next MessageStatus) bool {
	return next.rank() > s.rank()
}

// Message represents a chat message
type Message struct {
	ID         int64         `json:"id"`
	SenderID   int64         `json:"senderId"`
	ReceiverID int64         `json:"receiverId"`
	RoomID     string        `json:"roomId"`
	Message    string        `json:"message"`
	Type       MessageType   `json:"type"`
	Status     MessageStatus `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	DeletedAt  *time.Time    `json:"deletedAt,omitempty"`

	// ClientRef identifies an optimistic local copy until the server
	// confirms it. Local only.
	ClientRef string `json:"-"`
}

// IsPending reports whether the message awaits server confirmation.
func (m Message) IsPending() bool {
	return m.Status == StatusPending
}

// IsDeleted reports whether the message has been soft-deleted.
func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// ConversationUser is the counterpart of a conversation
type ConversationUser struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Name        string `json:"name,omitempty"`
}

// LastMessage summarizes the latest message of a conversation
type LastMessage struct {
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    MessageStatus `json:"status"`
	IsFromMe  bool          `json:"isFromMe"`
}

// Conversation is one entry of the current user's conversation list
type Conversation struct {
	RoomID      string           `json:"roomId"`
	User        ConversationUser `json:"user"`
	LastMessage LastMessage      `json:"lastMessage"`
	UnreadCount int              `json:"unreadCount,omitempty"`
}

// PaginationInfo describes one page of chat history
type PaginationInfo struct {
	TotalRecords int  `json:"totalRecords"`
	TotalPages   int  `json:"totalPages"`
	Page         int  `json:"page"`
	Limit        int  `json:"limit"`
	HasNextPage  bool `json:"hasNextPage"`
}
