package protocol

import "time"

// Event names, client to server.
const (
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventSendMessage      = "send_message"
	EventGetChatHistory   = "get_chat_history"
	EventGetConversations = "get_conversations"
	EventMarkAsRead       = "mark_as_read"
	EventDeleteMessage    = "delete_message"
	EventGetUnreadCount   = "get_unread_count"
	EventTyping           = "typing"
)

// Event names, server to client.
const (
	EventUserStatus        = "user_status"
	EventUserJoinedRoom    = "user_joined_room"
	EventMessageSent       = "message_sent"
	EventNewMessage        = "new_message"
	EventChatHistory       = "chat_history"
	EventConversationsList = "conversations_list"
	EventMessagesRead      = "messages_read"
	EventMessageDeleted    = "message_deleted"
	EventUnreadCount       = "unread_count"
	EventUserTyping        = "user_typing"
	EventError             = "error"
)

// InboundEvents lists every event a client subscribes to.
var InboundEvents = []string{
	EventUserStatus,
	EventUserJoinedRoom,
	EventMessageSent,
	EventNewMessage,
	EventChatHistory,
	EventConversationsList,
	EventMessagesRead,
	EventMessageDeleted,
	EventUnreadCount,
	EventUserTyping,
	EventError,
}

// UserPayload carries a single user id (user_online, user_offline,
// get_conversations, get_unread_count).
type UserPayload struct {
	UserID int64 `json:"userId"`
}

// JoinRoomPayload is the join_room payload.
type JoinRoomPayload struct {
	UserID      int64 `json:"userId"`
	OtherUserID int64 `json:"otherUserId"`
}

// LeaveRoomPayload is the leave_room payload.
type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// SendMessagePayload is the send_message payload.
type SendMessagePayload struct {
	SenderID   int64       `json:"senderId"`
	ReceiverID int64       `json:"receiverId"`
	Message    string      `json:"message"`
	Type       MessageType `json:"type,omitempty"`
}

// GetChatHistoryPayload is the get_chat_history payload.
type GetChatHistoryPayload struct {
	UserID      int64 `json:"userId"`
	OtherUserID int64 `json:"otherUserId"`
	Page        int   `json:"page,omitempty"`
	Limit       int   `json:"limit,omitempty"`
}

// MarkAsReadPayload is the mark_as_read payload.
type MarkAsReadPayload struct {
	SenderID   int64 `json:"senderId"`
	ReceiverID int64 `json:"receiverId"`
}

// DeleteMessagePayload is the delete_message payload.
type DeleteMessagePayload struct {
	MessageID int64 `json:"messageId"`
	UserID    int64 `json:"userId"`
}

// TypingPayload is the typing payload.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   int64  `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// Presence values of user_status.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// UserStatusEvent reports a user going online or offline.
type UserStatusEvent struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// UserJoinedRoomEvent reports a user entering a room.
type UserJoinedRoomEvent struct {
	UserID int64  `json:"userId"`
	RoomID string `json:"roomId"`
}

// ChatHistoryEvent carries one page of a room's history.
type ChatHistoryEvent struct {
	Messages   []Message      `json:"messages"`
	Pagination PaginationInfo `json:"pagination"`
}

// ConversationsListEvent carries the full conversation list.
type ConversationsListEvent struct {
	Conversations []Conversation `json:"conversations"`
}

// MessagesReadEvent is the read receipt of a room.
type MessagesReadEvent struct {
	RoomID       string    `json:"roomId"`
	SenderID     int64     `json:"senderId"`
	ReceiverID   int64     `json:"receiverId"`
	ReadAt       time.Time `json:"readAt"`
	UpdatedCount int       `json:"updatedCount"`
}

// MessageDeletedEvent reports a deleted message.
type MessageDeletedEvent struct {
	MessageID int64  `json:"messageId"`
	RoomID    string `json:"roomId"`
}

// UnreadCountEvent carries the total unread count of the current user.
type UnreadCountEvent struct {
	UnreadCount int `json:"unreadCount"`
}

// UserTypingEvent reports a typing state change in a room.
type UserTypingEvent struct {
	UserID   int64  `json:"userId"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ServerError is the payload of the error event.
type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ServerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}
