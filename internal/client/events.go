package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/omochice/dispatch-chat/internal/metrics"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

// ErrEmptyMessage is returned when sending a blank message.
var ErrEmptyMessage = errors.New("message is empty")

// Socket is the part of a Session the event layer needs.
type Socket interface {
	Emit(event string, payload any) error
	On(event string, h Handler) (unsubscribe func())
}

// Emitters sends the outbound chat events.
type Emitters struct {
	sock Socket
}

func (e Emitters) emit(event string, payload any) error {
	if e.sock == nil {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	return e.sock.Emit(event, payload)
}

// UserOnline announces userID as online.
func (e Emitters) UserOnline(userID int64) error {
	return e.emit(protocol.EventUserOnline, protocol.UserPayload{UserID: userID})
}

// UserOffline announces userID as offline.
func (e Emitters) UserOffline(userID int64) error {
	return e.emit(protocol.EventUserOffline, protocol.UserPayload{UserID: userID})
}

// JoinRoom joins the room shared by userID and otherUserID.
func (e Emitters) JoinRoom(userID, otherUserID int64) error {
	return e.emit(protocol.EventJoinRoom, protocol.JoinRoomPayload{UserID: userID, OtherUserID: otherUserID})
}

// LeaveRoom leaves roomID.
func (e Emitters) LeaveRoom(roomID string) error {
	return e.emit(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{RoomID: roomID})
}

// SendMessage sends text from senderID to receiverID. An empty type is left
// for the server to default.
func (e Emitters) SendMessage(senderID, receiverID int64, text string, typ protocol.MessageType) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return e.emit(protocol.EventSendMessage, protocol.SendMessagePayload{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    text,
		Type:       typ,
	})
}

// GetChatHistory requests one page of the history between userID and
// otherUserID. Zero page or limit are omitted.
func (e Emitters) GetChatHistory(userID, otherUserID int64, page, limit int) error {
	return e.emit(protocol.EventGetChatHistory, protocol.GetChatHistoryPayload{
		UserID:      userID,
		OtherUserID: otherUserID,
		Page:        page,
		Limit:       limit,
	})
}

// GetConversations requests the conversation list of userID.
func (e Emitters) GetConversations(userID int64) error {
	return e.emit(protocol.EventGetConversations, protocol.UserPayload{UserID: userID})
}

// MarkAsRead marks the messages senderID sent to receiverID as read.
func (e Emitters) MarkAsRead(senderID, receiverID int64) error {
	return e.emit(protocol.EventMarkAsRead, protocol.MarkAsReadPayload{SenderID: senderID, ReceiverID: receiverID})
}

// DeleteMessage deletes messageID on behalf of userID.
func (e Emitters) DeleteMessage(messageID, userID int64) error {
	return e.emit(protocol.EventDeleteMessage, protocol.DeleteMessagePayload{MessageID: messageID, UserID: userID})
}

// GetUnreadCount requests the unread total of userID.
func (e Emitters) GetUnreadCount(userID int64) error {
	return e.emit(protocol.EventGetUnreadCount, protocol.UserPayload{UserID: userID})
}

// Typing reports the typing state of userID in roomID.
func (e Emitters) Typing(roomID string, userID int64, isTyping bool) error {
	return e.emit(protocol.EventTyping, protocol.TypingPayload{RoomID: roomID, UserID: userID, IsTyping: isTyping})
}

// Listeners registers typed handlers for inbound events and remembers them
// so RemoveAll can drop exactly those.
type Listeners struct {
	sock   Socket
	logger zerolog.Logger

	mu    sync.Mutex
	unsub []func()
}

func (l *Listeners) track(unsub func()) func() {
	l.mu.Lock()
	l.unsub = append(l.unsub, unsub)
	l.mu.Unlock()
	return unsub
}

// on decodes the payload of event into T before calling fn.
func on[T any](l *Listeners, event string, fn func(T)) func() {
	if l.sock == nil {
		return func() {}
	}
	return l.track(l.sock.On(event, func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			metrics.DecodeFailures.WithLabelValues(event).Inc()
			l.logger.Warn().Err(err).Str("event", event).Msg("dropping malformed payload")
			return
		}
		fn(v)
	}))
}

// OnUserStatus subscribes to user_status.
func (l *Listeners) OnUserStatus(fn func(protocol.UserStatusEvent)) func() {
	return on(l, protocol.EventUserStatus, fn)
}

// OnUserJoinedRoom subscribes to user_joined_room.
func (l *Listeners) OnUserJoinedRoom(fn func(protocol.UserJoinedRoomEvent)) func() {
	return on(l, protocol.EventUserJoinedRoom, fn)
}

// OnMessageSent subscribes to message_sent, the server's confirmation of
// our own send.
func (l *Listeners) OnMessageSent(fn func(protocol.Message)) func() {
	return on(l, protocol.EventMessageSent, fn)
}

// OnNewMessage subscribes to new_message.
func (l *Listeners) OnNewMessage(fn func(protocol.Message)) func() {
	return on(l, protocol.EventNewMessage, fn)
}

// OnChatHistory subscribes to chat_history.
func (l *Listeners) OnChatHistory(fn func(protocol.ChatHistoryEvent)) func() {
	return on(l, protocol.EventChatHistory, fn)
}

// OnConversationsList subscribes to conversations_list.
func (l *Listeners) OnConversationsList(fn func(protocol.ConversationsListEvent)) func() {
	return on(l, protocol.EventConversationsList, fn)
}

// OnMessagesRead subscribes to messages_read.
func (l *Listeners) OnMessagesRead(fn func(protocol.MessagesReadEvent)) func() {
	return on(l, protocol.EventMessagesRead, fn)
}

// OnMessageDeleted subscribes to message_deleted.
func (l *Listeners) OnMessageDeleted(fn func(protocol.MessageDeletedEvent)) func() {
	return on(l, protocol.EventMessageDeleted, fn)
}

// OnUnreadCount subscribes to unread_count.
func (l *Listeners) OnUnreadCount(fn func(protocol.UnreadCountEvent)) func() {
	return on(l, protocol.EventUnreadCount, fn)
}

// OnUserTyping subscribes to user_typing.
func (l *Listeners) OnUserTyping(fn func(protocol.UserTypingEvent)) func() {
	return on(l, protocol.EventUserTyping, fn)
}

// OnError subscribes to error events pushed by the server.
func (l *Listeners) OnError(fn func(*protocol.ServerError)) func() {
	return on(l, protocol.EventError, func(e protocol.ServerError) {
		metrics.ServerErrors.Inc()
		fn(&e)
	})
}

// RemoveAll drops every handler registered through l.
func (l *Listeners) RemoveAll() {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()

	for _, u := range unsub {
		u()
	}
}

// EventManager bundles the emitters and listeners of one socket.
type EventManager struct {
	Emitters  Emitters
	Listeners *Listeners
}

// NewEventManager builds the event layer on sock.
func NewEventManager(sock Socket, logger zerolog.Logger) *EventManager {
	return &EventManager{
		Emitters: Emitters{sock: sock},
		Listeners: &Listeners{
			sock:   sock,
			logger: logger.With().Str("component", "events").Logger(),
		},
	}
}

// Cleanup removes every listener registered through the manager. Other
// listeners on the socket are untouched.
func (m *EventManager) Cleanup() {
	m.Listeners.RemoveAll()
}
