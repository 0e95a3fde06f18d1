package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/dispatch-chat/internal/client"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"github.com/omochice/dispatch-chat/pkg/roomid"
	"github.com/rs/zerolog"
)

// Default history page.
const (
	DefaultHistoryPage  = 1
	DefaultHistoryLimit = 50
)

// Identity yields the signed-in user. It is consulted on every call, so a
// user switch takes effect immediately.
type Identity interface {
	CurrentUserID() (int64, bool)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func() (int64, bool)

// CurrentUserID implements Identity.
func (f IdentityFunc) CurrentUserID() (int64, bool) {
	return f()
}

// Notifier surfaces events that need the user's attention.
type Notifier interface {
	// NewMessage is called for a message from another user arriving in a
	// room that is not open.
	NewMessage(msg protocol.Message)
	// Error is called for errors pushed by the server.
	Error(err *protocol.ServerError)
}

// StatusSource reports connection status changes.
type StatusSource interface {
	OnStatusChange(fn func(client.Status)) (unsubscribe func())
}

// Service is the chat façade: it resolves room ids and the current user,
// emits through the event layer and keeps the store in sync with the
// server. Operations are no-ops when the event layer, the connection or the
// current user is unavailable.
type Service struct {
	events   *client.EventManager
	store    *Store
	identity Identity
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates a Service. events and notifier may be nil.
func NewService(events *client.EventManager, store *Store, identity Identity, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		events:   events,
		store:    store,
		identity: identity,
		notifier: notifier,
		logger:   logger.With().Str("component", "chat").Logger(),
		now:      time.Now,
	}
}

// Store returns the store the service writes to.
func (s *Service) Store() *Store {
	return s.store
}

// me returns the current user, or false when the service cannot act.
func (s *Service) me() (int64, bool) {
	if s.events == nil {
		return 0, false
	}
	return s.currentUser()
}

func (s *Service) currentUser() (int64, bool) {
	if s.identity == nil {
		return 0, false
	}
	return s.identity.CurrentUserID()
}

// degrade swallows ErrNotConnected so callers may act before the session
// is up.
func (s *Service) degrade(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, client.ErrNotConnected) {
		s.logger.Debug().Str("op", op).Msg("skipped while not connected")
		return nil
	}
	s.logger.Warn().Err(err).Str("op", op).Msg("emit failed")
	return err
}

// SendMessage sends text to receiverID. An empty typ means text. The
// message shows up as pending until the server confirms it.
func (s *Service) SendMessage(receiverID int64, text string, typ protocol.MessageType) error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return client.ErrEmptyMessage
	}
	if typ == "" {
		typ = protocol.MessageTypeText
	}

	now := s.now()
	pending := protocol.Message{
		SenderID:   me,
		ReceiverID: receiverID,
		RoomID:     roomid.Generate(me, receiverID),
		Message:    text,
		Type:       typ,
		CreatedAt:  now,
		UpdatedAt:  now,
		ClientRef:  uuid.NewString(),
	}
	s.store.Dispatch(AddPendingMessage{Message: pending})

	if err := s.events.Emitters.SendMessage(me, receiverID, text, typ); err != nil {
		s.store.Dispatch(DiscardPendingMessage{RoomID: pending.RoomID, ClientRef: pending.ClientRef})
		return s.degrade(protocol.EventSendMessage, err)
	}
	return nil
}

// GetConversations requests the conversation list.
func (s *Service) GetConversations() error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	return s.degrade(protocol.EventGetConversations, s.events.Emitters.GetConversations(me))
}

// GetChatHistory opens the room shared with otherUserID and requests a page
// of its history. Non-positive page and limit take the defaults.
func (s *Service) GetChatHistory(otherUserID int64, page, limit int) error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	if page <= 0 {
		page = DefaultHistoryPage
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.store.Dispatch(
		SetActiveRoomID{RoomID: roomid.Generate(me, otherUserID)},
		SetLoading{Loading: true},
	)
	if err := s.events.Emitters.GetChatHistory(me, otherUserID, page, limit); err != nil {
		s.store.Dispatch(SetLoading{Loading: false})
		return s.degrade(protocol.EventGetChatHistory, err)
	}
	return nil
}

// MarkAsRead marks the messages senderID sent to the current user as read.
func (s *Service) MarkAsRead(senderID int64) error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	return s.degrade(protocol.EventMarkAsRead, s.events.Emitters.MarkAsRead(senderID, me))
}

// SendTyping reports the current user's typing state in roomID.
func (s *Service) SendTyping(roomID string, isTyping bool) error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	return s.degrade(protocol.EventTyping, s.events.Emitters.Typing(roomID, me, isTyping))
}

// GetUnreadCount requests the unread total.
func (s *Service) GetUnreadCount() error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	return s.degrade(protocol.EventGetUnreadCount, s.events.Emitters.GetUnreadCount(me))
}

// JoinRoom joins the room shared with otherUserID and makes it active.
func (s *Service) JoinRoom(otherUserID int64) error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	err := s.events.Emitters.JoinRoom(me, otherUserID)
	s.store.Dispatch(SetActiveRoomID{RoomID: roomid.Generate(me, otherUserID)})
	return s.degrade(protocol.EventJoinRoom, err)
}

// LeaveRoom leaves roomID and clears the active room.
func (s *Service) LeaveRoom(roomID string) error {
	if s.events == nil {
		return nil
	}
	err := s.events.Emitters.LeaveRoom(roomID)
	s.store.Dispatch(SetActiveRoomID{})
	return s.degrade(protocol.EventLeaveRoom, err)
}

// DeleteMessage asks the server to delete messageID. The local copy is
// marked deleted when the server reports it.
func (s *Service) DeleteMessage(messageID int64) error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	return s.degrade(protocol.EventDeleteMessage, s.events.Emitters.DeleteMessage(messageID, me))
}

// AnnounceOnline tells the server the current user is online.
func (s *Service) AnnounceOnline() error {
	me, ok := s.me()
	if !ok {
		return nil
	}
	return s.degrade(protocol.EventUserOnline, s.events.Emitters.UserOnline(me))
}

// Logout announces the current user offline and clears the chat state.
func (s *Service) Logout() error {
	var err error
	if me, ok := s.me(); ok {
		err = s.degrade(protocol.EventUserOffline, s.events.Emitters.UserOffline(me))
	}
	s.store.Dispatch(ClearChat{})
	return err
}

// NewTypingIndicator returns a TypingIndicator reporting in roomID.
func (s *Service) NewTypingIndicator(roomID string, opts ...TypingOption) *TypingIndicator {
	return NewTypingIndicator(func(isTyping bool) {
		if err := s.SendTyping(roomID, isTyping); err != nil {
			s.logger.Warn().Err(err).Str("room", roomID).Msg("typing update failed")
		}
	}, opts...)
}

// WatchConnection announces presence whenever src connects and forgets
// typing and presence state when it drops.
func (s *Service) WatchConnection(src StatusSource) (unwatch func()) {
	return src.OnStatusChange(func(st client.Status) {
		switch st {
		case client.StatusConnected:
			if err := s.AnnounceOnline(); err != nil {
				s.logger.Warn().Err(err).Msg("presence announcement failed")
			}
		case client.StatusDisconnected, client.StatusError:
			s.store.Dispatch(ClearTypingUsers{}, SetOnlineUsers{})
		}
	})
}

// Bind keeps the store in sync with server events until the returned
// function is called.
func (s *Service) Bind() (unbind func()) {
	if s.events == nil {
		return func() {}
	}
	l := s.events.Listeners

	unsubs := []func(){
		l.OnNewMessage(s.handleNewMessage),
		l.OnMessageSent(s.handleMessageSent),
		l.OnConversationsList(func(e protocol.ConversationsListEvent) {
			s.store.Dispatch(SetConversations{Conversations: e.Conversations})
		}),
		l.OnChatHistory(s.handleChatHistory),
		l.OnUnreadCount(func(e protocol.UnreadCountEvent) {
			s.store.Dispatch(SetUnreadCount{Count: e.UnreadCount})
		}),
		l.OnUserTyping(func(e protocol.UserTypingEvent) {
			if e.IsTyping {
				s.store.Dispatch(AddTypingUser{RoomID: e.RoomID, UserID: e.UserID})
			} else {
				s.store.Dispatch(RemoveTypingUser{RoomID: e.RoomID, UserID: e.UserID})
			}
		}),
		l.OnUserStatus(func(e protocol.UserStatusEvent) {
			if e.Status == protocol.PresenceOnline {
				s.store.Dispatch(AddOnlineUser{UserID: e.UserID})
			} else {
				s.store.Dispatch(RemoveOnlineUser{UserID: e.UserID})
			}
		}),
		l.OnMessagesRead(s.handleMessagesRead),
		l.OnMessageDeleted(func(e protocol.MessageDeletedEvent) {
			s.store.Dispatch(DeleteMessage{RoomID: e.RoomID, MessageID: e.MessageID, At: s.now()})
		}),
		l.OnUserJoinedRoom(func(e protocol.UserJoinedRoomEvent) {
			s.logger.Debug().Int64("user", e.UserID).Str("room", e.RoomID).Msg("user joined room")
		}),
		l.OnError(func(e *protocol.ServerError) {
			s.logger.Warn().Str("code", e.Code).Msg(e.Message)
			if s.notifier != nil {
				s.notifier.Error(e)
			}
		}),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}

func (s *Service) handleNewMessage(msg protocol.Message) {
	me, ok := s.currentUser()
	state := s.store.State()

	actions := []Action{
		ReceiveMessage{Message: msg},
		UpsertConversationFromMessage{Message: msg, Me: me},
	}
	notify := ok && msg.SenderID != me && msg.RoomID != state.ActiveRoomID && !state.HasMessage(msg.RoomID, msg.ID)
	if notify {
		actions = append(actions, IncrementUnreadCount{})
	}
	s.store.Dispatch(actions...)

	if notify && s.notifier != nil {
		s.notifier.NewMessage(msg)
	}
}

func (s *Service) handleMessageSent(msg protocol.Message) {
	me, _ := s.currentUser()
	s.store.Dispatch(
		ReceiveMessage{Message: msg},
		UpsertConversationFromMessage{Message: msg, Me: me},
	)
}

func (s *Service) handleChatHistory(e protocol.ChatHistoryEvent) {
	room := s.store.State().ActiveRoomID
	if room == "" && len(e.Messages) > 0 {
		room = e.Messages[0].RoomID
	}
	if room == "" {
		s.store.Dispatch(SetLoading{Loading: false})
		return
	}
	s.store.Dispatch(
		SetMessages{RoomID: room, Messages: e.Messages},
		SetLoading{Loading: false},
	)
}

func (s *Service) handleMessagesRead(e protocol.MessagesReadEvent) {
	actions := []Action{MarkMessagesAsRead{RoomID: e.RoomID}}
	if me, ok := s.currentUser(); ok && e.ReceiverID == me && e.UpdatedCount > 0 {
		actions = append(actions, DecrementUnreadCount{By: e.UpdatedCount})
	}
	s.store.Dispatch(actions...)
}
