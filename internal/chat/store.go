// Package chat holds the local chat state and the façade UI code talks to.
package chat

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/omochice/dispatch-chat/pkg/protocol"
)

// State is the local chat state. Values are shared between snapshots:
// treat every slice and map as read-only.
type State struct {
	Conversations []protocol.Conversation
	Messages      map[string][]protocol.Message // roomId -> messages
	ActiveRoomID  string                        // "" when no room is open
	UnreadCount   int
	TypingUsers   map[string][]int64 // roomId -> userIds
	OnlineUsers   []int64
	IsLoading     bool
}

// RoomMessages returns the messages of roomID.
func (s State) RoomMessages(roomID string) []protocol.Message {
	return s.Messages[roomID]
}

// HasMessage reports whether roomID holds a message with the server id.
func (s State) HasMessage(roomID string, id int64) bool {
	if id == 0 {
		return false
	}
	for _, m := range s.Messages[roomID] {
		if m.ID == id {
			return true
		}
	}
	return false
}

// TypingIn returns the users typing in roomID.
func (s State) TypingIn(roomID string) []int64 {
	return s.TypingUsers[roomID]
}

// IsOnline reports whether userID is online.
func (s State) IsOnline(userID int64) bool {
	return slices.Contains(s.OnlineUsers, userID)
}

// Conversation returns the conversation of roomID.
func (s State) Conversation(roomID string) (protocol.Conversation, bool) {
	i := s.conversationIndex(roomID)
	if i < 0 {
		return protocol.Conversation{}, false
	}
	return s.Conversations[i], true
}

func (s State) conversationIndex(roomID string) int {
	return slices.IndexFunc(s.Conversations, func(c protocol.Conversation) bool {
		return c.RoomID == roomID
	})
}

// withRoom returns a copy of s whose messages of roomID are msgs.
func (s State) withRoom(roomID string, msgs []protocol.Message) State {
	m := maps.Clone(s.Messages)
	if m == nil {
		m = make(map[string][]protocol.Message)
	}
	m[roomID] = msgs
	s.Messages = m
	return s
}

func (s State) withTyping(roomID string, users []int64) State {
	m := maps.Clone(s.TypingUsers)
	if m == nil {
		m = make(map[string][]int64)
	}
	m[roomID] = users
	s.TypingUsers = m
	return s
}

// Action is a state transition. Only the actions of this package exist.
type Action interface {
	reduce(State) State
}

// Reduce applies a to s and returns the new state. s is never modified.
func Reduce(s State, a Action) State {
	return a.reduce(s)
}

// SetConversations replaces the conversation list.
type SetConversations struct {
	Conversations []protocol.Conversation
}

func (a SetConversations) reduce(s State) State {
	s.Conversations = slices.Clone(a.Conversations)
	return s
}

// AddConversation prepends a conversation unless its room is already listed.
type AddConversation struct {
	Conversation protocol.Conversation
}

func (a AddConversation) reduce(s State) State {
	if s.conversationIndex(a.Conversation.RoomID) >= 0 {
		return s
	}
	s.Conversations = slices.Insert(slices.Clone(s.Conversations), 0, a.Conversation)
	return s
}

// UpdateConversation replaces the conversation of the same room, if listed.
type UpdateConversation struct {
	Conversation protocol.Conversation
}

func (a UpdateConversation) reduce(s State) State {
	i := s.conversationIndex(a.Conversation.RoomID)
	if i < 0 {
		return s
	}
	convs := slices.Clone(s.Conversations)
	convs[i] = a.Conversation
	s.Conversations = convs
	return s
}

// UpsertConversationFromMessage records Message as the last message of its
// room and moves the conversation to the front, creating it if needed.
// Me is the current user.
type UpsertConversationFromMessage struct {
	Message protocol.Message
	Me      int64
}

func (a UpsertConversationFromMessage) reduce(s State) State {
	msg := a.Message
	last := protocol.LastMessage{
		Message:   msg.Message,
		CreatedAt: msg.CreatedAt,
		Status:    msg.Status,
		IsFromMe:  msg.SenderID == a.Me,
	}

	var conv protocol.Conversation
	convs := slices.Clone(s.Conversations)
	if i := s.conversationIndex(msg.RoomID); i >= 0 {
		conv = convs[i]
		convs = slices.Delete(convs, i, i+1)
	} else {
		other := msg.SenderID
		if other == a.Me {
			other = msg.ReceiverID
		}
		conv = protocol.Conversation{
			RoomID: msg.RoomID,
			User:   protocol.ConversationUser{ID: other},
		}
	}
	conv.LastMessage = last
	s.Conversations = slices.Insert(convs, 0, conv)
	return s
}

// SetMessages replaces the message list of a room.
type SetMessages struct {
	RoomID   string
	Messages []protocol.Message
}

func (a SetMessages) reduce(s State) State {
	return s.withRoom(a.RoomID, slices.Clone(a.Messages))
}

// AddMessage appends a message to its room. It does not deduplicate.
type AddMessage struct {
	Message protocol.Message
}

func (a AddMessage) reduce(s State) State {
	return s.withRoom(a.Message.RoomID, append(slices.Clone(s.Messages[a.Message.RoomID]), a.Message))
}

// AddPendingMessage appends an optimistic local copy of a message being
// sent. It stays pending until a ReceiveMessage confirms it.
type AddPendingMessage struct {
	Message protocol.Message
}

func (a AddPendingMessage) reduce(s State) State {
	msg := a.Message
	msg.Status = protocol.StatusPending
	return AddMessage{Message: msg}.reduce(s)
}

// DiscardPendingMessage drops the pending message tagged ClientRef, as when
// it could not be sent.
type DiscardPendingMessage struct {
	RoomID    string
	ClientRef string
}

func (a DiscardPendingMessage) reduce(s State) State {
	msgs := s.Messages[a.RoomID]
	i := slices.IndexFunc(msgs, func(m protocol.Message) bool {
		return m.IsPending() && m.ClientRef == a.ClientRef
	})
	if i < 0 {
		return s
	}
	return s.withRoom(a.RoomID, slices.Delete(slices.Clone(msgs), i, i+1))
}

// ReceiveMessage stores a message delivered by the server. A message whose
// id is already present only advances the stored status. Otherwise the
// oldest pending copy with the same sender, receiver and text is replaced;
// failing that, the message is appended.
type ReceiveMessage struct {
	Message protocol.Message
}

func (a ReceiveMessage) reduce(s State) State {
	msg := a.Message
	msgs := s.Messages[msg.RoomID]

	if msg.ID != 0 {
		if i := slices.IndexFunc(msgs, func(m protocol.Message) bool { return m.ID == msg.ID && !m.IsPending() }); i >= 0 {
			if !msgs[i].Status.Advances(msg.Status) {
				return s
			}
			out := slices.Clone(msgs)
			out[i].Status = msg.Status
			out[i].UpdatedAt = msg.UpdatedAt
			return s.withRoom(msg.RoomID, out)
		}
	}

	i := slices.IndexFunc(msgs, func(m protocol.Message) bool {
		return m.IsPending() &&
			m.SenderID == msg.SenderID &&
			m.ReceiverID == msg.ReceiverID &&
			m.Message == msg.Message
	})
	if i >= 0 {
		out := slices.Clone(msgs)
		msg.ClientRef = out[i].ClientRef
		out[i] = msg
		return s.withRoom(msg.RoomID, out)
	}

	return s.withRoom(msg.RoomID, append(slices.Clone(msgs), msg))
}

// UpdateMessage replaces the message with the same id in its room.
type UpdateMessage struct {
	Message protocol.Message
}

func (a UpdateMessage) reduce(s State) State {
	msgs := s.Messages[a.Message.RoomID]
	i := slices.IndexFunc(msgs, func(m protocol.Message) bool { return m.ID == a.Message.ID })
	if i < 0 {
		return s
	}
	out := slices.Clone(msgs)
	out[i] = a.Message
	return s.withRoom(a.Message.RoomID, out)
}

// DeleteMessage soft-deletes a message by stamping DeletedAt. An empty
// RoomID searches every room.
type DeleteMessage struct {
	RoomID    string
	MessageID int64
	At        time.Time
}

func (a DeleteMessage) reduce(s State) State {
	rooms := []string{a.RoomID}
	if a.RoomID == "" {
		rooms = slices.Sorted(maps.Keys(s.Messages))
	}
	for _, room := range rooms {
		msgs := s.Messages[room]
		i := slices.IndexFunc(msgs, func(m protocol.Message) bool { return m.ID == a.MessageID })
		if i < 0 {
			continue
		}
		if msgs[i].IsDeleted() {
			return s
		}
		at := a.At
		out := slices.Clone(msgs)
		out[i].DeletedAt = &at
		return s.withRoom(room, out)
	}
	return s
}

// SetActiveRoomID sets the room being viewed; "" clears it.
type SetActiveRoomID struct {
	RoomID string
}

func (a SetActiveRoomID) reduce(s State) State {
	s.ActiveRoomID = a.RoomID
	return s
}

// SetUnreadCount sets the unread badge.
type SetUnreadCount struct {
	Count int
}

func (a SetUnreadCount) reduce(s State) State {
	s.UnreadCount = max(0, a.Count)
	return s
}

// IncrementUnreadCount adds one to the unread badge.
type IncrementUnreadCount struct{}

func (IncrementUnreadCount) reduce(s State) State {
	s.UnreadCount++
	return s
}

// DecrementUnreadCount subtracts By from the unread badge, never going
// below zero.
type DecrementUnreadCount struct {
	By int
}

func (a DecrementUnreadCount) reduce(s State) State {
	s.UnreadCount = max(0, s.UnreadCount-a.By)
	return s
}

// SetTypingUsers replaces the typing set of a room.
type SetTypingUsers struct {
	RoomID  string
	UserIDs []int64
}

func (a SetTypingUsers) reduce(s State) State {
	users := make([]int64, 0, len(a.UserIDs))
	for _, id := range a.UserIDs {
		if !slices.Contains(users, id) {
			users = append(users, id)
		}
	}
	return s.withTyping(a.RoomID, users)
}

// AddTypingUser adds a user to the typing set of a room.
type AddTypingUser struct {
	RoomID string
	UserID int64
}

func (a AddTypingUser) reduce(s State) State {
	users := s.TypingUsers[a.RoomID]
	if slices.Contains(users, a.UserID) {
		return s
	}
	return s.withTyping(a.RoomID, append(slices.Clone(users), a.UserID))
}

// RemoveTypingUser removes a user from the typing set of a room.
type RemoveTypingUser struct {
	RoomID string
	UserID int64
}

func (a RemoveTypingUser) reduce(s State) State {
	users := s.TypingUsers[a.RoomID]
	if !slices.Contains(users, a.UserID) {
		return s
	}
	return s.withTyping(a.RoomID, slices.DeleteFunc(slices.Clone(users), func(id int64) bool { return id == a.UserID }))
}

// ClearTypingUsers empties every typing set.
type ClearTypingUsers struct{}

func (ClearTypingUsers) reduce(s State) State {
	s.TypingUsers = map[string][]int64{}
	return s
}

// SetOnlineUsers replaces the online set.
type SetOnlineUsers struct {
	UserIDs []int64
}

func (a SetOnlineUsers) reduce(s State) State {
	users := make([]int64, 0, len(a.UserIDs))
	for _, id := range a.UserIDs {
		if !slices.Contains(users, id) {
			users = append(users, id)
		}
	}
	s.OnlineUsers = users
	return s
}

// AddOnlineUser adds a user to the online set.
type AddOnlineUser struct {
	UserID int64
}

func (a AddOnlineUser) reduce(s State) State {
	if slices.Contains(s.OnlineUsers, a.UserID) {
		return s
	}
	s.OnlineUsers = append(slices.Clone(s.OnlineUsers), a.UserID)
	return s
}

// RemoveOnlineUser removes a user from the online set.
type RemoveOnlineUser struct {
	UserID int64
}

func (a RemoveOnlineUser) reduce(s State) State {
	if !slices.Contains(s.OnlineUsers, a.UserID) {
		return s
	}
	s.OnlineUsers = slices.DeleteFunc(slices.Clone(s.OnlineUsers), func(id int64) bool { return id == a.UserID })
	return s
}

// SetLoading sets the loading flag.
type SetLoading struct {
	Loading bool
}

func (a SetLoading) reduce(s State) State {
	s.IsLoading = a.Loading
	return s
}

// MarkMessagesAsRead sets every message of a room to read.
type MarkMessagesAsRead struct {
	RoomID string
}

func (a MarkMessagesAsRead) reduce(s State) State {
	msgs, ok := s.Messages[a.RoomID]
	if !ok {
		return s
	}
	out := slices.Clone(msgs)
	for i := range out {
		out[i].Status = protocol.StatusRead
	}
	return s.withRoom(a.RoomID, out)
}

// ClearChat resets the state, as on logout.
type ClearChat struct{}

func (ClearChat) reduce(State) State {
	return NewState()
}

// NewState returns the empty state.
func NewState() State {
	return State{
		Conversations: []protocol.Conversation{},
		Messages:      map[string][]protocol.Message{},
		TypingUsers:   map[string][]int64{},
		OnlineUsers:   []int64{},
	}
}

// Store holds the chat state and serializes updates to it.
type Store struct {
	mu    sync.Mutex
	state State

	smu    sync.Mutex
	subs   map[int]func(State)
	nextID int
}

// NewStore creates a Store holding the empty state.
func NewStore() *Store {
	return &Store{
		state: NewState(),
		subs:  make(map[int]func(State)),
	}
}

// Dispatch applies actions in order and notifies subscribers once with the
// resulting state.
func (s *Store) Dispatch(actions ...Action) State {
	if len(actions) == 0 {
		return s.State()
	}

	s.mu.Lock()
	state := s.state
	for _, a := range actions {
		state = Reduce(state, a)
	}
	s.state = state
	s.mu.Unlock()

	s.smu.Lock()
	subs := make([]func(State), 0, len(s.subs))
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		subs = append(subs, s.subs[id])
	}
	s.smu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
	return state
}

// State returns the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe calls fn after every dispatch. The returned function removes fn.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.smu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	s.smu.Unlock()

	return func() {
		s.smu.Lock()
		defer s.smu.Unlock()
		delete(s.subs, id)
	}
}
