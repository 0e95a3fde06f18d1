package chat_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omochice/dispatch-chat/internal/chat"
	"github.com/omochice/dispatch-chat/internal/chattest"
	"github.com/omochice/dispatch-chat/internal/client"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"github.com/rs/zerolog"
)

type emitted struct {
	event   string
	payload string
}

// fakeSocket records emissions and lets tests deliver inbound events.
type fakeSocket struct {
	mu       sync.Mutex
	emits    []emitted
	handlers map[string][]client.Handler
	err      error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string][]client.Handler)}
}

func (f *fakeSocket) Emit(event string, payload any) error {
	if f.err != nil {
		return f.err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, emitted{event: event, payload: string(data)})
	return nil
}

func (f *fakeSocket) On(event string, h client.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
	i := len(f.handlers[event]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[event][i] = nil
	}
}

func (f *fakeSocket) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	hs := append([]client.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(data)
		}
	}
}

func (f *fakeSocket) emitted() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

type fakeNotifier struct {
	messages []protocol.Message
	errors   []*protocol.ServerError
}

func (n *fakeNotifier) NewMessage(m protocol.Message)    { n.messages = append(n.messages, m) }
func (n *fakeNotifier) Error(err *protocol.ServerError) { n.errors = append(n.errors, err) }

type fixture struct {
	sock     *fakeSocket
	store    *chat.Store
	notifier *fakeNotifier
	svc      *chat.Service
	userID   int64
	loggedIn bool
}

func newFixture() *fixture {
	f := &fixture{
		sock:     newFakeSocket(),
		store:    chat.NewStore(),
		notifier: &fakeNotifier{},
		userID:   7,
		loggedIn: true,
	}
	identity := chat.IdentityFunc(func() (int64, bool) { return f.userID, f.loggedIn })
	em := client.NewEventManager(f.sock, zerolog.Nop())
	f.svc = chat.NewService(em, f.store, identity, f.notifier, zerolog.Nop())
	return f
}

func TestService_NoOpWithoutEventLayer(t *testing.T) {
	store := chat.NewStore()
	svc := chat.NewService(nil, store, chat.IdentityFunc(func() (int64, bool) { return 7, true }), nil, zerolog.Nop())

	ops := map[string]func() error{
		"SendMessage":      func() error { return svc.SendMessage(42, "hi", "") },
		"GetConversations": func() error { return svc.GetConversations() },
		"GetChatHistory":   func() error { return svc.GetChatHistory(42, 0, 0) },
		"MarkAsRead":       func() error { return svc.MarkAsRead(42) },
		"SendTyping":       func() error { return svc.SendTyping(room, true) },
		"GetUnreadCount":   func() error { return svc.GetUnreadCount() },
		"JoinRoom":         func() error { return svc.JoinRoom(42) },
		"LeaveRoom":        func() error { return svc.LeaveRoom(room) },
		"DeleteMessage":    func() error { return svc.DeleteMessage(1) },
		"AnnounceOnline":   func() error { return svc.AnnounceOnline() },
	}
	for name, op := range ops {
		if err := op(); err != nil {
			t.Errorf("%s() error = %v, want nil", name, err)
		}
	}

	s := store.State()
	if s.ActiveRoomID != "" || len(s.Messages) != 0 || s.IsLoading {
		t.Errorf("state changed without an event layer: %+v", s)
	}

	unbind := svc.Bind()
	unbind()
}

func TestService_NoOpWithoutUser(t *testing.T) {
	f := newFixture()
	f.loggedIn = false

	if err := f.svc.SendMessage(42, "hi", ""); err != nil {
		t.Errorf("SendMessage() error = %v", err)
	}
	if err := f.svc.JoinRoom(42); err != nil {
		t.Errorf("JoinRoom() error = %v", err)
	}
	if got := f.sock.emitted(); len(got) != 0 {
		t.Errorf("emitted without a user: %v", got)
	}
	if f.store.State().ActiveRoomID != "" {
		t.Error("JoinRoom() without a user changed the active room")
	}
}

func TestService_DegradesWhenNotConnected(t *testing.T) {
	f := newFixture()
	f.sock.err = client.ErrNotConnected

	if err := f.svc.SendMessage(42, "hi", ""); err != nil {
		t.Errorf("SendMessage() error = %v, want nil", err)
	}
	if got := f.store.State().RoomMessages(room); len(got) != 0 {
		t.Errorf("unsent message kept as pending: %+v", got)
	}

	if err := f.svc.GetChatHistory(42, 1, 50); err != nil {
		t.Errorf("GetChatHistory() error = %v, want nil", err)
	}
	if f.store.State().IsLoading {
		t.Error("loading left on after a skipped history request")
	}
}

func TestService_PropagatesOtherErrors(t *testing.T) {
	f := newFixture()
	boom := errors.New("write: broken pipe")
	f.sock.err = boom

	if err := f.svc.GetConversations(); !errors.Is(err, boom) {
		t.Errorf("GetConversations() error = %v, want %v", err, boom)
	}
	if err := f.svc.SendMessage(42, "   ", ""); !errors.Is(err, client.ErrEmptyMessage) {
		t.Errorf("SendMessage(blank) error = %v, want ErrEmptyMessage", err)
	}
}

func TestService_SendMessageAddsPending(t *testing.T) {
	f := newFixture()

	if err := f.svc.SendMessage(42, "hello", ""); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	got := f.sock.emitted()
	if len(got) != 1 || got[0].event != "send_message" {
		t.Fatalf("emitted = %v", got)
	}
	if want := `{"senderId":7,"receiverId":42,"message":"hello","type":"text"}`; got[0].payload != want {
		t.Errorf("payload = %s, want %s", got[0].payload, want)
	}

	msgs := f.store.State().RoomMessages(room)
	if len(msgs) != 1 || !msgs[0].IsPending() || msgs[0].ClientRef == "" {
		t.Fatalf("pending messages = %+v", msgs)
	}

	unbind := f.svc.Bind()
	defer unbind()
	f.sock.deliver(t, "message_sent", msg(100, 7, 42, "hello", protocol.StatusSent))

	s := f.store.State()
	msgs = s.RoomMessages(room)
	if len(msgs) != 1 || msgs[0].ID != 100 || msgs[0].IsPending() {
		t.Errorf("messages after confirmation = %+v", msgs)
	}
	if len(s.Conversations) != 1 || !s.Conversations[0].LastMessage.IsFromMe {
		t.Errorf("conversations = %+v", s.Conversations)
	}
}

func TestService_IdentityConsultedPerCall(t *testing.T) {
	f := newFixture()

	_ = f.svc.GetUnreadCount()
	f.userID = 9
	_ = f.svc.GetUnreadCount()

	got := f.sock.emitted()
	if len(got) != 2 || got[0].payload != `{"userId":7}` || got[1].payload != `{"userId":9}` {
		t.Errorf("emitted = %v", got)
	}
}

func TestService_GetChatHistory(t *testing.T) {
	f := newFixture()

	if err := f.svc.GetChatHistory(42, 0, 0); err != nil {
		t.Fatal(err)
	}

	s := f.store.State()
	if s.ActiveRoomID != room || !s.IsLoading {
		t.Errorf("state = active %q loading %v", s.ActiveRoomID, s.IsLoading)
	}
	got := f.sock.emitted()
	if want := `{"userId":7,"otherUserId":42,"page":1,"limit":50}`; len(got) != 1 || got[0].payload != want {
		t.Errorf("emitted = %v, want payload %s", got, want)
	}

	unbind := f.svc.Bind()
	defer unbind()
	f.sock.deliver(t, "chat_history", protocol.ChatHistoryEvent{
		Messages: []protocol.Message{msg(1, 42, 7, "a", protocol.StatusRead), msg(2, 7, 42, "b", protocol.StatusSent)},
	})

	s = f.store.State()
	if len(s.RoomMessages(room)) != 2 || s.IsLoading {
		t.Errorf("after history: %d messages, loading %v", len(s.RoomMessages(room)), s.IsLoading)
	}
}

func TestService_ChatHistoryWithoutActiveRoom(t *testing.T) {
	f := newFixture()
	unbind := f.svc.Bind()
	defer unbind()

	f.sock.deliver(t, "chat_history", protocol.ChatHistoryEvent{
		Messages: []protocol.Message{msg(1, 42, 7, "a", protocol.StatusRead)},
	})

	if got := len(f.store.State().RoomMessages(room)); got != 1 {
		t.Errorf("history routed to %d messages in the first message's room, want 1", got)
	}
}

func TestService_JoinAndLeaveRoom(t *testing.T) {
	f := newFixture()

	_ = f.svc.JoinRoom(42)
	if got := f.store.State().ActiveRoomID; got != room {
		t.Errorf("ActiveRoomID = %q, want %q", got, room)
	}

	_ = f.svc.LeaveRoom(room)
	if got := f.store.State().ActiveRoomID; got != "" {
		t.Errorf("ActiveRoomID = %q after leaving", got)
	}

	got := f.sock.emitted()
	if len(got) != 2 || got[0].payload != `{"userId":7,"otherUserId":42}` || got[1].payload != `{"roomId":"7__**__42"}` {
		t.Errorf("emitted = %v", got)
	}
}

func TestService_NewMessage(t *testing.T) {
	f := newFixture()
	unbind := f.svc.Bind()
	defer unbind()

	incoming := msg(1, 42, 7, "ping", protocol.StatusSent)
	f.sock.deliver(t, "new_message", incoming)
	f.sock.deliver(t, "new_message", incoming)

	s := f.store.State()
	if got := len(s.RoomMessages(room)); got != 1 {
		t.Errorf("duplicate delivery stored %d rows, want 1", got)
	}
	if s.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", s.UnreadCount)
	}
	if len(f.notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.messages))
	}

	f.store.Dispatch(chat.SetActiveRoomID{RoomID: room})
	f.sock.deliver(t, "new_message", msg(2, 42, 7, "seen", protocol.StatusSent))
	if got := f.store.State().UnreadCount; got != 1 {
		t.Errorf("message in the open room changed UnreadCount to %d", got)
	}

	f.store.Dispatch(chat.SetActiveRoomID{})
	f.sock.deliver(t, "new_message", msg(3, 7, 42, "mine", protocol.StatusSent))
	if got := f.store.State().UnreadCount; got != 1 {
		t.Errorf("own message changed UnreadCount to %d", got)
	}
	if len(f.notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.messages))
	}
}

func TestService_MessagesRead(t *testing.T) {
	f := newFixture()
	unbind := f.svc.Bind()
	defer unbind()

	f.store.Dispatch(
		chat.AddMessage{Message: msg(1, 42, 7, "a", protocol.StatusSent)},
		chat.AddMessage{Message: msg(2, 42, 7, "b", protocol.StatusDelivered)},
		chat.SetUnreadCount{Count: 5},
	)

	f.sock.deliver(t, "messages_read", protocol.MessagesReadEvent{RoomID: room, SenderID: 42, ReceiverID: 7, UpdatedCount: 2})

	s := f.store.State()
	for _, m := range s.RoomMessages(room) {
		if m.Status != protocol.StatusRead {
			t.Errorf("message %d status = %s", m.ID, m.Status)
		}
	}
	if s.UnreadCount != 3 {
		t.Errorf("UnreadCount = %d, want 3", s.UnreadCount)
	}

	f.sock.deliver(t, "messages_read", protocol.MessagesReadEvent{RoomID: room, SenderID: 7, ReceiverID: 42, UpdatedCount: 2})
	if got := f.store.State().UnreadCount; got != 3 {
		t.Errorf("the other side reading changed UnreadCount to %d", got)
	}
}

func TestService_PresenceTypingDeletionAndErrors(t *testing.T) {
	f := newFixture()
	unbind := f.svc.Bind()

	f.store.Dispatch(chat.AddMessage{Message: msg(1, 42, 7, "a", protocol.StatusSent)})

	f.sock.deliver(t, "user_status", protocol.UserStatusEvent{UserID: 42, Status: protocol.PresenceOnline})
	f.sock.deliver(t, "user_typing", protocol.UserTypingEvent{UserID: 42, RoomID: room, IsTyping: true})
	f.sock.deliver(t, "user_typing", protocol.UserTypingEvent{UserID: 42, RoomID: room, IsTyping: true})
	f.sock.deliver(t, "message_deleted", protocol.MessageDeletedEvent{MessageID: 1, RoomID: room})
	f.sock.deliver(t, "unread_count", protocol.UnreadCountEvent{UnreadCount: 9})
	f.sock.deliver(t, "conversations_list", protocol.ConversationsListEvent{Conversations: []protocol.Conversation{conv(room, "x")}})
	f.sock.deliver(t, "user_joined_room", protocol.UserJoinedRoomEvent{UserID: 42, RoomID: room})
	f.sock.deliver(t, "error", protocol.ServerError{Message: "room not found"})

	s := f.store.State()
	if !s.IsOnline(42) {
		t.Error("user 42 not online")
	}
	if got := s.TypingIn(room); len(got) != 1 || got[0] != 42 {
		t.Errorf("typing = %v, want [42]", got)
	}
	if !s.RoomMessages(room)[0].IsDeleted() {
		t.Error("message not soft-deleted")
	}
	if s.UnreadCount != 9 || len(s.Conversations) != 1 {
		t.Errorf("unread %d conversations %d", s.UnreadCount, len(s.Conversations))
	}
	if len(f.notifier.errors) != 1 || f.notifier.errors[0].Message != "room not found" {
		t.Errorf("notified errors = %v", f.notifier.errors)
	}

	f.sock.deliver(t, "user_status", protocol.UserStatusEvent{UserID: 42, Status: protocol.PresenceOffline})
	f.sock.deliver(t, "user_typing", protocol.UserTypingEvent{UserID: 42, RoomID: room, IsTyping: false})
	s = f.store.State()
	if s.IsOnline(42) || len(s.TypingIn(room)) != 0 {
		t.Errorf("online %v typing %v", s.OnlineUsers, s.TypingIn(room))
	}

	unbind()
	f.sock.deliver(t, "unread_count", protocol.UnreadCountEvent{UnreadCount: 1})
	if got := f.store.State().UnreadCount; got != 9 {
		t.Errorf("unbound handler still ran: UnreadCount = %d", got)
	}
}

func TestService_Logout(t *testing.T) {
	f := newFixture()
	f.store.Dispatch(chat.AddMessage{Message: msg(1, 42, 7, "a", protocol.StatusSent)}, chat.SetUnreadCount{Count: 2})

	if err := f.svc.Logout(); err != nil {
		t.Fatal(err)
	}

	got := f.sock.emitted()
	if len(got) != 1 || got[0].event != "user_offline" || got[0].payload != `{"userId":7}` {
		t.Errorf("emitted = %v", got)
	}
	if s := f.store.State(); len(s.Messages) != 0 || s.UnreadCount != 0 {
		t.Errorf("state after logout = %+v", s)
	}
}

type fakeStatusSource struct {
	fn func(client.Status)
}

func (f *fakeStatusSource) OnStatusChange(fn func(client.Status)) func() {
	f.fn = fn
	fn(client.StatusDisconnected)
	return func() { f.fn = nil }
}

func TestService_WatchConnection(t *testing.T) {
	f := newFixture()
	src := &fakeStatusSource{}

	unwatch := f.svc.WatchConnection(src)
	defer unwatch()

	src.fn(client.StatusConnected)
	got := f.sock.emitted()
	if len(got) != 1 || got[0].event != "user_online" || got[0].payload != `{"userId":7}` {
		t.Errorf("emitted on connect = %v", got)
	}

	f.store.Dispatch(chat.AddTypingUser{RoomID: room, UserID: 42}, chat.AddOnlineUser{UserID: 42})
	src.fn(client.StatusError)

	s := f.store.State()
	if len(s.TypingIn(room)) != 0 || len(s.OnlineUsers) != 0 {
		t.Errorf("typing %v online %v after the connection dropped", s.TypingIn(room), s.OnlineUsers)
	}

	src.fn(client.StatusConnected)
	if got := f.sock.emitted(); len(got) != 2 {
		t.Errorf("presence not announced again on reconnect: %v", got)
	}
}

func TestService_TypingIndicator(t *testing.T) {
	f := newFixture()
	clock := &fakeClock{}

	ti := f.svc.NewTypingIndicator(room, chat.WithAfterFunc(clock.AfterFunc))
	ti.Keystroke()
	ti.Keystroke()
	clock.Advance(chat.DefaultTypingTimeout)

	got := f.sock.emitted()
	if len(got) != 2 ||
		got[0].payload != `{"roomId":"7__**__42","userId":7,"isTyping":true}` ||
		got[1].payload != `{"roomId":"7__**__42","userId":7,"isTyping":false}` {
		t.Errorf("emitted = %v", got)
	}
}

func TestService_JoinThenSend(t *testing.T) {
	srv := chattest.NewServer()
	defer srv.Close()

	m := client.NewManager(srv.EndpointURL(), client.Options{}, zerolog.Nop())
	defer m.Disconnect()

	connected := make(chan struct{})
	var once sync.Once
	m.OnStatusChange(func(s client.Status) {
		if s == client.StatusConnected {
			once.Do(func() { close(connected) })
		}
	})

	if m.Status() != client.StatusDisconnected {
		t.Fatalf("Status() = %v, want disconnected", m.Status())
	}
	em := client.NewEventManager(m.Connect(), zerolog.Nop())
	defer em.Cleanup()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}

	store := chat.NewStore()
	svc := chat.NewService(em, store, chat.IdentityFunc(func() (int64, bool) { return 7, true }), nil, zerolog.Nop())

	if err := svc.JoinRoom(42); err != nil {
		t.Fatal(err)
	}
	if got := store.State().ActiveRoomID; got != "7__**__42" {
		t.Errorf("ActiveRoomID = %q, want 7__**__42", got)
	}

	if err := svc.SendMessage(42, "hello", ""); err != nil {
		t.Fatal(err)
	}

	events, err := srv.WaitForEvent("send_message", 1, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"senderId":7,"receiverId":42,"message":"hello","type":"text"}`; string(events[0].Data) != want {
		t.Errorf("send_message payload = %s, want %s", events[0].Data, want)
	}
	if joins := srv.EventsNamed("join_room"); len(joins) != 1 || string(joins[0].Data) != `{"userId":7,"otherUserId":42}` {
		t.Errorf("join_room events = %v", joins)
	}
}
