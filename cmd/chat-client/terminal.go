package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/dispatch-chat/internal/chat"
	"github.com/omochice/dispatch-chat/internal/client"
	"github.com/omochice/dispatch-chat/internal/session"
	"github.com/omochice/dispatch-chat/pkg/protocol"
	"github.com/omochice/dispatch-chat/pkg/roomid"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  /join <user id>     open the conversation with a user
  /leave              close the open conversation
  /history            show the open conversation
  /convs              list conversations
  /unread             show the unread total
  /read               mark the open conversation as read
  /delete <msg id>    delete one of your messages
  /typing             tell the other user you are typing
  /status             show the connection status
  /reconnect          reconnect now
  /logout             sign out and quit
  /quit               quit
Anything else is sent to the open conversation.`

// terminal renders chat events as text lines and runs commands.
type terminal struct {
	mu       sync.Mutex
	out      io.Writer
	svc      *chat.Service
	identity *session.FileIdentity
	other    int64
	typing   *chat.TypingIndicator
	now      func() time.Time

	loading atomic.Bool
	unsub   []func()
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, now: time.Now}
}

// attach registers the listeners that print server events. History is
// printed from the store once a requested page has landed in it.
func (t *terminal) attach(svc *chat.Service, l *client.Listeners, identity *session.FileIdentity) {
	t.svc = svc
	t.identity = identity

	t.unsub = append(t.unsub, svc.Store().Subscribe(func(s chat.State) {
		if t.loading.Swap(s.IsLoading) && !s.IsLoading {
			t.printHistory(s)
		}
	}))

	l.OnNewMessage(func(msg protocol.Message) {
		me, _ := identity.CurrentUserID()
		if msg.SenderID != me && msg.RoomID == t.activeRoom() {
			t.printMessage(msg, me)
		}
	})
	l.OnMessageSent(func(msg protocol.Message) {
		t.printf("sent #%d\n", msg.ID)
	})
	l.OnConversationsList(func(e protocol.ConversationsListEvent) {
		t.printConversations(e.Conversations)
	})
	l.OnUnreadCount(func(e protocol.UnreadCountEvent) {
		t.printf("%d unread\n", e.UnreadCount)
	})
	l.OnUserTyping(func(e protocol.UserTypingEvent) {
		if e.IsTyping && e.RoomID == t.activeRoom() {
			t.printf("user %d is typing...\n", e.UserID)
		}
	})
	l.OnUserStatus(func(e protocol.UserStatusEvent) {
		t.printf("*** user %d is %s ***\n", e.UserID, e.Status)
	})
	l.OnMessageDeleted(func(e protocol.MessageDeletedEvent) {
		t.printf("*** message #%d deleted ***\n", e.MessageID)
	})
}

// NewMessage implements chat.Notifier.
func (t *terminal) NewMessage(msg protocol.Message) {
	t.printf("(new message from user %d: %s)\n", msg.SenderID, chat.TruncateMessage(msg.Message, 0))
}

// Error implements chat.Notifier.
func (t *terminal) Error(err *protocol.ServerError) {
	t.printf("server error: %s\n", err.Message)
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) activeRoom() string {
	return t.svc.Store().State().ActiveRoomID
}

func (t *terminal) printMessage(msg protocol.Message, me int64) {
	who := fmt.Sprintf("user %d", msg.SenderID)
	if msg.SenderID == me {
		who = "you"
	}
	text := msg.Message
	if msg.IsDeleted() {
		text = "(deleted)"
	}
	glyph, _ := chat.StatusGlyph(msg.Status)
	t.printf("[%s] #%d %s: %s %s\n", chat.FormatMessageTime(msg.CreatedAt, t.now()), msg.ID, who, text, glyph)
}

func (t *terminal) printHistory(state chat.State) {
	me, _ := t.identity.CurrentUserID()
	for _, group := range chat.GroupMessagesByDate(state.RoomMessages(state.ActiveRoomID), time.Local) {
		t.printf("--- %s ---\n", group.Date)
		for _, msg := range group.Messages {
			t.printMessage(msg, me)
		}
	}
}

func (t *terminal) printConversations(convs []protocol.Conversation) {
	if len(convs) == 0 {
		t.printf("no conversations\n")
		return
	}
	for _, c := range chat.SortConversationsByLastMessage(convs) {
		name := c.User.Name
		if name == "" {
			name = c.User.Email
		}
		t.printf("user %d %s: %s (%s, %d unread)\n",
			c.User.ID, name,
			chat.TruncateMessage(c.LastMessage.Message, 0),
			chat.FormatMessageTime(c.LastMessage.CreatedAt, t.now()),
			c.UnreadCount)
	}
}

// run executes one input line.
func (t *terminal) run(line string, m *client.Manager) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return t.send(line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/help":
		t.printf("%s\n", helpText)
	case "/join":
		other, err := parseID(arg)
		if err != nil {
			return err
		}
		return t.join(other)
	case "/leave":
		return t.leave()
	case "/history":
		t.printHistory(t.svc.Store().State())
	case "/convs":
		return t.svc.GetConversations()
	case "/unread":
		return t.svc.GetUnreadCount()
	case "/read":
		if t.other == 0 {
			return errNoConversation
		}
		return t.svc.MarkAsRead(t.other)
	case "/delete":
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		return t.svc.DeleteMessage(id)
	case "/typing":
		if t.typing == nil {
			return errNoConversation
		}
		t.typing.Keystroke()
	case "/status":
		t.printf("%s (session %s, %d failed attempts)\n", m.Status(), m.SessionID(), m.Attempts())
	case "/reconnect":
		m.Reconnect()
	case "/logout":
		t.close()
		if err := t.svc.Logout(); err != nil {
			return err
		}
		if err := t.identity.Clear(); err != nil {
			return err
		}
		return errQuit
	case "/quit", "/exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %s", name)
	}
	return nil
}

var errNoConversation = errors.New("no open conversation. Use /join")

func (t *terminal) join(other int64) error {
	me, ok := t.identity.CurrentUserID()
	if !ok {
		return errors.New("not signed in")
	}
	if other == me {
		return errors.New("cannot chat with yourself")
	}
	if t.other != 0 {
		if err := t.leave(); err != nil {
			return err
		}
	}

	if err := t.svc.JoinRoom(other); err != nil {
		return err
	}
	t.other = other
	t.typing = t.svc.NewTypingIndicator(roomid.Generate(me, other))
	if err := t.svc.GetChatHistory(other, 0, 0); err != nil {
		return err
	}
	return t.svc.MarkAsRead(other)
}

func (t *terminal) leave() error {
	room := t.activeRoom()
	if room == "" {
		return errNoConversation
	}
	t.close()
	t.other = 0
	return t.svc.LeaveRoom(room)
}

func (t *terminal) send(text string) error {
	if t.other == 0 {
		return errNoConversation
	}
	if !chat.IsValidMessage(text) {
		return client.ErrEmptyMessage
	}
	if t.typing != nil {
		t.typing.Submit()
	}
	return t.svc.SendMessage(t.other, text, protocol.MessageTypeText)
}

// detach removes the store subscription made by attach.
func (t *terminal) detach() {
	for _, u := range t.unsub {
		u()
	}
	t.unsub = nil
}

func (t *terminal) close() {
	if t.typing != nil {
		t.typing.Close()
		t.typing = nil
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
