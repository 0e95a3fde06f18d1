package chat

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/omochice/dispatch-chat/pkg/protocol"
)

// DefaultPreviewLength is the default TruncateMessage limit.
const DefaultPreviewLength = 50

// UnreadMessageCount counts the messages addressed to me that are not read.
func UnreadMessageCount(messages []protocol.Message, me int64) int {
	n := 0
	for _, m := range messages {
		if m.ReceiverID == me && m.Status != protocol.StatusRead {
			n++
		}
	}
	return n
}

// SortConversationsByLastMessage returns a copy of convs, newest first.
func SortConversationsByLastMessage(convs []protocol.Conversation) []protocol.Conversation {
	out := slices.Clone(convs)
	slices.SortStableFunc(out, func(a, b protocol.Conversation) int {
		return b.LastMessage.CreatedAt.Compare(a.LastMessage.CreatedAt)
	})
	return out
}

// TruncateMessage shortens text to maxLen runes followed by "...".
// A non-positive maxLen means DefaultPreviewLength.
func TruncateMessage(text string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultPreviewLength
	}
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen]) + "..."
}

// IsValidMessage reports whether text has anything besides whitespace.
func IsValidMessage(text string) bool {
	return strings.TrimSpace(text) != ""
}

// FormatMessageTime renders t relative to now: "Just now", "5m ago",
// "3h ago", "Yesterday", "4d ago", then a short date.
func FormatMessageTime(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "Just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	}

	days := int(d / (24 * time.Hour))
	switch {
	case days == 1:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%dd ago", days)
	case t.Year() != now.Year():
		return t.Format("Jan 2, 2006")
	default:
		return t.Format("Jan 2")
	}
}

// DateGroup is the messages of one calendar day.
type DateGroup struct {
	Date     string
	Messages []protocol.Message
}

// GroupMessagesByDate groups messages by the calendar day they were created
// on in loc, keeping first-seen order. A nil loc means time.Local.
func GroupMessagesByDate(messages []protocol.Message, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	var groups []DateGroup
	index := make(map[string]int)
	for _, m := range messages {
		key := m.CreatedAt.In(loc).Format("January 2, 2006")
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DateGroup{Date: key})
		}
		groups[i].Messages = append(groups[i].Messages, m)
	}
	return groups
}

// StatusGlyph returns the delivery tick of status. highlight is set for
// read messages, which share the glyph of delivered ones.
func StatusGlyph(status protocol.MessageStatus) (glyph string, highlight bool) {
	switch status {
	case protocol.StatusPending:
		return "…", false
	case protocol.StatusSent:
		return "✓", false
	case protocol.StatusDelivered:
		return "✓✓", false
	case protocol.StatusRead:
		return "✓✓", true
	default:
		return "", false
	}
}
