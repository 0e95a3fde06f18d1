package chat

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long after the last keystroke typing stops.
const DefaultTypingTimeout = 2000 * time.Millisecond

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TypingOption configures a TypingIndicator.
type TypingOption func(*TypingIndicator)

// WithTypingTimeout sets the idle time after which typing stops.
func WithTypingTimeout(d time.Duration) TypingOption {
	return func(t *TypingIndicator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithAfterFunc replaces the timer source.
func WithAfterFunc(fn AfterFunc) TypingOption {
	return func(t *TypingIndicator) {
		if fn != nil {
			t.afterFunc = fn
		}
	}
}

// TypingIndicator debounces keystrokes into typing notifications: the first
// keystroke reports typing, and typing stops once no keystroke arrived for
// the timeout, or immediately on Submit or Close.
type TypingIndicator struct {
	send      func(isTyping bool)
	timeout   time.Duration
	afterFunc AfterFunc

	mu     sync.Mutex
	typing bool
	timer  Timer
	gen    uint64
	closed bool
}

// NewTypingIndicator creates an indicator reporting through send.
func NewTypingIndicator(send func(isTyping bool), opts ...TypingOption) *TypingIndicator {
	t := &TypingIndicator{
		send:      send,
		timeout:   DefaultTypingTimeout,
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Keystroke records input activity.
func (t *TypingIndicator) Keystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if !t.typing {
		t.typing = true
		t.send(true)
	}
	t.arm()
}

// Submit stops typing right away, as when the message is sent.
func (t *TypingIndicator) Submit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
}

// Close stops typing right away and ignores later keystrokes.
func (t *TypingIndicator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
	t.closed = true
}

// Typing reports whether typing is currently reported.
func (t *TypingIndicator) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

// arm restarts the idle timer. t.mu must be held.
func (t *TypingIndicator) arm() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = t.afterFunc(t.timeout, func() { t.expire(gen) })
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.timer = nil
	if t.typing {
		t.typing = false
		t.send(false)
	}
}

// stop cancels the timer and reports the end of typing. t.mu must be held.
func (t *TypingIndicator) stop() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.typing {
		t.typing = false
		t.send(false)
	}
}
