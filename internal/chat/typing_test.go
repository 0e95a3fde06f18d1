package chat_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/omochice/dispatch-chat/internal/chat"
)

// fakeClock fires timers when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) chat.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type typingLog struct {
	mu  sync.Mutex
	got []bool
}

func (l *typingLog) send(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, v)
}

func (l *typingLog) all() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.got)
}

func TestTypingIndicator_Debounce(t *testing.T) {
	clock := &fakeClock{}
	log := &typingLog{}
	ti := chat.NewTypingIndicator(log.send, chat.WithAfterFunc(clock.AfterFunc))

	for i := 0; i < 3; i++ {
		ti.Keystroke()
		clock.Advance(500 * time.Millisecond)
	}

	if got := log.all(); !slices.Equal(got, []bool{true}) {
		t.Fatalf("after three keystrokes = %v, want [true]", got)
	}

	clock.Advance(1499 * time.Millisecond)
	if got := log.all(); !slices.Equal(got, []bool{true}) {
		t.Fatalf("before the idle timeout = %v, want [true]", got)
	}

	clock.Advance(time.Millisecond)
	if got := log.all(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("after the idle timeout = %v, want [true false]", got)
	}
	if ti.Typing() {
		t.Error("Typing() = true after the idle timeout")
	}

	clock.Advance(10 * time.Second)
	if got := log.all(); len(got) != 2 {
		t.Errorf("extra emissions: %v", got)
	}
}

func TestTypingIndicator_SubmitStopsImmediately(t *testing.T) {
	clock := &fakeClock{}
	log := &typingLog{}
	ti := chat.NewTypingIndicator(log.send, chat.WithAfterFunc(clock.AfterFunc))

	ti.Keystroke()
	ti.Submit()

	if got := log.all(); !slices.Equal(got, []bool{true, false}) {
		t.Fatalf("emissions = %v, want [true false]", got)
	}

	clock.Advance(5 * time.Second)
	if got := log.all(); len(got) != 2 {
		t.Errorf("cancelled timer still fired: %v", got)
	}

	// not typing: nothing to report
	ti.Submit()
	if got := log.all(); len(got) != 2 {
		t.Errorf("Submit() while idle emitted: %v", got)
	}

	ti.Keystroke()
	if got := log.all(); !slices.Equal(got, []bool{true, false, true}) {
		t.Errorf("typing after submit = %v", got)
	}
}

func TestTypingIndicator_Close(t *testing.T) {
	clock := &fakeClock{}
	log := &typingLog{}
	ti := chat.NewTypingIndicator(log.send, chat.WithAfterFunc(clock.AfterFunc))

	ti.Keystroke()
	ti.Close()
	ti.Keystroke()
	clock.Advance(5 * time.Second)

	if got := log.all(); !slices.Equal(got, []bool{true, false}) {
		t.Errorf("emissions = %v, want [true false]", got)
	}
}

func TestTypingIndicator_RealTimer(t *testing.T) {
	done := make(chan bool, 2)
	ti := chat.NewTypingIndicator(func(v bool) { done <- v }, chat.WithTypingTimeout(20*time.Millisecond))
	defer ti.Close()

	ti.Keystroke()
	if v := <-done; !v {
		t.Fatal("first emission was not typing")
	}

	select {
	case v := <-done:
		if v {
			t.Error("second emission was typing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
}
