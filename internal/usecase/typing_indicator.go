package usecase

import (
	"sync"
	"time"
)

const DefaultTypingQuietPeriod = 5 * time.Second

type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// TypingIndicator is the caller side of the typing contract: every keystroke
// publishes true and re-arms a quiet timer that publishes false when it
// fires. Stop publishes false right away, e.g. after a send.
type TypingIndicator struct {
	publish   func(conversationID string, isTyping bool)
	quiet     time.Duration
	afterFunc AfterFunc

	mu     sync.Mutex
	timers map[string]*typingTimer
}

type typingTimer struct {
	timer Timer
	gen   uint64
}

func NewTypingIndicator(quiet time.Duration, afterFunc AfterFunc, publish func(conversationID string, isTyping bool)) *TypingIndicator {
	if quiet <= 0 {
		quiet = DefaultTypingQuietPeriod
	}
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &TypingIndicator{
		publish:   publish,
		quiet:     quiet,
		afterFunc: afterFunc,
		timers:    make(map[string]*typingTimer),
	}
}

func (t *TypingIndicator) Keystroke(conversationID string) {
	if conversationID == "" {
		return
	}

	t.mu.Lock()
	var gen uint64 = 1
	if current, ok := t.timers[conversationID]; ok {
		current.timer.Stop()
		gen = current.gen + 1
	}
	entry := &typingTimer{gen: gen}
	t.timers[conversationID] = entry
	entry.timer = t.afterFunc(t.quiet, func() { t.expire(conversationID, gen) })
	t.mu.Unlock()

	t.publish(conversationID, true)
}

func (t *TypingIndicator) expire(conversationID string, gen uint64) {
	t.mu.Lock()
	current, ok := t.timers[conversationID]
	if !ok || current.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.timers, conversationID)
	t.mu.Unlock()

	t.publish(conversationID, false)
}

func (t *TypingIndicator) Stop(conversationID string) {
	if conversationID == "" {
		return
	}

	t.mu.Lock()
	if current, ok := t.timers[conversationID]; ok {
		current.timer.Stop()
		delete(t.timers, conversationID)
	}
	t.mu.Unlock()

	t.publish(conversationID, false)
}

// StopAll publishes false for every conversation still marked typing.
func (t *TypingIndicator) StopAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.timers))
	for id, current := range t.timers {
		current.timer.Stop()
		ids = append(ids, id)
	}
	t.timers = make(map[string]*typingTimer)
	t.mu.Unlock()

	for _, id := range ids {
		t.publish(id, false)
	}
}

func (t *TypingIndicator) Active(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[conversationID]
	return ok
}
