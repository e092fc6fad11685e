package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/infrastructure/pubsub"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) fire(t *fakeTimer) {
	t.fn()
}

type typingCall struct {
	conversationID string
	isTyping       bool
}

type typingRecorder struct {
	mu    sync.Mutex
	calls []typingCall
}

func (r *typingRecorder) publish(conversationID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typingCall{conversationID, isTyping})
}

func (r *typingRecorder) snapshot() []typingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]typingCall(nil), r.calls...)
}

func TestTypingIndicatorQuietPeriod(t *testing.T) {
	clock := &fakeClock{}
	rec := &typingRecorder{}
	ind := NewTypingIndicator(0, clock.AfterFunc, rec.publish)

	ind.Keystroke("c1")
	first := clock.last()
	require.NotNil(t, first)
	assert.Equal(t, DefaultTypingQuietPeriod, first.d)
	assert.True(t, ind.Active("c1"))

	ind.Keystroke("c1")
	second := clock.last()
	assert.True(t, first.stopped)

	// A timer replaced by a later keystroke must not clear the state.
	clock.fire(first)
	assert.True(t, ind.Active("c1"))

	clock.fire(second)
	assert.False(t, ind.Active("c1"))
	assert.Equal(t, []typingCall{{"c1", true}, {"c1", true}, {"c1", false}}, rec.snapshot())
}

func TestTypingIndicatorStop(t *testing.T) {
	clock := &fakeClock{}
	rec := &typingRecorder{}
	ind := NewTypingIndicator(time.Second, clock.AfterFunc, rec.publish)

	ind.Keystroke("c1")
	ind.Stop("c1")

	assert.True(t, clock.last().stopped)
	assert.False(t, ind.Active("c1"))
	assert.Equal(t, []typingCall{{"c1", true}, {"c1", false}}, rec.snapshot())
}

func TestTypingIndicatorStopAll(t *testing.T) {
	clock := &fakeClock{}
	rec := &typingRecorder{}
	ind := NewTypingIndicator(time.Second, clock.AfterFunc, rec.publish)

	ind.Keystroke("c1")
	ind.Keystroke("c2")
	ind.StopAll()

	assert.False(t, ind.Active("c1"))
	assert.False(t, ind.Active("c2"))
	assert.ElementsMatch(t, []typingCall{{"c1", true}, {"c2", true}, {"c1", false}, {"c2", false}}, rec.snapshot())
}

func TestTypingBroadcasterMirrorsCounterpart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := pubsub.NewMemoryBroker()

	events := make(chan TypingEvent, 8)
	seller := NewTypingBroadcaster(broker, "seller", func(e TypingEvent) { events <- e })
	defer seller.Close()
	buyer := NewTypingBroadcaster(broker, "buyer", func(e TypingEvent) { t.Errorf("own event echoed: %+v", e) })
	defer buyer.Close()

	require.NoError(t, seller.Watch(ctx, "c1"))
	require.NoError(t, buyer.Watch(ctx, "c1"))
	require.NoError(t, seller.Watch(ctx, "c1"))
	assert.Equal(t, 2, broker.Subscribers(TypingChannel("c1")))

	clock := &fakeClock{}
	ind := NewTypingIndicator(5*time.Second, clock.AfterFunc, func(conv string, typing bool) {
		require.NoError(t, buyer.SetTyping(ctx, conv, typing))
	})

	ind.Keystroke("c1")
	select {
	case e := <-events:
		assert.Equal(t, "buyer", e.UserID)
		assert.Equal(t, "c1", e.ConversationID)
		assert.True(t, e.IsTyping)
	case <-time.After(time.Second):
		t.Fatal("typing event not delivered")
	}
	assert.Equal(t, map[string]map[string]bool{"c1": {"buyer": true}}, seller.Snapshot())

	// Five quiet seconds later the caller's timer publishes false.
	clock.fire(clock.last())
	select {
	case e := <-events:
		assert.False(t, e.IsTyping)
	case <-time.After(time.Second):
		t.Fatal("typing stop not delivered")
	}
	assert.Equal(t, map[string]map[string]bool{"c1": {"buyer": false}}, seller.Snapshot())
}

func TestTypingBroadcasterUnwatch(t *testing.T) {
	ctx := context.Background()
	broker := pubsub.NewMemoryBroker()
	b := NewTypingBroadcaster(broker, "seller", nil)

	require.NoError(t, b.Watch(ctx, "c1"))
	require.NoError(t, b.Watch(ctx, "c2"))
	b.Unwatch("c1")
	assert.Equal(t, 0, broker.Subscribers(TypingChannel("c1")))
	assert.Equal(t, 1, broker.Subscribers(TypingChannel("c2")))

	b.Close()
	assert.Equal(t, 0, broker.Subscribers(TypingChannel("c2")))
}
