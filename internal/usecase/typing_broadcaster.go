package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/pkg/logger"
)

const typingChannelPrefix = "typing:"

func TypingChannel(conversationID string) string {
	return typingChannelPrefix + conversationID
}

type TypingEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	At             time.Time `json:"at"`
}

// TypingBroadcaster publishes the local user's typing state and mirrors what
// other participants publish. It never expires state on its own: an entry
// changes only when a new event arrives.
type TypingBroadcaster struct {
	broker   service.ChannelBroker
	selfID   string
	onChange func(TypingEvent)

	mu      sync.Mutex
	state   map[string]map[string]bool
	watches map[string]func()
	wg      sync.WaitGroup
}

func NewTypingBroadcaster(broker service.ChannelBroker, selfID string, onChange func(TypingEvent)) *TypingBroadcaster {
	return &TypingBroadcaster{
		broker:   broker,
		selfID:   selfID,
		onChange: onChange,
		state:    make(map[string]map[string]bool),
		watches:  make(map[string]func()),
	}
}

func (b *TypingBroadcaster) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	payload, err := json.Marshal(TypingEvent{
		ConversationID: conversationID,
		UserID:         b.selfID,
		IsTyping:       isTyping,
		At:             time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := b.broker.Publish(ctx, TypingChannel(conversationID), payload); err != nil {
		return err
	}
	metrics.TypingPublished.Inc()
	return nil
}

// Watch subscribes to a conversation's typing channel. Watching the same
// conversation twice is a no-op.
func (b *TypingBroadcaster) Watch(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	if _, ok := b.watches[conversationID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	events, cancel, err := b.broker.Subscribe(ctx, TypingChannel(conversationID))
	if err != nil {
		return err
	}

	b.mu.Lock()
	if _, ok := b.watches[conversationID]; ok {
		b.mu.Unlock()
		cancel()
		return nil
	}
	b.watches[conversationID] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		for payload := range events {
			var event TypingEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				logger.Debug("Ignoring malformed typing event on %s: %v", conversationID, err)
				continue
			}
			event.ConversationID = conversationID
			b.apply(event)
		}
	}()
	return nil
}

func (b *TypingBroadcaster) apply(event TypingEvent) {
	if event.UserID == "" || event.UserID == b.selfID {
		return
	}

	b.mu.Lock()
	users := b.state[event.ConversationID]
	if users == nil {
		users = make(map[string]bool)
		b.state[event.ConversationID] = users
	}
	changed := users[event.UserID] != event.IsTyping
	users[event.UserID] = event.IsTyping
	b.mu.Unlock()

	if changed && b.onChange != nil {
		b.onChange(event)
	}
}

func (b *TypingBroadcaster) Unwatch(conversationID string) {
	b.mu.Lock()
	cancel, ok := b.watches[conversationID]
	delete(b.watches, conversationID)
	delete(b.state, conversationID)
	b.mu.Unlock()

	if ok {
		cancel()
	}
}

// Snapshot copies the conversation, user, typing map.
func (b *TypingBroadcaster) Snapshot() map[string]map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[string]bool, len(b.state))
	for conv, users := range b.state {
		cp := make(map[string]bool, len(users))
		for u, typing := range users {
			cp[u] = typing
		}
		out[conv] = cp
	}
	return out
}

// Close drops every subscription and waits for the readers to exit.
func (b *TypingBroadcaster) Close() {
	b.mu.Lock()
	cancels := make([]func(), 0, len(b.watches))
	for _, cancel := range b.watches {
		cancels = append(cancels, cancel)
	}
	b.watches = make(map[string]func())
	b.state = make(map[string]map[string]bool)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.wg.Wait()
}
