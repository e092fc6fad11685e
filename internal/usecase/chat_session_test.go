package usecase

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/infrastructure/pubsub"
)

type eventLog struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (l *eventLog) sink(e SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(typ SessionEventType) []SessionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SessionEvent
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type sessionHarness struct {
	*chatFixture
	broker *pubsub.MemoryBroker
	timers *fakeClock
}

func newSessionHarness(t *testing.T) *sessionHarness {
	return &sessionHarness{
		chatFixture: newChatFixture(t),
		broker:      pubsub.NewMemoryBroker(),
		timers:      &fakeClock{},
	}
}

func (h *sessionHarness) open(t *testing.T, uc *ChatUseCase, userID string) (*ChatSession, *IdentityProvider, *eventLog) {
	t.Helper()
	log := &eventLog{}
	identity := NewIdentityProvider(nil, h.store.Profiles())
	s := NewChatSession(uc, h.store, h.broker, identity, SessionConfig{AfterFunc: h.timers.AfterFunc}, log.sink)
	t.Cleanup(s.Close)
	if userID != "" {
		identity.SignInAs(context.Background(), userID)
	}
	return s, identity, log
}

func statuses(msgs []*entity.Message) []entity.MessageStatus {
	out := make([]entity.MessageStatus, len(msgs))
	for i, m := range msgs {
		out[i] = m.Status
	}
	return out
}

func TestSessionUnreadAndReceipts(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)

	buyer, _, _ := h.open(t, h.uc, "buyer")
	seller, _, _ := h.open(t, h.uc, "seller")
	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))

	_, err := buyer.SendMessage(ctx, "hello", nil)
	require.NoError(t, err)
	_, err = buyer.SendMessage(ctx, "are you there?", nil)
	require.NoError(t, err)

	// The seller is online but has not opened the conversation.
	convs := seller.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, "are you there?", convs[0].LatestMessage.Content)
	assert.Equal(t, []entity.MessageStatus{entity.StatusDelivered, entity.StatusDelivered}, statuses(buyer.Messages()))

	require.NoError(t, seller.SetCurrentConversation(ctx, conv.ID))
	assert.Equal(t, 0, seller.Conversations()[0].UnreadCount)
	assert.Len(t, seller.Messages(), 2)
	assert.Equal(t, []entity.MessageStatus{entity.StatusRead, entity.StatusRead}, statuses(buyer.Messages()))

	// With the conversation open, new messages are read on arrival.
	_, err = buyer.SendMessage(ctx, "great", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, seller.Conversations()[0].UnreadCount)
	msgs := seller.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, entity.StatusRead, msgs[2].Status)
	assert.Equal(t, entity.StatusRead, buyer.Messages()[2].Status)

	// Leaving and receiving again brings the badge back.
	require.NoError(t, seller.SetCurrentConversation(ctx, ""))
	_, err = buyer.SendMessage(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, seller.Conversations()[0].UnreadCount)

	require.NoError(t, seller.UpdateLastRead(ctx, conv.ID))
	assert.Equal(t, 0, seller.Conversations()[0].UnreadCount)
}

func TestSessionOptimisticSendDeduplicates(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	buyer, _, log := h.open(t, h.uc, "buyer")
	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))
	log.reset()

	saved, err := buyer.SendMessage(ctx, "quote for 2k units", nil)
	require.NoError(t, err)

	msgs := buyer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, saved.ID, msgs[0].ID)
	assert.NotEmpty(t, msgs[0].ClientID)

	upserts := log.ofType(EventMessageUpsert)
	require.NotEmpty(t, upserts)
	first := upserts[0].Data.(MessagePayload)
	assert.True(t, first.Pending)
	assert.Equal(t, saved.ClientID, first.ClientID)
	assert.NotEmpty(t, log.ofType(EventScrollToLatest))
}

func TestSessionSendRequiresActiveConversationAndContent(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	buyer, _, _ := h.open(t, h.uc, "buyer")

	_, err := buyer.SendMessage(ctx, "hi", nil)
	assert.Error(t, err)

	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))
	_, err = buyer.SendMessage(ctx, "   ", nil)
	assert.Error(t, err)
	assert.Empty(t, buyer.Messages())
	assert.Equal(t, 0, h.store.MessageCount(conv.ID))
}

func TestSessionSendFailureKeepsDraft(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	h.files.UploadErr = stderrors.New("bucket unavailable")
	buyer, _, log := h.open(t, h.uc, "buyer")
	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))

	buyer.SaveDraft(conv.ID, "see the drawing")
	_, err := buyer.SendMessage(ctx, "see the drawing", &AttachmentUpload{
		Name: "drawing.png", ContentType: "image/png", Size: 3, Body: strings.NewReader("png"),
	})
	require.Error(t, err)

	assert.Empty(t, buyer.Messages())
	assert.Equal(t, "see the drawing", buyer.Draft(conv.ID))
	assert.Equal(t, 0, h.store.MessageCount(conv.ID))

	require.Len(t, log.ofType(EventMessageRemoved), 1)
	errs := log.ofType(EventError)
	require.Len(t, errs, 1)
	payload := errs[0].Data.(ErrorPayload)
	assert.True(t, payload.Retryable)
}

func TestSessionDraftsFollowActiveConversation(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	c1 := h.conversation(t)
	c2 := h.conversation(t)
	buyer, _, log := h.open(t, h.uc, "buyer")

	require.NoError(t, buyer.SetCurrentConversation(ctx, c1.ID))
	buyer.SaveDraft(c1.ID, "draft one")

	log.reset()
	require.NoError(t, buyer.SetCurrentConversation(ctx, c2.ID))
	active := log.ofType(EventActive)
	require.Len(t, active, 1)
	assert.Equal(t, "", active[0].Data.(ActivePayload).Draft)
	buyer.SaveDraft(c2.ID, "draft two")

	log.reset()
	require.NoError(t, buyer.SetCurrentConversation(ctx, c1.ID))
	active = log.ofType(EventActive)
	require.Len(t, active, 1)
	assert.Equal(t, "draft one", active[0].Data.(ActivePayload).Draft)

	_, err := buyer.SendMessage(ctx, "draft one", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{c2.ID: "draft two"}, buyer.Drafts())

	buyer.ClearDraft(c2.ID)
	assert.Empty(t, buyer.Drafts())
}

// blockingMessages stalls the first listing of one conversation until
// released.
type blockingMessages struct {
	repository.MessageRepository
	conversationID string
	armed          atomic.Bool
	entered        chan struct{}
	release        chan struct{}
}

func (m *blockingMessages) ListByConversation(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	if conversationID == m.conversationID && m.armed.CompareAndSwap(true, false) {
		close(m.entered)
		<-m.release
	}
	return m.MessageRepository.ListByConversation(ctx, conversationID)
}

func TestSessionDropsStaleMessageLoad(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	c1 := h.conversation(t)
	c2 := h.conversation(t)
	_, err := h.uc.SendMessage(ctx, "seller", SendMessageInput{ConversationID: c1.ID, Content: "from c1"})
	require.NoError(t, err)
	_, err = h.uc.SendMessage(ctx, "seller", SendMessageInput{ConversationID: c2.ID, Content: "from c2"})
	require.NoError(t, err)

	blocking := &blockingMessages{
		MessageRepository: h.store.Messages(),
		conversationID:    c1.ID,
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	repos := storeRepositories(h.store)
	repos.Messages = blocking
	buyer, _, _ := h.open(t, h.newUseCase(repos, nil), "buyer")
	blocking.armed.Store(true)

	done := make(chan error, 1)
	go func() { done <- buyer.SetCurrentConversation(ctx, c1.ID) }()
	<-blocking.entered

	require.NoError(t, buyer.SetCurrentConversation(ctx, c2.ID))
	close(blocking.release)
	require.NoError(t, <-done)

	assert.Equal(t, c2.ID, buyer.ActiveConversation())
	msgs := buyer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "from c2", msgs[0].Content)
}

func TestSessionStartNewConversation(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	buyer, _, _ := h.open(t, h.uc, "buyer")
	seller, _, _ := h.open(t, h.uc, "seller")

	view, err := buyer.StartNewConversation(ctx, "seller", "Can you ship to Rotterdam?", "p1")
	require.NoError(t, err)

	assert.Equal(t, view.ID, buyer.ActiveConversation())
	require.Len(t, buyer.Conversations(), 1)
	msgs := buyer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Can you ship to Rotterdam?", msgs[0].Content)

	convs := seller.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, view.ID, convs[0].ID)
	assert.Equal(t, entity.RoleSeller, convs[0].Role)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "Bea Buyer", convs[0].Counterpart.DisplayName)
}

func TestSessionStartNewConversationFailure(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	buyer, _, log := h.open(t, h.uc, "buyer")

	_, err := buyer.StartNewConversation(ctx, "ghost", "hello", "")
	require.Error(t, err)

	assert.Empty(t, buyer.Conversations())
	assert.Len(t, log.ofType(EventError), 1)
}

func TestSessionDeleteMessage(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	buyer, _, _ := h.open(t, h.uc, "buyer")
	seller, _, _ := h.open(t, h.uc, "seller")
	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))
	require.NoError(t, seller.SetCurrentConversation(ctx, conv.ID))

	msg, err := buyer.SendMessage(ctx, "wrong price", nil)
	require.NoError(t, err)
	require.Len(t, seller.Messages(), 1)

	assert.Error(t, seller.DeleteMessage(ctx, msg.ID))
	require.NoError(t, buyer.DeleteMessage(ctx, msg.ID))

	assert.Empty(t, buyer.Messages())
	assert.Empty(t, seller.Messages())
}

func TestSessionUpdateMessageStatusIsBestEffort(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	buyer, _, log := h.open(t, h.uc, "buyer")
	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))
	msg, err := buyer.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)
	log.reset()

	applied, err := buyer.UpdateMessageStatus(ctx, msg.ID, entity.StatusRead)
	assert.Error(t, err)
	assert.False(t, applied)
	assert.Empty(t, log.ofType(EventError))
	assert.Equal(t, entity.StatusSent, buyer.Messages()[0].Status)
}

func TestSessionTypingReachesCounterpart(t *testing.T) {
	h := newSessionHarness(t)
	conv := h.conversation(t)
	buyer, _, _ := h.open(t, h.uc, "buyer")
	seller, _, log := h.open(t, h.uc, "seller")

	buyer.Keystroke(conv.ID)
	require.Eventually(t, func() bool {
		return seller.Typing()[conv.ID]["buyer"]
	}, time.Second, 5*time.Millisecond)

	h.timers.fire(h.timers.last())
	require.Eventually(t, func() bool {
		return !seller.Typing()[conv.ID]["buyer"]
	}, time.Second, 5*time.Millisecond)

	typing := log.ofType(EventTyping)
	require.Len(t, typing, 2)
	assert.Equal(t, conv.ID, typing[0].ConversationID)
	assert.Empty(t, buyer.Typing()[conv.ID])
}

func TestSessionResubscribesOnIdentityChange(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	h.store.PutProfile(&entity.Profile{ID: "third", DisplayName: "Tia Third"})
	third := &entity.Conversation{BuyerID: "third", SellerID: "seller"}
	require.NoError(t, h.store.Conversations().Create(ctx, third))

	s, identity, _ := h.open(t, h.uc, "buyer")
	require.NoError(t, s.SetCurrentConversation(ctx, conv.ID))
	s.SaveDraft(conv.ID, "unsent")
	require.Len(t, s.Conversations(), 1)

	identity.SignInAs(ctx, "seller")
	assert.Equal(t, "seller", s.UserID())
	assert.Equal(t, "", s.ActiveConversation())
	assert.Empty(t, s.Drafts())
	require.Len(t, s.Conversations(), 2)

	// The new identity's subscription is live.
	_, err := h.uc.SendMessage(ctx, "third", SendMessageInput{ConversationID: third.ID, Content: "hello seller"})
	require.NoError(t, err)
	var unread int
	for _, v := range s.Conversations() {
		if v.ID == third.ID {
			unread = v.UnreadCount
		}
	}
	assert.Equal(t, 1, unread)

	identity.SignOut()
	assert.Equal(t, "", s.UserID())
	assert.Empty(t, s.Conversations())

	_, err = h.uc.SendMessage(ctx, "buyer", SendMessageInput{ConversationID: conv.ID, Content: "anyone?"})
	require.NoError(t, err)
	assert.Empty(t, s.Conversations())
}

func TestSessionGroupStarts(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	buyer, _, _ := h.open(t, h.uc, "buyer")
	require.NoError(t, buyer.SetCurrentConversation(ctx, conv.ID))

	for _, text := range []string{"one", "two"} {
		_, err := buyer.SendMessage(ctx, text, nil)
		require.NoError(t, err)
	}
	_, err := h.uc.SendMessage(ctx, "seller", SendMessageInput{ConversationID: conv.ID, Content: "three"})
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false, true}, buyer.GroupStarts())
}

func TestSessionActivationIsImmediate(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	c1 := h.conversation(t)
	c2 := h.conversation(t)
	_, err := h.uc.SendMessage(ctx, "seller", SendMessageInput{ConversationID: c1.ID, Content: "from c1"})
	require.NoError(t, err)

	buyer, _, _ := h.open(t, h.uc, "buyer")
	seq1, err := buyer.ActivateConversation(c1.ID)
	require.NoError(t, err)
	seq2, err := buyer.ActivateConversation(c2.ID)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, buyer.ActiveConversation())

	// Sending does not wait for the load.
	_, err = buyer.SendMessage(ctx, "straight away", nil)
	require.NoError(t, err)

	require.NoError(t, buyer.LoadActive(ctx, c1.ID, seq1))
	require.NoError(t, buyer.LoadActive(ctx, c2.ID, seq2))
	msgs := buyer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "straight away", msgs[0].Content)

	signedOut, _, _ := h.open(t, h.uc, "")
	_, err = signedOut.ActivateConversation(c1.ID)
	assert.Error(t, err)
}

// recordingFeed tracks which filters are currently subscribed.
type recordingFeed struct {
	repository.ChangeFeed
	mu   sync.Mutex
	live map[int]repository.ChangeFilter
	next int
}

func (f *recordingFeed) Subscribe(ctx context.Context, filter repository.ChangeFilter, handler repository.ChangeHandler) (func(), error) {
	unsubscribe, err := f.ChangeFeed.Subscribe(ctx, filter, handler)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	id := f.next
	f.next++
	f.live[id] = filter
	f.mu.Unlock()
	return func() {
		unsubscribe()
		f.mu.Lock()
		delete(f.live, id)
		f.mu.Unlock()
	}, nil
}

func (f *recordingFeed) active(table entity.ChangeTable) []repository.ChangeFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.ChangeFilter
	for _, filter := range f.live {
		if filter.Table == table {
			out = append(out, filter)
		}
	}
	return out
}

func TestSessionScopesFeedToItsConversations(t *testing.T) {
	ctx := context.Background()
	h := newSessionHarness(t)
	conv := h.conversation(t)
	foreign := &entity.Conversation{BuyerID: "other", SellerID: "seller"}
	require.NoError(t, h.store.Conversations().Create(ctx, foreign))

	feed := &recordingFeed{ChangeFeed: h.store, live: make(map[int]repository.ChangeFilter)}
	identity := NewIdentityProvider(nil, h.store.Profiles())
	s := NewChatSession(h.uc, feed, h.broker, identity, SessionConfig{AfterFunc: h.timers.AfterFunc}, nil)
	t.Cleanup(s.Close)
	identity.SignInAs(ctx, "buyer")

	convSubs := feed.active(entity.TableConversations)
	require.Len(t, convSubs, 1)
	assert.Equal(t, "buyer", convSubs[0].ParticipantID)
	for _, table := range []entity.ChangeTable{entity.TableMessages, entity.TableReadStates} {
		subs := feed.active(table)
		require.Len(t, subs, 1, "table %s", table)
		assert.Equal(t, []string{conv.ID}, subs[0].ConversationIDs)
	}

	// A conversation someone else opens with us widens the scope.
	second := &entity.Conversation{BuyerID: "buyer", SellerID: "other"}
	require.NoError(t, h.store.Conversations().Create(ctx, second))
	require.Eventually(t, func() bool {
		subs := feed.active(entity.TableMessages)
		return len(subs) == 1 && len(subs[0].ConversationIDs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{conv.ID, second.ID}, feed.active(entity.TableMessages)[0].ConversationIDs)

	_, err := h.uc.SendMessage(ctx, "other", SendMessageInput{ConversationID: second.ID, Content: "new lead"})
	require.NoError(t, err)
	var unread int
	for _, v := range s.Conversations() {
		if v.ID == second.ID {
			unread = v.UnreadCount
		}
	}
	assert.Equal(t, 1, unread)
	assert.Len(t, s.Conversations(), 2)

	// Without conversations nothing listens to messages at all.
	h.store.PutProfile(&entity.Profile{ID: "newcomer", DisplayName: "Nia Newcomer"})
	identity.SignInAs(ctx, "newcomer")
	assert.Empty(t, feed.active(entity.TableMessages))
	assert.Empty(t, feed.active(entity.TableReadStates))
	convSubs = feed.active(entity.TableConversations)
	require.Len(t, convSubs, 1)
	assert.Equal(t, "newcomer", convSubs[0].ParticipantID)
}
