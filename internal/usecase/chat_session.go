package usecase

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/metrics"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

type SessionEventType string

const (
	EventIdentity       SessionEventType = "identity"
	EventConversations  SessionEventType = "conversations"
	EventActive         SessionEventType = "active_conversation"
	EventMessages       SessionEventType = "messages"
	EventMessageUpsert  SessionEventType = "message_upserted"
	EventMessageRemoved SessionEventType = "message_removed"
	EventTyping         SessionEventType = "typing"
	EventScrollToLatest SessionEventType = "scroll_to_latest"
	EventDraft          SessionEventType = "draft"
	EventError          SessionEventType = "error"
)

type SessionEvent struct {
	Type           SessionEventType `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Data           interface{}      `json:"data,omitempty"`
}

type EventSink func(SessionEvent)

type MessagesPayload struct {
	Messages    []*entity.Message `json:"messages"`
	GroupStarts []bool            `json:"group_starts"`
}

type MessagePayload struct {
	Message *entity.Message `json:"message,omitempty"`
	// Pending marks an optimistic insert not yet confirmed by the store.
	Pending  bool   `json:"pending,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	ID       string `json:"id,omitempty"`
}

type DraftPayload struct {
	Text string `json:"text"`
}

type ActivePayload struct {
	ConversationID string `json:"conversation_id"`
	Draft          string `json:"draft"`
}

type SessionConfig struct {
	TypingQuietPeriod time.Duration
	GroupGap          time.Duration
	AfterFunc         AfterFunc
}

// ChatSession is the per-connection controller. It owns the view model of a
// single client: conversation list, active conversation, its messages,
// typing state, profiles and drafts. The mutex guards only the view model;
// store and broker calls always run without it.
type ChatSession struct {
	chat     *ChatUseCase
	feed     repository.ChangeFeed
	broker   service.ChannelBroker
	identity *IdentityProvider
	drafts   *DraftStore
	sink     EventSink
	cfg      SessionConfig

	unsubscribeIdentity func()

	mu            sync.Mutex
	userID        string
	ctx           context.Context
	cancel        context.CancelFunc
	feedCancels   []func()
	typing        *TypingBroadcaster
	indicator     *TypingIndicator
	conversations []*ConversationView
	foreign       map[string]bool
	activeID      string
	loadSeq       uint64
	messages      []*entity.Message
	pending       map[string]*entity.Message
	scopedCancels []func()
	scopeKey      string
	scopeGen      uint64
	// statusAhead holds status updates that arrived before their message
	// reached the active list.
	statusAhead map[string]entity.MessageStatus
	profiles    map[string]*entity.Profile
	closed      bool
}

func NewChatSession(chat *ChatUseCase, feed repository.ChangeFeed, broker service.ChannelBroker, identity *IdentityProvider, cfg SessionConfig, sink EventSink) *ChatSession {
	if cfg.TypingQuietPeriod <= 0 {
		cfg.TypingQuietPeriod = DefaultTypingQuietPeriod
	}
	if cfg.GroupGap <= 0 {
		cfg.GroupGap = DefaultGroupGap
	}
	if sink == nil {
		sink = func(SessionEvent) {}
	}

	s := &ChatSession{
		chat:     chat,
		feed:     feed,
		broker:   broker,
		identity: identity,
		drafts:   NewDraftStore(),
		sink:     sink,
		cfg:      cfg,
	}
	s.resetViewLocked()

	s.unsubscribeIdentity = identity.OnChange(s.onIdentityChange)
	if current := identity.Current(); current != nil {
		s.onIdentityChange(current)
	}
	return s
}

func (s *ChatSession) resetViewLocked() {
	s.conversations = nil
	s.foreign = make(map[string]bool)
	s.activeID = ""
	s.loadSeq++
	s.messages = nil
	s.pending = make(map[string]*entity.Message)
	s.statusAhead = make(map[string]entity.MessageStatus)
	s.profiles = make(map[string]*entity.Profile)
	s.scopeKey = ""
}

// rescope points the message and read-state subscriptions at the listed
// conversations. Nothing changes while the set of ids stays the same. The
// new subscriptions are in place before the old ones are cancelled, so a
// change may arrive twice but is never missed.
func (s *ChatSession) rescope() {
	s.mu.Lock()
	uid, ctx := s.userID, s.ctx
	if uid == "" || ctx == nil || s.closed {
		s.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(s.conversations))
	for _, v := range s.conversations {
		ids = append(ids, v.ID)
	}
	sort.Strings(ids)
	key := strings.Join(ids, ",")
	if key == s.scopeKey {
		s.mu.Unlock()
		return
	}
	s.scopeKey = key
	s.scopeGen++
	gen := s.scopeGen
	s.mu.Unlock()

	// An empty id list would match every conversation in the store.
	var cancels []func()
	if len(ids) > 0 {
		for _, table := range []entity.ChangeTable{entity.TableMessages, entity.TableReadStates} {
			filter := repository.ChangeFilter{Table: table, ConversationIDs: ids}
			unsubscribe, err := s.feed.Subscribe(ctx, filter, s.onChange)
			if err != nil {
				logger.Error("Session %s: subscribe to %s failed: %v", uid, table, err)
				continue
			}
			cancels = append(cancels, unsubscribe)
		}
	}

	s.mu.Lock()
	if s.userID != uid || s.scopeGen != gen {
		s.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		return
	}
	previous := s.scopedCancels
	s.scopedCancels = cancels
	s.mu.Unlock()

	// The caller may be running inside a handler of one of the old
	// subscriptions, and unsubscribing waits for that handler to return.
	go func() {
		for _, c := range previous {
			c()
		}
	}()
}

// onIdentityChange tears every subscription down and, if someone signed in,
// binds fresh ones to the new user.
func (s *ChatSession) onIdentityChange(identity *Identity) {
	s.teardown()

	if identity == nil {
		s.emit(SessionEvent{Type: EventIdentity})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	uid := identity.UserID
	s.userID = uid
	s.ctx = ctx
	s.cancel = cancel
	if identity.Profile != nil {
		s.profiles[uid] = identity.Profile
	}
	s.typing = NewTypingBroadcaster(s.broker, uid, s.onTyping)
	s.indicator = NewTypingIndicator(s.cfg.TypingQuietPeriod, s.cfg.AfterFunc, s.publishTyping)
	s.mu.Unlock()

	// Message and read-state subscriptions follow the conversation list;
	// see rescope.
	var cancels []func()
	filter := repository.ChangeFilter{Table: entity.TableConversations, ParticipantID: uid}
	if unsubscribe, err := s.feed.Subscribe(ctx, filter, s.onChange); err != nil {
		logger.Error("Session %s: subscribe to %s failed: %v", uid, filter.Table, err)
	} else {
		cancels = append(cancels, unsubscribe)
	}

	s.mu.Lock()
	if s.userID != uid {
		s.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		return
	}
	s.feedCancels = cancels
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventIdentity, Data: identity})
	s.LoadConversations(ctx)
}

func (s *ChatSession) teardown() {
	s.mu.Lock()
	indicator := s.indicator
	s.mu.Unlock()

	// Tell observers we stopped typing before the channel goes away.
	if indicator != nil {
		indicator.StopAll()
	}

	s.mu.Lock()
	cancel := s.cancel
	feedCancels := append(s.feedCancels, s.scopedCancels...)
	typing := s.typing
	s.cancel = nil
	s.feedCancels = nil
	s.scopedCancels = nil
	s.scopeGen++
	s.typing = nil
	s.indicator = nil
	s.userID = ""
	s.resetViewLocked()
	s.mu.Unlock()

	for _, c := range feedCancels {
		c()
	}
	if typing != nil {
		typing.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.drafts.Reset()
}

// Close ends the session and releases every subscription.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.unsubscribeIdentity != nil {
		s.unsubscribeIdentity()
	}
	s.teardown()
}

func (s *ChatSession) session() (string, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.ctx
}

func (s *ChatSession) emit(event SessionEvent) {
	s.sink(event)
}

// ErrorPayload is what clients see for a failed operation. Retryable
// failures leave the draft in place.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (s *ChatSession) emitError(conversationID string, err error) {
	payload := ErrorPayload{Code: errors.CodeInternal, Message: "Internal server error"}
	if appErr, ok := errors.As(err); ok {
		payload = ErrorPayload{Code: appErr.Code, Message: appErr.Message, Retryable: appErr.Retryable}
	}
	s.emit(SessionEvent{Type: EventError, ConversationID: conversationID, Data: payload})
}

// LoadConversations refreshes the conversation list. Failures leave an
// empty list and are only logged.
func (s *ChatSession) LoadConversations(ctx context.Context) []*ConversationView {
	uid, sessionCtx := s.session()
	if uid == "" {
		return nil
	}

	views := s.chat.LoadConversations(ctx, uid)

	s.mu.Lock()
	if s.userID != uid {
		s.mu.Unlock()
		return nil
	}
	s.conversations = views
	for _, v := range views {
		if v.Counterpart != nil {
			s.profiles[v.Counterpart.ID] = v.Counterpart
		}
		if v.ID == s.activeID {
			v.UnreadCount = 0
		}
	}
	typing := s.typing
	list := s.conversationsLocked()
	s.mu.Unlock()

	if typing != nil {
		for _, v := range views {
			if err := typing.Watch(sessionCtx, v.ID); err != nil {
				logger.Warn("Session %s: typing watch on %s failed: %v", uid, v.ID, err)
			}
		}
	}
	s.rescope()

	s.emit(SessionEvent{Type: EventConversations, Data: list})
	return list
}

// SetCurrentConversation activates a conversation, or clears the selection
// when id is empty. Its messages are loaded, which marks them read, the
// view scrolls to the newest entry and the conversation's draft is restored.
func (s *ChatSession) SetCurrentConversation(ctx context.Context, conversationID string) error {
	seq, err := s.ActivateConversation(conversationID)
	if err != nil || conversationID == "" {
		return err
	}
	return s.LoadActive(ctx, conversationID, seq)
}

// ActivateConversation switches the active conversation without touching
// the store, so it never blocks. Callers that process commands in order
// run it inline and hand the returned generation to LoadActive in the
// background.
func (s *ChatSession) ActivateConversation(conversationID string) (uint64, error) {
	s.mu.Lock()
	if s.userID == "" {
		s.mu.Unlock()
		return 0, errors.Unauthorized("Sign in first", nil)
	}
	previous := s.activeID
	s.activeID = conversationID
	s.loadSeq++
	seq := s.loadSeq
	s.messages = nil
	s.pending = make(map[string]*entity.Message)
	s.statusAhead = make(map[string]entity.MessageStatus)
	indicator := s.indicator
	s.mu.Unlock()

	if previous != "" && previous != conversationID && indicator != nil && indicator.Active(previous) {
		indicator.Stop(previous)
	}

	draft := s.drafts.Get(conversationID)
	s.emit(SessionEvent{Type: EventActive, ConversationID: conversationID, Data: ActivePayload{ConversationID: conversationID, Draft: draft}})
	if conversationID != "" {
		s.emit(SessionEvent{Type: EventDraft, ConversationID: conversationID, Data: DraftPayload{Text: draft}})
	}
	return seq, nil
}

// LoadActive loads the messages for the activation that returned seq. The
// result is dropped if another conversation was activated meanwhile.
func (s *ChatSession) LoadActive(ctx context.Context, conversationID string, seq uint64) error {
	uid, _ := s.session()
	if uid == "" || conversationID == "" {
		return nil
	}
	return s.loadActive(ctx, uid, conversationID, seq)
}

// LoadMessages reloads the messages of conversationID. Results for a
// conversation that is no longer active are discarded.
func (s *ChatSession) LoadMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	uid := s.userID
	if conversationID == "" || conversationID != s.activeID {
		s.mu.Unlock()
		return nil
	}
	seq := s.loadSeq
	s.mu.Unlock()

	return s.loadActive(ctx, uid, conversationID, seq)
}

func (s *ChatSession) loadActive(ctx context.Context, uid, conversationID string, seq uint64) error {
	messages, err := s.chat.LoadMessages(ctx, uid, conversationID)
	if err != nil {
		logger.Error("LoadMessages Error: conversation %s for %s: %v", conversationID, uid, err)
		metrics.LoadFailures.WithLabelValues("messages").Inc()
		messages = []*entity.Message{}
	}

	s.mu.Lock()
	if s.userID != uid || s.activeID != conversationID || s.loadSeq != seq {
		s.mu.Unlock()
		logger.Debug("Dropping stale messages for %s", conversationID)
		return nil
	}
	// Keep optimistic inserts made while the load was in flight.
	merged := messages
	for _, p := range s.pending {
		if indexOfMessage(merged, p) < 0 {
			merged = append(merged, p)
		}
	}
	for _, m := range merged {
		if status, ok := s.statusAhead[m.ID]; ok {
			ApplyStatus(m, status)
			delete(s.statusAhead, m.ID)
		}
	}
	s.messages = merged
	for _, m := range merged {
		if m.Sender != nil {
			s.profiles[m.Sender.ID] = m.Sender
		}
	}
	if view := s.findConversationLocked(conversationID); view != nil {
		view.UnreadCount = 0
	}
	payload := s.messagesPayloadLocked()
	list := s.conversationsLocked()
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventMessages, ConversationID: conversationID, Data: payload})
	s.emit(SessionEvent{Type: EventConversations, Data: list})
	s.emit(SessionEvent{Type: EventScrollToLatest, ConversationID: conversationID})
	return err
}

// SendMessage posts to the active conversation. The message shows up
// immediately as pending; on failure it is withdrawn and the draft kept so
// the user can retry. Every failure is also emitted as an error event.
func (s *ChatSession) SendMessage(ctx context.Context, text string, attachment *AttachmentUpload) (*entity.Message, error) {
	s.mu.Lock()
	uid := s.userID
	conversationID := s.activeID
	s.mu.Unlock()

	var invalid error
	switch {
	case uid == "":
		invalid = errors.Unauthorized("Sign in first", nil)
	case conversationID == "":
		invalid = errors.BadRequest("No conversation selected", nil)
	case strings.TrimSpace(text) == "" && attachment == nil:
		invalid = errors.BadRequest("Message must have text or an attachment", nil)
	}
	if invalid != nil {
		s.emitError(conversationID, invalid)
		return nil, invalid
	}

	clientID := uuid.New().String()
	optimistic := &entity.Message{
		ConversationID: conversationID,
		SenderID:       uid,
		Content:        strings.TrimSpace(text),
		Status:         entity.StatusSent,
		ClientID:       clientID,
		CreatedAt:      time.Now().UTC(),
	}
	if attachment != nil {
		optimistic.Attachment = &entity.Attachment{
			Name:        attachment.Name,
			ContentType: attachment.ContentType,
			Type:        entity.AttachmentTypeFor(attachment.ContentType),
			Size:        attachment.Size,
		}
	}

	s.mu.Lock()
	tracked := s.activeID == conversationID && s.userID == uid
	if tracked {
		s.pending[clientID] = optimistic
		s.messages = append(s.messages, optimistic)
	}
	s.mu.Unlock()
	if tracked {
		s.emit(SessionEvent{Type: EventMessageUpsert, ConversationID: conversationID, Data: MessagePayload{Message: optimistic.Clone(), Pending: true, ClientID: clientID}})
		s.emit(SessionEvent{Type: EventScrollToLatest, ConversationID: conversationID})
	}

	saved, err := s.chat.SendMessage(ctx, uid, SendMessageInput{
		ConversationID: conversationID,
		Content:        text,
		Attachment:     attachment,
		ClientID:       clientID,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, clientID)
		s.messages = removeMessage(s.messages, func(m *entity.Message) bool { return m.ID == "" && m.ClientID == clientID })
		s.mu.Unlock()
		if tracked {
			s.emit(SessionEvent{Type: EventMessageRemoved, ConversationID: conversationID, Data: MessagePayload{ClientID: clientID}})
		}
		s.emitError(conversationID, err)
		return nil, err
	}

	s.reconcile(uid, saved)

	s.drafts.Clear(conversationID)
	s.emit(SessionEvent{Type: EventDraft, ConversationID: conversationID, Data: DraftPayload{}})
	s.mu.Lock()
	indicator := s.indicator
	s.mu.Unlock()
	if indicator != nil {
		indicator.Stop(conversationID)
	}

	s.refreshConversation(ctx, uid, conversationID)
	return saved, nil
}

// reconcile merges a stored message into the active list, replacing the
// optimistic copy with the same correlation id and never duplicating ids.
func (s *ChatSession) reconcile(uid string, stored *entity.Message) {
	s.mu.Lock()
	if s.userID != uid || s.activeID != stored.ConversationID {
		s.mu.Unlock()
		return
	}

	msg := stored.Clone()
	if i := indexOfMessage(s.messages, msg); i >= 0 {
		existing := s.messages[i]
		if existing.ID != "" && existing.Status.Rank() > msg.Status.Rank() {
			msg.Status = existing.Status
		}
		if msg.Attachment != nil && msg.Attachment.URL == "" && existing.Attachment != nil {
			msg.Attachment.URL = existing.Attachment.URL
		}
		if msg.Sender == nil {
			msg.Sender = existing.Sender
		}
		s.messages[i] = msg
	} else {
		s.messages = append(s.messages, msg)
		sortMessages(s.messages)
	}
	if status, ok := s.statusAhead[msg.ID]; ok {
		ApplyStatus(msg, status)
		delete(s.statusAhead, msg.ID)
	}
	if msg.ClientID != "" {
		delete(s.pending, msg.ClientID)
	}
	if msg.Sender == nil {
		msg.Sender = s.profiles[msg.SenderID]
	}
	payload := MessagePayload{Message: msg.Clone(), ClientID: msg.ClientID}
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventMessageUpsert, ConversationID: stored.ConversationID, Data: payload})
}

func (s *ChatSession) DeleteMessage(ctx context.Context, messageID string) error {
	uid, _ := s.session()
	if uid == "" {
		return errors.Unauthorized("Sign in first", nil)
	}

	deleted, err := s.chat.DeleteMessage(ctx, uid, messageID)
	if err != nil {
		s.emitError("", err)
		return err
	}

	s.removeLocal(deleted.ConversationID, messageID)
	s.refreshConversation(ctx, uid, deleted.ConversationID)
	return nil
}

func (s *ChatSession) removeLocal(conversationID, messageID string) {
	s.mu.Lock()
	before := len(s.messages)
	s.messages = removeMessage(s.messages, func(m *entity.Message) bool { return m.ID == messageID })
	removed := len(s.messages) != before
	s.mu.Unlock()

	if removed {
		s.emit(SessionEvent{Type: EventMessageRemoved, ConversationID: conversationID, Data: MessagePayload{ID: messageID}})
	}
}

// UpdateLastRead moves the watermark and clears the conversation's badge.
func (s *ChatSession) UpdateLastRead(ctx context.Context, conversationID string) error {
	uid, _ := s.session()
	if uid == "" {
		return errors.Unauthorized("Sign in first", nil)
	}
	if err := s.chat.UpdateLastRead(ctx, uid, conversationID); err != nil {
		logger.Warn("UpdateLastRead Error: %s for %s: %v", conversationID, uid, err)
		return err
	}

	s.mu.Lock()
	if view := s.findConversationLocked(conversationID); view != nil {
		view.UnreadCount = 0
	}
	list := s.conversationsLocked()
	s.mu.Unlock()

	s.emit(SessionEvent{Type: EventConversations, Data: list})
	return nil
}

// SetTyping publishes the local typing state directly.
func (s *ChatSession) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	s.mu.Lock()
	uid := s.userID
	typing := s.typing
	s.mu.Unlock()

	if typing == nil || conversationID == "" {
		return nil
	}
	if isTyping {
		if allowed, _ := s.chat.allow(uid, ratelimit.ActionTyping); !allowed {
			return nil
		}
	}
	return typing.SetTyping(ctx, conversationID, isTyping)
}

// Keystroke publishes typing and schedules the quiet-period reset.
func (s *ChatSession) Keystroke(conversationID string) {
	s.mu.Lock()
	indicator := s.indicator
	s.mu.Unlock()
	if indicator != nil {
		indicator.Keystroke(conversationID)
	}
}

func (s *ChatSession) publishTyping(conversationID string, isTyping bool) {
	_, ctx := s.session()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.SetTyping(ctx, conversationID, isTyping); err != nil {
		logger.Debug("Typing publish on %s failed: %v", conversationID, err)
	}
}

func (s *ChatSession) onTyping(event TypingEvent) {
	s.emit(SessionEvent{Type: EventTyping, ConversationID: event.ConversationID, Data: event})
}

// StartNewConversation creates a conversation with the caller as buyer,
// reloads the list and makes the new conversation active.
func (s *ChatSession) StartNewConversation(ctx context.Context, counterpartID, text, productID string) (*ConversationView, error) {
	uid, _ := s.session()
	if uid == "" {
		return nil, errors.Unauthorized("Sign in first", nil)
	}

	view, _, err := s.chat.StartNewConversation(ctx, uid, StartConversationInput{
		CounterpartID:  counterpartID,
		InitialMessage: text,
		ProductID:      productID,
	})
	if err != nil {
		s.emitError("", err)
		return nil, err
	}

	s.LoadConversations(ctx)
	if err := s.SetCurrentConversation(ctx, view.ID); err != nil {
		return view, err
	}
	return view, nil
}

// UpdateMessageStatus is best effort: failures are logged, never surfaced
// as events.
func (s *ChatSession) UpdateMessageStatus(ctx context.Context, messageID string, status entity.MessageStatus) (bool, error) {
	uid, _ := s.session()
	if uid == "" {
		return false, errors.Unauthorized("Sign in first", nil)
	}

	applied, err := s.chat.UpdateMessageStatus(ctx, uid, messageID, status)
	if err != nil {
		logger.Warn("UpdateMessageStatus Error: %s to %s by %s: %v", messageID, status, uid, err)
		return false, err
	}
	if applied {
		s.applyLocalStatus("", messageID, status)
	}
	return applied, nil
}

// applyLocalStatus advances a message in the active list. Updates for an
// active conversation whose message is not listed yet are kept until the
// message shows up.
func (s *ChatSession) applyLocalStatus(conversationID, messageID string, status entity.MessageStatus) {
	s.mu.Lock()
	var updated *entity.Message
	found := false
	for _, m := range s.messages {
		if m.ID == messageID {
			found = true
			if ApplyStatus(m, status) {
				updated = m.Clone()
			}
			break
		}
	}
	if !found && conversationID != "" && conversationID == s.activeID {
		if status.Rank() > s.statusAhead[messageID].Rank() {
			s.statusAhead[messageID] = status
		}
	}
	s.mu.Unlock()

	if updated != nil {
		s.emit(SessionEvent{Type: EventMessageUpsert, ConversationID: updated.ConversationID, Data: MessagePayload{Message: updated}})
	}
}

func (s *ChatSession) SaveDraft(conversationID, text string) {
	s.drafts.Save(conversationID, text)
}

func (s *ChatSession) ClearDraft(conversationID string) {
	s.drafts.Clear(conversationID)
	s.emit(SessionEvent{Type: EventDraft, ConversationID: conversationID, Data: DraftPayload{}})
}

func (s *ChatSession) onChange(change entity.Change) {
	uid, ctx := s.session()
	if uid == "" || ctx == nil || ctx.Err() != nil {
		return
	}

	switch change.Table {
	case entity.TableMessages:
		if change.Message != nil {
			s.onMessageChange(ctx, uid, change.Kind, change.Message)
		}
	case entity.TableConversations:
		if change.Conversation != nil {
			s.onConversationChange(ctx, uid, change.Kind, change.Conversation)
		}
	case entity.TableReadStates:
		if change.ReadState != nil && change.ReadState.UserID == uid && s.knows(change.ReadState.ConversationID) {
			s.refreshConversation(ctx, uid, change.ReadState.ConversationID)
		}
	}
}

func (s *ChatSession) onMessageChange(ctx context.Context, uid string, kind entity.ChangeKind, msg *entity.Message) {
	if !s.isParticipant(ctx, uid, msg.ConversationID) {
		return
	}

	s.mu.Lock()
	active := s.activeID == msg.ConversationID
	s.mu.Unlock()

	switch kind {
	case entity.ChangeInsert:
		if msg.SenderID != uid {
			if active {
				if applied, err := s.chat.UpdateMessageStatus(ctx, uid, msg.ID, entity.StatusRead); err != nil {
					logger.Warn("%v", errors.StatusUpdateError("Failed to mark incoming message read", err))
				} else if applied {
					msg.Status = entity.StatusRead
				}
				if err := s.chat.UpdateLastRead(ctx, uid, msg.ConversationID); err != nil {
					logger.Warn("Failed to advance watermark for %s: %v", msg.ConversationID, err)
				}
			} else if applied, err := s.chat.MarkDelivered(ctx, uid, msg); err != nil {
				logger.Warn("%v", errors.StatusUpdateError("Failed to mark message delivered", err))
			} else if applied {
				msg.Status = entity.StatusDelivered
			}
		}
		if active {
			msg.Sender = s.profile(ctx, msg.SenderID)
			s.chat.ResolveAttachmentURL(ctx, msg)
			s.reconcile(uid, msg)
			s.emit(SessionEvent{Type: EventScrollToLatest, ConversationID: msg.ConversationID})
		}
		s.refreshConversation(ctx, uid, msg.ConversationID)

	case entity.ChangeUpdate:
		if active {
			s.applyLocalStatus(msg.ConversationID, msg.ID, msg.Status)
		} else if msg.SenderID != uid {
			s.refreshConversation(ctx, uid, msg.ConversationID)
		}

	case entity.ChangeDelete:
		if active {
			s.removeLocal(msg.ConversationID, msg.ID)
		}
		s.refreshConversation(ctx, uid, msg.ConversationID)
	}
}

func (s *ChatSession) onConversationChange(ctx context.Context, uid string, kind entity.ChangeKind, conv *entity.Conversation) {
	if kind == entity.ChangeDelete {
		s.dropConversation(conv.ID)
		return
	}
	if !conv.HasParticipant(uid) && !s.knows(conv.ID) {
		return
	}
	s.refreshConversation(ctx, uid, conv.ID)
}

func (s *ChatSession) knows(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findConversationLocked(conversationID) != nil
}

// isParticipant answers from the view model when it can and asks the store
// otherwise, remembering conversations that belong to other people.
func (s *ChatSession) isParticipant(ctx context.Context, uid, conversationID string) bool {
	s.mu.Lock()
	known := s.findConversationLocked(conversationID) != nil
	foreign := s.foreign[conversationID]
	s.mu.Unlock()

	if known {
		return true
	}
	if foreign {
		return false
	}
	return s.refreshConversation(ctx, uid, conversationID)
}

// refreshConversation rebuilds one conversation view from the store and
// republishes the list. It reports whether uid participates.
func (s *ChatSession) refreshConversation(ctx context.Context, uid, conversationID string) bool {
	view, err := s.chat.Conversation(ctx, uid, conversationID)
	if err != nil {
		switch {
		case errors.Is(err, errors.CodeForbidden):
			s.mu.Lock()
			s.foreign[conversationID] = true
			s.mu.Unlock()
		case errors.Is(err, errors.CodeNotFound):
			s.dropConversation(conversationID)
		default:
			logger.Warn("Failed to refresh conversation %s: %v", conversationID, err)
		}
		return false
	}

	s.mu.Lock()
	if s.userID != uid {
		s.mu.Unlock()
		return false
	}
	isNew := true
	for i, v := range s.conversations {
		if v.ID == view.ID {
			s.conversations[i] = view
			isNew = false
			break
		}
	}
	if isNew {
		s.conversations = append(s.conversations, view)
	}
	if view.ID == s.activeID {
		view.UnreadCount = 0
	}
	if view.Counterpart != nil {
		s.profiles[view.Counterpart.ID] = view.Counterpart
	}
	sortConversations(s.conversations)
	typing := s.typing
	sessionCtx := s.ctx
	list := s.conversationsLocked()
	s.mu.Unlock()

	if isNew {
		if typing != nil {
			if err := typing.Watch(sessionCtx, conversationID); err != nil {
				logger.Warn("Typing watch on %s failed: %v", conversationID, err)
			}
		}
		s.rescope()
	}
	s.emit(SessionEvent{Type: EventConversations, Data: list})
	return true
}

func (s *ChatSession) dropConversation(conversationID string) {
	s.mu.Lock()
	before := len(s.conversations)
	kept := s.conversations[:0]
	for _, v := range s.conversations {
		if v.ID != conversationID {
			kept = append(kept, v)
		}
	}
	s.conversations = kept
	removed := len(kept) != before
	wasActive := s.activeID == conversationID
	if wasActive {
		s.activeID = ""
		s.loadSeq++
		s.messages = nil
		s.pending = make(map[string]*entity.Message)
		s.statusAhead = make(map[string]entity.MessageStatus)
	}
	typing := s.typing
	list := s.conversationsLocked()
	s.mu.Unlock()

	if typing != nil {
		typing.Unwatch(conversationID)
	}
	s.drafts.Clear(conversationID)
	if removed {
		s.rescope()
		s.emit(SessionEvent{Type: EventConversations, Data: list})
	}
	if wasActive {
		s.emit(SessionEvent{Type: EventActive, Data: ActivePayload{}})
	}
}

func (s *ChatSession) profile(ctx context.Context, userID string) *entity.Profile {
	s.mu.Lock()
	p, ok := s.profiles[userID]
	s.mu.Unlock()
	if ok {
		return p
	}

	p = s.chat.Profile(ctx, userID)
	s.mu.Lock()
	s.profiles[userID] = p
	s.mu.Unlock()
	return p
}

// Read-only views of the session state. Each returns a copy.

func (s *ChatSession) UserID() string {
	uid, _ := s.session()
	return uid
}

func (s *ChatSession) Conversations() []*ConversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationsLocked()
}

func (s *ChatSession) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *ChatSession) Messages() []*entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.messages)
}

func (s *ChatSession) GroupStarts() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return GroupStarts(s.messages, s.cfg.GroupGap)
}

func (s *ChatSession) Typing() map[string]map[string]bool {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing == nil {
		return map[string]map[string]bool{}
	}
	return typing.Snapshot()
}

func (s *ChatSession) Profiles() map[string]*entity.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*entity.Profile, len(s.profiles))
	for id, p := range s.profiles {
		cp := *p
		out[id] = &cp
	}
	return out
}

func (s *ChatSession) Drafts() map[string]string {
	return s.drafts.Snapshot()
}

func (s *ChatSession) Draft(conversationID string) string {
	return s.drafts.Get(conversationID)
}

func (s *ChatSession) conversationsLocked() []*ConversationView {
	out := make([]*ConversationView, len(s.conversations))
	for i, v := range s.conversations {
		cp := *v
		out[i] = &cp
	}
	return out
}

func (s *ChatSession) findConversationLocked(conversationID string) *ConversationView {
	for _, v := range s.conversations {
		if v.ID == conversationID {
			return v
		}
	}
	return nil
}

func (s *ChatSession) messagesPayloadLocked() MessagesPayload {
	return MessagesPayload{
		Messages:    cloneMessages(s.messages),
		GroupStarts: GroupStarts(s.messages, s.cfg.GroupGap),
	}
}

func cloneMessages(in []*entity.Message) []*entity.Message {
	out := make([]*entity.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// indexOfMessage matches by stored id first, then by correlation id.
func indexOfMessage(list []*entity.Message, target *entity.Message) int {
	if target.ID != "" {
		for i, m := range list {
			if m.ID == target.ID {
				return i
			}
		}
	}
	if target.ClientID != "" {
		for i, m := range list {
			if m.ClientID == target.ClientID {
				return i
			}
		}
	}
	return -1
}

func removeMessage(list []*entity.Message, match func(*entity.Message) bool) []*entity.Message {
	out := list[:0]
	for _, m := range list {
		if !match(m) {
			out = append(out, m)
		}
	}
	return out
}

func sortMessages(list []*entity.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func sortConversations(list []*ConversationView) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}
