package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	"marketchat/pkg/errors"
)

// MemoryStore keeps every chat table in process memory and fans change
// notifications out synchronously. It backs STORE_DRIVER=memory and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*entity.Conversation
	messages      map[string]*entity.Message
	seq           map[string]int64
	nextSeq       int64
	readStates    map[string]*entity.ReadState
	profiles      map[string]*entity.Profile
	products      map[string]*entity.Product

	subMu   sync.RWMutex
	subs    map[int]*memorySubscription
	nextSub int
}

type memorySubscription struct {
	ctx     context.Context
	filter  repository.ChangeFilter
	handler repository.ChangeHandler
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*entity.Conversation),
		messages:      make(map[string]*entity.Message),
		seq:           make(map[string]int64),
		readStates:    make(map[string]*entity.ReadState),
		profiles:      make(map[string]*entity.Profile),
		products:      make(map[string]*entity.Product),
		subs:          make(map[int]*memorySubscription),
	}
}

func (s *MemoryStore) Conversations() repository.ConversationRepository {
	return &memoryConversationRepository{s}
}

func (s *MemoryStore) Messages() repository.MessageRepository {
	return &memoryMessageRepository{s}
}

func (s *MemoryStore) ReadStates() repository.ReadStateRepository {
	return &memoryReadStateRepository{s}
}

func (s *MemoryStore) Profiles() repository.ProfileRepository {
	return &memoryProfileRepository{s}
}

func (s *MemoryStore) Products() repository.ProductRepository {
	return &memoryProductRepository{s}
}

func (s *MemoryStore) PutProfile(p *entity.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[p.ID] = &cp
}

func (s *MemoryStore) PutProduct(p *entity.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.products[p.ID] = &cp
}

// MessageCount returns the number of stored messages in a conversation.
func (s *MemoryStore) MessageCount(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) Subscribe(ctx context.Context, filter repository.ChangeFilter, handler repository.ChangeHandler) (func(), error) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &memorySubscription{ctx: ctx, filter: filter, handler: handler}
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}, nil
}

// notify must be called without s.mu held; handlers may call back into the store.
func (s *MemoryStore) notify(change entity.Change) {
	s.subMu.RLock()
	targets := make([]*memorySubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.ctx.Err() == nil && sub.filter.Matches(change) {
			targets = append(targets, sub)
		}
	}
	s.subMu.RUnlock()

	for _, sub := range targets {
		sub.handler(cloneChange(change))
	}
}

func cloneChange(c entity.Change) entity.Change {
	out := c
	out.Message = c.Message.Clone()
	if c.Conversation != nil {
		conv := *c.Conversation
		out.Conversation = &conv
	}
	if c.ReadState != nil {
		rs := *c.ReadState
		out.ReadState = &rs
	}
	return out
}

type memoryConversationRepository struct{ s *MemoryStore }

func (r *memoryConversationRepository) Create(ctx context.Context, conversation *entity.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	now := time.Now()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = conversation.CreatedAt
	}
	conversation.Participants = []string{conversation.BuyerID, conversation.SellerID}

	r.s.mu.Lock()
	if _, exists := r.s.conversations[conversation.ID]; exists {
		r.s.mu.Unlock()
		return errors.Conflict("Conversation already exists")
	}
	cp := *conversation
	r.s.conversations[conversation.ID] = &cp
	r.s.mu.Unlock()

	r.s.notify(entity.Change{Table: entity.TableConversations, Kind: entity.ChangeInsert, Conversation: &cp})
	return nil
}

func (r *memoryConversationRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	conv, ok := r.s.conversations[id]
	if !ok {
		return nil, errors.NotFound("Conversation", nil)
	}
	cp := *conv
	return &cp, nil
}

func (r *memoryConversationRepository) ListByParticipant(ctx context.Context, userID string) ([]*entity.Conversation, error) {
	r.s.mu.RLock()
	var out []*entity.Conversation
	for _, conv := range r.s.conversations {
		if conv.HasParticipant(userID) {
			cp := *conv
			out = append(out, &cp)
		}
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *memoryConversationRepository) Touch(ctx context.Context, id, lastMessage string, at time.Time) error {
	r.s.mu.Lock()
	conv, ok := r.s.conversations[id]
	if !ok {
		r.s.mu.Unlock()
		return errors.NotFound("Conversation", nil)
	}
	conv.LastMessage = lastMessage
	conv.LastMessageAt = at
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	cp := *conv
	r.s.mu.Unlock()

	r.s.notify(entity.Change{Table: entity.TableConversations, Kind: entity.ChangeUpdate, Conversation: &cp})
	return nil
}

func (r *memoryConversationRepository) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	conv, ok := r.s.conversations[id]
	if !ok {
		r.s.mu.Unlock()
		return errors.NotFound("Conversation", nil)
	}
	delete(r.s.conversations, id)
	cp := *conv
	r.s.mu.Unlock()

	r.s.notify(entity.Change{Table: entity.TableConversations, Kind: entity.ChangeDelete, Conversation: &cp})
	return nil
}

type memoryMessageRepository struct{ s *MemoryStore }

func (r *memoryMessageRepository) Create(ctx context.Context, message *entity.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if message.Status == "" {
		message.Status = entity.StatusSent
	}

	r.s.mu.Lock()
	if _, ok := r.s.conversations[message.ConversationID]; !ok {
		r.s.mu.Unlock()
		return errors.NotFound("Conversation", nil)
	}
	stored := message.Clone()
	stored.Sender = nil
	if stored.Attachment != nil {
		stored.Attachment.URL = ""
	}
	r.s.messages[message.ID] = stored
	r.s.nextSeq++
	r.s.seq[message.ID] = r.s.nextSeq
	change := entity.Change{Table: entity.TableMessages, Kind: entity.ChangeInsert, Message: stored.Clone()}
	r.s.mu.Unlock()

	r.s.notify(change)
	return nil
}

func (r *memoryMessageRepository) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	msg, ok := r.s.messages[id]
	if !ok {
		return nil, errors.NotFound("Message", nil)
	}
	return msg.Clone(), nil
}

func (r *memoryMessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	r.s.mu.RLock()
	var out []*entity.Message
	seq := make(map[string]int64)
	for id, msg := range r.s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg.Clone())
			seq[id] = r.s.seq[id]
		}
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return seq[out[i].ID] < seq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *memoryMessageRepository) UpdateStatus(ctx context.Context, id string, target entity.MessageStatus) (bool, error) {
	if !target.Valid() {
		return false, errors.BadRequest("Invalid message status", nil)
	}

	r.s.mu.Lock()
	msg, ok := r.s.messages[id]
	if !ok {
		r.s.mu.Unlock()
		return false, errors.NotFound("Message", nil)
	}
	if !msg.Status.CanAdvanceTo(target) {
		r.s.mu.Unlock()
		return false, nil
	}
	msg.Status = target
	change := entity.Change{Table: entity.TableMessages, Kind: entity.ChangeUpdate, Message: msg.Clone()}
	r.s.mu.Unlock()

	r.s.notify(change)
	return true, nil
}

func (r *memoryMessageRepository) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	msg, ok := r.s.messages[id]
	if !ok {
		r.s.mu.Unlock()
		return errors.NotFound("Message", nil)
	}
	delete(r.s.messages, id)
	delete(r.s.seq, id)
	change := entity.Change{Table: entity.TableMessages, Kind: entity.ChangeDelete, Message: msg.Clone()}
	r.s.mu.Unlock()

	r.s.notify(change)
	return nil
}

type memoryReadStateRepository struct{ s *MemoryStore }

func readStateKey(conversationID, userID string) string {
	return conversationID + "_" + userID
}

func (r *memoryReadStateRepository) Upsert(ctx context.Context, conversationID, userID string, at time.Time) error {
	key := readStateKey(conversationID, userID)

	r.s.mu.Lock()
	current, ok := r.s.readStates[key]
	if ok && !at.After(current.LastReadAt) {
		r.s.mu.Unlock()
		return nil
	}
	state := &entity.ReadState{ConversationID: conversationID, UserID: userID, LastReadAt: at}
	r.s.readStates[key] = state
	kind := entity.ChangeUpdate
	if !ok {
		kind = entity.ChangeInsert
	}
	cp := *state
	r.s.mu.Unlock()

	r.s.notify(entity.Change{Table: entity.TableReadStates, Kind: kind, ReadState: &cp})
	return nil
}

func (r *memoryReadStateRepository) Get(ctx context.Context, conversationID, userID string) (*entity.ReadState, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	state, ok := r.s.readStates[readStateKey(conversationID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *state
	return &cp, nil
}

type memoryProfileRepository struct{ s *MemoryStore }

func (r *memoryProfileRepository) GetByID(ctx context.Context, id string) (*entity.Profile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.profiles[id]
	if !ok {
		return nil, errors.NotFound("Profile", nil)
	}
	cp := *p
	return &cp, nil
}

type memoryProductRepository struct{ s *MemoryStore }

func (r *memoryProductRepository) GetByID(ctx context.Context, id string) (*entity.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.products[id]
	if !ok {
		return nil, errors.NotFound("Product", nil)
	}
	cp := *p
	return &cp, nil
}
