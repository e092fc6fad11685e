package usecase

import (
	"context"
	"fmt"
	"io"
	"strings"
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

const DefaultMaxAttachmentBytes = 10 << 20

var allowedAttachmentTypes = toSet(
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/gif",
	"image/webp",
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/plain",
	"text/csv",
)

func toSet(values ...string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// Repositories groups the store collaborators of the chat core.
type Repositories struct {
	Conversations repository.ConversationRepository
	Messages      repository.MessageRepository
	ReadStates    repository.ReadStateRepository
	Profiles      repository.ProfileRepository
	Products      repository.ProductRepository
}

// ChatUseCase translates between stored rows and the chat view model and
// owns every read and write against the store.
type ChatUseCase struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	readStates    repository.ReadStateRepository
	profiles      repository.ProfileRepository
	products      repository.ProductRepository
	storage       service.ObjectStorage
	rateLimiter   *ratelimit.RateLimiter

	maxAttachmentBytes int64
	now                func() time.Time
}

func NewChatUseCase(repos Repositories, storage service.ObjectStorage, rateLimiter *ratelimit.RateLimiter, maxAttachmentBytes int64) *ChatUseCase {
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	return &ChatUseCase{
		conversations:      repos.Conversations,
		messages:           repos.Messages,
		readStates:         repos.ReadStates,
		profiles:           repos.Profiles,
		products:           repos.Products,
		storage:            storage,
		rateLimiter:        rateLimiter,
		maxAttachmentBytes: maxAttachmentBytes,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

type AttachmentUpload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

type SendMessageInput struct {
	ConversationID string
	Content        string
	Attachment     *AttachmentUpload
	// ClientID correlates an optimistic local insert with the stored row.
	ClientID string
}

type StartConversationInput struct {
	CounterpartID  string
	InitialMessage string
	ProductID      string
}

type ConversationView struct {
	*entity.Conversation
	Role          entity.Role     `json:"role"`
	Counterpart   *entity.Profile `json:"counterpart"`
	Product       *entity.Product `json:"product,omitempty"`
	LatestMessage *entity.Message `json:"latest_message,omitempty"`
	UnreadCount   int             `json:"unread_count"`
}

// LoadConversations never fails: a failed load is logged and yields an
// empty list so the conversation pane renders its empty state.
func (uc *ChatUseCase) LoadConversations(ctx context.Context, viewerID string) []*ConversationView {
	views, err := uc.ListConversations(ctx, viewerID)
	if err != nil {
		logger.Error("LoadConversations Error: viewer %s: %v", viewerID, err)
		metrics.LoadFailures.WithLabelValues("conversations").Inc()
		return []*ConversationView{}
	}
	return views
}

// ListConversations returns the viewer's conversations, most recently
// updated first, each with counterpart, latest message and unread count.
func (uc *ChatUseCase) ListConversations(ctx context.Context, viewerID string) ([]*ConversationView, error) {
	if viewerID == "" {
		return nil, errors.Unauthorized("Sign in to load conversations", nil)
	}

	conversations, err := uc.conversations.ListByParticipant(ctx, viewerID)
	if err != nil {
		return nil, errors.LoadError("Failed to load conversations", err)
	}

	profiles := newProfileCache(uc.profiles)
	views := make([]*ConversationView, 0, len(conversations))
	for _, conv := range conversations {
		view, err := uc.buildView(ctx, viewerID, conv, profiles)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Conversation builds the view of a single conversation for viewerID.
func (uc *ChatUseCase) Conversation(ctx context.Context, viewerID, conversationID string) (*ConversationView, error) {
	conv, err := uc.participantConversation(ctx, viewerID, conversationID)
	if err != nil {
		return nil, err
	}
	return uc.buildView(ctx, viewerID, conv, newProfileCache(uc.profiles))
}

func (uc *ChatUseCase) buildView(ctx context.Context, viewerID string, conv *entity.Conversation, profiles *profileCache) (*ConversationView, error) {
	messages, err := uc.messages.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, errors.LoadError("Failed to load messages", err)
	}
	state, err := uc.readStates.Get(ctx, conv.ID, viewerID)
	if err != nil {
		return nil, errors.LoadError("Failed to load read state", err)
	}

	var lastReadAt *time.Time
	if state != nil {
		lastReadAt = &state.LastReadAt
	}

	view := &ConversationView{
		Conversation:  conv,
		Role:          conv.RoleOf(viewerID),
		Counterpart:   profiles.get(ctx, conv.Counterpart(viewerID)),
		LatestMessage: LatestMessage(messages),
		UnreadCount:   UnreadCount(messages, viewerID, lastReadAt),
	}

	if conv.ProductID != "" && uc.products != nil {
		product, err := uc.products.GetByID(ctx, conv.ProductID)
		if err != nil {
			logger.Warn("Conversation %s references missing product %s: %v", conv.ID, conv.ProductID, err)
		} else {
			view.Product = product
		}
	}

	return view, nil
}

// LoadMessages returns the conversation's messages oldest first, joined with
// sender profiles and fresh attachment URLs. Loading counts as reading: the
// viewer's watermark advances and the counterpart's messages become read.
func (uc *ChatUseCase) LoadMessages(ctx context.Context, viewerID, conversationID string) ([]*entity.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, nil
	}

	if _, err := uc.participantConversation(ctx, viewerID, conversationID); err != nil {
		return nil, err
	}

	messages, err := uc.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		metrics.LoadFailures.WithLabelValues("messages").Inc()
		return nil, errors.LoadError("Failed to load messages", err)
	}

	profiles := newProfileCache(uc.profiles)
	for _, m := range messages {
		m.Sender = profiles.get(ctx, m.SenderID)
		uc.resolveAttachment(ctx, m)
	}

	uc.markRead(ctx, viewerID, conversationID, messages)
	return messages, nil
}

// SendMessage stores a message with status sent. An attachment is uploaded
// first and only its storage path is persisted; if the upload fails no row
// is written.
func (uc *ChatUseCase) SendMessage(ctx context.Context, senderID string, input SendMessageInput) (*entity.Message, error) {
	if allowed, wait := uc.allow(senderID, ratelimit.ActionSendMessage); !allowed {
		logger.Warn("SendMessage Rate Limited: User %s must wait %v", senderID, wait)
		return nil, errors.TooManyRequests(fmt.Sprintf("Sending too fast, try again in %s", wait.Round(time.Second)))
	}

	content := strings.TrimSpace(input.Content)
	if content == "" && input.Attachment == nil {
		return nil, errors.BadRequest("Message must have text or an attachment", nil)
	}

	conv, err := uc.participantConversation(ctx, senderID, input.ConversationID)
	if err != nil {
		return nil, err
	}

	var attachment *entity.Attachment
	if input.Attachment != nil {
		attachment, err = uc.uploadAttachment(ctx, conv.ID, input.Attachment)
		if err != nil {
			return nil, err
		}
	}

	message := &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Attachment:     attachment,
		Status:         entity.StatusSent,
		ClientID:       input.ClientID,
		CreatedAt:      uc.now(),
	}

	if err := uc.messages.Create(ctx, message); err != nil {
		logger.Error("SendMessage Error: insert into conversation %s failed: %v", conv.ID, err)
		metrics.SendFailures.WithLabelValues("insert").Inc()
		if attachment != nil {
			if delErr := uc.storage.Delete(ctx, attachment.Path); delErr != nil {
				logger.Warn("SendMessage: failed to remove orphan upload %s: %v", attachment.Path, delErr)
			}
		}
		return nil, errors.SendError("Failed to send message", err)
	}

	uc.afterInsert(ctx, conv.ID, senderID, message)

	kind := "text"
	if attachment != nil {
		kind = "attachment"
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()

	message.Sender = newProfileCache(uc.profiles).get(ctx, senderID)
	uc.resolveAttachment(ctx, message)
	return message, nil
}

func (uc *ChatUseCase) uploadAttachment(ctx context.Context, conversationID string, upload *AttachmentUpload) (*entity.Attachment, error) {
	if upload.Body == nil {
		return nil, errors.BadRequest("Attachment is empty", nil)
	}
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(upload.ContentType, ";")[0]))
	if !allowedAttachmentTypes[contentType] {
		return nil, errors.BadRequest(fmt.Sprintf("Attachment type %q is not allowed", contentType), nil)
	}
	if upload.Size > uc.maxAttachmentBytes {
		return nil, errors.BadRequest(fmt.Sprintf("Attachment exceeds %d bytes", uc.maxAttachmentBytes), nil)
	}
	if uc.storage == nil {
		return nil, errors.SendError("Attachments are not available", nil)
	}

	path := uc.storage.ReservePath(conversationID, upload.Name)
	uploadURL, err := uc.storage.SignedUploadURL(ctx, path, contentType)
	if err != nil {
		logger.Error("SendMessage Error: signing upload for %s failed: %v", path, err)
		metrics.SendFailures.WithLabelValues("sign").Inc()
		return nil, errors.SendError("Failed to prepare attachment upload", err)
	}

	body := io.LimitReader(upload.Body, uc.maxAttachmentBytes+1)
	if err := uc.storage.UploadSigned(ctx, uploadURL, contentType, body); err != nil {
		logger.Error("SendMessage Error: upload of %s failed: %v", path, err)
		metrics.SendFailures.WithLabelValues("upload").Inc()
		return nil, errors.SendError("Failed to upload attachment", err)
	}

	return &entity.Attachment{
		Path:        path,
		Type:        entity.AttachmentTypeFor(contentType),
		Name:        upload.Name,
		ContentType: contentType,
		Size:        upload.Size,
	}, nil
}

// afterInsert refreshes the denormalized conversation fields and moves the
// sender's watermark. Both are best effort; the message row is authoritative.
func (uc *ChatUseCase) afterInsert(ctx context.Context, conversationID, senderID string, message *entity.Message) {
	if err := uc.conversations.Touch(ctx, conversationID, message.Preview(), message.CreatedAt); err != nil {
		logger.Warn("Failed to update conversation %s after new message: %v", conversationID, err)
	}
	if err := uc.readStates.Upsert(ctx, conversationID, senderID, message.CreatedAt); err != nil {
		logger.Warn("Failed to advance read state for %s in %s: %v", senderID, conversationID, err)
	}
}

// DeleteMessage hard deletes one of the caller's own messages.
func (uc *ChatUseCase) DeleteMessage(ctx context.Context, userID, messageID string) (*entity.Message, error) {
	message, err := uc.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.SenderID != userID {
		return nil, errors.Forbidden("Only the sender can delete a message", nil)
	}

	if err := uc.messages.Delete(ctx, messageID); err != nil {
		return nil, err
	}

	if message.Attachment != nil && uc.storage != nil {
		if err := uc.storage.Delete(ctx, message.Attachment.Path); err != nil {
			logger.Warn("DeleteMessage: failed to remove attachment %s: %v", message.Attachment.Path, err)
		}
	}
	return message, nil
}

// StartNewConversation opens a conversation with the caller as buyer and
// posts the initial message. If the message cannot be stored the new
// conversation is removed again so no empty thread is left behind.
func (uc *ChatUseCase) StartNewConversation(ctx context.Context, buyerID string, input StartConversationInput) (*ConversationView, *entity.Message, error) {
	if allowed, wait := uc.allow(buyerID, ratelimit.ActionStartConversation); !allowed {
		logger.Warn("StartNewConversation Rate Limited: User %s must wait %v", buyerID, wait)
		return nil, nil, errors.TooManyRequests("Too many new conversations, please wait")
	}

	content := strings.TrimSpace(input.InitialMessage)
	if content == "" {
		return nil, nil, errors.BadRequest("Initial message is required", nil)
	}
	if input.CounterpartID == "" {
		return nil, nil, errors.BadRequest("Counterpart is required", nil)
	}
	if input.CounterpartID == buyerID {
		return nil, nil, errors.BadRequest("You cannot start a conversation with yourself", nil)
	}

	if _, err := uc.profiles.GetByID(ctx, input.CounterpartID); err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, nil, errors.NotFound("Counterpart", err)
		}
		return nil, nil, errors.ConversationCreateError("Failed to look up counterpart", err)
	}

	if input.ProductID != "" {
		product, err := uc.products.GetByID(ctx, input.ProductID)
		if err != nil {
			if errors.Is(err, errors.CodeNotFound) {
				return nil, nil, errors.NotFound("Product", err)
			}
			return nil, nil, errors.ConversationCreateError("Failed to look up product", err)
		}
		if product.SellerID != input.CounterpartID {
			return nil, nil, errors.BadRequest("Product is not sold by this counterpart", nil)
		}
	}

	now := uc.now()
	conv := &entity.Conversation{
		ID:        uuid.New().String(),
		BuyerID:   buyerID,
		SellerID:  input.CounterpartID,
		ProductID: input.ProductID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.conversations.Create(ctx, conv); err != nil {
		logger.Error("StartNewConversation Error: create failed for %s: %v", buyerID, err)
		return nil, nil, errors.ConversationCreateError("Failed to create conversation", err)
	}

	message := &entity.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       buyerID,
		Content:        content,
		Status:         entity.StatusSent,
		CreatedAt:      now,
	}
	if err := uc.messages.Create(ctx, message); err != nil {
		logger.Error("StartNewConversation Error: initial message failed in %s: %v", conv.ID, err)
		if delErr := uc.conversations.Delete(ctx, conv.ID); delErr != nil {
			logger.Error("StartNewConversation: could not remove empty conversation %s: %v", conv.ID, delErr)
		}
		return nil, nil, errors.ConversationCreateError("Failed to send initial message", err)
	}

	uc.afterInsert(ctx, conv.ID, buyerID, message)
	metrics.ConversationsStarted.Inc()
	metrics.MessagesSent.WithLabelValues("text").Inc()

	view, err := uc.Conversation(ctx, buyerID, conv.ID)
	if err != nil {
		// The conversation exists; fall back to what we know.
		logger.Warn("StartNewConversation: reload of %s failed: %v", conv.ID, err)
		view = &ConversationView{Conversation: conv, Role: entity.RoleBuyer, LatestMessage: message}
	}
	return view, message, nil
}

// UpdateLastRead moves the caller's watermark for the conversation to now.
func (uc *ChatUseCase) UpdateLastRead(ctx context.Context, userID, conversationID string) error {
	if _, err := uc.participantConversation(ctx, userID, conversationID); err != nil {
		return err
	}
	if err := uc.readStates.Upsert(ctx, conversationID, userID, uc.now()); err != nil {
		return errors.StatusUpdateError("Failed to update read state", err)
	}
	return nil
}

// MarkConversationRead advances the watermark and marks every counterpart
// message read. It returns the ids that changed.
func (uc *ChatUseCase) MarkConversationRead(ctx context.Context, userID, conversationID string) ([]string, error) {
	if _, err := uc.participantConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	messages, err := uc.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, errors.LoadError("Failed to load messages", err)
	}
	return uc.markRead(ctx, userID, conversationID, messages), nil
}

func (uc *ChatUseCase) markRead(ctx context.Context, userID, conversationID string, messages []*entity.Message) []string {
	if err := uc.readStates.Upsert(ctx, conversationID, userID, uc.now()); err != nil {
		logger.Warn("%v", errors.StatusUpdateError("Failed to update read state for "+conversationID, err))
	}

	var changed []string
	for _, m := range ReadCandidates(messages, userID) {
		applied, err := uc.messages.UpdateStatus(ctx, m.ID, entity.StatusRead)
		if err != nil {
			logger.Warn("%v", errors.StatusUpdateError("Failed to mark message "+m.ID+" read", err))
			continue
		}
		if applied {
			metrics.StatusTransitions.WithLabelValues(string(entity.StatusRead)).Inc()
			changed = append(changed, m.ID)
		}
		ApplyStatus(m, entity.StatusRead)
	}
	return changed
}

// UpdateMessageStatus advances a message on behalf of its receiver. Updates
// that would not move the message forward are ignored and report false.
func (uc *ChatUseCase) UpdateMessageStatus(ctx context.Context, userID, messageID string, target entity.MessageStatus) (bool, error) {
	if !target.Valid() {
		return false, errors.BadRequest(fmt.Sprintf("Unknown message status %q", target), nil)
	}

	message, err := uc.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return false, err
		}
		return false, errors.StatusUpdateError("Failed to load message", err)
	}
	if message.SenderID == userID {
		return false, errors.Forbidden("Only the receiving participant can update message status", nil)
	}
	if _, err := uc.participantConversation(ctx, userID, message.ConversationID); err != nil {
		return false, err
	}

	if !CanTransition(message.Status, target) {
		metrics.StatusRejected.Inc()
		return false, nil
	}

	applied, err := uc.messages.UpdateStatus(ctx, messageID, target)
	if err != nil {
		return false, errors.StatusUpdateError("Failed to update message status", err)
	}
	if !applied {
		metrics.StatusRejected.Inc()
		return false, nil
	}
	metrics.StatusTransitions.WithLabelValues(string(target)).Inc()
	return true, nil
}

// MarkDelivered is called when a counterpart message reaches an online
// receiver.
func (uc *ChatUseCase) MarkDelivered(ctx context.Context, userID string, message *entity.Message) (bool, error) {
	if message == nil || message.SenderID == userID || message.Status.Rank() >= entity.StatusDelivered.Rank() {
		return false, nil
	}
	return uc.UpdateMessageStatus(ctx, userID, message.ID, entity.StatusDelivered)
}

// ResolveAttachmentURL fills in a signed read URL for a message received
// from the change feed.
func (uc *ChatUseCase) ResolveAttachmentURL(ctx context.Context, message *entity.Message) {
	uc.resolveAttachment(ctx, message)
}

func (uc *ChatUseCase) Profile(ctx context.Context, userID string) *entity.Profile {
	return newProfileCache(uc.profiles).get(ctx, userID)
}

func (uc *ChatUseCase) resolveAttachment(ctx context.Context, message *entity.Message) {
	if message.Attachment == nil || message.Attachment.Path == "" || uc.storage == nil {
		return
	}
	url, err := uc.storage.SignedReadURL(ctx, message.Attachment.Path)
	if err != nil {
		logger.Warn("Failed to sign attachment %s: %v", message.Attachment.Path, err)
		return
	}
	message.Attachment.URL = url
}

func (uc *ChatUseCase) participantConversation(ctx context.Context, userID, conversationID string) (*entity.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errors.BadRequest("Conversation id is required", nil)
	}
	conv, err := uc.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, err
		}
		return nil, errors.LoadError("Failed to load conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, errors.Forbidden("You are not a participant of this conversation", nil)
	}
	return conv, nil
}

func (uc *ChatUseCase) allow(userID, action string) (bool, time.Duration) {
	if uc.rateLimiter == nil {
		return true, 0
	}
	allowed, wait := uc.rateLimiter.Allow(userID, action)
	if !allowed {
		metrics.RateLimitHits.WithLabelValues(action).Inc()
	}
	return allowed, wait
}

type profileCache struct {
	repo  repository.ProfileRepository
	cache map[string]*entity.Profile
}

func newProfileCache(repo repository.ProfileRepository) *profileCache {
	return &profileCache{repo: repo, cache: make(map[string]*entity.Profile)}
}

// get never fails; unknown users get a placeholder profile.
func (c *profileCache) get(ctx context.Context, userID string) *entity.Profile {
	if userID == "" {
		return nil
	}
	if p, ok := c.cache[userID]; ok {
		return p
	}
	var p *entity.Profile
	if c.repo != nil {
		found, err := c.repo.GetByID(ctx, userID)
		if err != nil && !errors.Is(err, errors.CodeNotFound) {
			logger.Warn("Failed to load profile %s: %v", userID, err)
		}
		p = found
	}
	if p == nil {
		p = entity.PlaceholderProfile(userID)
	}
	c.cache[userID] = p
	return p
}
