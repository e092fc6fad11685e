package repository

import (
	"context"
	"time"

	"marketchat/internal/domain/entity"
)

// Implementations report missing rows with errors.NotFound from pkg/errors.

type ConversationRepository interface {
	Create(ctx context.Context, conversation *entity.Conversation) error
	GetByID(ctx context.Context, id string) (*entity.Conversation, error)
	// ListByParticipant returns conversations where userID is buyer or
	// seller, most recently updated first.
	ListByParticipant(ctx context.Context, userID string) ([]*entity.Conversation, error)
	Touch(ctx context.Context, id, lastMessage string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

type MessageRepository interface {
	Create(ctx context.Context, message *entity.Message) error
	GetByID(ctx context.Context, id string) (*entity.Message, error)
	// ListByConversation returns messages ordered by creation time ascending.
	ListByConversation(ctx context.Context, conversationID string) ([]*entity.Message, error)
	// UpdateStatus moves a message forward to target. It is a no-op, not an
	// error, when the stored status already ranks at or above target.
	UpdateStatus(ctx context.Context, id string, target entity.MessageStatus) (bool, error)
	Delete(ctx context.Context, id string) error
}

type ReadStateRepository interface {
	// Upsert sets the watermark for (conversationID, userID) to at, unless
	// the stored watermark is already later.
	Upsert(ctx context.Context, conversationID, userID string, at time.Time) error
	// Get returns nil without error when the user never read the conversation.
	Get(ctx context.Context, conversationID, userID string) (*entity.ReadState, error)
}
