package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/repository"
	apperrors "marketchat/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore serves every chat table from one pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Conversations() repository.ConversationRepository {
	return &postgresConversationRepository{pool: s.pool}
}

func (s *PostgresStore) Messages() repository.MessageRepository {
	return &postgresMessageRepository{pool: s.pool}
}

func (s *PostgresStore) ReadStates() repository.ReadStateRepository {
	return &postgresReadStateRepository{pool: s.pool}
}

func (s *PostgresStore) Profiles() repository.ProfileRepository {
	return &postgresProfileRepository{pool: s.pool}
}

func (s *PostgresStore) Products() repository.ProductRepository {
	return &postgresProductRepository{pool: s.pool}
}

type postgresConversationRepository struct {
	pool *pgxpool.Pool
}

const conversationColumns = `id, buyer_id, seller_id, COALESCE(product_id, ''), last_message,
	COALESCE(last_message_at, 'epoch'::timestamptz), created_at, updated_at`

func scanConversation(row pgx.Row) (*entity.Conversation, error) {
	c := &entity.Conversation{}
	err := row.Scan(&c.ID, &c.BuyerID, &c.SellerID, &c.ProductID, &c.LastMessage,
		&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if c.LastMessageAt.Unix() == 0 {
		c.LastMessageAt = time.Time{}
	}
	c.Participants = []string{c.BuyerID, c.SellerID}
	return c, nil
}

func (r *postgresConversationRepository) Create(ctx context.Context, conversation *entity.Conversation) error {
	if conversation.ID == "" {
		conversation.ID = uuid.New().String()
	}
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = time.Now()
	}
	conversation.UpdatedAt = conversation.CreatedAt
	conversation.Participants = []string{conversation.BuyerID, conversation.SellerID}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO conversations (id, buyer_id, seller_id, product_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $5)
	`, conversation.ID, conversation.BuyerID, conversation.SellerID, conversation.ProductID, conversation.CreatedAt)
	if err != nil {
		return apperrors.Internal("Failed to create conversation", err)
	}
	return nil
}

func (r *postgresConversationRepository) GetByID(ctx context.Context, id string) (*entity.Conversation, error) {
	c, err := scanConversation(r.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("Conversation", err)
		}
		return nil, apperrors.Internal("Failed to get conversation", err)
	}
	return c, nil
}

func (r *postgresConversationRepository) ListByParticipant(ctx context.Context, userID string) ([]*entity.Conversation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY updated_at DESC, id
	`, userID)
	if err != nil {
		return nil, apperrors.Internal("Failed to fetch conversations", err)
	}
	defer rows.Close()

	var out []*entity.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, apperrors.Internal("Failed to parse conversation", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("Failed to fetch conversations", err)
	}
	return out, nil
}

func (r *postgresConversationRepository) Touch(ctx context.Context, id, lastMessage string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE conversations
		SET last_message = $2, last_message_at = $3, updated_at = GREATEST(updated_at, $3)
		WHERE id = $1
	`, id, lastMessage, at)
	if err != nil {
		return apperrors.Internal("Failed to update conversation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("Conversation", nil)
	}
	return nil
}

func (r *postgresConversationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return apperrors.Internal("Failed to delete conversation", err)
	}
	return nil
}

type postgresMessageRepository struct {
	pool *pgxpool.Pool
}

const messageColumns = `id, conversation_id, sender_id, content, attachment, status, client_id, created_at`

func scanMessage(row pgx.Row) (*entity.Message, error) {
	m := &entity.Message{}
	var status string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Attachment, &status, &m.ClientID, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = entity.MessageStatus(status)
	return m, nil
}

func (r *postgresMessageRepository) Create(ctx context.Context, message *entity.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	if message.Status == "" {
		message.Status = entity.StatusSent
	}

	var attachment *entity.Attachment
	if message.Attachment != nil {
		cp := *message.Attachment
		cp.URL = ""
		attachment = &cp
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, attachment, status, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, message.ID, message.ConversationID, message.SenderID, message.Content, attachment,
		string(message.Status), message.ClientID, message.CreatedAt)
	if err != nil {
		return apperrors.Internal("Failed to create message", err)
	}
	return nil
}

func (r *postgresMessageRepository) GetByID(ctx context.Context, id string) (*entity.Message, error) {
	m, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("Message", err)
		}
		return nil, apperrors.Internal("Failed to get message", err)
	}
	return m, nil
}

func (r *postgresMessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*entity.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id
	`, conversationID)
	if err != nil {
		return nil, apperrors.Internal("Failed to fetch messages", err)
	}
	defer rows.Close()

	var out []*entity.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, apperrors.Internal("Failed to parse message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("Failed to fetch messages", err)
	}
	return out, nil
}

// UpdateStatus relies on the WHERE clause for monotonicity; concurrent
// writers cannot regress a row.
func (r *postgresMessageRepository) UpdateStatus(ctx context.Context, id string, target entity.MessageStatus) (bool, error) {
	if !target.Valid() {
		return false, apperrors.BadRequest("Invalid message status", nil)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE messages SET status = $2
		WHERE id = $1
		  AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) < $3
	`, id, string(target), target.Rank())
	if err != nil {
		return false, apperrors.Internal("Failed to update message status", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, apperrors.Internal("Failed to update message status", err)
	}
	if !exists {
		return false, apperrors.NotFound("Message", nil)
	}
	return false, nil
}

func (r *postgresMessageRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return apperrors.Internal("Failed to delete message", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("Message", nil)
	}
	return nil
}

type postgresReadStateRepository struct {
	pool *pgxpool.Pool
}

func (r *postgresReadStateRepository) Upsert(ctx context.Context, conversationID, userID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO read_states (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET last_read_at = GREATEST(read_states.last_read_at, EXCLUDED.last_read_at)
	`, conversationID, userID, at)
	if err != nil {
		return apperrors.Internal("Failed to update read state", err)
	}
	return nil
}

func (r *postgresReadStateRepository) Get(ctx context.Context, conversationID, userID string) (*entity.ReadState, error) {
	state := &entity.ReadState{ConversationID: conversationID, UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT last_read_at FROM read_states WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(&state.LastReadAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Internal("Failed to get read state", err)
	}
	return state, nil
}

type postgresProfileRepository struct {
	pool *pgxpool.Pool
}

func (r *postgresProfileRepository) GetByID(ctx context.Context, id string) (*entity.Profile, error) {
	p := &entity.Profile{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, company_name, avatar_url, role FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.DisplayName, &p.CompanyName, &p.AvatarURL, &p.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("Profile", err)
		}
		return nil, apperrors.Internal("Failed to get profile", err)
	}
	return p, nil
}

type postgresProductRepository struct {
	pool *pgxpool.Pool
}

func (r *postgresProductRepository) GetByID(ctx context.Context, id string) (*entity.Product, error) {
	p := &entity.Product{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, seller_id, title, image_url FROM products WHERE id = $1
	`, id).Scan(&p.ID, &p.SellerID, &p.Title, &p.ImageURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("Product", err)
		}
		return nil, apperrors.Internal("Failed to get product", err)
	}
	return p, nil
}
