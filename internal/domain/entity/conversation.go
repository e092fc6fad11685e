package entity

import "time"

type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Conversation is a two-party thread between a buyer and a seller, optionally
// scoped to a product. LastMessage and LastMessageAt are denormalized hints;
// the messages themselves are authoritative.
type Conversation struct {
	ID            string    `json:"id" firestore:"id"`
	BuyerID       string    `json:"buyer_id" firestore:"buyerId"`
	SellerID      string    `json:"seller_id" firestore:"sellerId"`
	Participants  []string  `json:"-" firestore:"participants"`
	ProductID     string    `json:"product_id,omitempty" firestore:"productId,omitempty"`
	LastMessage   string    `json:"last_message,omitempty" firestore:"lastMessage,omitempty"`
	LastMessageAt time.Time `json:"last_message_at,omitempty" firestore:"lastMessageAt,omitempty"`
	CreatedAt     time.Time `json:"created_at" firestore:"createdAt"`
	UpdatedAt     time.Time `json:"updated_at" firestore:"updatedAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Counterpart returns the other participant, or "" if userID is not part of
// the conversation.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.BuyerID:
		return c.SellerID
	case c.SellerID:
		return c.BuyerID
	}
	return ""
}

func (c *Conversation) RoleOf(userID string) Role {
	switch userID {
	case c.BuyerID:
		return RoleBuyer
	case c.SellerID:
		return RoleSeller
	}
	return ""
}

// ReadState is the per (conversation, user) read watermark.
type ReadState struct {
	ConversationID string    `json:"conversation_id" firestore:"conversationId"`
	UserID         string    `json:"user_id" firestore:"userId"`
	LastReadAt     time.Time `json:"last_read_at" firestore:"lastReadAt"`
}
