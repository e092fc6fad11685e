package entity

import (
	"strings"
	"time"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses along sent < delivered < read. Unknown values rank 0.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool {
	return s.Rank() > 0
}

// CanAdvanceTo reports whether moving to target is a forward step.
func (s MessageStatus) CanAdvanceTo(target MessageStatus) bool {
	return target.Valid() && target.Rank() > s.Rank()
}

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
)

func AttachmentTypeFor(contentType string) AttachmentType {
	if strings.HasPrefix(contentType, "image/") {
		return AttachmentImage
	}
	return AttachmentDocument
}

// Attachment stores the storage path only. URL is a signed read link filled
// in when messages are loaded and is never persisted.
type Attachment struct {
	Path        string         `json:"path" firestore:"path"`
	Type        AttachmentType `json:"type" firestore:"type"`
	Name        string         `json:"name,omitempty" firestore:"name,omitempty"`
	ContentType string         `json:"content_type,omitempty" firestore:"contentType,omitempty"`
	Size        int64          `json:"size,omitempty" firestore:"size,omitempty"`
	URL         string         `json:"url,omitempty" firestore:"-"`
}

type Message struct {
	ID             string        `json:"id" firestore:"id"`
	ConversationID string        `json:"conversation_id" firestore:"conversationId"`
	SenderID       string        `json:"sender_id" firestore:"senderId"`
	Content        string        `json:"content" firestore:"content"`
	Attachment     *Attachment   `json:"attachment,omitempty" firestore:"attachment,omitempty"`
	Status         MessageStatus `json:"status" firestore:"status"`
	ClientID       string        `json:"client_id,omitempty" firestore:"clientId,omitempty"`
	CreatedAt      time.Time     `json:"created_at" firestore:"createdAt"`

	Sender *Profile `json:"sender,omitempty" firestore:"-"`
}

// Preview is the text shown in conversation lists.
func (m *Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	if m.Attachment != nil {
		if m.Attachment.Type == AttachmentImage {
			return "[image]"
		}
		return "[document]"
	}
	return ""
}

// Clone returns a copy that does not share the attachment or sender.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	if m.Sender != nil {
		p := *m.Sender
		cp.Sender = &p
	}
	return &cp
}
