package repository

import (
	"context"

	"marketchat/internal/domain/entity"
)

type ChangeFilter struct {
	Table entity.ChangeTable
	// Kinds restricts delivery to these event types. Empty means all.
	Kinds []entity.ChangeKind
	// ConversationIDs restricts delivery to these conversations. Empty means all.
	ConversationIDs []string
	// ParticipantID restricts conversation changes to those the user takes
	// part in. Deletes that carry only the id always pass.
	ParticipantID string
}

func (f ChangeFilter) Matches(c entity.Change) bool {
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == c.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ParticipantID != "" && c.Conversation != nil {
		conv := c.Conversation
		if (conv.BuyerID != "" || conv.SellerID != "") && !conv.HasParticipant(f.ParticipantID) {
			return false
		}
	}
	if len(f.ConversationIDs) > 0 {
		id := c.ConversationID()
		for _, want := range f.ConversationIDs {
			if want == id {
				return true
			}
		}
		return false
	}
	return true
}

type ChangeHandler func(entity.Change)

// ChangeFeed delivers store notifications until the returned unsubscribe
// function is called or ctx is done. Handlers may be called from a feed
// goroutine and must not block for long.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter ChangeFilter, handler ChangeHandler) (func(), error)
}
