package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marketchat/internal/domain/entity"
)

func TestChangeFilterParticipant(t *testing.T) {
	filter := ChangeFilter{Table: entity.TableConversations, ParticipantID: "buyer"}

	mine := entity.Change{Table: entity.TableConversations, Kind: entity.ChangeUpdate, Conversation: &entity.Conversation{ID: "c1", BuyerID: "buyer", SellerID: "seller"}}
	theirs := entity.Change{Table: entity.TableConversations, Kind: entity.ChangeUpdate, Conversation: &entity.Conversation{ID: "c2", BuyerID: "other", SellerID: "seller"}}
	idOnly := entity.Change{Table: entity.TableConversations, Kind: entity.ChangeDelete, Conversation: &entity.Conversation{ID: "c3"}}

	assert.True(t, filter.Matches(mine))
	assert.False(t, filter.Matches(theirs))
	assert.True(t, filter.Matches(idOnly))

	// The participant filter never applies to other tables.
	msg := entity.Change{Table: entity.TableMessages, Kind: entity.ChangeInsert, Message: &entity.Message{ConversationID: "c2"}}
	assert.True(t, ChangeFilter{ParticipantID: "buyer"}.Matches(msg))
}

func TestChangeFilterConversationIDs(t *testing.T) {
	filter := ChangeFilter{Table: entity.TableMessages, ConversationIDs: []string{"c1", "c2"}}

	assert.True(t, filter.Matches(entity.Change{Table: entity.TableMessages, Message: &entity.Message{ConversationID: "c2"}}))
	assert.False(t, filter.Matches(entity.Change{Table: entity.TableMessages, Message: &entity.Message{ConversationID: "c3"}}))
	assert.False(t, filter.Matches(entity.Change{Table: entity.TableReadStates, ReadState: &entity.ReadState{ConversationID: "c1"}}))
}
