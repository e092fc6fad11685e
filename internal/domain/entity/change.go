package entity

type ChangeTable string

const (
	TableMessages      ChangeTable = "messages"
	TableConversations ChangeTable = "conversations"
	TableReadStates    ChangeTable = "read_states"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is a row level notification from the store. Exactly one of the
// payload fields is set, matching Table. Delete notifications may carry only
// the id.
type Change struct {
	Table        ChangeTable   `json:"table"`
	Kind         ChangeKind    `json:"kind"`
	Message      *Message      `json:"message,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
	ReadState    *ReadState    `json:"read_state,omitempty"`
}

func (c Change) ConversationID() string {
	switch {
	case c.Message != nil:
		return c.Message.ConversationID
	case c.Conversation != nil:
		return c.Conversation.ID
	case c.ReadState != nil:
		return c.ReadState.ConversationID
	}
	return ""
}
