package websocket

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// Client to server frame types.
const (
	MessageTypePing              = "ping"
	MessageTypeAuthenticate      = "authenticate"
	MessageTypeSignOut           = "sign_out"
	MessageTypeLoadConversations = "load_conversations"
	MessageTypeOpenConversation  = "open_conversation"
	MessageTypeCloseConversation = "close_conversation"
	MessageTypeLoadMessages      = "load_messages"
	MessageTypeSendMessage       = "send_message"
	MessageTypeDeleteMessage     = "delete_message"
	MessageTypeTyping            = "typing"
	MessageTypeKeystroke         = "keystroke"
	MessageTypeMarkRead          = "mark_read"
	MessageTypeUpdateStatus      = "update_status"
	MessageTypeStartConversation = "start_conversation"
	MessageTypeSaveDraft         = "save_draft"
	MessageTypeClearDraft        = "clear_draft"
)

// Server to client frame types that are not session events.
const (
	MessageTypePong          = "pong"
	MessageTypeError         = "error"
	MessageTypeAuthenticated = "authenticated"
)

// WSMessage is the frame exchanged in both directions. Server frames for
// session events use the event type and carry its payload in Data.
type WSMessage struct {
	Type      string      `json:"type"`
	ChatID    string      `json:"chat_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type inboundMessage struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chat_id"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type AuthenticateData struct {
	Token string `json:"token" validate:"required"`
}

type AttachmentData struct {
	Name        string `json:"name" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
	// Content is base64 in JSON.
	Content []byte `json:"content" validate:"required"`
}

type SendMessageData struct {
	Content    string          `json:"content"`
	Attachment *AttachmentData `json:"attachment,omitempty"`
}

type MessageRefData struct {
	MessageID string `json:"message_id" validate:"required"`
}

type TypingData struct {
	IsTyping bool `json:"is_typing"`
}

type UpdateStatusData struct {
	MessageID string `json:"message_id" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=delivered read"`
}

type StartConversationData struct {
	CounterpartID string `json:"counterpart_id" validate:"required"`
	Content       string `json:"content" validate:"required"`
	ProductID     string `json:"product_id"`
}

type DraftData struct {
	Text string `json:"text"`
}

var validate = validator.New()

// HandleClientMessage decodes one frame and runs it against the client's
// session. Frames are handled in arrival order. Loads run in the background
// so a slow load never holds up the next frame, and the session discards
// results that went stale meanwhile.
func (m *Manager) HandleClientMessage(client *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debug("WebSocket: malformed frame from client %s: %v", client.ID, err)
		client.sendError("", "", errors.BadRequest("Invalid message format", err))
		return
	}

	switch msg.Type {
	case MessageTypePing:
		client.write(WSMessage{Type: MessageTypePong, RequestID: msg.RequestID, Data: map[string]string{"status": "alive"}})
		return
	case MessageTypeAuthenticate:
		m.handleAuthenticate(client, msg)
		return
	case MessageTypeSignOut:
		client.identity.SignOut()
		return
	}

	if client.UserID() == "" {
		client.sendError(msg.ChatID, msg.RequestID, errors.Unauthorized("Authenticate first", nil))
		return
	}

	session := client.session
	ctx := client.ctx

	switch msg.Type {
	case MessageTypeLoadConversations:
		go session.LoadConversations(ctx)

	case MessageTypeOpenConversation, MessageTypeCloseConversation:
		conversationID := msg.ChatID
		if msg.Type == MessageTypeCloseConversation {
			conversationID = ""
		}
		// Activation runs inline so later frames see the new conversation;
		// only the load goes to the background.
		seq, err := session.ActivateConversation(conversationID)
		if err != nil {
			client.sendError(msg.ChatID, msg.RequestID, err)
			return
		}
		if conversationID != "" {
			go func() {
				if err := session.LoadActive(ctx, conversationID, seq); err != nil {
					client.sendError(msg.ChatID, msg.RequestID, err)
				}
			}()
		}

	case MessageTypeLoadMessages:
		go func() {
			if err := session.LoadMessages(ctx, msg.ChatID); err != nil {
				client.sendError(msg.ChatID, msg.RequestID, err)
			}
		}()

	case MessageTypeSendMessage:
		var data SendMessageData
		if !decode(client, msg, &data) {
			return
		}
		if msg.ChatID != "" && msg.ChatID != session.ActiveConversation() {
			client.sendError(msg.ChatID, msg.RequestID, errors.BadRequest("Open the conversation before sending", nil))
			return
		}
		var upload *usecase.AttachmentUpload
		if data.Attachment != nil {
			upload = &usecase.AttachmentUpload{
				Name:        data.Attachment.Name,
				ContentType: data.Attachment.ContentType,
				Size:        int64(len(data.Attachment.Content)),
				Body:        bytes.NewReader(data.Attachment.Content),
			}
		}
		// Failures reach the client as session error events.
		if _, err := session.SendMessage(ctx, data.Content, upload); err != nil {
			logger.Debug("WebSocket: send from client %s failed: %v", client.ID, err)
		}

	case MessageTypeDeleteMessage:
		var data MessageRefData
		if decode(client, msg, &data) {
			_ = session.DeleteMessage(ctx, data.MessageID)
		}

	case MessageTypeTyping:
		var data TypingData
		if decode(client, msg, &data) {
			if err := session.SetTyping(ctx, msg.ChatID, data.IsTyping); err != nil {
				logger.Debug("WebSocket: typing publish for client %s failed: %v", client.ID, err)
			}
		}

	case MessageTypeKeystroke:
		session.Keystroke(msg.ChatID)

	case MessageTypeMarkRead:
		if err := session.UpdateLastRead(ctx, msg.ChatID); err != nil {
			client.sendError(msg.ChatID, msg.RequestID, err)
		}

	case MessageTypeUpdateStatus:
		var data UpdateStatusData
		if decode(client, msg, &data) {
			// Best effort; the session logs failures.
			_, _ = session.UpdateMessageStatus(ctx, data.MessageID, entity.MessageStatus(data.Status))
		}

	case MessageTypeStartConversation:
		var data StartConversationData
		if decode(client, msg, &data) {
			_, _ = session.StartNewConversation(ctx, data.CounterpartID, data.Content, data.ProductID)
		}

	case MessageTypeSaveDraft:
		var data DraftData
		if decode(client, msg, &data) {
			session.SaveDraft(msg.ChatID, data.Text)
		}

	case MessageTypeClearDraft:
		session.ClearDraft(msg.ChatID)

	default:
		logger.Debug("WebSocket: unknown message type '%s' from client %s", msg.Type, client.ID)
		client.sendError(msg.ChatID, msg.RequestID, errors.BadRequest("Unknown message type", nil))
	}
}

func (m *Manager) handleAuthenticate(client *Client, msg inboundMessage) {
	var data AuthenticateData
	if !decode(client, msg, &data) {
		return
	}
	identity, err := client.identity.SignIn(client.ctx, data.Token)
	if err != nil {
		client.sendError("", msg.RequestID, err)
		return
	}
	client.write(WSMessage{Type: MessageTypeAuthenticated, RequestID: msg.RequestID, Data: identity})
}

// decode unpacks and validates the frame payload, answering with an error
// frame when it does not fit.
func decode(client *Client, msg inboundMessage, into interface{}) bool {
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, into); err != nil {
			client.sendError(msg.ChatID, msg.RequestID, errors.BadRequest("Invalid "+msg.Type+" payload", err))
			return false
		}
	}
	if err := validate.Struct(into); err != nil {
		client.sendError(msg.ChatID, msg.RequestID, errors.BadRequest("Invalid "+msg.Type+" payload", err))
		return false
	}
	return true
}

func (c *Client) sendError(chatID, requestID string, err error) {
	payload := usecase.ErrorPayload{Code: errors.CodeInternal, Message: "Internal server error"}
	if appErr, ok := errors.As(err); ok {
		payload = usecase.ErrorPayload{Code: appErr.Code, Message: appErr.Message, Retryable: appErr.Retryable}
	} else {
		logger.Error("WebSocket: unexpected error for client %s: %v", c.ID, err)
	}
	c.write(WSMessage{Type: MessageTypeError, ChatID: chatID, RequestID: requestID, Data: payload})
}
