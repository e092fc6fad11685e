package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	"marketchat/internal/domain/entity"
	"marketchat/internal/usecase"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
)

type ChatHandler struct {
	chatUseCase *usecase.ChatUseCase
	groupGap    time.Duration
}

func NewChatHandler(chatUseCase *usecase.ChatUseCase, groupGap time.Duration) *ChatHandler {
	if groupGap <= 0 {
		groupGap = usecase.DefaultGroupGap
	}
	return &ChatHandler{
		chatUseCase: chatUseCase,
		groupGap:    groupGap,
	}
}

type startConversationRequest struct {
	CounterpartID  string `json:"counterpart_id" validate:"required"`
	ProductID      string `json:"product_id"`
	InitialMessage string `json:"initial_message" validate:"required"`
}

type sendMessageRequest struct {
	Content  string `json:"content" validate:"max=4000"`
	ClientID string `json:"client_id" validate:"omitempty,max=64"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=delivered read"`
}

// GetConversations lists the caller's conversations, most recent first
func (h *ChatHandler) GetConversations(c echo.Context) error {
	conversations, err := h.chatUseCase.ListConversations(c.Request().Context(), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, conversations)
}

func (h *ChatHandler) GetConversation(c echo.Context) error {
	conversation, err := h.chatUseCase.Conversation(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, conversation)
}

// StartConversation creates a conversation with the counterpart and sends
// the opening message
func (h *ChatHandler) StartConversation(c echo.Context) error {
	var req startConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	conversation, message, err := h.chatUseCase.StartNewConversation(c.Request().Context(), middleware.UserID(c), usecase.StartConversationInput{
		CounterpartID:  req.CounterpartID,
		InitialMessage: req.InitialMessage,
		ProductID:      req.ProductID,
	})
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, map[string]interface{}{
		"conversation": conversation,
		"message":      message,
	})
}

// GetMessages returns the thread oldest first. Fetching it counts as reading
// it.
func (h *ChatHandler) GetMessages(c echo.Context) error {
	messages, err := h.chatUseCase.LoadMessages(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}
	if messages == nil {
		messages = []*entity.Message{}
	}

	return response.Success(c, map[string]interface{}{
		"messages":     messages,
		"group_starts": usecase.GroupStarts(messages, h.groupGap),
	})
}

// SendMessage accepts JSON for text messages or a multipart form with a
// "file" part for attachments.
func (h *ChatHandler) SendMessage(c echo.Context) error {
	input := usecase.SendMessageInput{ConversationID: c.Param("id")}

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		input.Content = c.FormValue("content")
		input.ClientID = c.FormValue("client_id")

		fileHeader, err := c.FormFile("file")
		switch {
		case err == http.ErrMissingFile:
		case err != nil:
			return response.Error(c, errors.BadRequest("Invalid file upload", err))
		default:
			file, err := fileHeader.Open()
			if err != nil {
				return response.Error(c, errors.BadRequest("Failed to read uploaded file", err))
			}
			defer file.Close()

			input.Attachment = &usecase.AttachmentUpload{
				Name:        fileHeader.Filename,
				ContentType: fileHeader.Header.Get(echo.HeaderContentType),
				Size:        fileHeader.Size,
				Body:        file,
			}
		}
	} else {
		var req sendMessageRequest
		if err := c.Bind(&req); err != nil {
			return response.Error(c, errors.BadRequest("Invalid request body", err))
		}
		if err := c.Validate(&req); err != nil {
			return response.Error(c, err)
		}
		input.Content = req.Content
		input.ClientID = req.ClientID
	}

	message, err := h.chatUseCase.SendMessage(c.Request().Context(), middleware.UserID(c), input)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, message)
}

// MarkAsRead advances the caller's watermark and marks the counterpart's
// messages read
func (h *ChatHandler) MarkAsRead(c echo.Context) error {
	updated, err := h.chatUseCase.MarkConversationRead(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}
	if updated == nil {
		updated = []string{}
	}
	return response.Success(c, map[string]interface{}{
		"updated": updated,
	})
}

func (h *ChatHandler) DeleteMessage(c echo.Context) error {
	message, err := h.chatUseCase.DeleteMessage(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, map[string]interface{}{
		"id":              message.ID,
		"conversation_id": message.ConversationID,
	})
}

func (h *ChatHandler) UpdateMessageStatus(c echo.Context) error {
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	applied, err := h.chatUseCase.UpdateMessageStatus(c.Request().Context(), middleware.UserID(c), c.Param("id"), entity.MessageStatus(req.Status))
	if err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, map[string]interface{}{
		"applied": applied,
	})
}
