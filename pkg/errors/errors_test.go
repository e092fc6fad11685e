package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedCode(t *testing.T) {
	err := fmt.Errorf("send failed: %w", SendError("upload failed", fmt.Errorf("timeout")))

	assert.True(t, Is(err, CodeSend))
	assert.False(t, Is(err, CodeLoad))
	assert.False(t, Is(fmt.Errorf("plain"), CodeSend))
}

func TestChatErrorsCarryRetryability(t *testing.T) {
	assert.True(t, SendError("x", nil).Retryable)
	assert.True(t, ConversationCreateError("x", nil).Retryable)
	assert.False(t, LoadError("x", nil).Retryable)
	assert.False(t, StatusUpdateError("x", nil).Retryable)
}

func TestAsAndStatus(t *testing.T) {
	appErr, ok := As(fmt.Errorf("wrap: %w", NotFound("Conversation", nil)))

	assert.True(t, ok)
	assert.Equal(t, http.StatusNotFound, appErr.Status)
	assert.Equal(t, "Conversation not found", appErr.Message)
}
