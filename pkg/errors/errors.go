package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeTooManyRequests    = "TOO_MANY_REQUESTS"
	CodeLoad               = "LOAD_ERROR"
	CodeSend               = "SEND_ERROR"
	CodeConversationCreate = "CONVERSATION_CREATE_ERROR"
	CodeStatusUpdate       = "STATUS_UPDATE_ERROR"
	CodeValidation         = "VALIDATION_ERROR"
)

type AppError struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(code string, message string, status int, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     err,
	}
}

func Unauthorized(message string, err error) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     err,
	}
}

func Forbidden(message string, err error) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
		Err:     err,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func TooManyRequests(message string) *AppError {
	return &AppError{
		Code:      CodeTooManyRequests,
		Message:   message,
		Status:    http.StatusTooManyRequests,
		Retryable: true,
	}
}

// LoadError reports a failed read of conversations or messages.
func LoadError(message string, err error) *AppError {
	return &AppError{
		Code:    CodeLoad,
		Message: message,
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

// SendError reports a failed upload or insert. The caller keeps the composed
// message so the user can retry.
func SendError(message string, err error) *AppError {
	return &AppError{
		Code:      CodeSend,
		Message:   message,
		Status:    http.StatusBadGateway,
		Retryable: true,
		Err:       err,
	}
}

func ConversationCreateError(message string, err error) *AppError {
	return &AppError{
		Code:      CodeConversationCreate,
		Message:   message,
		Status:    http.StatusBadGateway,
		Retryable: true,
		Err:       err,
	}
}

func StatusUpdateError(message string, err error) *AppError {
	return &AppError{
		Code:    CodeStatusUpdate,
		Message: message,
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// As returns the AppError in err's chain, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
