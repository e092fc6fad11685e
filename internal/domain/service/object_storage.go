package service

import (
	"context"
	"io"
)

// ObjectStorage holds message attachments. Messages store the path returned
// by ReservePath; read URLs are derived per request and expire.
type ObjectStorage interface {
	ReservePath(conversationID, fileName string) string
	SignedUploadURL(ctx context.Context, path, contentType string) (string, error)
	UploadSigned(ctx context.Context, uploadURL, contentType string, body io.Reader) error
	SignedReadURL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}
