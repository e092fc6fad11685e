package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"marketchat/internal/domain/service"
)

const memoryUploadPrefix = "memory://upload/"

// MemoryStorage keeps objects in process memory. Used in development and
// tests; UploadErr forces every upload to fail.
type MemoryStorage struct {
	mu        sync.RWMutex
	objects   map[string][]byte
	UploadErr error
	SignErr   error
}

var _ service.ObjectStorage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

func (m *MemoryStorage) ReservePath(conversationID, fileName string) string {
	return ReservePath(conversationID, fileName)
}

func (m *MemoryStorage) SignedUploadURL(ctx context.Context, objectPath, contentType string) (string, error) {
	if m.SignErr != nil {
		return "", m.SignErr
	}
	return memoryUploadPrefix + objectPath, nil
}

func (m *MemoryStorage) UploadSigned(ctx context.Context, uploadURL, contentType string, body io.Reader) error {
	if m.UploadErr != nil {
		return m.UploadErr
	}
	if !strings.HasPrefix(uploadURL, memoryUploadPrefix) {
		return fmt.Errorf("unknown upload target %q", uploadURL)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.objects[strings.TrimPrefix(uploadURL, memoryUploadPrefix)] = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) SignedReadURL(ctx context.Context, objectPath string) (string, error) {
	if m.SignErr != nil {
		return "", m.SignErr
	}
	return "memory://object/" + objectPath, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, objectPath string) error {
	m.mu.Lock()
	delete(m.objects, objectPath)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) Object(objectPath string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectPath]
	return data, ok
}

func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
