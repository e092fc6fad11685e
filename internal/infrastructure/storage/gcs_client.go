package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"marketchat/internal/domain/service"
)

type CloudStorageClient struct {
	client     *storage.Client
	bucketName string
	expiry     time.Duration
	httpClient *http.Client
}

var _ service.ObjectStorage = (*CloudStorageClient)(nil)

func NewCloudStorageClient(ctx context.Context, bucketName string, expiry time.Duration, opts ...option.ClientOption) (*CloudStorageClient, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %v", err)
	}

	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	storageClient := &CloudStorageClient{
		client:     client,
		bucketName: bucketName,
		expiry:     expiry,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}

	if err := storageClient.setBucketCORS(ctx); err != nil {
		fmt.Printf("Warning: Failed to set CORS configuration: %v\n", err)
	}

	return storageClient, nil
}

// Browsers upload straight to the signed URL, so the bucket must accept PUT
// from other origins.
func (c *CloudStorageClient) setBucketCORS(ctx context.Context) error {
	bucket := c.client.Bucket(c.bucketName)

	attrs, err := bucket.Attrs(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bucket attributes: %v", err)
	}
	if len(attrs.CORS) > 0 {
		return nil
	}

	_, err = bucket.Update(ctx, storage.BucketAttrsToUpdate{
		CORS: []storage.CORS{{
			MaxAge:          3600,
			Methods:         []string{"GET", "PUT", "OPTIONS"},
			Origins:         []string{"*"},
			ResponseHeaders: []string{"Content-Type"},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to update bucket CORS: %v", err)
	}
	return nil
}

func (c *CloudStorageClient) ReservePath(conversationID, fileName string) string {
	return ReservePath(conversationID, fileName)
}

func (c *CloudStorageClient) SignedUploadURL(ctx context.Context, objectPath, contentType string) (string, error) {
	url, err := c.client.Bucket(c.bucketName).SignedURL(objectPath, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		ContentType: contentType,
		Expires:     time.Now().Add(c.expiry),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed upload URL: %v", err)
	}
	return url, nil
}

func (c *CloudStorageClient) UploadSigned(ctx context.Context, uploadURL, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload object: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *CloudStorageClient) SignedReadURL(ctx context.Context, objectPath string) (string, error) {
	url, err := c.client.Bucket(c.bucketName).SignedURL(objectPath, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(c.expiry),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed read URL: %v", err)
	}
	return url, nil
}

func (c *CloudStorageClient) Delete(ctx context.Context, objectPath string) error {
	err := c.client.Bucket(c.bucketName).Object(objectPath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete file: %v", err)
	}
	return nil
}

func (c *CloudStorageClient) Close() error {
	return c.client.Close()
}

// ReservePath scopes an object to its conversation and makes the name unique.
// Only the extension of the client supplied name is kept.
func ReservePath(conversationID, fileName string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(fileName, "\\", "/"))))
	if len(ext) > 10 || strings.ContainsAny(ext, " ?#%") {
		ext = ""
	}
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("chat/%s/%s-%s%s", conversationID, uuid.New().String(), time.Now().UTC().Format("20060102150405"), ext)
}
