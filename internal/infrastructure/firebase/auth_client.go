package firebase

import (
	"context"
	"fmt"
	"os"

	fbapp "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"marketchat/internal/domain/service"
	"marketchat/pkg/logger"
)

// CredentialsOption prefers inline service account JSON (production) and
// falls back to a key file (local development). It returns nil when neither
// is available so the SDK uses application default credentials.
func CredentialsOption(serviceAccountJSON, serviceAccountPath string) option.ClientOption {
	if serviceAccountJSON != "" {
		logger.Info("Using Firebase service account from environment variable")
		return option.WithCredentialsJSON([]byte(serviceAccountJSON))
	}
	if serviceAccountPath != "" {
		if _, err := os.Stat(serviceAccountPath); err == nil {
			logger.Info("Using Firebase service account from file: %s", serviceAccountPath)
			return option.WithCredentialsFile(serviceAccountPath)
		}
	}
	logger.Info("Using application default credentials")
	return nil
}

func ClientOptions(opt option.ClientOption) []option.ClientOption {
	if opt == nil {
		return nil
	}
	return []option.ClientOption{opt}
}

func NewApp(ctx context.Context, projectID string, opt option.ClientOption) (*fbapp.App, error) {
	app, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: projectID}, ClientOptions(opt)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase: %w", err)
	}
	return app, nil
}

type FirebaseAuthClient struct {
	client *auth.Client
}

var _ service.TokenVerifier = (*FirebaseAuthClient)(nil)

func NewFirebaseAuthClient(client *auth.Client) *FirebaseAuthClient {
	return &FirebaseAuthClient{
		client: client,
	}
}

func (f *FirebaseAuthClient) VerifyToken(ctx context.Context, token string) (string, error) {
	result, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return "", err
	}

	return result.UID, nil
}

// GenerateToken mints a custom token for uid. Clients exchange it for an ID
// token through the Firebase client SDK.
func (f *FirebaseAuthClient) GenerateToken(ctx context.Context, uid string) (string, error) {
	return f.client.CustomToken(ctx, uid)
}
