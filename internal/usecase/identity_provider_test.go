package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memrepo "marketchat/internal/adapter/repository"
	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

type staticVerifier map[string]string

func (v staticVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	uid, ok := v[token]
	if !ok {
		return "", errors.Unauthorized("unknown token", nil)
	}
	return uid, nil
}

func TestIdentityProviderSignIn(t *testing.T) {
	store := memrepo.NewMemoryStore()
	store.PutProfile(&entity.Profile{ID: "buyer", DisplayName: "Bea Buyer"})
	p := NewIdentityProvider(staticVerifier{"tok-buyer": "buyer", "tok-seller": "seller"}, store.Profiles())

	var seen []string
	unsubscribe := p.OnChange(func(id *Identity) {
		if id == nil {
			seen = append(seen, "")
			return
		}
		seen = append(seen, id.UserID)
	})

	identity, err := p.SignIn(context.Background(), "Bearer tok-buyer")
	require.NoError(t, err)
	assert.Equal(t, "buyer", identity.UserID)
	assert.Equal(t, "Bea Buyer", identity.Profile.DisplayName)

	// Signing in again as the same user is not a change.
	_, err = p.SignIn(context.Background(), "tok-buyer")
	require.NoError(t, err)

	identity, err = p.SignIn(context.Background(), "tok-seller")
	require.NoError(t, err)
	assert.Equal(t, "seller", identity.Profile.DisplayName)

	p.SignOut()
	p.SignOut()
	assert.Equal(t, "", p.UserID())
	assert.Nil(t, p.Current())

	unsubscribe()
	p.SignInAs(context.Background(), "buyer")

	assert.Equal(t, []string{"buyer", "seller", ""}, seen)
}

func TestIdentityProviderRejectsBadToken(t *testing.T) {
	p := NewIdentityProvider(staticVerifier{"tok-buyer": "buyer"}, nil)
	p.SignInAs(context.Background(), "buyer")

	_, err := p.SignIn(context.Background(), "forged")
	assert.True(t, errors.Is(err, errors.CodeUnauthorized))

	_, err = p.SignIn(context.Background(), "Bearer ")
	assert.True(t, errors.Is(err, errors.CodeUnauthorized))

	assert.Equal(t, "buyer", p.UserID())
}
