package jwtauth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	a := NewAuthority("secret", time.Hour)

	token, err := a.GenerateToken(context.Background(), "buyer-1")
	require.NoError(t, err)

	uid, err := a.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", uid)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	token, err := NewAuthority("one", time.Hour).GenerateToken(context.Background(), "u")
	require.NoError(t, err)

	_, err = NewAuthority("two", time.Hour).VerifyToken(context.Background(), token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	claims := Claims{
		UserID: "u",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewAuthority("secret", time.Hour).VerifyToken(context.Background(), token)
	assert.Error(t, err)
}

func TestGenerateRequiresUser(t *testing.T) {
	_, err := NewAuthority("secret", time.Hour).GenerateToken(context.Background(), "")
	assert.Error(t, err)
}
