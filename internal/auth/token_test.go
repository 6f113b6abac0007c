package auth

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedTokenParses(t *testing.T) {
	tm := NewTokenManager("s3cret", 15)

	token, expiresAt, err := tm.GenerateToken(42, 2)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, int64(2), claims.RoleID)
	assert.Equal(t, "42", claims.Subject)
}

func TestParseTokenRejects(t *testing.T) {
	tm := NewTokenManager("s3cret", 15)

	t.Run("other secret", func(t *testing.T) {
		token, _, err := NewTokenManager("other", 15).GenerateToken(42, 2)
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		claims := &Claims{UserID: 42, RoleID: 2, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("no user", func(t *testing.T) {
		token, _, err := tm.GenerateToken(0, 2)
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("other algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS384, &Claims{UserID: 42}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		_, err = tm.ParseToken(token)
		assert.Error(t, err)
	})
}
