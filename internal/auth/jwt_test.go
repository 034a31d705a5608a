package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer(nil, time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestGenerateAndValidate(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := issuer.GenerateToken("coach-1", RoleOperator)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "coach-1", claims.ViewerID)
	assert.True(t, claims.CanControl())
	assert.NotEmpty(t, claims.ID)
}

func TestTokenIDsAreUnique(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), 0)
	require.NoError(t, err)

	first, _, err := issuer.GenerateToken("coach-1", RoleViewer)
	require.NoError(t, err)
	second, _, err := issuer.GenerateToken("coach-1", RoleViewer)
	require.NoError(t, err)

	a, err := issuer.ValidateToken(first)
	require.NoError(t, err)
	b, err := issuer.ValidateToken(second)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.CanControl())
}

func TestGenerateRejectsBadInput(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	_, _, err = issuer.GenerateToken("", RoleViewer)
	assert.ErrorIs(t, err, ErrMissingViewer)

	_, _, err = issuer.GenerateToken("coach-1", "admin")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestValidateRejects(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-secret"), time.Hour)
	require.NoError(t, err)
	token, _, err := issuer.GenerateToken("coach-1", RoleViewer)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewTokenIssuer([]byte("other-secret"), time.Hour)
		require.NoError(t, err)
		_, err = other.ValidateToken(token)
		assert.True(t, errors.Is(err, jwt.ErrTokenSignatureInvalid))
	})

	t.Run("expired", func(t *testing.T) {
		later := *issuer
		later.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		_, err := later.ValidateToken(token)
		assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := issuer.ValidateToken("not-a-token")
		assert.Error(t, err)
	})

	t.Run("unsigned", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{
			ViewerID:         "coach-1",
			Role:             RoleOperator,
			RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer},
		})
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.ValidateToken(raw)
		assert.Error(t, err)
	})
}
