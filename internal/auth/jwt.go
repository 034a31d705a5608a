package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"

	tokenIssuer = "pitchline"
	defaultTTL  = 12 * time.Hour
)

var (
	ErrMissingSecret = errors.New("jwt secret is required")
	ErrInvalidRole   = errors.New("token role is not allowed")
	ErrMissingViewer = errors.New("token has no viewer id")
)

// JWTClaims represents the claims in our JWT token
type JWTClaims struct {
	ViewerID string `json:"viewer_id"`
	Role     string `json:"role"` // "viewer" or "operator"
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates HS256 tokens for dashboard viewers.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl uses 12 hours.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// GenerateToken returns a signed token and its expiry.
func (i *TokenIssuer) GenerateToken(viewerID, role string) (string, time.Time, error) {
	if viewerID == "" {
		return "", time.Time{}, ErrMissingViewer
	}
	if role != RoleViewer && role != RoleOperator {
		return "", time.Time{}, ErrInvalidRole
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := &JWTClaims{
		ViewerID: viewerID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   viewerID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (i *TokenIssuer) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.ViewerID == "" {
		return nil, ErrMissingViewer
	}
	if claims.Role != RoleViewer && claims.Role != RoleOperator {
		return nil, ErrInvalidRole
	}
	return claims, nil
}

// CanControl reports whether the token may start or stop sessions.
func (c *JWTClaims) CanControl() bool {
	return c.Role == RoleOperator
}
