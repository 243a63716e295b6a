// Package crypto holds the token signing used to gate relay access for
// registered applications. Relayed payloads are never touched here; their
// encryption is end to end between the peers.
package crypto

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "passage"

// JWTManager signs and verifies application tokens with a shared master
// secret.
type JWTManager struct {
	secret []byte
	expiry time.Duration
}

// NewJWTManager creates a manager. The secret must be at least 32 bytes.
func NewJWTManager(masterSecret string, expiry time.Duration) (*JWTManager, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(masterSecret))
	}
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &JWTManager{secret: []byte(masterSecret), expiry: expiry}, nil
}

// Expiry returns the token lifetime.
func (m *JWTManager) Expiry() time.Duration { return m.expiry }

// CreateAppToken issues a token for a registered application id.
func (m *JWTManager) CreateAppToken(appID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyAppToken validates a token and returns the application id it was
// issued to.
func (m *JWTManager) VerifyAppToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}
