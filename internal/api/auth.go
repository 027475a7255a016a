package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ksred/schemaflow/internal/config"
	"github.com/ksred/schemaflow/internal/utils"
)

const tokenIssuer = "schemaflow"

// Authenticator checks API keys against a configured bcrypt hash and
// bearer tokens against the configured HMAC secret
type Authenticator struct {
	apiKeyHash []byte
	jwtSecret  []byte
}

// NewAuthenticator creates an authenticator from configuration. Either
// mechanism is disabled when its setting is empty.
func NewAuthenticator(auth config.Auth, jwtCfg config.JWT) *Authenticator {
	return &Authenticator{
		apiKeyHash: []byte(auth.APIKeyHash),
		jwtSecret:  []byte(jwtCfg.Secret),
	}
}

// ValidateAPIKey checks key against the configured hash
func (a *Authenticator) ValidateAPIKey(key string) error {
	if len(a.apiKeyHash) == 0 {
		return fmt.Errorf("%w: API key authentication is not configured", utils.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(a.apiKeyHash, []byte(key)); err != nil {
		return fmt.Errorf("%w: invalid API key", utils.ErrUnauthorized)
	}
	return nil
}

// ValidateToken verifies a bearer token and returns its subject
func (a *Authenticator) ValidateToken(tokenString string) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("%w: token authentication is not configured", utils.ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", utils.ErrUnauthorized)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", utils.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// IssueToken signs a token for subject valid for ttl
func (a *Authenticator) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	if subject == "" {
		return "", utils.RequiredFieldError("subject")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString(a.jwtSecret)
}

// GenerateAPIKey returns a random key and the bcrypt hash to configure as
// auth.api_key_hash
func GenerateAPIKey() (key string, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", err
	}
	key = hex.EncodeToString(keyBytes)

	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return key, string(hashed), nil
}
