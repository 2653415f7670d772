package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const generatedSecretBytes = 32

var (
	ErrMissingSigningSecret = errors.New("owner tokens: signing secret must be provided")
	ErrMissingIssuer        = errors.New("owner tokens: issuer must be provided")
	ErrMissingAudience      = errors.New("owner tokens: audience must be provided")
	ErrMissingIDProvider    = errors.New("owner tokens: id provider must be provided")
	ErrInvalidGrant         = errors.New("owner tokens: grant requires code and a valid lifetime")
	ErrInvalidOwnerToken    = errors.New("owner tokens: invalid token")
	ErrExpiredOwnerToken    = errors.New("owner tokens: token expired")
)

// OwnerGrant binds a token to one stored note.
type OwnerGrant struct {
	Code      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IDProvider issues the unique token identifier.
type IDProvider interface {
	NewID() (string, error)
}

// TokenIssuerConfig configures the owner token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	IDProvider    IDProvider
	Clock         func() time.Time
}

// TokenIssuer signs and validates HS256 owner tokens. A token lives exactly as
// long as the note it was issued for.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ids           IDProvider
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.IDProvider == nil {
		return nil, ErrMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ids:           cfg.IDProvider,
		clock:         clock,
	}, nil
}

// GenerateSigningSecret returns a random secret for deployments that did not configure one.
func GenerateSigningSecret() ([]byte, error) {
	secret := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// IssueOwnerToken produces a signed token for the grant.
func (i *TokenIssuer) IssueOwnerToken(_ context.Context, grant OwnerGrant) (string, error) {
	if strings.TrimSpace(grant.Code) == "" || !grant.ExpiresAt.After(grant.CreatedAt) {
		return "", ErrInvalidGrant
	}
	tokenID, err := i.ids.NewID()
	if err != nil {
		return "", err
	}

	registered := jwt.RegisteredClaims{
		ID:        tokenID,
		Subject:   grant.Code,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(grant.CreatedAt.UTC()),
		ExpiresAt: jwt.NewNumericDate(grant.ExpiresAt.UTC()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	return token.SignedString(i.signingSecret)
}

// ValidateOwnerToken checks signature, issuer, audience and expiry and returns the grant.
func (i *TokenIssuer) ValidateOwnerToken(tokenString string) (OwnerGrant, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return OwnerGrant{}, ErrInvalidOwnerToken
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return OwnerGrant{}, ErrExpiredOwnerToken
		}
		return OwnerGrant{}, fmt.Errorf("%w: %v", ErrInvalidOwnerToken, err)
	}
	if claims.Subject == "" || claims.IssuedAt == nil {
		return OwnerGrant{}, ErrInvalidOwnerToken
	}
	return OwnerGrant{
		Code:      claims.Subject,
		CreatedAt: claims.IssuedAt.Time.UTC(),
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}
