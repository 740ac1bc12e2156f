package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 7 * 24 * time.Hour

var (
	errMissingSigningSecret = errors.New("auth: signing secret must be provided")
	errMissingSubject       = errors.New("auth: subject claim must be provided")

	// ErrInvalidToken covers malformed, mis-signed, and wrong-issuer tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates the token outlived its window.
	ErrExpiredToken = errors.New("auth: token expired")
)

// Identity is the claim set carried by a session token: just enough to
// attribute mutations and gate admin routes without a user lookup.
type Identity struct {
	ID    string
	Email string
	Name  string
	Role  string
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == "admin"
}

type sessionClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuerConfig configures the HS256 session token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and verifies session tokens. Verification is a pure
// function of the signing secret; deactivating an account does not recall
// already-issued tokens, they ride out their natural expiry.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        cfg.Issuer,
		tokenTTL:      ttl,
		clock:         clock,
	}
}

// Issue produces a signed JWT and its expiry in seconds for the identity.
func (i *TokenIssuer) Issue(identity Identity) (string, int64, error) {
	if len(i.signingSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if strings.TrimSpace(identity.ID) == "" {
		return "", 0, errMissingSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.tokenTTL)

	claims := sessionClaims{
		Email: identity.Email,
		Name:  identity.Name,
		Role:  identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the token is well formed and returns the embedded identity.
func (i *TokenIssuer) Validate(tokenString string) (Identity, error) {
	if len(i.signingSecret) == 0 {
		return Identity{}, errMissingSigningSecret
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		strings.TrimSpace(tokenString),
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, errMissingSubject
	}

	return Identity{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.Name,
		Role:  claims.Role,
	}, nil
}
