package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	visitorScope    = "visitor"
)

var (
	// ErrMissingSigningSecret indicates the issuer was built without a key.
	ErrMissingSigningSecret = errors.New("auth: signing secret must be provided")
	// ErrMissingVisitorID indicates an empty subject on issue or validate.
	ErrMissingVisitorID = errors.New("auth: visitor id must be provided")
	// ErrInvalidVisitorToken indicates a malformed, forged, or foreign token.
	ErrInvalidVisitorToken = errors.New("auth: invalid visitor token")
	// ErrExpiredVisitorToken indicates the token outlived its TTL.
	ErrExpiredVisitorToken = errors.New("auth: visitor token expired")
)

// TokenIssuerConfig configures the visitor JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// visitorClaims is the payload handed to a device after OTP verification.
type visitorClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and validates visitor access tokens.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
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
		audience:      cfg.Audience,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueVisitorToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueVisitorToken(_ context.Context, visitorID string) (string, int64, error) {
	subject := strings.TrimSpace(visitorID)
	if subject == "" {
		return "", 0, ErrMissingVisitorID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := visitorClaims{
		Scope: visitorScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  []string{i.audience},
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

// ValidateToken ensures the visitor JWT is well formed and returns the visitor id.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	raw := strings.TrimSpace(tokenString)
	if raw == "" {
		return "", ErrInvalidVisitorToken
	}

	claims := &visitorClaims{}
	_, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.signingSecret, nil
		},
		jwt.WithAudience(i.audience),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrExpiredVisitorToken, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidVisitorToken, err)
	}
	if claims.Scope != visitorScope {
		return "", ErrInvalidVisitorToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingVisitorID
	}
	return claims.Subject, nil
}
