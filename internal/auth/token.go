// ABOUTME: JWT issuing and verification for local identities
// ABOUTME: Uses HS256 signing with configurable secret, issuer and expiry

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrEmptySecret  = errors.New("jwt secret must not be empty")
)

// Claims is the payload of a locally issued token.
// Subject mirrors UserID for clients that only read "sub".
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 tokens
type TokenIssuer struct {
	secret       []byte
	issuer       string
	expiry       time.Duration
	defaultEmail string
	now          func() time.Time
}

// IssuerOption configures a TokenIssuer
type IssuerOption func(*TokenIssuer)

// WithIssuerClock overrides the time source used for iat/exp and for verification
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithDefaultEmail sets the email embedded when Generate is given none
func WithDefaultEmail(email string) IssuerOption {
	return func(i *TokenIssuer) {
		i.defaultEmail = email
	}
}

// NewTokenIssuer creates an issuer. expiry is the lifetime of generated tokens.
func NewTokenIssuer(secret []byte, issuer string, expiry time.Duration, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	i := &TokenIssuer{
		secret: secret,
		issuer: issuer,
		expiry: expiry,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Expiry returns the lifetime of generated tokens
func (i *TokenIssuer) Expiry() time.Duration {
	return i.expiry
}

// Generate creates a signed token for the user. An empty email falls back to
// the issuer's default email.
func (i *TokenIssuer) Generate(userID, email string) (string, error) {
	if email == "" {
		email = i.defaultEmail
	}
	now := i.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify validates the signature and expiry and returns the claims
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: user_id", ErrMissingClaim)
	}

	return claims, nil
}
