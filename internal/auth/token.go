// Package auth verifies the bearer tokens issued by the account service.
// Accounts and passwords live there; this service only trusts the signed
// (user, role) pair.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type Tokens struct {
	secret []byte
}

func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// Issue signs a token for userID. The API never calls it; it exists for
// local tooling and tests.
func (t *Tokens) Issue(userID uuid.UUID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(t.secret)
}

func (t *Tokens) Verify(token string) (Identity, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	if c.Role != RoleWorker && c.Role != RoleAdmin {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, c.Role)
	}
	return Identity{UserID: id, Role: c.Role}, nil
}
