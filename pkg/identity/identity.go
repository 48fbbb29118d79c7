// Package identity resolves the authenticated user behind a peer and derives
// the short display name shown in presence and run records.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a request carries no bearer token
	ErrMissingToken = errors.New("identity: missing token")
	// ErrInvalidToken is returned when a token fails verification
	ErrInvalidToken = errors.New("identity: invalid token")
)

// Resolver turns a bearer token into an identity
type Resolver interface {
	Resolve(ctx context.Context, token string) (types.Identity, error)
}

// Static always resolves to the same identity. Used by headless peers
// and tests.
type Static types.Identity

// Resolve implements Resolver
func (s Static) Resolve(ctx context.Context, token string) (types.Identity, error) {
	return types.Identity(s), nil
}

// Claims are the JWT claims understood by Token
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Token verifies HS256 tokens signed with a shared secret
type Token struct {
	secret []byte
	issuer string
}

// NewToken creates a verifier. An empty issuer accepts any issuer.
func NewToken(secret, issuer string) *Token {
	return &Token{secret: []byte(secret), issuer: issuer}
}

// Resolve verifies token and maps its subject to an identity
func (t *Token) Resolve(ctx context.Context, token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return types.Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return types.Identity{
		ID:          claims.Subject,
		DisplayName: Username(claims.Username, claims.Email, claims.Subject),
	}, nil
}

// Issue signs a token for id valid for ttl
func (t *Token) Issue(id types.Identity, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username: id.DisplayName,
		Email:    email,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// FromRequest extracts a bearer token from the Authorization header, falling
// back to the token query parameter used by websocket clients.
func FromRequest(r *http.Request) (string, error) {
	if authz := r.Header.Get("Authorization"); authz != "" {
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", fmt.Errorf("%w: malformed Authorization header", ErrInvalidToken)
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

var (
	whitespace   = regexp.MustCompile(`\s+`)
	invalidChars = regexp.MustCompile(`[^a-z0-9_\-]`)
)

const maxUsernameLen = 10

func cleanUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = whitespace.ReplaceAllString(s, "")
	s = invalidChars.ReplaceAllString(s, "")
	if len(s) > maxUsernameLen {
		s = s[:maxUsernameLen]
	}
	return s
}

// Username derives a short handle: the cleaned username when usable, else the
// local part of email, else id, else "user".
func Username(username, email, id string) string {
	if cleaned := cleanUsername(username); cleaned != "" {
		return cleaned
	}
	fallback := id
	if at := strings.Index(email, "@"); at > 0 {
		fallback = email[:at]
	}
	if fallback == "" {
		fallback = "user"
	}
	if cleaned := cleanUsername(fallback); cleaned != "" {
		return cleaned
	}
	return "user"
}
