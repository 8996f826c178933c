// Package auth is the identity boundary: it turns email and password into a
// signed session token. Nothing else in the service depends on how users are
// stored.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrUserExists is returned when signing up with a registered email.
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidInput is returned for a malformed email or a short password.
	ErrInvalidInput = errors.New("invalid email or password format")
)

// MinPasswordLength is the shortest password accepted at sign-up.
const MinPasswordLength = 8

// Session is an authenticated session.
type Session struct {
	UserID    string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Provider authenticates users.
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignIn(ctx context.Context, email, password string) (*Session, error)
}

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

type user struct {
	id   string
	hash []byte
}

// LocalProvider keeps users in memory with bcrypt password hashes and issues
// HS256 tokens.
type LocalProvider struct {
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time

	mu    sync.RWMutex
	users map[string]user
}

// NewLocalProvider creates a provider signing tokens with secret.
func NewLocalProvider(secret string, ttl time.Duration) (*LocalProvider, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LocalProvider{
		secret: []byte(secret),
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
		users:  make(map[string]user),
	}, nil
}

// SignUp registers a user and signs them in.
func (p *LocalProvider) SignUp(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	p.mu.Lock()
	if _, exists := p.users[email]; exists {
		p.mu.Unlock()
		return nil, ErrUserExists
	}
	u := user{id: uuid.NewString(), hash: hash}
	p.users[email] = u
	p.mu.Unlock()

	return p.issue(u.id, email)
}

// SignIn checks the password and returns a new session.
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	p.mu.RLock()
	u, ok := p.users[email]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return p.issue(u.id, email)
}

func (p *LocalProvider) issue(userID, email string) (*Session, error) {
	now := p.now()
	expires := now.Add(p.ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Email: email,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Session{
		UserID:    userID,
		Email:     email,
		Token:     token,
		ExpiresAt: expires,
	}, nil
}

// ParseToken validates a token signed with secret and returns its claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return email, nil
}
