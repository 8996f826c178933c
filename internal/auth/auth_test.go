package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider("test-secret", time.Hour)
	require.NoError(t, err)
	p.cost = bcrypt.MinCost
	return p
}

func TestNewLocalProvider_RequiresSecret(t *testing.T) {
	_, err := NewLocalProvider("", time.Hour)
	assert.Error(t, err)
}

func TestSignUpAndSignIn(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	up, err := p.SignUp(ctx, "  Sam@Example.com ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "sam@example.com", up.Email)
	assert.NotEmpty(t, up.UserID)
	assert.NotEmpty(t, up.Token)

	in, err := p.SignIn(ctx, "sam@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, up.UserID, in.UserID)

	claims, err := ParseToken(in.Token, "test-secret")
	require.NoError(t, err)
	assert.Equal(t, up.UserID, claims.Subject)
	assert.Equal(t, "sam@example.com", claims.Email)
}

func TestSignUp_Duplicate(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	_, err := p.SignUp(ctx, "a@b.co", "password1")
	require.NoError(t, err)
	_, err = p.SignUp(ctx, "A@B.co", "password2")
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestSignUp_InvalidInput(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	_, err := p.SignUp(ctx, "not-an-email", "password1")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = p.SignUp(ctx, "a@b.co", "short")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSignIn_Wrong(t *testing.T) {
	p := newProvider(t)
	ctx := context.Background()

	_, err := p.SignUp(ctx, "a@b.co", "password1")
	require.NoError(t, err)

	_, err = p.SignIn(ctx, "a@b.co", "password2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.SignIn(ctx, "nobody@b.co", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = p.SignIn(ctx, "garbage", "password1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseToken_Rejects(t *testing.T) {
	p := newProvider(t)
	s, err := p.SignUp(context.Background(), "a@b.co", "password1")
	require.NoError(t, err)

	_, err = ParseToken(s.Token, "other-secret")
	assert.Error(t, err)
	_, err = ParseToken("not.a.token", "test-secret")
	assert.Error(t, err)

	p.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := p.SignIn(context.Background(), "a@b.co", "password1")
	require.NoError(t, err)
	_, err = ParseToken(expired.Token, "test-secret")
	assert.Error(t, err)
}
