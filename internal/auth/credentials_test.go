package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/lightning/internal/store"
	"github.com/pliu/lightning/internal/store/sqlstore"
)

type fakeMailer struct {
	to, username, link string
	err                error
}

func (m *fakeMailer) SendVerificationEmail(to, username, link string) error {
	m.to, m.username, m.link = to, username, link
	return m.err
}

func newService(t *testing.T) *Service {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &Service{
		Store:     st,
		Signer:    NewSigner([]byte("test-secret"), time.Hour),
		PublicURL: "http://localhost:8080",
		Logger:    zerolog.Nop(),
	}
}

func TestValidateUsername(t *testing.T) {
	for _, name := range []string{"abc", "user_1", "A1234567890123456789"} {
		assert.NoError(t, ValidateUsername(name), name)
	}
	for _, name := range []string{"", "ab", "has space", "dash-name", "A12345678901234567890", "ünï"} {
		assert.ErrorIs(t, ValidateUsername(name), ErrInvalidUsername, name)
	}
}

func TestCreateAccount(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	user, err := svc.CreateAccount(ctx, "alice", "password123", "")
	require.NoError(t, err)
	assert.NotEqual(t, "password123", user.Password)

	_, err = svc.CreateAccount(ctx, "alice", "password123", "")
	require.ErrorIs(t, err, store.ErrDuplicate)

	_, err = svc.CreateAccount(ctx, "x", "password123", "")
	require.ErrorIs(t, err, ErrInvalidUsername)

	_, err = svc.CreateAccount(ctx, "bob", "short", "")
	require.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.CreateAccount(ctx, "bob", "password123", "not-an-email")
	require.ErrorIs(t, err, ErrInvalidEmail)
}

func TestCreateAccountSendsVerification(t *testing.T) {
	svc := newService(t)
	mailer := &fakeMailer{}
	svc.Mailer = mailer
	ctx := context.Background()

	user, err := svc.CreateAccount(ctx, "carol", "password123", "carol@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, user.VerificationToken)
	assert.Equal(t, "carol@example.com", mailer.to)
	assert.Equal(t, "http://localhost:8080/verify?token="+user.VerificationToken, mailer.link)

	require.NoError(t, svc.VerifyEmail(ctx, user.VerificationToken))

	// A failing mailer does not fail signup.
	mailer.err = errors.New("smtp down")
	_, err = svc.CreateAccount(ctx, "dave", "password123", "dave@example.com")
	require.NoError(t, err)
}

func TestVerifyCredential(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "alice", "password123", "")
	require.NoError(t, err)

	token, err := svc.VerifyCredential(ctx, "alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, "alice", token.Username)

	username, err := svc.TokenToIdentity(ctx, token.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)

	_, err = svc.VerifyCredential(ctx, "alice", "wrong-password")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.VerifyCredential(ctx, "nobody", "password123")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.TokenToIdentity(ctx, "garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}
