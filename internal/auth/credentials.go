package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/lightning/internal/models"
	"github.com/pliu/lightning/internal/store"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt ignores anything longer
)

var (
	ErrInvalidUsername    = errors.New("username must be 3-20 letters, digits or underscores")
	ErrWeakPassword       = fmt.Errorf("password must be %d-%d bytes", minPasswordLen, maxPasswordLen)
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// Mailer delivers verification links for accounts created with an email.
type Mailer interface {
	SendVerificationEmail(to, username, link string) error
}

// Token is the bearer credential handed out by a successful login.
type Token struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service implements account creation, password checks and token
// resolution on top of a CredentialStore.
type Service struct {
	Store     store.CredentialStore
	Signer    *Signer
	Mailer    Mailer
	PublicURL string
	Logger    zerolog.Logger
}

// CreateAccount registers a new identity. email is optional.
func (s *Service) CreateAccount(ctx context.Context, username, password, email string) (*models.User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return nil, ErrWeakPassword
	}
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return nil, ErrInvalidEmail
		}
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Username: username,
		Email:    email,
		Password: string(hashedPassword),
	}
	if email != "" && s.Mailer != nil {
		user.VerificationToken = uuid.NewString()
	}

	if err := s.Store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if user.VerificationToken != "" {
		link := s.PublicURL + "/verify?token=" + user.VerificationToken
		if err := s.Mailer.SendVerificationEmail(email, username, link); err != nil {
			s.Logger.Warn().Err(err).Str("username", username).Msg("verification email failed")
		}
	}
	return user, nil
}

// VerifyCredential checks a password and issues a bearer token.
func (s *Service) VerifyCredential(ctx context.Context, username, password string) (*Token, error) {
	user, err := s.Store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt := s.Signer.Issue(user.Username)
	return &Token{Token: token, Username: user.Username, ExpiresAt: expiresAt}, nil
}

// TokenToIdentity resolves a bearer token to a username.
func (s *Service) TokenToIdentity(_ context.Context, token string) (string, error) {
	return s.Signer.Identity(token)
}

// VerifyEmail consumes an email verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	return s.Store.VerifyUser(ctx, token)
}
