package store

import (
	"context"
	"errors"
	"time"

	"github.com/pliu/lightning/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// CredentialStore persists identities for the signup/login ceremony.
type CredentialStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SearchUsers(ctx context.Context, prefix string, limit int) ([]models.User, error)
	VerifyUser(ctx context.Context, token string) error
}

// MessageStore is the durable record of envelopes keyed by ID.
//
// Implementations must be safe for concurrent use. Writes to the same
// envelope are last-writer-wins.
type MessageStore interface {
	// SaveMessage inserts a new envelope. It returns ErrDuplicate if the ID
	// is already taken.
	SaveMessage(ctx context.Context, env *models.Envelope) error
	GetMessage(ctx context.Context, id string) (*models.Envelope, error)
	// UpdateMessage writes the mutable fields of env (payload, edited_at,
	// deleted), sets needs_sync and bumps the revision stored in env.
	UpdateMessage(ctx context.Context, env *models.Envelope) error
	// MarkDelivered clears needs_sync only if the envelope is still at the
	// given revision, so a delivery never acknowledges a newer mutation.
	MarkDelivered(ctx context.Context, id string, revision int, at time.Time) error
	// PendingFor returns envelopes addressed to username with needs_sync
	// set, oldest first.
	PendingFor(ctx context.Context, username string) ([]models.Envelope, error)
	// Conversation returns the latest limit envelopes exchanged between a
	// and b, oldest first.
	Conversation(ctx context.Context, a, b string, limit int) ([]models.Envelope, error)
	Ping(ctx context.Context) error
	Close() error
}

type Store interface {
	CredentialStore
	MessageStore
}
