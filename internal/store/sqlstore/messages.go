package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pliu/lightning/internal/models"
	"github.com/pliu/lightning/internal/store"
)

const messageColumns = "id, kind, sender, recipient, text, audio, sample_rate, channels, created_at, edited_at, deleted, delivered_at, needs_sync, revision"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*models.Envelope, error) {
	var (
		env                   models.Envelope
		kind                  string
		audio                 []byte
		sampleRate, channels  int
		editedAt, deliveredAt sql.NullTime
	)
	err := row.Scan(&env.ID, &kind, &env.From, &env.To, &env.Text, &audio, &sampleRate, &channels,
		&env.CreatedAt, &editedAt, &env.Deleted, &deliveredAt, &env.NeedsSync, &env.Revision)
	if err != nil {
		return nil, err
	}
	env.Kind = models.Kind(kind)
	env.CreatedAt = env.CreatedAt.UTC()
	env.EditedAt = timePtr(editedAt)
	env.DeliveredAt = timePtr(deliveredAt)
	if env.Kind == models.KindVoice && !env.Deleted {
		env.Voice = &models.Voice{AudioBytes: audio, SampleRate: sampleRate, Channels: channels}
	}
	return &env, nil
}

func voiceColumns(env *models.Envelope) ([]byte, int, int) {
	if env.Voice == nil {
		return nil, 0, 0
	}
	return env.Voice.AudioBytes, env.Voice.SampleRate, env.Voice.Channels
}

func (s *SQLStore) SaveMessage(ctx context.Context, env *models.Envelope) error {
	audio, sampleRate, channels := voiceColumns(env)
	query := s.rebind(`
		INSERT INTO messages (id, kind, sender, recipient, text, audio, sample_rate, channels, created_at, edited_at, deleted, delivered_at, needs_sync, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		env.ID, string(env.Kind), env.From, env.To, env.Text, audio, sampleRate, channels,
		env.CreatedAt.UTC(), nullTime(env.EditedAt), env.Deleted, nullTime(env.DeliveredAt), env.NeedsSync, env.Revision)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", env.ID, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Envelope, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	env, err := scanEnvelope(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	return env, nil
}

func (s *SQLStore) UpdateMessage(ctx context.Context, env *models.Envelope) error {
	audio, sampleRate, channels := voiceColumns(env)
	query := s.rebind(`
		UPDATE messages
		SET text = ?, audio = ?, sample_rate = ?, channels = ?, edited_at = ?, deleted = ?, needs_sync = TRUE, revision = revision + 1
		WHERE id = ?
		RETURNING revision
	`)
	err := s.db.QueryRowContext(ctx, query,
		env.Text, audio, sampleRate, channels, nullTime(env.EditedAt), env.Deleted, env.ID).Scan(&env.Revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("message %s: %w", env.ID, store.ErrNotFound)
		}
		return err
	}
	env.NeedsSync = true
	return nil
}

func (s *SQLStore) MarkDelivered(ctx context.Context, id string, revision int, at time.Time) error {
	query := s.rebind("UPDATE messages SET needs_sync = FALSE, delivered_at = ? WHERE id = ? AND revision = ?")
	_, err := s.db.ExecContext(ctx, query, at.UTC(), id, revision)
	return err
}

func (s *SQLStore) PendingFor(ctx context.Context, username string) ([]models.Envelope, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE recipient = ? AND needs_sync = TRUE
		ORDER BY created_at ASC, seq ASC
	`)
	return s.queryEnvelopes(ctx, query, username)
}

func (s *SQLStore) Conversation(ctx context.Context, a, b string, limit int) ([]models.Envelope, error) {
	query := s.rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`)
	envelopes, err := s.queryEnvelopes(ctx, query, a, b, b, a, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(envelopes)
	return envelopes, nil
}

func (s *SQLStore) queryEnvelopes(ctx context.Context, query string, args ...any) ([]models.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []models.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, *env)
	}
	return envelopes, rows.Err()
}
