package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pliu/lightning/internal/models"
	"github.com/pliu/lightning/internal/store"
)

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	query := s.rebind("INSERT INTO users (username, email, password, is_verified, verification_token, created_at) VALUES (?, ?, ?, ?, ?, ?) RETURNING id")
	err := s.db.QueryRowContext(ctx, query,
		user.Username,
		nullString(user.Email),
		user.Password,
		user.IsVerified,
		nullString(user.VerificationToken),
		user.CreatedAt,
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", user.Username, store.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	var email, token sql.NullString
	query := s.rebind("SELECT id, username, email, password, is_verified, verification_token, created_at FROM users WHERE username = ?")

	err := s.db.QueryRowContext(ctx, query, username).Scan(&user.ID, &user.Username, &email, &user.Password, &user.IsVerified, &token, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
		}
		return nil, err
	}
	user.Email = email.String
	user.VerificationToken = token.String
	return &user, nil
}

func (s *SQLStore) VerifyUser(ctx context.Context, token string) error {
	if token == "" {
		return store.ErrNotFound
	}
	query := s.rebind("UPDATE users SET is_verified = TRUE, verification_token = NULL WHERE verification_token = ?")
	result, err := s.db.ExecContext(ctx, query, token)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("verification token: %w", store.ErrNotFound)
	}
	return nil
}

// SearchUsers returns users whose name starts with prefix, in name order.
func (s *SQLStore) SearchUsers(ctx context.Context, prefix string, limit int) ([]models.User, error) {
	query := s.rebind("SELECT id, username, is_verified, created_at FROM users WHERE username LIKE ? ESCAPE '\\' ORDER BY username LIMIT ?")
	rows, err := s.db.QueryContext(ctx, query, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.IsVerified, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
