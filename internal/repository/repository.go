// Package repository implements the database queries for persisted session
// tokens. It uses pgx directly (no ORM) for transparency and performance.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoToken is returned when no token is stored for a session.
var ErrNoToken = errors.New("no stored token")

// TokenRepository persists the auth token of each browser session. It is
// the only durable state in the process: everything else is rebuilt from
// the backend after a restart.
type TokenRepository struct {
	db *pgxpool.Pool
}

// NewTokenRepository constructs a TokenRepository.
func NewTokenRepository(db *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: db}
}

// Get returns the token stored for the session, or ErrNoToken.
func (r *TokenRepository) Get(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := r.db.QueryRow(ctx,
		`SELECT token FROM session_tokens WHERE session_id = $1`,
		sessionID,
	).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

// Put stores or replaces the token for a session.
func (r *TokenRepository) Put(ctx context.Context, sessionID, token string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_tokens (session_id, token, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET token = $2, updated_at = $3`,
		sessionID, token, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put token: %w", err)
	}
	return nil
}

// Delete removes the stored token for a session. Deleting a session that
// has no token is not an error.
func (r *TokenRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM session_tokens WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
