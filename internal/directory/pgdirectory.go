package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veltis/authflow/internal/verify"
)

// PgDirectory serves lookups from the platform's users table using pgx/v5.
type PgDirectory struct {
	pool *pgxpool.Pool
}

// NewPgDirectory creates a PostgreSQL-backed directory.
func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

// ResolveUser looks up the user an identifier belongs to within a
// deployment. An unknown identifier is not an error.
func (d *PgDirectory) ResolveUser(ctx context.Context, deploymentID, identifier string) (string, bool, error) {
	var userID string
	err := d.pool.QueryRow(ctx, `
		SELECT user_id
		FROM users
		WHERE deployment_id = $1
		  AND (lower(email) = $2 OR lower(username) = $2 OR phone_number = $2)`,
		deploymentID, strings.ToLower(identifier),
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query user: %w", err)
	}
	return userID, true, nil
}

// PasswordHash returns the stored bcrypt hash for an identifier. Returns
// verify.ErrNoCredential for unknown identifiers or passwordless accounts.
func (d *PgDirectory) PasswordHash(ctx context.Context, deploymentID, identifier string) (string, error) {
	var hash string
	err := d.pool.QueryRow(ctx, `
		SELECT COALESCE(password_hash, '')
		FROM users
		WHERE deployment_id = $1
		  AND (lower(email) = $2 OR lower(username) = $2 OR phone_number = $2)`,
		deploymentID, strings.ToLower(identifier),
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", verify.ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("query password hash: %w", err)
	}
	if hash == "" {
		return "", verify.ErrNoCredential
	}
	return hash, nil
}

// Ping verifies database connectivity.
func (d *PgDirectory) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}
