package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veltis/authflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateSession inserts a new session.
func (s *PgStore) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, deployment_id, user_id, active_signin_id, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)`,
		sess.ID, sess.DeploymentID, sess.UserID, sess.ActiveSignInID,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *PgStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := s.scanSession(s.pool.QueryRow(ctx, `
		SELECT id, deployment_id, user_id, COALESCE(active_signin_id, ''), created_at, updated_at
		FROM sessions
		WHERE id = $1`,
		id,
	))
	if err == pgx.ErrNoRows {
		return model.Session{}, model.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// UpdateSession replaces the stored session.
func (s *PgStore) UpdateSession(ctx context.Context, sess model.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			active_signin_id = NULLIF($1, ''),
			updated_at = $2
		WHERE id = $3`,
		sess.ActiveSignInID, time.Now().UTC(), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("session %q not found", sess.ID))
	}
	return nil
}

// FindSessionByUser returns the newest session for a user, if any.
func (s *PgStore) FindSessionByUser(ctx context.Context, deploymentID, userID string) (model.Session, bool, error) {
	sess, err := s.scanSession(s.pool.QueryRow(ctx, `
		SELECT id, deployment_id, user_id, COALESCE(active_signin_id, ''), created_at, updated_at
		FROM sessions
		WHERE deployment_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		deploymentID, userID,
	))
	if err == pgx.ErrNoRows {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("query session by user: %w", err)
	}
	return sess, true, nil
}

// CreateSignIn inserts a new sign-in.
func (s *PgStore) CreateSignIn(ctx context.Context, si model.SignIn) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signins (
			id, session_id, deployment_id, user_id, expired, expired_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		si.ID, si.SessionID, si.DeploymentID, si.UserID,
		si.Expired, si.ExpiredAt, si.CreatedAt, si.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sign-in: %w", err)
	}
	return nil
}

// GetSignIn retrieves a sign-in by ID.
func (s *PgStore) GetSignIn(ctx context.Context, id string) (model.SignIn, error) {
	var si model.SignIn
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_id, deployment_id, user_id, expired, expired_at, created_at, updated_at
		FROM signins
		WHERE id = $1`,
		id,
	).Scan(
		&si.ID, &si.SessionID, &si.DeploymentID, &si.UserID,
		&si.Expired, &si.ExpiredAt, &si.CreatedAt, &si.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.SignIn{}, model.NewNotFoundError(fmt.Sprintf("sign-in %q not found", id))
	}
	if err != nil {
		return model.SignIn{}, fmt.Errorf("query sign-in: %w", err)
	}
	return si, nil
}

// UpdateSignIn replaces the stored sign-in.
func (s *PgStore) UpdateSignIn(ctx context.Context, si model.SignIn) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE signins SET
			expired = $1,
			expired_at = $2,
			updated_at = $3
		WHERE id = $4`,
		si.Expired, si.ExpiredAt, time.Now().UTC(), si.ID,
	)
	if err != nil {
		return fmt.Errorf("update sign-in: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("sign-in %q not found", si.ID))
	}
	return nil
}

// ListActiveSignIns returns the unexpired sign-ins for a user.
func (s *PgStore) ListActiveSignIns(ctx context.Context, deploymentID, userID string) ([]model.SignIn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, deployment_id, user_id, expired, expired_at, created_at, updated_at
		FROM signins
		WHERE deployment_id = $1 AND user_id = $2 AND expired = FALSE
		ORDER BY created_at ASC`,
		deploymentID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active sign-ins: %w", err)
	}
	defer rows.Close()

	var active []model.SignIn
	for rows.Next() {
		var si model.SignIn
		if err := rows.Scan(
			&si.ID, &si.SessionID, &si.DeploymentID, &si.UserID,
			&si.Expired, &si.ExpiredAt, &si.CreatedAt, &si.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sign-in: %w", err)
		}
		active = append(active, si)
	}
	return active, rows.Err()
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) scanSession(row pgx.Row) (model.Session, error) {
	var sess model.Session
	err := row.Scan(
		&sess.ID, &sess.DeploymentID, &sess.UserID, &sess.ActiveSignInID,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	return sess, err
}
