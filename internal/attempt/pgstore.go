package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veltis/authflow/model"
)

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. Uniqueness of live
// attempts is enforced by a partial unique index on
// (deployment_id, flow_type, identifier) WHERE status = 'pending'.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL attempt store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create inserts a new attempt. A unique violation from a pending but
// already expired row releases that row and retries once; a live pending
// row surfaces as IDENTITY_CONFLICT.
func (s *PgStore) Create(ctx context.Context, a model.Attempt) error {
	err := s.insert(ctx, a)
	if !isUniqueViolation(err) {
		return err
	}

	tag, updErr := s.pool.Exec(ctx, `
		UPDATE attempts SET status = 'cancelled', updated_at = $1
		WHERE deployment_id = $2 AND flow_type = $3 AND identifier = $4
		  AND status = 'pending' AND expires_at < $1`,
		time.Now().UTC(), a.DeploymentID, a.FlowType, a.Identifier,
	)
	if updErr != nil {
		return fmt.Errorf("release expired attempt: %w", updErr)
	}
	if tag.RowsAffected() == 0 {
		return model.NewIdentityConflictError(
			fmt.Sprintf("a pending %s attempt already exists for this identifier", a.FlowType),
		)
	}

	if err := s.insert(ctx, a); err != nil {
		if isUniqueViolation(err) {
			return model.NewIdentityConflictError(
				fmt.Sprintf("a pending %s attempt already exists for this identifier", a.FlowType),
			)
		}
		return err
	}
	return nil
}

func (s *PgStore) insert(ctx context.Context, a model.Attempt) error {
	required, missing, remaining, err := marshalPlanColumns(a)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO attempts (
			id, deployment_id, flow_type, identifier, user_id, session_id,
			required_fields, missing_fields, current_step, remaining_steps,
			status, version, created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		a.ID, a.DeploymentID, a.FlowType, a.Identifier, a.UserID, a.SessionID,
		required, missing, a.CurrentStep, remaining,
		a.Status, a.Version, a.CreatedAt, a.UpdatedAt, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// Get retrieves an attempt by ID, scoped to deployment.
func (s *PgStore) Get(ctx context.Context, deploymentID, attemptID string) (model.Attempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx, selectAttempt+`
		WHERE id = $1 AND deployment_id = $2`,
		attemptID, deploymentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Attempt{}, model.NewNotFoundError(
			fmt.Sprintf("attempt %q not found", attemptID),
		)
	}
	if err != nil {
		return model.Attempt{}, fmt.Errorf("query attempt: %w", err)
	}
	return a, nil
}

// Update persists an updated attempt with optimistic locking.
func (s *PgStore) Update(ctx context.Context, a model.Attempt) error {
	required, missing, remaining, err := marshalPlanColumns(a)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE attempts SET
			user_id = $1,
			session_id = $2,
			required_fields = $3,
			missing_fields = $4,
			current_step = $5,
			remaining_steps = $6,
			status = $7,
			version = $8,
			updated_at = $9,
			expires_at = $10
		WHERE id = $11 AND version = $12`,
		a.UserID, a.SessionID,
		required, missing, a.CurrentStep, remaining,
		a.Status, a.Version+1, time.Now().UTC(), a.ExpiresAt,
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewVersionConflictError(
			fmt.Sprintf("attempt %q version conflict (expected %d)", a.ID, a.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the attempt's audit trail.
func (s *PgStore) AppendEvent(ctx context.Context, event model.AttemptEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO attempt_events (
			id, attempt_id, step, event, actor_id, data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.AttemptID, event.Step, event.Event,
		event.ActorID, dataJSON, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert attempt event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for an attempt.
func (s *PgStore) GetEvents(ctx context.Context, deploymentID, attemptID string) ([]model.AttemptEvent, error) {
	// Verify deployment access.
	if _, err := s.Get(ctx, deploymentID, attemptID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, attempt_id, step, event, actor_id, data, created_at
		FROM attempt_events
		WHERE attempt_id = $1
		ORDER BY created_at ASC`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempt events: %w", err)
	}
	defer rows.Close()

	var events []model.AttemptEvent
	for rows.Next() {
		var evt model.AttemptEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.AttemptID, &evt.Step, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan attempt event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindExpired returns pending attempts past their expiry.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.Attempt, error) {
	rows, err := s.pool.Query(ctx, selectAttempt+`
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired attempts: %w", err)
	}
	defer rows.Close()

	var result []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Ping checks database connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectAttempt = `
	SELECT id, deployment_id, flow_type, identifier, user_id, session_id,
	       required_fields, missing_fields, current_step, remaining_steps,
	       status, version, created_at, updated_at, expires_at
	FROM attempts`

func scanAttempt(row pgx.Row) (model.Attempt, error) {
	var a model.Attempt
	var required, missing, remaining []byte
	err := row.Scan(
		&a.ID, &a.DeploymentID, &a.FlowType, &a.Identifier, &a.UserID, &a.SessionID,
		&required, &missing, &a.CurrentStep, &remaining,
		&a.Status, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt,
	)
	if err != nil {
		return model.Attempt{}, err
	}

	if err := json.Unmarshal(required, &a.RequiredFields); err != nil {
		return model.Attempt{}, fmt.Errorf("unmarshal required_fields: %w", err)
	}
	if err := json.Unmarshal(missing, &a.MissingFields); err != nil {
		return model.Attempt{}, fmt.Errorf("unmarshal missing_fields: %w", err)
	}
	if err := json.Unmarshal(remaining, &a.RemainingSteps); err != nil {
		return model.Attempt{}, fmt.Errorf("unmarshal remaining_steps: %w", err)
	}
	return a, nil
}

func marshalPlanColumns(a model.Attempt) (required, missing, remaining []byte, err error) {
	if required, err = json.Marshal(a.RequiredFields); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal required_fields: %w", err)
	}
	if missing, err = json.Marshal(a.MissingFields); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal missing_fields: %w", err)
	}
	if remaining, err = json.Marshal(a.RemainingSteps); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal remaining_steps: %w", err)
	}
	return required, missing, remaining, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
