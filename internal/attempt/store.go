// Package attempt implements the verification attempt lifecycle: ordered
// step execution over a versioned store, promotion of completed sign-in
// attempts into sessions, and expiry sweeping.
package attempt

import (
	"context"
	"time"

	"github.com/veltis/authflow/model"
)

// Store persists attempts and their audit events.
type Store interface {
	// Create persists a new attempt. Returns IDENTITY_CONFLICT when a
	// pending unexpired attempt already exists for the same deployment,
	// flow type, and identifier.
	Create(ctx context.Context, a model.Attempt) error

	// Get retrieves an attempt by ID, scoped to a deployment. Returns
	// NOT_FOUND if the attempt doesn't exist or belongs to a different
	// deployment.
	Get(ctx context.Context, deploymentID, attemptID string) (model.Attempt, error)

	// Update persists an updated attempt with optimistic locking. The
	// attempt's Version must match the stored version; the store
	// increments it on success. Returns VERSION_CONFLICT if the version
	// has changed.
	Update(ctx context.Context, a model.Attempt) error

	// AppendEvent adds an event to the attempt's audit trail.
	AppendEvent(ctx context.Context, event model.AttemptEvent) error

	// GetEvents retrieves all events for an attempt in timestamp order,
	// scoped to a deployment.
	GetEvents(ctx context.Context, deploymentID, attemptID string) ([]model.AttemptEvent, error)

	// FindExpired returns pending attempts whose expires_at is before the
	// given cutoff time.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.Attempt, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
