// Package session owns sessions and their sign-ins: storage, and the
// binder that promotes a completed attempt into an authenticated session
// under the configured session policy.
package session

import (
	"context"

	"github.com/veltis/authflow/model"
)

// Store persists sessions and sign-ins. A session can outlive many
// sign-ins; at most one sign-in is active per session at a time.
type Store interface {
	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, s model.Session) error

	// GetSession returns the session, or a NOT_FOUND envelope.
	GetSession(ctx context.Context, id string) (model.Session, error)

	// UpdateSession replaces the stored session.
	UpdateSession(ctx context.Context, s model.Session) error

	// FindSessionByUser returns the newest session for a user within a
	// deployment, if any.
	FindSessionByUser(ctx context.Context, deploymentID, userID string) (model.Session, bool, error)

	// CreateSignIn inserts a new sign-in.
	CreateSignIn(ctx context.Context, si model.SignIn) error

	// GetSignIn returns the sign-in, or a NOT_FOUND envelope.
	GetSignIn(ctx context.Context, id string) (model.SignIn, error)

	// UpdateSignIn replaces the stored sign-in.
	UpdateSignIn(ctx context.Context, si model.SignIn) error

	// ListActiveSignIns returns the unexpired sign-ins for a user within
	// a deployment, across all their sessions.
	ListActiveSignIns(ctx context.Context, deploymentID, userID string) ([]model.SignIn, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
