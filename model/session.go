package model

import "time"

// Session is the long-lived authentication context for a user. It may
// outlive many SignIn instances sequentially but holds at most one active
// SignIn. ActiveSignInID and SignIn.SessionID are two independent
// identifiers with a maintained invariant, not a cyclic object graph;
// lookups always go through the store.
type Session struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// ActiveSignInID names the currently live SignIn, or is empty when the
	// session has no active sign-in. If set it must reference a
	// non-expired SignIn.
	ActiveSignInID string `json:"active_signin_id,omitempty"`
}

// SignIn is one concrete authenticated instance bound to a session. It is
// immutable once created except for the expiry transition, which happens
// at most once and is irreversible.
type SignIn struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	DeploymentID string     `json:"deployment_id"`
	UserID       string     `json:"user_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Expired      bool       `json:"expired"`
	ExpiredAt    *time.Time `json:"expired_at,omitempty"`
}

// SessionPolicy selects the deployment's session reuse behavior on
// promotion.
type SessionPolicy string

const (
	// SessionPolicyMulti creates a fresh session for every promotion.
	SessionPolicyMulti SessionPolicy = "multi_session"

	// SessionPolicySingle reuses the user's existing session and expires
	// its prior SignIn as a side effect of promotion.
	SessionPolicySingle SessionPolicy = "single_session"
)

// Valid reports whether the policy is one of the known variants.
func (p SessionPolicy) Valid() bool {
	return p == SessionPolicyMulti || p == SessionPolicySingle
}
