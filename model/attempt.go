package model

import "time"

// FlowType distinguishes the two attempt variants. They share a shape but
// draw on different step vocabularies.
type FlowType string

const (
	FlowSignUp FlowType = "sign_up"
	FlowSignIn FlowType = "sign_in"
)

// Valid reports whether the flow type is one of the known variants.
func (f FlowType) Valid() bool {
	return f == FlowSignUp || f == FlowSignIn
}

// StepKind identifies one discrete verification action.
type StepKind string

const (
	StepVerifyEmail             StepKind = "verify_email"
	StepVerifyEmailOtp          StepKind = "verify_email_otp"
	StepVerifyPhone             StepKind = "verify_phone"
	StepVerifyPhoneOtp          StepKind = "verify_phone_otp"
	StepVerifySecondFactor      StepKind = "verify_second_factor"
	StepPasswordResetInitiation StepKind = "password_reset_initiation"
	StepPasswordResetCompletion StepKind = "password_reset_completion"

	// StepComplete is the terminal marker: no further step is awaited.
	StepComplete StepKind = "complete"
)

// Attempt status constants. Expiry is not a stored status: it is derived
// from ExpiresAt at read time so a load always reflects reality.
const (
	AttemptStatusPending   = "pending"
	AttemptStatusComplete  = "complete"
	AttemptStatusCancelled = "cancelled"

	// AttemptStatusExpired is written by the sweeper and derived at read
	// time for pending attempts past their expiry.
	AttemptStatusExpired = "expired"
)

// Attempt is a single in-progress or completed authentication or
// registration flow instance. The step plan is resolved once at creation
// and embedded; later deployment configuration changes never alter an
// in-flight attempt. Every mutation is a full-record compare-and-swap
// keyed on Version.
type Attempt struct {
	ID           string   `json:"id"`
	DeploymentID string   `json:"deployment_id"`
	FlowType     FlowType `json:"flow_type"`

	// Identifier is the normalized identity the flow targets (email,
	// username, or phone number). Together with FlowType it is subject to
	// the store's at-most-one-live-attempt uniqueness constraint.
	Identifier string `json:"identifier"`

	// UserID is the resolved user for sign-in attempts.
	UserID string `json:"user_id,omitempty"`

	// SessionID names the owning session once promotion has occurred.
	SessionID string `json:"session_id,omitempty"`

	RequiredFields []string   `json:"required_fields"`
	MissingFields  []string   `json:"missing_fields"`
	CurrentStep    StepKind   `json:"current_step"`
	RemainingSteps []StepKind `json:"remaining_steps"`
	Status         string     `json:"status"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the attempt is past its expiry at the given
// instant. An expired attempt is permanently invalid regardless of its
// stored status.
func (a *Attempt) ExpiredAt(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now)
}

// Complete reports whether every field has been supplied and every step
// performed.
func (a *Attempt) Complete() bool {
	return len(a.MissingFields) == 0 &&
		len(a.RemainingSteps) == 0 &&
		a.CurrentStep == StepComplete
}

// Clone returns a deep copy. Stores hand out clones so callers can never
// mutate persisted state in place.
func (a *Attempt) Clone() Attempt {
	out := *a
	out.RequiredFields = append([]string(nil), a.RequiredFields...)
	out.MissingFields = append([]string(nil), a.MissingFields...)
	out.RemainingSteps = append([]StepKind(nil), a.RemainingSteps...)
	return out
}

// Plan is the ordered list of steps and required fields resolved for one
// attempt at creation time. It is immutable once resolved.
type Plan struct {
	FlowType       FlowType
	Steps          []StepKind
	RequiredFields []string

	// TTL is the flow-specific lifetime applied at attempt creation.
	TTL time.Duration
}

// AttemptEvent records one entry in an attempt's audit trail.
type AttemptEvent struct {
	ID        string         `json:"id"`
	AttemptID string         `json:"attempt_id"`
	Step      StepKind       `json:"step"`
	Event     string         `json:"event"`
	ActorID   string         `json:"actor_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Attempt audit event names.
const (
	EventAttemptStarted   = "attempt_started"
	EventStepEntered      = "step_entered"
	EventStepCompleted    = "step_completed"
	EventValidationFailed = "validation_failed"
	EventAttemptCompleted = "attempt_completed"
	EventAttemptCancelled = "attempt_cancelled"
	EventAttemptExpired   = "attempt_expired"
)
