// Package verify holds the per-step validator capabilities the attempt
// engine delegates to. A validator decides whether a step submission is
// correct and which required fields it satisfies; it never advances
// attempt state itself.
package verify

import (
	"context"

	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/internal/config"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/model"
)

// Context carries everything a validator may consult: the attempt as
// loaded and the deployment settings its plan was resolved from.
type Context struct {
	Attempt  model.Attempt
	Settings catalog.AuthSettings
}

// StepValidator validates one step submission. On success it returns the
// required fields the step satisfied. On failure it returns a
// VALIDATION_FAILED envelope whose details are safe to show to the end
// user; any other error kind is treated as infrastructure failure.
type StepValidator interface {
	Validate(ctx context.Context, payload map[string]string, vctx Context) ([]string, error)
}

// Issuer is implemented by validators whose step needs a challenge
// dispatched when the step is entered (OTP codes, link tokens). The engine
// requests dispatch of the returned message; delivery is not awaited.
type Issuer interface {
	Issue(ctx context.Context, vctx Context) (notify.Message, error)
}

// Registry maps step kinds to their validators.
type Registry struct {
	validators map[model.StepKind]StepValidator
}

// NewRegistry creates an empty validator registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[model.StepKind]StepValidator)}
}

// Register binds a validator to a step kind, replacing any previous one.
func (r *Registry) Register(step model.StepKind, v StepValidator) {
	r.validators[step] = v
}

// For returns the validator for a step kind.
func (r *Registry) For(step model.StepKind) (StepValidator, bool) {
	v, ok := r.validators[step]
	return v, ok
}

// NewDefaultRegistry wires the standard validator for every step kind the
// catalog can emit.
func NewDefaultRegistry(store ChallengeStore, creds CredentialSource, cfg config.ChallengeConfig) *Registry {
	r := NewRegistry()

	emailChallenge := NewChallengeValidator(store, cfg, ChallengeOptions{
		Secret:    SecretLinkToken,
		Channel:   notify.ChannelEmail,
		Template:  "verify_email",
		Satisfies: []string{catalog.FieldEmailAddress},
	})
	r.Register(model.StepVerifyEmail, &EmailValidator{
		Credential: NewCredentialValidator(creds),
		Challenge:  emailChallenge,
	})

	r.Register(model.StepVerifyEmailOtp, NewChallengeValidator(store, cfg, ChallengeOptions{
		Secret:   SecretOTPCode,
		Channel:  notify.ChannelEmail,
		Template: "email_otp",
	}))

	r.Register(model.StepVerifyPhone, NewChallengeValidator(store, cfg, ChallengeOptions{
		Secret:    SecretOTPCode,
		Channel:   notify.ChannelSMS,
		Template:  "verify_phone",
		Satisfies: []string{catalog.FieldPhoneNumber},
	}))

	r.Register(model.StepVerifyPhoneOtp, NewChallengeValidator(store, cfg, ChallengeOptions{
		Secret:   SecretOTPCode,
		Channel:  notify.ChannelSMS,
		Template: "phone_otp",
	}))

	r.Register(model.StepVerifySecondFactor, NewChallengeValidator(store, cfg, ChallengeOptions{
		Secret:   SecretOTPCode,
		Channel:  notify.ChannelSMS,
		Template: "second_factor",
	}))

	r.Register(model.StepPasswordResetInitiation, NewChallengeValidator(store, cfg, ChallengeOptions{
		Secret:    SecretLinkToken,
		Channel:   notify.ChannelEmail,
		Template:  "password_reset",
		Satisfies: []string{catalog.FieldEmailAddress},
	}))

	r.Register(model.StepPasswordResetCompletion, NewResetCompletionValidator())

	return r
}
