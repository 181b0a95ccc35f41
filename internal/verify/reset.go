package verify

import (
	"context"

	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/model"
)

// ResetCompletionValidator accepts the replacement password at the end of
// a password reset. The reset link token was already consumed by the
// initiation step on the same attempt, so only the new password remains
// to be checked against the deployment's password settings.
type ResetCompletionValidator struct{}

func NewResetCompletionValidator() *ResetCompletionValidator {
	return &ResetCompletionValidator{}
}

func (v *ResetCompletionValidator) Validate(ctx context.Context, payload map[string]string, vctx Context) ([]string, error) {
	password := payload["new_password"]
	if password == "" {
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: "new_password", Code: "missing", Message: "A new password is required"},
		})
	}
	if issues := CheckPasswordPolicy(vctx.Settings.Password, password); len(issues) > 0 {
		return nil, model.NewValidationFailedError(issues)
	}
	return []string{catalog.FieldPassword}, nil
}
