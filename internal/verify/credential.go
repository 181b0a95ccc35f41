package verify

import (
	"context"
	"errors"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/model"
)

// ErrNoCredential reports that no stored credential exists for an
// identifier. Sources return it instead of an empty hash so the validator
// can fold it into a generic failure without distinguishing unknown
// identifiers from wrong passwords.
var ErrNoCredential = errors.New("verify: no credential for identifier")

// CredentialSource looks up the stored password hash for an identifier
// within a deployment.
type CredentialSource interface {
	PasswordHash(ctx context.Context, deploymentID, identifier string) (string, error)
}

// CredentialValidator checks a submitted password against the stored
// bcrypt hash for the attempt's identifier.
type CredentialValidator struct {
	source CredentialSource
}

func NewCredentialValidator(source CredentialSource) *CredentialValidator {
	return &CredentialValidator{source: source}
}

func (v *CredentialValidator) Validate(ctx context.Context, payload map[string]string, vctx Context) ([]string, error) {
	identField := catalog.FieldEmailAddress
	if vctx.Settings.FirstFactor == catalog.FirstFactorUsernamePassword {
		identField = catalog.FieldUsername
	}

	password := payload[catalog.FieldPassword]
	if password == "" {
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: catalog.FieldPassword, Code: "missing", Message: "A password is required"},
		})
	}

	if submitted, ok := payload[identField]; ok && submitted != vctx.Attempt.Identifier {
		return nil, model.NewValidationFailedError([]model.FieldError{
			{Field: identField, Code: "mismatch", Message: "The identifier does not match this attempt"},
		})
	}

	hash, err := v.source.PasswordHash(ctx, vctx.Attempt.DeploymentID, vctx.Attempt.Identifier)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			return nil, invalidCredentials(identField)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, invalidCredentials(identField)
	}

	return []string{identField, catalog.FieldPassword}, nil
}

func invalidCredentials(identField string) error {
	return model.NewValidationFailedError([]model.FieldError{
		{Field: identField, Code: "invalid_credentials", Message: "The identifier or password is incorrect"},
	})
}

// CheckPasswordPolicy evaluates a candidate password against deployment
// password settings. An empty slice means the password is acceptable.
func CheckPasswordPolicy(ps catalog.PasswordSettings, password string) []model.FieldError {
	var issues []model.FieldError

	if ps.MinLength > 0 && len(password) < ps.MinLength {
		issues = append(issues, model.FieldError{
			Field: catalog.FieldPassword, Code: "too_short",
			Message: "The password is shorter than the required minimum length",
		})
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if ps.RequireUppercase && !hasUpper {
		issues = append(issues, model.FieldError{
			Field: catalog.FieldPassword, Code: "missing_uppercase",
			Message: "The password must contain an uppercase letter",
		})
	}
	if ps.RequireLowercase && !hasLower {
		issues = append(issues, model.FieldError{
			Field: catalog.FieldPassword, Code: "missing_lowercase",
			Message: "The password must contain a lowercase letter",
		})
	}
	if ps.RequireNumber && !hasDigit {
		issues = append(issues, model.FieldError{
			Field: catalog.FieldPassword, Code: "missing_number",
			Message: "The password must contain a digit",
		})
	}
	if ps.RequireSpecial && !hasSpecial {
		issues = append(issues, model.FieldError{
			Field: catalog.FieldPassword, Code: "missing_special",
			Message: "The password must contain a special character",
		})
	}
	return issues
}
