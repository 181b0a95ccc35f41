package verify

import (
	"context"
	"errors"

	"github.com/veltis/authflow/internal/catalog"
	"github.com/veltis/authflow/internal/notify"
	"github.com/veltis/authflow/model"
)

// ErrNoChallenge reports that a step has nothing to dispatch for the
// current deployment configuration. The engine treats it as "skip
// dispatch", not as failure.
var ErrNoChallenge = errors.New("verify: step issues no challenge")

// EmailValidator handles the email verification step, whose meaning
// depends on the deployment's first factor: under a password factor a
// sign-in submission is a credential check, otherwise the step is a link
// token challenge. Sign-up attempts always use the challenge path since
// there is no stored credential yet.
type EmailValidator struct {
	Credential *CredentialValidator
	Challenge  *ChallengeValidator
}

func (v *EmailValidator) Validate(ctx context.Context, payload map[string]string, vctx Context) ([]string, error) {
	if v.credentialMode(vctx) {
		return v.Credential.Validate(ctx, payload, vctx)
	}
	return v.Challenge.Validate(ctx, payload, vctx)
}

// Issue dispatches the verification link in challenge mode; a credential
// check has nothing to send.
func (v *EmailValidator) Issue(ctx context.Context, vctx Context) (notify.Message, error) {
	if v.credentialMode(vctx) {
		return notify.Message{}, ErrNoChallenge
	}
	return v.Challenge.Issue(ctx, vctx)
}

func (v *EmailValidator) credentialMode(vctx Context) bool {
	if vctx.Attempt.FlowType != model.FlowSignIn {
		return false
	}
	switch vctx.Settings.FirstFactor {
	case catalog.FirstFactorEmailPassword, catalog.FirstFactorUsernamePassword:
		return true
	}
	return false
}
