package integration

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veltis/authflow/internal/attempt"
	"github.com/veltis/authflow/model"
)

func TestLifecycle_signInWithOtp(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()

	// Start the attempt. The link challenge for verify_email goes out
	// through the delivery webhook immediately.
	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": AlphaUserEmail,
		"fields":     map[string]string{"email_address": AlphaUserEmail},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)

	require.Equal(t, model.StepVerifyEmail, a.CurrentStep)
	require.Equal(t, "user_alpha_1", a.UserID)
	require.Equal(t, 1, a.Version)

	// Complete the link step with the token captured from delivery.
	linkToken := h.Delivery.LastSecret(t, "token")
	var sr submitResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"token": linkToken},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	require.Equal(t, model.StepVerifyEmailOtp, sr.Attempt.CurrentStep)
	require.Nil(t, sr.Promotion, "promotion before final step")

	// Complete the OTP step. This promotes the attempt into a session.
	code := h.Delivery.LastSecret(t, "code")
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email_otp",
		"payload": map[string]string{"code": code},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	require.Equal(t, model.AttemptStatusComplete, sr.Attempt.Status)
	require.NotNil(t, sr.Promotion)
	require.Equal(t, "user_alpha_1", sr.Promotion.Session.UserID)
	require.Equal(t, sr.Attempt.SessionID, sr.Promotion.Session.ID)
	require.False(t, sr.Promotion.SignIn.Expired)

	// The descriptor carries the audit trail.
	var desc attempt.Descriptor
	resp = h.GET("/v1/attempts/"+a.ID, token)
	h.AssertJSON(t, resp, http.StatusOK, &desc)

	require.Equal(t, model.AttemptStatusComplete, desc.Status)
	events := make([]string, 0, len(desc.History))
	for _, ev := range desc.History {
		events = append(events, ev.Event)
	}
	require.Contains(t, events, model.EventAttemptStarted)
	require.Contains(t, events, model.EventStepCompleted)
	require.Contains(t, events, model.EventAttemptCompleted)
}

func TestLifecycle_signInWithPassword(t *testing.T) {
	h := NewTestHarness(t)
	token := h.BetaToken()

	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": BetaUserEmail,
		"fields":     map[string]string{"email_address": BetaUserEmail},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)

	require.Equal(t, model.StepVerifyEmail, a.CurrentStep)
	require.Empty(t, h.Delivery.Messages(), "credential mode dispatches nothing")

	// Wrong password does not advance the attempt.
	var errResp errorResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"password": "not the password"},
	}, token)
	h.AssertJSON(t, resp, http.StatusUnprocessableEntity, &errResp)
	require.Equal(t, model.ErrValidationFailed, errResp.Error.Code)

	// The right password promotes in one submission.
	var sr submitResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"password": BetaUserPassword},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	require.NotNil(t, sr.Promotion)
	require.Equal(t, "user_beta_1", sr.Promotion.Session.UserID)
}

func TestLifecycle_signUpHoldsOpenForMissingFields(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()

	// Sign up without a password: the plan's steps finish but the
	// attempt stays pending until the field arrives.
	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_up",
		"identifier": "new@alpha.example.com",
		"fields":     map[string]string{"email_address": "new@alpha.example.com"},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)
	require.Contains(t, a.MissingFields, "password")

	// Sign-up email verification is link-based: a single verify_email
	// step whose token arrives over the delivery webhook.
	linkToken := h.Delivery.LastSecret(t, "token")
	var sr submitResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"token": linkToken},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	require.Nil(t, sr.Promotion, "missing fields hold the attempt open")
	require.Equal(t, model.AttemptStatusPending, sr.Attempt.Status)
	require.Equal(t, model.StepComplete, sr.Attempt.CurrentStep)

	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":   "complete",
		"fields": map[string]string{"password": "s3cret-enough"},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	require.NotNil(t, sr.Promotion)
	require.NotEmpty(t, sr.Promotion.Session.UserID, "sign-up mints a user ID")
}

func TestLifecycle_signInUnknownIdentifierRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()

	var errResp errorResponse
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": "stranger@alpha.example.com",
		"fields":     map[string]string{"email_address": "stranger@alpha.example.com"},
	}, token)
	h.AssertJSON(t, resp, http.StatusNotFound, &errResp)
	require.Equal(t, model.ErrNotFound, errResp.Error.Code)
	require.Empty(t, h.Delivery.Messages(), "no challenge for an unknown account")
}

func TestLifecycle_outOfOrderStepRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()

	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": AlphaUserEmail,
		"fields":     map[string]string{"email_address": AlphaUserEmail},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)

	var errResp errorResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email_otp",
		"payload": map[string]string{"code": "000000"},
	}, token)
	h.AssertJSON(t, resp, http.StatusConflict, &errResp)
	require.Equal(t, model.ErrStepMismatch, errResp.Error.Code)
}

func TestLifecycle_staleClientVersionRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()

	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": AlphaUserEmail,
		"fields":     map[string]string{"email_address": AlphaUserEmail},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)

	linkToken := h.Delivery.LastSecret(t, "token")

	var errResp errorResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":             "verify_email",
		"expected_version": a.Version + 5,
		"payload":          map[string]string{"token": linkToken},
	}, token)
	h.AssertJSON(t, resp, http.StatusConflict, &errResp)
	require.Equal(t, model.ErrVersionConflict, errResp.Error.Code)

	// The matching version is accepted.
	var sr submitResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":             "verify_email",
		"expected_version": a.Version,
		"payload":          map[string]string{"token": linkToken},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)
	require.Equal(t, model.StepVerifyEmailOtp, sr.Attempt.CurrentStep)
}

func TestLifecycle_cancelThenSubmitRejected(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()

	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": AlphaUserEmail,
		"fields":     map[string]string{"email_address": AlphaUserEmail},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)

	resp = h.POST("/v1/attempts/"+a.ID+"/cancel", map[string]any{
		"reason": "user backed out",
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &a)
	require.Equal(t, model.AttemptStatusCancelled, a.Status)

	var errResp errorResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"token": "irrelevant"},
	}, token)
	h.AssertJSON(t, resp, http.StatusConflict, &errResp)
	require.Equal(t, model.ErrAttemptNotPending, errResp.Error.Code)
}

func TestLifecycle_signInExpiry(t *testing.T) {
	h := NewTestHarness(t)
	token := h.AlphaToken()
	sr := completeOtpSignIn(t, h, token)

	signInID := sr.Promotion.SignIn.ID

	var si model.SignIn
	resp := h.POST(fmt.Sprintf("/v1/signins/%s/expire", signInID), nil, token)
	h.AssertJSON(t, resp, http.StatusOK, &si)
	require.True(t, si.Expired)
	require.NotNil(t, si.ExpiredAt)

	// Expiring again is not an error; unknown IDs are.
	resp = h.POST(fmt.Sprintf("/v1/signins/%s/expire", signInID), nil, token)
	h.AssertStatus(t, resp, http.StatusOK)

	var errResp errorResponse
	resp = h.POST("/v1/signins/si_does_not_exist/expire", nil, token)
	h.AssertJSON(t, resp, http.StatusNotFound, &errResp)
	require.Equal(t, model.ErrNotFound, errResp.Error.Code)
}

func TestLifecycle_singleSessionPolicyExpiresPriorSignIn(t *testing.T) {
	h := NewTestHarness(t, WithSessionPolicy(model.SessionPolicySingle))
	token := h.AlphaToken()

	first := completeOtpSignIn(t, h, token)
	second := completeOtpSignIn(t, h, token)

	require.Equal(t, first.Promotion.Session.ID, second.Promotion.Session.ID,
		"same user reuses the session")

	// The first sign-in was displaced by the second.
	active, err := h.SessionStore.ListActiveSignIns(t.Context(), DeploymentAlpha, "user_alpha_1")
	require.NoError(t, err)
	require.Len(t, active, 1, "single-session policy keeps one live sign-in")
	require.Equal(t, second.Promotion.SignIn.ID, active[0].ID)
}

// completeOtpSignIn drives a full OTP sign-in through the HTTP surface
// and returns the final promoting submission.
func completeOtpSignIn(t *testing.T, h *TestHarness, token string) submitResponse {
	t.Helper()

	var a model.Attempt
	resp := h.POST("/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": AlphaUserEmail,
		"fields":     map[string]string{"email_address": AlphaUserEmail},
	}, token)
	h.AssertJSON(t, resp, http.StatusCreated, &a)

	var sr submitResponse
	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"token": h.Delivery.LastSecret(t, "token")},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	resp = h.POST("/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email_otp",
		"payload": map[string]string{"code": h.Delivery.LastSecret(t, "code")},
	}, token)
	h.AssertJSON(t, resp, http.StatusOK, &sr)

	require.NotNil(t, sr.Promotion)
	return sr
}
