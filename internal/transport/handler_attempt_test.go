package transport

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/veltis/authflow/internal/attempt"
	"github.com/veltis/authflow/model"
)

type submitResponse struct {
	Attempt   model.Attempt            `json:"attempt"`
	Promotion *attempt.PromotionResult `json:"promotion"`
}

func TestHandleAttempt_lifecycle(t *testing.T) {
	deps, dispatcher := testDeps(t)
	r := NewRouter(deps)

	// Start a sign-in attempt.
	w := postJSON(t, r, "/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": "ada@example.com",
		"fields":     map[string]string{"email_address": "ada@example.com"},
	})
	if w.Code != 201 {
		t.Fatalf("start status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var a model.Attempt
	if err := json.NewDecoder(w.Body).Decode(&a); err != nil {
		t.Fatalf("decode attempt: %v", err)
	}
	if a.CurrentStep != model.StepVerifyEmail {
		t.Fatalf("CurrentStep = %s, want verify_email", a.CurrentStep)
	}

	// The challenge carrying the link token went out at creation.
	msg, ok := dispatcher.Last()
	if !ok {
		t.Fatal("no challenge dispatched")
	}
	token := msg.Data["token"]

	// First step.
	w = postJSON(t, r, "/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email",
		"payload": map[string]string{"token": token},
	})
	if w.Code != 200 {
		t.Fatalf("submit status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var sr submitResponse
	if err := json.NewDecoder(w.Body).Decode(&sr); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if sr.Promotion != nil {
		t.Fatal("promotion before the plan is done")
	}
	if sr.Attempt.CurrentStep != model.StepVerifyEmailOtp {
		t.Fatalf("CurrentStep = %s, want verify_email_otp", sr.Attempt.CurrentStep)
	}

	// Second step with the freshly dispatched code completes the flow.
	msg, _ = dispatcher.Last()
	w = postJSON(t, r, "/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email_otp",
		"payload": map[string]string{"code": msg.Data["code"]},
	})
	if w.Code != 200 {
		t.Fatalf("final submit status = %d, want 200: %s", w.Code, w.Body.String())
	}
	sr = submitResponse{}
	if err := json.NewDecoder(w.Body).Decode(&sr); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if sr.Promotion == nil {
		t.Fatal("expected promotion on completion")
	}
	if sr.Promotion.SignIn.Expired {
		t.Error("freshly promoted sign-in should not be expired")
	}

	// Read projection includes history.
	req := httptest.NewRequest("GET", "/v1/attempts/"+a.ID, nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, req)
	if getW.Code != 200 {
		t.Fatalf("get status = %d, want 200", getW.Code)
	}
	var desc attempt.Descriptor
	if err := json.NewDecoder(getW.Body).Decode(&desc); err != nil {
		t.Fatalf("decode descriptor: %v", err)
	}
	if desc.Status != model.AttemptStatusComplete {
		t.Errorf("Descriptor.Status = %s, want complete", desc.Status)
	}
	if len(desc.History) == 0 {
		t.Error("expected audit history")
	}

	// The promoted sign-in can be expired over the API.
	w = postJSON(t, r, "/v1/signins/"+sr.Promotion.SignIn.ID+"/expire", map[string]any{})
	if w.Code != 200 {
		t.Fatalf("expire status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var si model.SignIn
	if err := json.NewDecoder(w.Body).Decode(&si); err != nil {
		t.Fatalf("decode sign-in: %v", err)
	}
	if !si.Expired {
		t.Error("sign-in should be expired after the expire call")
	}
}

func TestHandleAttempt_errorMapping(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	// Unknown flow type maps to 422.
	w := postJSON(t, r, "/v1/attempts", map[string]any{
		"flow_type":  "password_change",
		"identifier": "ada@example.com",
	})
	if w.Code != 422 {
		t.Errorf("unknown flow status = %d, want 422", w.Code)
	}

	// Unknown attempt maps to 404.
	req := httptest.NewRequest("GET", "/v1/attempts/att-missing", nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, req)
	if getW.Code != 404 {
		t.Errorf("unknown attempt status = %d, want 404", getW.Code)
	}

	// Malformed JSON maps to 400.
	req = httptest.NewRequest("POST", "/v1/attempts", nil)
	postW := httptest.NewRecorder()
	r.ServeHTTP(postW, req)
	if postW.Code != 400 {
		t.Errorf("empty body status = %d, want 400", postW.Code)
	}

	// Missing step maps to 400.
	w = postJSON(t, r, "/v1/attempts/att-1/steps", map[string]any{
		"payload": map[string]string{"code": "123456"},
	})
	if w.Code != 400 {
		t.Errorf("missing step status = %d, want 400", w.Code)
	}
}

func TestHandleAttempt_stepMismatchIs409(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	w := postJSON(t, r, "/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": "ada@example.com",
		"fields":     map[string]string{"email_address": "ada@example.com"},
	})
	if w.Code != 201 {
		t.Fatalf("start status = %d, want 201", w.Code)
	}
	var a model.Attempt
	json.NewDecoder(w.Body).Decode(&a)

	w = postJSON(t, r, "/v1/attempts/"+a.ID+"/steps", map[string]any{
		"step":    "verify_email_otp",
		"payload": map[string]string{"code": "000000"},
	})
	if w.Code != 409 {
		t.Errorf("out-of-order status = %d, want 409: %s", w.Code, w.Body.String())
	}

	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if body.Error.Code != model.ErrStepMismatch {
		t.Errorf("error code = %s, want STEP_MISMATCH", body.Error.Code)
	}
}

func TestHandleAttempt_cancel(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	w := postJSON(t, r, "/v1/attempts", map[string]any{
		"flow_type":  "sign_in",
		"identifier": "ada@example.com",
		"fields":     map[string]string{"email_address": "ada@example.com"},
	})
	if w.Code != 201 {
		t.Fatalf("start status = %d, want 201", w.Code)
	}
	var a model.Attempt
	json.NewDecoder(w.Body).Decode(&a)

	w = postJSON(t, r, "/v1/attempts/"+a.ID+"/cancel", map[string]any{"reason": "changed my mind"})
	if w.Code != 200 {
		t.Fatalf("cancel status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var cancelled model.Attempt
	json.NewDecoder(w.Body).Decode(&cancelled)
	if cancelled.Status != model.AttemptStatusCancelled {
		t.Errorf("Status = %s, want cancelled", cancelled.Status)
	}
}

func TestHandleSignInExpire_notFound(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewRouter(deps)

	w := postJSON(t, r, "/v1/signins/si-missing/expire", map[string]any{})
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
