package transport

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/veltis/authflow/model"
)

func TestWriteError_statusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"bad request", model.NewBadRequestError("nope"), 400},
		{"unauthorized", model.NewUnauthorizedError("nope"), 401},
		{"not found", model.NewNotFoundError("nope"), 404},
		{"expired", model.NewExpiredError("nope"), 410},
		{"version conflict", model.NewVersionConflictError("nope"), 409},
		{"step mismatch", model.NewStepMismatchError("nope"), 409},
		{"identity conflict", model.NewIdentityConflictError("nope"), 409},
		{"not pending", model.NewAttemptNotPendingError("nope"), 409},
		{"validation failed", model.NewValidationFailedError([]model.FieldError{{Field: "code", Code: "incorrect"}}), 422},
		{"conflicting capabilities", model.NewConflictingCapabilitiesError("nope"), 422},
		{"unsupported flow", model.NewUnsupportedFlowError("nope"), 422},
		{"promotion failed", model.NewPromotionFailedError("nope"), 502},
		{"dispatch unavailable", model.NewDispatchUnavailableError("nope"), 502},
		{"internal", model.NewInternalError(), 500},
		{"plain error", errors.New("boom"), 500},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tc.err)
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewValidationFailedError([]model.FieldError{
		{Field: "code", Code: "incorrect", Message: "The verification code is incorrect"},
	}))

	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrValidationFailed {
		t.Errorf("code = %q, want VALIDATION_FAILED", body.Error.Code)
	}
	if len(body.Error.Details) != 1 || body.Error.Details[0].Field != "code" {
		t.Errorf("details = %+v, want the field error preserved", body.Error.Details)
	}
}

func TestWriteError_plainErrorIsNotLeaked(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("pgx: connection refused at 10.0.0.3"))

	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrInternalError {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Error.Code)
	}
	if body.Error.Message == "pgx: connection refused at 10.0.0.3" {
		t.Error("internal error detail leaked to the client")
	}
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, 201, map[string]string{"id": "att_1"})

	if w.Code != 201 {
		t.Errorf("status = %d, want 201", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["id"] != "att_1" {
		t.Errorf("id = %q, want att_1", body["id"])
	}
}
