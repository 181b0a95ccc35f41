// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the attempt API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veltis/authflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:              http.StatusBadRequest,
	model.ErrUnauthorized:            http.StatusUnauthorized,
	model.ErrNotFound:                http.StatusNotFound,
	model.ErrExpired:                 http.StatusGone,
	model.ErrVersionConflict:         http.StatusConflict,
	model.ErrStepMismatch:            http.StatusConflict,
	model.ErrValidationFailed:        http.StatusUnprocessableEntity,
	model.ErrIdentityConflict:        http.StatusConflict,
	model.ErrConflictingCapabilities: http.StatusUnprocessableEntity,
	model.ErrUnsupportedFlow:         http.StatusUnprocessableEntity,
	model.ErrAttemptNotPending:       http.StatusConflict,
	model.ErrPromotionFailed:         http.StatusBadGateway,
	model.ErrDispatchUnavailable:     http.StatusBadGateway,
	model.ErrInternalError:           http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If no ErrorEnvelope is found in err's chain, a generic
// 500 is returned.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewBadRequestError(msg))
}
