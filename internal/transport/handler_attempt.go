package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/veltis/authflow/internal/attempt"
	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/model"
)

// annotateSpan enriches the request span with attempt identity so traces
// can be joined to the audit trail.
func annotateSpan(r *http.Request, a model.Attempt) {
	trace.SpanFromContext(r.Context()).SetAttributes(
		observability.AttrAttemptID.String(a.ID),
		observability.AttrDeploymentID.String(a.DeploymentID),
		observability.AttrFlowType.String(string(a.FlowType)),
		observability.AttrStep.String(string(a.CurrentStep)),
	)
}

func handleAttemptStart(engine *attempt.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			FlowType     string            `json:"flow_type"`
			Identifier   string            `json:"identifier"`
			Fields       map[string]string `json:"fields"`
			Capabilities []string          `json:"capabilities"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		a, err := engine.Start(r.Context(), rctx, attempt.StartRequest{
			FlowType:     model.FlowType(body.FlowType),
			Identifier:   body.Identifier,
			Fields:       body.Fields,
			Capabilities: body.Capabilities,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		annotateSpan(r, a)
		WriteJSON(w, http.StatusCreated, a)
	}
}

func handleAttemptGet(engine *attempt.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		attemptID := chi.URLParam(r, "attemptId")

		desc, err := engine.Get(r.Context(), rctx, attemptID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleStepSubmit(engine *attempt.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		attemptID := chi.URLParam(r, "attemptId")

		var body struct {
			Step            string            `json:"step"`
			ExpectedVersion int               `json:"expected_version"`
			Payload         map[string]string `json:"payload"`
			Fields          map[string]string `json:"fields"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Step == "" {
			WriteError(w, model.NewBadRequestError("step is required"))
			return
		}

		a, promo, err := engine.SubmitStep(r.Context(), rctx, attemptID, attempt.SubmitRequest{
			Step:            model.StepKind(body.Step),
			ExpectedVersion: body.ExpectedVersion,
			Payload:         body.Payload,
			Fields:          body.Fields,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		annotateSpan(r, a)
		if promo != nil {
			trace.SpanFromContext(r.Context()).SetAttributes(
				observability.AttrSessionID.String(promo.Session.ID),
				observability.AttrSignInID.String(promo.SignIn.ID),
			)
		}

		resp := struct {
			Attempt   model.Attempt          `json:"attempt"`
			Promotion *attempt.PromotionResult `json:"promotion,omitempty"`
		}{Attempt: a, Promotion: promo}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func handleAttemptCancel(engine *attempt.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		attemptID := chi.URLParam(r, "attemptId")

		var body struct {
			Reason string `json:"reason"`
		}
		// An empty body is fine: cancellation needs no reason.
		_ = json.NewDecoder(r.Body).Decode(&body)

		a, err := engine.Cancel(r.Context(), rctx, attemptID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, a)
	}
}
