package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veltis/authflow/internal/observability"
	"github.com/veltis/authflow/internal/session"
	"github.com/veltis/authflow/model"
)

func handleSignInExpire(binder *session.Binder, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		signInID := chi.URLParam(r, "signinId")

		si, err := binder.ExpireSignInFor(r.Context(), rctx.DeploymentID, signInID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.SignInExpiriesTotal.Inc()
		}
		WriteJSON(w, http.StatusOK, si)
	}
}
