package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/abtest"
	"github.com/ignite/textpulse/internal/campaign"
	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/reconcile"
)

// Handlers bundles the services the HTTP layer fronts.
type Handlers struct {
	engine        *abtest.Engine
	testStore     *abtest.SQLStore
	campaignStore *campaign.Store
	orchestrator  *campaign.Orchestrator
	reconciler    *reconcile.Reconciler
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "textpulse",
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto HTTP statuses. Internal details of
// unexpected errors stay out of the response body.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr *domain.ValidationError
		serr *domain.InsufficientSampleError
		terr *domain.InvalidStateTransitionError
		derr *domain.InsufficientDataError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": verr.Error()})
	case errors.As(err, &serr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": serr.Error()})
	case errors.As(err, &derr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"error": derr.Error()})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": terr.Error()})
	default:
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// userID extracts the caller identity set by requireUser.
func userID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-User-ID"))
	return id, err == nil
}
