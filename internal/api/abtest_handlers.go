package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/abtest"
	"github.com/ignite/textpulse/internal/domain"
)

// CreateTestInput is the request body for creating an A/B test.
type CreateTestInput struct {
	Name              string  `json:"name"`
	Description       string  `json:"description,omitempty"`
	TestType          string  `json:"test_type"`
	TrafficSplit      float64 `json:"traffic_split,omitempty"`
	MinimumSampleSize int     `json:"minimum_sample_size,omitempty"`
	ConfidenceLevel   float64 `json:"confidence_level,omitempty"`
	ConversionMetric  string  `json:"conversion_metric,omitempty"`

	VariantA VariantInput `json:"variant_a"`
	VariantB VariantInput `json:"variant_b"`
}

// VariantInput is one arm's content payload.
type VariantInput struct {
	Body     string     `json:"body,omitempty"`
	SenderID string     `json:"sender_id,omitempty"`
	SendAt   *time.Time `json:"send_at,omitempty"`
}

// CreateTest handles POST /api/ab-tests
func (h *Handlers) CreateTest(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	var input CreateTestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	test, err := h.engine.CreateTest(r.Context(), abtest.CreateParams{
		UserID:            uid,
		Name:              input.Name,
		Description:       input.Description,
		TestType:          domain.TestType(input.TestType),
		TrafficSplit:      input.TrafficSplit,
		MinimumSampleSize: input.MinimumSampleSize,
		ConfidenceLevel:   input.ConfidenceLevel,
		ConversionMetric:  domain.ConversionMetric(input.ConversionMetric),
		VariantA:          abtest.VariantParams{Body: input.VariantA.Body, SenderID: input.VariantA.SenderID, SendAt: input.VariantA.SendAt},
		VariantB:          abtest.VariantParams{Body: input.VariantB.Body, SenderID: input.VariantB.SenderID, SendAt: input.VariantB.SendAt},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

// ListTests handles GET /api/ab-tests?status=running
func (h *Handlers) ListTests(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	tests, err := h.testStore.ListTests(r.Context(), uid, r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tests": tests,
		"count": len(tests),
	})
}

// GetTest handles GET /api/ab-tests/{testID}
func (h *Handlers) GetTest(w http.ResponseWriter, r *http.Request) {
	uid, testID, ok := h.testScope(w, r)
	if !ok {
		return
	}

	test, variants, err := h.testStore.GetTest(r.Context(), uid, testID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"test":     test,
		"variants": variants,
	})
}

// StartTest handles POST /api/ab-tests/{testID}/start
func (h *Handlers) StartTest(w http.ResponseWriter, r *http.Request) {
	h.testAction(w, r, h.engine.Start)
}

// PauseTest handles POST /api/ab-tests/{testID}/pause
func (h *Handlers) PauseTest(w http.ResponseWriter, r *http.Request) {
	h.testAction(w, r, h.engine.Pause)
}

// ResumeTest handles POST /api/ab-tests/{testID}/resume
func (h *Handlers) ResumeTest(w http.ResponseWriter, r *http.Request) {
	h.testAction(w, r, h.engine.Resume)
}

// CancelTest handles POST /api/ab-tests/{testID}/cancel
func (h *Handlers) CancelTest(w http.ResponseWriter, r *http.Request) {
	h.testAction(w, r, h.engine.Cancel)
}

// CompleteTest handles POST /api/ab-tests/{testID}/complete
func (h *Handlers) CompleteTest(w http.ResponseWriter, r *http.Request) {
	h.testAction(w, r, h.engine.Complete)
}

// AnalyzeTest handles POST /api/ab-tests/{testID}/analyze
func (h *Handlers) AnalyzeTest(w http.ResponseWriter, r *http.Request) {
	uid, testID, ok := h.testScope(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Analyze(r.Context(), uid, testID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TestResults handles GET /api/ab-tests/{testID}/results: the analysis
// snapshot time series plus current variant counters.
func (h *Handlers) TestResults(w http.ResponseWriter, r *http.Request) {
	uid, testID, ok := h.testScope(w, r)
	if !ok {
		return
	}

	test, variants, err := h.testStore.GetTest(r.Context(), uid, testID)
	if err != nil {
		writeError(w, err)
		return
	}
	analyses, err := h.testStore.ListAnalyses(r.Context(), testID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"test":     test,
		"variants": variants,
		"timeline": analyses,
	})
}

// TestStats handles GET /api/ab-tests/stats
func (h *Handlers) TestStats(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	stats, err := h.testStore.Stats(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) testScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	testID, err := uuid.Parse(chi.URLParam(r, "testID"))
	if err != nil {
		http.Error(w, `{"error":"invalid test id"}`, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return uid, testID, true
}

func (h *Handlers) testAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID, uuid.UUID) error) {
	uid, testID, ok := h.testScope(w, r)
	if !ok {
		return
	}
	if err := action(r.Context(), uid, testID); err != nil {
		writeError(w, err)
		return
	}
	test, variants, err := h.testStore.GetTest(r.Context(), uid, testID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"test":     test,
		"variants": variants,
	})
}
