package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/provider"
)

// CreateCampaignInput is the request body for creating a campaign.
type CreateCampaignInput struct {
	Name        string     `json:"name"`
	Body        string     `json:"body"`
	SenderID    string     `json:"sender_id,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// CreateCampaign handles POST /api/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	var input CreateCampaignInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if input.Name == "" {
		writeError(w, &domain.ValidationError{Field: "name", Reason: "is required"})
		return
	}
	if input.Body == "" {
		writeError(w, &domain.ValidationError{Field: "body", Reason: "is required"})
		return
	}

	c := &domain.Campaign{
		UserID:   uid,
		Name:     input.Name,
		Body:     input.Body,
		SenderID: input.SenderID,
		Status:   domain.CampaignDraft,
	}
	if input.ScheduledAt != nil {
		if input.ScheduledAt.Before(time.Now()) {
			writeError(w, &domain.ValidationError{Field: "scheduled_at", Reason: "must be in the future"})
			return
		}
		c.Status = domain.CampaignScheduled
		c.ScheduledAt = input.ScheduledAt
	}

	if err := h.campaignStore.CreateCampaign(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCampaigns handles GET /api/campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	campaigns, err := h.campaignStore.ListCampaigns(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// GetCampaign handles GET /api/campaigns/{campaignID}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	uid, campaignID, ok := h.campaignScope(w, r)
	if !ok {
		return
	}

	c, err := h.campaignStore.GetCampaign(r.Context(), uid, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// SendCampaign handles POST /api/campaigns/{campaignID}/send. The send runs
// in the background; delivery state arrives later through the webhooks.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	uid, campaignID, ok := h.campaignScope(w, r)
	if !ok {
		return
	}

	// Validate existence and ownership before accepting the job.
	c, err := h.campaignStore.GetCampaign(r.Context(), uid, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.IsTerminal() {
		writeError(w, &domain.InvalidStateTransitionError{
			Entity: "campaign", From: string(c.Status), To: string(domain.CampaignSending),
		})
		return
	}

	go func() {
		if err := h.orchestrator.SendCampaign(context.Background(), uid, campaignID); err != nil {
			log.Printf("[API] Campaign %s send failed: %v", campaignID, err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaign_id": campaignID,
		"status":      "accepted",
	})
}

// CreateContactInput is the request body for adding a contact.
type CreateContactInput struct {
	Phone     string `json:"phone"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// CreateContact handles POST /api/contacts
func (h *Handlers) CreateContact(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	var input CreateContactInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	phone, ok := provider.NormalizePhone(input.Phone)
	if !ok {
		writeError(w, &domain.ValidationError{Field: "phone", Reason: "is not a valid E.164 number"})
		return
	}

	c := &domain.Contact{
		UserID:    uid,
		Phone:     phone,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	}
	if err := h.campaignStore.CreateContact(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListContacts handles GET /api/contacts
func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	contacts, err := h.campaignStore.ListContacts(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"contacts": contacts,
		"count":    len(contacts),
	})
}

func (h *Handlers) campaignScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	uid, ok := userID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	campaignID, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		http.Error(w, `{"error":"invalid campaign id"}`, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return uid, campaignID, true
}
