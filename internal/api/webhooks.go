package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/pkg/logger"
	"github.com/ignite/textpulse/internal/provider"
	"github.com/ignite/textpulse/internal/reconcile"
)

// Webhook handlers always answer 200 once the payload parses. Gateways
// retry on non-2xx, and a replayed callback is a no-op in the reconciler,
// so swallowing processing errors here is safe while a 500 would cause a
// retry storm.

// TwilioStatusWebhook handles POST /webhooks/twilio/status
// Twilio posts form-encoded status callbacks per message.
func (h *Handlers) TwilioStatusWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error":"invalid form body"}`, http.StatusBadRequest)
		return
	}

	ev := reconcile.Event{
		Provider:          provider.KindTwilio,
		ProviderMessageID: r.PostFormValue("MessageSid"),
		Status:            r.PostFormValue("MessageStatus"),
		ErrorDetail:       r.PostFormValue("ErrorMessage"),
	}
	if ev.ProviderMessageID == "" {
		http.Error(w, `{"error":"missing MessageSid"}`, http.StatusBadRequest)
		return
	}

	if err := h.reconciler.Apply(r.Context(), ev); err != nil {
		log.Printf("[Webhook] Twilio status %s for %s not applied: %v", ev.Status, ev.ProviderMessageID, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// TwilioInboundWebhook handles POST /webhooks/twilio/inbound
// STOP replies opt the contact out; everything else is recorded as an
// inbound reply and counted toward the replied conversion metric.
func (h *Handlers) TwilioInboundWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, `{"error":"invalid form body"}`, http.StatusBadRequest)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" {
		http.Error(w, `{"error":"missing From"}`, http.StatusBadRequest)
		return
	}
	if normalized, ok := provider.NormalizePhone(from); ok {
		from = normalized
	}

	if isOptOut(body) {
		if err := h.campaignStore.OptOut(r.Context(), from); err != nil {
			log.Printf("[Webhook] Opt-out for %s failed: %v", logger.RedactPhone(from), err)
		} else {
			log.Printf("[Webhook] Contact %s opted out", logger.RedactPhone(from))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
		return
	}

	if err := h.reconciler.RecordInboundReply(r.Context(), provider.KindTwilio, from, body, time.Now()); err != nil {
		log.Printf("[Webhook] Inbound reply from %s not recorded: %v", logger.RedactPhone(from), err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// vonageStatusPayload is Vonage's JSON delivery receipt.
type vonageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ErrorCode string `json:"error-code,omitempty"`
	Timestamp string `json:"message-timestamp,omitempty"`
}

// VonageStatusWebhook handles POST /webhooks/vonage/status
func (h *Handlers) VonageStatusWebhook(w http.ResponseWriter, r *http.Request) {
	var payload vonageStatusPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if payload.MessageID == "" {
		http.Error(w, `{"error":"missing messageId"}`, http.StatusBadRequest)
		return
	}

	ev := reconcile.Event{
		Provider:          provider.KindVonage,
		ProviderMessageID: payload.MessageID,
		Status:            payload.Status,
		ErrorDetail:       payload.ErrorCode,
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", payload.Timestamp); err == nil {
		ev.OccurredAt = ts
	}

	if err := h.reconciler.Apply(r.Context(), ev); err != nil {
		log.Printf("[Webhook] Vonage status %s for %s not applied: %v", payload.Status, payload.MessageID, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// deliveryReportPayload is the provider-agnostic report shape, used by the
// SNS delivery log forwarder and by internal tooling.
type deliveryReportPayload struct {
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"provider_message_id"`
	Status            string     `json:"status"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty"`
}

// GenericDeliveryWebhook handles POST /webhooks/delivery-report
func (h *Handlers) GenericDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var payload deliveryReportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	kind := provider.Kind(payload.Provider)
	if !provider.ValidKind(kind) {
		http.Error(w, `{"error":"unknown provider"}`, http.StatusBadRequest)
		return
	}

	ev := reconcile.Event{
		Provider:          kind,
		ProviderMessageID: payload.ProviderMessageID,
		Status:            payload.Status,
		ErrorDetail:       payload.ErrorDetail,
	}
	if payload.OccurredAt != nil {
		ev.OccurredAt = *payload.OccurredAt
	}

	if err := h.reconciler.Apply(r.Context(), ev); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, err)
			return
		}
		log.Printf("[Webhook] Delivery report %s/%s not applied: %v", payload.Provider, payload.ProviderMessageID, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// engagementPayload reports a post-delivery contact action tied back to a
// message by the gateway's message id.
type engagementPayload struct {
	Kind              string     `json:"kind"`
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"provider_message_id"`
	OccurredAt        *time.Time `json:"occurred_at,omitempty"`
}

// EngagementWebhook handles POST /webhooks/engagement
func (h *Handlers) EngagementWebhook(w http.ResponseWriter, r *http.Request) {
	var payload engagementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if payload.ProviderMessageID == "" {
		http.Error(w, `{"error":"missing provider_message_id"}`, http.StatusBadRequest)
		return
	}

	occurredAt := time.Now()
	if payload.OccurredAt != nil {
		occurredAt = *payload.OccurredAt
	}

	err := h.reconciler.ApplyEngagement(r.Context(),
		reconcile.EngagementKind(payload.Kind),
		provider.Kind(payload.Provider),
		payload.ProviderMessageID,
		occurredAt)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, err)
			return
		}
		log.Printf("[Webhook] Engagement %s for %s not applied: %v", payload.Kind, payload.ProviderMessageID, err)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

// isOptOut matches the carrier-mandated stop keywords.
func isOptOut(body string) bool {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT":
		return true
	}
	return false
}
