package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/textpulse/internal/pkg/logger"
)

// VonageSender sends SMS via the Vonage SMS API.
type VonageSender struct {
	apiKey     string
	apiSecret  string
	fromNumber string
	baseURL    string
	client     *http.Client
}

// NewVonageSender creates a sender targeting the Vonage REST endpoint.
func NewVonageSender(apiKey, apiSecret, fromNumber string) *VonageSender {
	return &VonageSender{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		fromNumber: fromNumber,
		baseURL:    "https://rest.nexmo.com",
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Kind identifies this adapter as the Vonage gateway.
func (s *VonageSender) Kind() Kind { return KindVonage }

// Send delivers a single SMS through Vonage.
func (s *VonageSender) Send(ctx context.Context, msg *SMS) (*DispatchResult, error) {
	if s.apiKey == "" || s.apiSecret == "" {
		return nil, fmt.Errorf("Vonage credentials not configured")
	}

	from := s.fromNumber
	if msg.SenderID != "" {
		from = msg.SenderID
	}

	payload := map[string]string{
		"api_key":    s.apiKey,
		"api_secret": s.apiSecret,
		"to":         msg.Phone,
		"from":       from,
		"text":       msg.Body,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/sms/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &OutageError{Provider: KindVonage, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, &OutageError{
			Provider: KindVonage,
			Err:      fmt.Errorf("Vonage error %d: %s", resp.StatusCode, string(body)),
		}
	}

	// Vonage returns 200 even for rejected messages; per-message status
	// carries the real verdict ("0" means accepted).
	var result struct {
		Messages []struct {
			Status       string `json:"status"`
			MessageID    string `json:"message-id"`
			MessagePrice string `json:"message-price"`
			ErrorText    string `json:"error-text"`
		} `json:"messages"`
	}
	json.Unmarshal(body, &result)

	if len(result.Messages) == 0 {
		return nil, &OutageError{
			Provider: KindVonage,
			Err:      fmt.Errorf("Vonage returned empty messages array"),
		}
	}

	m := result.Messages[0]
	if m.Status != "0" {
		return &DispatchResult{
			Accepted: false,
			Provider: KindVonage,
			Err:      fmt.Errorf("Vonage rejected message (status %s): %s", m.Status, m.ErrorText),
		}, nil
	}

	cost := EstimateCost(KindVonage, msg.Body)
	if p, err := strconv.ParseFloat(m.MessagePrice, 64); err == nil && p > 0 {
		cost = p
	}

	log.Printf("[Vonage] Sent to %s (id: %s)", logger.RedactPhone(msg.Phone), m.MessageID)

	return &DispatchResult{
		Accepted:          true,
		ProviderMessageID: m.MessageID,
		Provider:          KindVonage,
		Cost:              cost,
		SentAt:            time.Now(),
	}, nil
}
