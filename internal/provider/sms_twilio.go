package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/textpulse/internal/pkg/logger"
)

// TwilioSender sends SMS via the Twilio Messages API.
type TwilioSender struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	client     *http.Client
}

// NewTwilioSender creates a sender targeting the Twilio 2010-04-01 API.
func NewTwilioSender(accountSID, authToken, fromNumber string) *TwilioSender {
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    "https://api.twilio.com/2010-04-01",
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Kind identifies this adapter as the Twilio gateway.
func (s *TwilioSender) Kind() Kind { return KindTwilio }

// Send delivers a single SMS through Twilio.
func (s *TwilioSender) Send(ctx context.Context, msg *SMS) (*DispatchResult, error) {
	if s.accountSID == "" || s.authToken == "" {
		return nil, fmt.Errorf("Twilio credentials not configured")
	}

	from := s.fromNumber
	if msg.SenderID != "" {
		from = msg.SenderID
	}

	form := url.Values{}
	form.Set("To", msg.Phone)
	form.Set("From", from)
	form.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", s.baseURL, s.accountSID)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.accountSID, s.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &OutageError{Provider: KindTwilio, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, &OutageError{
			Provider: KindTwilio,
			Err:      fmt.Errorf("Twilio error %d: %s", resp.StatusCode, string(body)),
		}
	}

	if resp.StatusCode >= 400 {
		return &DispatchResult{
			Accepted: false,
			Provider: KindTwilio,
			Err:      fmt.Errorf("Twilio rejected message %d: %s", resp.StatusCode, string(body)),
		}, nil
	}

	var result struct {
		SID   string `json:"sid"`
		Price string `json:"price"`
	}
	json.Unmarshal(body, &result)

	cost := EstimateCost(KindTwilio, msg.Body)
	if result.Price != "" {
		if p, err := strconv.ParseFloat(strings.TrimPrefix(result.Price, "-"), 64); err == nil {
			cost = p
		}
	}

	log.Printf("[Twilio] Sent to %s (sid: %s)", logger.RedactPhone(msg.Phone), result.SID)

	return &DispatchResult{
		Accepted:          true,
		ProviderMessageID: result.SID,
		Provider:          KindTwilio,
		Cost:              cost,
		SentAt:            time.Now(),
	}, nil
}
