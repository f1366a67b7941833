// Package provider contains the SMS gateway adapters.
//
// Adapters are split into individual files:
//   - sms_twilio.go: Twilio Messages API
//   - sms_vonage.go: Vonage SMS API (legacy /sms/json endpoint)
//   - sms_sns.go:    AWS SNS direct-to-phone publish
//   - sms_mock.go:   in-process sender for tests and dry runs
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an SMS gateway.
type Kind string

const (
	KindTwilio Kind = "twilio"
	KindVonage Kind = "vonage"
	KindSNS    Kind = "sns"
	KindMock   Kind = "mock"
)

// ValidKind reports whether k names a known gateway.
func ValidKind(k Kind) bool {
	switch k {
	case KindTwilio, KindVonage, KindSNS, KindMock:
		return true
	}
	return false
}

// SMS is a single outbound message handed to a gateway adapter.
type SMS struct {
	MessageID  uuid.UUID
	Phone      string
	Body       string
	SenderID   string
	CampaignID string
}

// DispatchResult is the gateway's verdict on a single message.
// Accepted=false with a nil transport error means the gateway rejected the
// message itself (bad number, blocked content); that is a message-level
// failure, not a provider outage.
type DispatchResult struct {
	Accepted          bool
	ProviderMessageID string
	Provider          Kind
	Cost              float64
	Err               error
	SentAt            time.Time
}

// SMSSender is the interface every gateway adapter implements.
type SMSSender interface {
	Send(ctx context.Context, msg *SMS) (*DispatchResult, error)
	Kind() Kind
}

// OutageError wraps transport-level failures (timeouts, 5xx, connection
// refused) so callers can distinguish a provider being down from a single
// message being rejected.
type OutageError struct {
	Provider Kind
	Err      error
}

func (e *OutageError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *OutageError) Unwrap() error { return e.Err }

// IsOutage reports whether err indicates the provider itself is unreachable.
func IsOutage(err error) bool {
	var oe *OutageError
	return errors.As(err, &oe)
}
