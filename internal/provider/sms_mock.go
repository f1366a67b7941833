package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockSender is an in-process sender used for tests and dry runs. It records
// every message it receives and can be configured to reject or fail.
type MockSender struct {
	mu      sync.Mutex
	sent    []SMS
	Reject  bool  // gateway rejects each message
	FailErr error // transport failure returned as an outage
	Delay   time.Duration
}

// NewMockSender creates a mock gateway that accepts everything.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Kind identifies this adapter as the mock gateway.
func (s *MockSender) Kind() Kind { return KindMock }

// Send records the message and returns a synthetic result.
func (s *MockSender) Send(ctx context.Context, msg *SMS) (*DispatchResult, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &OutageError{Provider: KindMock, Err: ctx.Err()}
		case <-time.After(s.Delay):
		}
	}

	if s.FailErr != nil {
		return nil, &OutageError{Provider: KindMock, Err: s.FailErr}
	}

	s.mu.Lock()
	s.sent = append(s.sent, *msg)
	s.mu.Unlock()

	if s.Reject {
		return &DispatchResult{
			Accepted: false,
			Provider: KindMock,
			Err:      fmt.Errorf("mock rejection"),
		}, nil
	}

	return &DispatchResult{
		Accepted:          true,
		ProviderMessageID: "mock-" + uuid.New().String(),
		Provider:          KindMock,
		SentAt:            time.Now(),
	}, nil
}

// Sent returns a copy of all recorded messages.
func (s *MockSender) Sent() []SMS {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SMS, len(s.sent))
	copy(out, s.sent)
	return out
}
