package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus enumerates the lifecycle of a single SMS message.
//
// A message is created pending, moves to sent or failed synchronously from
// the dispatch call, and may later move from sent to delivered or failed
// when the provider's delivery receipt arrives. Inbound messages are stored
// as received.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
	MessageReceived  MessageStatus = "received"
)

// statusRank orders outbound statuses by lifecycle progress. Terminal states
// share the top rank: once delivered or failed, a message never moves again.
var statusRank = map[MessageStatus]int{
	MessagePending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageFailed:    2,
}

// Advances reports whether moving from the current status to next is a
// genuine forward transition. Repeated terminal callbacks and out-of-order
// regressions (a "sent" ack arriving after "delivered") both return false,
// which is what makes reconciliation idempotent.
func (s MessageStatus) Advances(next MessageStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// Message is one unit of outbound (or inbound) SMS content. The provider
// message id is the join key for webhook reconciliation and carries a unique
// constraint so that callbacks arriving before the dispatch ack is persisted
// can be resolved by upsert.
type Message struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	CampaignID        *uuid.UUID    `json:"campaign_id,omitempty" db:"campaign_id"`
	TestID            *uuid.UUID    `json:"test_id,omitempty" db:"test_id"`
	VariantID         *uuid.UUID    `json:"variant_id,omitempty" db:"variant_id"`
	ContactID         *uuid.UUID    `json:"contact_id,omitempty" db:"contact_id"`
	Recipient         string        `json:"recipient" db:"recipient"`
	Body              string        `json:"body" db:"body"`
	Status            MessageStatus `json:"status" db:"status"`
	Provider          string        `json:"provider" db:"provider"`
	ProviderMessageID string        `json:"provider_message_id" db:"provider_message_id"`
	Cost              float64       `json:"cost" db:"cost"`
	ErrorDetail       string        `json:"error_detail,omitempty" db:"error_detail"`
	Inbound           bool          `json:"inbound" db:"inbound"`

	SentAt      *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at" db:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at" db:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at" db:"clicked_at"`
	RepliedAt   *time.Time `json:"replied_at" db:"replied_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}
