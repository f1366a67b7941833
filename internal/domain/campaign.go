package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates the lifecycle states of an SMS campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignPaused    CampaignStatus = "paused"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign represents a bulk SMS campaign with its content and delivery stats.
// Aggregate counts are derived values: the reconciler recomputes them from
// message rows, they are never incremented in place.
type Campaign struct {
	ID       uuid.UUID      `json:"id" db:"id"`
	UserID   uuid.UUID      `json:"user_id" db:"user_id"`
	Name     string         `json:"name" db:"name"`
	Body     string         `json:"body" db:"body"`
	SenderID string         `json:"sender_id" db:"sender_id"`
	Status   CampaignStatus `json:"status" db:"status"`

	// Stats (read-only, recomputed from messages)
	TotalRecipients int `json:"total_recipients" db:"total_recipients"`
	DispatchedCount int `json:"dispatched_count" db:"dispatched_count"`
	DeliveredCount  int `json:"delivered_count" db:"delivered_count"`
	FailedCount     int `json:"failed_count" db:"failed_count"`

	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// Contact is a recipient supplied by the contact-management collaborator.
// Only the fields the send pipeline needs are carried here.
type Contact struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Phone     string    `json:"phone" db:"phone"`
	FirstName string    `json:"first_name" db:"first_name"`
	LastName  string    `json:"last_name" db:"last_name"`
}
