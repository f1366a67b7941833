// Package campaign contains campaign and contact persistence plus the
// orchestrator that drives a campaign through the bulk send pipeline.
package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/textpulse/internal/domain"
)

// Store persists campaigns, contacts and their message rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates the PostgreSQL-backed campaign store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const campaignColumns = `
	id, user_id, name, body, COALESCE(sender_id, ''), status,
	total_recipients, dispatched_count, delivered_count, failed_count,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.Body, &c.SenderID, &c.Status,
		&c.TotalRecipients, &c.DispatchedCount, &c.DeliveredCount, &c.FailedCount,
		&c.ScheduledAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCampaign inserts a draft campaign.
func (s *Store) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, name, body, sender_id, status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NOW(), NOW())
	`, c.ID, c.UserID, c.Name, c.Body, c.SenderID, string(c.Status), c.ScheduledAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign loads a campaign scoped to its owner.
func (s *Store) GetCampaign(ctx context.Context, userID, campaignID uuid.UUID) (*domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1 AND user_id = $2
	`, campaignID, userID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns a user's campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context, userID uuid.UUID) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateCampaignStatus moves a campaign between lifecycle states with a
// guard on the current state.
func (s *Store) UpdateCampaignStatus(ctx context.Context, campaignID uuid.UUID, from, to domain.CampaignStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET
			status = $3,
			started_at = CASE WHEN $3 = 'sending' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('sent', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, campaignID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &domain.InvalidStateTransitionError{Entity: "campaign", From: string(from), To: string(to)}
	}
	return nil
}

// QueueMessages inserts one pending message row per contact and records the
// recipient total. Contacts already queued for this campaign are skipped, so
// a crashed send can be retried without duplicating rows.
func (s *Store) QueueMessages(ctx context.Context, campaign *domain.Campaign, contacts []domain.Contact) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin queue tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, campaign_id, contact_id, recipient, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', NOW(), NOW())
		ON CONFLICT (campaign_id, contact_id) WHERE campaign_id IS NOT NULL DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	queued := 0
	for _, c := range contacts {
		body := RenderMergeTags(campaign.Body, &c)
		res, err := stmt.ExecContext(ctx, uuid.New(), campaign.ID, c.ID, c.Phone, body)
		if err != nil {
			return 0, fmt.Errorf("queue message for contact %s: %w", c.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			queued++
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns SET
			total_recipients = (SELECT COUNT(*) FROM messages WHERE campaign_id = $1 AND inbound = FALSE),
			updated_at = NOW()
		WHERE id = $1
	`, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("update recipient total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return queued, nil
}

// PendingMessage is a claimed row ready for gateway dispatch.
type PendingMessage struct {
	ID        uuid.UUID
	ContactID uuid.UUID
	Recipient string
	Body      string
}

// ClaimPending claims up to limit pending messages of a campaign with
// FOR UPDATE SKIP LOCKED and stamps claimed_at, so concurrent orchestrators
// never grab the same rows. Claims older than five minutes are considered
// abandoned and become claimable again.
func (s *Store) ClaimPending(ctx context.Context, campaignID uuid.UUID, limit int) ([]PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages SET claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM messages
			WHERE campaign_id = $1 AND status = 'pending' AND inbound = FALSE
			  AND (claimed_at IS NULL OR claimed_at < NOW() - INTERVAL '5 minutes')
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, contact_id, recipient, body
	`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending messages: %w", err)
	}
	defer rows.Close()

	var out []PendingMessage
	for rows.Next() {
		var m PendingMessage
		if err := rows.Scan(&m.ID, &m.ContactID, &m.Recipient, &m.Body); err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDispatched records a gateway acceptance. The upsert keyed on
// (provider, provider_message_id) merges into a stub row if the delivery
// callback for this id already arrived, so the earlier status wins.
func (s *Store) MarkDispatched(ctx context.Context, messageID uuid.UUID, providerKind, providerMessageID string, cost float64, sentAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dispatch tx: %w", err)
	}
	defer tx.Rollback()

	var stub struct {
		id          uuid.UUID
		status      string
		errorDetail sql.NullString
		deliveredAt sql.NullTime
	}
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, error_detail, delivered_at FROM messages
		WHERE provider = $1 AND provider_message_id = $2
		FOR UPDATE
	`, providerKind, providerMessageID).Scan(&stub.id, &stub.status, &stub.errorDetail, &stub.deliveredAt)

	if err == nil && stub.id != messageID {
		// A callback beat us here and created a stub. Fold its status into
		// our row and drop the stub.
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, stub.id); err != nil {
			return fmt.Errorf("drop stub message: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET
				status = $2, provider = $3, provider_message_id = $4,
				cost = $5, sent_at = $6, delivered_at = $7,
				error_detail = COALESCE($8, error_detail), updated_at = NOW()
			WHERE id = $1
		`, messageID, stub.status, providerKind, providerMessageID, cost, sentAt, stub.deliveredAt, stub.errorDetail)
		if err != nil {
			return fmt.Errorf("merge stub into message: %w", err)
		}
		return tx.Commit()
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("stub lookup: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET
			status = 'sent', provider = $2, provider_message_id = $3,
			cost = $4, sent_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, messageID, providerKind, providerMessageID, cost, sentAt)
	if err != nil {
		return fmt.Errorf("mark message dispatched: %w", err)
	}
	return tx.Commit()
}

// MarkFailed records a synchronous dispatch failure.
func (s *Store) MarkFailed(ctx context.Context, messageID uuid.UUID, providerKind, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			status = 'failed', provider = $2, error_detail = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, messageID, providerKind, detail)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	return nil
}

// ReleaseClaims returns claimed-but-unattempted messages to the pending
// pool after a cancelled or interrupted run.
func (s *Store) ReleaseClaims(ctx context.Context, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET claimed_at = NULL, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(messageIDs))
	return err
}

// InsertTestMessage ensures a message row for an A/B variant recipient and
// returns the canonical row's id and status. A resumed run that already
// inserted (or even dispatched) the row gets the existing one back instead
// of a duplicate.
func (s *Store) InsertTestMessage(ctx context.Context, messageID, testID, variantID, contactID uuid.UUID, recipient, body string) (uuid.UUID, domain.MessageStatus, error) {
	var (
		id     uuid.UUID
		status domain.MessageStatus
	)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, test_id, variant_id, contact_id, recipient, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW(), NOW())
		ON CONFLICT (variant_id, contact_id) WHERE variant_id IS NOT NULL
			DO UPDATE SET updated_at = NOW()
		RETURNING id, status
	`, messageID, testID, variantID, contactID, recipient, body).Scan(&id, &status)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("insert test message: %w", err)
	}
	return id, status, nil
}

// MarkAssignmentSent stamps an A/B assignment once its message was handed to
// the gateway.
func (s *Store) MarkAssignmentSent(ctx context.Context, assignmentID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ab_assignments SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL
	`, assignmentID, at)
	return err
}

// CreateContact inserts a contact after phone normalization by the caller.
func (s *Store) CreateContact(ctx context.Context, c *domain.Contact) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, user_id, phone, first_name, last_name, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NOW())
		ON CONFLICT (user_id, phone) DO UPDATE SET
			first_name = COALESCE(EXCLUDED.first_name, contacts.first_name),
			last_name = COALESCE(EXCLUDED.last_name, contacts.last_name)
	`, c.ID, c.UserID, c.Phone, c.FirstName, c.LastName)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// EligibleContacts returns a user's sendable contacts. Satisfies the A/B
// engine's ContactSource.
func (s *Store) EligibleContacts(ctx context.Context, userID uuid.UUID) ([]domain.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, phone, COALESCE(first_name, ''), COALESCE(last_name, '')
		FROM contacts
		WHERE user_id = $1 AND opted_out = FALSE
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list eligible contacts: %w", err)
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		if err := rows.Scan(&c.ID, &c.UserID, &c.Phone, &c.FirstName, &c.LastName); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListContacts returns all of a user's contacts, opted-out included, with
// the opt-out flag alongside.
func (s *Store) ListContacts(ctx context.Context, userID uuid.UUID) ([]ContactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, phone, COALESCE(first_name, ''), COALESCE(last_name, ''), opted_out
		FROM contacts
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []ContactRecord
	for rows.Next() {
		var c ContactRecord
		if err := rows.Scan(&c.ID, &c.UserID, &c.Phone, &c.FirstName, &c.LastName, &c.OptedOut); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ContactRecord is a contact plus its opt-out state for listing endpoints.
type ContactRecord struct {
	domain.Contact
	OptedOut bool `json:"opted_out"`
}

// OptOut flags a contact so no further campaign or test reaches them.
func (s *Store) OptOut(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET opted_out = TRUE WHERE phone = $1
	`, phone)
	return err
}
