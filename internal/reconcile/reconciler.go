// Package reconcile ingests gateway delivery reports and keeps message rows
// and campaign counters consistent with what the carrier actually did.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/pkg/distlock"
	"github.com/ignite/textpulse/internal/pkg/logger"
	"github.com/ignite/textpulse/internal/provider"
)

// Event is a normalized delivery report from any gateway.
type Event struct {
	Provider          provider.Kind
	ProviderMessageID string
	Status            string // raw gateway vocabulary
	ErrorDetail       string
	OccurredAt        time.Time
}

// EngagementKind names a post-delivery contact action.
type EngagementKind string

const (
	EngagementOpened  EngagementKind = "opened"
	EngagementClicked EngagementKind = "clicked"
	EngagementReplied EngagementKind = "replied"
)

// Reconciler applies delivery reports to message rows. Status transitions
// only move forward, so replayed and out-of-order callbacks are no-ops.
// Campaign and variant counters are always re-derived from message rows
// rather than incremented, which makes the whole pipeline idempotent.
type Reconciler struct {
	db          *sql.DB
	redisClient *redis.Client
	statusMaps  map[provider.Kind]StatusMap
	lockTTL     time.Duration
}

// NewReconciler creates a reconciler. redisClient may be nil; counter
// recomputation then serializes on PostgreSQL advisory locks.
func NewReconciler(db *sql.DB, redisClient *redis.Client, overrides map[provider.Kind]map[string]string, lockTTL time.Duration) *Reconciler {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Reconciler{
		db:          db,
		redisClient: redisClient,
		statusMaps:  MergeOverrides(overrides),
		lockTTL:     lockTTL,
	}
}

// Apply records a delivery report. Unknown provider message IDs get a stub
// row so a late-arriving send acknowledgment can still claim the report;
// the miss is logged for operator visibility.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	if ev.ProviderMessageID == "" {
		return &domain.ValidationError{Field: "provider_message_id", Reason: "must not be empty"}
	}

	mapped := MapStatus(r.statusMaps, ev.Provider, ev.Status)
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	var (
		msgID      uuid.UUID
		current    domain.MessageStatus
		campaignID sql.NullString
		variantID  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, campaign_id::text, variant_id::text
		FROM messages
		WHERE provider_message_id = $1 AND provider = $2
		FOR UPDATE
	`, ev.ProviderMessageID, string(ev.Provider)).Scan(&msgID, &current, &campaignID, &variantID)

	if err == sql.ErrNoRows {
		// Callback raced ahead of the send acknowledgment. Insert a stub
		// keyed by the provider message ID; the sender's upsert merges into it.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, provider, provider_message_id, status, error_detail, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW(), NOW())
			ON CONFLICT (provider, provider_message_id) WHERE provider_message_id IS NOT NULL DO NOTHING
		`, uuid.New(), string(ev.Provider), ev.ProviderMessageID, string(mapped), ev.ErrorDetail)
		if err != nil {
			return fmt.Errorf("insert stub message: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		log.Printf("[Reconciler] Miss: no message for %s id %s, stub row created (status=%s)",
			ev.Provider, ev.ProviderMessageID, mapped)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup message by provider id: %w", err)
	}

	if !current.Advances(mapped) {
		// Replay or out-of-order report
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET
			status = $2,
			error_detail = COALESCE(NULLIF($3, ''), error_detail),
			sent_at = CASE WHEN $2 IN ('sent', 'delivered') THEN COALESCE(sent_at, $4) ELSE sent_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN COALESCE(delivered_at, $4) ELSE delivered_at END,
			updated_at = NOW()
		WHERE id = $1
	`, msgID, string(mapped), ev.ErrorDetail, occurredAt)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if campaignID.Valid {
		if err := r.RecomputeCampaign(ctx, uuid.MustParse(campaignID.String)); err != nil {
			log.Printf("[Reconciler] Campaign recount failed for %s: %v", campaignID.String, err)
		}
	}
	if variantID.Valid {
		if err := r.RecomputeVariant(ctx, uuid.MustParse(variantID.String)); err != nil {
			log.Printf("[Reconciler] Variant recount failed for %s: %v", variantID.String, err)
		}
	}
	return nil
}

// ApplyEngagement records a post-delivery contact action keyed by provider
// message ID. The first event of each kind wins; replays are no-ops.
func (r *Reconciler) ApplyEngagement(ctx context.Context, kind EngagementKind, providerKind provider.Kind, providerMessageID string, occurredAt time.Time) error {
	var column string
	switch kind {
	case EngagementOpened:
		column = "opened_at"
	case EngagementClicked:
		column = "clicked_at"
	case EngagementReplied:
		column = "replied_at"
	default:
		return &domain.ValidationError{Field: "engagement", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	var variantID sql.NullString
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE messages SET %s = $3, updated_at = NOW()
		WHERE provider_message_id = $1 AND provider = $2 AND %s IS NULL
		RETURNING variant_id::text
	`, column, column), providerMessageID, string(providerKind), occurredAt).Scan(&variantID)
	if err == sql.ErrNoRows {
		// Unknown message or a repeat event
		return nil
	}
	if err != nil {
		return fmt.Errorf("record %s engagement: %w", kind, err)
	}

	if variantID.Valid {
		if err := r.RecomputeVariant(ctx, uuid.MustParse(variantID.String)); err != nil {
			log.Printf("[Reconciler] Variant recount failed for %s: %v", variantID.String, err)
		}
	}
	return nil
}

// RecordInboundReply stores an inbound message from a contact and marks the
// most recent outbound message to that contact as replied.
func (r *Reconciler) RecordInboundReply(ctx context.Context, providerKind provider.Kind, fromPhone, body string, receivedAt time.Time) error {
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, recipient, body, provider, status, inbound, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'received', TRUE, $5, $5)
	`, uuid.New(), fromPhone, body, string(providerKind), receivedAt)
	if err != nil {
		return fmt.Errorf("store inbound message: %w", err)
	}

	var variantID sql.NullString
	err = r.db.QueryRowContext(ctx, `
		UPDATE messages SET replied_at = $2, updated_at = NOW()
		WHERE id = (
			SELECT id FROM messages
			WHERE recipient = $1 AND inbound = FALSE AND replied_at IS NULL
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING variant_id::text
	`, fromPhone, receivedAt).Scan(&variantID)
	if err == sql.ErrNoRows {
		log.Printf("[Reconciler] Inbound reply from %s has no outbound match", logger.RedactPhone(fromPhone))
		return nil
	}
	if err != nil {
		return fmt.Errorf("match inbound reply: %w", err)
	}

	if variantID.Valid {
		if err := r.RecomputeVariant(ctx, uuid.MustParse(variantID.String)); err != nil {
			log.Printf("[Reconciler] Variant recount failed for %s: %v", variantID.String, err)
		}
	}
	return nil
}

// RecomputeCampaign re-derives a campaign's delivery counters from its
// message rows under a distributed lock, then marks the campaign sent once
// every dispatched message has a terminal delivery outcome.
func (r *Reconciler) RecomputeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	lock := distlock.NewLock(r.redisClient, r.db, "recount:campaign:"+campaignID.String(), r.lockTTL)
	ok, err := distlock.AcquireWait(ctx, lock, 10, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire campaign lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("campaign %s recount lock busy", campaignID)
	}
	defer lock.Release(ctx)

	_, err = r.db.ExecContext(ctx, `
		UPDATE campaigns c SET
			dispatched_count = s.dispatched,
			delivered_count = s.delivered,
			failed_count = s.failed,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status <> 'pending') AS dispatched,
				COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM messages
			WHERE campaign_id = $1 AND inbound = FALSE
		) s
		WHERE c.id = $1
	`, campaignID)
	if err != nil {
		return fmt.Errorf("recount campaign %s: %w", campaignID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE campaigns SET status = 'sent', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND status = 'sending'
		  AND dispatched_count > 0
		  AND delivered_count + failed_count >= dispatched_count
	`, campaignID)
	if err != nil {
		return fmt.Errorf("complete campaign %s: %w", campaignID, err)
	}
	return nil
}

// RecomputeVariant re-derives an A/B variant's engagement counters from its
// message rows under a distributed lock.
func (r *Reconciler) RecomputeVariant(ctx context.Context, variantID uuid.UUID) error {
	lock := distlock.NewLock(r.redisClient, r.db, "recount:variant:"+variantID.String(), r.lockTTL)
	ok, err := distlock.AcquireWait(ctx, lock, 10, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire variant lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("variant %s recount lock busy", variantID)
	}
	defer lock.Release(ctx)

	_, err = r.db.ExecContext(ctx, `
		UPDATE ab_variants v SET
			delivered = s.delivered,
			opened = s.opened,
			clicked = s.clicked,
			replied = s.replied
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'delivered') AS delivered,
				COUNT(opened_at) AS opened,
				COUNT(clicked_at) AS clicked,
				COUNT(replied_at) AS replied
			FROM messages
			WHERE variant_id = $1 AND inbound = FALSE
		) s
		WHERE v.id = $1
	`, variantID)
	if err != nil {
		return fmt.Errorf("recount variant %s: %w", variantID, err)
	}

	// Mirror per-contact outcomes onto the assignment rows the analysis reads
	_, err = r.db.ExecContext(ctx, `
		UPDATE ab_assignments a SET
			delivered = (m.status = 'delivered'),
			opened = (m.opened_at IS NOT NULL),
			clicked = (m.clicked_at IS NOT NULL),
			replied = (m.replied_at IS NOT NULL),
			delivered_at = m.delivered_at
		FROM messages m
		WHERE a.variant_id = $1
		  AND m.variant_id = a.variant_id
		  AND m.contact_id = a.contact_id
		  AND m.inbound = FALSE
	`, variantID)
	if err != nil {
		return fmt.Errorf("sync assignments for variant %s: %w", variantID, err)
	}
	return nil
}
