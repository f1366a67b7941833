package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/abtest"
	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/provider"
	"github.com/ignite/textpulse/internal/worker"
)

// Recounter is the slice of the reconciler the orchestrator needs after a
// dispatch round.
type Recounter interface {
	RecomputeCampaign(ctx context.Context, campaignID uuid.UUID) error
	RecomputeVariant(ctx context.Context, variantID uuid.UUID) error
}

// Orchestrator drives campaigns and A/B variants through the bulk send
// pipeline: queue rows, claim them in batches, hand them to the gateway,
// persist the outcomes. It deliberately owns no send or statistics logic.
type Orchestrator struct {
	store     *Store
	bulk      *worker.BulkSender
	recounter Recounter

	claimBatch int
	// Consecutive-outage threshold after which a campaign run aborts and
	// flips to paused instead of burning through the whole queue.
	outageThreshold int
}

// NewOrchestrator wires the orchestrator. recounter may be nil in tests.
func NewOrchestrator(store *Store, bulk *worker.BulkSender, recounter Recounter) *Orchestrator {
	return &Orchestrator{
		store:           store,
		bulk:            bulk,
		recounter:       recounter,
		claimBatch:      500,
		outageThreshold: 25,
	}
}

// SendCampaign runs a campaign end to end: queue a message row per eligible
// contact, then claim and dispatch batches until the queue drains. Safe to
// call again after a crash; queueing and claiming are both idempotent.
func (o *Orchestrator) SendCampaign(ctx context.Context, userID, campaignID uuid.UUID) error {
	c, err := o.store.GetCampaign(ctx, userID, campaignID)
	if err != nil {
		return err
	}
	switch c.Status {
	case domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignPaused:
		if err := o.store.UpdateCampaignStatus(ctx, campaignID, c.Status, domain.CampaignSending); err != nil {
			return err
		}
	case domain.CampaignSending:
		// Resuming an interrupted run
	default:
		return &domain.InvalidStateTransitionError{Entity: "campaign", From: string(c.Status), To: string(domain.CampaignSending)}
	}

	contacts, err := o.store.EligibleContacts(ctx, userID)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	if len(contacts) == 0 {
		return &domain.ValidationError{Field: "contacts", Reason: "campaign has no eligible recipients"}
	}

	queued, err := o.store.QueueMessages(ctx, c, contacts)
	if err != nil {
		return fmt.Errorf("queue messages: %w", err)
	}
	log.Printf("[Orchestrator] Campaign %s: queued %d new messages (%d contacts)", campaignID, queued, len(contacts))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := o.store.ClaimPending(ctx, campaignID, o.claimBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		outages, err := o.dispatchBatch(ctx, batch, &dispatchTags{campaignID: &campaignID})
		if err != nil {
			return err
		}
		if outages >= o.outageThreshold {
			log.Printf("[Orchestrator] Campaign %s: %d provider outages in one batch, pausing", campaignID, outages)
			if err := o.store.UpdateCampaignStatus(ctx, campaignID, domain.CampaignSending, domain.CampaignPaused); err != nil {
				return err
			}
			return &provider.OutageError{Provider: o.bulk.Kind(), Err: fmt.Errorf("campaign paused after %d outages", outages)}
		}
	}

	if o.recounter != nil {
		if err := o.recounter.RecomputeCampaign(ctx, campaignID); err != nil {
			log.Printf("[Orchestrator] Campaign recount failed for %s: %v", campaignID, err)
		}
	}
	return nil
}

// dispatchTags carries the foreign keys stamped onto dispatched messages.
type dispatchTags struct {
	campaignID *uuid.UUID
	testID     *uuid.UUID
	variantID  *uuid.UUID
	senderID   string
}

// dispatchBatch hands one claimed batch to the bulk sender and persists
// every outcome. Returns the number of provider outages observed.
func (o *Orchestrator) dispatchBatch(ctx context.Context, batch []PendingMessage, tags *dispatchTags) (int, error) {
	sms := make([]provider.SMS, len(batch))
	for i, m := range batch {
		campaignRef := ""
		if tags.campaignID != nil {
			campaignRef = tags.campaignID.String()
		}
		sms[i] = provider.SMS{
			MessageID:  m.ID,
			Phone:      m.Recipient,
			Body:       m.Body,
			SenderID:   tags.senderID,
			CampaignID: campaignRef,
		}
	}

	result := o.bulk.Send(ctx, sms)

	var unattempted []uuid.UUID
	for i, out := range result.Outcomes {
		m := batch[i]
		switch {
		case out.Result != nil && out.Result.Accepted:
			if err := o.store.MarkDispatched(ctx, m.ID, string(out.Result.Provider), out.Result.ProviderMessageID, out.Result.Cost, out.Result.SentAt); err != nil {
				log.Printf("[Orchestrator] Failed to persist dispatch of %s: %v", m.ID, err)
			}
		case out.Result != nil:
			detail := "gateway rejection"
			if out.Result.Err != nil {
				detail = out.Result.Err.Error()
			}
			if err := o.store.MarkFailed(ctx, m.ID, string(out.Result.Provider), detail); err != nil {
				log.Printf("[Orchestrator] Failed to persist rejection of %s: %v", m.ID, err)
			}
		case out.Err != nil && result.Cancelled && !provider.IsOutage(out.Err):
			// Never attempted; release for the next run
			unattempted = append(unattempted, m.ID)
		case out.Err != nil:
			if err := o.store.MarkFailed(ctx, m.ID, string(o.bulk.Kind()), out.Err.Error()); err != nil {
				log.Printf("[Orchestrator] Failed to persist failure of %s: %v", m.ID, err)
			}
		}
	}
	if err := o.store.ReleaseClaims(ctx, unattempted); err != nil {
		log.Printf("[Orchestrator] Failed to release %d claims: %v", len(unattempted), err)
	}
	return result.Outages, nil
}

// DispatchVariant sends one A/B variant to its pending assignments.
// Satisfies the A/B engine's Dispatcher. Messages carry the test and
// variant ids so delivery reports feed the experiment's counters.
func (o *Orchestrator) DispatchVariant(ctx context.Context, test *domain.ABTest, v *domain.Variant, recipients []abtest.PendingRecipient) error {
	if v.SendAt != nil && time.Now().Before(*v.SendAt) {
		// send_time variants outside their window wait for the scheduler pass
		return nil
	}

	var (
		sms        []provider.SMS
		messageIDs []uuid.UUID
		pending    []abtest.PendingRecipient
	)
	for _, r := range recipients {
		contact := domain.Contact{ID: r.ContactID, Phone: r.Phone, FirstName: r.FirstName}
		body := RenderMergeTags(v.Body, &contact)
		id, status, err := o.store.InsertTestMessage(ctx, uuid.New(), test.ID, v.ID, r.ContactID, r.Phone, body)
		if err != nil {
			return fmt.Errorf("insert test message: %w", err)
		}
		if status != domain.MessagePending {
			// A prior run dispatched this one but crashed before stamping
			// the assignment. Consume it now instead of re-sending.
			o.store.MarkAssignmentSent(ctx, r.AssignmentID, time.Now())
			continue
		}
		sms = append(sms, provider.SMS{
			MessageID: id,
			Phone:     r.Phone,
			Body:      body,
			SenderID:  v.SenderID,
		})
		messageIDs = append(messageIDs, id)
		pending = append(pending, r)
	}
	if len(sms) == 0 {
		return nil
	}

	result := o.bulk.Send(ctx, sms)

	for i, out := range result.Outcomes {
		switch {
		case out.Result != nil && out.Result.Accepted:
			if err := o.store.MarkDispatched(ctx, messageIDs[i], string(out.Result.Provider), out.Result.ProviderMessageID, out.Result.Cost, out.Result.SentAt); err != nil {
				log.Printf("[Orchestrator] Failed to persist dispatch of %s: %v", messageIDs[i], err)
				continue
			}
			if err := o.store.MarkAssignmentSent(ctx, pending[i].AssignmentID, out.Result.SentAt); err != nil {
				log.Printf("[Orchestrator] Failed to stamp assignment %s: %v", pending[i].AssignmentID, err)
			}
		case out.Result != nil:
			detail := "gateway rejection"
			if out.Result.Err != nil {
				detail = out.Result.Err.Error()
			}
			o.store.MarkFailed(ctx, messageIDs[i], string(out.Result.Provider), detail)
			// Rejected sends still consumed the assignment
			o.store.MarkAssignmentSent(ctx, pending[i].AssignmentID, time.Now())
		case out.Err != nil && !result.Cancelled:
			o.store.MarkFailed(ctx, messageIDs[i], string(o.bulk.Kind()), out.Err.Error())
			o.store.MarkAssignmentSent(ctx, pending[i].AssignmentID, time.Now())
		}
		// Cancelled-run leftovers keep a NULL sent_at and go out on resume
	}

	if o.recounter != nil {
		if err := o.recounter.RecomputeVariant(ctx, v.ID); err != nil {
			log.Printf("[Orchestrator] Variant recount failed for %s: %v", v.ID, err)
		}
	}
	log.Printf("[Orchestrator] Variant %s of test %s: %d accepted, %d failed", v.Label, test.ID, result.Accepted, result.Failed)
	return nil
}
