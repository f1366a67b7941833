package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// DueDispatcher is the slice of the A/B engine the scheduler drives.
type DueDispatcher interface {
	DispatchDue(ctx context.Context) error
}

// Scheduler is the background loop that launches scheduled campaigns when
// their time arrives and nudges send_time A/B variants whose window opened.
type Scheduler struct {
	db           *sql.DB
	orchestrator *Orchestrator
	abDispatcher DueDispatcher
	interval     time.Duration
}

// NewScheduler creates a scheduler ticking at the given interval.
func NewScheduler(db *sql.DB, orchestrator *Orchestrator, abDispatcher DueDispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		db:           db,
		orchestrator: orchestrator,
		abDispatcher: abDispatcher,
		interval:     interval,
	}
}

// Run blocks until ctx is done, processing due work every tick.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Started (interval %s)", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.dueCampaigns(ctx)
	if err != nil {
		log.Printf("[Scheduler] Failed to list due campaigns: %v", err)
	}
	for _, d := range due {
		if err := s.orchestrator.SendCampaign(ctx, d.userID, d.campaignID); err != nil {
			log.Printf("[Scheduler] Scheduled campaign %s failed: %v", d.campaignID, err)
		}
	}

	if s.abDispatcher != nil {
		if err := s.abDispatcher.DispatchDue(ctx); err != nil {
			log.Printf("[Scheduler] A/B due pass failed: %v", err)
		}
	}
}

type dueCampaign struct {
	campaignID uuid.UUID
	userID     uuid.UUID
}

func (s *Scheduler) dueCampaigns(ctx context.Context) ([]dueCampaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= NOW()
		ORDER BY scheduled_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	defer rows.Close()

	var out []dueCampaign
	for rows.Next() {
		var d dueCampaign
		if err := rows.Scan(&d.campaignID, &d.userID); err != nil {
			return nil, fmt.Errorf("scan due campaign: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
