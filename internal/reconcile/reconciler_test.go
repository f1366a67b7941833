package reconcile

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/domain"
	"github.com/ignite/textpulse/internal/provider"
)

func TestMapStatus(t *testing.T) {
	cases := []struct {
		kind provider.Kind
		raw  string
		want domain.MessageStatus
	}{
		{provider.KindTwilio, "delivered", domain.MessageDelivered},
		{provider.KindTwilio, "DELIVERED", domain.MessageDelivered},
		{provider.KindTwilio, " sent ", domain.MessageSent},
		{provider.KindTwilio, "undelivered", domain.MessageFailed},
		{provider.KindTwilio, "queued", domain.MessagePending},
		{provider.KindVonage, "submitted", domain.MessageSent},
		{provider.KindVonage, "expired", domain.MessageFailed},
		{provider.KindSNS, "success", domain.MessageDelivered},
		{provider.KindSNS, "failure", domain.MessageFailed},
		// Unknown vocabulary must not advance the message
		{provider.KindTwilio, "carrier_weirdness", domain.MessagePending},
		{provider.Kind("unknown"), "delivered", domain.MessagePending},
	}
	for _, c := range cases {
		if got := MapStatus(DefaultStatusMaps, c.kind, c.raw); got != c.want {
			t.Errorf("MapStatus(%s, %q) = %s, want %s", c.kind, c.raw, got, c.want)
		}
	}
}

func TestMergeOverrides(t *testing.T) {
	merged := MergeOverrides(map[provider.Kind]map[string]string{
		provider.KindTwilio: {"Canceled": "failed"},
	})

	if got := MapStatus(merged, provider.KindTwilio, "canceled"); got != domain.MessageFailed {
		t.Errorf("override not applied: got %s", got)
	}
	// Defaults survive alongside overrides
	if got := MapStatus(merged, provider.KindTwilio, "delivered"); got != domain.MessageDelivered {
		t.Errorf("default lost after override: got %s", got)
	}
	// The package-level defaults must not be mutated
	if _, ok := DefaultStatusMaps[provider.KindTwilio]["canceled"]; ok {
		t.Error("MergeOverrides mutated DefaultStatusMaps")
	}
}

// Transition idempotence: replaying any callback sequence in any order can
// only ever move a message forward, and repeats are no-ops.
func TestTransitionSequences(t *testing.T) {
	apply := func(statuses ...domain.MessageStatus) domain.MessageStatus {
		current := domain.MessagePending
		for _, s := range statuses {
			if current.Advances(s) {
				current = s
			}
		}
		return current
	}

	if got := apply(domain.MessageSent, domain.MessageDelivered); got != domain.MessageDelivered {
		t.Errorf("in-order sequence = %s", got)
	}
	// Out of order: delivered report beats the sent ack
	if got := apply(domain.MessageDelivered, domain.MessageSent); got != domain.MessageDelivered {
		t.Errorf("out-of-order sequence regressed to %s", got)
	}
	// Replay of a terminal state
	if got := apply(domain.MessageDelivered, domain.MessageDelivered); got != domain.MessageDelivered {
		t.Errorf("replay changed state to %s", got)
	}
	// Terminal states never flip between each other
	if got := apply(domain.MessageFailed, domain.MessageDelivered); got != domain.MessageFailed {
		t.Errorf("failed flipped to %s", got)
	}
	if got := apply(domain.MessageDelivered, domain.MessageFailed); got != domain.MessageDelivered {
		t.Errorf("delivered flipped to %s", got)
	}
}

func TestReconciler_Apply_GenuineTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	msgID := uuid.New()
	campaignID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, campaign_id::text, variant_id::text")).
		WithArgs("SM123", "twilio").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "campaign_id", "variant_id"}).
			AddRow(msgID.String(), "sent", campaignID.String(), nil))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Campaign recount under the PG advisory lock fallback
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns c SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET status = 'sent'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := NewReconciler(db, nil, nil, time.Second)
	err = r.Apply(context.Background(), Event{
		Provider:          provider.KindTwilio,
		ProviderMessageID: "SM123",
		Status:            "delivered",
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconciler_Apply_Replay(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, campaign_id::text, variant_id::text")).
		WithArgs("SM123", "twilio").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "campaign_id", "variant_id"}).
			AddRow(msgID.String(), "delivered", nil, nil))
	mock.ExpectCommit()

	r := NewReconciler(db, nil, nil, time.Second)
	err = r.Apply(context.Background(), Event{
		Provider:          provider.KindTwilio,
		ProviderMessageID: "SM123",
		Status:            "delivered",
	})
	if err != nil {
		t.Fatalf("replayed Apply() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("replay must not touch the row: %v", err)
	}
}

func TestReconciler_Apply_MissCreatesStub(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, campaign_id::text, variant_id::text")).
		WithArgs("SM404", "twilio").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "campaign_id", "variant_id"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := NewReconciler(db, nil, nil, time.Second)
	err = r.Apply(context.Background(), Event{
		Provider:          provider.KindTwilio,
		ProviderMessageID: "SM404",
		Status:            "delivered",
	})
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconciler_Apply_EmptyProviderID(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer db.Close()

	r := NewReconciler(db, nil, nil, time.Second)
	err := r.Apply(context.Background(), Event{Provider: provider.KindTwilio})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}
