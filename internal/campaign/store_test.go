package campaign

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/domain"
)

func TestRenderMergeTags(t *testing.T) {
	contact := &domain.Contact{Phone: "+15551234567", FirstName: "Ada", LastName: "Lovelace"}

	cases := []struct {
		body string
		want string
	}{
		{"Hi {first_name}!", "Hi Ada!"},
		{"{first_name} {last_name}", "Ada Lovelace"},
		{"Reply from {phone}", "Reply from +15551234567"},
		{"no tags here", "no tags here"},
		{"unknown {coupon_code} stays", "unknown {coupon_code} stays"},
	}
	for _, c := range cases {
		if got := RenderMergeTags(c.body, contact); got != c.want {
			t.Errorf("RenderMergeTags(%q) = %q, want %q", c.body, got, c.want)
		}
	}

	// Missing fields render as empty, not as the raw tag
	empty := &domain.Contact{Phone: "+15550000000"}
	if got := RenderMergeTags("Hi {first_name}!", empty); got != "Hi !" {
		t.Errorf("empty first name rendered %q", got)
	}
}

func TestStore_GetCampaign_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewStore(db)
	_, err = store.GetCampaign(context.Background(), uuid.New(), uuid.New())
	if err != domain.ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateCampaignStatus_Guarded(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	campaignID := uuid.New()

	// Guard matched: one row updated
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET")).
		WithArgs(campaignID, "draft", "sending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Guard missed: stale state
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET")).
		WithArgs(campaignID, "draft", "sending").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	if err := store.UpdateCampaignStatus(context.Background(), campaignID, domain.CampaignDraft, domain.CampaignSending); err != nil {
		t.Fatalf("guarded update error: %v", err)
	}

	err = store.UpdateCampaignStatus(context.Background(), campaignID, domain.CampaignDraft, domain.CampaignSending)
	if _, ok := err.(*domain.InvalidStateTransitionError); !ok {
		t.Fatalf("stale guard: want InvalidStateTransitionError, got %v", err)
	}
}

func TestStore_MarkDispatched_MergesStub(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	msgID := uuid.New()
	stubID := uuid.New()
	deliveredAt := time.Now()

	mock.ExpectBegin()
	// A webhook stub already holds this provider message id
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, error_detail, delivered_at FROM messages")).
		WithArgs("twilio", "SM999").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "error_detail", "delivered_at"}).
			AddRow(stubID.String(), "delivered", nil, deliveredAt))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM messages WHERE id = $1")).
		WithArgs(stubID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// The stub's delivered status wins over our fresh 'sent'
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	err = store.MarkDispatched(context.Background(), msgID, "twilio", "SM999", 0.0075, time.Now())
	if err != nil {
		t.Fatalf("MarkDispatched() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_MarkDispatched_NoStub(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	msgID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, error_detail, delivered_at FROM messages")).
		WithArgs("twilio", "SM100").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "error_detail", "delivered_at"}))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE messages SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewStore(db)
	err = store.MarkDispatched(context.Background(), msgID, "twilio", "SM100", 0.0075, time.Now())
	if err != nil {
		t.Fatalf("MarkDispatched() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
