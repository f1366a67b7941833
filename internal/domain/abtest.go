package domain

import (
	"time"

	"github.com/google/uuid"
)

// TestStatus enumerates the lifecycle states of an A/B test.
type TestStatus string

const (
	TestDraft     TestStatus = "draft"
	TestRunning   TestStatus = "running"
	TestPaused    TestStatus = "paused"
	TestCompleted TestStatus = "completed"
	TestCancelled TestStatus = "cancelled"
)

// testTransitions is the closed set of legal lifecycle moves. Everything
// not listed is rejected with InvalidStateTransitionError.
var testTransitions = map[TestStatus][]TestStatus{
	TestDraft:   {TestRunning, TestCancelled},
	TestRunning: {TestPaused, TestCompleted, TestCancelled},
	TestPaused:  {TestRunning},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition.
func (s TestStatus) CanTransition(next TestStatus) bool {
	for _, t := range testTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TestType enumerates what dimension of the message the two variants differ on.
type TestType string

const (
	TestTypeContent     TestType = "message_content"
	TestTypeSendTime    TestType = "send_time"
	TestTypeSenderID    TestType = "sender_id"
	TestTypeSubjectLine TestType = "subject_line"
)

// ValidTestType reports whether t is a known test type.
func ValidTestType(t TestType) bool {
	switch t {
	case TestTypeContent, TestTypeSendTime, TestTypeSenderID, TestTypeSubjectLine:
		return true
	}
	return false
}

// ConversionMetric selects which success event feeds the significance test.
type ConversionMetric string

const (
	MetricDelivered ConversionMetric = "delivered"
	MetricOpened    ConversionMetric = "opened"
	MetricClicked   ConversionMetric = "clicked"
	MetricReplied   ConversionMetric = "replied"
)

// ValidConversionMetric reports whether m is a known conversion metric.
func ValidConversionMetric(m ConversionMetric) bool {
	switch m {
	case MetricDelivered, MetricOpened, MetricClicked, MetricReplied:
		return true
	}
	return false
}

// ABTest is an experiment comparing exactly two message variants over a
// randomly partitioned recipient population.
//
// The cached counter columns mirror the per-variant slices and are only
// written by the reconciler's recompute path; traffic_split is strictly
// between 0 and 1.
type ABTest struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description,omitempty" db:"description"`
	TestType    TestType   `json:"test_type" db:"test_type"`
	Status      TestStatus `json:"status" db:"status"`

	TrafficSplit      float64          `json:"traffic_split" db:"traffic_split"`
	MinimumSampleSize int              `json:"minimum_sample_size" db:"minimum_sample_size"`
	ConfidenceLevel   float64          `json:"confidence_level" db:"confidence_level"`
	ConversionMetric  ConversionMetric `json:"conversion_metric" db:"conversion_metric"`

	// Cached analysis results for fast reads; the authoritative record is
	// the AnalysisResult snapshot series.
	StatisticalSignificance *float64 `json:"statistical_significance,omitempty" db:"statistical_significance"`
	WinnerVariant           string   `json:"winner_variant,omitempty" db:"winner_variant"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Variant is one arm of an A/B test. The content payload fields are
// interpreted per the parent test's type.
type Variant struct {
	ID       uuid.UUID `json:"id" db:"id"`
	TestID   uuid.UUID `json:"test_id" db:"test_id"`
	Label    string    `json:"label" db:"label"` // "A" or "B"
	Body     string    `json:"body,omitempty" db:"body"`
	SenderID string    `json:"sender_id,omitempty" db:"sender_id"`

	SendAt *time.Time `json:"send_at,omitempty" db:"send_at"`

	// Derived counters, recomputed from assignment/message rows.
	Recipients int `json:"recipients" db:"recipients"`
	Delivered  int `json:"delivered" db:"delivered"`
	Opened     int `json:"opened" db:"opened"`
	Clicked    int `json:"clicked" db:"clicked"`
	Replied    int `json:"replied" db:"replied"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Assignment binds one contact to exactly one variant within one test.
// The (test_id, contact_id) pair is unique; assignment is persisted before
// any message is sent so a crash between the two phases leaves a resumable
// state (unsent recipients have a NULL sent_at).
type Assignment struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TestID    uuid.UUID `json:"test_id" db:"test_id"`
	VariantID uuid.UUID `json:"variant_id" db:"variant_id"`
	ContactID uuid.UUID `json:"contact_id" db:"contact_id"`

	Delivered bool `json:"delivered" db:"delivered"`
	Opened    bool `json:"opened" db:"opened"`
	Clicked   bool `json:"clicked" db:"clicked"`
	Replied   bool `json:"replied" db:"replied"`

	SentAt      *time.Time `json:"sent_at" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at" db:"delivered_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// AnalysisResult is an immutable snapshot of one analysis invocation.
// Multiple snapshots of the same test coexist as a time series; rows are
// never mutated after insert.
type AnalysisResult struct {
	ID     uuid.UUID `json:"id" db:"id"`
	TestID uuid.UUID `json:"test_id" db:"test_id"`

	VariantARecipients  int     `json:"variant_a_recipients" db:"variant_a_recipients"`
	VariantAConversions int     `json:"variant_a_conversions" db:"variant_a_conversions"`
	VariantBRecipients  int     `json:"variant_b_recipients" db:"variant_b_recipients"`
	VariantBConversions int     `json:"variant_b_conversions" db:"variant_b_conversions"`
	RateA               float64 `json:"rate_a" db:"rate_a"`
	RateB               float64 `json:"rate_b" db:"rate_b"`

	PValue         float64 `json:"p_value" db:"p_value"`
	ZScore         float64 `json:"z_score" db:"z_score"`
	EffectSize     float64 `json:"effect_size" db:"effect_size"`
	CILower        float64 `json:"ci_lower" db:"ci_lower"`
	CIUpper        float64 `json:"ci_upper" db:"ci_upper"`
	Significant    bool    `json:"significant" db:"significant"`
	Winner         string  `json:"winner" db:"winner"` // "A", "B", or "inconclusive"
	ImprovementPct float64 `json:"improvement_percentage" db:"improvement_percentage"`

	SampleSize        int       `json:"sample_size" db:"sample_size"`
	TestDurationHours float64   `json:"test_duration_hours" db:"test_duration_hours"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
