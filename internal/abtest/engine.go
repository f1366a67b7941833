package abtest

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/domain"
)

// ContactSource supplies the eligible recipient population for a user.
type ContactSource interface {
	EligibleContacts(ctx context.Context, userID uuid.UUID) ([]domain.Contact, error)
}

// Dispatcher hands a variant's unsent recipients to the send pipeline.
// Implementations stamp each assignment's sent_at as messages are accepted.
type Dispatcher interface {
	DispatchVariant(ctx context.Context, test *domain.ABTest, variant *domain.Variant, recipients []PendingRecipient) error
}

// Engine owns the A/B test lifecycle: creation, the assign-then-send start
// sequence, pause/resume/cancel, and statistical analysis.
type Engine struct {
	store      Store
	contacts   ContactSource
	dispatcher Dispatcher

	defaultMinSample  int
	defaultConfidence float64

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewEngine creates an engine with a time-seeded random source.
func NewEngine(store Store, contacts ContactSource, dispatcher Dispatcher) *Engine {
	return &Engine{
		store:             store,
		contacts:          contacts,
		dispatcher:        dispatcher,
		defaultMinSample:  100,
		defaultConfidence: 0.95,
		rng:               rand.New(rand.NewSource(time.Now().UnixNano())),
		now:               time.Now,
	}
}

// SetDefaults overrides the minimum sample size and confidence level applied
// to tests that do not specify their own.
func (e *Engine) SetDefaults(minSample int, confidence float64) {
	if minSample > 0 {
		e.defaultMinSample = minSample
	}
	if confidence > 0 {
		e.defaultConfidence = confidence
	}
}

// SetRandomSource replaces the assignment shuffle source. Tests use a fixed
// seed to make partitions reproducible.
func (e *Engine) SetRandomSource(rng *rand.Rand) { e.rng = rng }

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CreateParams describes a new two-variant test.
type CreateParams struct {
	UserID            uuid.UUID
	Name              string
	Description       string
	TestType          domain.TestType
	TrafficSplit      float64
	MinimumSampleSize int
	ConfidenceLevel   float64
	ConversionMetric  domain.ConversionMetric
	VariantA          VariantParams
	VariantB          VariantParams
}

// VariantParams is the content payload for one arm.
type VariantParams struct {
	Body     string
	SenderID string
	SendAt   *time.Time
}

// CreateTest validates params, applies defaults and persists a draft test
// with its two variants.
func (e *Engine) CreateTest(ctx context.Context, p CreateParams) (*domain.ABTest, error) {
	if p.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !domain.ValidTestType(p.TestType) {
		return nil, &domain.ValidationError{Field: "test_type", Reason: fmt.Sprintf("unknown type %q", p.TestType)}
	}
	if p.TrafficSplit == 0 {
		p.TrafficSplit = 0.5
	}
	if p.TrafficSplit <= 0 || p.TrafficSplit >= 1 {
		return nil, &domain.ValidationError{Field: "traffic_split", Reason: "must be strictly between 0 and 1"}
	}
	if p.MinimumSampleSize == 0 {
		p.MinimumSampleSize = e.defaultMinSample
	}
	if p.MinimumSampleSize < 2 {
		return nil, &domain.ValidationError{Field: "minimum_sample_size", Reason: "must be at least 2"}
	}
	if p.ConfidenceLevel == 0 {
		p.ConfidenceLevel = e.defaultConfidence
	}
	if p.ConfidenceLevel < 0.5 || p.ConfidenceLevel >= 1 {
		return nil, &domain.ValidationError{Field: "confidence_level", Reason: "must be in [0.5, 1)"}
	}
	if p.ConversionMetric == "" {
		p.ConversionMetric = domain.MetricDelivered
	}
	if !domain.ValidConversionMetric(p.ConversionMetric) {
		return nil, &domain.ValidationError{Field: "conversion_metric", Reason: fmt.Sprintf("unknown metric %q", p.ConversionMetric)}
	}
	if p.TestType == domain.TestTypeSendTime && (p.VariantA.SendAt == nil || p.VariantB.SendAt == nil) {
		return nil, &domain.ValidationError{Field: "send_at", Reason: "send_time tests need a send_at on both variants"}
	}

	test := &domain.ABTest{
		ID:                uuid.New(),
		UserID:            p.UserID,
		Name:              p.Name,
		Description:       p.Description,
		TestType:          p.TestType,
		Status:            domain.TestDraft,
		TrafficSplit:      p.TrafficSplit,
		MinimumSampleSize: p.MinimumSampleSize,
		ConfidenceLevel:   p.ConfidenceLevel,
		ConversionMetric:  p.ConversionMetric,
	}
	variants := []*domain.Variant{
		{ID: uuid.New(), TestID: test.ID, Label: "A", Body: p.VariantA.Body, SenderID: p.VariantA.SenderID, SendAt: p.VariantA.SendAt},
		{ID: uuid.New(), TestID: test.ID, Label: "B", Body: p.VariantB.Body, SenderID: p.VariantB.SenderID, SendAt: p.VariantB.SendAt},
	}

	if err := e.store.CreateTest(ctx, test, variants); err != nil {
		return nil, err
	}
	log.Printf("[ABTest] Created test %s (%s, split %.2f, metric %s)", test.ID, test.TestType, test.TrafficSplit, test.ConversionMetric)
	return test, nil
}

// Start moves a draft test to running: partition the eligible population,
// persist the assignments, then dispatch both variants. If the population is
// under the minimum sample size the test stays in draft and nothing is sent.
func (e *Engine) Start(ctx context.Context, userID, testID uuid.UUID) error {
	test, variants, err := e.store.GetTest(ctx, userID, testID)
	if err != nil {
		return err
	}
	if !test.Status.CanTransition(domain.TestRunning) {
		return &domain.InvalidStateTransitionError{Entity: "ab_test", From: string(test.Status), To: string(domain.TestRunning)}
	}
	if len(variants) != 2 {
		return fmt.Errorf("test %s has %d variants, want 2", testID, len(variants))
	}

	contacts, err := e.contacts.EligibleContacts(ctx, userID)
	if err != nil {
		return fmt.Errorf("load eligible contacts: %w", err)
	}

	e.mu.Lock()
	groupA, groupB, err := SplitContacts(e.rng, contacts, test.TrafficSplit, test.MinimumSampleSize)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	assignments := make([]domain.Assignment, 0, len(contacts))
	for _, c := range groupA {
		assignments = append(assignments, domain.Assignment{ID: uuid.New(), TestID: test.ID, VariantID: variants[0].ID, ContactID: c.ID})
	}
	for _, c := range groupB {
		assignments = append(assignments, domain.Assignment{ID: uuid.New(), TestID: test.ID, VariantID: variants[1].ID, ContactID: c.ID})
	}

	// Assignments land before the status flips; a crash in between leaves a
	// draft test whose next Start re-uses the persisted partition.
	if err := e.store.InsertAssignments(ctx, assignments); err != nil {
		return fmt.Errorf("persist assignments: %w", err)
	}
	if err := e.store.UpdateStatus(ctx, testID, test.Status, domain.TestRunning, e.now()); err != nil {
		return err
	}

	log.Printf("[ABTest] Started test %s: %d/%d contacts assigned to A/B", testID, len(groupA), len(groupB))
	return e.dispatchPending(ctx, test, variants)
}

// Pause halts a running test. Already-dispatched messages are unaffected.
func (e *Engine) Pause(ctx context.Context, userID, testID uuid.UUID) error {
	return e.transition(ctx, userID, testID, domain.TestPaused)
}

// Resume moves a paused test back to running and dispatches any assignments
// that never got a message.
func (e *Engine) Resume(ctx context.Context, userID, testID uuid.UUID) error {
	test, variants, err := e.store.GetTest(ctx, userID, testID)
	if err != nil {
		return err
	}
	if test.Status != domain.TestPaused {
		return &domain.InvalidStateTransitionError{Entity: "ab_test", From: string(test.Status), To: string(domain.TestRunning)}
	}
	if err := e.store.UpdateStatus(ctx, testID, domain.TestPaused, domain.TestRunning, e.now()); err != nil {
		return err
	}
	return e.dispatchPending(ctx, test, variants)
}

// Cancel abandons a draft or running test.
func (e *Engine) Cancel(ctx context.Context, userID, testID uuid.UUID) error {
	return e.transition(ctx, userID, testID, domain.TestCancelled)
}

// Complete finishes a running test and records a final analysis snapshot
// when both variants have data.
func (e *Engine) Complete(ctx context.Context, userID, testID uuid.UUID) error {
	if err := e.transition(ctx, userID, testID, domain.TestCompleted); err != nil {
		return err
	}
	if _, err := e.Analyze(ctx, userID, testID); err != nil {
		// A completed test with too little data for analysis is still completed
		if _, ok := err.(*domain.InsufficientDataError); ok {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, userID, testID uuid.UUID, to domain.TestStatus) error {
	test, _, err := e.store.GetTest(ctx, userID, testID)
	if err != nil {
		return err
	}
	if !test.Status.CanTransition(to) {
		return &domain.InvalidStateTransitionError{Entity: "ab_test", From: string(test.Status), To: string(to)}
	}
	return e.store.UpdateStatus(ctx, testID, test.Status, to, e.now())
}

// Analyze runs the two-proportion Z-test over the current counters and
// appends an immutable snapshot. Callable while the test is running for an
// interim read, and again at completion.
func (e *Engine) Analyze(ctx context.Context, userID, testID uuid.UUID) (*domain.AnalysisResult, error) {
	test, _, err := e.store.GetTest(ctx, userID, testID)
	if err != nil {
		return nil, err
	}
	if test.Status == domain.TestDraft {
		return nil, &domain.InvalidStateTransitionError{Entity: "ab_test", From: string(test.Status), To: "analyzed"}
	}

	a, b, err := e.store.VariantCounters(ctx, testID, test.ConversionMetric)
	if err != nil {
		return nil, err
	}
	if a.Recipients == 0 || b.Recipients == 0 {
		return nil, &domain.InsufficientDataError{TestID: testID.String()}
	}

	analysis := Analyze(a, b, test.ConfidenceLevel)

	var durationHours float64
	if test.StartedAt != nil {
		durationHours = e.now().Sub(*test.StartedAt).Hours()
	}

	result := &domain.AnalysisResult{
		ID:                  uuid.New(),
		TestID:              testID,
		VariantARecipients:  a.Recipients,
		VariantAConversions: a.Conversions,
		VariantBRecipients:  b.Recipients,
		VariantBConversions: b.Conversions,
		RateA:               analysis.RateA,
		RateB:               analysis.RateB,
		PValue:              analysis.PValue,
		ZScore:              analysis.ZScore,
		EffectSize:          analysis.EffectSize,
		CILower:             analysis.CILower,
		CIUpper:             analysis.CIUpper,
		Significant:         analysis.Significant,
		Winner:              analysis.Winner,
		ImprovementPct:      analysis.ImprovementPct,
		SampleSize:          analysis.SampleSize,
		TestDurationHours:   durationHours,
	}
	if err := e.store.SaveAnalysis(ctx, result); err != nil {
		return nil, err
	}

	log.Printf("[ABTest] Analyzed test %s: winner=%s p=%.4f z=%.3f (n=%d)",
		testID, result.Winner, result.PValue, result.ZScore, result.SampleSize)
	return result, nil
}

// DispatchDue re-dispatches pending assignments of every running test. The
// scheduler calls this periodically so send_time variants go out once their
// window opens; the dispatcher skips variants that are not yet due.
func (e *Engine) DispatchDue(ctx context.Context) error {
	tests, err := e.store.RunningTests(ctx)
	if err != nil {
		return err
	}
	for i := range tests {
		t := &tests[i]
		_, variants, err := e.store.GetTest(ctx, t.UserID, t.ID)
		if err != nil {
			log.Printf("[ABTest] Skipping test %s in due pass: %v", t.ID, err)
			continue
		}
		if err := e.dispatchPending(ctx, t, variants); err != nil {
			log.Printf("[ABTest] Due dispatch failed for test %s: %v", t.ID, err)
		}
	}
	return nil
}

// dispatchPending sends every assignment that has no message yet, variant by
// variant.
func (e *Engine) dispatchPending(ctx context.Context, test *domain.ABTest, variants []domain.Variant) error {
	for i := range variants {
		v := &variants[i]
		pending, err := e.store.PendingAssignments(ctx, v.ID)
		if err != nil {
			return fmt.Errorf("pending assignments for variant %s: %w", v.Label, err)
		}
		if len(pending) == 0 {
			continue
		}
		if err := e.dispatcher.DispatchVariant(ctx, test, v, pending); err != nil {
			return fmt.Errorf("dispatch variant %s: %w", v.Label, err)
		}
	}
	return nil
}
