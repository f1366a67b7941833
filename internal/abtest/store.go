package abtest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/textpulse/internal/domain"
)

// Store is the persistence surface the engine needs. *SQLStore is the
// production implementation; tests use an in-memory fake.
type Store interface {
	CreateTest(ctx context.Context, test *domain.ABTest, variants []*domain.Variant) error
	GetTest(ctx context.Context, userID, testID uuid.UUID) (*domain.ABTest, []domain.Variant, error)
	ListTests(ctx context.Context, userID uuid.UUID, status string) ([]domain.ABTest, error)
	UpdateStatus(ctx context.Context, testID uuid.UUID, from, to domain.TestStatus, at time.Time) error
	InsertAssignments(ctx context.Context, assignments []domain.Assignment) error
	PendingAssignments(ctx context.Context, variantID uuid.UUID) ([]PendingRecipient, error)
	MarkAssignmentSent(ctx context.Context, assignmentID uuid.UUID, at time.Time) error
	VariantCounters(ctx context.Context, testID uuid.UUID, metric domain.ConversionMetric) (a, b VariantStats, err error)
	SaveAnalysis(ctx context.Context, result *domain.AnalysisResult) error
	ListAnalyses(ctx context.Context, testID uuid.UUID) ([]domain.AnalysisResult, error)
	RunningTests(ctx context.Context) ([]domain.ABTest, error)
}

// PendingRecipient is an assignment that has not yet been sent, joined with
// the contact's phone so the dispatcher can address it.
type PendingRecipient struct {
	AssignmentID uuid.UUID
	ContactID    uuid.UUID
	Phone        string
	FirstName    string
}

// SQLStore persists tests, variants, assignments and analysis snapshots in
// PostgreSQL.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates the PostgreSQL-backed store.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// CreateTest inserts the test and both variants in one transaction.
func (s *SQLStore) CreateTest(ctx context.Context, test *domain.ABTest, variants []*domain.Variant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create test tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ab_tests (id, user_id, name, description, test_type, status,
			traffic_split, minimum_sample_size, confidence_level, conversion_metric,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
	`, test.ID, test.UserID, test.Name, test.Description, string(test.TestType), string(test.Status),
		test.TrafficSplit, test.MinimumSampleSize, test.ConfidenceLevel, string(test.ConversionMetric))
	if err != nil {
		return fmt.Errorf("insert test: %w", err)
	}

	for _, v := range variants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ab_variants (id, test_id, label, body, sender_id, send_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, v.ID, v.TestID, v.Label, v.Body, v.SenderID, v.SendAt)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.Label, err)
		}
	}
	return tx.Commit()
}

// GetTest loads a test scoped to its owner, with both variants ordered A, B.
func (s *SQLStore) GetTest(ctx context.Context, userID, testID uuid.UUID) (*domain.ABTest, []domain.Variant, error) {
	var t domain.ABTest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), test_type, status,
			traffic_split, minimum_sample_size, confidence_level, conversion_metric,
			statistical_significance, COALESCE(winner_variant, ''),
			started_at, completed_at, created_at, updated_at
		FROM ab_tests
		WHERE id = $1 AND user_id = $2
	`, testID, userID).Scan(
		&t.ID, &t.UserID, &t.Name, &t.Description, &t.TestType, &t.Status,
		&t.TrafficSplit, &t.MinimumSampleSize, &t.ConfidenceLevel, &t.ConversionMetric,
		&t.StatisticalSignificance, &t.WinnerVariant,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load test: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.test_id, v.label, COALESCE(v.body, ''), COALESCE(v.sender_id, ''), v.send_at,
			(SELECT COUNT(*) FROM ab_assignments a WHERE a.variant_id = v.id),
			v.delivered, v.opened, v.clicked, v.replied, v.created_at
		FROM ab_variants v
		WHERE v.test_id = $1
		ORDER BY v.label
	`, testID)
	if err != nil {
		return nil, nil, fmt.Errorf("load variants: %w", err)
	}
	defer rows.Close()

	var variants []domain.Variant
	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Label, &v.Body, &v.SenderID, &v.SendAt,
			&v.Recipients, &v.Delivered, &v.Opened, &v.Clicked, &v.Replied, &v.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return &t, variants, rows.Err()
}

// ListTests returns a user's tests, newest first, optionally filtered by status.
func (s *SQLStore) ListTests(ctx context.Context, userID uuid.UUID, status string) ([]domain.ABTest, error) {
	query := `
		SELECT id, user_id, name, COALESCE(description, ''), test_type, status,
			traffic_split, minimum_sample_size, confidence_level, conversion_metric,
			statistical_significance, COALESCE(winner_variant, ''),
			started_at, completed_at, created_at, updated_at
		FROM ab_tests
		WHERE user_id = $1`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()

	var tests []domain.ABTest
	for rows.Next() {
		var t domain.ABTest
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Name, &t.Description, &t.TestType, &t.Status,
			&t.TrafficSplit, &t.MinimumSampleSize, &t.ConfidenceLevel, &t.ConversionMetric,
			&t.StatisticalSignificance, &t.WinnerVariant,
			&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

// UpdateStatus moves a test between lifecycle states with a guard on the
// current state, so two racing actions cannot both win.
func (s *SQLStore) UpdateStatus(ctx context.Context, testID uuid.UUID, from, to domain.TestStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ab_tests SET
			status = $3,
			started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, $4) ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'cancelled') THEN $4 ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, testID, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update test status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &domain.InvalidStateTransitionError{Entity: "ab_test", From: string(from), To: string(to)}
	}
	return nil
}

// InsertAssignments persists the variant partition. The (test_id, contact_id)
// unique constraint makes re-running a crashed start a no-op for contacts
// already assigned.
func (s *SQLStore) InsertAssignments(ctx context.Context, assignments []domain.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignments tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ab_assignments (id, test_id, variant_id, contact_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (test_id, contact_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare assignment insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range assignments {
		if _, err := stmt.ExecContext(ctx, a.ID, a.TestID, a.VariantID, a.ContactID); err != nil {
			return fmt.Errorf("insert assignment for contact %s: %w", a.ContactID, err)
		}
	}
	return tx.Commit()
}

// PendingAssignments returns assignments of a variant that have no send yet,
// which is how a resumed start knows what is left to do.
func (s *SQLStore) PendingAssignments(ctx context.Context, variantID uuid.UUID) ([]PendingRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.contact_id, c.phone, COALESCE(c.first_name, '')
		FROM ab_assignments a
		JOIN contacts c ON c.id = a.contact_id
		WHERE a.variant_id = $1 AND a.sent_at IS NULL
		ORDER BY a.created_at
	`, variantID)
	if err != nil {
		return nil, fmt.Errorf("list pending assignments: %w", err)
	}
	defer rows.Close()

	var out []PendingRecipient
	for rows.Next() {
		var p PendingRecipient
		if err := rows.Scan(&p.AssignmentID, &p.ContactID, &p.Phone, &p.FirstName); err != nil {
			return nil, fmt.Errorf("scan pending assignment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkAssignmentSent stamps the assignment once its message was handed to
// the gateway.
func (s *SQLStore) MarkAssignmentSent(ctx context.Context, assignmentID uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ab_assignments SET sent_at = $2 WHERE id = $1 AND sent_at IS NULL
	`, assignmentID, at)
	return err
}

// VariantCounters re-derives recipients and conversions for both variants
// from assignment rows. Conversions follow the test's configured metric.
func (s *SQLStore) VariantCounters(ctx context.Context, testID uuid.UUID, metric domain.ConversionMetric) (a, b VariantStats, err error) {
	var column string
	switch metric {
	case domain.MetricOpened:
		column = "opened"
	case domain.MetricClicked:
		column = "clicked"
	case domain.MetricReplied:
		column = "replied"
	default:
		column = "delivered"
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT v.label,
			COUNT(a.id) FILTER (WHERE a.sent_at IS NOT NULL),
			COUNT(a.id) FILTER (WHERE a.%s)
		FROM ab_variants v
		LEFT JOIN ab_assignments a ON a.variant_id = v.id
		WHERE v.test_id = $1
		GROUP BY v.label
	`, column), testID)
	if err != nil {
		return a, b, fmt.Errorf("variant counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var stats VariantStats
		if err := rows.Scan(&label, &stats.Recipients, &stats.Conversions); err != nil {
			return a, b, fmt.Errorf("scan variant counters: %w", err)
		}
		if label == "A" {
			a = stats
		} else {
			b = stats
		}
	}
	return a, b, rows.Err()
}

// SaveAnalysis appends an immutable analysis snapshot and refreshes the
// cached columns on the test row.
func (s *SQLStore) SaveAnalysis(ctx context.Context, result *domain.AnalysisResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin analysis tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ab_analysis_results (id, test_id,
			variant_a_recipients, variant_a_conversions, variant_b_recipients, variant_b_conversions,
			rate_a, rate_b, p_value, z_score, effect_size, ci_lower, ci_upper,
			significant, winner, improvement_percentage, sample_size, test_duration_hours, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW())
	`, result.ID, result.TestID,
		result.VariantARecipients, result.VariantAConversions, result.VariantBRecipients, result.VariantBConversions,
		result.RateA, result.RateB, result.PValue, result.ZScore, result.EffectSize, result.CILower, result.CIUpper,
		result.Significant, result.Winner, result.ImprovementPct, result.SampleSize, result.TestDurationHours)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ab_tests SET
			statistical_significance = $2,
			winner_variant = $3,
			updated_at = NOW()
		WHERE id = $1
	`, result.TestID, result.PValue, result.Winner)
	if err != nil {
		return fmt.Errorf("cache analysis on test: %w", err)
	}
	return tx.Commit()
}

// ListAnalyses returns the analysis time series for a test, oldest first.
func (s *SQLStore) ListAnalyses(ctx context.Context, testID uuid.UUID) ([]domain.AnalysisResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_id,
			variant_a_recipients, variant_a_conversions, variant_b_recipients, variant_b_conversions,
			rate_a, rate_b, p_value, z_score, effect_size, ci_lower, ci_upper,
			significant, winner, improvement_percentage, sample_size, test_duration_hours, created_at
		FROM ab_analysis_results
		WHERE test_id = $1
		ORDER BY created_at
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalysisResult
	for rows.Next() {
		var r domain.AnalysisResult
		if err := rows.Scan(&r.ID, &r.TestID,
			&r.VariantARecipients, &r.VariantAConversions, &r.VariantBRecipients, &r.VariantBConversions,
			&r.RateA, &r.RateB, &r.PValue, &r.ZScore, &r.EffectSize, &r.CILower, &r.CIUpper,
			&r.Significant, &r.Winner, &r.ImprovementPct, &r.SampleSize, &r.TestDurationHours, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunningTests returns every running test across all users. The scheduler
// uses it to pick up send_time variants whose window has opened.
func (s *SQLStore) RunningTests(ctx context.Context) ([]domain.ABTest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, COALESCE(description, ''), test_type, status,
			traffic_split, minimum_sample_size, confidence_level, conversion_metric,
			statistical_significance, COALESCE(winner_variant, ''),
			started_at, completed_at, created_at, updated_at
		FROM ab_tests
		WHERE status = 'running'
	`)
	if err != nil {
		return nil, fmt.Errorf("list running tests: %w", err)
	}
	defer rows.Close()

	var out []domain.ABTest
	for rows.Next() {
		var t domain.ABTest
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Name, &t.Description, &t.TestType, &t.Status,
			&t.TrafficSplit, &t.MinimumSampleSize, &t.ConfidenceLevel, &t.ConversionMetric,
			&t.StatisticalSignificance, &t.WinnerVariant,
			&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan running test: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UserStats is the cross-test rollup shown on the testing dashboard.
type UserStats struct {
	TotalTests        int     `json:"total_tests"`
	RunningTests      int     `json:"running_tests"`
	CompletedTests    int     `json:"completed_tests"`
	SignificantWins   int     `json:"significant_wins"`
	AvgImprovement    float64 `json:"avg_improvement_percentage"`
	MostEffectiveType string  `json:"most_effective_test_type,omitempty"`
}

// Stats aggregates a user's testing history.
func (s *SQLStore) Stats(ctx context.Context, userID uuid.UUID) (*UserStats, error) {
	var st UserStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE winner_variant IN ('A', 'B')),
			COALESCE(AVG(r.improvement_percentage) FILTER (WHERE r.significant), 0)
		FROM ab_tests t
		LEFT JOIN LATERAL (
			SELECT significant, improvement_percentage
			FROM ab_analysis_results
			WHERE test_id = t.id
			ORDER BY created_at DESC
			LIMIT 1
		) r ON TRUE
		WHERE t.user_id = $1
	`, userID).Scan(&st.TotalTests, &st.RunningTests, &st.CompletedTests, &st.SignificantWins, &st.AvgImprovement)
	if err != nil {
		return nil, fmt.Errorf("test stats: %w", err)
	}

	// Test type with the best average significant improvement
	err = s.db.QueryRowContext(ctx, `
		SELECT t.test_type
		FROM ab_tests t
		JOIN LATERAL (
			SELECT significant, improvement_percentage
			FROM ab_analysis_results
			WHERE test_id = t.id
			ORDER BY created_at DESC
			LIMIT 1
		) r ON TRUE
		WHERE t.user_id = $1 AND r.significant
		GROUP BY t.test_type
		ORDER BY AVG(r.improvement_percentage) DESC
		LIMIT 1
	`, userID).Scan(&st.MostEffectiveType)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("most effective test type: %w", err)
	}
	return &st, nil
}
