package assessment

import (
	"errors"
	"math"
	"testing"

	"github.com/neuroqc/platform/pkg/common/models"
	"github.com/neuroqc/platform/pkg/normalizer"
	"github.com/neuroqc/platform/pkg/normative"
)

func newTestAssessor() *Assessor {
	store := normative.DefaultStore()
	return NewAssessor(store, normalizer.New(store), 3.0)
}

func agePtr(age float64) *float64 {
	return &age
}

func record(age float64, metrics models.MRIQCMetrics) models.SubjectRecord {
	return models.SubjectRecord{
		Subject: models.SubjectInfo{SubjectID: "sub-001", Age: agePtr(age), ScanType: models.ScanT1w},
		Metrics: metrics,
	}
}

func hasString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestAssessRequiresAge(t *testing.T) {
	a := newTestAssessor()

	_, err := a.Assess(models.SubjectRecord{
		Subject: models.SubjectInfo{SubjectID: "sub-001", ScanType: models.ScanT1w},
		Metrics: models.MRIQCMetrics{models.MetricSNR: 18.0},
	}, nil)
	if !errors.Is(err, ErrMissingAge) {
		t.Fatalf("expected ErrMissingAge, got %v", err)
	}
}

func TestAssessCleanSubjectPasses(t *testing.T) {
	a := newTestAssessor()

	subject, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR:     18.5,
		models.MetricCNR:     4.6,
		models.MetricEFC:     0.45,
		models.MetricFWHMAvg: 2.75,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	qa := subject.Assessment
	if qa.OverallStatus != models.StatusPass {
		t.Fatalf("expected pass, got %s (metric status %v)", qa.OverallStatus, qa.MetricStatus)
	}
	if len(qa.Flags) != 0 {
		t.Fatalf("clean subject should carry no flags, got %v", qa.Flags)
	}
	if !hasString(qa.Recommendations, "All quality metrics within acceptable ranges") {
		t.Fatalf("expected all-clear recommendation, got %v", qa.Recommendations)
	}
	// fber, qi1 and cjv were not submitted.
	want := 1 - 0.2*3.0/7.0
	if math.Abs(qa.Confidence-want) > 1e-9 {
		t.Fatalf("expected confidence %.4f, got %v", want, qa.Confidence)
	}
	if len(qa.Violations) != 0 {
		t.Fatalf("clean subject should have no violations, got %v", qa.Violations)
	}
}

func TestAssessPediatricLowSNRFails(t *testing.T) {
	a := newTestAssessor()

	// 7.0 is below the pediatric fail threshold of 8.0.
	subject, err := a.Assess(record(8, models.MRIQCMetrics{
		models.MetricSNR: 7.0,
		models.MetricCNR: 3.8,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	qa := subject.Assessment
	if subject.Normalized.AgeGroup != models.AgeGroupPediatric {
		t.Fatalf("expected pediatric group, got %s", subject.Normalized.AgeGroup)
	}
	if qa.OverallStatus != models.StatusFail {
		t.Fatalf("expected fail, got %s", qa.OverallStatus)
	}
	if qa.MetricStatus[models.MetricSNR] != models.StatusFail {
		t.Fatalf("expected snr fail, got %s", qa.MetricStatus[models.MetricSNR])
	}
	if !hasString(qa.Flags, FlagLowSNR) {
		t.Fatalf("expected low_snr flag, got %v", qa.Flags)
	}
	if !hasString(qa.Recommendations, "EXCLUDE: one or more metrics failed quality thresholds") {
		t.Fatalf("expected exclusion recommendation, got %v", qa.Recommendations)
	}
	if !hasString(qa.Recommendations, recommendationFor[FlagLowSNR]) {
		t.Fatalf("expected SNR guidance, got %v", qa.Recommendations)
	}

	violation, ok := qa.Violations[models.MetricSNR]
	if !ok {
		t.Fatal("expected snr violation detail")
	}
	if violation.Threshold != 8.0 || violation.Severity != string(models.StatusFail) {
		t.Fatalf("unexpected violation %+v", violation)
	}
}

func TestOverallStatusPrecedence(t *testing.T) {
	a := newTestAssessor()

	// snr 13.0 sits between the young-adult fail (10) and warning (14) cuts.
	subject, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR: 13.0,
		models.MetricCNR: 4.6,
		models.MetricEFC: 0.45,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}
	if subject.Assessment.OverallStatus != models.StatusWarning {
		t.Fatalf("expected warning, got %s", subject.Assessment.OverallStatus)
	}

	// A passing metric alongside an uncertain one still yields pass.
	subject, err = a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR:    18.5,
		models.MetricWM2Max: 0.5,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}
	if subject.Assessment.OverallStatus != models.StatusPass {
		t.Fatalf("expected pass with mixed pass/uncertain, got %s", subject.Assessment.OverallStatus)
	}
}

func TestAssessUncertainWhenNothingConfigured(t *testing.T) {
	a := newTestAssessor()

	subject, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricWM2Max: 0.5,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	qa := subject.Assessment
	if qa.OverallStatus != models.StatusUncertain {
		t.Fatalf("expected uncertain, got %s", qa.OverallStatus)
	}
	if qa.CompositeScore != 50.0 {
		t.Fatalf("expected neutral composite score, got %v", qa.CompositeScore)
	}
	if qa.Confidence >= 1.0 {
		t.Fatalf("confidence should drop with unusable metrics, got %v", qa.Confidence)
	}
}

func TestAssessFlagsOutlierZScore(t *testing.T) {
	a := newTestAssessor()

	// snr 40 passes the threshold but sits roughly 8 standard deviations above
	// the young-adult mean.
	subject, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR: 40.0,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	qa := subject.Assessment
	if qa.MetricStatus[models.MetricSNR] != models.StatusPass {
		t.Fatalf("expected snr pass, got %s", qa.MetricStatus[models.MetricSNR])
	}
	if !hasString(qa.Flags, FlagOutlierZScore) {
		t.Fatalf("expected outlier flag, got %v", qa.Flags)
	}
	if !hasString(qa.Recommendations, recommendationFor[FlagOutlierZScore]) {
		t.Fatalf("expected data-integrity guidance, got %v", qa.Recommendations)
	}
	want := 1 - 0.2*6.0/7.0 - 0.05
	if math.Abs(qa.Confidence-want) > 1e-9 {
		t.Fatalf("expected confidence %.4f with one outlier penalty, got %v", want, qa.Confidence)
	}
}

func TestAssessBatchOverridesApply(t *testing.T) {
	a := newTestAssessor()

	// With a stricter override, a default-passing snr value becomes a warning.
	overrides := Overrides{
		models.AgeGroupYoungAdult: {
			models.MetricSNR: {Warning: 20.0, Fail: 15.0, Direction: models.HigherBetter},
		},
	}
	subject, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR: 18.5,
	}), overrides)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}
	if subject.Assessment.MetricStatus[models.MetricSNR] != models.StatusWarning {
		t.Fatalf("override not applied, got %s", subject.Assessment.MetricStatus[models.MetricSNR])
	}
}

func TestCompositeScoreRanksQuality(t *testing.T) {
	a := newTestAssessor()

	good, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR: 22.0,
		models.MetricCNR: 5.5,
		models.MetricEFC: 0.36,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	poor, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR: 14.5,
		models.MetricCNR: 3.7,
		models.MetricEFC: 0.51,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	if good.Assessment.CompositeScore <= poor.Assessment.CompositeScore {
		t.Fatalf("better metrics must score higher: %.2f <= %.2f",
			good.Assessment.CompositeScore, poor.Assessment.CompositeScore)
	}
	for _, score := range []float64{good.Assessment.CompositeScore, poor.Assessment.CompositeScore} {
		if score < 0 || score > 100 {
			t.Fatalf("composite score %.2f out of [0, 100]", score)
		}
	}
}

func TestAssessFallbackNormsReduceConfidence(t *testing.T) {
	entries := map[models.AgeGroup]map[string]normative.Entry{
		models.AgeGroupYoungAdult: {
			models.MetricSNR: {Mean: 18.5, Std: 2.7},
		},
	}
	thresholds := map[models.AgeGroup]map[string]models.Thresholds{
		models.AgeGroupElderly: {
			models.MetricSNR: {Warning: 12.5, Fail: 8.5, Direction: models.HigherBetter},
		},
	}
	store := normative.NewStore("test", entries, thresholds)
	a := NewAssessor(store, normalizer.New(store), 3.0)

	subject, err := a.Assess(record(72, models.MRIQCMetrics{
		models.MetricSNR: 18.0,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	qa := subject.Assessment
	if !subject.Normalized.Fallback {
		t.Fatal("expected fallback normalization")
	}
	if !hasString(qa.Flags, FlagFallbackNorms) {
		t.Fatalf("expected fallback flag, got %v", qa.Flags)
	}
	want := 1 - 0.2*6.0/7.0 - 0.1
	if math.Abs(qa.Confidence-want) > 1e-9 {
		t.Fatalf("expected fallback confidence penalty, got %v", qa.Confidence)
	}
}

func TestAssessMissingMetricReducesConfidence(t *testing.T) {
	a := newTestAssessor()

	full, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricSNR:     18.5,
		models.MetricCNR:     4.6,
		models.MetricEFC:     0.45,
		models.MetricFWHMAvg: 2.75,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	partial, err := a.Assess(record(25, models.MRIQCMetrics{
		models.MetricCNR:     4.6,
		models.MetricEFC:     0.45,
		models.MetricFWHMAvg: 2.75,
	}), nil)
	if err != nil {
		t.Fatalf("assess failed: %v", err)
	}

	if partial.Assessment.Confidence >= full.Assessment.Confidence {
		t.Fatalf("dropping snr must lower confidence: %.4f >= %.4f",
			partial.Assessment.Confidence, full.Assessment.Confidence)
	}
	// Exactly one core metric's share separates the two.
	gap := full.Assessment.Confidence - partial.Assessment.Confidence
	if math.Abs(gap-0.2/7.0) > 1e-9 {
		t.Fatalf("unexpected confidence gap %.4f", gap)
	}
}
