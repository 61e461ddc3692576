package assessment

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/neuroqc/platform/pkg/common/models"
	"github.com/neuroqc/platform/pkg/normalizer"
	"github.com/neuroqc/platform/pkg/normative"
)

var ErrMissingAge = errors.New("subject age required for assessment")

// Composite-score weights for the core metrics. Metrics outside this table
// share the remaining weight equally.
var metricWeights = map[string]float64{
	models.MetricSNR:     0.20,
	models.MetricCNR:     0.18,
	models.MetricFBER:    0.15,
	models.MetricEFC:     0.15,
	models.MetricFWHMAvg: 0.12,
	models.MetricQI1:     0.10,
	models.MetricCJV:     0.10,
}

// Flag rule names.
const (
	FlagLowSNR            = "low_snr"
	FlagLowCNR            = "low_cnr"
	FlagHighMotion        = "high_motion"
	FlagArtifactSuspected = "artifact_suspected"
	FlagOutlierZScore     = "outlier_zscore"
	FlagFallbackNorms     = "fallback_norms"
)

// recommendationFor maps each named flag to guidance. Flags without a
// mapping collapse to the generic manual-review recommendation.
var recommendationFor = map[string]string{
	FlagLowSNR:            "Low SNR - check acquisition parameters and coil positioning",
	FlagLowCNR:            "Low CNR - review tissue contrast and sequence parameters",
	FlagHighMotion:        "High motion detected - consider motion correction or exclusion",
	FlagArtifactSuspected: "Possible artifact - inspect images before analysis",
	FlagOutlierZScore:     "Extreme values for age group - verify data integrity",
	FlagFallbackNorms:     "Adult norms substituted - interpret percentiles with caution",
}

const genericRecommendation = "manual review recommended"

// Assessor runs the full per-subject pipeline: age normalization, threshold
// evaluation, and aggregation into a QualityAssessment.
type Assessor struct {
	store          *normative.Store
	norm           *normalizer.Normalizer
	outlierZCutoff float64
}

func NewAssessor(store *normative.Store, norm *normalizer.Normalizer, outlierZCutoff float64) *Assessor {
	if outlierZCutoff <= 0 {
		outlierZCutoff = 3.0
	}
	return &Assessor{store: store, norm: norm, outlierZCutoff: outlierZCutoff}
}

// Assess produces a new immutable ProcessedSubject for one record. Per-metric
// normalization failures reduce confidence but never abort the subject.
func (a *Assessor) Assess(record models.SubjectRecord, overrides Overrides) (*models.ProcessedSubject, error) {
	if record.Subject.Age == nil {
		return nil, ErrMissingAge
	}

	normalized, err := a.norm.Normalize(record.Metrics, *record.Subject.Age)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(a.store, overrides)

	metricNames := sortedMetricNames(record.Metrics)
	metricStatus := make(map[string]models.QualityStatus, len(metricNames))
	violations := map[string]models.ThresholdViolation{}

	for _, metric := range metricNames {
		status, violation := engine.Evaluate(normalized.AgeGroup, metric, record.Metrics[metric])
		metricStatus[metric] = status
		if violation != nil {
			violations[metric] = *violation
		}
	}

	flags := a.collectFlags(metricNames, metricStatus, normalized)
	assessment := &models.QualityAssessment{
		OverallStatus:   overallStatus(metricStatus),
		MetricStatus:    metricStatus,
		CompositeScore:  a.compositeScore(engine, normalized, metricNames, metricStatus),
		Confidence:      a.confidence(metricStatus, normalized),
		Flags:           flags,
		Recommendations: recommendations(flags, metricStatus),
		Violations:      violations,
	}

	return &models.ProcessedSubject{
		Subject:     record.Subject,
		RawMetrics:  record.Metrics,
		Normalized:  normalized,
		Assessment:  assessment,
		ProcessedAt: time.Now().UTC(),
	}, nil
}

// overallStatus applies the fixed precedence fail > warning > uncertain >
// pass. The result depends only on the multiset of statuses, never on metric
// order.
func overallStatus(metricStatus map[string]models.QualityStatus) models.QualityStatus {
	if len(metricStatus) == 0 {
		return models.StatusUncertain
	}

	var anyWarning, anyUncertain, anyPass bool
	for _, status := range metricStatus {
		switch status {
		case models.StatusFail:
			return models.StatusFail
		case models.StatusWarning:
			anyWarning = true
		case models.StatusUncertain:
			anyUncertain = true
		case models.StatusPass:
			anyPass = true
		}
	}

	switch {
	case anyWarning:
		return models.StatusWarning
	case anyUncertain && !anyPass:
		return models.StatusUncertain
	default:
		return models.StatusPass
	}
}

// compositeScore is a weighted mean of direction-adjusted percentiles over
// the metrics with a definite status. For lower_better metrics the
// percentile is inverted so that higher always means better quality.
func (a *Assessor) compositeScore(engine *Engine, normalized *models.NormalizedMetrics, metricNames []string, metricStatus map[string]models.QualityStatus) float64 {
	var weighted, totalWeight float64
	var unlisted []string

	usable := func(metric string) (float64, bool) {
		if metricStatus[metric] == models.StatusUncertain {
			return 0, false
		}
		percentile, ok := normalized.Percentiles[metric]
		if !ok {
			return 0, false
		}
		if t, ok := engine.Resolve(normalized.AgeGroup, metric); ok && t.Direction == models.LowerBetter {
			percentile = 100 - percentile
		}
		return percentile, true
	}

	for _, metric := range metricNames {
		score, ok := usable(metric)
		if !ok {
			continue
		}
		if weight, listed := metricWeights[metric]; listed {
			weighted += weight * score
			totalWeight += weight
		} else {
			unlisted = append(unlisted, metric)
		}
	}

	if remaining := 1.0 - totalWeight; remaining > 0 && len(unlisted) > 0 {
		share := remaining / float64(len(unlisted))
		for _, metric := range unlisted {
			score, _ := usable(metric)
			weighted += share * score
			totalWeight += share
		}
	}

	if totalWeight <= 0 {
		return 50.0
	}
	return math.Max(0, math.Min(100, weighted/totalWeight))
}

// confidence starts at 1.0 and drops with absent core metrics, normalization
// failures, excluded (uncertain) metrics, fallback norms, and outlier
// z-scores.
func (a *Assessor) confidence(metricStatus map[string]models.QualityStatus, normalized *models.NormalizedMetrics) float64 {
	confidence := 1.0

	// A record omitting core metrics tells us less than a full panel,
	// independent of how the submitted metrics fared.
	absent := 0
	for metric := range metricWeights {
		if _, ok := metricStatus[metric]; !ok {
			absent++
		}
	}
	confidence -= 0.2 * float64(absent) / float64(len(metricWeights))

	assessed := len(metricStatus)
	failures := len(normalized.Failures)
	if total := assessed + failures; total > 0 {
		confidence -= 0.3 * float64(failures) / float64(total)
	}

	if assessed > 0 {
		uncertain := 0
		for _, status := range metricStatus {
			if status == models.StatusUncertain {
				uncertain++
			}
		}
		confidence -= 0.15 * float64(uncertain) / float64(assessed)
	}

	if normalized.Fallback {
		confidence -= 0.1
	}

	outlierPenalty := 0.0
	for _, z := range normalized.ZScores {
		if math.Abs(z) > a.outlierZCutoff {
			outlierPenalty += 0.05
		}
	}
	confidence -= math.Min(0.25, outlierPenalty)

	return math.Max(0, math.Min(1, confidence))
}

func (a *Assessor) collectFlags(metricNames []string, metricStatus map[string]models.QualityStatus, normalized *models.NormalizedMetrics) []string {
	var flags []string
	add := func(flag string) {
		for _, existing := range flags {
			if existing == flag {
				return
			}
		}
		flags = append(flags, flag)
	}

	degraded := func(metric string) bool {
		s := metricStatus[metric]
		return s == models.StatusWarning || s == models.StatusFail
	}

	for _, metric := range metricNames {
		switch s := metricStatus[metric]; s {
		case models.StatusWarning, models.StatusFail:
			add(metric + "_" + string(s))
		}
	}

	if degraded(models.MetricSNR) {
		add(FlagLowSNR)
	}
	if degraded(models.MetricCNR) {
		add(FlagLowCNR)
	}
	if degraded(models.MetricFDMean) || degraded(models.MetricDVARS) {
		add(FlagHighMotion)
	}
	if metricStatus[models.MetricEFC] == models.StatusFail ||
		metricStatus[models.MetricCJV] == models.StatusFail ||
		metricStatus[models.MetricQI1] == models.StatusFail {
		add(FlagArtifactSuspected)
	}

	for _, metric := range metricNames {
		if z, ok := normalized.ZScores[metric]; ok && math.Abs(z) > a.outlierZCutoff {
			add(FlagOutlierZScore)
			break
		}
	}

	if normalized.Fallback {
		add(FlagFallbackNorms)
	}

	return flags
}

// recommendations maps the active flag set to guidance deterministically.
// Several flags may collapse onto one recommendation; every flag maps to at
// least the generic manual-review guidance.
func recommendations(flags []string, metricStatus map[string]models.QualityStatus) []string {
	var out []string
	seen := map[string]bool{}
	add := func(rec string) {
		if rec != "" && !seen[rec] {
			seen[rec] = true
			out = append(out, rec)
		}
	}

	var failCount, warnCount int
	for _, status := range metricStatus {
		switch status {
		case models.StatusFail:
			failCount++
		case models.StatusWarning:
			warnCount++
		}
	}
	if failCount > 0 {
		add("EXCLUDE: one or more metrics failed quality thresholds")
	} else if warnCount > 0 {
		add("REVIEW: one or more metrics require manual review")
	}

	for _, flag := range flags {
		if rec, ok := recommendationFor[flag]; ok {
			add(rec)
			continue
		}
		// Per-metric warning/fail flags collapse into the EXCLUDE/REVIEW
		// guidance already added; anything else gets the generic fallback.
		if !isMetricStatusFlag(flag, metricStatus) {
			add(genericRecommendation)
		}
	}

	if len(out) == 0 {
		add("All quality metrics within acceptable ranges")
	}
	return out
}

func isMetricStatusFlag(flag string, metricStatus map[string]models.QualityStatus) bool {
	for metric := range metricStatus {
		if flag == metric+"_"+string(models.StatusWarning) || flag == metric+"_"+string(models.StatusFail) {
			return true
		}
	}
	return false
}

func sortedMetricNames(metrics models.MRIQCMetrics) []string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
