package normalizer

import (
	"errors"
	"fmt"
	"math"

	"github.com/neuroqc/platform/pkg/common/models"
	"github.com/neuroqc/platform/pkg/normative"
)

// ErrAgeOutOfRange signals an age outside [0, 120]. Callers must treat this
// as a validation failure, not clamp the value.
var ErrAgeOutOfRange = errors.New("age out of range")

// fallbackGroup receives lookups when the subject's own age group has no
// reference data for a metric.
const fallbackGroup = models.AgeGroupYoungAdult

type bracket struct {
	group models.AgeGroup
	min   float64
	max   float64 // exclusive, except the last bracket
}

// Brackets cover [0, 120] without gaps so that assignment is total.
var brackets = []bracket{
	{models.AgeGroupPediatric, 0, 13},
	{models.AgeGroupAdolescent, 13, 18},
	{models.AgeGroupYoungAdult, 18, 36},
	{models.AgeGroupMiddleAge, 36, 65},
	{models.AgeGroupElderly, 65, 120},
}

type Normalizer struct {
	store *normative.Store
}

func New(store *normative.Store) *Normalizer {
	return &Normalizer{store: store}
}

// AgeGroupFor assigns an age group. It is a pure, total function over
// [0, 120]; everything outside that range is a validation error.
func (n *Normalizer) AgeGroupFor(age float64) (models.AgeGroup, error) {
	if math.IsNaN(age) || age < 0 || age > 120 {
		return "", fmt.Errorf("age %.1f: %w", age, ErrAgeOutOfRange)
	}
	for _, b := range brackets[:len(brackets)-1] {
		if age >= b.min && age < b.max {
			return b.group, nil
		}
	}
	return brackets[len(brackets)-1].group, nil
}

// Normalize converts raw metrics to percentiles and z-scores against the
// subject's age-group reference distributions.
//
// Metrics without a value are skipped. Metrics whose own age group lacks
// reference data fall back to young-adult norms and mark the whole result as
// degraded. Degenerate reference statistics are recorded as failures rather
// than producing infinities.
func (n *Normalizer) Normalize(metrics models.MRIQCMetrics, age float64) (*models.NormalizedMetrics, error) {
	group, err := n.AgeGroupFor(age)
	if err != nil {
		return nil, err
	}

	result := &models.NormalizedMetrics{
		AgeGroup:    group,
		Percentiles: make(map[string]float64, len(metrics)),
		ZScores:     make(map[string]float64, len(metrics)),
		Dataset:     n.store.Dataset(),
	}

	for metric, value := range metrics {
		entry, ok := n.store.Lookup(group, metric)
		if !ok && group != fallbackGroup {
			entry, ok = n.store.Lookup(fallbackGroup, metric)
			if ok {
				result.Fallback = true
			}
		}
		if !ok {
			result.Failures = append(result.Failures, models.MetricFailure{
				Metric: metric,
				Reason: "no normative data for any age group",
			})
			continue
		}

		if entry.Std <= 0 {
			result.Failures = append(result.Failures, models.MetricFailure{
				Metric: metric,
				Reason: fmt.Sprintf("degenerate standard deviation %.4f", entry.Std),
			})
			continue
		}

		z := (value - entry.Mean) / entry.Std
		result.ZScores[metric] = z
		result.Percentiles[metric] = percentileFor(value, z, entry)
	}

	return result, nil
}

// percentileFor prefers empirical table interpolation when the full table is
// available, otherwise derives the percentile from the normal CDF. The
// result is always clamped to [0, 100].
func percentileFor(value, z float64, entry normative.Entry) float64 {
	if entry.Percentiles.Complete() {
		return interpolatePercentile(value, entry.Percentiles)
	}
	return clampPercentile(normalCDF(z) * 100)
}

func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func interpolatePercentile(value float64, table normative.PercentileTable) float64 {
	points := []float64{5, 25, 50, 75, 95}
	values := []float64{table.P5, table.P25, table.P50, table.P75, table.P95}

	if value <= values[0] {
		return 5
	}
	if value >= values[len(values)-1] {
		return 95
	}
	for i := 1; i < len(values); i++ {
		if value <= values[i] {
			span := values[i] - values[i-1]
			if span <= 0 {
				return points[i]
			}
			frac := (value - values[i-1]) / span
			return clampPercentile(points[i-1] + frac*(points[i]-points[i-1]))
		}
	}
	return 95
}

func clampPercentile(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}

// CoverageReport partitions a set of ages into those with usable reference
// data and those without.
type CoverageReport struct {
	Covered      []float64 `json:"covered"`
	Uncovered    []float64 `json:"uncovered"`
	CoverageRate float64   `json:"coverage_rate"`
}

// ValidateAgeCoverage reports which of the given ages fall inside a bracket
// with at least one reference entry.
func (n *Normalizer) ValidateAgeCoverage(ages []float64) CoverageReport {
	report := CoverageReport{}
	for _, age := range ages {
		group, err := n.AgeGroupFor(age)
		if err != nil || len(n.store.Metrics(group)) == 0 {
			report.Uncovered = append(report.Uncovered, age)
			continue
		}
		report.Covered = append(report.Covered, age)
	}
	if len(ages) > 0 {
		report.CoverageRate = float64(len(report.Covered)) / float64(len(ages))
	}
	return report
}
