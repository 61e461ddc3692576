package assessment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/neuroqc/platform/pkg/common/models"
	"github.com/neuroqc/platform/pkg/normative"
)

var errThresholdOrder = errors.New("invalid threshold order")

// Overrides replaces the store's default thresholds for specific
// (age group, metric) pairs within one batch.
type Overrides map[models.AgeGroup]map[string]models.Thresholds

// Validate checks direction values and cut-point ordering. Called at batch
// submission so a bad override never reaches a worker.
func (o Overrides) Validate() error {
	for group, byMetric := range o {
		if _, err := ageGroupKnown(group); err != nil {
			return err
		}
		for metric, t := range byMetric {
			if err := ValidateThresholds(metric, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func ValidateThresholds(metric string, t models.Thresholds) error {
	switch t.Direction {
	case models.HigherBetter:
		if t.Warning <= t.Fail {
			return fmt.Errorf("%s: warning threshold %.2f must exceed fail threshold %.2f for higher_better: %w",
				metric, t.Warning, t.Fail, errThresholdOrder)
		}
	case models.LowerBetter:
		if t.Warning >= t.Fail {
			return fmt.Errorf("%s: warning threshold %.2f must be below fail threshold %.2f for lower_better: %w",
				metric, t.Warning, t.Fail, errThresholdOrder)
		}
	default:
		return fmt.Errorf("%s: unknown direction %q", metric, t.Direction)
	}
	return nil
}

func ageGroupKnown(group models.AgeGroup) (models.AgeGroup, error) {
	for _, g := range models.AgeGroups {
		if g == group {
			return g, nil
		}
	}
	return "", fmt.Errorf("unknown age group %q", group)
}

// Engine resolves thresholds for an age group and evaluates metric values
// against them.
type Engine struct {
	store     *normative.Store
	overrides Overrides
}

func NewEngine(store *normative.Store, overrides Overrides) *Engine {
	return &Engine{store: store, overrides: overrides}
}

// Resolve returns the effective thresholds for (group, metric): a batch
// override when present, the store default otherwise.
func (e *Engine) Resolve(group models.AgeGroup, metric string) (models.Thresholds, bool) {
	if byMetric, ok := e.overrides[group]; ok {
		if t, ok := byMetric[metric]; ok {
			return t, true
		}
	}
	return e.store.Thresholds(group, metric)
}

// Evaluate classifies a metric value. A metric with no configured thresholds
// for the group is uncertain, never silently dropped.
func (e *Engine) Evaluate(group models.AgeGroup, metric string, value float64) (models.QualityStatus, *models.ThresholdViolation) {
	t, ok := e.Resolve(group, metric)
	if !ok {
		return models.StatusUncertain, nil
	}
	return Apply(value, t)
}

// Apply classifies value against one set of thresholds, returning violation
// detail for warning and fail outcomes.
func Apply(value float64, t models.Thresholds) (models.QualityStatus, *models.ThresholdViolation) {
	var status models.QualityStatus
	var threshold float64

	if t.Direction == models.HigherBetter {
		switch {
		case value >= t.Warning:
			return models.StatusPass, nil
		case value >= t.Fail:
			status, threshold = models.StatusWarning, t.Warning
		default:
			status, threshold = models.StatusFail, t.Fail
		}
	} else {
		switch {
		case value <= t.Warning:
			return models.StatusPass, nil
		case value <= t.Fail:
			status, threshold = models.StatusWarning, t.Warning
		default:
			status, threshold = models.StatusFail, t.Fail
		}
	}

	return status, &models.ThresholdViolation{
		Value:     value,
		Threshold: threshold,
		Severity:  string(status),
		Direction: t.Direction,
	}
}

// IsThresholdOrderError reports whether err came from threshold validation.
func IsThresholdOrderError(err error) bool {
	return errors.Is(err, errThresholdOrder)
}

// Describe renders thresholds for logs and config summaries.
func Describe(metric string, t models.Thresholds) string {
	return fmt.Sprintf("%s: warn %.2f fail %.2f (%s)", metric, t.Warning, t.Fail, strings.ReplaceAll(string(t.Direction), "_", " "))
}
