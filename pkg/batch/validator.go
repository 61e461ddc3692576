package batch

import (
	"regexp"

	"github.com/neuroqc/platform/pkg/assessment"
	"github.com/neuroqc/platform/pkg/common/models"
)

var subjectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// SubmitRequest is a batch submission: the records plus optional per-batch
// threshold overrides.
type SubmitRequest struct {
	Items     []models.SubjectRecord `json:"items"`
	Overrides assessment.Overrides   `json:"threshold_overrides,omitempty"`
}

// Validator performs structural validation at submission time so that
// malformed input never enters processing.
type Validator struct {
	maxBatchSize int
}

func NewValidator(maxBatchSize int) *Validator {
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}
	return &Validator{maxBatchSize: maxBatchSize}
}

func (v *Validator) Validate(req SubmitRequest) error {
	if len(req.Items) == 0 {
		return ValidationError{reason: errEmptyBatch}
	}
	if len(req.Items) > v.maxBatchSize {
		return newValidationError("%d items exceeds maximum of %d: %w", len(req.Items), v.maxBatchSize, errBatchTooLarge)
	}

	seen := make(map[string]struct{}, len(req.Items))
	for i, item := range req.Items {
		if err := v.validateRecord(i, item, seen); err != nil {
			return err
		}
	}

	if err := req.Overrides.Validate(); err != nil {
		return ValidationError{reason: err}
	}

	return nil
}

func (v *Validator) validateRecord(index int, item models.SubjectRecord, seen map[string]struct{}) error {
	id := item.Subject.SubjectID
	if id == "" {
		return newValidationError("item %d: subject id required", index)
	}
	if !subjectIDPattern.MatchString(id) {
		return newValidationError("item %d: subject id %q contains invalid characters", index, id)
	}
	if _, dup := seen[id]; dup {
		return newValidationError("item %d: duplicate subject id %q", index, id)
	}
	seen[id] = struct{}{}

	if item.Subject.Age == nil {
		return newValidationError("subject %s: age required", id)
	}
	if age := *item.Subject.Age; age < 0 || age > 120 {
		return newValidationError("subject %s: age %.1f outside [0, 120]", id, age)
	}

	if item.Subject.ScanType == "" {
		return newValidationError("subject %s: scan type required", id)
	}

	for metric, value := range item.Metrics {
		bounds, known := models.MetricRanges[metric]
		if !known {
			continue
		}
		if value < bounds.Min || value > bounds.Max {
			return newValidationError("subject %s: %s value %.3f outside plausible range [%.1f, %.1f]",
				id, metric, value, bounds.Min, bounds.Max)
		}
	}

	return nil
}
