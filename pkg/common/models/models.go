package models

import (
	"time"
)

// Age group classifications used to select normative statistics.
type AgeGroup string

const (
	AgeGroupPediatric  AgeGroup = "pediatric"
	AgeGroupAdolescent AgeGroup = "adolescent"
	AgeGroupYoungAdult AgeGroup = "young_adult"
	AgeGroupMiddleAge  AgeGroup = "middle_age"
	AgeGroupElderly    AgeGroup = "elderly"
)

// AgeGroups lists every group in ascending age order.
var AgeGroups = []AgeGroup{
	AgeGroupPediatric,
	AgeGroupAdolescent,
	AgeGroupYoungAdult,
	AgeGroupMiddleAge,
	AgeGroupElderly,
}

type QualityStatus string

const (
	StatusPass      QualityStatus = "pass"
	StatusWarning   QualityStatus = "warning"
	StatusFail      QualityStatus = "fail"
	StatusUncertain QualityStatus = "uncertain"
)

type ScanType string

const (
	ScanT1w   ScanType = "T1w"
	ScanT2w   ScanType = "T2w"
	ScanBOLD  ScanType = "BOLD"
	ScanDWI   ScanType = "DWI"
	ScanFLAIR ScanType = "FLAIR"
)

type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexOther   Sex = "O"
	SexUnknown Sex = "U"
)

// SubjectInfo describes one scanned subject. Immutable once created.
type SubjectInfo struct {
	SubjectID  string     `json:"subject_id"`
	Age        *float64   `json:"age,omitempty"`
	Sex        Sex        `json:"sex,omitempty"`
	Session    string     `json:"session,omitempty"`
	ScanType   ScanType   `json:"scan_type"`
	Site       string     `json:"site,omitempty"`
	Scanner    string     `json:"scanner,omitempty"`
	AcquiredAt *time.Time `json:"acquired_at,omitempty"`
}

// MRIQCMetrics maps metric names to observed values. A missing metric is
// simply absent from the map, never zero-filled.
type MRIQCMetrics map[string]float64

// Recognized MRIQC metric names.
const (
	MetricSNR             = "snr"
	MetricCNR             = "cnr"
	MetricFBER            = "fber"
	MetricEFC             = "efc"
	MetricFWHMAvg         = "fwhm_avg"
	MetricFWHMX           = "fwhm_x"
	MetricFWHMY           = "fwhm_y"
	MetricFWHMZ           = "fwhm_z"
	MetricQI1             = "qi1"
	MetricQI2             = "qi2"
	MetricCJV             = "cjv"
	MetricWM2Max          = "wm2max"
	MetricDVARS           = "dvars"
	MetricFDMean          = "fd_mean"
	MetricFDNum           = "fd_num"
	MetricFDPerc          = "fd_perc"
	MetricGCor            = "gcor"
	MetricOutlierFraction = "outlier_fraction"
)

// MetricRange bounds the plausible values of a metric for structural
// validation at submission time.
type MetricRange struct {
	Min float64
	Max float64
}

// MetricRanges holds plausibility bounds per recognized metric. Unlisted
// metrics are accepted without range checks.
var MetricRanges = map[string]MetricRange{
	MetricSNR:             {0, 1000},
	MetricCNR:             {0, 100},
	MetricFBER:            {0, 100000},
	MetricEFC:             {0, 1},
	MetricFWHMAvg:         {0, 20},
	MetricFWHMX:           {0, 20},
	MetricFWHMY:           {0, 20},
	MetricFWHMZ:           {0, 20},
	MetricQI1:             {0, 1},
	MetricQI2:             {0, 1},
	MetricCJV:             {0, 10},
	MetricWM2Max:          {0, 1},
	MetricDVARS:           {0, 1000},
	MetricFDMean:          {0, 10},
	MetricFDPerc:          {0, 100},
	MetricGCor:            {-1, 1},
	MetricOutlierFraction: {0, 1},
}

// MetricFailure records a per-metric normalization problem that did not
// abort the subject's assessment.
type MetricFailure struct {
	Metric string `json:"metric"`
	Reason string `json:"reason"`
}

// NormalizedMetrics is the output of age normalization. Fallback is true when
// normative data for the subject's own age group was missing and young-adult
// norms were substituted for at least one metric.
type NormalizedMetrics struct {
	AgeGroup    AgeGroup           `json:"age_group"`
	Percentiles map[string]float64 `json:"percentiles"`
	ZScores     map[string]float64 `json:"z_scores"`
	Fallback    bool               `json:"fallback"`
	Failures    []MetricFailure    `json:"failures,omitempty"`
	Dataset     string             `json:"normative_dataset"`
}

type Direction string

const (
	HigherBetter Direction = "higher_better"
	LowerBetter  Direction = "lower_better"
)

// Thresholds holds the warning/fail cut points for one metric in one age
// group, with the direction in which values improve.
type Thresholds struct {
	Warning   float64   `json:"warning_threshold" yaml:"warning_threshold"`
	Fail      float64   `json:"fail_threshold" yaml:"fail_threshold"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// ThresholdViolation captures the detail behind a warning or fail status.
type ThresholdViolation struct {
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Severity  string    `json:"severity"`
	Direction Direction `json:"direction"`
}

// QualityAssessment is the immutable outcome of assessing one subject.
// Re-assessment produces a new instance.
type QualityAssessment struct {
	OverallStatus   QualityStatus                 `json:"overall_status"`
	MetricStatus    map[string]QualityStatus      `json:"metric_status"`
	CompositeScore  float64                       `json:"composite_score"`
	Confidence      float64                       `json:"confidence"`
	Flags           []string                      `json:"flags"`
	Recommendations []string                      `json:"recommendations"`
	Violations      map[string]ThresholdViolation `json:"threshold_violations,omitempty"`
}

// SubjectRecord is one batch item as submitted.
type SubjectRecord struct {
	Subject SubjectInfo  `json:"subject"`
	Metrics MRIQCMetrics `json:"metrics"`
}

// ProcessedSubject combines a record with its assessment output.
type ProcessedSubject struct {
	Subject     SubjectInfo        `json:"subject"`
	RawMetrics  MRIQCMetrics       `json:"raw_metrics"`
	Normalized  *NormalizedMetrics `json:"normalized_metrics,omitempty"`
	Assessment  *QualityAssessment `json:"quality_assessment,omitempty"`
	ProcessedAt time.Time          `json:"processed_at"`
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// ItemError records the terminal failure of one batch item.
type ItemError struct {
	SubjectID string    `json:"subject_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// BatchSnapshot is a point-in-time view of a batch job, safe to hand out to
// pollers.
type BatchSnapshot struct {
	BatchID         string      `json:"batch_id"`
	Status          BatchStatus `json:"status"`
	TotalItems      int         `json:"total_items"`
	CompletedItems  int         `json:"completed_items"`
	FailedItems     int         `json:"failed_items"`
	ProgressPercent float64     `json:"progress_percent"`
	CurrentItem     string      `json:"current_item,omitempty"`
	Errors          []ItemError `json:"errors,omitempty"`
	StartTime       time.Time   `json:"start_time"`
	LastUpdate      time.Time   `json:"last_update"`
}

// StudySummary aggregates quality outcomes across a finished batch.
type StudySummary struct {
	TotalSubjects        int                   `json:"total_subjects"`
	QualityDistribution  map[QualityStatus]int `json:"quality_distribution"`
	AgeGroupDistribution map[AgeGroup]int      `json:"age_group_distribution"`
	ExclusionRate        float64               `json:"exclusion_rate"`
	GeneratedAt          time.Time             `json:"generated_at"`
}

// Event is the audit bus envelope.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
