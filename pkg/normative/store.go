package normative

import (
	"github.com/neuroqc/platform/pkg/common/models"
)

// PercentileTable holds the empirical percentile points of a reference
// distribution. A table is usable for interpolation only when its points are
// strictly increasing; partially filled tables (including the zero value)
// are not, so metrics with legitimate zero or negative points, like gcor,
// still interpolate.
type PercentileTable struct {
	P5  float64 `yaml:"p5" json:"p5"`
	P25 float64 `yaml:"p25" json:"p25"`
	P50 float64 `yaml:"p50" json:"p50"`
	P75 float64 `yaml:"p75" json:"p75"`
	P95 float64 `yaml:"p95" json:"p95"`
}

func (t PercentileTable) Complete() bool {
	return t.P5 < t.P25 && t.P25 < t.P50 && t.P50 < t.P75 && t.P75 < t.P95
}

// Entry is the reference statistics for one metric in one age group.
type Entry struct {
	Mean        float64         `yaml:"mean" json:"mean"`
	Std         float64         `yaml:"std" json:"std"`
	Percentiles PercentileTable `yaml:"percentiles" json:"percentiles"`
	SampleSize  int             `yaml:"sample_size" json:"sample_size"`
	Source      string          `yaml:"source,omitempty" json:"source,omitempty"`
}

// Store holds per-age-group reference statistics and default quality
// thresholds. It is immutable after construction and safe to share across
// workers without locking.
type Store struct {
	dataset    string
	entries    map[models.AgeGroup]map[string]Entry
	thresholds map[models.AgeGroup]map[string]models.Thresholds
}

func NewStore(dataset string, entries map[models.AgeGroup]map[string]Entry, thresholds map[models.AgeGroup]map[string]models.Thresholds) *Store {
	if entries == nil {
		entries = map[models.AgeGroup]map[string]Entry{}
	}
	if thresholds == nil {
		thresholds = map[models.AgeGroup]map[string]models.Thresholds{}
	}
	return &Store{dataset: dataset, entries: entries, thresholds: thresholds}
}

func (s *Store) Dataset() string {
	return s.dataset
}

// Lookup returns the reference entry for (group, metric).
func (s *Store) Lookup(group models.AgeGroup, metric string) (Entry, bool) {
	byMetric, ok := s.entries[group]
	if !ok {
		return Entry{}, false
	}
	entry, ok := byMetric[metric]
	return entry, ok
}

// Thresholds returns the default quality thresholds for (group, metric).
func (s *Store) Thresholds(group models.AgeGroup, metric string) (models.Thresholds, bool) {
	byMetric, ok := s.thresholds[group]
	if !ok {
		return models.Thresholds{}, false
	}
	t, ok := byMetric[metric]
	return t, ok
}

// ThresholdSet returns a copy of all thresholds configured for an age group.
func (s *Store) ThresholdSet(group models.AgeGroup) map[string]models.Thresholds {
	byMetric, ok := s.thresholds[group]
	if !ok {
		return map[string]models.Thresholds{}
	}
	out := make(map[string]models.Thresholds, len(byMetric))
	for metric, t := range byMetric {
		out[metric] = t
	}
	return out
}

// Metrics lists the metric names with reference data in an age group.
func (s *Store) Metrics(group models.AgeGroup) []string {
	byMetric := s.entries[group]
	out := make([]string, 0, len(byMetric))
	for metric := range byMetric {
		out = append(out, metric)
	}
	return out
}
