package normative

import (
	"context"
	"time"

	"github.com/neuroqc/platform/pkg/common/models"
	"gorm.io/gorm"
)

// EntryModel persists one reference entry per (age group, metric).
type EntryModel struct {
	ID         uint      `gorm:"primaryKey;column:id"`
	AgeGroup   string    `gorm:"column:age_group;uniqueIndex:idx_norm_group_metric"`
	MetricName string    `gorm:"column:metric_name;uniqueIndex:idx_norm_group_metric"`
	MeanValue  float64   `gorm:"column:mean_value"`
	StdValue   float64   `gorm:"column:std_value"`
	P5         float64   `gorm:"column:percentile_5"`
	P25        float64   `gorm:"column:percentile_25"`
	P50        float64   `gorm:"column:percentile_50"`
	P75        float64   `gorm:"column:percentile_75"`
	P95        float64   `gorm:"column:percentile_95"`
	SampleSize int       `gorm:"column:sample_size"`
	Source     string    `gorm:"column:dataset_source"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (EntryModel) TableName() string {
	return "normative_data"
}

// ThresholdModel persists default quality thresholds per (age group, metric).
type ThresholdModel struct {
	ID               uint    `gorm:"primaryKey;column:id"`
	AgeGroup         string  `gorm:"column:age_group;uniqueIndex:idx_thresh_group_metric"`
	MetricName       string  `gorm:"column:metric_name;uniqueIndex:idx_thresh_group_metric"`
	WarningThreshold float64 `gorm:"column:warning_threshold"`
	FailThreshold    float64 `gorm:"column:fail_threshold"`
	Direction        string  `gorm:"column:direction"`
}

func (ThresholdModel) TableName() string {
	return "quality_thresholds"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&EntryModel{}, &ThresholdModel{})
}

// Seed writes the contents of a store into the database, replacing existing
// rows for the same (age group, metric) pairs.
func (r *Repository) Seed(ctx context.Context, store *Store) error {
	for _, group := range models.AgeGroups {
		for _, metric := range store.Metrics(group) {
			entry, _ := store.Lookup(group, metric)
			model := EntryModel{
				AgeGroup:   string(group),
				MetricName: metric,
				MeanValue:  entry.Mean,
				StdValue:   entry.Std,
				P5:         entry.Percentiles.P5,
				P25:        entry.Percentiles.P25,
				P50:        entry.Percentiles.P50,
				P75:        entry.Percentiles.P75,
				P95:        entry.Percentiles.P95,
				SampleSize: entry.SampleSize,
				Source:     store.Dataset(),
				CreatedAt:  time.Now().UTC(),
			}
			err := r.db.WithContext(ctx).
				Where("age_group = ? AND metric_name = ?", model.AgeGroup, model.MetricName).
				Assign(model).
				FirstOrCreate(&EntryModel{}).Error
			if err != nil {
				return err
			}
		}
		for metric, t := range store.ThresholdSet(group) {
			model := ThresholdModel{
				AgeGroup:         string(group),
				MetricName:       metric,
				WarningThreshold: t.Warning,
				FailThreshold:    t.Fail,
				Direction:        string(t.Direction),
			}
			err := r.db.WithContext(ctx).
				Where("age_group = ? AND metric_name = ?", model.AgeGroup, model.MetricName).
				Assign(model).
				FirstOrCreate(&ThresholdModel{}).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadStore reads all reference entries and thresholds into an immutable
// store. Called once at startup; the store is then shared read-only.
func (r *Repository) LoadStore(ctx context.Context, dataset string) (*Store, error) {
	var entryRows []EntryModel
	if err := r.db.WithContext(ctx).Find(&entryRows).Error; err != nil {
		return nil, err
	}

	entries := map[models.AgeGroup]map[string]Entry{}
	for _, row := range entryRows {
		group, err := parseAgeGroup(row.AgeGroup)
		if err != nil {
			continue
		}
		if entries[group] == nil {
			entries[group] = map[string]Entry{}
		}
		entries[group][row.MetricName] = Entry{
			Mean: row.MeanValue,
			Std:  row.StdValue,
			Percentiles: PercentileTable{
				P5: row.P5, P25: row.P25, P50: row.P50, P75: row.P75, P95: row.P95,
			},
			SampleSize: row.SampleSize,
			Source:     row.Source,
		}
	}

	var threshRows []ThresholdModel
	if err := r.db.WithContext(ctx).Find(&threshRows).Error; err != nil {
		return nil, err
	}

	thresholds := map[models.AgeGroup]map[string]models.Thresholds{}
	for _, row := range threshRows {
		group, err := parseAgeGroup(row.AgeGroup)
		if err != nil {
			continue
		}
		if thresholds[group] == nil {
			thresholds[group] = map[string]models.Thresholds{}
		}
		thresholds[group][row.MetricName] = models.Thresholds{
			Warning:   row.WarningThreshold,
			Fail:      row.FailThreshold,
			Direction: models.Direction(row.Direction),
		}
	}

	return NewStore(dataset, entries, thresholds), nil
}
