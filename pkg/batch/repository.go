package batch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/neuroqc/platform/pkg/common/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobModel persists a batch job row.
type JobModel struct {
	BatchID        string         `gorm:"primaryKey;column:batch_id"`
	Fingerprint    string         `gorm:"column:fingerprint;index"`
	Status         string         `gorm:"column:status"`
	TotalItems     int            `gorm:"column:total_items"`
	CompletedItems int            `gorm:"column:completed_items"`
	FailedItems    int            `gorm:"column:failed_items"`
	Errors         datatypes.JSON `gorm:"column:errors"`
	StartTime      time.Time      `gorm:"column:start_time"`
	LastUpdate     time.Time      `gorm:"column:last_update"`
}

func (JobModel) TableName() string {
	return "batch_jobs"
}

// ResultModel persists one per-subject assessment outcome.
type ResultModel struct {
	ID          uuid.UUID      `gorm:"primaryKey;column:id"`
	BatchID     string         `gorm:"column:batch_id;index"`
	SubjectID   string         `gorm:"column:subject_id"`
	Status      string         `gorm:"column:overall_status"`
	Payload     datatypes.JSON `gorm:"column:payload"`
	ProcessedAt time.Time      `gorm:"column:processed_at"`
}

func (ResultModel) TableName() string {
	return "batch_results"
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&JobModel{}, &ResultModel{})
}

// SaveJob upserts the current snapshot of a job.
func (r *Repository) SaveJob(ctx context.Context, fingerprint string, snapshot models.BatchSnapshot) error {
	errorsJSON, err := json.Marshal(snapshot.Errors)
	if err != nil {
		return err
	}
	model := JobModel{
		BatchID:        snapshot.BatchID,
		Fingerprint:    fingerprint,
		Status:         string(snapshot.Status),
		TotalItems:     snapshot.TotalItems,
		CompletedItems: snapshot.CompletedItems,
		FailedItems:    snapshot.FailedItems,
		Errors:         datatypes.JSON(errorsJSON),
		StartTime:      snapshot.StartTime,
		LastUpdate:     snapshot.LastUpdate,
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

// SaveResult appends one subject outcome for a batch.
func (r *Repository) SaveResult(ctx context.Context, batchID string, subject models.ProcessedSubject) error {
	payload, err := json.Marshal(subject)
	if err != nil {
		return err
	}
	status := ""
	if subject.Assessment != nil {
		status = string(subject.Assessment.OverallStatus)
	}
	model := ResultModel{
		ID:          uuid.New(),
		BatchID:     batchID,
		SubjectID:   subject.Subject.SubjectID,
		Status:      status,
		Payload:     datatypes.JSON(payload),
		ProcessedAt: subject.ProcessedAt,
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

// GetJob loads a persisted job snapshot.
func (r *Repository) GetJob(ctx context.Context, batchID string) (*JobModel, error) {
	var model JobModel
	result := r.db.WithContext(ctx).First(&model, "batch_id = ?", batchID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &model, result.Error
}

// FindByFingerprint resolves a content fingerprint to an existing batch id.
func (r *Repository) FindByFingerprint(ctx context.Context, fingerprint string) (string, error) {
	var model JobModel
	result := r.db.WithContext(ctx).First(&model, "fingerprint = ?", fingerprint)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	return model.BatchID, result.Error
}

// ListResults loads the persisted outcomes for a batch.
func (r *Repository) ListResults(ctx context.Context, batchID string) ([]models.ProcessedSubject, error) {
	var rows []ResultModel
	if err := r.db.WithContext(ctx).Where("batch_id = ?", batchID).Order("processed_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.ProcessedSubject, 0, len(rows))
	for _, row := range rows {
		var subject models.ProcessedSubject
		if err := json.Unmarshal(row.Payload, &subject); err != nil {
			continue
		}
		out = append(out, subject)
	}
	return out, nil
}

// CleanupExpired drops jobs (and their results) older than ttl.
func (r *Repository) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	var expired []JobModel
	if err := r.db.WithContext(ctx).Where("last_update < ?", cutoff).Find(&expired).Error; err != nil {
		return err
	}
	for _, job := range expired {
		if err := r.db.WithContext(ctx).Where("batch_id = ?", job.BatchID).Delete(&ResultModel{}).Error; err != nil {
			return err
		}
	}
	return r.db.WithContext(ctx).Where("last_update < ?", cutoff).Delete(&JobModel{}).Error
}
