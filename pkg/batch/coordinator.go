package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/neuroqc/platform/pkg/assessment"
	"github.com/neuroqc/platform/pkg/common/logger"
	"github.com/neuroqc/platform/pkg/common/models"
	"github.com/neuroqc/platform/pkg/normalizer"
)

// Assessor runs the per-subject pipeline. *assessment.Assessor satisfies it.
type Assessor interface {
	Assess(record models.SubjectRecord, overrides assessment.Overrides) (*models.ProcessedSubject, error)
}

// Notifier receives fire-and-forget audit notifications for every quality
// decision and batch state transition.
type Notifier interface {
	BatchTransition(ctx context.Context, batchID string, from, to models.BatchStatus)
	QualityDecision(ctx context.Context, batchID string, subject *models.ProcessedSubject)
}

// Store persists batch jobs and per-subject outcomes. *Repository satisfies
// it; a nil Store keeps the coordinator fully in-memory.
type Store interface {
	SaveJob(ctx context.Context, fingerprint string, snapshot models.BatchSnapshot) error
	SaveResult(ctx context.Context, batchID string, subject models.ProcessedSubject) error
	GetJob(ctx context.Context, batchID string) (*JobModel, error)
	ListResults(ctx context.Context, batchID string) ([]models.ProcessedSubject, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (string, error)
}

type Options struct {
	Workers          int
	MaxBatchSize     int
	MaxRetries       int
	RetryBackoffBase time.Duration
	BatchTimeout     time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 1000
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = 100 * time.Millisecond
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 30 * time.Minute
	}
}

type job struct {
	id          string
	fingerprint string
	items       []models.SubjectRecord
	overrides   assessment.Overrides

	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	done            chan struct{}

	mu      sync.Mutex
	status  models.BatchStatus
	results []models.ProcessedSubject
}

// Coordinator owns batch jobs end to end: validation, the worker pool, the
// state machine, retries, cancellation, and failure aggregation. Job state
// is mutated only here, through the tracker's atomic operations.
type Coordinator struct {
	assessor  Assessor
	tracker   *ProgressTracker
	validator *Validator
	repo      Store
	notifier  Notifier
	opts      Options

	mu            sync.Mutex
	jobs          map[string]*job
	byFingerprint map[string]string
}

func NewCoordinator(assessor Assessor, tracker *ProgressTracker, repo Store, notifier Notifier, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		assessor:      assessor,
		tracker:       tracker,
		validator:     NewValidator(opts.MaxBatchSize),
		repo:          repo,
		notifier:      notifier,
		opts:          opts,
		jobs:          make(map[string]*job),
		byFingerprint: make(map[string]string),
	}
}

// Submit validates a batch and starts asynchronous processing. Resubmitting
// identical content returns the existing batch id without reprocessing.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if c.assessor == nil {
		return "", &BatchFault{Reason: "assessment pipeline unavailable"}
	}
	if err := c.validator.Validate(req); err != nil {
		return "", err
	}

	fp, err := fingerprint(req.Items)
	if err != nil {
		return "", &BatchFault{Reason: "fingerprinting batch content", Err: err}
	}

	c.mu.Lock()
	if existing, ok := c.byFingerprint[fp]; ok {
		c.mu.Unlock()
		logger.Log.WithFields(map[string]interface{}{
			"batch_id":    existing,
			"fingerprint": fp,
		}).Info("duplicate batch submission, returning existing job")
		return existing, nil
	}
	c.mu.Unlock()

	// Fingerprints survive restarts through the store: a duplicate of a
	// batch processed by a previous instance maps to the persisted job.
	if c.repo != nil {
		existing, err := c.repo.FindByFingerprint(ctx, fp)
		switch {
		case err == nil && existing != "":
			logger.Log.WithFields(map[string]interface{}{
				"batch_id":    existing,
				"fingerprint": fp,
			}).Info("duplicate batch submission, returning persisted job")
			return existing, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			logger.Log.WithError(err).Warn("fingerprint lookup failed")
		}
	}

	c.mu.Lock()
	if existing, ok := c.byFingerprint[fp]; ok {
		c.mu.Unlock()
		return existing, nil
	}

	batchID := uuid.New().String()
	runCtx, cancel := context.WithTimeout(context.Background(), c.opts.BatchTimeout)
	j := &job{
		id:          batchID,
		fingerprint: fp,
		items:       req.Items,
		overrides:   req.Overrides,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      models.BatchPending,
	}
	c.jobs[batchID] = j
	c.byFingerprint[fp] = batchID
	c.mu.Unlock()

	c.tracker.Register(batchID, len(req.Items))
	c.persistJob(ctx, j)
	c.notifyTransition(batchID, "", models.BatchPending)

	logger.Log.WithFields(map[string]interface{}{
		"batch_id": batchID,
		"items":    len(req.Items),
	}).Info("batch submitted")

	go c.run(runCtx, j)

	return batchID, nil
}

func (c *Coordinator) run(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()

	c.setStatus(j, models.BatchProcessing)

	itemsCh := make(chan models.SubjectRecord)
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemsCh {
				// Cancellation is cooperative: checked at item boundaries,
				// in-flight items run to completion.
				if ctx.Err() != nil {
					continue
				}
				c.processItem(ctx, j, item)
			}
		}()
	}

feed:
	for _, item := range j.items {
		select {
		case <-ctx.Done():
			break feed
		case itemsCh <- item:
		}
	}
	close(itemsCh)
	wg.Wait()

	final := models.BatchCompleted
	switch {
	case j.cancelRequested.Load():
		final = models.BatchCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		final = models.BatchFailed
		c.tracker.AppendError(j.id, models.ItemError{
			Kind:      "batch_fault",
			Message:   fmt.Sprintf("batch timed out after %s", c.opts.BatchTimeout),
			Timestamp: time.Now().UTC(),
		})
	}
	c.setStatus(j, final)

	snapshot, _ := c.tracker.Snapshot(j.id)
	logger.Log.WithFields(map[string]interface{}{
		"batch_id":  j.id,
		"status":    final,
		"completed": snapshot.CompletedItems,
		"failed":    snapshot.FailedItems,
	}).Info("batch finished")
}

func (c *Coordinator) processItem(ctx context.Context, j *job, item models.SubjectRecord) {
	subject, attempts, err := c.assessWithRetry(ctx, j, item)
	if err != nil {
		itemErr := models.ItemError{
			SubjectID: item.Subject.SubjectID,
			Kind:      classifyItemError(err),
			Message:   err.Error(),
			Attempts:  attempts,
			Timestamp: time.Now().UTC(),
		}
		c.tracker.IncrementFailed(j.id, itemErr)
		c.persistJob(ctx, j)
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"batch_id":   j.id,
			"subject_id": item.Subject.SubjectID,
			"attempts":   attempts,
		}).Warn("item failed")
		return
	}

	j.mu.Lock()
	j.results = append(j.results, *subject)
	j.mu.Unlock()

	c.tracker.IncrementCompleted(j.id, item.Subject.SubjectID)
	c.persistJob(ctx, j)

	if c.repo != nil {
		if err := c.repo.SaveResult(ctx, j.id, *subject); err != nil {
			logger.Log.WithError(err).WithField("batch_id", j.id).Warn("persisting result failed")
		}
	}
	c.notifyDecision(j.id, subject)
}

func (c *Coordinator) assessWithRetry(ctx context.Context, j *job, item models.SubjectRecord) (*models.ProcessedSubject, int, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.opts.RetryBackoffBase * (1 << (attempt - 1))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, fmt.Errorf("retry interrupted: %w", lastErr)
			case <-timer.C:
			}
		}

		subject, err := c.assessor.Assess(item, j.overrides)
		if err == nil {
			return subject, attempt + 1, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, attempt + 1, err
		}
	}
	return nil, c.opts.MaxRetries + 1, fmt.Errorf("retries exhausted: %w", lastErr)
}

func classifyItemError(err error) string {
	switch {
	case IsTransient(err):
		return ErrKindTransient
	case errors.Is(err, normalizer.ErrAgeOutOfRange), errors.Is(err, assessment.ErrMissingAge):
		return ErrKindValidation
	default:
		return ErrKindProcessing
	}
}

// Cancel requests cooperative cancellation. Cancelling an unknown batch is
// an error; cancelling a terminal batch is a no-op.
func (c *Coordinator) Cancel(batchID string) error {
	j, ok := c.lookup(batchID)
	if !ok {
		return ErrNotFound
	}

	j.mu.Lock()
	terminal := j.status.Terminal()
	j.mu.Unlock()
	if terminal {
		return nil
	}

	j.cancelRequested.Store(true)
	j.cancel()
	logger.Log.WithField("batch_id", batchID).Info("batch cancellation requested")
	return nil
}

// Status returns the current snapshot. Unknown ids fall back to the
// persisted store before reporting not-found.
func (c *Coordinator) Status(ctx context.Context, batchID string) (models.BatchSnapshot, error) {
	if snapshot, ok := c.tracker.Snapshot(batchID); ok {
		return snapshot, nil
	}
	if c.repo != nil {
		model, err := c.repo.GetJob(ctx, batchID)
		if err != nil {
			return models.BatchSnapshot{}, err
		}
		return snapshotFromModel(model), nil
	}
	return models.BatchSnapshot{}, ErrNotFound
}

// Results returns per-subject assessments: the full set for terminal
// batches, a partial set while processing.
func (c *Coordinator) Results(ctx context.Context, batchID string) ([]models.ProcessedSubject, error) {
	if j, ok := c.lookup(batchID); ok {
		j.mu.Lock()
		out := make([]models.ProcessedSubject, len(j.results))
		copy(out, j.results)
		j.mu.Unlock()
		return out, nil
	}
	if c.repo != nil {
		return c.repo.ListResults(ctx, batchID)
	}
	return nil, ErrNotFound
}

// Summary aggregates a batch's outcomes into study-level statistics.
func (c *Coordinator) Summary(ctx context.Context, batchID string) (models.StudySummary, error) {
	results, err := c.Results(ctx, batchID)
	if err != nil {
		return models.StudySummary{}, err
	}

	summary := models.StudySummary{
		TotalSubjects:        len(results),
		QualityDistribution:  map[models.QualityStatus]int{},
		AgeGroupDistribution: map[models.AgeGroup]int{},
		GeneratedAt:          time.Now().UTC(),
	}
	failed := 0
	for _, subject := range results {
		if subject.Assessment != nil {
			summary.QualityDistribution[subject.Assessment.OverallStatus]++
			if subject.Assessment.OverallStatus == models.StatusFail {
				failed++
			}
		}
		if subject.Normalized != nil {
			summary.AgeGroupDistribution[subject.Normalized.AgeGroup]++
		}
	}
	if len(results) > 0 {
		summary.ExclusionRate = float64(failed) / float64(len(results))
	}
	return summary, nil
}

// Active lists batches that have not reached a terminal state.
func (c *Coordinator) Active() []models.BatchSnapshot {
	return c.tracker.Active()
}

// Wait blocks until the batch reaches a terminal state or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, batchID string) error {
	j, ok := c.lookup(batchID)
	if !ok {
		return ErrNotFound
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lookup(batchID string) (*job, bool) {
	c.mu.Lock()
	j, ok := c.jobs[batchID]
	c.mu.Unlock()
	return j, ok
}

// setStatus performs a state-machine transition. Terminal states are never
// left.
func (c *Coordinator) setStatus(j *job, status models.BatchStatus) {
	j.mu.Lock()
	if j.status.Terminal() || j.status == status {
		j.mu.Unlock()
		return
	}
	from := j.status
	j.status = status
	j.mu.Unlock()

	c.tracker.SetStatus(j.id, status)
	c.persistJob(context.Background(), j)
	c.notifyTransition(j.id, from, status)
}

func (c *Coordinator) persistJob(ctx context.Context, j *job) {
	if c.repo == nil {
		return
	}
	snapshot, ok := c.tracker.Snapshot(j.id)
	if !ok {
		return
	}
	if err := c.repo.SaveJob(ctx, j.fingerprint, snapshot); err != nil {
		logger.Log.WithError(err).WithField("batch_id", j.id).Warn("persisting job failed")
	}
}

func (c *Coordinator) notifyTransition(batchID string, from, to models.BatchStatus) {
	if c.notifier == nil {
		return
	}
	go c.notifier.BatchTransition(context.Background(), batchID, from, to)
}

func (c *Coordinator) notifyDecision(batchID string, subject *models.ProcessedSubject) {
	if c.notifier == nil {
		return
	}
	go c.notifier.QualityDecision(context.Background(), batchID, subject)
}

// fingerprint derives a stable content hash for idempotent submissions. JSON
// map keys marshal in sorted order, so identical content always produces the
// same digest.
func fingerprint(items []models.SubjectRecord) (string, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func snapshotFromModel(model *JobModel) models.BatchSnapshot {
	var itemErrors []models.ItemError
	if len(model.Errors) > 0 {
		_ = json.Unmarshal(model.Errors, &itemErrors)
	}
	snapshot := models.BatchSnapshot{
		BatchID:        model.BatchID,
		Status:         models.BatchStatus(model.Status),
		TotalItems:     model.TotalItems,
		CompletedItems: model.CompletedItems,
		FailedItems:    model.FailedItems,
		Errors:         itemErrors,
		StartTime:      model.StartTime,
		LastUpdate:     model.LastUpdate,
	}
	if model.TotalItems > 0 {
		done := model.CompletedItems + model.FailedItems
		snapshot.ProgressPercent = float64(done) / float64(model.TotalItems) * 100
	}
	return snapshot
}
