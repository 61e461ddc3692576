package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/neuroqc/platform/pkg/assessment"
	"github.com/neuroqc/platform/pkg/common/logger"
	"github.com/neuroqc/platform/pkg/common/models"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

// stubAssessor lets tests script per-subject outcomes without touching the
// real normalization pipeline.
type stubAssessor struct {
	mu             sync.Mutex
	calls          map[string]int
	transientUntil map[string]int
	failWith       map[string]error
	delay          time.Duration
}

func newStubAssessor() *stubAssessor {
	return &stubAssessor{
		calls:          make(map[string]int),
		transientUntil: make(map[string]int),
		failWith:       make(map[string]error),
	}
}

func (s *stubAssessor) Assess(record models.SubjectRecord, _ assessment.Overrides) (*models.ProcessedSubject, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	id := record.Subject.SubjectID
	s.mu.Lock()
	s.calls[id]++
	attempt := s.calls[id]
	until := s.transientUntil[id]
	err := s.failWith[id]
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if attempt <= until {
		return nil, &TransientError{Err: fmt.Errorf("flaky dependency on attempt %d", attempt)}
	}

	return &models.ProcessedSubject{
		Subject:    record.Subject,
		RawMetrics: record.Metrics,
		Assessment: &models.QualityAssessment{
			OverallStatus: models.StatusPass,
			MetricStatus:  map[string]models.QualityStatus{models.MetricSNR: models.StatusPass},
		},
		ProcessedAt: time.Now().UTC(),
	}, nil
}

func (s *stubAssessor) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func makeItems(n int) []models.SubjectRecord {
	items := make([]models.SubjectRecord, n)
	for i := range items {
		items[i] = validRecord(fmt.Sprintf("sub-%03d", i), 25)
	}
	return items
}

func newTestCoordinator(stub *stubAssessor, opts Options) *Coordinator {
	return NewCoordinator(stub, NewProgressTracker(nil), nil, nil, opts)
}

func waitForBatch(t *testing.T, c *Coordinator, batchID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Wait(ctx, batchID); err != nil {
		t.Fatalf("batch %s did not finish: %v", batchID, err)
	}
}

func TestCoordinatorProcessesBatch(t *testing.T) {
	c := newTestCoordinator(newStubAssessor(), Options{Workers: 4})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(100)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForBatch(t, c, batchID)

	snapshot, err := c.Status(context.Background(), batchID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if snapshot.Status != models.BatchCompleted {
		t.Fatalf("expected completed, got %s", snapshot.Status)
	}
	if snapshot.CompletedItems != 100 || snapshot.FailedItems != 0 {
		t.Fatalf("unexpected counters: %d completed, %d failed", snapshot.CompletedItems, snapshot.FailedItems)
	}
	if snapshot.ProgressPercent != 100 {
		t.Fatalf("expected 100%% progress, got %.1f", snapshot.ProgressPercent)
	}

	results, err := c.Results(context.Background(), batchID)
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	if len(results) != 100 {
		t.Fatalf("expected 100 results, got %d", len(results))
	}

	summary, err := c.Summary(context.Background(), batchID)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.TotalSubjects != 100 || summary.ExclusionRate != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.QualityDistribution[models.StatusPass] != 100 {
		t.Fatalf("expected 100 passes, got %v", summary.QualityDistribution)
	}
}

func TestCoordinatorIdempotentResubmission(t *testing.T) {
	c := newTestCoordinator(newStubAssessor(), Options{Workers: 2})
	items := makeItems(5)

	first, err := c.Submit(context.Background(), SubmitRequest{Items: items})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	second, err := c.Submit(context.Background(), SubmitRequest{Items: items})
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if first != second {
		t.Fatalf("identical content produced different batches: %s vs %s", first, second)
	}

	other, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(6)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if other == first {
		t.Fatal("different content must produce a new batch")
	}

	waitForBatch(t, c, first)
	waitForBatch(t, c, other)
}

func TestCoordinatorRejectsInvalidSubmission(t *testing.T) {
	c := newTestCoordinator(newStubAssessor(), Options{})

	if _, err := c.Submit(context.Background(), SubmitRequest{}); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	c = newTestCoordinator(newStubAssessor(), Options{MaxBatchSize: 2})
	if _, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(3)}); !IsValidationError(err) {
		t.Fatalf("expected validation error for oversize batch, got %v", err)
	}
}

func TestCoordinatorRetriesTransientFailures(t *testing.T) {
	stub := newStubAssessor()
	stub.transientUntil["sub-001"] = 2

	c := newTestCoordinator(stub, Options{Workers: 2, MaxRetries: 3, RetryBackoffBase: time.Millisecond})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(3)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForBatch(t, c, batchID)

	snapshot, _ := c.Status(context.Background(), batchID)
	if snapshot.CompletedItems != 3 || snapshot.FailedItems != 0 {
		t.Fatalf("expected retry to recover, got %d completed %d failed", snapshot.CompletedItems, snapshot.FailedItems)
	}
	if got := stub.callCount("sub-001"); got != 3 {
		t.Fatalf("expected 3 attempts for sub-001, got %d", got)
	}
}

func TestCoordinatorDemotesExhaustedRetries(t *testing.T) {
	stub := newStubAssessor()
	stub.transientUntil["sub-000"] = 100

	c := newTestCoordinator(stub, Options{Workers: 1, MaxRetries: 2, RetryBackoffBase: time.Millisecond})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(2)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForBatch(t, c, batchID)

	snapshot, _ := c.Status(context.Background(), batchID)
	if snapshot.Status != models.BatchCompleted {
		t.Fatalf("item failures must not fail the batch, got %s", snapshot.Status)
	}
	if snapshot.CompletedItems != 1 || snapshot.FailedItems != 1 {
		t.Fatalf("unexpected counters: %d completed, %d failed", snapshot.CompletedItems, snapshot.FailedItems)
	}
	if len(snapshot.Errors) != 1 {
		t.Fatalf("expected one item error, got %v", snapshot.Errors)
	}
	itemErr := snapshot.Errors[0]
	if itemErr.SubjectID != "sub-000" || itemErr.Kind != ErrKindTransient {
		t.Fatalf("unexpected item error %+v", itemErr)
	}
	if itemErr.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", itemErr.Attempts)
	}
	if got := stub.callCount("sub-000"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCoordinatorNonTransientErrorFailsImmediately(t *testing.T) {
	stub := newStubAssessor()
	stub.failWith["sub-000"] = errors.New("corrupt metrics payload")

	c := newTestCoordinator(stub, Options{Workers: 1, MaxRetries: 3, RetryBackoffBase: time.Millisecond})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(1)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForBatch(t, c, batchID)

	if got := stub.callCount("sub-000"); got != 1 {
		t.Fatalf("non-transient errors must not be retried, got %d attempts", got)
	}
	snapshot, _ := c.Status(context.Background(), batchID)
	if snapshot.FailedItems != 1 || snapshot.Errors[0].Kind != ErrKindProcessing {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestCoordinatorCancellation(t *testing.T) {
	stub := newStubAssessor()
	stub.delay = 20 * time.Millisecond

	c := newTestCoordinator(stub, Options{Workers: 1})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(50)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := c.Cancel(batchID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitForBatch(t, c, batchID)

	snapshot, _ := c.Status(context.Background(), batchID)
	if snapshot.Status != models.BatchCancelled {
		t.Fatalf("expected cancelled, got %s", snapshot.Status)
	}
	done := snapshot.CompletedItems + snapshot.FailedItems
	if done >= snapshot.TotalItems {
		t.Fatalf("cancellation should stop before all %d items, got %d done", snapshot.TotalItems, done)
	}

	// Cancelling a finished batch is a no-op.
	if err := c.Cancel(batchID); err != nil {
		t.Fatalf("cancel on terminal batch: %v", err)
	}

	// Partial results remain readable after cancellation.
	results, err := c.Results(context.Background(), batchID)
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	if len(results) != snapshot.CompletedItems {
		t.Fatalf("expected %d partial results, got %d", snapshot.CompletedItems, len(results))
	}
}

func TestCoordinatorTimeoutFailsBatch(t *testing.T) {
	stub := newStubAssessor()
	stub.delay = 15 * time.Millisecond

	c := newTestCoordinator(stub, Options{Workers: 1, BatchTimeout: 150 * time.Millisecond})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(50)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForBatch(t, c, batchID)

	snapshot, _ := c.Status(context.Background(), batchID)
	if snapshot.Status != models.BatchFailed {
		t.Fatalf("expected failed after timeout, got %s", snapshot.Status)
	}

	var faultRecorded bool
	for _, itemErr := range snapshot.Errors {
		if itemErr.Kind == "batch_fault" {
			faultRecorded = true
		}
	}
	if !faultRecorded {
		t.Fatalf("expected a batch_fault error, got %v", snapshot.Errors)
	}

	done := snapshot.CompletedItems + snapshot.FailedItems
	if done == 0 {
		t.Fatal("expected partial progress before the timeout")
	}
	if done >= snapshot.TotalItems {
		t.Fatalf("timeout should stop before all %d items, got %d done", snapshot.TotalItems, done)
	}

	// Partial results survive the job-level fault.
	results, err := c.Results(context.Background(), batchID)
	if err != nil {
		t.Fatalf("results failed: %v", err)
	}
	if len(results) != snapshot.CompletedItems {
		t.Fatalf("expected %d partial results, got %d", snapshot.CompletedItems, len(results))
	}
}

// stubStore is an in-memory Store used to exercise persistence-dependent
// paths without postgres.
type stubStore struct {
	mu           sync.Mutex
	fingerprints map[string]string
	savedResults int
}

func newStubStore() *stubStore {
	return &stubStore{fingerprints: make(map[string]string)}
}

func (s *stubStore) SaveJob(_ context.Context, fingerprint string, snapshot models.BatchSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[fingerprint] = snapshot.BatchID
	return nil
}

func (s *stubStore) SaveResult(context.Context, string, models.ProcessedSubject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedResults++
	return nil
}

func (s *stubStore) GetJob(context.Context, string) (*JobModel, error) {
	return nil, ErrNotFound
}

func (s *stubStore) ListResults(context.Context, string) ([]models.ProcessedSubject, error) {
	return nil, ErrNotFound
}

func (s *stubStore) FindByFingerprint(_ context.Context, fingerprint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.fingerprints[fingerprint]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

func TestCoordinatorIdempotencySurvivesRestart(t *testing.T) {
	store := newStubStore()
	items := makeItems(4)

	first := NewCoordinator(newStubAssessor(), NewProgressTracker(nil), store, nil, Options{Workers: 2})
	batchID, err := first.Submit(context.Background(), SubmitRequest{Items: items})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForBatch(t, first, batchID)

	// A fresh coordinator has no in-memory fingerprint state; the persisted
	// fingerprint must still map the duplicate to the original job.
	replacementStub := newStubAssessor()
	second := NewCoordinator(replacementStub, NewProgressTracker(nil), store, nil, Options{Workers: 2})

	resubmitted, err := second.Submit(context.Background(), SubmitRequest{Items: items})
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if resubmitted != batchID {
		t.Fatalf("expected persisted batch id %s, got %s", batchID, resubmitted)
	}
	if got := replacementStub.callCount("sub-000"); got != 0 {
		t.Fatalf("duplicate must not be reprocessed, got %d assessments", got)
	}
	if active := second.Active(); len(active) != 0 {
		t.Fatalf("duplicate must not start a job, got %v", active)
	}
}

func TestCoordinatorUnknownBatch(t *testing.T) {
	c := newTestCoordinator(newStubAssessor(), Options{})

	if _, err := c.Status(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Results(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCoordinatorProgressObservableMidFlight(t *testing.T) {
	stub := newStubAssessor()
	stub.delay = 10 * time.Millisecond

	c := newTestCoordinator(stub, Options{Workers: 2})

	batchID, err := c.Submit(context.Background(), SubmitRequest{Items: makeItems(20)})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	var sawPartial bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := c.Status(context.Background(), batchID)
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		done := snapshot.CompletedItems + snapshot.FailedItems
		if done > 0 && done < snapshot.TotalItems {
			sawPartial = true
			break
		}
		if snapshot.Status.Terminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitForBatch(t, c, batchID)

	if !sawPartial {
		t.Fatal("expected to observe partial progress while processing")
	}
}
