package audit

import (
	"context"
	"time"

	"github.com/neuroqc/platform/pkg/common/kafka"
	"github.com/neuroqc/platform/pkg/common/logger"
	"github.com/neuroqc/platform/pkg/common/models"
)

const source = "assessment-service"

// Notifier publishes quality decisions and batch state transitions to the
// audit topic. Delivery is fire-and-forget: publish failures are logged and
// never propagate into batch processing.
type Notifier struct {
	producer *kafka.Producer
	timeout  time.Duration
}

func NewNotifier(producer *kafka.Producer) *Notifier {
	return &Notifier{producer: producer, timeout: 5 * time.Second}
}

func (n *Notifier) BatchTransition(ctx context.Context, batchID string, from, to models.BatchStatus) {
	n.publish(ctx, "batch_transition", map[string]interface{}{
		"batch_id": batchID,
		"from":     string(from),
		"to":       string(to),
	})
}

func (n *Notifier) QualityDecision(ctx context.Context, batchID string, subject *models.ProcessedSubject) {
	if subject == nil || subject.Assessment == nil {
		return
	}
	n.publish(ctx, "quality_decision", map[string]interface{}{
		"batch_id":        batchID,
		"subject_id":      subject.Subject.SubjectID,
		"overall_status":  string(subject.Assessment.OverallStatus),
		"composite_score": subject.Assessment.CompositeScore,
		"confidence":      subject.Assessment.Confidence,
		"flags":           subject.Assessment.Flags,
	})
}

// FileDetected reports a watcher-initiated submission.
func (n *Notifier) FileDetected(ctx context.Context, path, batchID string) {
	n.publish(ctx, "file_detected", map[string]interface{}{
		"path":     path,
		"batch_id": batchID,
	})
}

func (n *Notifier) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if n == nil || n.producer == nil {
		return
	}
	publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.producer.PublishEvent(publishCtx, eventType, source, data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("audit publish failed")
	}
}
