package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/neuroqc/platform/pkg/batch"
	"github.com/neuroqc/platform/pkg/common/logger"
	"github.com/neuroqc/platform/pkg/common/models"
)

// Submitter enqueues a batch of records. *batch.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req batch.SubmitRequest) (string, error)
}

// Watcher monitors a directory for new metric-record files and submits each
// as a batch. Files are de-duplicated by path and modification time so an
// unchanged file is never processed twice.
type Watcher struct {
	dir       string
	debounce  time.Duration
	submitter Submitter

	// OnSubmit, when set, is told about every watcher-initiated batch.
	OnSubmit func(path, batchID string)

	mu   sync.Mutex
	seen map[string]struct{}
}

func New(dir string, debounce time.Duration, submitter Submitter) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		dir:       dir,
		debounce:  debounce,
		submitter: submitter,
		seen:      make(map[string]struct{}),
	}
}

// Run watches the directory until ctx is cancelled. Existing files are
// picked up once at startup, then creation and write events drive intake.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating watch directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	logger.Log.WithField("directory", w.dir).Info("watching for new record files")

	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isRecordFile(event.Name) {
				continue
			}
			// Let the writer finish before reading. Editors and upload
			// handlers often emit several write events per file.
			timer := time.NewTimer(w.debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			w.processFile(ctx, event.Name)

		case watchErr, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			logger.Log.WithError(watchErr).Warn("watcher error")
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		logger.Log.WithError(err).Warn("initial directory scan failed")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRecordFile(entry.Name()) {
			continue
		}
		w.processFile(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) processFile(ctx context.Context, path string) {
	key, err := fileKey(path)
	if err != nil {
		logger.Log.WithError(err).WithField("path", path).Warn("stat failed")
		return
	}

	w.mu.Lock()
	if _, done := w.seen[key]; done {
		w.mu.Unlock()
		return
	}
	w.seen[key] = struct{}{}
	w.mu.Unlock()

	items, err := readRecords(path)
	if err != nil {
		logger.Log.WithError(err).WithField("path", path).Warn("skipping unreadable record file")
		return
	}

	batchID, err := w.submitter.Submit(ctx, batch.SubmitRequest{Items: items})
	if err != nil {
		logger.Log.WithError(err).WithField("path", path).Warn("auto-submission rejected")
		return
	}

	logger.Log.WithFields(map[string]interface{}{
		"path":     path,
		"batch_id": batchID,
		"items":    len(items),
	}).Info("auto-submitted batch from watched file")

	if w.OnSubmit != nil {
		w.OnSubmit(path, batchID)
	}
}

func readRecords(path string) ([]models.SubjectRecord, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var items []models.SubjectRecord
	if err := json.Unmarshal(content, &items); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return items, nil
}

func fileKey(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", path, info.ModTime().UnixNano()), nil
}

func isRecordFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json")
}
