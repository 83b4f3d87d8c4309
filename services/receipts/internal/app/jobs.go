package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"receiptscanner/internal/util"
	"receiptscanner/pkg/hasher"
	"receiptscanner/pkg/queue"
)

// EnqueueUpload stores the document and queues it for background processing.
func (a *App) EnqueueUpload(ctx context.Context, doc Document) (queue.JobStatus, error) {
	if a.queue == nil || a.objects == nil {
		return queue.JobStatus{}, ErrQueueUnavailable
	}
	if len(doc.Data) == 0 {
		return queue.JobStatus{}, ErrDocumentRequired
	}
	hash := hasher.Sum(doc.Data)
	key := uploadKey(hash)
	if err := a.objects.Put(ctx, key, bytes.NewReader(doc.Data), int64(len(doc.Data)), "application/octet-stream"); err != nil {
		return queue.JobStatus{}, fmt.Errorf("store upload: %w", err)
	}
	job, err := a.queue.Enqueue(ctx, queue.Job{DocumentHash: hash, Name: doc.Name, ObjectKey: key})
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue upload: %w", err)
	}
	util.LoggerFromContext(ctx).Info("upload queued", "job_id", job.ID, "hash", hash)
	return job, nil
}

// GetJob reports a queued upload.
func (a *App) GetJob(ctx context.Context, jobID string) (queue.JobStatus, error) {
	if a.queue == nil {
		return queue.JobStatus{}, ErrQueueUnavailable
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return queue.JobStatus{}, ErrJobNotFound
	}
	job, ok, err := a.queue.GetJob(ctx, jobID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if !ok {
		return queue.JobStatus{}, ErrJobNotFound
	}
	return job, nil
}

// HandleJob is the queue worker: it loads the stored upload and runs the
// pipeline, removing the upload once the receipt is stored. Failed jobs and
// corrupt uploads are not retried.
func (a *App) HandleJob(ctx context.Context, job queue.JobStatus) error {
	if a.objects == nil {
		return backoff.Permanent(ErrQueueUnavailable)
	}
	ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("job_id", job.ID))
	data, err := a.objects.Get(ctx, job.ObjectKey)
	if err != nil {
		return fmt.Errorf("load upload: %w", err)
	}
	if got := hasher.Sum(data); got != job.DocumentHash {
		return backoff.Permanent(fmt.Errorf("upload %s hash mismatch: got %s", job.ObjectKey, got))
	}
	_, err = a.Process(ctx, Document{Name: job.Name, Data: data})
	var abort *AbortError
	if errors.As(err, &abort) {
		return backoff.Permanent(err)
	}
	if err != nil {
		return err
	}
	if err := a.objects.Delete(ctx, job.ObjectKey); err != nil {
		util.LoggerFromContext(ctx).Warn("failed to remove processed upload", "key", job.ObjectKey, "err", err)
	}
	return nil
}

func uploadKey(hash string) string {
	return "uploads/document-" + hash
}
