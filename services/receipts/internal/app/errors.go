package app

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentRequired = errors.New("document required")
	ErrQueryRequired    = errors.New("query required")
	// ErrQueueUnavailable is returned when background jobs are not configured.
	ErrQueueUnavailable = errors.New("job queue unavailable")
	ErrJobNotFound      = errors.New("job not found")
	ErrReceiptNotFound  = errors.New("receipt not found")
	errStreamConsumed   = errors.New("event stream already consumed")
	errJobPending       = errors.New("job still running")
)

// EmbeddingError reports the first failed source of an embedding fan-out.
type EmbeddingError struct {
	Index  int
	Source string
	Err    error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embed %s (source %d): %v", e.Source, e.Index, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// AbortError is a job that reported failure. It is never retried.
type AbortError struct {
	Stage string
	JobID string
	Cause string
}

func (e *AbortError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("%s job %s failed", e.Stage, e.JobID)
	}
	return fmt.Sprintf("%s job %s failed: %s", e.Stage, e.JobID, e.Cause)
}
