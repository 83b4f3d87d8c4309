// Package ocr wraps the document text extraction backends.
package ocr

import (
	"context"
	"errors"
	"strings"
)

// ErrAsyncUnsupported is returned by analyzers that have no job-based mode.
var ErrAsyncUnsupported = errors.New("ocr: asynchronous analysis not supported")

// Block is one recognised element of a document. Text is empty for
// structural blocks such as PAGE, TABLE or KEY_VALUE_SET.
type Block struct {
	Type string
	Text string
	Page int
}

// Result is the ordered block list of one analysis.
type Result struct {
	Blocks []Block
}

// Text joins the text-bearing blocks with newlines in document order.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Blocks))
	for _, b := range r.Blocks {
		if b.Text == "" {
			continue
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n")
}

// JobStatus is the normalised state of an asynchronous analysis job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Analyzer extracts blocks from document bytes in a single call.
type Analyzer interface {
	Analyze(ctx context.Context, document []byte) (Result, error)
}

// AsyncAnalyzer runs analysis as a job over a document already in object storage.
type AsyncAnalyzer interface {
	StartAnalysis(ctx context.Context, bucket, key, outputPrefix string) (string, error)
	// AnalysisResult reports the job status. Blocks are only populated once
	// the job has succeeded, and cover every result page.
	AnalysisResult(ctx context.Context, jobID string) (JobStatus, Result, error)
}
