package app

import (
	"bytes"
	"context"
	"fmt"

	"receiptscanner/internal/util"
	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/ocr"
)

const ocrPollRetries = 10

// extractText returns the OCR text of a document, reading the scanned
// document cache before calling any analyzer.
func (a *App) extractText(ctx context.Context, hash string, data []byte) (string, error) {
	logger := util.LoggerFromContext(ctx)
	cached, ok, err := a.store.GetScannedDocument(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("load scanned document: %w", err)
	}
	if ok {
		logger.Debug("document already scanned, using cache")
		return cached.Text, nil
	}

	result, err := a.ocr.Analyze(ctx, data)
	if err != nil {
		logger.Warn("document analysis failed, starting analysis job", "err", err)
		result, err = a.analyzeAsync(ctx, hash, data, err)
		if err != nil {
			return "", err
		}
	}
	text := result.Text()

	if err := a.store.SaveScannedDocument(ctx, domain.ScannedDocument{
		DocumentHash: hash,
		Text:         text,
		CreatedAt:    a.now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("save scanned document: %w", err)
	}
	logger.Debug("document scanned and stored", "blocks", len(result.Blocks))
	return text, nil
}

func (a *App) analyzeAsync(ctx context.Context, hash string, data []byte, cause error) (ocr.Result, error) {
	if a.asyncOCR == nil || a.objects == nil {
		return ocr.Result{}, fmt.Errorf("analyze document: %w", cause)
	}
	key := "raw/document-" + hash + ".pdf"
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/pdf"); err != nil {
		return ocr.Result{}, fmt.Errorf("upload document: %w", err)
	}
	jobID, err := a.asyncOCR.StartAnalysis(ctx, a.objects.Bucket(), key, "analysis/document-"+hash+"/analysis.json")
	if err != nil {
		return ocr.Result{}, fmt.Errorf("start document analysis: %w", err)
	}
	util.LoggerFromContext(ctx).Info("document analysis job started", "job_id", jobID)

	if err := sleepCtx(ctx, a.ocrPollInterval); err != nil {
		return ocr.Result{}, err
	}
	result, err := retry(ctx, "ocr", constantRetries(a.ocrPollInterval, ocrPollRetries), func() (ocr.Result, error) {
		status, result, err := a.asyncOCR.AnalysisResult(ctx, jobID)
		if err != nil {
			return ocr.Result{}, err
		}
		switch status {
		case ocr.JobSucceeded:
			return result, nil
		case ocr.JobFailed:
			return ocr.Result{}, &AbortError{Stage: "ocr", JobID: jobID}
		default:
			return ocr.Result{}, errJobPending
		}
	})
	if err != nil {
		return ocr.Result{}, fmt.Errorf("document analysis job %s: %w", jobID, err)
	}
	return result, nil
}
