package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"receiptscanner/internal/util"
	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/hasher"
	"receiptscanner/pkg/storage"
	"receiptscanner/pkg/translate"
)

const (
	maxDirectTranslateBytes = 10_000
	translationPollRetries  = 5
)

// translateText degrades from a direct call, to a direct call on a truncated
// text, to a batch job over the full text.
func (a *App) translateText(ctx context.Context, text string) (translate.Result, error) {
	logger := util.LoggerFromContext(ctx)
	res, err := a.translator.Translate(ctx, text, a.targetLanguage)
	if err == nil {
		return res, nil
	}
	logger.Warn("failed to translate text", "err", err, "bytes", len(text))

	res, err = a.translator.Translate(ctx, truncateUTF8(text, maxDirectTranslateBytes), a.targetLanguage)
	if err == nil {
		return res, nil
	}
	logger.Warn("failed to translate truncated text, starting batch job", "err", err)
	return a.translateBatch(ctx, text, err)
}

func (a *App) translateBatch(ctx context.Context, text string, cause error) (translate.Result, error) {
	if a.batch == nil || a.objects == nil {
		return translate.Result{}, fmt.Errorf("translate text: %w", cause)
	}
	prefix := "translations/text-" + hasher.SumString(text)
	if err := a.objects.Put(ctx, prefix+"/raw/text.txt", strings.NewReader(text), int64(len(text)), "text/plain"); err != nil {
		return translate.Result{}, fmt.Errorf("upload translation input: %w", err)
	}
	bucket := a.objects.Bucket()
	jobID, err := a.batch.StartJob(ctx, storage.URI(bucket, prefix+"/raw"), storage.URI(bucket, prefix+"/output"), a.targetLanguage)
	if err != nil {
		return translate.Result{}, fmt.Errorf("start translation job: %w", err)
	}
	util.LoggerFromContext(ctx).Info("translation job started", "job_id", jobID)

	_, err = retry(ctx, "translate", exponentialRetries(a.translationPollInterval, translationPollRetries), func() (struct{}, error) {
		status, err := a.batch.JobStatus(ctx, jobID)
		if err != nil {
			return struct{}{}, err
		}
		switch status {
		case translate.JobCompleted:
			return struct{}{}, nil
		case translate.JobFailed:
			return struct{}{}, &AbortError{Stage: "translation", JobID: jobID}
		default:
			return struct{}{}, errJobPending
		}
	})
	if err != nil {
		return translate.Result{}, fmt.Errorf("translation job %s: %w", jobID, err)
	}

	translated, err := a.readTranslationOutput(ctx, prefix+"/output/")
	if err != nil {
		return translate.Result{}, err
	}
	return translate.Result{
		Text:           translated,
		SourceLanguage: domain.UnknownLanguage,
		TargetLanguage: a.targetLanguage,
	}, nil
}

func (a *App) readTranslationOutput(ctx context.Context, prefix string) (string, error) {
	keys, err := a.objects.List(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("list translation output: %w", err)
	}
	for _, key := range keys {
		if !strings.HasSuffix(key, ".txt") {
			continue
		}
		data, err := a.objects.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("read translation output: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("translation output missing under %s", prefix)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
