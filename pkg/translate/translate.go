// Package translate wraps the machine translation backend.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awstranslate "github.com/aws/aws-sdk-go-v2/service/translate"
	"github.com/aws/aws-sdk-go-v2/service/translate/types"

	"receiptscanner/pkg/domain"
)

// AutoDetect asks the backend to detect the source language.
const AutoDetect = "auto"

// Result is a translated text with the language codes the backend reported.
type Result struct {
	Text           string
	SourceLanguage string
	TargetLanguage string
}

// Translator translates text synchronously.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (Result, error)
}

// JobStatus is the normalised state of a batch translation job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// BatchTranslator runs translation jobs over object storage folders.
type BatchTranslator interface {
	StartJob(ctx context.Context, inputURI, outputURI, targetLanguage string) (string, error)
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
}

// API is the subset of the AWS Translate client used here.
type API interface {
	TranslateText(ctx context.Context, params *awstranslate.TranslateTextInput, optFns ...func(*awstranslate.Options)) (*awstranslate.TranslateTextOutput, error)
	StartTextTranslationJob(ctx context.Context, params *awstranslate.StartTextTranslationJobInput, optFns ...func(*awstranslate.Options)) (*awstranslate.StartTextTranslationJobOutput, error)
	DescribeTextTranslationJob(ctx context.Context, params *awstranslate.DescribeTextTranslationJobInput, optFns ...func(*awstranslate.Options)) (*awstranslate.DescribeTextTranslationJobOutput, error)
}

// AWSClient implements Translator and BatchTranslator on Amazon Translate.
type AWSClient struct {
	api     API
	roleARN string
}

// NewAWSClient builds a client. roleARN grants the batch job access to the bucket.
func NewAWSClient(cfg aws.Config, roleARN string) *AWSClient {
	return NewAWSClientWithAPI(awstranslate.NewFromConfig(cfg), roleARN)
}

func NewAWSClientWithAPI(api API, roleARN string) *AWSClient {
	return &AWSClient{api: api, roleARN: strings.TrimSpace(roleARN)}
}

// Translate calls TranslateText with source auto-detection.
func (c *AWSClient) Translate(ctx context.Context, text, targetLanguage string) (Result, error) {
	out, err := c.api.TranslateText(ctx, &awstranslate.TranslateTextInput{
		SourceLanguageCode: aws.String(AutoDetect),
		TargetLanguageCode: aws.String(targetLanguage),
		Text:               aws.String(text),
	})
	if err != nil {
		return Result{}, fmt.Errorf("translate text: %w", err)
	}
	res := Result{
		Text:           aws.ToString(out.TranslatedText),
		SourceLanguage: aws.ToString(out.SourceLanguageCode),
		TargetLanguage: aws.ToString(out.TargetLanguageCode),
	}
	if res.Text == "" {
		res.Text = text
	}
	if res.SourceLanguage == "" {
		res.SourceLanguage = domain.UnknownLanguage
	}
	if res.TargetLanguage == "" {
		res.TargetLanguage = targetLanguage
	}
	return res, nil
}

// StartJob starts a plain-text translation job reading every object under inputURI.
func (c *AWSClient) StartJob(ctx context.Context, inputURI, outputURI, targetLanguage string) (string, error) {
	if c.roleARN == "" {
		return "", fmt.Errorf("translate job: data access role arn not configured")
	}
	out, err := c.api.StartTextTranslationJob(ctx, &awstranslate.StartTextTranslationJobInput{
		SourceLanguageCode:  aws.String(AutoDetect),
		TargetLanguageCodes: []string{targetLanguage},
		DataAccessRoleArn:   aws.String(c.roleARN),
		InputDataConfig: &types.InputDataConfig{
			S3Uri:       aws.String(inputURI),
			ContentType: aws.String("text/plain"),
		},
		OutputDataConfig: &types.OutputDataConfig{S3Uri: aws.String(outputURI)},
	})
	if err != nil {
		return "", fmt.Errorf("start translation job: %w", err)
	}
	jobID := aws.ToString(out.JobId)
	if jobID == "" {
		return "", fmt.Errorf("start translation job: no job id returned")
	}
	return jobID, nil
}

// JobStatus maps the AWS job state. Anything not COMPLETED or FAILED is running.
func (c *AWSClient) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	out, err := c.api.DescribeTextTranslationJob(ctx, &awstranslate.DescribeTextTranslationJobInput{
		JobId: aws.String(jobID),
	})
	if err != nil {
		return "", fmt.Errorf("describe translation job: %w", err)
	}
	if out.TextTranslationJobProperties == nil {
		return JobRunning, nil
	}
	switch out.TextTranslationJobProperties.JobStatus {
	case types.JobStatusCompleted:
		return JobCompleted, nil
	case types.JobStatusFailed:
		return JobFailed, nil
	default:
		return JobRunning, nil
	}
}
