package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
)

// TextractAPI is the subset of the Textract client used here.
type TextractAPI interface {
	AnalyzeDocument(ctx context.Context, params *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
	StartDocumentAnalysis(ctx context.Context, params *textract.StartDocumentAnalysisInput, optFns ...func(*textract.Options)) (*textract.StartDocumentAnalysisOutput, error)
	GetDocumentAnalysis(ctx context.Context, params *textract.GetDocumentAnalysisInput, optFns ...func(*textract.Options)) (*textract.GetDocumentAnalysisOutput, error)
}

var analysisFeatures = []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms}

// TextractClient implements Analyzer and AsyncAnalyzer on AWS Textract.
type TextractClient struct {
	api TextractAPI
}

// NewTextractClient builds a client from an AWS config.
func NewTextractClient(cfg aws.Config) *TextractClient {
	return &TextractClient{api: textract.NewFromConfig(cfg)}
}

// NewTextractClientWithAPI wraps an existing API implementation.
func NewTextractClientWithAPI(api TextractAPI) *TextractClient {
	return &TextractClient{api: api}
}

// Analyze runs synchronous analysis with table and form detection.
func (c *TextractClient) Analyze(ctx context.Context, document []byte) (Result, error) {
	out, err := c.api.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: document},
		FeatureTypes: analysisFeatures,
	})
	if err != nil {
		return Result{}, fmt.Errorf("textract analyze: %w", err)
	}
	return Result{Blocks: convertBlocks(out.Blocks)}, nil
}

// StartAnalysis submits an analysis job for s3://bucket/key.
func (c *TextractClient) StartAnalysis(ctx context.Context, bucket, key, outputPrefix string) (string, error) {
	out, err := c.api.StartDocumentAnalysis(ctx, &textract.StartDocumentAnalysisInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{Bucket: aws.String(bucket), Name: aws.String(key)},
		},
		FeatureTypes: analysisFeatures,
		OutputConfig: &types.OutputConfig{S3Bucket: aws.String(bucket), S3Prefix: aws.String(outputPrefix)},
	})
	if err != nil {
		return "", fmt.Errorf("textract start analysis: %w", err)
	}
	jobID := strings.TrimSpace(aws.ToString(out.JobId))
	if jobID == "" {
		return "", fmt.Errorf("textract start analysis: no job id returned")
	}
	return jobID, nil
}

// AnalysisResult fetches the job status and, on success, every result page.
func (c *TextractClient) AnalysisResult(ctx context.Context, jobID string) (JobStatus, Result, error) {
	var (
		result    Result
		nextToken *string
	)
	for {
		out, err := c.api.GetDocumentAnalysis(ctx, &textract.GetDocumentAnalysisInput{
			JobId:     aws.String(jobID),
			NextToken: nextToken,
		})
		if err != nil {
			return "", Result{}, fmt.Errorf("textract get analysis: %w", err)
		}
		switch out.JobStatus {
		case types.JobStatusSucceeded, types.JobStatusPartialSuccess:
		case types.JobStatusFailed:
			return JobFailed, Result{}, nil
		case "":
			return "", Result{}, fmt.Errorf("textract get analysis: missing job status")
		default:
			return JobRunning, Result{}, nil
		}
		result.Blocks = append(result.Blocks, convertBlocks(out.Blocks)...)
		if aws.ToString(out.NextToken) == "" {
			return JobSucceeded, result, nil
		}
		nextToken = out.NextToken
	}
}

func convertBlocks(in []types.Block) []Block {
	out := make([]Block, 0, len(in))
	for _, b := range in {
		out = append(out, Block{
			Type: string(b.BlockType),
			Text: aws.ToString(b.Text),
			Page: int(aws.ToInt32(b.Page)),
		})
	}
	return out
}
