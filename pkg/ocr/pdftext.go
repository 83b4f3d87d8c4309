package ocr

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFTextAnalyzer reads the embedded text layer of a PDF locally.
// Scanned images without a text layer yield no blocks.
type PDFTextAnalyzer struct{}

func NewPDFTextAnalyzer() *PDFTextAnalyzer { return &PDFTextAnalyzer{} }

// Analyze returns one LINE block per non-empty text line.
func (a *PDFTextAnalyzer) Analyze(ctx context.Context, document []byte) (Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}
	var result Result
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip problematic pages instead of failing entirely
			continue
		}
		result.Blocks = append(result.Blocks, Block{Type: "PAGE", Page: i})
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(strings.ToValidUTF8(strings.ReplaceAll(line, "\x00", " "), ""))
			if line == "" {
				continue
			}
			result.Blocks = append(result.Blocks, Block{Type: "LINE", Text: line, Page: i})
		}
	}
	if result.Text() == "" {
		return Result{}, fmt.Errorf("no text extracted from PDF")
	}
	return result, nil
}

func (a *PDFTextAnalyzer) StartAnalysis(ctx context.Context, bucket, key, outputPrefix string) (string, error) {
	return "", ErrAsyncUnsupported
}

func (a *PDFTextAnalyzer) AnalysisResult(ctx context.Context, jobID string) (JobStatus, Result, error) {
	return "", Result{}, ErrAsyncUnsupported
}
