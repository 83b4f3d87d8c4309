package app

import (
	"context"
	"fmt"

	"receiptscanner/pkg/domain"
)

const summarizeRetries = 3

const summarizeInstruction = "Summarize the receipt document and humanize the data (eg. remove + from text)."

// jsonSystemPrompt appends the expected output shape to a system instruction.
func jsonSystemPrompt(instruction, schema string) string {
	return instruction + "\nYou output JSON matching the following schema:\n" + schema
}

func (a *App) summarize(ctx context.Context, text string) (domain.ReceiptRecord, error) {
	system := jsonSystemPrompt(summarizeInstruction, domain.ReceiptSchemaDescription)
	rec, err := retry(ctx, "summarize", immediateRetries(summarizeRetries), func() (domain.ReceiptRecord, error) {
		raw, err := a.model.GenerateJSON(ctx, system, text)
		if err != nil {
			return domain.ReceiptRecord{}, fmt.Errorf("generate summary: %w", err)
		}
		return domain.ParseReceiptRecord([]byte(raw))
	})
	if err != nil {
		return domain.ReceiptRecord{}, fmt.Errorf("summarize document: %w", err)
	}
	return rec, nil
}
