package app

import (
	"strings"

	"receiptscanner/pkg/domain"
	"receiptscanner/pkg/flatten"
	"receiptscanner/pkg/tokenizer"
)

const queryPreamble = "Use the below receipts to answer the subsequent question. If the answer cannot be found in the receipts, please respond with 'I cannot find the answer'."

// assemblePrompt appends ranked receipts to the question while the whole
// prompt stays within budget tokens. The first receipt that does not fit
// ends the assembly.
func assemblePrompt(question string, results []domain.SearchResult, tokens tokenizer.Counter, budget int) (string, int) {
	var b strings.Builder
	b.WriteString(queryPreamble)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)

	included := 0
	for _, r := range results {
		page := "\n\n" + flattenPage(r) + "\n\n"
		if tokens.Count(b.String()+page) > budget {
			break
		}
		b.WriteString(page)
		included++
	}
	return b.String(), included
}

// flattenPage renders the receipt record with its upload names in front.
func flattenPage(r domain.SearchResult) string {
	names := r.DocumentNames
	if names == nil {
		names = []string{}
	}
	page := flatten.Object{{Key: "documentNames", Value: names}}
	return flatten.Flatten(append(page, flatten.Fields(r.Entry.Receipt)...))
}
