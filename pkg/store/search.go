package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"receiptscanner/pkg/domain"
)

// candidate is one ranked embedding row before collapsing by document.
type candidate struct {
	DocumentHash string
	LanguageCode string
	Type         domain.EmbeddingType
	Score        float64
}

// collapseByDocument orders candidates by score descending, breaking ties on
// language code then type, and keeps the first row for each document hash.
func collapseByDocument(cands []candidate, k int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LanguageCode != b.LanguageCode {
			return a.LanguageCode < b.LanguageCode
		}
		return a.Type < b.Type
	})
	seen := make(map[string]struct{}, len(cands))
	out := make([]candidate, 0, min(k, len(cands)))
	for _, c := range cands {
		if _, ok := seen[c.DocumentHash]; ok {
			continue
		}
		seen[c.DocumentHash] = struct{}{}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out
}

// cosineSimilarity is 1 - cosine distance. Zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// storedEntry keeps the receipt as raw JSON so it can be validated on read.
type storedEntry struct {
	ID            string          `json:"id"`
	DocumentHash  string          `json:"documentHash"`
	LanguageCodes []string        `json:"languageCodes"`
	Receipt       json.RawMessage `json:"receipt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (e storedEntry) decode() (domain.ReceiptEntry, error) {
	rec, err := domain.ParseReceiptRecord(e.Receipt)
	if err != nil {
		return domain.ReceiptEntry{}, fmt.Errorf("receipt %s: %w", e.DocumentHash, err)
	}
	return domain.ReceiptEntry{
		ID:            e.ID,
		DocumentHash:  e.DocumentHash,
		LanguageCodes: e.LanguageCodes,
		Receipt:       rec,
		UpdatedAt:     e.UpdatedAt,
	}, nil
}

// joinResults attaches receipts and names to ranked candidates, dropping
// candidates whose receipt is missing or no longer matches the schema.
func joinResults(ranked []candidate, entries map[string]storedEntry, names map[string][]string) []domain.SearchResult {
	results := make([]domain.SearchResult, 0, len(ranked))
	for _, c := range ranked {
		stored, ok := entries[c.DocumentHash]
		if !ok {
			slog.Warn("search: dropping embedding without receipt", "hash", c.DocumentHash)
			continue
		}
		entry, err := stored.decode()
		if err != nil {
			slog.Warn("search: dropping invalid receipt", "hash", c.DocumentHash, "err", err)
			continue
		}
		docNames := names[c.DocumentHash]
		if docNames == nil {
			docNames = []string{}
		}
		results = append(results, domain.SearchResult{
			Score:         c.Score,
			LanguageCode:  c.LanguageCode,
			Type:          c.Type,
			Entry:         entry,
			DocumentNames: docNames,
		})
	}
	return results
}
