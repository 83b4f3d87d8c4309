package store

import (
	"context"

	"receiptscanner/pkg/domain"
)

// DefaultEmbeddingDim matches the default OpenAI embedding model.
const DefaultEmbeddingDim = 1536

// Tx is the write surface shared by a Store and an open transaction.
// Every write is an upsert on the record's natural key.
type Tx interface {
	// SaveScannedDocument upserts by document hash.
	SaveScannedDocument(ctx context.Context, doc domain.ScannedDocument) error
	// UpsertReceipt upserts by document hash.
	UpsertReceipt(ctx context.Context, entry domain.ReceiptEntry) error
	// UpsertEmbedding upserts by (document hash, language code).
	UpsertEmbedding(ctx context.Context, emb domain.ReceiptEmbedding) error
	// SaveDocumentName upserts by (document hash, name).
	SaveDocumentName(ctx context.Context, name domain.DocumentName) error
}

// Store persists receipts and their embeddings and answers vector searches.
type Store interface {
	Tx

	GetScannedDocument(ctx context.Context, hash string) (domain.ScannedDocument, bool, error)
	GetReceipt(ctx context.Context, hash string) (domain.ReceiptEntry, bool, error)
	// ListReceipts returns the most recently updated entries first.
	ListReceipts(ctx context.Context, limit int) ([]domain.ReceiptEntry, error)
	DocumentNames(ctx context.Context, hash string) ([]string, error)

	// SearchReceipts ranks documents by cosine similarity to vector and
	// returns at most k results, one per document hash.
	SearchReceipts(ctx context.Context, vector []float32, k int) ([]domain.SearchResult, error)

	// WithTx runs fn in one transaction. A non-nil error rolls back every write.
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close() error
}
