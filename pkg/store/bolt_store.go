package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"receiptscanner/pkg/domain"
)

var (
	bucketScanned    = []byte("scanned_documents")
	bucketReceipts   = []byte("receipts")
	bucketEmbeddings = []byte("receipt_embeddings")
	bucketNames      = []byte("document_names")
)

// keySep joins the parts of composite keys. Hashes are hex so it never collides.
const keySep = "\x00"

// BoltStore implements Store on an embedded bbolt file. Search scans every
// embedding, so it suits development and small corpora.
type BoltStore struct {
	db           *bbolt.DB
	embeddingDim int
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, embeddingDim int) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketScanned, bucketReceipts, bucketEmbeddings, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, embeddingDim: embeddingDim}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx, embeddingDim: s.embeddingDim})
	})
}

func (s *BoltStore) update(ctx context.Context, fn func(*boltTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx, embeddingDim: s.embeddingDim})
	})
}

func (s *BoltStore) SaveScannedDocument(ctx context.Context, doc domain.ScannedDocument) error {
	return s.update(ctx, func(t *boltTx) error { return t.SaveScannedDocument(ctx, doc) })
}

func (s *BoltStore) UpsertReceipt(ctx context.Context, entry domain.ReceiptEntry) error {
	return s.update(ctx, func(t *boltTx) error { return t.UpsertReceipt(ctx, entry) })
}

func (s *BoltStore) UpsertEmbedding(ctx context.Context, emb domain.ReceiptEmbedding) error {
	return s.update(ctx, func(t *boltTx) error { return t.UpsertEmbedding(ctx, emb) })
}

func (s *BoltStore) SaveDocumentName(ctx context.Context, name domain.DocumentName) error {
	return s.update(ctx, func(t *boltTx) error { return t.SaveDocumentName(ctx, name) })
}

func (s *BoltStore) GetScannedDocument(ctx context.Context, hash string) (domain.ScannedDocument, bool, error) {
	var (
		doc   domain.ScannedDocument
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketScanned).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return domain.ScannedDocument{}, false, fmt.Errorf("get scanned document: %w", err)
	}
	return doc, found, nil
}

func (s *BoltStore) GetReceipt(ctx context.Context, hash string) (domain.ReceiptEntry, bool, error) {
	var (
		stored storedEntry
		found  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketReceipts).Get([]byte(hash))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &stored)
	})
	if err != nil {
		return domain.ReceiptEntry{}, false, fmt.Errorf("get receipt: %w", err)
	}
	if !found {
		return domain.ReceiptEntry{}, false, nil
	}
	entry, err := stored.decode()
	if err != nil {
		return domain.ReceiptEntry{}, false, err
	}
	return entry, true, nil
}

func (s *BoltStore) ListReceipts(ctx context.Context, limit int) ([]domain.ReceiptEntry, error) {
	if limit <= 0 {
		return []domain.ReceiptEntry{}, nil
	}
	var stored []storedEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReceipts).ForEach(func(_, v []byte) error {
			var e storedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			stored = append(stored, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].UpdatedAt.After(stored[j].UpdatedAt) })
	entries := make([]domain.ReceiptEntry, 0, min(limit, len(stored)))
	for _, e := range stored {
		if len(entries) == limit {
			break
		}
		entry, err := e.decode()
		if err != nil {
			slog.Warn("list receipts: skipping invalid receipt", "hash", e.DocumentHash, "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *BoltStore) DocumentNames(ctx context.Context, hash string) ([]string, error) {
	names := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		names = namesIn(tx, hash)
		return nil
	})
	return names, err
}

func namesIn(tx *bbolt.Tx, hash string) []string {
	names := []string{}
	prefix := []byte(hash + keySep)
	c := tx.Bucket(bucketNames).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		names = append(names, string(v))
	}
	return names
}

// SearchReceipts scores every stored embedding against vector.
func (s *BoltStore) SearchReceipts(ctx context.Context, vector []float32, k int) ([]domain.SearchResult, error) {
	if k <= 0 {
		return []domain.SearchResult{}, nil
	}
	if err := validateDim(vector, s.embeddingDim); err != nil {
		return nil, err
	}
	var results []domain.SearchResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		var cands []candidate
		err := tx.Bucket(bucketEmbeddings).ForEach(func(_, v []byte) error {
			var emb domain.ReceiptEmbedding
			if err := json.Unmarshal(v, &emb); err != nil {
				return err
			}
			cands = append(cands, candidate{
				DocumentHash: emb.DocumentHash,
				LanguageCode: emb.LanguageCode,
				Type:         emb.Type,
				Score:        cosineSimilarity(vector, emb.Embedding),
			})
			return nil
		})
		if err != nil {
			return err
		}
		ranked := collapseByDocument(cands, k)
		entries := make(map[string]storedEntry, len(ranked))
		names := make(map[string][]string, len(ranked))
		for _, c := range ranked {
			if raw := tx.Bucket(bucketReceipts).Get([]byte(c.DocumentHash)); raw != nil {
				var e storedEntry
				if err := json.Unmarshal(raw, &e); err != nil {
					slog.Warn("search: undecodable receipt", "hash", c.DocumentHash, "err", err)
				} else {
					entries[c.DocumentHash] = e
				}
			}
			names[c.DocumentHash] = namesIn(tx, c.DocumentHash)
		}
		results = joinResults(ranked, entries, names)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return results, nil
}

// boltTx implements Tx inside one read-write bbolt transaction.
type boltTx struct {
	tx           *bbolt.Tx
	embeddingDim int
}

func (t *boltTx) put(bucket []byte, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucket).Put([]byte(key), raw)
}

func (t *boltTx) SaveScannedDocument(ctx context.Context, doc domain.ScannedDocument) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	return t.put(bucketScanned, doc.DocumentHash, doc)
}

func (t *boltTx) UpsertReceipt(ctx context.Context, entry domain.ReceiptEntry) error {
	rec, err := json.Marshal(entry.Receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}
	stored := storedEntry{
		ID:            entry.ID,
		DocumentHash:  entry.DocumentHash,
		LanguageCodes: entry.LanguageCodes,
		Receipt:       rec,
		UpdatedAt:     entry.UpdatedAt,
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	return t.put(bucketReceipts, entry.DocumentHash, stored)
}

func (t *boltTx) UpsertEmbedding(ctx context.Context, emb domain.ReceiptEmbedding) error {
	if err := validateDim(emb.Embedding, t.embeddingDim); err != nil {
		return err
	}
	return t.put(bucketEmbeddings, emb.DocumentHash+keySep+emb.LanguageCode, emb)
}

func (t *boltTx) SaveDocumentName(ctx context.Context, name domain.DocumentName) error {
	return t.tx.Bucket(bucketNames).Put([]byte(name.DocumentHash+keySep+name.Name), []byte(name.Name))
}

func validateDim(embedding []float32, dim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if dim > 0 && len(embedding) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), dim)
	}
	return nil
}
