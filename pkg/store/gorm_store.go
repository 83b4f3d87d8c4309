package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"receiptscanner/pkg/domain"
)

const migrateLockID int64 = 73217321

// pgvector refuses HNSW indexes above this many dimensions.
const maxHNSWDim = 2000

// An HNSW scan yields at most hnsw.ef_search rows, whatever the LIMIT.
// pgvector accepts values in [1, 1000] and defaults to 40.
const (
	defaultEfSearch = 40
	maxEfSearch     = 1000
)

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres with pgvector.
type GormStore struct {
	gormTx
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = DefaultEmbeddingDim
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return migrate(tx, embeddingDim)
	}); err != nil {
		return nil, err
	}
	return &GormStore{gormTx: gormTx{db: db, embeddingDim: embeddingDim}, db: db}, nil
}

func migrate(tx *gorm.DB, embeddingDim int) error {
	if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("create pgvector extension: %w", err)
	}
	if err := tx.AutoMigrate(&ScannedDocumentModel{}, &ReceiptModel{}, &ReceiptEmbeddingModel{}, &DocumentNameModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(fmt.Sprintf(
		"ALTER TABLE receipt_embeddings ALTER COLUMN embedding TYPE vector(%d)", embeddingDim,
	)).Error; err != nil {
		return fmt.Errorf("alter embedding type: %w", err)
	}
	if embeddingDim > maxHNSWDim {
		slog.Warn("skipping hnsw index, dimension too large", "dim", embeddingDim, "max", maxHNSWDim)
		return nil
	}
	if err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS receipt_embeddings_embedding_hnsw
		ON receipt_embeddings USING hnsw (embedding vector_cosine_ops)
	`).Error; err != nil {
		return fmt.Errorf("create hnsw index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// WithTx runs fn inside a database transaction.
func (s *GormStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, embeddingDim: s.embeddingDim})
	})
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetScannedDocument returns the cached OCR text for hash.
func (s *GormStore) GetScannedDocument(ctx context.Context, hash string) (domain.ScannedDocument, bool, error) {
	var model ScannedDocumentModel
	err := s.db.WithContext(ctx).Where("document_hash = ?", hash).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ScannedDocument{}, false, nil
	}
	if err != nil {
		return domain.ScannedDocument{}, false, err
	}
	return domain.ScannedDocument{DocumentHash: model.DocumentHash, Text: model.Text, CreatedAt: model.CreatedAt}, true, nil
}

// GetReceipt fetches one entry by document hash.
func (s *GormStore) GetReceipt(ctx context.Context, hash string) (domain.ReceiptEntry, bool, error) {
	var model ReceiptModel
	err := s.db.WithContext(ctx).Where("document_hash = ?", hash).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ReceiptEntry{}, false, nil
	}
	if err != nil {
		return domain.ReceiptEntry{}, false, err
	}
	stored, err := receiptFromModel(model)
	if err != nil {
		return domain.ReceiptEntry{}, false, err
	}
	entry, err := stored.decode()
	if err != nil {
		return domain.ReceiptEntry{}, false, err
	}
	return entry, true, nil
}

// ListReceipts returns entries newest first. Invalid receipts are skipped.
func (s *GormStore) ListReceipts(ctx context.Context, limit int) ([]domain.ReceiptEntry, error) {
	if limit <= 0 {
		return []domain.ReceiptEntry{}, nil
	}
	var models []ReceiptModel
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.ReceiptEntry, 0, len(models))
	for _, model := range models {
		stored, err := receiptFromModel(model)
		if err != nil {
			slog.Warn("list receipts: skipping invalid receipt", "hash", model.DocumentHash, "err", err)
			continue
		}
		entry, err := stored.decode()
		if err != nil {
			slog.Warn("list receipts: skipping invalid receipt", "hash", model.DocumentHash, "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DocumentNames lists the upload names recorded for hash.
func (s *GormStore) DocumentNames(ctx context.Context, hash string) ([]string, error) {
	names, err := s.namesFor(ctx, []string{hash})
	if err != nil {
		return nil, err
	}
	if names[hash] == nil {
		return []string{}, nil
	}
	return names[hash], nil
}

func (s *GormStore) namesFor(ctx context.Context, hashes []string) (map[string][]string, error) {
	var models []DocumentNameModel
	if err := s.db.WithContext(ctx).Where("document_hash IN ?", hashes).
		Order("document_hash ASC, name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(hashes))
	for _, m := range models {
		out[m.DocumentHash] = append(out[m.DocumentHash], m.Name)
	}
	return out, nil
}

type searchRow struct {
	DocumentHash string
	LanguageCode string
	Type         string
	Score        float64
}

// SearchReceipts ranks embedding rows by cosine distance through the HNSW
// index, then collapses them to one result per document. The scan runs in a
// transaction that raises hnsw.ef_search to the over-fetch size, so the index
// can return every requested row.
func (s *GormStore) SearchReceipts(ctx context.Context, vector []float32, k int) ([]domain.SearchResult, error) {
	if k <= 0 {
		return []domain.SearchResult{}, nil
	}
	if err := s.validateEmbeddingDim(vector); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(vector)
	var rows []searchRow
	// Each document owns up to three rows, so over-fetch before collapsing.
	fetch := k * 3
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearchFor(fetch))).Error; err != nil {
			return fmt.Errorf("set ef_search: %w", err)
		}
		return tx.Model(&ReceiptEmbeddingModel{}).
			Select("document_hash, language_code, type, 1 - (embedding <=> ?) AS score", vec).
			Where("embedding IS NOT NULL").
			Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
			Limit(fetch).
			Scan(&rows).Error
	}); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	cands := make([]candidate, 0, len(rows))
	for _, r := range rows {
		cands = append(cands, candidate{
			DocumentHash: r.DocumentHash,
			LanguageCode: r.LanguageCode,
			Type:         domain.EmbeddingType(r.Type),
			Score:        r.Score,
		})
	}
	ranked := collapseByDocument(cands, k)
	if len(ranked) == 0 {
		return []domain.SearchResult{}, nil
	}
	hashes := make([]string, 0, len(ranked))
	for _, c := range ranked {
		hashes = append(hashes, c.DocumentHash)
	}

	var models []ReceiptModel
	if err := s.db.WithContext(ctx).Where("document_hash IN ?", hashes).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	entries := make(map[string]storedEntry, len(models))
	for _, m := range models {
		stored, err := receiptFromModel(m)
		if err != nil {
			slog.Warn("search: dropping invalid receipt", "hash", m.DocumentHash, "err", err)
			continue
		}
		entries[m.DocumentHash] = stored
	}
	names, err := s.namesFor(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("load document names: %w", err)
	}
	return joinResults(ranked, entries, names), nil
}

// gormTx implements Tx against either the pool or an open transaction.
type gormTx struct {
	db           *gorm.DB
	embeddingDim int
}

func (t *gormTx) SaveScannedDocument(ctx context.Context, doc domain.ScannedDocument) error {
	model := ScannedDocumentModel{DocumentHash: doc.DocumentHash, Text: doc.Text, CreatedAt: doc.CreatedAt}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"text", "created_at"}),
	}).Create(&model).Error
}

func (t *gormTx) UpsertReceipt(ctx context.Context, entry domain.ReceiptEntry) error {
	model, err := receiptToModel(entry)
	if err != nil {
		return err
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"language_codes", "receipt", "updated_at"}),
	}).Create(&model).Error
}

func (t *gormTx) UpsertEmbedding(ctx context.Context, emb domain.ReceiptEmbedding) error {
	if err := t.validateEmbeddingDim(emb.Embedding); err != nil {
		return err
	}
	vec := pgvector.NewVector(emb.Embedding)
	model := ReceiptEmbeddingModel{
		ID:           emb.ID,
		DocumentHash: emb.DocumentHash,
		LanguageCode: emb.LanguageCode,
		Type:         string(emb.Type),
		Text:         emb.Text,
		Embedding:    &vec,
		UpdatedAt:    time.Now().UTC(),
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_hash"}, {Name: "language_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "text", "embedding", "updated_at"}),
	}).Create(&model).Error
}

func (t *gormTx) SaveDocumentName(ctx context.Context, name domain.DocumentName) error {
	model := DocumentNameModel{DocumentHash: name.DocumentHash, Name: name.Name, CreatedAt: time.Now().UTC()}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

func (t *gormTx) validateEmbeddingDim(embedding []float32) error {
	return validateDim(embedding, t.embeddingDim)
}

func receiptToModel(entry domain.ReceiptEntry) (ReceiptModel, error) {
	langs, err := json.Marshal(entry.LanguageCodes)
	if err != nil {
		return ReceiptModel{}, fmt.Errorf("encode language codes: %w", err)
	}
	rec, err := json.Marshal(entry.Receipt)
	if err != nil {
		return ReceiptModel{}, fmt.Errorf("encode receipt: %w", err)
	}
	updated := entry.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return ReceiptModel{
		ID:            entry.ID,
		DocumentHash:  entry.DocumentHash,
		LanguageCodes: langs,
		Receipt:       rec,
		UpdatedAt:     updated,
	}, nil
}

func receiptFromModel(model ReceiptModel) (storedEntry, error) {
	var langs []string
	if len(model.LanguageCodes) > 0 {
		if err := json.Unmarshal(model.LanguageCodes, &langs); err != nil {
			return storedEntry{}, fmt.Errorf("receipt %s: decode language codes: %w", model.DocumentHash, err)
		}
	}
	return storedEntry{
		ID:            model.ID,
		DocumentHash:  model.DocumentHash,
		LanguageCodes: langs,
		Receipt:       json.RawMessage(model.Receipt),
		UpdatedAt:     model.UpdatedAt,
	}, nil
}

// efSearchFor returns the hnsw.ef_search needed to yield fetch rows.
// Above maxEfSearch the scan is capped and returns fewer rows.
func efSearchFor(fetch int) int {
	return min(max(fetch, defaultEfSearch), maxEfSearch)
}
