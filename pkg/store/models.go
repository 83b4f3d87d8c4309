package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ScannedDocumentModel struct {
	DocumentHash string    `gorm:"primaryKey"`
	Text         string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (ScannedDocumentModel) TableName() string { return "scanned_documents" }

// ReceiptModel stores the receipt as json, not jsonb, so object keys keep
// the order the model produced.
type ReceiptModel struct {
	ID            string         `gorm:"primaryKey"`
	DocumentHash  string         `gorm:"uniqueIndex;not null"`
	LanguageCodes datatypes.JSON `gorm:"type:jsonb;not null"`
	Receipt       datatypes.JSON `gorm:"type:json;not null"`
	UpdatedAt     time.Time      `gorm:"not null;index"`
}

func (ReceiptModel) TableName() string { return "receipts" }

type ReceiptEmbeddingModel struct {
	ID           string           `gorm:"primaryKey"`
	DocumentHash string           `gorm:"not null;uniqueIndex:idx_receipt_embeddings_hash_lang"`
	LanguageCode string           `gorm:"not null;uniqueIndex:idx_receipt_embeddings_hash_lang"`
	Type         string           `gorm:"not null"`
	Text         string           `gorm:"type:text;not null"`
	Embedding    *pgvector.Vector `gorm:"type:vector(1536)"`
	UpdatedAt    time.Time        `gorm:"not null"`
}

func (ReceiptEmbeddingModel) TableName() string { return "receipt_embeddings" }

type DocumentNameModel struct {
	DocumentHash string    `gorm:"primaryKey"`
	Name         string    `gorm:"primaryKey"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (DocumentNameModel) TableName() string { return "document_names" }
