package domain

import (
	"encoding/json"
	"time"

	"receiptscanner/pkg/flatten"
)

// EmbeddingType names the text an embedding row was computed from.
type EmbeddingType string

const (
	EmbeddingSource      EmbeddingType = "source"
	EmbeddingTranslation EmbeddingType = "translation"
	EmbeddingSummary     EmbeddingType = "summary"
)

// UnknownLanguage is recorded when the translator cannot report a source language.
const UnknownLanguage = "unknown"

type ReceiptItem struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Desc       string          `json:"desc"`
	Qty        float64         `json:"qty"`
	UnitPrice  float64         `json:"unitPrice"`
	TotalPrice float64         `json:"totalPrice"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type Classification struct {
	Category             string  `json:"category"`
	Purpose              string  `json:"purpose"`
	ExpenseType          string  `json:"expenseType"`
	VendorType           string  `json:"vendorType"`
	ComplianceCategory   string  `json:"complianceCategory"`
	EthicalRiskScore     float64 `json:"ethicalRiskScore"`
	ResponsiblePartyType string  `json:"responsiblePartyType"`
}

// ReceiptRecord is the structured summary of one receipt. PaymentDetails
// keeps the key order the model wrote it in.
type ReceiptRecord struct {
	ID             string          `json:"id"`
	Date           string          `json:"date"`
	StoreName      string          `json:"storeName"`
	StoreAddress   string          `json:"storeAddress"`
	CashierName    string          `json:"cashierName,omitempty"`
	Items          []ReceiptItem   `json:"items"`
	Subtotal       float64         `json:"subtotal"`
	Tax            float64         `json:"tax"`
	Total          float64         `json:"total"`
	CurrencyCode   string          `json:"currencyCode"`
	PaymentMethod  string          `json:"paymentMethod"`
	PaymentDetails flatten.Object  `json:"paymentDetails"`
	Classification Classification  `json:"classification"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ReceiptEntry is the persisted unit per document, unique by DocumentHash.
type ReceiptEntry struct {
	ID            string        `json:"id"`
	DocumentHash  string        `json:"documentHash"`
	LanguageCodes []string      `json:"languageCodes"`
	Receipt       ReceiptRecord `json:"receipt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ReceiptEmbedding is unique by (DocumentHash, LanguageCode).
type ReceiptEmbedding struct {
	ID           string        `json:"id"`
	DocumentHash string        `json:"documentHash"`
	LanguageCode string        `json:"languageCode"`
	Type         EmbeddingType `json:"type"`
	Text         string        `json:"text"`
	Embedding    []float32     `json:"embedding"`
}

type ScannedDocument struct {
	DocumentHash string    `json:"documentHash"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`
}

type DocumentName struct {
	DocumentHash string `json:"documentHash"`
	Name         string `json:"name"`
}

// SearchResult is one ranked receipt from a vector search.
type SearchResult struct {
	Score         float64       `json:"score"`
	LanguageCode  string        `json:"languageCode"`
	Type          EmbeddingType `json:"type"`
	Entry         ReceiptEntry  `json:"entry"`
	DocumentNames []string      `json:"documentNames"`
}
