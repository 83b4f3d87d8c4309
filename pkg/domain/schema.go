package domain

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed receipt.schema.json
var receiptSchemaJSON string

var receiptSchema = jsonschema.MustCompileString("receipt.schema.json", receiptSchemaJSON)

// ReceiptSchemaDescription is the prompt-facing shape of ReceiptRecord.
// Keep it in step with receipt.schema.json.
const ReceiptSchemaDescription = `{
    id: string;
    date: string;
    storeName: string;
    storeAddress: string;
    cashierName?: string | undefined;
    items: {
        id: string;
        name: string;
        desc: string;
        qty: number;
        unitPrice: number;
        totalPrice: number;
        metadata?: unknown;
    }[];
    subtotal: number;
    tax: number;
    total: number;
    currencyCode: string;
    paymentMethod: string;
    paymentDetails: {
        [x: string]: string;
    };
    classification: {
        category: string;
        purpose: string;
        expenseType: string;
        vendorType: string;
        complianceCategory: string;
        ethicalRiskScore: number;
        responsiblePartyType: string;
    };
    metadata?: unknown;
}`

// ValidateReceiptJSON checks raw JSON against the ReceiptRecord schema.
func ValidateReceiptJSON(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse receipt json: %w", err)
	}
	if err := receiptSchema.Validate(doc); err != nil {
		return fmt.Errorf("receipt schema: %w", err)
	}
	return nil
}

// ParseReceiptRecord validates data and decodes it into a ReceiptRecord.
func ParseReceiptRecord(data []byte) (ReceiptRecord, error) {
	if err := ValidateReceiptJSON(data); err != nil {
		return ReceiptRecord{}, err
	}
	var rec ReceiptRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ReceiptRecord{}, fmt.Errorf("decode receipt: %w", err)
	}
	return rec, nil
}
