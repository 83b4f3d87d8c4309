package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// receiptNamespace seeds name-based ids so reprocessing a document yields
// the same entry and embedding ids.
var receiptNamespace = uuid.MustParse("5b0c7c1e-3f3a-4d0e-9a51-2f4f0f3c9d11")

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NameID returns a stable UUIDv5 for the joined parts.
func NameID(parts ...string) string {
	return uuid.NewSHA1(receiptNamespace, []byte(strings.Join(parts, ":"))).String()
}
