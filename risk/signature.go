package risk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// TradeSignature produces an audit token for a close/fill record. The
// random nonce means two calls with identical logical inputs still differ:
// signatures exist for audit correlation, never for deduplication.
func TradeSignature(subAccountID, positionID string, price, quantity float64) string {
	return signature("close", subAccountID, positionID, price, quantity)
}

// OpenTradeSignature produces an audit token for an open/net record.
func OpenTradeSignature(subAccountID, symbol string, price, quantity float64) string {
	return signature("open", subAccountID, symbol, price, quantity)
}

func signature(kind, a, b string, price, quantity float64) string {
	payload := fmt.Sprintf("%s|%s|%s|%.10f|%.10f|%s", kind, a, b, price, quantity, uuid.NewString())
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
