package payment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const referencePrefix = "smartz"

// GenerateReference builds the idempotency key shared with the provider for
// one payment attempt: smartz_<orderID>_<unixnano>_<token>. The order id is
// embedded so a notification can be traced back even when the provider drops
// metadata; the timestamp plus random token keep it unguessable and unique
// across concurrent attempts for the same order.
func GenerateReference(orderID string) string {
	return fmt.Sprintf("%s_%s_%d_%s", referencePrefix, orderID, time.Now().UnixNano(), secureToken(4))
}

// OrderIDFromReference recovers the embedded order id. The two trailing
// segments are always entropy, so order ids containing underscores survive
// the round trip. Provider metadata remains the preferred source; this is
// the fallback.
func OrderIDFromReference(reference string) (string, bool) {
	body, ok := strings.CutPrefix(reference, referencePrefix+"_")
	if !ok {
		return "", false
	}

	parts := strings.Split(body, "_")
	if len(parts) < 3 {
		return "", false
	}

	orderID := strings.Join(parts[:len(parts)-2], "_")
	if orderID == "" {
		return "", false
	}

	return orderID, true
}

func secureToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}
