package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"sort"
	"strings"
)

// SignHMACSHA512 returns the hex digest of the payload under the secret.
// Callers must never log the secret or the returned digest.
func SignHMACSHA512(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA512 recomputes the digest and compares in constant time.
func VerifyHMACSHA512(payload []byte, signature, secret string) bool {
	expected := SignHMACSHA512(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// CanonicalString flattens top-level fields into the byte sequence a
// payload-signed provider signs: keys sorted lexicographically, joined as
// key=value with '&'.
func CanonicalString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}
	return strings.Join(pairs, "&")
}
