package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
	"time"
)

// HMACSHA256Hex computes HMAC-SHA256 of message keyed by secret, hex encoded.
func HMACSHA256Hex(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SHA512Hex returns the hex SHA-512 digest of s. Query-hash JWT schemes sign
// this digest of the encoded query string.
func SHA512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TimestampMillis returns the current Unix time in milliseconds as a string.
func TimestampMillis() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

// Redact keeps the first four characters of a key for log lines.
func Redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
