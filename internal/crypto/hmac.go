package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds one centralised venue's API credentials and produces the
// request signatures its REST API expects.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret
}

// BinanceSignature signs a Binance futures request. The payload is the full
// query string (or request body for POST), and the signature is appended as
// the "signature" parameter. Binance expects lowercase hex.
func (h *HMACAuth) BinanceSignature(payload string) string {
	return hmacSHA256Hex([]byte(h.Secret), payload)
}

// BybitHeaders returns the authentication headers for a Bybit v5 request.
// The signed message is timestamp + apiKey + recvWindow + payload, where
// payload is the query string for GET and the JSON body for POST.
func (h *HMACAuth) BybitHeaders(payload string, recvWindowMs int64) map[string]string {
	return h.BybitHeadersAt(payload, recvWindowMs, time.Now().UnixMilli())
}

// BybitHeadersAt is like BybitHeaders but lets the caller supply the
// millisecond timestamp (useful for deterministic testing).
func (h *HMACAuth) BybitHeadersAt(payload string, recvWindowMs, unixMs int64) map[string]string {
	ts := strconv.FormatInt(unixMs, 10)
	recv := strconv.FormatInt(recvWindowMs, 10)

	message := ts + h.Key + recv + payload
	sig := hmacSHA256Hex([]byte(h.Secret), message)

	return map[string]string{
		"X-BAPI-API-KEY":     h.Key,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recv,
		"X-BAPI-SIGN":        sig,
	}
}

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// result as lowercase hex.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
