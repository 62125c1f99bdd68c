package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBinanceSignatureKnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	h := &HMACAuth{Key: "unused", Secret: "Jefe"}
	sig := h.BinanceSignature("what do ya want for nothing?")
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", sig)
}

func TestBybitHeadersAtDeterministic(t *testing.T) {
	h := &HMACAuth{Key: "api-key", Secret: "api-secret"}
	payload := "category=linear&symbol=BTCUSDT"

	headers := h.BybitHeadersAt(payload, 5000, 1700000000000)

	assert.Equal(t, "api-key", headers["X-BAPI-API-KEY"])
	assert.Equal(t, "1700000000000", headers["X-BAPI-TIMESTAMP"])
	assert.Equal(t, "5000", headers["X-BAPI-RECV-WINDOW"])
	// The signed message is timestamp || apiKey || recvWindow || payload.
	want := hmacSHA256Hex([]byte("api-secret"), "1700000000000api-key5000"+payload)
	assert.Equal(t, want, headers["X-BAPI-SIGN"])

	// Same inputs, same signature.
	again := h.BybitHeadersAt(payload, 5000, 1700000000000)
	assert.Equal(t, headers["X-BAPI-SIGN"], again["X-BAPI-SIGN"])

	// A different payload must change the signature.
	other := h.BybitHeadersAt(payload+"&limit=1", 5000, 1700000000000)
	assert.NotEqual(t, headers["X-BAPI-SIGN"], other["X-BAPI-SIGN"])
}

func TestHMACAuthStringRedacts(t *testing.T) {
	h := &HMACAuth{Key: "abcdef123456", Secret: "secretsecret"}
	s := h.String()
	assert.NotContains(t, s, "abcdef123456")
	assert.NotContains(t, s, "secretsecret")
	assert.Contains(t, s, "abcd****")
}
