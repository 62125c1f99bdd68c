package crypto

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerAddressDerivation(t *testing.T) {
	// The secp256k1 private key 0x01 derives this well-known address.
	s, err := NewSigner("0x0000000000000000000000000000000000000000000000000000000000000001", 1337)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"), s.Address())
}

func TestNewSignerRejectsInvalidKey(t *testing.T) {
	_, err := NewSigner("not hex", 1337)
	assert.Error(t, err)
}

func TestActionHashNonceAndVaultChangeDigest(t *testing.T) {
	action := []byte{0x83, 0xa4, 0x74, 0x79}

	base := ActionHash(action, nil, 1)
	otherNonce := ActionHash(action, nil, 2)
	assert.NotEqual(t, base, otherNonce)

	vault := common.HexToAddress("0x1111111111111111111111111111111111111111")
	withVault := ActionHash(action, &vault, 1)
	assert.NotEqual(t, base, withVault)

	// Same inputs always commit to the same id.
	assert.Equal(t, base, ActionHash(action, nil, 1))
}

func TestSignActionShape(t *testing.T) {
	s, err := NewSigner("0x0000000000000000000000000000000000000000000000000000000000000001", 1337)
	require.NoError(t, err)

	id := ActionHash([]byte("order"), nil, 42)
	sig, err := s.SignAction(id, true)
	require.NoError(t, err)

	// 65 bytes hex encoded with 0x prefix, recovery id normalised.
	require.True(t, strings.HasPrefix(sig, "0x"))
	require.Len(t, sig, 2+130)
	v := sig[len(sig)-2:]
	assert.Contains(t, []string{"1b", "1c"}, v)

	// Deterministic signing (RFC 6979 nonces) yields stable output, and
	// the testnet source string produces a different signature.
	again, err := s.SignAction(id, true)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	testnet, err := s.SignAction(id, false)
	require.NoError(t, err)
	assert.NotEqual(t, sig, testnet)
}
