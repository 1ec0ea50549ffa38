package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("the secret value", "passphrase")
	require.NoError(t, err)
	require.Contains(t, enc, ":")
	assert.NotContains(t, enc, "the secret value")

	dec, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "the secret value", dec)
}

func TestEncryptProducesFreshCiphertext(t *testing.T) {
	a, err := EncryptValue("same", "pass")
	require.NoError(t, err)
	b, err := EncryptValue("same", "pass")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "salt and nonce must be random per call")
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("secret", "right")
	require.NoError(t, err)

	_, err = DecryptValue(enc, "wrong")
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	for _, in := range []string{
		"no-separator",
		"nothex:abcd",
		"abcd:nothex",
		"abcd:ff", // shorter than a nonce
	} {
		_, err := DecryptValue(in, "pass")
		assert.Error(t, err, "input %q", in)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, err := EncryptValue("secret", "pass")
	require.NoError(t, err)

	// Flip the last hex digit of the ciphertext.
	last := enc[len(enc)-1]
	flipped := "0"
	if last == '0' {
		flipped = "1"
	}
	tampered := strings.TrimSuffix(enc, string(last)) + flipped

	_, err = DecryptValue(tampered, "pass")
	require.Error(t, err)
}
