package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	plaintext := []byte(`{"api_key":"rp_secret_123"}`)
	sealed, err := box.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "rp_secret_123")

	opened, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealProducesUniqueNonces(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	a, err := box.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := box.Seal([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	sealed, err := box.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = box.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsWrongKey(t *testing.T) {
	keyA, err := GenerateKey()
	require.NoError(t, err)
	keyB, err := GenerateKey()
	require.NoError(t, err)

	boxA, err := NewBox(keyA)
	require.NoError(t, err)
	boxB, err := NewBox(keyB)
	require.NoError(t, err)

	sealed, err := boxA.Seal([]byte("payload"))
	require.NoError(t, err)
	_, err = boxB.Open(sealed)
	assert.Error(t, err)
}

func TestNewBoxValidatesKey(t *testing.T) {
	_, err := NewBox("not hex")
	assert.Error(t, err)

	_, err = NewBox(strings.Repeat("ab", 16)) // 16 bytes, too short
	assert.Error(t, err)

	_, err = NewBox(strings.Repeat("ab", 32))
	assert.NoError(t, err)
}

func TestOpenRejectsShortInput(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewBox(key)
	require.NoError(t, err)

	_, err = box.Open([]byte("short"))
	assert.Error(t, err)
}
