package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, key, 0o600))
	return NewKeyring(path)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := testKeyring(t)
	for _, plaintext := range []string{"a", "hello world", "émoji 🚀", "multi\nline"} {
		encrypted, err := k.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, encrypted)

		decrypted, err := k.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEmptyPassesThrough(t *testing.T) {
	k := testKeyring(t)
	encrypted, err := k.Encrypt("")
	assert.NoError(t, err)
	assert.Equal(t, "", encrypted)

	decrypted, err := k.Decrypt("")
	assert.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	k := testKeyring(t)
	a, err := k.Encrypt("same input")
	require.NoError(t, err)
	b, err := k.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	k := testKeyring(t)
	_, err := k.Decrypt("bm90IGEgcmVhbCB0b2tlbg==")
	assert.Error(t, err)
}

func TestMissingKeyFileFails(t *testing.T) {
	k := NewKeyring(filepath.Join(t.TempDir(), "missing"))
	_, err := k.Encrypt("value")
	assert.Error(t, err)
}

func TestWrongKeySizeFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))
	k := NewKeyring(path)
	_, err := k.Encrypt("value")
	assert.Error(t, err)
}

func TestObfuscate(t *testing.T) {
	assert.Equal(t, "****", Obfuscate("abc"))
	assert.Equal(t, "se****23", Obfuscate("secret123"))
}
