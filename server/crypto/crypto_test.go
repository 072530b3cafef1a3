package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestDeriveKeyDeterministic(t *testing.T) {
	k1, err := DeriveKey(testKey(), []string{"bob", "alice"})
	require.NoError(t, err)
	k2, err := DeriveKey(testKey(), []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation must be order-independent (sorted internally)")

	k3, err := DeriveKey(testKey(), []string{"alice", "bob", "bob"})
	require.NoError(t, err)
	assert.Equal(t, k1, k3, "derivation must be dedupe-independent")

	k4, err := DeriveKey(testKey(), []string{"alice", "carol"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "different participant sets must derive different keys")
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveKey(testKey(), []string{"alice", "bob"})
	require.NoError(t, err)

	ct, nonce, err := Seal([]byte("hello"), key)
	require.NoError(t, err)

	pt, err := Open(ct, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestOpenFailsOnWrongKey(t *testing.T) {
	key1, _ := DeriveKey(testKey(), []string{"alice", "bob"})
	key2, _ := DeriveKey(testKey(), []string{"alice", "carol"})

	ct, nonce, err := Seal([]byte("hello"), key1)
	require.NoError(t, err)

	_, err = Open(ct, nonce, key2)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestEncryptDecryptForStorage(t *testing.T) {
	key, _ := DeriveKey(testKey(), []string{"alice", "bob"})

	envelope, err := EncryptForStorage("hi there", key)
	require.NoError(t, err)

	pt, ok, err := DecryptFromStorage(envelope, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi there", pt)
}

func TestDecryptFromStorageLegacyPlaintext(t *testing.T) {
	_, ok, err := DecryptFromStorage("just some plain text", testKey())
	require.NoError(t, err)
	assert.False(t, ok, "legacy plaintext rows are not wrapped and must be reported as such")
}

func TestDecryptFromStorageWrongKeyFails(t *testing.T) {
	key1, _ := DeriveKey(testKey(), []string{"alice", "bob"})
	key2, _ := DeriveKey(testKey(), []string{"alice", "carol"})

	envelope, err := EncryptForStorage("secret", key1)
	require.NoError(t, err)

	_, ok, err := DecryptFromStorage(envelope, key2)
	assert.True(t, ok, "a well-formed envelope is recognised even when the key is wrong")
	assert.ErrorIs(t, err, ErrOpenFailed)
}
