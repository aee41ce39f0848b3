package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Deterministic(t *testing.T) {
	a := Hash([]byte("hello"), []byte("world"))
	b := Hash([]byte("helloworld"))
	assert.Equal(t, a, b)
	assert.Len(t, string(a), HashSize*2)
	assert.NotEqual(t, a, Hash([]byte("hello world")))
}

func TestSignVerify(t *testing.T) {
	keys, err := NewSigningKeyPair()
	require.NoError(t, err)

	sig, err := Sign(keys.SecretKey, []byte("message"))
	require.NoError(t, err)

	assert.True(t, Verify(keys.PublicKey, []byte("message"), sig))
	assert.False(t, Verify(keys.PublicKey, []byte("tampered"), sig))
	assert.False(t, Verify([]byte("short"), []byte("message"), sig))

	_, err = Sign([]byte("short"), []byte("message"))
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestSigningKeyPairFromSeed(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 7

	a, err := SigningKeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := SigningKeyPairFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey, b.PublicKey)

	_, err = SigningKeyPairFromSeed([]byte("too short"))
	assert.ErrorIs(t, err, ErrInvalidKeyLen)
}

func TestSealOpen(t *testing.T) {
	alice, err := NewEncryptionKeyPair()
	require.NoError(t, err)
	eve, err := NewEncryptionKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(alice.PublicKey, []byte("secret"))
	require.NoError(t, err)

	plain, err := Open(alice.PublicKey, alice.SecretKey, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)

	_, err = Open(eve.PublicKey, eve.SecretKey, sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestStretchAndDerive(t *testing.T) {
	salt := []byte("salt")
	a, err := Stretch("passphrase", salt)
	require.NoError(t, err)
	b, err := Stretch("passphrase", salt)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = Stretch("", salt)
	assert.ErrorIs(t, err, ErrEmptyPassphrase)

	k1, err := DeriveKey(a, "one", 32)
	require.NoError(t, err)
	k2, err := DeriveKey(a, "two", 32)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}
