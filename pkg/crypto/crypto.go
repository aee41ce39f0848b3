// Package crypto wraps the primitives the team history relies on: sha3 content
// hashing, ed25519 signatures, anonymous sealed boxes for lockboxes and argon2
// stretching for invitation seeds.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"

	"teamtrust/pkg/types"
)

const (
	HashSize         = 32
	SignaturePubSize = ed25519.PublicKeySize
	EncryptionKeyLen = 32
)

var (
	ErrDecrypt         = errors.New("unable to decrypt sealed box")
	ErrInvalidKeyLen   = errors.New("invalid key length")
	ErrInvalidSecret   = errors.New("invalid secret key")
	ErrEmptyPassphrase = errors.New("empty passphrase")
)

// SigningKeyPair is an ed25519 key pair; SecretKey is empty for public-only copies
type SigningKeyPair struct {
	PublicKey []byte `json:"publicKey"`
	SecretKey []byte `json:"secretKey,omitempty"`
}

// EncryptionKeyPair is a curve25519 key pair used with sealed boxes
type EncryptionKeyPair struct {
	PublicKey []byte `json:"publicKey"`
	SecretKey []byte `json:"secretKey,omitempty"`
}

// Hash returns the hex encoded sha3-256 digest of the concatenated parts
func Hash(parts ...[]byte) types.Hash {
	return types.Hash(hex.EncodeToString(Digest(parts...)))
}

// Digest returns the raw sha3-256 digest of the concatenated parts
func Digest(parts ...[]byte) []byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func NewSigningKeyPair() (SigningKeyPair, error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return SigningKeyPair{PublicKey: pk, SecretKey: sk}, nil
}

// SigningKeyPairFromSeed deterministically derives a signing key pair from 32 bytes of seed
func SigningKeyPairFromSeed(seed []byte) (SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return SigningKeyPair{}, ErrInvalidKeyLen
	}
	sk := ed25519.NewKeyFromSeed(seed)
	pk := sk.Public().(ed25519.PublicKey)
	return SigningKeyPair{PublicKey: pk, SecretKey: sk}, nil
}

func Sign(secretKey, message []byte) ([]byte, error) {
	if len(secretKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidSecret
	}
	return ed25519.Sign(ed25519.PrivateKey(secretKey), message), nil
}

// Verify reports whether sig is a valid signature of message by publicKey.
// Malformed keys are rejected rather than panicking.
func Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

func NewEncryptionKeyPair() (EncryptionKeyPair, error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return EncryptionKeyPair{}, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return EncryptionKeyPair{PublicKey: pk[:], SecretKey: sk[:]}, nil
}

// Seal encrypts plaintext so that only the holder of the matching secret key can open it
func Seal(recipientPublicKey, plaintext []byte) ([]byte, error) {
	pk, err := toKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, plaintext, pk, rand.Reader)
}

func Open(publicKey, secretKey, ciphertext []byte) ([]byte, error) {
	pk, err := toKey(publicKey)
	if err != nil {
		return nil, err
	}
	sk, err := toKey(secretKey)
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.OpenAnonymous(nil, ciphertext, pk, sk)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// Stretch hardens a low or medium entropy passphrase into a 32 byte key
func Stretch(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 19*1024, 2, 32), nil
}

// DeriveKey expands key material into n bytes bound to the given info label
func DeriveKey(secret []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	r := hkdf.New(sha3.New256, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

func toKey(b []byte) (*[32]byte, error) {
	if len(b) != EncryptionKeyLen {
		return nil, ErrInvalidKeyLen
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}
