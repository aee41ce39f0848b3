// Package keyring manages keysets, the lockboxes that distribute them and
// the local ring of keys a device can unlock.
package keyring

import (
	"bytes"
	"errors"
	"fmt"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/types"
)

var (
	ErrKeyMismatch = errors.New("lockbox is not addressed to these keys")
	ErrNoKeys      = errors.New("no keys available for scope")
)

// Keyset holds both halves of the signing and encryption keys of one
// generation of a scope. Only the rightful holder has the secret halves.
type Keyset struct {
	Type       types.KeyType            `json:"type"`
	Name       string                   `json:"name"`
	Generation int                      `json:"generation"`
	Signature  crypto.SigningKeyPair    `json:"signature"`
	Encryption crypto.EncryptionKeyPair `json:"encryption"`
}

// PublicKeyset is the redacted form of a Keyset that can go on the history
type PublicKeyset struct {
	Type       types.KeyType `json:"type"`
	Name       string        `json:"name"`
	Generation int           `json:"generation"`
	Signature  []byte        `json:"signature"`
	Encryption []byte        `json:"encryption"`
}

// NewKeyset generates fresh keys for scope at the given generation
func NewKeyset(scope types.KeyScope, generation int) (Keyset, error) {
	sig, err := crypto.NewSigningKeyPair()
	if err != nil {
		return Keyset{}, err
	}
	enc, err := crypto.NewEncryptionKeyPair()
	if err != nil {
		return Keyset{}, err
	}
	return Keyset{
		Type:       scope.Type,
		Name:       scope.Name,
		Generation: generation,
		Signature:  sig,
		Encryption: enc,
	}, nil
}

func (k Keyset) Scope() types.KeyScope {
	return types.KeyScope{Type: k.Type, Name: k.Name}
}

func (k Keyset) Public() PublicKeyset {
	return PublicKeyset{
		Type:       k.Type,
		Name:       k.Name,
		Generation: k.Generation,
		Signature:  k.Signature.PublicKey,
		Encryption: k.Encryption.PublicKey,
	}
}

// HasSecrets reports whether the keyset carries usable secret halves
func (k Keyset) HasSecrets() bool {
	return len(k.Signature.SecretKey) > 0 && len(k.Encryption.SecretKey) > 0
}

// Matches reports whether k is the secret counterpart of pub
func (k Keyset) Matches(pub PublicKeyset) bool {
	return k.Type == pub.Type && k.Name == pub.Name &&
		bytes.Equal(k.Encryption.PublicKey, pub.Encryption) &&
		bytes.Equal(k.Signature.PublicKey, pub.Signature)
}

func (p PublicKeyset) Scope() types.KeyScope {
	return types.KeyScope{Type: p.Type, Name: p.Name}
}

func (p PublicKeyset) IsZero() bool {
	return len(p.Encryption) == 0 && len(p.Signature) == 0
}

// Validate checks the shape of public key material received from a peer
func (p PublicKeyset) Validate() error {
	if p.Type == "" || p.Name == "" {
		return fmt.Errorf("keyset has no scope")
	}
	if p.Generation < 0 {
		return fmt.Errorf("keyset %s has negative generation", p.Scope())
	}
	if len(p.Signature) != crypto.SignaturePubSize || len(p.Encryption) != crypto.EncryptionKeyLen {
		return fmt.Errorf("keyset %s has malformed keys", p.Scope())
	}
	return nil
}
