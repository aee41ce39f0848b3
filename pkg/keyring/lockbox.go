package keyring

import (
	"bytes"
	"encoding/json"
	"fmt"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/types"
)

// Lockbox carries a secret keyset encrypted to one recipient keyset
type Lockbox struct {
	ID        types.Hash   `json:"id"`
	Recipient PublicKeyset `json:"recipient"`
	Contents  PublicKeyset `json:"contents"`
	Encrypted []byte       `json:"encrypted"`
}

// Create seals contents to the recipient's public encryption key
func Create(contents Keyset, recipient PublicKeyset) (Lockbox, error) {
	if !contents.HasSecrets() {
		return Lockbox{}, fmt.Errorf("cannot lock %s: no secret keys", contents.Scope())
	}
	plain, err := json.Marshal(contents)
	if err != nil {
		return Lockbox{}, fmt.Errorf("failed to encode keyset: %w", err)
	}
	sealed, err := crypto.Seal(recipient.Encryption, plain)
	if err != nil {
		return Lockbox{}, fmt.Errorf("failed to seal lockbox for %s: %w", recipient.Scope(), err)
	}
	return Lockbox{
		ID:        crypto.Hash(sealed),
		Recipient: recipient,
		Contents:  contents.Public(),
		Encrypted: sealed,
	}, nil
}

// Open decrypts a lockbox with the recipient's keys. Keys that the lockbox
// is not addressed to fail with ErrKeyMismatch.
func Open(lb Lockbox, keys Keyset) (Keyset, error) {
	if !bytes.Equal(lb.Recipient.Encryption, keys.Encryption.PublicKey) {
		return Keyset{}, ErrKeyMismatch
	}
	plain, err := crypto.Open(keys.Encryption.PublicKey, keys.Encryption.SecretKey, lb.Encrypted)
	if err != nil {
		return Keyset{}, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	var out Keyset
	if err := json.Unmarshal(plain, &out); err != nil {
		return Keyset{}, fmt.Errorf("malformed lockbox %s: %w", lb.ID, err)
	}
	if !out.Matches(lb.Contents) || out.Generation != lb.Contents.Generation {
		return Keyset{}, fmt.Errorf("lockbox %s contents do not match its label", lb.ID)
	}
	return out, nil
}
