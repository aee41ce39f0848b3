package history

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/types"
)

// Author identifies the member device signing a link
type Author struct {
	UserID   types.UserID
	DeviceID types.DeviceID
	Keys     crypto.SigningKeyPair
}

// Body is the signed content of a link
type Body struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	UserID    types.UserID    `json:"userId"`
	DeviceID  types.DeviceID  `json:"deviceId"`
	Timestamp int64           `json:"timestamp"`
	Prev      []types.Hash    `json:"prev"`
}

// Link is one signed, content addressed node of the history
type Link struct {
	Hash      types.Hash `json:"hash"`
	Body      Body       `json:"body"`
	SignerKey []byte     `json:"signerKey"`
	Signature []byte     `json:"signature"`
}

// NewLink builds and signs a link on top of prev
func NewLink(typ string, payload any, prev []types.Hash, author Author, ts time.Time) (*Link, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	body := Body{
		Type:      typ,
		Payload:   raw,
		UserID:    author.UserID,
		DeviceID:  author.DeviceID,
		Timestamp: ts.UnixMilli(),
		Prev:      types.SortHashes(slices.Clone(prev)),
	}

	link := &Link{
		Body:      body,
		SignerKey: slices.Clone(author.Keys.PublicKey),
	}
	link.Hash = link.contentHash()

	sig, err := crypto.Sign(author.Keys.SecretKey, link.hashBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign link: %w", err)
	}
	link.Signature = sig

	return link, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return raw, nil
}

// Verify checks the content hash, prev canonical form and signature
func (l *Link) Verify() error {
	if l == nil {
		return fmt.Errorf("%w: nil link", ErrInvalidLink)
	}
	if !slices.IsSorted(l.Body.Prev) || len(slices.Compact(slices.Clone(l.Body.Prev))) != len(l.Body.Prev) {
		return fmt.Errorf("%w: %s has non canonical parents", ErrInvalidLink, l.Hash)
	}
	if got := l.contentHash(); got != l.Hash {
		return fmt.Errorf("%w: hash mismatch for %s", ErrInvalidLink, l.Hash)
	}
	if !crypto.Verify(l.SignerKey, l.hashBytes(), l.Signature) {
		return fmt.Errorf("%w: bad signature on %s", ErrInvalidLink, l.Hash)
	}
	return nil
}

// Decode unmarshals the payload into v
func (l *Link) Decode(v any) error {
	if err := json.Unmarshal(l.Body.Payload, v); err != nil {
		return fmt.Errorf("%w: malformed %s payload: %v", ErrInvalidLink, l.Body.Type, err)
	}
	return nil
}

func (l *Link) IsRoot() bool {
	return len(l.Body.Prev) == 0
}

func (l *Link) hashBytes() []byte {
	b, err := hex.DecodeString(string(l.Hash))
	if err != nil {
		return []byte(l.Hash)
	}
	return b
}

// contentHash hashes a deterministic protobuf wire encoding of the body
func (l *Link) contentHash() types.Hash {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, l.Body.Type)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, l.Body.Payload)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, string(l.Body.UserID))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendString(b, string(l.Body.DeviceID))
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(l.Body.Timestamp))
	for _, p := range l.Body.Prev {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, string(p))
	}
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendBytes(b, l.SignerKey)
	return crypto.Hash(b)
}

// VerifyLinks verifies every link. It takes no locks and is meant to run
// before links are handed to a shared graph.
func VerifyLinks(links []*Link) error {
	for _, l := range links {
		if err := l.Verify(); err != nil {
			return err
		}
	}
	return nil
}
