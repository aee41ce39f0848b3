// Package invitation lets a member pre-authorize an admission offline. Only
// a public key derived from a secret seed is recorded on the team history;
// the candidate later proves possession of the seed by signing a challenge.
package invitation

import (
	"bytes"
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"teamtrust/pkg/crypto"
	"teamtrust/pkg/types"
)

var ErrInvitationInvalid = errors.New("invitation invalid")

const (
	seedBytes = 10 // 16 base32 characters
	idLength  = 15

	shareScheme = "teamtrust"
	shareHost   = "join"
)

var (
	seedSalt = []byte("teamtrust/invitation/v1")
	encoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// Invitation is the public record stored on the history
type Invitation struct {
	ID        string `json:"id"`
	PublicKey []byte `json:"publicKey"`
	// Expiration is a unix millisecond timestamp, zero means never
	Expiration int64 `json:"expiration,omitempty"`
	MaxUses    int   `json:"maxUses"`
	// UserID is set on device invitations to the member the device belongs to
	UserID types.UserID `json:"userId,omitempty"`
}

// State tracks an invitation's lifecycle inside team state
type State struct {
	Invitation
	Uses    int         `json:"uses"`
	Revoked bool        `json:"revoked"`
	UsedBy  []Admission `json:"usedBy,omitempty"`
}

// Admission records one accepted use of an invitation
type Admission struct {
	// Link is the hash of the use-invitation action
	Link     types.Hash     `json:"link"`
	UserID   types.UserID   `json:"userId"`
	DeviceID types.DeviceID `json:"deviceId"`
}

// Admission returns the recorded use made through link
func (s State) Admission(link types.Hash) (Admission, bool) {
	for _, a := range s.UsedBy {
		if a.Link == link {
			return a, true
		}
	}
	return Admission{}, false
}

// Options for creating an invitation
type Options struct {
	MaxUses    int
	Expiration time.Time
	UserID     types.UserID
}

// Proof demonstrates possession of the seed without revealing it
type Proof struct {
	InvitationID string         `json:"invitationId"`
	UserID       types.UserID   `json:"userId"`
	DeviceID     types.DeviceID `json:"deviceId"`
	Challenge    []byte         `json:"challenge"`
	Signature    []byte         `json:"signature"`
}

// GenerateSeed returns a random seed suitable for sharing out of band
func GenerateSeed() (string, error) {
	b, err := crypto.RandomBytes(seedBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate invitation seed: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(b)), nil
}

// NormalizeSeed makes seeds typed by humans comparable: case, spaces and
// dashes are ignored
func NormalizeSeed(seed string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n':
			return -1
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return r
	}, seed)
}

// derive stretches the seed into the invitation id and signing keys
func derive(seed string) (string, crypto.SigningKeyPair, error) {
	stretched, err := crypto.Stretch(NormalizeSeed(seed), seedSalt)
	if err != nil {
		return "", crypto.SigningKeyPair{}, fmt.Errorf("%w: %v", ErrInvitationInvalid, err)
	}
	idBytes, err := crypto.DeriveKey(stretched, "id", 32)
	if err != nil {
		return "", crypto.SigningKeyPair{}, err
	}
	keySeed, err := crypto.DeriveKey(stretched, "signature", 32)
	if err != nil {
		return "", crypto.SigningKeyPair{}, err
	}
	keys, err := crypto.SigningKeyPairFromSeed(keySeed)
	if err != nil {
		return "", crypto.SigningKeyPair{}, err
	}
	id := string(crypto.Hash(idBytes))[:idLength]
	return id, keys, nil
}

// ID returns the invitation id a seed maps to
func ID(seed string) (string, error) {
	id, _, err := derive(seed)
	return id, err
}

// Create builds the public invitation record for seed
func Create(seed string, opts Options) (Invitation, error) {
	id, keys, err := derive(seed)
	if err != nil {
		return Invitation{}, err
	}
	maxUses := opts.MaxUses
	switch {
	case maxUses < 0:
		return Invitation{}, fmt.Errorf("%w: max uses %d is negative", ErrInvitationInvalid, maxUses)
	case maxUses == 0:
		maxUses = 1
	}
	var expiration int64
	if !opts.Expiration.IsZero() {
		expiration = opts.Expiration.UnixMilli()
	}
	return Invitation{
		ID:         id,
		PublicKey:  keys.PublicKey,
		Expiration: expiration,
		MaxUses:    maxUses,
		UserID:     opts.UserID,
	}, nil
}

// Prove signs the admitting peer's challenge with the seed-derived key
func Prove(seed string, userID types.UserID, deviceID types.DeviceID, challenge []byte) (Proof, error) {
	id, keys, err := derive(seed)
	if err != nil {
		return Proof{}, err
	}
	p := Proof{
		InvitationID: id,
		UserID:       userID,
		DeviceID:     deviceID,
		Challenge:    append([]byte(nil), challenge...),
	}
	sig, err := crypto.Sign(keys.SecretKey, p.message())
	if err != nil {
		return Proof{}, err
	}
	p.Signature = sig
	return p, nil
}

func (p Proof) message() []byte {
	var b bytes.Buffer
	b.WriteString("teamtrust/invitation-proof\x00")
	b.WriteString(p.InvitationID)
	b.WriteByte(0)
	b.WriteString(string(p.UserID))
	b.WriteByte(0)
	b.WriteString(string(p.DeviceID))
	b.WriteByte(0)
	b.Write(p.Challenge)
	return b.Bytes()
}

// Check reports whether the invitation can still admit someone at now
func (s State) Check(now time.Time) error {
	if s.Revoked {
		return fmt.Errorf("%w: invitation %s has been revoked", ErrInvitationInvalid, s.ID)
	}
	if s.Expiration != 0 && now.UnixMilli() > s.Expiration {
		return fmt.Errorf("%w: invitation %s has expired", ErrInvitationInvalid, s.ID)
	}
	if s.Uses >= s.MaxUses {
		return fmt.Errorf("%w: invitation %s has reached its usage limit", ErrInvitationInvalid, s.ID)
	}
	return nil
}

// Validate checks a proof against the recorded invitation
func Validate(p Proof, s State, now time.Time) error {
	if p.InvitationID != s.ID {
		return fmt.Errorf("%w: proof is for invitation %s", ErrInvitationInvalid, p.InvitationID)
	}
	if err := s.Check(now); err != nil {
		return err
	}
	if s.UserID != "" && p.UserID != s.UserID {
		return fmt.Errorf("%w: device invitation %s belongs to %s", ErrInvitationInvalid, s.ID, s.UserID)
	}
	if len(p.Challenge) == 0 {
		return fmt.Errorf("%w: proof has no challenge", ErrInvitationInvalid)
	}
	if !crypto.Verify(s.PublicKey, p.message(), p.Signature) {
		return fmt.Errorf("%w: proof signature does not match invitation %s", ErrInvitationInvalid, s.ID)
	}
	return nil
}

// FormatShareURL packs the address of an admitting peer and a seed into one
// string the invitee can paste into "teamtrust join". The address may itself
// be a URL, so both travel as query values.
func FormatShareURL(address, seed string) string {
	u := url.URL{
		Scheme:   shareScheme,
		Host:     shareHost,
		RawQuery: url.Values{"address": {address}, "seed": {seed}}.Encode(),
	}
	return u.String()
}

// IsShareURL reports whether s looks like a FormatShareURL result
func IsShareURL(s string) bool {
	return strings.HasPrefix(s, shareScheme+"://")
}

// ParseShareURL is the inverse of FormatShareURL
func ParseShareURL(raw string) (address string, seed string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvitationInvalid, err)
	}
	if u.Scheme != shareScheme || u.Host != shareHost {
		return "", "", fmt.Errorf("%w: %q is not a %s://%s link", ErrInvitationInvalid, raw, shareScheme, shareHost)
	}
	q := u.Query()
	address, seed = q.Get("address"), q.Get("seed")
	if address == "" || seed == "" {
		return "", "", fmt.Errorf("%w: link needs both an address and a seed", ErrInvitationInvalid)
	}
	return address, seed, nil
}
