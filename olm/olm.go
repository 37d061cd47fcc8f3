// Package olm declares the opaque cryptographic primitives the engine is
// built on. The ratchet and signing math live behind these interfaces;
// embedders inject a production Provider (goolm- or libolm-backed), tests
// inject the deterministic fake from olm/olmtest.
package olm

import (
	"errors"

	"maunium.net/go/mautrix/id"
)

// ErrBadMessageFormat is returned by Session.Decrypt and
// Account.NewInboundSession for ciphertext that cannot be parsed at all.
var ErrBadMessageFormat = errors.New("olm: bad message format")

// ErrBadMAC is returned by Session.Decrypt when the message does not belong
// to this session.
var ErrBadMAC = errors.New("olm: bad MAC")

// Account is a device's long-term identity keypair plus its pool of
// one-time keys. Accounts hold native resources; callers must Free them
// exactly once.
type Account interface {
	// Pickle serializes the account, encrypted with key.
	Pickle(key []byte) ([]byte, error)

	// IdentityKeys returns the long-term ed25519 signing key and
	// curve25519 identity key.
	IdentityKeys() (id.Ed25519, id.Curve25519, error)

	// Sign signs message with the account's ed25519 key and returns the
	// unpadded-base64 signature.
	Sign(message []byte) (string, error)

	// SignJSON signs the canonical JSON encoding of obj, with any
	// signatures and unsigned properties removed first.
	SignJSON(obj any) (string, error)

	// OneTimeKeys returns the unpublished one-time keys, by key id.
	OneTimeKeys() (map[string]id.Curve25519, error)

	// GenOneTimeKeys generates count additional one-time keys.
	GenOneTimeKeys(count uint) error

	// MarkKeysAsPublished flags all current one-time keys as published,
	// removing them from future OneTimeKeys results.
	MarkKeysAsPublished()

	// MaxNumberOfOneTimeKeys reports the native pool capacity.
	MaxNumberOfOneTimeKeys() uint

	// NewOutboundSession creates a pairwise session towards the device
	// owning theirIdentityKey, using a one-time key it published.
	NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error)

	// NewInboundSession creates a pairwise session from the pre-key
	// message that initiates it.
	NewInboundSession(senderKey id.Curve25519, preKeyMessage string) (Session, error)

	// RemoveOneTimeKeys discards the one-time key consumed by the given
	// inbound session.
	RemoveOneTimeKeys(used Session) error

	Free()
}

// Session is a single pairwise ratchet session. Sessions hold native
// resources; callers must Free them exactly once.
type Session interface {
	ID() id.SessionID

	Pickle(key []byte) ([]byte, error)

	// Encrypt advances the ratchet and returns the wire message type and
	// body for plaintext.
	Encrypt(plaintext []byte) (id.OlmMsgType, string, error)

	// Decrypt advances the ratchet and returns the plaintext, or fails if
	// the message does not belong to this session.
	Decrypt(message string, msgType id.OlmMsgType) ([]byte, error)

	// MatchesInboundSessionFrom reports whether the pre-key message was
	// created for this session.
	MatchesInboundSessionFrom(senderKey id.Curve25519, preKeyMessage string) (bool, error)

	Free()
}

// PKSigning is a detached ed25519 signing key derived from a seed, used for
// cross-signing operations.
type PKSigning interface {
	// Seed returns the seed of the key.
	Seed() []byte

	// PublicKey returns the public key.
	PublicKey() id.Ed25519

	// Sign creates a signature for the given message using this key.
	Sign(message []byte) (string, error)

	// SignJSON creates a signature for the given object after encoding it
	// to canonical JSON.
	SignJSON(obj any) (string, error)
}

// Verifier checks ed25519 signatures over canonical JSON objects. obj must
// carry its signatures property; the implementation strips signatures and
// unsigned before canonicalization, per the federation signing rules.
type Verifier interface {
	VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error)
}

// Provider constructs the primitive objects.
type Provider interface {
	NewAccount() (Account, error)
	AccountFromPickled(pickled, key []byte) (Account, error)
	SessionFromPickled(pickled, key []byte) (Session, error)
	NewPKSigningFromSeed(seed []byte) (PKSigning, error)
	Verifier() Verifier
}
