// Package e2ee implements client-side device-to-device end-to-end
// encryption for a federated messaging protocol: a durable device identity
// with a bounded one-time-key pool, pairwise ratchet sessions with
// per-sender-key locking, device-key tracking with staleness states, and
// cross-signing trust evaluation. The ratchet and signing primitives
// themselves are injected through the olm package.
package e2ee

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	// ErrAccountDisposed is returned when an IdentityAccount is used
	// after Dispose.
	ErrAccountDisposed = errors.New("identity account already disposed")

	// ErrMasterKeyNotTrusted gates the signing operations: no signature
	// is uploaded before the published master key has been matched
	// against the locally derived one.
	ErrMasterKeyNotTrusted = errors.New("own master key not trusted locally")

	// ErrNoSigningSeed is returned by signing operations when the
	// required private cross-signing seed is not held locally.
	ErrNoSigningSeed = errors.New("no private cross-signing seed")

	// ErrResultConsumed is returned when a DecryptionResult is written
	// or released twice.
	ErrResultConsumed = errors.New("decryption result already consumed")
)

// DecryptCode discriminates the ways decrypting one inbound event can fail.
type DecryptCode string

const (
	// DecryptMissingCiphertext: the event carries no olm ciphertext at all.
	DecryptMissingCiphertext DecryptCode = "missing_ciphertext"
	// DecryptNotForThisDevice: the ciphertext map has no entry for this
	// device's identity key.
	DecryptNotForThisDevice DecryptCode = "not_for_this_device"
	// DecryptNoMatchingSession: no cached session decrypts the message
	// and it is not a pre-key message.
	DecryptNoMatchingSession DecryptCode = "no_matching_session"
	// DecryptFailed: the ratchet rejected the message.
	DecryptFailed DecryptCode = "decryption_failed"
	// DecryptBadPayload: the plaintext is not a valid structured payload.
	DecryptBadPayload DecryptCode = "bad_payload"
	// DecryptSenderMismatch: the payload's declared sender is not the
	// event's sender.
	DecryptSenderMismatch DecryptCode = "sender_mismatch"
	// DecryptRecipientMismatch: the payload was written for a different
	// user.
	DecryptRecipientMismatch DecryptCode = "recipient_mismatch"
	// DecryptRecipientKeyMismatch: the payload was written for a
	// different device key.
	DecryptRecipientKeyMismatch DecryptCode = "recipient_key_mismatch"
	// DecryptMissingSigningKey: the payload does not assert the sender's
	// ed25519 key.
	DecryptMissingSigningKey DecryptCode = "missing_signing_key"
)

// DecryptionError is attached to the one event that failed, so the rest of
// a batch keeps going.
type DecryptionError struct {
	Code      DecryptCode
	Sender    id.UserID
	SenderKey id.Curve25519
	Event     *event.Event
	cause     error
}

func (e *DecryptionError) Error() string {
	msg := fmt.Sprintf("decrypt event from %s (sender key %s): %s", e.Sender, e.SenderKey, e.Code)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error { return e.cause }

// Is matches two DecryptionErrors by code, so callers can write
// errors.Is(err, &DecryptionError{Code: DecryptNoMatchingSession}).
func (e *DecryptionError) Is(target error) bool {
	var other *DecryptionError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}
