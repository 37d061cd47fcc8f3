package e2ee

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// olmKeys asserts an ed25519 key inside an encrypted payload.
type olmKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// olmPayload is the plaintext carried inside an olm ciphertext. Sender,
// recipient and recipient key are bound into the encrypted bytes so a
// captured ciphertext cannot be replayed to a different recipient.
type olmPayload struct {
	Type          event.Type      `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        id.UserID       `json:"sender"`
	Recipient     id.UserID       `json:"recipient"`
	RecipientKeys olmKeys         `json:"recipient_keys"`
	Keys          olmKeys         `json:"keys"`
}

// DecryptedOlmEvent is one successfully decrypted and validated
// device-to-device event.
type DecryptedOlmEvent struct {
	Source *event.Event

	Sender id.UserID
	// SenderKey is the curve25519 key the event was encrypted with.
	SenderKey id.Curve25519
	// SenderSigningKey is the ed25519 key the payload asserts; callers
	// resolve it to a device through the tracker before trusting it.
	SenderSigningKey id.Ed25519

	Type    event.Type
	Content json.RawMessage
}

// validate checks the payload against the envelope it arrived in and the
// receiving device's own identity.
func (p *olmPayload) validate(evtSender, ownUser id.UserID, ownSigningKey id.Ed25519) DecryptCode {
	switch {
	case p.Sender != evtSender:
		return DecryptSenderMismatch
	case p.Recipient != ownUser:
		return DecryptRecipientMismatch
	case p.RecipientKeys.Ed25519 != ownSigningKey:
		return DecryptRecipientKeyMismatch
	case p.Keys.Ed25519 == "":
		return DecryptMissingSigningKey
	}
	return ""
}
