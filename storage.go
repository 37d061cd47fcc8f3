package e2ee

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Txn is one transaction over the crypto store's keyspaces. Lookups return
// nil (not an error) for absent records. Writes made inside an Update are
// visible atomically after the enclosing function returns nil; returning an
// error discards all of them.
type Txn interface {
	GetAccount() (*AccountRecord, error)
	PutAccount(*AccountRecord) error

	// SessionsForSender returns the sessions for one sender key, most
	// recently used first.
	SessionsForSender(senderKey id.Curve25519) ([]*SessionRecord, error)
	PutSession(*SessionRecord) error
	DeleteSession(senderKey id.Curve25519, sessionID id.SessionID) error

	GetDevice(userID id.UserID, deviceID id.DeviceID) (*mautrix.DeviceKeys, error)
	DevicesForUser(userID id.UserID) ([]*mautrix.DeviceKeys, error)
	// DeviceByCurveKey resolves a device through the curve25519 secondary
	// index.
	DeviceByCurveKey(key id.Curve25519) (*mautrix.DeviceKeys, error)
	PutDevice(*mautrix.DeviceKeys) error
	DeleteDevicesForUser(userID id.UserID) error

	GetIdentity(userID id.UserID) (*UserIdentity, error)
	PutIdentity(*UserIdentity) error
	DeleteIdentity(userID id.UserID) error

	GetCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage) (*mautrix.CrossSigningKeys, error)
	PutCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage, key *mautrix.CrossSigningKeys) error
	DeleteCrossSigningKeys(userID id.UserID) error
}

// Store opens transactions over the crypto store. Implementations must make
// Update all-or-nothing; the engine leans on that for batch encrypt commits.
type Store interface {
	View(ctx context.Context, fn func(Txn) error) error
	Update(ctx context.Context, fn func(Txn) error) error
	Close() error
}
