package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/olm"
)

// IdentityAccount owns the device's long-term identity keypair and its pool
// of one-time keys. It has a single logical owner (the machine) for the
// device's lifetime and is disposed exactly once at logout.
type IdentityAccount struct {
	userID    id.UserID
	deviceID  id.DeviceID
	account   olm.Account
	pickleKey []byte

	// mu serializes native account access. Decrypt groups for distinct
	// sender keys run concurrently and each may create an inbound session
	// and consume a one-time key.
	mu sync.Mutex

	// shared is set once the device identity keys have been uploaded.
	shared bool
	// serverOTKCount is the server's last reported number of unused
	// signed one-time keys for this device.
	serverOTKCount int

	disposed bool
}

// NewIdentityAccount creates a fresh identity and fills the one-time-key
// pool up to the published half of capacity. Failure here is fatal to the
// device: without a native account nothing else works.
func NewIdentityAccount(provider olm.Provider, userID id.UserID, deviceID id.DeviceID, pickleKey []byte) (*IdentityAccount, error) {
	native, err := provider.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("create identity account: %w", err)
	}
	a := &IdentityAccount{
		userID:    userID,
		deviceID:  deviceID,
		account:   native,
		pickleKey: pickleKey,
	}
	if _, err := a.GenerateOTKsIfNeeded(); err != nil {
		native.Free()
		return nil, err
	}
	return a, nil
}

// LoadIdentityAccount restores an account from its persisted record.
func LoadIdentityAccount(provider olm.Provider, userID id.UserID, deviceID id.DeviceID, rec *AccountRecord, pickleKey []byte) (*IdentityAccount, error) {
	native, err := provider.AccountFromPickled(rec.Pickled, pickleKey)
	if err != nil {
		return nil, fmt.Errorf("restore identity account: %w", err)
	}
	return &IdentityAccount{
		userID:         userID,
		deviceID:       deviceID,
		account:        native,
		pickleKey:      pickleKey,
		shared:         rec.Shared,
		serverOTKCount: rec.ServerOTKCount,
	}, nil
}

// AdoptDehydratedAccount takes ownership of an externally created native
// account, e.g. a rehydrated device. The adopting side becomes responsible
// for disposing it.
func AdoptDehydratedAccount(native olm.Account, userID id.UserID, deviceID id.DeviceID, pickleKey []byte) *IdentityAccount {
	return &IdentityAccount{
		userID:    userID,
		deviceID:  deviceID,
		account:   native,
		pickleKey: pickleKey,
	}
}

// IdentityKeys returns the device's ed25519 signing key and curve25519
// identity key.
func (a *IdentityAccount) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return "", "", ErrAccountDisposed
	}
	return a.account.IdentityKeys()
}

// GenerateOTKsIfNeeded tops the pool up so that published plus unpublished
// one-time keys reach half the native capacity, and reports whether an
// upload is still owed. It never generates a negative count and keeps any
// pre-existing surplus untouched.
func (a *IdentityAccount) GenerateOTKsIfNeeded() (uploadOwed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return false, ErrAccountDisposed
	}
	keyLimit := int(a.account.MaxNumberOfOneTimeKeys()) / 2

	unpublished, err := a.account.OneTimeKeys()
	if err != nil {
		return false, err
	}

	if a.serverOTKCount < keyLimit {
		newKeyCount := keyLimit - len(unpublished) - a.serverOTKCount
		if newKeyCount > 0 {
			if err := a.account.GenOneTimeKeys(uint(newKeyCount)); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return len(unpublished) > 0 || !a.shared, nil
}

// UploadKeys publishes the device identity keys (first time only) and any
// unpublished one-time keys, then records the server's authoritative
// remaining count and marks the local keys published.
func (a *IdentityAccount) UploadKeys(ctx context.Context, client Client, log *slog.Logger) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return ErrAccountDisposed
	}

	req := &mautrix.ReqUploadKeys{}

	if !a.shared {
		deviceKeys, err := a.signedDeviceKeys()
		if err != nil {
			return err
		}
		req.DeviceKeys = deviceKeys
	}

	unpublished, err := a.account.OneTimeKeys()
	if err != nil {
		return err
	}
	if len(unpublished) > 0 {
		req.OneTimeKeys = make(map[id.KeyID]mautrix.OneTimeKey, len(unpublished))
		for keyID, pub := range unpublished {
			signed, err := a.signedOneTimeKey(pub)
			if err != nil {
				return err
			}
			req.OneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = signed
		}
	}

	if req.DeviceKeys == nil && len(req.OneTimeKeys) == 0 {
		return nil
	}

	resp, err := client.UploadKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}

	a.account.MarkKeysAsPublished()
	a.shared = true
	a.serverOTKCount = resp.OneTimeKeyCounts.SignedCurve25519
	log.Debug("uploaded keys",
		"device_keys", req.DeviceKeys != nil,
		"one_time_keys", len(req.OneTimeKeys),
		"server_otk_count", a.serverOTKCount,
	)
	return nil
}

// UpdateServerOTKCount records a count pushed by the server (e.g. from
// sync), so the next GenerateOTKsIfNeeded sees real exhaustion.
func (a *IdentityAccount) UpdateServerOTKCount(count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serverOTKCount = count
}

func (a *IdentityAccount) signedDeviceKeys() (*mautrix.DeviceKeys, error) {
	signingKey, identityKey, err := a.account.IdentityKeys()
	if err != nil {
		return nil, err
	}
	deviceKeys := &mautrix.DeviceKeys{
		UserID:     a.userID,
		DeviceID:   a.deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, a.deviceID): string(identityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, a.deviceID):    string(signingKey),
		},
	}
	sig, err := a.account.SignJSON(deviceKeys)
	if err != nil {
		return nil, err
	}
	deviceKeys.Signatures = signatures.NewSingleSignature(a.userID, id.KeyAlgorithmEd25519, a.deviceID.String(), sig)
	return deviceKeys, nil
}

func (a *IdentityAccount) signedOneTimeKey(pub id.Curve25519) (mautrix.OneTimeKey, error) {
	// IsSigned makes the key marshal as an object; the bare-string form
	// cannot carry signatures.
	otk := mautrix.OneTimeKey{Key: pub, IsSigned: true}
	sig, err := a.account.SignJSON(otk)
	if err != nil {
		return otk, err
	}
	otk.Signatures = signatures.NewSingleSignature(a.userID, id.KeyAlgorithmEd25519, a.deviceID.String(), sig)
	return otk, nil
}

// RemoveOneTimeKey consumes the one-time key a freshly created inbound
// session used. The native pool is mutated immediately even though the
// surrounding persistence can still fail; a key that dies without its
// session being saved is a benign inconsistency (the other side simply
// restarts the session), whereas reusing one is not.
func (a *IdentityAccount) RemoveOneTimeKey(s *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return ErrAccountDisposed
	}
	return a.account.RemoveOneTimeKeys(s.native)
}

// Record pickles the account into its persisted form.
func (a *IdentityAccount) Record() (*AccountRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil, ErrAccountDisposed
	}
	pickled, err := a.account.Pickle(a.pickleKey)
	if err != nil {
		return nil, err
	}
	return &AccountRecord{
		Pickled:        pickled,
		Shared:         a.shared,
		ServerOTKCount: a.serverOTKCount,
	}, nil
}

// Dispose frees the native account. Idempotent so logout paths can race
// shutdown paths without crashing on a double free.
func (a *IdentityAccount) Dispose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return
	}
	a.disposed = true
	a.account.Free()
}

func (a *IdentityAccount) newOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (olm.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil, ErrAccountDisposed
	}
	return a.account.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
}

func (a *IdentityAccount) newInboundSession(senderKey id.Curve25519, preKeyMessage string) (olm.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil, ErrAccountDisposed
	}
	return a.account.NewInboundSession(senderKey, preKeyMessage)
}
