package e2ee

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/locks"
	"github.com/arko-chat/e2ee/olm"
)

// Machine wires the engine together for one device: it owns the identity
// account for the device's lifetime and shares one store, client, primitive
// provider and sender-key lock map across the encryptor, decryptor, tracker
// and trust evaluator.
type Machine struct {
	Account   *IdentityAccount
	Encryptor *PairwiseEncryptor
	Decryptor *PairwiseDecryptor
	Tracker   *DeviceKeyTracker
	Trust     *CrossSigningTrust

	store  Store
	client Client
	log    *slog.Logger
}

// MachineConfig carries everything NewMachine needs. Store, Client and
// Provider are required; Seeds may be empty when the device holds no
// private cross-signing material.
type MachineConfig struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	PickleKey []byte
	Seeds     CrossSigningSeeds

	Store    Store
	Client   Client
	Provider olm.Provider
	Log      *slog.Logger
}

// NewMachine loads the device's identity from the store, creating and
// persisting a fresh one on first run, then tops up and uploads one-time
// keys so the device is immediately reachable.
func NewMachine(ctx context.Context, cfg MachineConfig) (*Machine, error) {
	account, err := loadOrCreateAccount(ctx, cfg)
	if err != nil {
		return nil, err
	}

	lockMap := locks.NewMap[id.Curve25519]()
	tracker, err := NewDeviceKeyTracker(cfg.Store, cfg.Client, cfg.Provider, cfg.Log)
	if err != nil {
		account.Dispose()
		return nil, err
	}

	m := &Machine{
		Account:   account,
		Encryptor: NewPairwiseEncryptor(account, cfg.Provider, cfg.Client, cfg.Store, lockMap, cfg.Log),
		Decryptor: NewPairwiseDecryptor(account, cfg.Provider, cfg.Store, lockMap, cfg.Log),
		Tracker:   tracker,
		Trust:     NewCrossSigningTrust(cfg.UserID, cfg.Store, cfg.Client, cfg.Provider, tracker, cfg.Seeds, cfg.Log),
		store:     cfg.Store,
		client:    cfg.Client,
		log:       cfg.Log,
	}

	if err := m.replenishOTKs(ctx); err != nil {
		account.Dispose()
		return nil, err
	}
	return m, nil
}

func loadOrCreateAccount(ctx context.Context, cfg MachineConfig) (*IdentityAccount, error) {
	var rec *AccountRecord
	err := cfg.Store.View(ctx, func(txn Txn) error {
		var err error
		rec, err = txn.GetAccount()
		return err
	})
	if err != nil {
		return nil, err
	}

	if rec != nil {
		return LoadIdentityAccount(cfg.Provider, cfg.UserID, cfg.DeviceID, rec, cfg.PickleKey)
	}

	account, err := NewIdentityAccount(cfg.Provider, cfg.UserID, cfg.DeviceID, cfg.PickleKey)
	if err != nil {
		return nil, err
	}
	if err := persistAccount(ctx, cfg.Store, account); err != nil {
		account.Dispose()
		return nil, err
	}
	cfg.Log.Info("created device identity", "user_id", cfg.UserID, "device_id", cfg.DeviceID)
	return account, nil
}

// HandleOTKCount processes a server-pushed count of remaining one-time
// keys, regenerating and uploading the shortfall.
func (m *Machine) HandleOTKCount(ctx context.Context, count mautrix.OTKCount) error {
	m.Account.UpdateServerOTKCount(count.SignedCurve25519)
	return m.replenishOTKs(ctx)
}

func (m *Machine) replenishOTKs(ctx context.Context) error {
	uploadOwed, err := m.Account.GenerateOTKsIfNeeded()
	if err != nil {
		return err
	}
	if !uploadOwed {
		return nil
	}
	if err := m.Account.UploadKeys(ctx, m.client, m.log); err != nil {
		return err
	}
	return persistAccount(ctx, m.store, m.Account)
}

// SendEncrypted encrypts content for every target device and delivers the
// ciphertexts in one send-to-device request.
func (m *Machine) SendEncrypted(ctx context.Context, evtType event.Type, content any, targets []*mautrix.DeviceKeys) error {
	messages, err := m.Encryptor.Encrypt(ctx, evtType, content, targets)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	if _, err := m.client.SendToDevice(ctx, evtType, BuildSendToDeviceRequest(messages)); err != nil {
		return fmt.Errorf("send to device: %w", err)
	}
	return nil
}

// DecryptBatch runs the full decrypt flow for a batch of inbound events:
// lock, decrypt, persist, unlock. Callers needing to commit the plaintext
// atomically with the session state drive the Decryptor directly instead.
func (m *Machine) DecryptBatch(ctx context.Context, events []*event.Event) ([]*DecryptedOlmEvent, []*DecryptionError, error) {
	lock := m.Decryptor.ObtainDecryptionLock(events)
	res, err := m.Decryptor.Decrypt(ctx, lock, events)
	if err != nil {
		return nil, nil, err
	}
	defer res.Close()
	if err := m.store.Update(ctx, res.Write); err != nil {
		return nil, nil, err
	}
	return res.Events, res.Errors, nil
}

// Close persists the account's current state and frees the native handle.
// The store is left open; its owner closes it.
func (m *Machine) Close(ctx context.Context) error {
	err := persistAccount(ctx, m.store, m.Account)
	m.Account.Dispose()
	return err
}

func persistAccount(ctx context.Context, store Store, account *IdentityAccount) error {
	rec, err := account.Record()
	if err != nil {
		return err
	}
	return store.Update(ctx, func(txn Txn) error {
		return txn.PutAccount(rec)
	})
}
