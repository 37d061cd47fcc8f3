// Package store implements the engine's crypto store on badger. One badger
// database holds every keyspace: the account pickle, pairwise sessions by
// sender key, device keys by (user, device) with a curve25519 secondary
// index, user identities, and cross-signing keys.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee"
	"github.com/arko-chat/e2ee/config"
)

const (
	prefixAccount     = "acct"
	prefixSession     = "sess/"
	prefixDevice      = "dev/"
	prefixCurveIndex  = "devc/"
	prefixIdentity    = "ident/"
	prefixCrossSigned = "xsk/"
)

// Badger implements e2ee.Store.
type Badger struct {
	db    *badger.DB
	index *sessionIndex
	log   *slog.Logger
}

var _ e2ee.Store = (*Badger)(nil)

// Open opens (or creates) the store at path.
func Open(path string, log *slog.Logger) (*Badger, error) {
	return open(badger.DefaultOptions(path), log)
}

// OpenDefault opens the store at its configured location and returns the
// loaded config alongside it, pickle key included, so the caller can hand
// the key to the account layer.
func OpenDefault(log *slog.Logger) (*Badger, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	s, err := Open(cfg.StorePath, log)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

// OpenInMemory opens a store that vanishes on Close. Used by tests.
func OpenInMemory(log *slog.Logger) (*Badger, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), log)
}

func open(opts badger.Options, log *slog.Logger) (*Badger, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	log.Debug("opened crypto store", "in_memory", opts.InMemory)
	return &Badger{db: db, index: newSessionIndex(), log: log}, nil
}

func (s *Badger) Close() error {
	return s.db.Close()
}

func (s *Badger) View(ctx context.Context, fn func(e2ee.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btxn *badger.Txn) error {
		return fn(&txn{store: s, txn: btxn})
	})
}

func (s *Badger) Update(ctx context.Context, fn func(e2ee.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &txn{store: s}
	err := s.db.Update(func(btxn *badger.Txn) error {
		t.txn = btxn
		return fn(t)
	})
	if err != nil {
		return err
	}
	// The transaction committed; only now may its session writes reach
	// the in-memory MRU index.
	s.index.apply(t.sessionPuts, t.sessionDels)
	return nil
}

type txn struct {
	store *Badger
	txn   *badger.Txn

	sessionPuts []*e2ee.SessionRecord
	sessionDels []*e2ee.SessionRecord
}

var _ e2ee.Txn = (*txn)(nil)

func (t *txn) get(key string, out any) (bool, error) {
	item, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(val, out)
}

func (t *txn) put(key string, in any) error {
	val, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(key), val)
}

func (t *txn) GetAccount() (*e2ee.AccountRecord, error) {
	var rec e2ee.AccountRecord
	ok, err := t.get(prefixAccount, &rec)
	if !ok || err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *txn) PutAccount(rec *e2ee.AccountRecord) error {
	return t.put(prefixAccount, rec)
}

func sessionKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return prefixSession + string(senderKey) + "/" + string(sessionID)
}

func (t *txn) SessionsForSender(senderKey id.Curve25519) ([]*e2ee.SessionRecord, error) {
	if t.store.index.has(senderKey) {
		return t.store.index.get(senderKey), nil
	}

	prefix := []byte(prefixSession + string(senderKey) + "/")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var recs []*e2ee.SessionRecord
	for it.Rewind(); it.Valid(); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		var rec e2ee.SessionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	t.store.index.fill(senderKey, recs)
	return t.store.index.get(senderKey), nil
}

func (t *txn) PutSession(rec *e2ee.SessionRecord) error {
	if err := t.put(sessionKey(rec.SenderKey, rec.SessionID), rec); err != nil {
		return err
	}
	cp := *rec
	t.sessionPuts = append(t.sessionPuts, &cp)
	return nil
}

func (t *txn) DeleteSession(senderKey id.Curve25519, sessionID id.SessionID) error {
	if err := t.txn.Delete([]byte(sessionKey(senderKey, sessionID))); err != nil {
		return err
	}
	t.sessionDels = append(t.sessionDels, &e2ee.SessionRecord{SenderKey: senderKey, SessionID: sessionID})
	return nil
}

func deviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return prefixDevice + string(userID) + "/" + string(deviceID)
}

func (t *txn) GetDevice(userID id.UserID, deviceID id.DeviceID) (*mautrix.DeviceKeys, error) {
	var dev mautrix.DeviceKeys
	ok, err := t.get(deviceKey(userID, deviceID), &dev)
	if !ok || err != nil {
		return nil, err
	}
	return &dev, nil
}

func (t *txn) DevicesForUser(userID id.UserID) ([]*mautrix.DeviceKeys, error) {
	prefix := []byte(prefixDevice + string(userID) + "/")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var devs []*mautrix.DeviceKeys
	for it.Rewind(); it.Valid(); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		var dev mautrix.DeviceKeys
		if err := json.Unmarshal(val, &dev); err != nil {
			return nil, err
		}
		devs = append(devs, &dev)
	}
	return devs, nil
}

func (t *txn) DeviceByCurveKey(key id.Curve25519) (*mautrix.DeviceKeys, error) {
	item, err := t.txn.Get([]byte(prefixCurveIndex + string(key)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ref, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	userID, deviceID, ok := bytes.Cut(ref, []byte{0})
	if !ok {
		return nil, fmt.Errorf("malformed curve key index entry for %s", key)
	}
	return t.GetDevice(id.UserID(userID), id.DeviceID(deviceID))
}

func curveKeyOf(dev *mautrix.DeviceKeys) id.Curve25519 {
	return id.Curve25519(dev.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, dev.DeviceID)])
}

func (t *txn) PutDevice(dev *mautrix.DeviceKeys) error {
	if err := t.put(deviceKey(dev.UserID, dev.DeviceID), dev); err != nil {
		return err
	}
	if curve := curveKeyOf(dev); curve != "" {
		ref := append([]byte(dev.UserID), 0)
		ref = append(ref, []byte(dev.DeviceID)...)
		if err := t.txn.Set([]byte(prefixCurveIndex+string(curve)), ref); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) DeleteDevicesForUser(userID id.UserID) error {
	devs, err := t.DevicesForUser(userID)
	if err != nil {
		return err
	}
	for _, dev := range devs {
		if curve := curveKeyOf(dev); curve != "" {
			if err := t.txn.Delete([]byte(prefixCurveIndex + string(curve))); err != nil {
				return err
			}
		}
		if err := t.txn.Delete([]byte(deviceKey(userID, dev.DeviceID))); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) GetIdentity(userID id.UserID) (*e2ee.UserIdentity, error) {
	var ident e2ee.UserIdentity
	ok, err := t.get(prefixIdentity+string(userID), &ident)
	if !ok || err != nil {
		return nil, err
	}
	return &ident, nil
}

func (t *txn) PutIdentity(ident *e2ee.UserIdentity) error {
	return t.put(prefixIdentity+string(ident.UserID), ident)
}

func (t *txn) DeleteIdentity(userID id.UserID) error {
	return t.txn.Delete([]byte(prefixIdentity + string(userID)))
}

func crossSigningKey(userID id.UserID, usage id.CrossSigningUsage) string {
	return prefixCrossSigned + string(userID) + "/" + string(usage)
}

func (t *txn) GetCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage) (*mautrix.CrossSigningKeys, error) {
	var key mautrix.CrossSigningKeys
	ok, err := t.get(crossSigningKey(userID, usage), &key)
	if !ok || err != nil {
		return nil, err
	}
	return &key, nil
}

func (t *txn) PutCrossSigningKey(userID id.UserID, usage id.CrossSigningUsage, key *mautrix.CrossSigningKeys) error {
	return t.put(crossSigningKey(userID, usage), key)
}

func (t *txn) DeleteCrossSigningKeys(userID id.UserID) error {
	for _, usage := range []id.CrossSigningUsage{id.XSUsageMaster, id.XSUsageSelfSigning, id.XSUsageUserSigning} {
		if err := t.txn.Delete([]byte(crossSigningKey(userID, usage))); err != nil {
			return err
		}
	}
	return nil
}
