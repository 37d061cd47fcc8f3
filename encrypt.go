package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/locks"
	"github.com/arko-chat/e2ee/olm"
)

// encryptBatchSize bounds how many native session objects are alive at
// once; targets beyond it are processed in further sequential batches.
const encryptBatchSize = 20

// EncryptedMessage is one per-device ciphertext produced by the encryptor.
type EncryptedMessage struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Content  *event.EncryptedEventContent
}

// PairwiseEncryptor encrypts one logical payload separately for every
// target device, creating outbound sessions (claiming one-time keys) where
// none exist yet.
type PairwiseEncryptor struct {
	account  *IdentityAccount
	provider olm.Provider
	verifier olm.Verifier
	client   Client
	store    Store
	locks    *locks.Map[id.Curve25519]
	log      *slog.Logger
}

func NewPairwiseEncryptor(account *IdentityAccount, provider olm.Provider, client Client, store Store, lockMap *locks.Map[id.Curve25519], log *slog.Logger) *PairwiseEncryptor {
	return &PairwiseEncryptor{
		account:  account,
		provider: provider,
		verifier: provider.Verifier(),
		client:   client,
		store:    store,
		locks:    lockMap,
		log:      log,
	}
}

// Encrypt produces one ciphertext per target device for the given event
// type and content. Devices whose claimed one-time key cannot be verified
// are skipped; a claim-keys transport failure aborts the current batch with
// nothing committed. Already-produced batches are returned alongside the
// error so the caller can decide whether to send partial results.
func (e *PairwiseEncryptor) Encrypt(ctx context.Context, evtType event.Type, content any, targets []*mautrix.DeviceKeys) ([]*EncryptedMessage, error) {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal payload content: %w", err)
	}

	var out []*EncryptedMessage
	for start := 0; start < len(targets); start += encryptBatchSize {
		batch := targets[start:min(start+encryptBatchSize, len(targets))]
		msgs, err := e.encryptBatch(ctx, evtType, rawContent, batch)
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// target carries one device through a batch.
type target struct {
	device    *mautrix.DeviceKeys
	senderKey id.Curve25519
	session   *Session
}

func (e *PairwiseEncryptor) encryptBatch(ctx context.Context, evtType event.Type, rawContent json.RawMessage, devices []*mautrix.DeviceKeys) (msgs []*EncryptedMessage, err error) {
	targets := make([]*target, 0, len(devices))
	keys := make([]id.Curve25519, 0, len(devices))
	for _, dev := range devices {
		senderKey := deviceCurveKey(dev)
		if senderKey == "" {
			e.log.Warn("skipping device without curve25519 key",
				"user_id", dev.UserID, "device_id", dev.DeviceID)
			continue
		}
		targets = append(targets, &target{device: dev, senderKey: senderKey})
		keys = append(keys, senderKey)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	// All work on this batch's sessions happens under the combined
	// per-sender-key locks; a concurrent decrypt for any of these keys
	// waits, and vice versa. Isolation is still per sender key: nothing
	// below reads or writes one target's session for another's sake.
	release := e.locks.LockAll(keys)
	defer release()

	defer func() {
		for _, t := range targets {
			if t.session != nil {
				t.session.free()
			}
		}
	}()

	withSession, withoutSession, err := e.loadExistingSessions(ctx, targets)
	if err != nil {
		return nil, err
	}

	created, err := e.createMissingSessions(ctx, withoutSession)
	if err != nil {
		return nil, err
	}
	withSession = append(withSession, created...)

	msgs = make([]*EncryptedMessage, 0, len(withSession))
	for _, t := range withSession {
		msg, err := e.encryptForDevice(evtType, rawContent, t)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}

	err = e.store.Update(ctx, func(txn Txn) error {
		for _, t := range withSession {
			rec, err := t.session.record(e.account.pickleKey)
			if err != nil {
				return err
			}
			if err := txn.PutSession(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist sessions: %w", err)
	}
	return msgs, nil
}

// loadExistingSessions partitions the batch into devices with a usable
// persisted session (loaded, most recent one) and devices needing a new one.
func (e *PairwiseEncryptor) loadExistingSessions(ctx context.Context, targets []*target) (withSession, withoutSession []*target, err error) {
	err = e.store.View(ctx, func(txn Txn) error {
		for _, t := range targets {
			recs, err := txn.SessionsForSender(t.senderKey)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				withoutSession = append(withoutSession, t)
				continue
			}
			sess, err := loadSession(e.provider, recs[0], e.account.pickleKey)
			if err != nil {
				return err
			}
			t.session = sess
			withSession = append(withSession, t)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return withSession, withoutSession, nil
}

// createMissingSessions claims one-time keys in bulk (one request per
// batch) and creates an outbound session per device whose claimed key
// verifies. Devices with a missing, unverifiable or wrongly-typed claimed
// key are dropped from the batch, not treated as a batch failure.
func (e *PairwiseEncryptor) createMissingSessions(ctx context.Context, needs []*target) ([]*target, error) {
	if len(needs) == 0 {
		return nil, nil
	}

	req := &mautrix.ReqClaimKeys{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm),
		Timeout:     10 * 1000,
	}
	for _, t := range needs {
		perDevice, ok := req.OneTimeKeys[t.device.UserID]
		if !ok {
			perDevice = make(map[id.DeviceID]id.KeyAlgorithm)
			req.OneTimeKeys[t.device.UserID] = perDevice
		}
		perDevice[t.device.DeviceID] = id.KeyAlgorithmSignedCurve25519
	}

	resp, err := e.client.ClaimKeys(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("claim one-time keys: %w", err)
	}

	var created []*target
	for _, t := range needs {
		otk := e.verifiedClaimedKey(resp, t.device)
		if otk == "" {
			continue
		}
		native, err := e.account.newOutboundSession(t.senderKey, otk)
		if err != nil {
			return created, err
		}
		t.session = newSession(native, t.senderKey)
		created = append(created, t)
	}
	return created, nil
}

// verifiedClaimedKey extracts the claimed key for one device and verifies
// its signature against the device's published ed25519 key. Returns "" if
// the device got no key, the algorithm tag is unrecognized, or the
// signature does not verify.
func (e *PairwiseEncryptor) verifiedClaimedKey(resp *mautrix.RespClaimKeys, dev *mautrix.DeviceKeys) id.Curve25519 {
	claimed := resp.OneTimeKeys[dev.UserID][dev.DeviceID]
	if len(claimed) == 0 {
		e.log.Debug("no one-time key claimed for device",
			"user_id", dev.UserID, "device_id", dev.DeviceID)
		return ""
	}
	for keyID, otk := range claimed {
		alg, _ := splitKeyID(keyID)
		if alg != id.KeyAlgorithmSignedCurve25519 {
			e.log.Warn("claimed key has unrecognized algorithm",
				"user_id", dev.UserID, "device_id", dev.DeviceID, "algorithm", alg)
			continue
		}
		signingKey := deviceSigningKey(dev)
		ok, err := e.verifier.VerifySignatureJSON(otk, dev.UserID, dev.DeviceID.String(), signingKey)
		if err != nil || !ok {
			e.log.Warn("claimed one-time key failed signature verification",
				"user_id", dev.UserID, "device_id", dev.DeviceID, "err", err)
			continue
		}
		return otk.Key
	}
	return ""
}

// encryptForDevice encrypts the payload for exactly one device, binding the
// recipient identity into the plaintext.
func (e *PairwiseEncryptor) encryptForDevice(evtType event.Type, rawContent json.RawMessage, t *target) (*EncryptedMessage, error) {
	ownSigningKey, ownIdentityKey, err := e.account.IdentityKeys()
	if err != nil {
		return nil, err
	}

	payload := olmPayload{
		Type:          evtType,
		Content:       rawContent,
		Sender:        e.account.userID,
		Recipient:     t.device.UserID,
		RecipientKeys: olmKeys{Ed25519: deviceSigningKey(t.device)},
		Keys:          olmKeys{Ed25519: ownSigningKey},
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, err
	}

	msgType, body, err := t.session.native.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s/%s: %w", t.device.UserID, t.device.DeviceID, err)
	}
	t.session.touch()

	return &EncryptedMessage{
		UserID:   t.device.UserID,
		DeviceID: t.device.DeviceID,
		Content: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: ownIdentityKey,
			OlmCiphertext: event.OlmCiphertexts{
				t.senderKey: {
					Type: msgType,
					Body: body,
				},
			},
		},
	}, nil
}

func deviceCurveKey(dev *mautrix.DeviceKeys) id.Curve25519 {
	return id.Curve25519(dev.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, dev.DeviceID)])
}

func deviceSigningKey(dev *mautrix.DeviceKeys) id.Ed25519 {
	return id.Ed25519(dev.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, dev.DeviceID)])
}

func splitKeyID(keyID id.KeyID) (id.KeyAlgorithm, string) {
	alg, name, _ := strings.Cut(string(keyID), ":")
	return id.KeyAlgorithm(alg), name
}
