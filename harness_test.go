package e2ee_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee"
	"github.com/arko-chat/e2ee/locks"
	"github.com/arko-chat/e2ee/logger"
	"github.com/arko-chat/e2ee/olm"
	"github.com/arko-chat/e2ee/olm/olmtest"
	"github.com/arko-chat/e2ee/store"
)

var pickleKey = []byte("test-pickle-key")

func openStore(t *testing.T) *store.Badger {
	t.Helper()
	s, err := store.OpenInMemory(logger.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// peer is a remote device backed by a fake native account, able to serve
// signed one-time keys for claims.
type peer struct {
	userID   id.UserID
	deviceID id.DeviceID
	account  olm.Account
	keys     *mautrix.DeviceKeys
}

func newPeer(t *testing.T, provider olm.Provider, userID id.UserID, deviceID id.DeviceID) *peer {
	t.Helper()
	account, err := provider.NewAccount()
	if err != nil {
		t.Fatalf("create peer account: %v", err)
	}
	t.Cleanup(account.Free)

	signingKey, identityKey, err := account.IdentityKeys()
	if err != nil {
		t.Fatalf("peer identity keys: %v", err)
	}
	keys := &mautrix.DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID): string(identityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID):    string(signingKey),
		},
	}
	sig, err := account.SignJSON(keys)
	if err != nil {
		t.Fatalf("sign peer device keys: %v", err)
	}
	keys.Signatures = signatures.Signatures{
		userID: {id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()): sig},
	}
	return &peer{userID: userID, deviceID: deviceID, account: account, keys: keys}
}

func (p *peer) curveKey() id.Curve25519 {
	_, identityKey, _ := p.account.IdentityKeys()
	return identityKey
}

// claimOTK generates, signs and publishes one fresh one-time key.
func (p *peer) claimOTK(t *testing.T) (id.KeyID, mautrix.OneTimeKey) {
	t.Helper()
	if err := p.account.GenOneTimeKeys(1); err != nil {
		t.Fatalf("generate peer otk: %v", err)
	}
	unpublished, err := p.account.OneTimeKeys()
	if err != nil {
		t.Fatalf("peer otks: %v", err)
	}
	for keyID, pub := range unpublished {
		otk := mautrix.OneTimeKey{Key: pub, IsSigned: true}
		sig, err := p.account.SignJSON(otk)
		if err != nil {
			t.Fatalf("sign peer otk: %v", err)
		}
		otk.Signatures = signatures.Signatures{
			p.userID: {id.NewKeyID(id.KeyAlgorithmEd25519, p.deviceID.String()): sig},
		}
		p.account.MarkKeysAsPublished()
		return id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID), otk
	}
	t.Fatal("peer has no unpublished otk")
	return "", mautrix.OneTimeKey{}
}

type peerKey struct {
	userID   id.UserID
	deviceID id.DeviceID
}

// fakeClient serves the homeserver API surface from in-memory peers and
// canned query responses.
type fakeClient struct {
	t     *testing.T
	peers map[peerKey]*peer

	queryResp   *mautrix.RespQueryKeys
	queryCalls  int
	claimErr    error
	tamperClaim bool

	uploadedOTKs int
	signatures   []e2ee.SignatureUpload
	sent         []*mautrix.ReqSendToDevice
}

func newFakeClient(t *testing.T, peers ...*peer) *fakeClient {
	c := &fakeClient{t: t, peers: make(map[peerKey]*peer)}
	for _, p := range peers {
		c.peers[peerKey{p.userID, p.deviceID}] = p
	}
	return c
}

func (c *fakeClient) ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error) {
	if c.claimErr != nil {
		return nil, c.claimErr
	}
	resp := &mautrix.RespClaimKeys{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]mautrix.OneTimeKey),
	}
	for userID, devices := range req.OneTimeKeys {
		for deviceID := range devices {
			p, ok := c.peers[peerKey{userID, deviceID}]
			if !ok {
				continue
			}
			keyID, otk := p.claimOTK(c.t)
			if c.tamperClaim {
				otk.Key = id.Curve25519("tampered-" + string(otk.Key))
			}
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[id.DeviceID]map[id.KeyID]mautrix.OneTimeKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[id.KeyID]mautrix.OneTimeKey{keyID: otk}
		}
	}
	return resp, nil
}

func (c *fakeClient) QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error) {
	c.queryCalls++
	if c.queryResp != nil {
		return c.queryResp, nil
	}
	resp := &mautrix.RespQueryKeys{
		DeviceKeys: make(map[id.UserID]map[id.DeviceID]mautrix.DeviceKeys),
	}
	for key, p := range c.peers {
		if _, ok := req.DeviceKeys[key.userID]; !ok {
			continue
		}
		if resp.DeviceKeys[key.userID] == nil {
			resp.DeviceKeys[key.userID] = make(map[id.DeviceID]mautrix.DeviceKeys)
		}
		resp.DeviceKeys[key.userID][key.deviceID] = *p.keys
	}
	return resp, nil
}

func (c *fakeClient) UploadKeys(ctx context.Context, req *mautrix.ReqUploadKeys) (*mautrix.RespUploadKeys, error) {
	c.uploadedOTKs += len(req.OneTimeKeys)
	return &mautrix.RespUploadKeys{
		OneTimeKeyCounts: mautrix.OTKCount{SignedCurve25519: c.uploadedOTKs},
	}, nil
}

func (c *fakeClient) UploadSignatures(ctx context.Context, req e2ee.SignatureUpload) error {
	c.signatures = append(c.signatures, req)
	return nil
}

func (c *fakeClient) SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error) {
	c.sent = append(c.sent, req)
	return &mautrix.RespSendToDevice{}, nil
}

// engine bundles one device's fully wired components for a test.
type engine struct {
	account   *e2ee.IdentityAccount
	encryptor *e2ee.PairwiseEncryptor
	decryptor *e2ee.PairwiseDecryptor
	store     *store.Badger
}

func newEngine(t *testing.T, provider olm.Provider, client e2ee.Client, userID id.UserID, deviceID id.DeviceID) *engine {
	t.Helper()
	s := openStore(t)
	account, err := e2ee.NewIdentityAccount(provider, userID, deviceID, pickleKey)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	t.Cleanup(account.Dispose)
	return wireEngine(t, provider, client, s, account)
}

// newEngineFromPeer builds an engine around a peer's native account, so the
// engine can decrypt pre-key messages built against keys the peer claimed.
func newEngineFromPeer(t *testing.T, provider olm.Provider, client e2ee.Client, p *peer) *engine {
	t.Helper()
	s := openStore(t)
	account := e2ee.AdoptDehydratedAccount(p.account, p.userID, p.deviceID, pickleKey)
	return wireEngine(t, provider, client, s, account)
}

func wireEngine(t *testing.T, provider olm.Provider, client e2ee.Client, s *store.Badger, account *e2ee.IdentityAccount) *engine {
	t.Helper()
	lockMap := locks.NewMap[id.Curve25519]()
	log := logger.Discard()
	return &engine{
		account:   account,
		encryptor: e2ee.NewPairwiseEncryptor(account, provider, client, s, lockMap, log),
		decryptor: e2ee.NewPairwiseDecryptor(account, provider, s, lockMap, log),
		store:     s,
	}
}

// decrypt runs the full lock, decrypt, persist, unlock flow.
func (e *engine) decrypt(t *testing.T, events []*event.Event) ([]*e2ee.DecryptedOlmEvent, []*e2ee.DecryptionError) {
	t.Helper()
	ctx := context.Background()
	lock := e.decryptor.ObtainDecryptionLock(events)
	res, err := e.decryptor.Decrypt(ctx, lock, events)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	defer res.Close()
	if err := e.store.Update(ctx, res.Write); err != nil {
		t.Fatalf("write decryption result: %v", err)
	}
	return res.Events, res.Errors
}

// encryptedEvent wraps one produced ciphertext as an inbound event.
func encryptedEvent(sender id.UserID, msg *e2ee.EncryptedMessage) *event.Event {
	return &event.Event{
		Sender: sender,
		Type:   event.ToDeviceEncrypted,
		Content: event.Content{
			Parsed: msg.Content,
		},
	}
}

func devicesOf(peers ...*peer) []*mautrix.DeviceKeys {
	devices := make([]*mautrix.DeviceKeys, len(peers))
	for i, p := range peers {
		devices[i] = p.keys
	}
	return devices
}

// devicesOfAccount builds an unsigned device-keys record for an engine's
// own account, enough to address it as an encryption target once a session
// already exists.
func devicesOfAccount(t *testing.T, account *e2ee.IdentityAccount, userID id.UserID, deviceID id.DeviceID) []*mautrix.DeviceKeys {
	t.Helper()
	signingKey, identityKey, err := account.IdentityKeys()
	if err != nil {
		t.Fatalf("identity keys: %v", err)
	}
	return []*mautrix.DeviceKeys{{
		UserID:   userID,
		DeviceID: deviceID,
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID): string(identityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID):    string(signingKey),
		},
	}}
}

func randomSeed(t *testing.T) []byte {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("random seed: %v", err)
	}
	return seed
}

func newFakeProvider() olm.Provider { return olmtest.NewProvider() }
