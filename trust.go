package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/cache"
	"github.com/arko-chat/e2ee/olm"
)

// TrustVerdict is the outcome of walking a user's cross-signing chain.
// Never a bare boolean: every non-trusted outcome names which link broke.
type TrustVerdict int

const (
	// TrustOwnSetupError: the caller's own master or user-signing key is
	// missing, invalid, or not trusted locally.
	TrustOwnSetupError TrustVerdict = iota
	// TrustUserNotSigned: the target has no master key, or their master
	// key carries no signature from the caller's user-signing key.
	TrustUserNotSigned
	// TrustUserSignatureMismatch: the caller's signature on the target's
	// master key does not verify.
	TrustUserSignatureMismatch
	// TrustUserSetupError: the target's self-signing key is missing or
	// not validly signed by their master key.
	TrustUserSetupError
	// TrustUserDeviceSignatureMismatch: at least one target device
	// carries an invalid self-signing signature.
	TrustUserDeviceSignatureMismatch
	// TrustUserDeviceNotSigned: at least one target device is not signed
	// by the self-signing key, and none is invalid.
	TrustUserDeviceNotSigned
	// Trusted: the full chain verifies for every device.
	Trusted
)

func (v TrustVerdict) String() string {
	switch v {
	case TrustOwnSetupError:
		return "own-setup-error"
	case TrustUserNotSigned:
		return "user-not-signed"
	case TrustUserSignatureMismatch:
		return "user-signature-mismatch"
	case TrustUserSetupError:
		return "user-setup-error"
	case TrustUserDeviceSignatureMismatch:
		return "user-device-signature-mismatch"
	case TrustUserDeviceNotSigned:
		return "user-device-not-signed"
	case Trusted:
		return "trusted"
	}
	return fmt.Sprintf("TrustVerdict(%d)", int(v))
}

// deviceSignatureState folds per-device verdicts; higher values poison
// lower ones.
type deviceSignatureState int

const (
	deviceValid deviceSignatureState = iota
	deviceNotSigned
	deviceInvalid
)

// CrossSigningSeeds are the locally held private cross-signing seeds. Any
// of them may be absent; operations requiring a missing seed return
// ErrNoSigningSeed.
type CrossSigningSeeds struct {
	Master      []byte
	SelfSigning []byte
	UserSigning []byte
}

// userKeys is one user's cached cross-signing key set.
type userKeys struct {
	master      *mautrix.CrossSigningKeys
	selfSigning *mautrix.CrossSigningKeys
	userSigning *mautrix.CrossSigningKeys
}

// CrossSigningTrust evaluates the four-link signature chain from the
// caller's master key down to a target user's devices, and uploads new
// cross-signing signatures. It holds no persistent state of its own: every
// verdict is recomputed from currently cached keys plus network lookups,
// and signing operations invalidate the target's cache so the next verdict
// cannot trust its own write.
type CrossSigningTrust struct {
	ownUserID id.UserID
	store     Store
	client    Client
	provider  olm.Provider
	verifier  olm.Verifier
	tracker   *DeviceKeyTracker
	log       *slog.Logger

	seeds         CrossSigningSeeds
	masterTrusted bool

	keyCache *xsync.Map[string, cache.Entry[userKeys]]
	sfg      singleflight.Group
}

func NewCrossSigningTrust(ownUserID id.UserID, store Store, client Client, provider olm.Provider, tracker *DeviceKeyTracker, seeds CrossSigningSeeds, log *slog.Logger) *CrossSigningTrust {
	return &CrossSigningTrust{
		ownUserID: ownUserID,
		store:     store,
		client:    client,
		provider:  provider,
		verifier:  provider.Verifier(),
		tracker:   tracker,
		log:       log,
		seeds:     seeds,
		keyCache:  xsync.NewMap[string, cache.Entry[userKeys]](),
	}
}

// EstablishMasterKeyTrust derives the public master key from the locally
// held seed and compares it to the published one. Run once at startup; all
// signing operations and every trust verdict are gated on it succeeding.
func (c *CrossSigningTrust) EstablishMasterKeyTrust(ctx context.Context) error {
	if len(c.seeds.Master) == 0 {
		return ErrNoSigningSeed
	}
	signer, err := c.provider.NewPKSigningFromSeed(c.seeds.Master)
	if err != nil {
		return fmt.Errorf("derive master key from seed: %w", err)
	}
	keys, err := c.userKeysFor(ctx, c.ownUserID)
	if err != nil {
		return err
	}
	if keys.master == nil {
		return fmt.Errorf("no published master key for %s", c.ownUserID)
	}
	if crossSigningPubKey(keys.master) != signer.PublicKey() {
		return fmt.Errorf("published master key for %s does not match the local seed", c.ownUserID)
	}
	c.masterTrusted = true
	return nil
}

func (c *CrossSigningTrust) IsMasterKeyTrusted() bool { return c.masterTrusted }

// GetUserTrust walks the chain for one target user. The error return is
// reserved for infrastructure failures (store, network); every trust
// outcome, including the caller's own broken setup, is a verdict.
func (c *CrossSigningTrust) GetUserTrust(ctx context.Context, userID id.UserID) (TrustVerdict, error) {
	if !c.masterTrusted {
		return TrustOwnSetupError, nil
	}
	own, err := c.userKeysFor(ctx, c.ownUserID)
	if err != nil {
		return TrustOwnSetupError, err
	}
	if own.master == nil || own.userSigning == nil {
		return TrustOwnSetupError, nil
	}
	present, valid, err := c.checkSignature(own.userSigning, c.ownUserID, crossSigningPubKey(own.master))
	if err != nil {
		return TrustOwnSetupError, err
	}
	if !present || !valid {
		return TrustOwnSetupError, nil
	}

	target, err := c.userKeysFor(ctx, userID)
	if err != nil {
		return TrustUserNotSigned, err
	}
	if target.master == nil {
		return TrustUserNotSigned, nil
	}
	present, valid, err = c.checkSignature(target.master, c.ownUserID, crossSigningPubKey(own.userSigning))
	if err != nil {
		return TrustUserNotSigned, err
	}
	if !present {
		return TrustUserNotSigned, nil
	}
	if !valid {
		return TrustUserSignatureMismatch, nil
	}

	if target.selfSigning == nil {
		return TrustUserSetupError, nil
	}
	present, valid, err = c.checkSignature(target.selfSigning, userID, crossSigningPubKey(target.master))
	if err != nil {
		return TrustUserSetupError, err
	}
	if !present || !valid {
		return TrustUserSetupError, nil
	}

	devices, err := c.tracker.DevicesForUsers(ctx, []id.UserID{userID})
	if err != nil {
		return TrustUserSetupError, err
	}
	selfSigningKey := crossSigningPubKey(target.selfSigning)
	folded := deviceValid
	for _, dev := range devices {
		state, err := c.deviceSignatureState(dev, userID, selfSigningKey)
		if err != nil {
			return TrustUserSetupError, err
		}
		if state > folded {
			folded = state
		}
	}
	switch folded {
	case deviceInvalid:
		return TrustUserDeviceSignatureMismatch, nil
	case deviceNotSigned:
		return TrustUserDeviceNotSigned, nil
	}
	return Trusted, nil
}

func (c *CrossSigningTrust) deviceSignatureState(dev *mautrix.DeviceKeys, userID id.UserID, selfSigningKey id.Ed25519) (deviceSignatureState, error) {
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(selfSigningKey))
	if _, ok := dev.Signatures[userID][keyID]; !ok {
		return deviceNotSigned, nil
	}
	valid, err := c.verifier.VerifySignatureJSON(dev, userID, string(selfSigningKey), selfSigningKey)
	if err != nil {
		return deviceInvalid, err
	}
	if !valid {
		return deviceInvalid, nil
	}
	return deviceValid, nil
}

// SignDevice signs a device belonging to the caller's own user with the
// self-signing key and uploads the signature. The self-signing key only
// vouches for the key owner's devices, so userID must match the caller.
func (c *CrossSigningTrust) SignDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) error {
	if !c.masterTrusted {
		return ErrMasterKeyNotTrusted
	}
	if userID != c.ownUserID {
		return fmt.Errorf("cannot sign device %s of %s: the self-signing key covers only own devices", deviceID, userID)
	}
	if len(c.seeds.SelfSigning) == 0 {
		return ErrNoSigningSeed
	}
	dev, err := c.tracker.DeviceForID(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("own device %s not known", deviceID)
	}

	signer, err := c.provider.NewPKSigningFromSeed(c.seeds.SelfSigning)
	if err != nil {
		return err
	}
	signed := *dev
	sig, err := signer.SignJSON(&signed)
	if err != nil {
		return err
	}
	signed.Signatures = mergedSignatures(dev.Signatures, c.ownUserID, signer.PublicKey(), sig)

	upload := SignatureUpload{
		c.ownUserID: {deviceID.String(): &signed},
	}
	if err := c.client.UploadSignatures(ctx, upload); err != nil {
		return fmt.Errorf("upload device signature: %w", err)
	}
	return c.invalidateUser(ctx, c.ownUserID)
}

// SignOwnDevice signs the caller's current device.
func (c *CrossSigningTrust) SignOwnDevice(ctx context.Context, deviceID id.DeviceID) error {
	return c.SignDevice(ctx, c.ownUserID, deviceID)
}

// SignUser signs a target user's master key with the user-signing key and
// uploads the signature.
func (c *CrossSigningTrust) SignUser(ctx context.Context, userID id.UserID) error {
	if !c.masterTrusted {
		return ErrMasterKeyNotTrusted
	}
	if len(c.seeds.UserSigning) == 0 {
		return ErrNoSigningSeed
	}
	target, err := c.userKeysFor(ctx, userID)
	if err != nil {
		return err
	}
	if target.master == nil {
		return fmt.Errorf("no master key published for %s", userID)
	}

	signer, err := c.provider.NewPKSigningFromSeed(c.seeds.UserSigning)
	if err != nil {
		return err
	}
	masterPub := crossSigningPubKey(target.master)
	signed := *target.master
	sig, err := signer.SignJSON(&signed)
	if err != nil {
		return err
	}
	signed.Signatures = mergedSignatures(target.master.Signatures, c.ownUserID, signer.PublicKey(), sig)

	upload := SignatureUpload{
		userID: {string(masterPub): &signed},
	}
	if err := c.client.UploadSignatures(ctx, upload); err != nil {
		return fmt.Errorf("upload user signature: %w", err)
	}
	return c.invalidateUser(ctx, userID)
}

// invalidateUser drops every cached view of a user's keys after a signing
// operation, so the next trust evaluation re-verifies from fresh data.
func (c *CrossSigningTrust) invalidateUser(ctx context.Context, userID id.UserID) error {
	cache.Invalidate(c.keyCache, &c.sfg, string(userID))
	err := c.store.Update(ctx, func(txn Txn) error {
		if err := txn.DeleteCrossSigningKeys(userID); err != nil {
			return err
		}
		identity, err := txn.GetIdentity(userID)
		if err != nil {
			return err
		}
		if identity != nil && identity.Status != TrackingOutdated {
			identity.Status = TrackingOutdated
			if err := txn.PutIdentity(identity); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate keys for %s: %w", userID, err)
	}
	c.log.Debug("invalidated cached keys after signing", "user_id", userID)
	return nil
}

// userKeysFor serves a user's cross-signing keys read-through: store first,
// one key query on miss, concurrent misses deduplicated.
func (c *CrossSigningTrust) userKeysFor(ctx context.Context, userID id.UserID) (userKeys, error) {
	return cache.SingleWithTTL(c.keyCache, &c.sfg, string(userID), time.Minute, func() (userKeys, error) {
		return c.fetchUserKeys(ctx, userID)
	})
}

func (c *CrossSigningTrust) fetchUserKeys(ctx context.Context, userID id.UserID) (userKeys, error) {
	var keys userKeys
	err := c.store.View(ctx, func(txn Txn) error {
		var err error
		if keys.master, err = txn.GetCrossSigningKey(userID, id.XSUsageMaster); err != nil {
			return err
		}
		if keys.selfSigning, err = txn.GetCrossSigningKey(userID, id.XSUsageSelfSigning); err != nil {
			return err
		}
		keys.userSigning, err = txn.GetCrossSigningKey(userID, id.XSUsageUserSigning)
		return err
	})
	if err != nil {
		return userKeys{}, err
	}
	if keys.master != nil {
		return keys, nil
	}

	req := &mautrix.ReqQueryKeys{
		DeviceKeys: mautrix.DeviceKeysRequest{userID: mautrix.DeviceIDList{}},
	}
	resp, err := c.client.QueryKeys(ctx, req)
	if err != nil {
		return userKeys{}, fmt.Errorf("query cross-signing keys: %w", err)
	}
	keys = userKeys{}
	if master, ok := resp.MasterKeys[userID]; ok {
		keys.master = &master
	}
	if selfSigning, ok := resp.SelfSigningKeys[userID]; ok {
		keys.selfSigning = &selfSigning
	}
	if userSigning, ok := resp.UserSigningKeys[userID]; ok {
		keys.userSigning = &userSigning
	}
	if keys.master == nil {
		return keys, nil
	}

	err = c.store.Update(ctx, func(txn Txn) error {
		if err := txn.PutCrossSigningKey(userID, id.XSUsageMaster, keys.master); err != nil {
			return err
		}
		if keys.selfSigning != nil {
			if err := txn.PutCrossSigningKey(userID, id.XSUsageSelfSigning, keys.selfSigning); err != nil {
				return err
			}
		}
		if keys.userSigning != nil {
			if err := txn.PutCrossSigningKey(userID, id.XSUsageUserSigning, keys.userSigning); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return userKeys{}, err
	}
	return keys, nil
}

// checkSignature reports whether obj carries a signature from the given
// signer key and whether that signature verifies. Present and valid are
// distinct outcomes: an absent signature usually means "never signed", an
// invalid one means the published data is wrong.
func (c *CrossSigningTrust) checkSignature(obj *mautrix.CrossSigningKeys, signerUser id.UserID, signerKey id.Ed25519) (present, valid bool, err error) {
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(signerKey))
	if _, ok := obj.Signatures[signerUser][keyID]; !ok {
		return false, false, nil
	}
	valid, err = c.verifier.VerifySignatureJSON(obj, signerUser, string(signerKey), signerKey)
	return true, valid, err
}

// crossSigningPubKey extracts the single public key a cross-signing key
// object carries.
func crossSigningPubKey(key *mautrix.CrossSigningKeys) id.Ed25519 {
	for _, pub := range key.Keys {
		return pub
	}
	return ""
}

// mergedSignatures copies existing signatures and adds one from the given
// cross-signing key, leaving the cached original untouched.
func mergedSignatures(existing signatures.Signatures, signerUser id.UserID, signerKey id.Ed25519, sig string) signatures.Signatures {
	merged := make(signatures.Signatures, len(existing)+1)
	for user, sigs := range existing {
		copied := make(map[id.KeyID]string, len(sigs))
		for keyID, s := range sigs {
			copied[keyID] = s
		}
		merged[user] = copied
	}
	if _, ok := merged[signerUser]; !ok {
		merged[signerUser] = make(map[id.KeyID]string, 1)
	}
	merged[signerUser][id.NewKeyID(id.KeyAlgorithmEd25519, string(signerKey))] = sig
	return merged
}
