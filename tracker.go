package e2ee

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/olm"
)

// curveCacheSize bounds the in-memory curve25519 to device mapping used on
// the inbound decrypt path.
const curveCacheSize = 128

// RoomMember is one member of a room at the time of a tracking decision.
type RoomMember struct {
	UserID     id.UserID
	Membership event.Membership
}

// MemberChange is one membership transition applied incrementally.
type MemberChange struct {
	UserID     id.UserID
	Membership event.Membership
}

// DeviceKeyTracker maintains per-user identity records (which rooms warrant
// sharing keys with the user, and whether the cached device keys are still
// current) and resolves device keys, fetching and verifying them from the
// server when stale.
//
// The identity and device caches are not lock protected: reads and writes
// go through atomic store transactions, and staleness is expressed by the
// tracking status. Two concurrent refreshes of the same user both verify
// the same server data and the last write wins.
type DeviceKeyTracker struct {
	store    Store
	client   Client
	verifier olm.Verifier
	log      *slog.Logger

	mu      sync.Mutex
	tracked map[id.RoomID]struct{}

	curveCache *lru.Cache[id.Curve25519, *mautrix.DeviceKeys]
}

func NewDeviceKeyTracker(store Store, client Client, provider olm.Provider, log *slog.Logger) (*DeviceKeyTracker, error) {
	curveCache, err := lru.New[id.Curve25519, *mautrix.DeviceKeys](curveCacheSize)
	if err != nil {
		return nil, err
	}
	return &DeviceKeyTracker{
		store:      store,
		client:     client,
		verifier:   provider.Verifier(),
		log:        log,
		tracked:    make(map[id.RoomID]struct{}),
		curveCache: curveCache,
	}, nil
}

// shouldShareKeys decides whether a member with the given membership is
// entitled to room keys under the room's history visibility policy.
func shouldShareKeys(membership event.Membership, visibility event.HistoryVisibility) bool {
	switch visibility {
	case event.HistoryVisibilityWorldReadable:
		return true
	case event.HistoryVisibilityShared, event.HistoryVisibilityInvited:
		return membership == event.MembershipJoin || membership == event.MembershipInvite
	case event.HistoryVisibilityJoined:
		return membership == event.MembershipJoin
	default:
		return false
	}
}

// TrackRoom starts tracking a room's members for key sharing. Idempotent
// per room id for the tracker's lifetime; repeat calls are no-ops.
func (t *DeviceKeyTracker) TrackRoom(ctx context.Context, roomID id.RoomID, visibility event.HistoryVisibility, members []RoomMember) error {
	t.mu.Lock()
	if _, ok := t.tracked[roomID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.tracked[roomID] = struct{}{}
	t.mu.Unlock()

	err := t.store.Update(ctx, func(txn Txn) error {
		for _, member := range members {
			share := shouldShareKeys(member.Membership, visibility)
			if _, err := t.applyShare(txn, roomID, member.UserID, share); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.mu.Lock()
		delete(t.tracked, roomID)
		t.mu.Unlock()
		return fmt.Errorf("track room %s: %w", roomID, err)
	}
	return nil
}

// WriteMemberChanges applies membership transitions to a tracked room and
// returns the users whose sharing state flipped, so the caller can trigger
// key re-sharing or rotation.
func (t *DeviceKeyTracker) WriteMemberChanges(ctx context.Context, roomID id.RoomID, visibility event.HistoryVisibility, changes []MemberChange) (added, removed []id.UserID, err error) {
	err = t.store.Update(ctx, func(txn Txn) error {
		added, removed = added[:0], removed[:0]
		for _, change := range changes {
			share := shouldShareKeys(change.Membership, visibility)
			changed, err := t.applyShare(txn, roomID, change.UserID, share)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if share {
				added = append(added, change.UserID)
			} else {
				removed = append(removed, change.UserID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

// WriteHistoryVisibility re-evaluates every current member of a tracked
// room against a new visibility policy. Members entering the sharing set
// are returned as added; members falling out of it as removed.
func (t *DeviceKeyTracker) WriteHistoryVisibility(ctx context.Context, roomID id.RoomID, visibility event.HistoryVisibility, members []RoomMember) (added, removed []id.UserID, err error) {
	changes := make([]MemberChange, len(members))
	for i, member := range members {
		changes[i] = MemberChange{UserID: member.UserID, Membership: member.Membership}
	}
	return t.WriteMemberChanges(ctx, roomID, visibility, changes)
}

// applyShare adds or removes a room from a user's sharing set, reporting
// whether the user's sharing state for this room actually changed. A
// room-share identity left with no rooms is deleted together with every
// cached device key for the user.
func (t *DeviceKeyTracker) applyShare(txn Txn, roomID id.RoomID, userID id.UserID, share bool) (bool, error) {
	identity, err := txn.GetIdentity(userID)
	if err != nil {
		return false, err
	}

	if share {
		if identity == nil {
			identity = &UserIdentity{
				UserID: userID,
				Status: TrackingOutdated,
				Origin: OriginRoomShare,
			}
		}
		if !identity.AddRoom(roomID) {
			return false, nil
		}
		return true, txn.PutIdentity(identity)
	}

	if identity == nil || !identity.RemoveRoom(roomID) {
		return false, nil
	}
	if identity.Origin == OriginRoomShare && len(identity.Rooms) == 0 {
		if err := txn.DeleteIdentity(userID); err != nil {
			return false, err
		}
		if err := txn.DeleteDevicesForUser(userID); err != nil {
			return false, err
		}
		t.evictUserFromCurveCache(userID)
		return true, nil
	}
	return true, txn.PutIdentity(identity)
}

// WriteDeviceChanges marks users' identities stale in response to a
// server-pushed device list change. It never refetches by itself; the next
// device resolution for the user does.
func (t *DeviceKeyTracker) WriteDeviceChanges(ctx context.Context, userIDs []id.UserID) error {
	return t.store.Update(ctx, func(txn Txn) error {
		for _, userID := range userIDs {
			identity, err := txn.GetIdentity(userID)
			if err != nil {
				return err
			}
			if identity == nil || identity.Status == TrackingOutdated {
				continue
			}
			identity.Status = TrackingOutdated
			if err := txn.PutIdentity(identity); err != nil {
				return err
			}
		}
		return nil
	})
}

// DevicesForTrackedRoom resolves device keys for the members of a tracked
// room, restricted to users whose identity actually lists the room in its
// sharing set.
func (t *DeviceKeyTracker) DevicesForTrackedRoom(ctx context.Context, roomID id.RoomID, memberUserIDs []id.UserID) ([]*mautrix.DeviceKeys, error) {
	var sharing []id.UserID
	err := t.store.View(ctx, func(txn Txn) error {
		for _, userID := range memberUserIDs {
			identity, err := txn.GetIdentity(userID)
			if err != nil {
				return err
			}
			if identity != nil && identity.HasRoom(roomID) {
				sharing = append(sharing, userID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t.DevicesForRoomMembers(ctx, sharing)
}

// DevicesForRoomMembers resolves device keys for users already known to the
// tracker, refreshing any whose identity is stale.
func (t *DeviceKeyTracker) DevicesForRoomMembers(ctx context.Context, userIDs []id.UserID) ([]*mautrix.DeviceKeys, error) {
	if err := t.refreshUsers(ctx, userIDs, false); err != nil {
		return nil, err
	}
	return t.collectDevices(ctx, userIDs)
}

// DevicesForUsers resolves device keys for an ad-hoc list of users, e.g.
// for verification or secret sharing. Unknown users get a lookup identity
// with no room association; those identities never count as evidence that
// keys should be shared.
func (t *DeviceKeyTracker) DevicesForUsers(ctx context.Context, userIDs []id.UserID) ([]*mautrix.DeviceKeys, error) {
	if err := t.refreshUsers(ctx, userIDs, true); err != nil {
		return nil, err
	}
	return t.collectDevices(ctx, userIDs)
}

// DeviceForID resolves one device, refreshing the user's keys if stale.
func (t *DeviceKeyTracker) DeviceForID(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*mautrix.DeviceKeys, error) {
	if err := t.refreshUsers(ctx, []id.UserID{userID}, true); err != nil {
		return nil, err
	}
	var dev *mautrix.DeviceKeys
	err := t.store.View(ctx, func(txn Txn) error {
		var err error
		dev, err = txn.GetDevice(userID, deviceID)
		return err
	})
	return dev, err
}

// DeviceForCurveKey resolves a device by its curve25519 identity key, the
// lookup the decrypt path does for every inbound sender. Served from a
// small in-memory cache backed by the store's secondary index; it never
// triggers a server query.
func (t *DeviceKeyTracker) DeviceForCurveKey(ctx context.Context, key id.Curve25519) (*mautrix.DeviceKeys, error) {
	if dev, ok := t.curveCache.Get(key); ok {
		return dev, nil
	}
	var dev *mautrix.DeviceKeys
	err := t.store.View(ctx, func(txn Txn) error {
		var err error
		dev, err = txn.DeviceByCurveKey(key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if dev != nil {
		t.curveCache.Add(key, dev)
	}
	return dev, nil
}

// refreshUsers brings the given users' device keys up to date with one
// batched server query. With createMissing set, users without an identity
// get a lookup identity; otherwise unknown users are skipped.
func (t *DeviceKeyTracker) refreshUsers(ctx context.Context, userIDs []id.UserID, createMissing bool) error {
	var outdated []*UserIdentity
	err := t.store.Update(ctx, func(txn Txn) error {
		outdated = outdated[:0]
		for _, userID := range userIDs {
			identity, err := txn.GetIdentity(userID)
			if err != nil {
				return err
			}
			if identity == nil {
				if !createMissing {
					continue
				}
				identity = &UserIdentity{
					UserID: userID,
					Status: TrackingOutdated,
					Origin: OriginLookup,
				}
				if err := txn.PutIdentity(identity); err != nil {
					return err
				}
			}
			if identity.Status == TrackingOutdated {
				outdated = append(outdated, identity)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(outdated) == 0 {
		return nil
	}

	req := &mautrix.ReqQueryKeys{
		DeviceKeys: make(mautrix.DeviceKeysRequest, len(outdated)),
	}
	for _, identity := range outdated {
		req.DeviceKeys[identity.UserID] = mautrix.DeviceIDList{}
	}
	resp, err := t.client.QueryKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("query device keys: %w", err)
	}

	return t.store.Update(ctx, func(txn Txn) error {
		for _, identity := range outdated {
			devices, err := t.verifiedDevices(txn, identity.UserID, resp.DeviceKeys[identity.UserID])
			if err != nil {
				return err
			}
			if err := txn.DeleteDevicesForUser(identity.UserID); err != nil {
				return err
			}
			for _, dev := range devices {
				if err := txn.PutDevice(dev); err != nil {
					return err
				}
			}
			t.evictUserFromCurveCache(identity.UserID)
			identity.Status = TrackingUpToDate
			if err := txn.PutIdentity(identity); err != nil {
				return err
			}
		}
		return nil
	})
}

// verifiedDevices filters one user's queried device keys down to the set
// the tracker accepts: self-signature verified, envelope user and device
// ids consistent, curve25519 keys unique (first seen wins), and a changed
// ed25519 key treated as an untrusted rotation that keeps the stored
// record instead.
func (t *DeviceKeyTracker) verifiedDevices(txn Txn, userID id.UserID, queried map[id.DeviceID]mautrix.DeviceKeys) ([]*mautrix.DeviceKeys, error) {
	seenCurve := make(map[id.Curve25519]id.DeviceID, len(queried))
	devices := make([]*mautrix.DeviceKeys, 0, len(queried))

	for deviceID, dev := range queried {
		if dev.UserID != userID || dev.DeviceID != deviceID {
			t.log.Warn("device keys envelope mismatch",
				"user_id", userID, "device_id", deviceID,
				"claimed_user_id", dev.UserID, "claimed_device_id", dev.DeviceID)
			continue
		}
		signingKey := deviceSigningKey(&dev)
		if signingKey == "" {
			t.log.Warn("device keys without ed25519 key",
				"user_id", userID, "device_id", deviceID)
			continue
		}
		ok, err := t.verifier.VerifySignatureJSON(&dev, userID, deviceID.String(), signingKey)
		if err != nil || !ok {
			t.log.Warn("device keys failed self-signature verification",
				"user_id", userID, "device_id", deviceID, "err", err)
			continue
		}

		accepted := dev
		stored, err := txn.GetDevice(userID, deviceID)
		if err != nil {
			return nil, err
		}
		if stored != nil && deviceSigningKey(stored) != signingKey {
			t.log.Warn("device ed25519 key changed, keeping previously stored keys",
				"user_id", userID, "device_id", deviceID)
			accepted = *stored
		}

		curveKey := deviceCurveKey(&accepted)
		if curveKey == "" {
			t.log.Warn("device keys without curve25519 key",
				"user_id", userID, "device_id", deviceID)
			continue
		}
		if firstDevice, dup := seenCurve[curveKey]; dup {
			t.log.Warn("duplicate curve25519 key dropped",
				"user_id", userID, "device_id", deviceID, "kept_device_id", firstDevice)
			continue
		}
		seenCurve[curveKey] = deviceID
		devices = append(devices, &accepted)
	}
	return devices, nil
}

func (t *DeviceKeyTracker) collectDevices(ctx context.Context, userIDs []id.UserID) ([]*mautrix.DeviceKeys, error) {
	var devices []*mautrix.DeviceKeys
	err := t.store.View(ctx, func(txn Txn) error {
		for _, userID := range userIDs {
			userDevices, err := txn.DevicesForUser(userID)
			if err != nil {
				return err
			}
			devices = append(devices, userDevices...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (t *DeviceKeyTracker) evictUserFromCurveCache(userID id.UserID) {
	for _, key := range t.curveCache.Keys() {
		if dev, ok := t.curveCache.Peek(key); ok && dev.UserID == userID {
			t.curveCache.Remove(key)
		}
	}
}
