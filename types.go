package e2ee

import (
	"slices"
	"time"

	"maunium.net/go/mautrix/id"
)

// TrackingStatus says whether the cached device-key set for a user can be
// served without a server round trip.
type TrackingStatus int

const (
	TrackingOutdated TrackingStatus = iota
	TrackingUpToDate
)

func (s TrackingStatus) String() string {
	if s == TrackingUpToDate {
		return "up-to-date"
	}
	return "outdated"
}

// IdentityOrigin records why a UserIdentity exists. The two origins give an
// empty room set opposite meanings: a RoomShare identity with no rooms left
// is garbage (sharing stopped, cached device keys are purged with it), while
// a Lookup identity never had rooms and only serves addressed lookups such
// as verification or secret sharing. Lookup identities are never evidence
// that keys should be shared.
type IdentityOrigin int

const (
	OriginRoomShare IdentityOrigin = iota
	OriginLookup
)

func (o IdentityOrigin) String() string {
	if o == OriginLookup {
		return "lookup"
	}
	return "room-share"
}

// UserIdentity is the per-user tracking record: the rooms whose keys are
// currently shared with the user, and whether the cached device keys are
// still believed current.
type UserIdentity struct {
	UserID id.UserID      `json:"user_id"`
	Rooms  []id.RoomID    `json:"rooms"`
	Status TrackingStatus `json:"status"`
	Origin IdentityOrigin `json:"origin"`
}

func (u *UserIdentity) HasRoom(roomID id.RoomID) bool {
	return slices.Contains(u.Rooms, roomID)
}

// AddRoom adds roomID to the set, reporting whether it was absent.
func (u *UserIdentity) AddRoom(roomID id.RoomID) bool {
	if u.HasRoom(roomID) {
		return false
	}
	u.Rooms = append(u.Rooms, roomID)
	return true
}

// RemoveRoom removes roomID from the set, reporting whether it was present.
func (u *UserIdentity) RemoveRoom(roomID id.RoomID) bool {
	i := slices.Index(u.Rooms, roomID)
	if i < 0 {
		return false
	}
	u.Rooms = slices.Delete(u.Rooms, i, i+1)
	return true
}

// AccountRecord is the persisted form of the device's identity account.
type AccountRecord struct {
	Pickled []byte `json:"pickled"`
	// Shared is set once the device identity keys have been uploaded.
	Shared bool `json:"shared"`
	// ServerOTKCount is the server's last reported count of unused
	// signed one-time keys.
	ServerOTKCount int `json:"server_otk_count"`
}

// SessionRecord is the persisted form of one pairwise session.
type SessionRecord struct {
	SenderKey id.Curve25519 `json:"sender_key"`
	SessionID id.SessionID  `json:"session_id"`
	Pickled   []byte        `json:"pickled"`
	LastUsed  time.Time     `json:"last_used"`
}
