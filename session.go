package e2ee

import (
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/olm"
)

// maxSessionsPerSenderKey bounds how many sessions are retained per sender
// key; persistence drops the least recently used beyond it.
const maxSessionsPerSenderKey = 4

// Session wraps one native pairwise session together with the bookkeeping
// persistence needs. Sessions are only ever touched while the sender-key
// lock is held.
type Session struct {
	senderKey id.Curve25519
	native    olm.Session
	lastUsed  time.Time

	// isNew: created during the current operation, never persisted yet.
	isNew bool
	// isModified: ratchet state advanced, the pickle must be rewritten.
	isModified bool

	freed bool
}

// newSession wraps a session created during the current operation, inbound
// or outbound.
func newSession(native olm.Session, senderKey id.Curve25519) *Session {
	return &Session{
		senderKey:  senderKey,
		native:     native,
		lastUsed:   time.Now().UTC(),
		isNew:      true,
		isModified: true,
	}
}

// loadSession unpickles a persisted session.
func loadSession(provider olm.Provider, rec *SessionRecord, pickleKey []byte) (*Session, error) {
	native, err := provider.SessionFromPickled(rec.Pickled, pickleKey)
	if err != nil {
		return nil, err
	}
	return &Session{
		senderKey: rec.SenderKey,
		native:    native,
		lastUsed:  rec.LastUsed,
	}, nil
}

func (s *Session) ID() id.SessionID { return s.native.ID() }

// touch marks the session as used and advanced.
func (s *Session) touch() {
	s.lastUsed = time.Now().UTC()
	s.isModified = true
}

// record pickles the session into its persisted form.
func (s *Session) record(pickleKey []byte) (*SessionRecord, error) {
	pickled, err := s.native.Pickle(pickleKey)
	if err != nil {
		return nil, err
	}
	return &SessionRecord{
		SenderKey: s.senderKey,
		SessionID: s.native.ID(),
		Pickled:   pickled,
		LastUsed:  s.lastUsed,
	}, nil
}

// free releases the native handle. Safe to call once per session on every
// exit path; the flag catches engine bugs that would double free.
func (s *Session) free() {
	if s.freed {
		return
	}
	s.freed = true
	s.native.Free()
}

// persistSessions writes new and modified sessions and evicts everything
// beyond the retention limit, oldest first. sessions must be in MRU order.
func persistSessions(txn Txn, sessions []*Session, pickleKey []byte) error {
	for i, s := range sessions {
		if i >= maxSessionsPerSenderKey {
			if err := txn.DeleteSession(s.senderKey, s.ID()); err != nil {
				return err
			}
			continue
		}
		if !s.isNew && !s.isModified {
			continue
		}
		rec, err := s.record(pickleKey)
		if err != nil {
			return err
		}
		if err := txn.PutSession(rec); err != nil {
			return err
		}
	}
	return nil
}
