package store

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee"
)

// sessionMRULess orders sessions by sender key, then most recently used
// first, so one pivot Ascend yields a sender's sessions in probe order.
func sessionMRULess(a, b *e2ee.SessionRecord) bool {
	if a.SenderKey != b.SenderKey {
		return a.SenderKey < b.SenderKey
	}
	if !a.LastUsed.Equal(b.LastUsed) {
		return a.LastUsed.After(b.LastUsed)
	}
	return a.SessionID < b.SessionID
}

// sessionIndex is a write-through in-memory cache of the session keyspace,
// loaded lazily per sender key. Committed transactions apply their staged
// session writes here; aborted ones never touch it.
type sessionIndex struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[*e2ee.SessionRecord]
	loaded map[id.Curve25519]bool
}

func newSessionIndex() *sessionIndex {
	return &sessionIndex{
		tree:   btree.NewBTreeG(sessionMRULess),
		loaded: make(map[id.Curve25519]bool),
	}
}

// pivot sorts before every real entry of senderKey.
func pivot(senderKey id.Curve25519) *e2ee.SessionRecord {
	return &e2ee.SessionRecord{SenderKey: senderKey, LastUsed: time.Unix(1<<42, 0)}
}

func (ix *sessionIndex) has(senderKey id.Curve25519) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.loaded[senderKey]
}

func (ix *sessionIndex) get(senderKey id.Curve25519) []*e2ee.SessionRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []*e2ee.SessionRecord
	ix.tree.Ascend(pivot(senderKey), func(rec *e2ee.SessionRecord) bool {
		if rec.SenderKey != senderKey {
			return false
		}
		cp := *rec
		out = append(out, &cp)
		return true
	})
	return out
}

// fill records the result of a full keyspace scan for senderKey.
func (ix *sessionIndex) fill(senderKey id.Curve25519, recs []*e2ee.SessionRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.loaded[senderKey] {
		return
	}
	for _, rec := range recs {
		cp := *rec
		ix.tree.Set(&cp)
	}
	ix.loaded[senderKey] = true
}

func (ix *sessionIndex) apply(puts []*e2ee.SessionRecord, dels []*e2ee.SessionRecord) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, rec := range dels {
		ix.deleteLocked(rec.SenderKey, rec.SessionID)
	}
	for _, rec := range puts {
		if !ix.loaded[rec.SenderKey] {
			// Not cached yet; the next read will scan badger and see
			// the committed write anyway.
			continue
		}
		ix.deleteLocked(rec.SenderKey, rec.SessionID)
		cp := *rec
		ix.tree.Set(&cp)
	}
}

// deleteLocked removes the entry for (senderKey, sessionID) regardless of
// its LastUsed, which the caller may not know.
func (ix *sessionIndex) deleteLocked(senderKey id.Curve25519, sessionID id.SessionID) {
	var found *e2ee.SessionRecord
	ix.tree.Ascend(pivot(senderKey), func(rec *e2ee.SessionRecord) bool {
		if rec.SenderKey != senderKey {
			return false
		}
		if rec.SessionID == sessionID {
			found = rec
			return false
		}
		return true
	})
	if found != nil {
		ix.tree.Delete(found)
	}
}
