package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/locks"
	"github.com/arko-chat/e2ee/olm"
)

// PairwiseDecryptor decrypts inbound device-to-device events. Events from
// different sender keys are independent and decrypt in parallel; events
// from the same sender key share ratchet state and decrypt in order.
type PairwiseDecryptor struct {
	account  *IdentityAccount
	provider olm.Provider
	store    Store
	locks    *locks.Map[id.Curve25519]
	log      *slog.Logger
}

func NewPairwiseDecryptor(account *IdentityAccount, provider olm.Provider, store Store, lockMap *locks.Map[id.Curve25519], log *slog.Logger) *PairwiseDecryptor {
	return &PairwiseDecryptor{
		account:  account,
		provider: provider,
		store:    store,
		locks:    lockMap,
		log:      log,
	}
}

// DecryptionLock holds the per-sender-key locks for one batch of events.
// It is released by the DecryptionResult that inherits it, or directly via
// Release when decryption never starts.
type DecryptionLock struct {
	keys    map[id.Curve25519]struct{}
	release func()
	once    sync.Once
}

// Release unlocks all held sender keys. Idempotent.
func (l *DecryptionLock) Release() {
	l.once.Do(l.release)
}

func (l *DecryptionLock) covers(key id.Curve25519) bool {
	_, ok := l.keys[key]
	return ok
}

// ObtainDecryptionLock locks the sender keys of all given events in one
// deadlock-safe acquisition. The caller holds the lock across Decrypt and
// the follow-up Write so no concurrent operation can advance or persist
// these senders' ratchets in between.
func (d *PairwiseDecryptor) ObtainDecryptionLock(events []*event.Event) *DecryptionLock {
	lock := &DecryptionLock{keys: make(map[id.Curve25519]struct{})}
	keys := make([]id.Curve25519, 0, len(events))
	for _, evt := range events {
		content := encryptedContent(evt)
		if content == nil || content.SenderKey == "" {
			continue
		}
		if _, ok := lock.keys[content.SenderKey]; !ok {
			lock.keys[content.SenderKey] = struct{}{}
			keys = append(keys, content.SenderKey)
		}
	}
	lock.release = d.locks.LockAll(keys)
	return lock
}

// DecryptionResult carries the outcome of one batch: decrypted events,
// per-event failures, and the advanced ratchet state that still has to be
// persisted. The caller must finish with Write (inside a store update) and
// then Close, or just Close to abandon the batch.
type DecryptionResult struct {
	Events []*DecryptedOlmEvent
	// Errors holds one entry per event that could not be decrypted; the
	// rest of the batch is unaffected by them.
	Errors []*DecryptionError

	decryptor       *PairwiseDecryptor
	groups          []*senderGroup
	accountModified bool
	lock            *DecryptionLock
	written         bool
	closed          bool
}

// senderGroup is the per-sender-key slice of a batch.
type senderGroup struct {
	senderKey id.Curve25519
	events    []*event.Event
	records   []*SessionRecord

	// sessions is kept in most recently used order; Write relies on it.
	sessions []*Session

	decrypted []*DecryptedOlmEvent
	failures  []*DecryptionError
	usedOTK   bool
}

// Decrypt processes the batch under the given lock. Per-event failures are
// reported in the result, not as the returned error; the error is reserved
// for infrastructure failures (store reads, identity access) that abort the
// whole batch. The lock is inherited by the result on success and released
// here on failure.
func (d *PairwiseDecryptor) Decrypt(ctx context.Context, lock *DecryptionLock, events []*event.Event) (*DecryptionResult, error) {
	ownSigningKey, ownIdentityKey, err := d.account.IdentityKeys()
	if err != nil {
		lock.Release()
		return nil, err
	}

	res := &DecryptionResult{decryptor: d, lock: lock}

	byKey := make(map[id.Curve25519]*senderGroup)
	for _, evt := range events {
		content := encryptedContent(evt)
		if content == nil || content.SenderKey == "" || len(content.OlmCiphertext) == 0 {
			res.Errors = append(res.Errors, &DecryptionError{
				Code:   DecryptMissingCiphertext,
				Sender: evt.Sender,
				Event:  evt,
			})
			continue
		}
		if !lock.covers(content.SenderKey) {
			res.Close()
			return nil, fmt.Errorf("event from sender key %s outside the held lock", content.SenderKey)
		}
		group, ok := byKey[content.SenderKey]
		if !ok {
			group = &senderGroup{senderKey: content.SenderKey}
			byKey[content.SenderKey] = group
			res.groups = append(res.groups, group)
		}
		group.events = append(group.events, evt)
	}

	err = d.store.View(ctx, func(txn Txn) error {
		for _, group := range res.groups {
			recs, err := txn.SessionsForSender(group.senderKey)
			if err != nil {
				return err
			}
			group.records = recs
		}
		return nil
	})
	if err != nil {
		res.Close()
		return nil, err
	}

	g, _ := errgroup.WithContext(ctx)
	for _, group := range res.groups {
		g.Go(func() error {
			return d.decryptGroup(group, ownSigningKey, ownIdentityKey)
		})
	}
	if err := g.Wait(); err != nil {
		res.Close()
		return nil, err
	}

	for _, group := range res.groups {
		res.Events = append(res.Events, group.decrypted...)
		res.Errors = append(res.Errors, group.failures...)
		if group.usedOTK {
			res.accountModified = true
		}
	}
	return res, nil
}

// decryptGroup works through one sender key's events in arrival order.
// Cached sessions are unpickled once, up front, and reused for the whole
// group.
func (d *PairwiseDecryptor) decryptGroup(group *senderGroup, ownSigningKey id.Ed25519, ownIdentityKey id.Curve25519) error {
	for _, rec := range group.records {
		sess, err := loadSession(d.provider, rec, d.account.pickleKey)
		if err != nil {
			return err
		}
		group.sessions = append(group.sessions, sess)
	}

	for _, evt := range group.events {
		decrypted, derr := d.decryptEvent(group, evt, ownSigningKey, ownIdentityKey)
		if derr != nil {
			group.failures = append(group.failures, derr)
			continue
		}
		group.decrypted = append(group.decrypted, decrypted)
	}
	return nil
}

func (d *PairwiseDecryptor) decryptEvent(group *senderGroup, evt *event.Event, ownSigningKey id.Ed25519, ownIdentityKey id.Curve25519) (*DecryptedOlmEvent, *DecryptionError) {
	fail := func(code DecryptCode, cause error) *DecryptionError {
		return &DecryptionError{
			Code:      code,
			Sender:    evt.Sender,
			SenderKey: group.senderKey,
			Event:     evt,
			cause:     cause,
		}
	}

	content := encryptedContent(evt)
	ciphertext, ok := content.OlmCiphertext[ownIdentityKey]
	if !ok {
		return nil, fail(DecryptNotForThisDevice, nil)
	}

	plaintext, derr := d.decryptCiphertext(group, ciphertext.Type, ciphertext.Body, fail)
	if derr != nil {
		return nil, derr
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fail(DecryptBadPayload, err)
	}
	if code := payload.validate(evt.Sender, d.account.userID, ownSigningKey); code != "" {
		return nil, fail(code, nil)
	}

	return &DecryptedOlmEvent{
		Source:           evt,
		Sender:           payload.Sender,
		SenderKey:        group.senderKey,
		SenderSigningKey: payload.Keys.Ed25519,
		Type:             payload.Type,
		Content:          payload.Content,
	}, nil
}

// decryptCiphertext resolves a session for the message and decrypts it.
// Pre-key messages prefer the existing session they were built against and
// only consume a one-time key when none matches.
func (d *PairwiseDecryptor) decryptCiphertext(group *senderGroup, msgType id.OlmMsgType, body string, fail func(DecryptCode, error) *DecryptionError) ([]byte, *DecryptionError) {
	if msgType == id.OlmMsgTypePreKey {
		for i, sess := range group.sessions {
			matches, err := sess.native.MatchesInboundSessionFrom(group.senderKey, body)
			if err != nil {
				return nil, fail(DecryptFailed, err)
			}
			if !matches {
				continue
			}
			plaintext, err := sess.native.Decrypt(body, msgType)
			if err != nil {
				return nil, fail(DecryptFailed, err)
			}
			group.promote(i)
			return plaintext, nil
		}

		native, err := d.account.newInboundSession(group.senderKey, body)
		if err != nil {
			return nil, fail(DecryptFailed, err)
		}
		sess := newSession(native, group.senderKey)
		plaintext, err := sess.native.Decrypt(body, msgType)
		if err != nil {
			sess.free()
			return nil, fail(DecryptFailed, err)
		}
		if err := d.account.RemoveOneTimeKey(sess); err != nil {
			sess.free()
			return nil, fail(DecryptFailed, err)
		}
		group.usedOTK = true
		group.sessions = append([]*Session{sess}, group.sessions...)
		return plaintext, nil
	}

	for i, sess := range group.sessions {
		plaintext, err := sess.native.Decrypt(body, msgType)
		if err != nil {
			if errors.Is(err, olm.ErrBadMAC) || errors.Is(err, olm.ErrBadMessageFormat) {
				continue
			}
			return nil, fail(DecryptFailed, err)
		}
		group.promote(i)
		return plaintext, nil
	}
	return nil, fail(DecryptNoMatchingSession, nil)
}

// promote marks sessions[i] as just used and moves it to the front of the
// MRU order.
func (g *senderGroup) promote(i int) {
	sess := g.sessions[i]
	sess.touch()
	if i > 0 {
		copy(g.sessions[1:i+1], g.sessions[:i])
		g.sessions[0] = sess
	}
}

// Write stages the batch's session and account changes inside a store
// update owned by the caller, so decrypted sessions commit atomically with
// whatever the caller does with the plaintext. Must be followed by Close.
func (r *DecryptionResult) Write(txn Txn) error {
	if r.written || r.closed {
		return ErrResultConsumed
	}
	r.written = true

	for _, group := range r.groups {
		if err := persistSessions(txn, group.sessions, r.decryptor.account.pickleKey); err != nil {
			return err
		}
	}
	if r.accountModified {
		rec, err := r.decryptor.account.Record()
		if err != nil {
			return err
		}
		if err := txn.PutAccount(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close frees every native session of the batch and releases the sender-key
// locks. Always runs, written or not; idempotent.
func (r *DecryptionResult) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for _, group := range r.groups {
		for _, sess := range group.sessions {
			sess.free()
		}
	}
	r.lock.Release()
}

// encryptedContent returns the parsed encrypted content of an event, or nil
// when the event is not a parsed olm-encrypted event.
func encryptedContent(evt *event.Event) *event.EncryptedEventContent {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok || content.Algorithm != id.AlgorithmOlmV1 {
		return nil
	}
	return content
}
