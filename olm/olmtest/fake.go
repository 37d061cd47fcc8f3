// Package olmtest is a deterministic, pure-Go stand-in for the native olm
// primitives. Signing is real ed25519 so signature verification paths are
// exercised for real; the ratchet is replaced by a per-session secretbox
// key carried inside the pre-key message. Good enough for the engine's
// contract, useless for actual security.
package olmtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/olm"
)

var b64 = base64.RawStdEncoding

type Provider struct{}

var _ olm.Provider = (*Provider)(nil)

func NewProvider() *Provider { return &Provider{} }

type keypair struct {
	Priv []byte `json:"priv"`
	Pub  []byte `json:"pub"`
}

func newCurveKeypair() (keypair, error) {
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		return keypair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return keypair{}, err
	}
	return keypair{Priv: priv, Pub: pub}, nil
}

type accountState struct {
	EdPriv    []byte             `json:"ed_priv"`
	Curve     keypair            `json:"curve"`
	OTKs      map[string]keypair `json:"otks"`
	Published map[string]bool    `json:"published"`
	NextKeyID int                `json:"next_key_id"`
}

// Account implements olm.Account.
type Account struct {
	st    accountState
	freed bool
}

var _ olm.Account = (*Account)(nil)

func (p *Provider) NewAccount() (olm.Account, error) {
	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	curve, err := newCurveKeypair()
	if err != nil {
		return nil, err
	}
	return &Account{st: accountState{
		EdPriv:    edPriv,
		Curve:     curve,
		OTKs:      make(map[string]keypair),
		Published: make(map[string]bool),
	}}, nil
}

func (p *Provider) AccountFromPickled(pickled, key []byte) (olm.Account, error) {
	var st accountState
	if err := openPickle(pickled, key, &st); err != nil {
		return nil, err
	}
	return &Account{st: st}, nil
}

func (a *Account) check() {
	if a.freed {
		panic("olmtest: account used after free")
	}
}

func (a *Account) Pickle(key []byte) ([]byte, error) {
	a.check()
	return sealPickle(a.st, key)
}

func (a *Account) IdentityKeys() (id.Ed25519, id.Curve25519, error) {
	a.check()
	edPub := a.st.EdPriv[32:]
	return id.Ed25519(b64.EncodeToString(edPub)), id.Curve25519(b64.EncodeToString(a.st.Curve.Pub)), nil
}

func (a *Account) Sign(message []byte) (string, error) {
	a.check()
	return b64.EncodeToString(ed25519.Sign(ed25519.PrivateKey(a.st.EdPriv), message)), nil
}

func (a *Account) SignJSON(obj any) (string, error) {
	a.check()
	canonical, err := canonicalJSON(obj)
	if err != nil {
		return "", err
	}
	return a.Sign(canonical)
}

func (a *Account) OneTimeKeys() (map[string]id.Curve25519, error) {
	a.check()
	out := make(map[string]id.Curve25519)
	for keyID, kp := range a.st.OTKs {
		if !a.st.Published[keyID] {
			out[keyID] = id.Curve25519(b64.EncodeToString(kp.Pub))
		}
	}
	return out, nil
}

func (a *Account) GenOneTimeKeys(count uint) error {
	a.check()
	for range count {
		kp, err := newCurveKeypair()
		if err != nil {
			return err
		}
		a.st.OTKs[strconv.Itoa(a.st.NextKeyID)] = kp
		a.st.NextKeyID++
	}
	return nil
}

func (a *Account) MarkKeysAsPublished() {
	a.check()
	for keyID := range a.st.OTKs {
		a.st.Published[keyID] = true
	}
}

func (a *Account) MaxNumberOfOneTimeKeys() uint {
	a.check()
	return 100
}

func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (olm.Session, error) {
	a.check()
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	sessID := make([]byte, 16)
	if _, err := rand.Read(sessID); err != nil {
		return nil, err
	}
	return &Session{st: sessionState{
		ID:          b64.EncodeToString(sessID),
		Key:         key[:],
		OwnIdentity: id.Curve25519(b64.EncodeToString(a.st.Curve.Pub)),
		TheirOTK:    theirOneTimeKey,
		SendsPreKey: true,
	}}, nil
}

func (a *Account) NewInboundSession(senderKey id.Curve25519, preKeyMessage string) (olm.Session, error) {
	a.check()
	var env envelope
	if err := json.Unmarshal([]byte(preKeyMessage), &env); err != nil {
		return nil, olm.ErrBadMessageFormat
	}
	if env.SessionKey == "" {
		return nil, olm.ErrBadMessageFormat
	}
	if env.SenderKey != string(senderKey) {
		return nil, fmt.Errorf("olmtest: pre-key message from %s, expected %s", env.SenderKey, senderKey)
	}
	usedID := ""
	for keyID, kp := range a.st.OTKs {
		if b64.EncodeToString(kp.Pub) == env.OneTimeKey {
			usedID = keyID
			break
		}
	}
	if usedID == "" {
		return nil, errors.New("olmtest: pre-key message uses an unknown one-time key")
	}
	key, err := b64.DecodeString(env.SessionKey)
	if err != nil {
		return nil, olm.ErrBadMessageFormat
	}
	return &Session{st: sessionState{
		ID:        env.SessionID,
		Key:       key,
		UsedOTKID: usedID,
	}}, nil
}

func (a *Account) RemoveOneTimeKeys(used olm.Session) error {
	a.check()
	s, ok := used.(*Session)
	if !ok {
		return errors.New("olmtest: foreign session")
	}
	delete(a.st.OTKs, s.st.UsedOTKID)
	delete(a.st.Published, s.st.UsedOTKID)
	return nil
}

func (a *Account) Free() {
	if a.freed {
		panic("olmtest: account freed twice")
	}
	a.freed = true
}

type sessionState struct {
	ID          string        `json:"id"`
	Key         []byte        `json:"key"`
	OwnIdentity id.Curve25519 `json:"own_identity,omitempty"`
	TheirOTK    id.Curve25519 `json:"their_otk,omitempty"`
	UsedOTKID   string        `json:"used_otk_id,omitempty"`
	SendsPreKey bool          `json:"sends_pre_key"`
}

// Session implements olm.Session.
type Session struct {
	st    sessionState
	freed bool
}

var _ olm.Session = (*Session)(nil)

// envelope is the wire format of both message types; pre-key messages carry
// the establishment fields, normal messages only the box.
type envelope struct {
	SessionID  string `json:"session_id"`
	SenderKey  string `json:"sender_key,omitempty"`
	OneTimeKey string `json:"one_time_key,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Nonce      string `json:"nonce"`
	Box        string `json:"box"`
}

func (p *Provider) SessionFromPickled(pickled, key []byte) (olm.Session, error) {
	var st sessionState
	if err := openPickle(pickled, key, &st); err != nil {
		return nil, err
	}
	return &Session{st: st}, nil
}

func (s *Session) check() {
	if s.freed {
		panic("olmtest: session used after free")
	}
}

func (s *Session) ID() id.SessionID {
	s.check()
	return id.SessionID(s.st.ID)
}

func (s *Session) Pickle(key []byte) ([]byte, error) {
	s.check()
	return sealPickle(s.st, key)
}

func (s *Session) Encrypt(plaintext []byte) (id.OlmMsgType, string, error) {
	s.check()
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, "", err
	}
	var key [32]byte
	copy(key[:], s.st.Key)
	env := envelope{
		SessionID: s.st.ID,
		Nonce:     b64.EncodeToString(nonce[:]),
		Box:       b64.EncodeToString(secretbox.Seal(nil, plaintext, &nonce, &key)),
	}
	msgType := id.OlmMsgTypeMsg
	if s.st.SendsPreKey {
		msgType = id.OlmMsgTypePreKey
		env.SenderKey = string(s.st.OwnIdentity)
		env.OneTimeKey = string(s.st.TheirOTK)
		env.SessionKey = b64.EncodeToString(s.st.Key)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return 0, "", err
	}
	return msgType, string(body), nil
}

func (s *Session) Decrypt(message string, msgType id.OlmMsgType) ([]byte, error) {
	s.check()
	var env envelope
	if err := json.Unmarshal([]byte(message), &env); err != nil {
		return nil, olm.ErrBadMessageFormat
	}
	if env.SessionID != s.st.ID {
		return nil, olm.ErrBadMAC
	}
	nonceBytes, err := b64.DecodeString(env.Nonce)
	if err != nil {
		return nil, olm.ErrBadMessageFormat
	}
	box, err := b64.DecodeString(env.Box)
	if err != nil {
		return nil, olm.ErrBadMessageFormat
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)
	var key [32]byte
	copy(key[:], s.st.Key)
	plaintext, ok := secretbox.Open(nil, box, &nonce, &key)
	if !ok {
		return nil, olm.ErrBadMAC
	}
	// Once the other side has demonstrably received our session key, stop
	// sending pre-key messages.
	s.st.SendsPreKey = false
	return plaintext, nil
}

func (s *Session) MatchesInboundSessionFrom(senderKey id.Curve25519, preKeyMessage string) (bool, error) {
	s.check()
	var env envelope
	if err := json.Unmarshal([]byte(preKeyMessage), &env); err != nil {
		return false, olm.ErrBadMessageFormat
	}
	return env.SessionID == s.st.ID, nil
}

func (s *Session) Free() {
	if s.freed {
		panic("olmtest: session freed twice")
	}
	s.freed = true
}
