package olmtest

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/olm"
)

// canonicalJSON strips signatures and unsigned and re-encodes with sorted
// keys. encoding/json already sorts map keys, which is all the canonical
// form needs for the shapes signed in this protocol.
func canonicalJSON(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	return json.Marshal(m)
}

// PKSigning implements olm.PKSigning over stdlib ed25519.
type PKSigning struct {
	seed []byte
	priv ed25519.PrivateKey
}

var _ olm.PKSigning = (*PKSigning)(nil)

func (p *Provider) NewPKSigningFromSeed(seed []byte) (olm.PKSigning, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("olmtest: bad seed length")
	}
	return &PKSigning{seed: seed, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (p *PKSigning) Seed() []byte { return p.seed }

func (p *PKSigning) PublicKey() id.Ed25519 {
	return id.Ed25519(b64.EncodeToString(p.priv.Public().(ed25519.PublicKey)))
}

func (p *PKSigning) Sign(message []byte) (string, error) {
	return b64.EncodeToString(ed25519.Sign(p.priv, message)), nil
}

func (p *PKSigning) SignJSON(obj any) (string, error) {
	canonical, err := canonicalJSON(obj)
	if err != nil {
		return "", err
	}
	return p.Sign(canonical)
}

type verifier struct{}

var _ olm.Verifier = verifier{}

func (p *Provider) Verifier() olm.Verifier { return verifier{} }

// VerifySignatureJSON checks the ed25519 signature obj carries for
// (userID, keyName) against key. A missing signature reports false.
func (verifier) VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return false, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return false, err
	}
	sigs, _ := m["signatures"].(map[string]any)
	userSigs, _ := sigs[string(userID)].(map[string]any)
	sigB64, _ := userSigs["ed25519:"+keyName].(string)
	if sigB64 == "" {
		return false, nil
	}
	sig, err := b64.DecodeString(sigB64)
	if err != nil {
		return false, nil
	}
	pub, err := b64.DecodeString(string(key))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false, nil
	}
	canonical, err := canonicalJSON(obj)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), canonical, sig), nil
}
