package olmtest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Pickles are secretbox(JSON state) under sha256(pickle key), nonce
// prepended. Matches the real primitives' contract: opaque bytes that only
// unpickle with the same key.

func sealPickle(state any, pickleKey []byte) ([]byte, error) {
	plaintext, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	key := sha256.Sum256(pickleKey)
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

func openPickle(pickled, pickleKey []byte, state any) error {
	if len(pickled) < 24 {
		return errors.New("olmtest: pickle too short")
	}
	key := sha256.Sum256(pickleKey)
	var nonce [24]byte
	copy(nonce[:], pickled[:24])
	plaintext, ok := secretbox.Open(nil, pickled[24:], &nonce, &key)
	if !ok {
		return errors.New("olmtest: wrong pickle key")
	}
	return json.Unmarshal(plaintext, state)
}
