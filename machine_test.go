package e2ee_test

import (
	"context"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"

	"github.com/arko-chat/e2ee"
	"github.com/arko-chat/e2ee/logger"
	"github.com/arko-chat/e2ee/store"
)

func newMachine(t *testing.T, s *store.Badger, client e2ee.Client) *e2ee.Machine {
	t.Helper()
	m, err := e2ee.NewMachine(context.Background(), e2ee.MachineConfig{
		UserID:    aliceID,
		DeviceID:  "ALICEDEV",
		PickleKey: pickleKey,
		Store:     s,
		Client:    client,
		Provider:  newFakeProvider(),
		Log:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	t.Cleanup(func() { m.Account.Dispose() })
	return m
}

func TestMachineFirstRunUploadsAndReloads(t *testing.T) {
	s := openStore(t)
	client := newFakeClient(t)
	ctx := context.Background()

	m := newMachine(t, s, client)
	if client.uploadedOTKs != 50 {
		t.Fatalf("first run uploaded %d one-time keys, want 50", client.uploadedOTKs)
	}
	signingKey, identityKey, err := m.Account.IdentityKeys()
	if err != nil {
		t.Fatalf("identity keys: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close machine: %v", err)
	}

	// A restart loads the persisted identity instead of minting a new one,
	// and the replenished pool owes the server nothing further.
	reloaded := newMachine(t, s, client)
	signingKey2, identityKey2, err := reloaded.Account.IdentityKeys()
	if err != nil {
		t.Fatalf("reloaded identity keys: %v", err)
	}
	if signingKey2 != signingKey || identityKey2 != identityKey {
		t.Fatal("restart produced a different device identity")
	}
	if client.uploadedOTKs != 50 {
		t.Fatalf("restart uploaded more keys: total %d, want 50", client.uploadedOTKs)
	}
}

func TestMachineReplenishesOnPushedCount(t *testing.T) {
	s := openStore(t)
	client := newFakeClient(t)
	m := newMachine(t, s, client)

	err := m.HandleOTKCount(context.Background(), mautrix.OTKCount{SignedCurve25519: 20})
	if err != nil {
		t.Fatalf("handle otk count: %v", err)
	}
	if client.uploadedOTKs != 80 {
		t.Fatalf("total uploaded after push = %d, want 80 (50 initial + 30 shortfall)", client.uploadedOTKs)
	}
}

func TestMachineSendEncrypted(t *testing.T) {
	provider := newFakeProvider()
	bob := newPeer(t, provider, bobID, "BOBDEV")
	client := newFakeClient(t, bob)
	s := openStore(t)

	m, err := e2ee.NewMachine(context.Background(), e2ee.MachineConfig{
		UserID:    aliceID,
		DeviceID:  "ALICEDEV",
		PickleKey: pickleKey,
		Store:     s,
		Client:    client,
		Provider:  provider,
		Log:       logger.Discard(),
	})
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	t.Cleanup(func() { m.Account.Dispose() })

	err = m.SendEncrypted(context.Background(), event.ToDeviceEncrypted, pingContent{Nonce: "hello"}, devicesOf(bob))
	if err != nil {
		t.Fatalf("send encrypted: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("got %d send-to-device requests, want 1", len(client.sent))
	}
	content := client.sent[0].Messages[bobID]["BOBDEV"]
	if content == nil {
		t.Fatal("request carries no message for bob's device")
	}
	encrypted, ok := content.Parsed.(*event.EncryptedEventContent)
	if !ok || len(encrypted.OlmCiphertext) == 0 {
		t.Fatalf("message for bob is not an olm ciphertext: %+v", content.Parsed)
	}
}
