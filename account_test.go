package e2ee_test

import (
	"context"
	"testing"

	"github.com/arko-chat/e2ee"
	"github.com/arko-chat/e2ee/logger"
)

func TestAccountFillsHalfCapacityOnCreate(t *testing.T) {
	provider := newFakeProvider()
	account, err := e2ee.NewIdentityAccount(provider, "@alice:example.org", "ALICEDEV", pickleKey)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	defer account.Dispose()

	client := newFakeClient(t)
	if err := account.UploadKeys(context.Background(), client, logger.Discard()); err != nil {
		t.Fatalf("upload keys: %v", err)
	}
	// Fake capacity is 100, so the pool fills to 50.
	if client.uploadedOTKs != 50 {
		t.Fatalf("uploaded %d one-time keys, want 50", client.uploadedOTKs)
	}

	// Server reports all 50 present; nothing more to generate or upload.
	uploadOwed, err := account.GenerateOTKsIfNeeded()
	if err != nil {
		t.Fatalf("generate otks: %v", err)
	}
	if uploadOwed {
		t.Fatal("upload owed with a full published pool")
	}
}

func TestAccountRegeneratesOnlyShortfall(t *testing.T) {
	provider := newFakeProvider()
	account, err := e2ee.NewIdentityAccount(provider, "@alice:example.org", "ALICEDEV", pickleKey)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	defer account.Dispose()

	client := newFakeClient(t)
	ctx := context.Background()
	if err := account.UploadKeys(ctx, client, logger.Discard()); err != nil {
		t.Fatalf("upload keys: %v", err)
	}

	// The server burned 30 keys.
	account.UpdateServerOTKCount(20)
	uploadOwed, err := account.GenerateOTKsIfNeeded()
	if err != nil {
		t.Fatalf("generate otks: %v", err)
	}
	if !uploadOwed {
		t.Fatal("expected an upload to be owed after exhaustion")
	}

	client.uploadedOTKs = 0
	if err := account.UploadKeys(ctx, client, logger.Discard()); err != nil {
		t.Fatalf("upload keys: %v", err)
	}
	if client.uploadedOTKs != 30 {
		t.Fatalf("uploaded %d one-time keys, want the 30 key shortfall", client.uploadedOTKs)
	}
}

func TestAccountSurvivesPickleRoundTrip(t *testing.T) {
	provider := newFakeProvider()
	account, err := e2ee.NewIdentityAccount(provider, "@alice:example.org", "ALICEDEV", pickleKey)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	defer account.Dispose()

	signingKey, identityKey, err := account.IdentityKeys()
	if err != nil {
		t.Fatalf("identity keys: %v", err)
	}

	rec, err := account.Record()
	if err != nil {
		t.Fatalf("account record: %v", err)
	}
	restored, err := e2ee.LoadIdentityAccount(provider, "@alice:example.org", "ALICEDEV", rec, pickleKey)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	defer restored.Dispose()

	restoredSigning, restoredIdentity, err := restored.IdentityKeys()
	if err != nil {
		t.Fatalf("restored identity keys: %v", err)
	}
	if restoredSigning != signingKey || restoredIdentity != identityKey {
		t.Fatal("identity keys changed across pickle round trip")
	}
}

func TestAccountDisposedOperationsFail(t *testing.T) {
	provider := newFakeProvider()
	account, err := e2ee.NewIdentityAccount(provider, "@alice:example.org", "ALICEDEV", pickleKey)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	account.Dispose()
	account.Dispose() // idempotent

	if _, _, err := account.IdentityKeys(); err != e2ee.ErrAccountDisposed {
		t.Fatalf("IdentityKeys after dispose: %v, want ErrAccountDisposed", err)
	}
	if _, err := account.GenerateOTKsIfNeeded(); err != e2ee.ErrAccountDisposed {
		t.Fatalf("GenerateOTKsIfNeeded after dispose: %v, want ErrAccountDisposed", err)
	}
}
