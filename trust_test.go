package e2ee_test

import (
	"context"
	"errors"
	"testing"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee"
	"github.com/arko-chat/e2ee/logger"
	"github.com/arko-chat/e2ee/olm"
)

// chainOpts names the single link of the cross-signing chain a scenario
// breaks; the zero value builds a fully valid chain.
type chainOpts struct {
	omitOwnUserSigning bool
	omitTargetMaster   bool
	omitUserSig        bool
	badUserSig         bool
	omitTargetSelfSig  bool
	badTargetSelfSig   bool
	omitDeviceSig      bool
	badDeviceSig       bool
}

func crossSigningKey(t *testing.T, userID id.UserID, usage id.CrossSigningUsage, signer olm.PKSigning) *mautrix.CrossSigningKeys {
	t.Helper()
	pub := signer.PublicKey()
	return &mautrix.CrossSigningKeys{
		UserID: userID,
		Usage:  []id.CrossSigningUsage{usage},
		Keys:   map[id.KeyID]id.Ed25519{id.NewKeyID(id.KeyAlgorithmEd25519, string(pub)): pub},
	}
}

func addSignature(t *testing.T, obj *mautrix.CrossSigningKeys, signerUser id.UserID, signer olm.PKSigning, bad bool) {
	t.Helper()
	sig, err := signer.SignJSON(obj)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if bad {
		// A syntactically valid signature made by an unrelated key.
		wrong, err := newSigner(t).SignJSON(obj)
		if err != nil {
			t.Fatalf("wrong-sign: %v", err)
		}
		sig = wrong
	}
	if obj.Signatures == nil {
		obj.Signatures = signatures.Signatures{}
	}
	if obj.Signatures[signerUser] == nil {
		obj.Signatures[signerUser] = map[id.KeyID]string{}
	}
	obj.Signatures[signerUser][id.NewKeyID(id.KeyAlgorithmEd25519, string(signer.PublicKey()))] = sig
}

var testProvider = newFakeProvider()

func newSigner(t *testing.T) olm.PKSigning {
	t.Helper()
	signer, err := testProvider.NewPKSigningFromSeed(randomSeed(t))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

// buildTrust assembles a complete cross-signing world for alice evaluating
// bob, with one optional broken link, and returns an established trust
// evaluator plus the client it talks to.
func buildTrust(t *testing.T, opts chainOpts) (*e2ee.CrossSigningTrust, *fakeClient) {
	t.Helper()
	provider := newFakeProvider()
	bob := newPeer(t, provider, bobID, "BOBDEV")
	client := newFakeClient(t, bob)
	s := openStore(t)

	tracker, err := e2ee.NewDeviceKeyTracker(s, client, provider, logger.Discard())
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}

	masterSeed := randomSeed(t)
	masterSigner, err := provider.NewPKSigningFromSeed(masterSeed)
	if err != nil {
		t.Fatalf("master signer: %v", err)
	}
	userSigner := newSigner(t)
	bobMasterSigner := newSigner(t)
	bobSelfSigner := newSigner(t)

	ownMaster := crossSigningKey(t, aliceID, id.XSUsageMaster, masterSigner)
	ownUserSigning := crossSigningKey(t, aliceID, id.XSUsageUserSigning, userSigner)
	addSignature(t, ownUserSigning, aliceID, masterSigner, false)

	bobMaster := crossSigningKey(t, bobID, id.XSUsageMaster, bobMasterSigner)
	if !opts.omitUserSig {
		addSignature(t, bobMaster, aliceID, userSigner, opts.badUserSig)
	}
	bobSelfSigning := crossSigningKey(t, bobID, id.XSUsageSelfSigning, bobSelfSigner)
	if !opts.omitTargetSelfSig {
		addSignature(t, bobSelfSigning, bobID, bobMasterSigner, opts.badTargetSelfSig)
	}

	if !opts.omitDeviceSig {
		sig, err := bobSelfSigner.SignJSON(bob.keys)
		if err != nil {
			t.Fatalf("sign device: %v", err)
		}
		if opts.badDeviceSig {
			wrong, err := newSigner(t).SignJSON(bob.keys)
			if err != nil {
				t.Fatalf("wrong-sign device: %v", err)
			}
			sig = wrong
		}
		bob.keys.Signatures[bobID][id.NewKeyID(id.KeyAlgorithmEd25519, string(bobSelfSigner.PublicKey()))] = sig
	}

	resp := &mautrix.RespQueryKeys{
		DeviceKeys: map[id.UserID]map[id.DeviceID]mautrix.DeviceKeys{
			bobID: {"BOBDEV": *bob.keys},
		},
		MasterKeys:      map[id.UserID]mautrix.CrossSigningKeys{aliceID: *ownMaster},
		SelfSigningKeys: map[id.UserID]mautrix.CrossSigningKeys{bobID: *bobSelfSigning},
		UserSigningKeys: map[id.UserID]mautrix.CrossSigningKeys{},
	}
	if !opts.omitOwnUserSigning {
		resp.UserSigningKeys[aliceID] = *ownUserSigning
	}
	if !opts.omitTargetMaster {
		resp.MasterKeys[bobID] = *bobMaster
	}
	client.queryResp = resp

	trust := e2ee.NewCrossSigningTrust(aliceID, s, client, provider, tracker,
		e2ee.CrossSigningSeeds{Master: masterSeed, UserSigning: userSigner.Seed()}, logger.Discard())
	if err := trust.EstablishMasterKeyTrust(context.Background()); err != nil {
		t.Fatalf("establish master key trust: %v", err)
	}
	return trust, client
}

func assertVerdict(t *testing.T, opts chainOpts, want e2ee.TrustVerdict) {
	t.Helper()
	trust, _ := buildTrust(t, opts)
	verdict, err := trust.GetUserTrust(context.Background(), bobID)
	if err != nil {
		t.Fatalf("get user trust: %v", err)
	}
	if verdict != want {
		t.Fatalf("verdict %s, want %s", verdict, want)
	}
}

func TestTrustFullChain(t *testing.T) {
	assertVerdict(t, chainOpts{}, e2ee.Trusted)
}

func TestTrustUntrustedMasterKeyShortCircuits(t *testing.T) {
	provider := newFakeProvider()
	client := newFakeClient(t)
	s := openStore(t)
	tracker, err := e2ee.NewDeviceKeyTracker(s, client, provider, logger.Discard())
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	trust := e2ee.NewCrossSigningTrust(aliceID, s, client, provider, tracker, e2ee.CrossSigningSeeds{}, logger.Discard())

	verdict, err := trust.GetUserTrust(context.Background(), bobID)
	if err != nil {
		t.Fatalf("get user trust: %v", err)
	}
	if verdict != e2ee.TrustOwnSetupError {
		t.Fatalf("verdict %s, want %s", verdict, e2ee.TrustOwnSetupError)
	}
}

func TestTrustMissingOwnUserSigningKey(t *testing.T) {
	assertVerdict(t, chainOpts{omitOwnUserSigning: true}, e2ee.TrustOwnSetupError)
}

func TestTrustTargetWithoutMasterKey(t *testing.T) {
	assertVerdict(t, chainOpts{omitTargetMaster: true}, e2ee.TrustUserNotSigned)
}

func TestTrustTargetMasterUnsignedByUs(t *testing.T) {
	assertVerdict(t, chainOpts{omitUserSig: true}, e2ee.TrustUserNotSigned)
}

func TestTrustTargetMasterBadSignature(t *testing.T) {
	assertVerdict(t, chainOpts{badUserSig: true}, e2ee.TrustUserSignatureMismatch)
}

func TestTrustTargetSelfSigningUnsigned(t *testing.T) {
	assertVerdict(t, chainOpts{omitTargetSelfSig: true}, e2ee.TrustUserSetupError)
}

func TestTrustTargetSelfSigningBadSignature(t *testing.T) {
	assertVerdict(t, chainOpts{badTargetSelfSig: true}, e2ee.TrustUserSetupError)
}

func TestTrustDeviceUnsigned(t *testing.T) {
	assertVerdict(t, chainOpts{omitDeviceSig: true}, e2ee.TrustUserDeviceNotSigned)
}

func TestTrustDeviceBadSignature(t *testing.T) {
	assertVerdict(t, chainOpts{badDeviceSig: true}, e2ee.TrustUserDeviceSignatureMismatch)
}

func TestSignUserUploadsAndInvalidates(t *testing.T) {
	trust, client := buildTrust(t, chainOpts{})
	ctx := context.Background()

	if err := trust.SignUser(ctx, bobID); err != nil {
		t.Fatalf("sign user: %v", err)
	}
	if len(client.signatures) != 1 {
		t.Fatalf("uploaded %d signature payloads, want 1", len(client.signatures))
	}
	if _, ok := client.signatures[0][bobID]; !ok {
		t.Fatal("upload not addressed to the signed user")
	}

	// The next verdict re-verifies from a fresh fetch rather than the
	// pre-signing cache.
	calls := client.queryCalls
	if _, err := trust.GetUserTrust(ctx, bobID); err != nil {
		t.Fatalf("get user trust: %v", err)
	}
	if client.queryCalls == calls {
		t.Fatal("trust after signing served from stale cache")
	}
}

func TestSigningGates(t *testing.T) {
	provider := newFakeProvider()
	client := newFakeClient(t)
	s := openStore(t)
	tracker, err := e2ee.NewDeviceKeyTracker(s, client, provider, logger.Discard())
	if err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	trust := e2ee.NewCrossSigningTrust(aliceID, s, client, provider, tracker, e2ee.CrossSigningSeeds{}, logger.Discard())

	if err := trust.SignUser(context.Background(), bobID); !errors.Is(err, e2ee.ErrMasterKeyNotTrusted) {
		t.Fatalf("sign without established master: %v, want ErrMasterKeyNotTrusted", err)
	}
	if err := trust.EstablishMasterKeyTrust(context.Background()); !errors.Is(err, e2ee.ErrNoSigningSeed) {
		t.Fatalf("establish without seed: %v, want ErrNoSigningSeed", err)
	}
}

func TestSignDeviceRejectsOtherUsers(t *testing.T) {
	trust, _ := buildTrust(t, chainOpts{})

	err := trust.SignDevice(context.Background(), bobID, "BOBDEV")
	if err == nil {
		t.Fatal("signing another user's device succeeded")
	}
	if errors.Is(err, e2ee.ErrMasterKeyNotTrusted) || errors.Is(err, e2ee.ErrNoSigningSeed) {
		t.Fatalf("wrong rejection reason: %v", err)
	}
}
