package e2ee_test

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee"
)

func TestBuildSendToDeviceRequestGroupsByUser(t *testing.T) {
	content := func(nonce string) *event.EncryptedEventContent {
		return &event.EncryptedEventContent{
			Algorithm: id.AlgorithmOlmV1,
			SenderKey: id.Curve25519(nonce),
		}
	}
	req := e2ee.BuildSendToDeviceRequest([]*e2ee.EncryptedMessage{
		{UserID: aliceID, DeviceID: "DEV1", Content: content("a1")},
		{UserID: aliceID, DeviceID: "DEV2", Content: content("a2")},
		{UserID: bobID, DeviceID: e2ee.ToAllDevices, Content: content("b")},
	})

	if len(req.Messages) != 2 {
		t.Fatalf("got %d users, want 2", len(req.Messages))
	}
	if len(req.Messages[aliceID]) != 2 {
		t.Fatalf("got %d devices for alice, want 2", len(req.Messages[aliceID]))
	}
	for _, deviceID := range []id.DeviceID{"DEV1", "DEV2"} {
		if req.Messages[aliceID][deviceID] == nil {
			t.Fatalf("no message for alice device %s", deviceID)
		}
	}
	wildcard := req.Messages[bobID][e2ee.ToAllDevices]
	if wildcard == nil {
		t.Fatal("no wildcard-addressed message for bob")
	}
	if got, ok := wildcard.Parsed.(*event.EncryptedEventContent); !ok || got.SenderKey != "b" {
		t.Fatalf("wildcard message carries %+v", wildcard.Parsed)
	}
}
