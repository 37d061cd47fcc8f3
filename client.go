package e2ee

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ToAllDevices is the wildcard device id accepted by send-to-device
// endpoints, meaning every device of the addressed user.
const ToAllDevices = id.DeviceID("*")

// SignatureUpload is a cross-signing signature upload body: user id →
// device id or public key → the re-signed key object.
type SignatureUpload map[id.UserID]map[string]any

// Client is the homeserver API surface the engine consumes. A thin adapter
// over *mautrix.Client satisfies it (UploadSignatures maps onto its request
// type); transport concerns (retry, backoff) live behind this interface,
// never in the engine.
type Client interface {
	ClaimKeys(ctx context.Context, req *mautrix.ReqClaimKeys) (*mautrix.RespClaimKeys, error)
	QueryKeys(ctx context.Context, req *mautrix.ReqQueryKeys) (*mautrix.RespQueryKeys, error)
	UploadKeys(ctx context.Context, req *mautrix.ReqUploadKeys) (*mautrix.RespUploadKeys, error)
	UploadSignatures(ctx context.Context, req SignatureUpload) error
	SendToDevice(ctx context.Context, eventType event.Type, req *mautrix.ReqSendToDevice) (*mautrix.RespSendToDevice, error)
}

// BuildSendToDeviceRequest packs encrypted per-device messages into one
// send-to-device request.
func BuildSendToDeviceRequest(messages []*EncryptedMessage) *mautrix.ReqSendToDevice {
	req := &mautrix.ReqSendToDevice{
		Messages: make(map[id.UserID]map[id.DeviceID]*event.Content),
	}
	for _, msg := range messages {
		perDevice, ok := req.Messages[msg.UserID]
		if !ok {
			perDevice = make(map[id.DeviceID]*event.Content)
			req.Messages[msg.UserID] = perDevice
		}
		perDevice[msg.DeviceID] = &event.Content{Parsed: msg.Content}
	}
	return req
}
