// Package transport moves raw frames between the orchestrator and the
// radio network. Two implementations exist: a WebSocket client for the
// hosted network server, and a ZeroMQ bridge for a local gateway.
package transport

import (
	"context"
	"time"
)

// MaxDownlinkSize mirrors the radio MTU. SendDownlink rejects anything
// larger before it reaches the network.
const MaxDownlinkSize = 19

// UplinkMessage is a raw frame received from a device, before any
// protocol decoding.
type UplinkMessage struct {
	WirelessDeviceID string
	Payload          []byte
	RSSI             int
	SNR              float64
	ReceivedAt       time.Time
}

// Transport delivers uplinks to a handler and queues downlinks toward
// devices. Downlink delivery is best effort: the network holds the frame
// until the device's next receive window.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	SetUplinkHandler(cb func(*UplinkMessage))
	SendDownlink(ctx context.Context, wirelessDeviceID string, payload []byte) error
}
