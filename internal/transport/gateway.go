package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// GatewayConfig holds configuration for a local gateway bridge. The
// bridge speaks ZeroMQ: a SUB socket delivers uplink events, a REQ
// socket accepts downlink commands.
type GatewayConfig struct {
	EventURL   string // SUB socket for receiving uplink events
	CommandURL string // REQ socket for sending downlinks
}

// DefaultGatewayConfig returns default gateway bridge configuration
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		EventURL:   "ipc:///tmp/sidecharge_gw_event",
		CommandURL: "ipc:///tmp/sidecharge_gw_command",
	}
}

// GatewayBridge is the on-prem transport for bench and field-debug
// setups where frames arrive from a local gateway instead of the hosted
// network server.
//
// Uplink events carry three frames: wireless device ID, raw payload,
// and 8 bytes of radio metadata (RSSI int32 LE, SNR centi-dB int32 LE).
type GatewayBridge struct {
	config   GatewayConfig
	eventSok zmq4.Socket
	cmdSock  zmq4.Socket
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	onUplink func(*UplinkMessage)
}

// NewGatewayBridge creates a new gateway bridge transport
func NewGatewayBridge(config GatewayConfig) *GatewayBridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &GatewayBridge{
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetUplinkHandler sets the callback for uplink frames
func (b *GatewayBridge) SetUplinkHandler(cb func(*UplinkMessage)) {
	b.mu.Lock()
	b.onUplink = cb
	b.mu.Unlock()
}

// Start connects the ZeroMQ sockets and starts the event loop
func (b *GatewayBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("gateway bridge already running")
	}
	b.running = true
	b.mu.Unlock()

	b.eventSok = zmq4.NewSub(b.ctx)
	if err := b.eventSok.Dial(b.config.EventURL); err != nil {
		return fmt.Errorf("failed to connect event socket: %w", err)
	}
	if err := b.eventSok.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	b.cmdSock = zmq4.NewReq(b.ctx)
	if err := b.cmdSock.Dial(b.config.CommandURL); err != nil {
		b.eventSok.Close()
		return fmt.Errorf("failed to connect command socket: %w", err)
	}

	b.wg.Add(1)
	go b.eventLoop()

	log.Printf("[transport] Gateway bridge started: event=%s, cmd=%s",
		b.config.EventURL, b.config.CommandURL)
	return nil
}

// Stop stops the bridge and closes connections
func (b *GatewayBridge) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	if b.eventSok != nil {
		b.eventSok.Close()
	}
	if b.cmdSock != nil {
		b.cmdSock.Close()
	}

	log.Println("[transport] Gateway bridge stopped")
	return nil
}

// SendDownlink hands a frame to the gateway for the device's next
// receive window.
func (b *GatewayBridge) SendDownlink(ctx context.Context, wirelessDeviceID string, payload []byte) error {
	if len(payload) > MaxDownlinkSize {
		return fmt.Errorf("downlink %d bytes exceeds %d byte MTU", len(payload), MaxDownlinkSize)
	}

	msg := zmq4.NewMsgFrom([]byte("down"), []byte(wirelessDeviceID), payload)

	// REQ sockets are strict lock-step; hold the lock across the
	// send/recv pair so concurrent senders cannot interleave.
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return fmt.Errorf("gateway bridge not running")
	}

	if err := b.cmdSock.Send(msg); err != nil {
		return fmt.Errorf("failed to send downlink: %w", err)
	}

	resp, err := b.cmdSock.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive TX ack: %w", err)
	}

	if len(resp.Frames) > 0 && string(resp.Frames[0]) != "ok" {
		return fmt.Errorf("TX failed: %s", string(resp.Frames[0]))
	}

	log.Printf("[transport] TX: %d bytes to %s", len(payload), wirelessDeviceID)
	return nil
}

// eventLoop receives uplink events from the gateway
func (b *GatewayBridge) eventLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := b.eventSok.Recv()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}

		if len(msg.Frames) < 2 {
			continue
		}

		uplink := &UplinkMessage{
			WirelessDeviceID: string(msg.Frames[0]),
			Payload:          msg.Frames[1],
			ReceivedAt:       time.Now(),
		}
		if len(msg.Frames) >= 3 && len(msg.Frames[2]) >= 8 {
			uplink.RSSI = int(int32(binary.LittleEndian.Uint32(msg.Frames[2][0:4])))
			uplink.SNR = float64(int32(binary.LittleEndian.Uint32(msg.Frames[2][4:8]))) / 100.0
		}

		b.mu.Lock()
		cb := b.onUplink
		b.mu.Unlock()
		if cb != nil {
			cb(uplink)
		}
	}
}
