package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound WebSocket messages (to network server)
	MsgTypeAck  MessageType = "ack"
	MsgTypePong MessageType = "pong"

	// Inbound WebSocket messages (from network server)
	MsgTypeUplink MessageType = "uplink"
	MsgTypePing   MessageType = "ping"
)

// Message represents a WebSocket message to/from the network server
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// uplinkPayload is the network server's uplink notification body.
type uplinkPayload struct {
	WirelessDeviceID string  `json:"wireless_device_id"`
	PayloadB64       string  `json:"payload"`
	RSSI             int     `json:"rssi"`
	SNR              float64 `json:"snr"`
	ReceivedAt       string  `json:"received_at"`
}

// NetServerConfig holds network server client configuration
type NetServerConfig struct {
	BaseURL      string // REST API base URL for downlink queueing
	WebSocketURL string // WebSocket URL for uplink destination
	FleetID      string // Destination/fleet identifier
	APIKey       string // API key for authentication

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	HTTPTimeout  time.Duration

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	JitterPercent     float64
}

// DefaultNetServerConfig returns default network server configuration
func DefaultNetServerConfig() NetServerConfig {
	return NetServerConfig{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		HTTPTimeout:       30 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// NetServerClient receives uplinks over a WebSocket subscription and
// queues downlinks via the network server's REST API.
type NetServerClient struct {
	config     NetServerConfig
	httpClient *http.Client
	conn       *websocket.Conn
	sendChan   chan *Message
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	connected  bool

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration

	onUplink func(*UplinkMessage)
}

// NewNetServerClient creates a new network server transport
func NewNetServerClient(config NetServerConfig) *NetServerClient {
	return &NetServerClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		sendChan:          make(chan *Message, 100),
		stopChan:          make(chan struct{}),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// SetUplinkHandler sets the callback for uplink frames
func (c *NetServerClient) SetUplinkHandler(cb func(*UplinkMessage)) {
	c.mu.Lock()
	c.onUplink = cb
	c.mu.Unlock()
}

// Start connects to the network server and starts the message loops
func (c *NetServerClient) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Stop disconnects and stops all loops
func (c *NetServerClient) Stop() error {
	close(c.stopChan)
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (c *NetServerClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SendDownlink queues a frame for the device's next receive window via
// the REST API.
func (c *NetServerClient) SendDownlink(ctx context.Context, wirelessDeviceID string, payload []byte) error {
	if len(payload) > MaxDownlinkSize {
		return fmt.Errorf("downlink %d bytes exceeds %d byte MTU", len(payload), MaxDownlinkSize)
	}

	body := map[string]interface{}{
		"downlink_id": uuid.New().String(),
		"payload":     base64.StdEncoding.EncodeToString(payload),
		"fleet_id":    c.config.FleetID,
	}
	endpoint := fmt.Sprintf("/devices/%s/downlink", wirelessDeviceID)
	if err := c.postJSON(ctx, endpoint, body); err != nil {
		return fmt.Errorf("failed to queue downlink for %s: %w", wirelessDeviceID, err)
	}
	return nil
}

// postJSON sends a POST request with JSON body to the REST API
func (c *NetServerClient) postJSON(ctx context.Context, endpoint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	url := c.config.BaseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("X-Fleet-ID", c.config.FleetID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *NetServerClient) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Printf("[transport] Failed to connect to network server: %v", err)
			c.waitWithBackoff()
			continue
		}

		// Reset retry delay on successful connection
		c.currentRetryDelay = c.config.InitialRetryDelay

		c.runMessageLoops(ctx)

		log.Println("[transport] Disconnected from network server, reconnecting...")
		c.waitWithBackoff()
	}
}

// waitWithBackoff waits for the current retry delay with jitter
func (c *NetServerClient) waitWithBackoff() {
	jitter := c.currentRetryDelay.Seconds() * c.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := c.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	time.Sleep(delay)

	c.currentRetryDelay = time.Duration(float64(c.currentRetryDelay) * c.config.BackoffMultiplier)
	if c.currentRetryDelay > c.config.MaxRetryDelay {
		c.currentRetryDelay = c.config.MaxRetryDelay
	}
}

// connect establishes the WebSocket connection
func (c *NetServerClient) connect() error {
	wsURL := fmt.Sprintf("%s?api_key=%s&fleet_id=%s",
		c.config.WebSocketURL, c.config.APIKey, c.config.FleetID)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("[transport] Connected to network server: %s", c.config.WebSocketURL)
	return nil
}

// disconnect closes the WebSocket connection
func (c *NetServerClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// runMessageLoops runs the read and write loops until either exits
func (c *NetServerClient) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (c *NetServerClient) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[transport] WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[transport] Failed to parse message: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

// writeLoop sends queued messages and keepalive pings
func (c *NetServerClient) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return

		case msg := <-c.sendChan:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("[transport] Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[transport] WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[transport] Ping failed: %v", err)
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message
func (c *NetServerClient) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeUplink:
		c.handleUplink(msg)

	case MsgTypePing:
		c.sendPong(msg.ID)

	default:
		log.Printf("[transport] Unknown message type: %s", msg.Type)
	}
}

// handleUplink decodes an uplink notification and dispatches it
func (c *NetServerClient) handleUplink(msg *Message) {
	var p uplinkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Printf("[transport] Failed to parse uplink payload: %v", err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(p.PayloadB64)
	if err != nil {
		log.Printf("[transport] Failed to decode uplink from %s: %v", p.WirelessDeviceID, err)
		return
	}

	receivedAt := time.Now()
	if p.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339, p.ReceivedAt); err == nil {
			receivedAt = t
		}
	}

	uplink := &UplinkMessage{
		WirelessDeviceID: p.WirelessDeviceID,
		Payload:          raw,
		RSSI:             p.RSSI,
		SNR:              p.SNR,
		ReceivedAt:       receivedAt,
	}

	c.mu.Lock()
	cb := c.onUplink
	c.mu.Unlock()
	if cb != nil {
		cb(uplink)
	}

	c.sendAck(msg.ID, true)
}

// sendAck sends an acknowledgment message
func (c *NetServerClient) sendAck(messageID string, success bool) {
	payload, _ := json.Marshal(map[string]interface{}{
		"message_id": messageID,
		"success":    success,
	})

	msg := &Message{
		Type:      MsgTypeAck,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("[transport] Send queue full, dropping ack")
	}
}

// sendPong sends a pong response to a ping
func (c *NetServerClient) sendPong(pingID string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"ping_id": pingID,
	})

	msg := &Message{
		Type:      MsgTypePong,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("[transport] Send queue full, dropping pong")
	}
}
