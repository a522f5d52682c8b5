// Package cloud provides the panel's uplink to a remote operations service.
// Notices stream out over a WebSocket and remote commands stream in.
package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound WebSocket messages (to cloud)
	MsgTypeNotice MessageType = "notice"
	MsgTypeAck    MessageType = "ack"
	MsgTypePong   MessageType = "pong"

	// Inbound WebSocket messages (from cloud)
	MsgTypeCommand MessageType = "command"
	MsgTypePing    MessageType = "ping"
)

// Message represents a WebSocket message to/from the cloud
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ErrQueueFull is returned by Publish when the outbound queue is full
var ErrQueueFull = errors.New("cloud send queue full")

// Config holds cloud client configuration
type Config struct {
	URL     string // WebSocket URL (wss://ops.example.com/ws/panel)
	PanelID string
	APIKey  string

	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	QueueSize    int

	// Reconnection settings (exponential backoff with jitter)
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		QueueSize:         100,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
	}
}

// CommandHandler accepts remote commands. Dispatch returns only
// validation errors; the write outcome arrives later as a notice.
type CommandHandler interface {
	Dispatch(ctx context.Context, c rig.Command) error
}

// Client handles communication with the cloud
type Client struct {
	config    Config
	handler   CommandHandler
	conn      *websocket.Conn
	sendChan  chan *Message
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool
	started   bool
}

// New creates a new cloud client. handler may be nil, in which case
// remote commands are rejected.
func New(config Config, handler CommandHandler) *Client {
	d := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = d.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = d.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = d.ReadTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.InitialRetryDelay <= 0 {
		config.InitialRetryDelay = d.InitialRetryDelay
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = d.MaxRetryDelay
	}

	return &Client{
		config:   config,
		handler:  handler,
		sendChan: make(chan *Message, config.QueueSize),
		stopChan: make(chan struct{}),
	}
}

// Start connects to the cloud and starts the WebSocket message loops
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.started = true

	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Stop disconnects from the cloud and stops all loops
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.disconnect()
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Name identifies the uplink as a notice sink
func (c *Client) Name() string { return "cloud" }

// Publish queues a notice for the uplink. Notices queue while the
// connection is down until the queue fills.
func (c *Client) Publish(ctx context.Context, n notice.Notice) error {
	payload, err := n.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	msg := &Message{
		Type:      MsgTypeNotice,
		ID:        n.ID.String(),
		Timestamp: n.Timestamp.UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case c.sendChan <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Close stops the uplink
func (c *Client) Close() error {
	return c.Stop()
}

// =============================================================================
// WebSocket Methods
// =============================================================================

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialRetryDelay
	bo.MaxInterval = c.config.MaxRetryDelay
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-c.stopChan:
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			log.Printf("Failed to connect to cloud: %v", err)
			if !c.wait(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		c.runMessageLoops(ctx)

		log.Println("Disconnected from cloud, reconnecting...")
		if !c.wait(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// wait sleeps for d unless the client stops first
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-API-Key", c.config.APIKey)
	header.Set("X-Panel-ID", c.config.PanelID)

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("Connected to cloud WebSocket: %s", c.config.URL)
	return nil
}

// disconnect closes the WebSocket connection
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// runMessageLoops runs the read and write loops until either exits
func (c *Client) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(ctx, done)
	}()

	c.writeLoop(ctx, done)
	// Unblocks a read still waiting on the socket.
	c.disconnect()
	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (c *Client) readLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// writeLoop sends queued messages and keepalive pings
func (c *Client) writeLoop(ctx context.Context, done chan struct{}) {
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
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("WebSocket write error: %v", err)
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
				log.Printf("Ping failed: %v", err)
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message
func (c *Client) handleMessage(ctx context.Context, msg *Message) {
	switch msg.Type {
	case MsgTypeCommand:
		if err := c.dispatch(ctx, msg.Payload); err != nil {
			log.Printf("Rejected remote command %s: %v", msg.ID, err)
			c.sendAck(msg.ID, false, err)
			return
		}
		c.sendAck(msg.ID, true, nil)

	case MsgTypePing:
		c.sendPong(msg.ID)

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

func (c *Client) dispatch(ctx context.Context, payload json.RawMessage) error {
	if c.handler == nil {
		return errors.New("remote commands disabled")
	}
	cmd, err := ParseCommand(payload)
	if err != nil {
		return err
	}
	return c.handler.Dispatch(ctx, cmd)
}

// sendAck sends an acknowledgment message
func (c *Client) sendAck(messageID string, success bool, cause error) {
	payload := map[string]interface{}{
		"message_id": messageID,
		"success":    success,
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	c.enqueue(MsgTypeAck, payload)
}

// sendPong sends a pong response to a ping
func (c *Client) sendPong(pingID string) {
	c.enqueue(MsgTypePong, map[string]interface{}{"ping_id": pingID})
}

func (c *Client) enqueue(t MessageType, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)

	msg := &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payloadBytes,
	}

	select {
	case c.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping %s", t)
	}
}

// =============================================================================
// Payload Types for Inbound Messages
// =============================================================================

// CommandPayload is a remote command, e.g. {"kind":"pump_state","value":true}
type CommandPayload struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// ParseCommand decodes and validates a command payload
func ParseCommand(data json.RawMessage) (rig.Command, error) {
	var p CommandPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return rig.Command{}, fmt.Errorf("invalid command payload: %w", err)
	}
	if len(p.Value) == 0 {
		return rig.Command{}, errors.New("command value missing")
	}

	arg := string(p.Value)
	var s string
	if err := json.Unmarshal(p.Value, &s); err == nil {
		arg = s
	}
	return rig.ParseCommand(p.Kind, arg)
}
