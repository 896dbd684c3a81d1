package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"circuitd/internal/protocol"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error frame sent by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// ClientConfig configures a client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	Role           protocol.Role
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	EventBuffer    int
}

// DefaultClientConfig returns defaults for a host client.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "circuitctl",
		ClientVersion:  "1.0.0",
		Role:           protocol.RoleHost,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 2 * time.Minute,
		EventBuffer:    100,
	}
}

// CommandHandler receives commands pushed by the daemon. It runs on the
// reader goroutine, so commands are seen in send order.
type CommandHandler func(msg *protocol.Message, p protocol.Payload)

// Client is a connection to the daemon.
type Client struct {
	cfg ClientConfig

	mu      sync.RWMutex
	conn    net.Conn
	peerID  string
	writeMu sync.Mutex

	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[uint32]chan *protocol.Message
	nextReqID atomic.Uint32

	events    chan protocol.Event
	onCommand CommandHandler

	wg sync.WaitGroup
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[uint32]chan *protocol.Message),
		events:  make(chan protocol.Event, cfg.EventBuffer),
	}
}

// OnCommand installs the handler for daemon-pushed commands. Call it before
// Connect.
func (c *Client) OnCommand(fn CommandHandler) {
	c.onCommand = fn
}

// Events streams the events pushed to host clients. The channel is closed
// when the connection ends.
func (c *Client) Events() <-chan protocol.Event {
	return c.events
}

// PeerID returns the ID the daemon assigned in the handshake.
func (c *Client) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect dials the daemon and performs the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrDaemonNotRunning
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) handshake(ctx context.Context) error {
	resp, err := c.Request(ctx, protocol.MsgHandshake, &protocol.HandshakeRequest{
		ClientVersion:   c.cfg.ClientVersion,
		ClientName:      c.cfg.ClientName,
		ProtocolVersion: protocol.ProtocolVersion,
		Role:            c.cfg.Role,
	})
	if err != nil {
		return err
	}
	if resp.Header.Type != protocol.MsgHandshakeAck {
		return fmt.Errorf("unexpected response type: %s", resp.Header.Type)
	}

	var ack protocol.HandshakeResponse
	if err := protocol.Decode(resp.Payload, &ack); err != nil {
		return err
	}
	c.mu.Lock()
	c.peerID = ack.PeerID
	c.mu.Unlock()
	return nil
}

// Request sends a correlated frame and waits for the frame carrying the same
// request ID. Error frames are returned as *RemoteError.
func (c *Client) Request(ctx context.Context, msgType protocol.MessageType, payload any) (*protocol.Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = protocol.Encode(payload); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}
	return c.roundTrip(ctx, msgType, data)
}

func (c *Client) roundTrip(ctx context.Context, msgType protocol.MessageType, data []byte) (*protocol.Message, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	reqID := c.requestID()
	respChan := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(protocol.NewMessage(msgType, reqID, data)); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrConnectionLost
		}
		if resp.Header.Type == protocol.MsgError {
			var e protocol.ErrorResponse
			if err := protocol.Decode(resp.Payload, &e); err != nil {
				return nil, fmt.Errorf("decode error frame: %w", err)
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Command sends a host command and decodes the reply.
func (c *Client) Command(ctx context.Context, p protocol.Payload) (protocol.Reply, error) {
	data, err := protocol.MarshalCommand(p)
	if err != nil {
		return protocol.Reply{}, err
	}
	resp, err := c.roundTrip(ctx, protocol.MsgCommand, data)
	if err != nil {
		return protocol.Reply{}, err
	}
	var reply protocol.Reply
	if err := protocol.Decode(resp.Payload, &reply); err != nil {
		return protocol.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// Send writes an uncorrelated command, or one echoing requestID.
func (c *Client) Send(requestID uint32, p protocol.Payload) error {
	msg, err := protocol.NewCommand(requestID, p)
	if err != nil {
		return err
	}
	return c.write(msg)
}

// Ping checks if the daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Request(ctx, protocol.MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != protocol.MsgPong {
		return fmt.Errorf("unexpected response: %s", resp.Header.Type)
	}
	return nil
}

func (c *Client) requestID() uint32 {
	for {
		if id := c.nextReqID.Add(1); id != 0 {
			return id
		}
	}
}

func (c *Client) write(msg *protocol.Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := msg.Write(conn); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.events)
	defer c.failPending()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			c.connected.Store(false)
			return
		}
		c.handleMessage(msg)
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) handleMessage(msg *protocol.Message) {
	switch msg.Header.Type {
	case protocol.MsgPing:
		c.write(protocol.NewMessage(protocol.MsgPong, msg.Header.RequestID, nil))

	case protocol.MsgEvent:
		var ev protocol.Event
		if err := protocol.Decode(msg.Payload, &ev); err != nil {
			return
		}
		select {
		case c.events <- ev:
		default:
			// Channel full, drop event
		}

	case protocol.MsgCommand:
		if c.onCommand == nil {
			return
		}
		p, err := protocol.UnmarshalCommand(msg.Payload)
		if err != nil {
			return
		}
		c.onCommand(msg, p)

	default:
		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.Header.RequestID]; ok {
			select {
			case ch <- msg:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}
