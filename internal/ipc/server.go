// Package ipc carries protocol frames over a unix socket between the daemon
// and its peers: one presentation context and any number of host clients.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"circuitd/internal/logging"
	"circuitd/internal/protocol"
)

var (
	ErrNoPresentation = errors.New("no presentation context attached")
	ErrServerStopped  = errors.New("server stopped")
)

// Handler processes frames from one peer role.
type Handler interface {
	// HandleMessage processes a message and returns an optional response
	HandleMessage(ctx context.Context, peer *Peer, msg *protocol.Message) (*protocol.Message, error)
}

// HandlerFunc is a function that implements Handler
type HandlerFunc func(ctx context.Context, peer *Peer, msg *protocol.Message) (*protocol.Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, peer *Peer, msg *protocol.Message) (*protocol.Message, error) {
	return f(ctx, peer, msg)
}

// Handlers routes frames by peer role. Attached and Detached run on the
// peer's connection goroutine, after the handshake ack has been written and
// after the connection has been dropped respectively.
type Handlers struct {
	Presentation Handler
	Host         Handler
	Attached     func(ctx context.Context, peer *Peer)
	Detached     func(peer *Peer)
}

// Server accepts peer connections on a unix socket.
type Server struct {
	mu           sync.RWMutex
	listener     net.Listener
	cfg          ServerConfig
	handlers     Handlers
	peers        map[string]*Peer
	presentation *Peer
	logger       *slog.Logger
	startedAt    time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextRequestID atomic.Uint32
	events        chan *protocol.Message
}

// Peer is a connected client.
type Peer struct {
	ID          string
	ConnectedAt time.Time
	Creds       *PeerCredentials

	mu           sync.Mutex
	role         protocol.Role
	name         string
	version      string
	lastActivity time.Time

	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Role returns the role the peer declared in its handshake, or "" before it.
func (p *Peer) Role() protocol.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Name returns the client name from the handshake.
func (p *Peer) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// LastActivity returns when the peer last sent a frame.
func (p *Peer) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Send writes one frame to the peer. Concurrent calls are serialized.
func (p *Peer) Send(msg *protocol.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.writeTimeout > 0 {
		p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return msg.Write(p.conn)
}

// ServerConfig configures the server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	MaxConnections int
	ReadTimeout    time.Duration // idle time before the server pings a peer
	WriteTimeout   time.Duration
	SameUserOnly   bool // reject peers running as another user
	EventBuffer    int
}

// DefaultServerConfig returns the defaults for a socket under dataDir.
func DefaultServerConfig(dataDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(dataDir, "circuitd.sock"),
		Version:        "1.0.0",
		MaxConnections: 32,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SameUserOnly:   true,
		EventBuffer:    256,
	}
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg ServerConfig, handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		handlers: handlers,
		peers:    make(map[string]*Peer),
		logger:   logger.With("component", "ipc"),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan *protocol.Message, cfg.EventBuffer),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("socket %s is already in use", s.cfg.SocketPath)
	}
	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.logger.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener and every connection, then waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, peer := range s.peers {
		peer.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("timed out waiting for connections to close")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// StartedAt returns when Start succeeded.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Presentation returns the attached presentation peer.
func (s *Server) Presentation() (*Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presentation, s.presentation != nil
}

// NextRequestID returns a fresh non-zero request ID.
func (s *Server) NextRequestID() uint32 {
	for {
		if id := s.nextRequestID.Add(1); id != 0 {
			return id
		}
	}
}

// SendPresentation writes a frame to the presentation peer.
func (s *Server) SendPresentation(msg *protocol.Message) error {
	peer, ok := s.Presentation()
	if !ok {
		return ErrNoPresentation
	}
	if err := peer.Send(msg); err != nil {
		return fmt.Errorf("send to presentation: %w", err)
	}
	return nil
}

// Broadcast queues a frame for every host peer. Frames are dropped when the
// queue is full.
func (s *Server) Broadcast(msg *protocol.Message) {
	if !s.running.Load() {
		return
	}
	select {
	case s.events <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("event queue full, dropping frame")
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		if s.PeerCount() >= s.cfg.MaxConnections && s.cfg.MaxConnections > 0 {
			s.logger.Warn("connection limit reached, rejecting peer")
			conn.Close()
			continue
		}

		peer := &Peer{
			ID:           uuid.NewString(),
			ConnectedAt:  time.Now(),
			conn:         conn,
			writeTimeout: s.cfg.WriteTimeout,
			lastActivity: time.Now(),
		}

		if creds, err := GetPeerCredentials(conn); err == nil {
			peer.Creds = creds
			if s.cfg.SameUserOnly && creds.UID != os.Getuid() {
				s.logger.Warn("rejecting peer from another user", "uid", creds.UID)
				conn.Close()
				continue
			}
		}

		s.mu.Lock()
		s.peers[peer.ID] = peer
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(peer)
	}
}

func (s *Server) handleConnection(peer *Peer) {
	defer s.wg.Done()
	defer s.dropPeer(peer)

	log := s.logger.With("peer", peer.ID)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.cfg.ReadTimeout > 0 {
			peer.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		msg, err := protocol.ReadMessage(peer.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.sendPing(peer)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", "error", err)
			}
			return
		}

		peer.mu.Lock()
		peer.lastActivity = time.Now()
		peer.mu.Unlock()

		response, attached, err := s.processMessage(peer, msg)
		if err != nil {
			log.Error("handler failed", "type", msg.Header.Type.String(), "error", err)
			response = protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInternalError, err.Error())
		}

		if response != nil {
			if err := peer.Send(response); err != nil {
				log.Debug("write failed", "error", err)
				return
			}
		}
		if attached && s.handlers.Attached != nil {
			s.handlers.Attached(s.ctx, peer)
		}
	}
}

func (s *Server) dropPeer(peer *Peer) {
	s.mu.Lock()
	delete(s.peers, peer.ID)
	wasAttached := peer.Role() != ""
	if s.presentation == peer {
		s.presentation = nil
	}
	s.mu.Unlock()
	peer.conn.Close()

	if wasAttached {
		s.logger.Info("peer detached", "peer", peer.ID, "role", peer.Role())
		if s.handlers.Detached != nil {
			s.handlers.Detached(peer)
		}
	}
}

// processMessage reports attached=true when msg completed a handshake.
func (s *Server) processMessage(peer *Peer, msg *protocol.Message) (*protocol.Message, bool, error) {
	switch msg.Header.Type {
	case protocol.MsgPing:
		return protocol.NewMessage(protocol.MsgPong, msg.Header.RequestID, nil), false, nil
	case protocol.MsgPong:
		return nil, false, nil
	case protocol.MsgHandshake:
		return s.handleHandshake(peer, msg)
	}

	var h Handler
	switch peer.Role() {
	case "":
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrNotHandshaken, "handshake required"), false, nil
	case protocol.RolePresentation:
		h = s.handlers.Presentation
	case protocol.RoleHost:
		h = s.handlers.Host
	}
	if h == nil {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest, "no handler"), false, nil
	}
	ctx := s.ctx
	if msg.Header.RequestID != 0 {
		ctx = logging.ContextWithRequestID(ctx, fmt.Sprintf("%s/%d", peer.ID, msg.Header.RequestID))
	}
	resp, err := h.HandleMessage(ctx, peer, msg)
	return resp, false, err
}

func (s *Server) handleHandshake(peer *Peer, msg *protocol.Message) (*protocol.Message, bool, error) {
	var req protocol.HandshakeRequest
	if err := protocol.Decode(msg.Payload, &req); err != nil {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest, "invalid handshake"), false, nil
	}
	if !req.Role.Valid() {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrInvalidRequest,
			fmt.Sprintf("unknown role %q", req.Role)), false, nil
	}
	if peer.Role() != "" {
		return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrAlreadyExists, "already handshaken"), false, nil
	}

	s.mu.Lock()
	if req.Role == protocol.RolePresentation {
		if s.presentation != nil {
			s.mu.Unlock()
			return protocol.NewErrorMessage(msg.Header.RequestID, protocol.ErrRoleTaken,
				"a presentation context is already attached"), false, nil
		}
		s.presentation = peer
	}
	peer.mu.Lock()
	peer.role = req.Role
	peer.name = req.ClientName
	peer.version = req.ClientVersion
	peer.mu.Unlock()
	s.mu.Unlock()

	s.logger.Info("peer attached", "peer", peer.ID, "role", req.Role, "name", req.ClientName)

	resp, err := protocol.NewResponse(protocol.MsgHandshakeAck, msg.Header.RequestID, &protocol.HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: protocol.ProtocolVersion,
		PeerID:          peer.ID,
		Role:            req.Role,
	})
	return resp, err == nil, err
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.events:
			s.mu.RLock()
			hosts := make([]*Peer, 0, len(s.peers))
			for _, peer := range s.peers {
				if peer.Role() == protocol.RoleHost {
					hosts = append(hosts, peer)
				}
			}
			s.mu.RUnlock()

			for _, peer := range hosts {
				if err := peer.Send(msg); err != nil {
					s.logger.Debug("event delivery failed", "peer", peer.ID, "error", err)
				}
			}
		}
	}
}

func (s *Server) sendPing(peer *Peer) {
	peer.Send(protocol.NewMessage(protocol.MsgPing, 0, nil))
}
