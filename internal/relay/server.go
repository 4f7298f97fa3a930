package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/presenceio/relay/internal/presence"
	"github.com/presenceio/relay/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// Identity is the result of a successful token verification. Metadata, when
// present, takes precedence over client-supplied metadata.
type Identity struct {
	UserID   string
	Metadata map[string]any
}

// VerifyToken authenticates a join token supplied by a client. It may be
// slow; it runs on the connection's handler and a failure or panic only
// rejects that join.
type VerifyToken func(ctx context.Context, token string) (Identity, error)

// Option configures a Server.
type Option func(*Server)

// WithVerifyToken requires and verifies a token on every join.
func WithVerifyToken(fn VerifyToken) Option {
	return func(s *Server) { s.verify = fn }
}

// WithPath sets the HTTP path serving WebSocket upgrades.
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithDefaultRoom sets the room joined when a join frame names none.
func WithDefaultRoom(roomID string) Option {
	return func(s *Server) { s.defaultRoom = roomID }
}

// Server accepts presence connections and relays room traffic through the
// backend store. Handlers for different connections run independently; the
// store is the only shared state.
type Server struct {
	address     string
	path        string
	defaultRoom string
	store       presence.Store
	registry    *Registry
	verify      VerifyToken

	listener net.Listener
	server   *http.Server
	mu       sync.RWMutex
	conns    map[*conn]bool
	wg       sync.WaitGroup
}

// conn is one live client connection with its buffered outbound queue.
type conn struct {
	ws       *websocket.Conn
	outgoing chan []byte

	mu     sync.Mutex
	closed bool
}

// New creates a relay server listening on address once started.
func New(address string, store presence.Store, opts ...Option) *Server {
	s := &Server{
		address:     address,
		path:        "/ws",
		defaultRoom: "default",
		store:       store,
		registry:    NewRegistry(store),
		conns:       make(map[*conn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts accepting connections and blocks until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{Handler: mux}

	slog.Info("relay server started", "addr", listener.Addr().String(), "path", s.path)

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and waits for connection handlers to finish.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.Shutdown(context.Background())
	}

	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade connection", "err", err)
		return
	}

	c := &conn{
		ws:       ws,
		outgoing: make(chan []byte, 32),
	}

	s.mu.Lock()
	s.conns[c] = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c, r.RemoteAddr)
}

func (s *Server) writeLoop(c *conn) {
	defer s.wg.Done()
	for data := range c.outgoing {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("failed to write to client", "err", err)
			return
		}
	}
}

func (s *Server) readLoop(c *conn, remote string) {
	defer s.wg.Done()
	defer s.teardown(c, remote)

	ctx := context.Background()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("read error", "remote", remote, "err", err)
			}
			return
		}

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			c.sendError(fmt.Sprintf("malformed message: %v", err))
			continue
		}
		s.handleMessage(ctx, c, msg, remote)
	}
}

// teardown runs the transport-close transition: leave the room, drop the
// subscription, tell the remaining members, discard the binding.
func (s *Server) teardown(c *conn, remote string) {
	ctx := context.Background()
	b, err := s.registry.Unbind(ctx, c)
	if err != nil {
		slog.Warn("leave on disconnect failed", "remote", remote, "err", err)
	}
	if b != nil {
		s.broadcastPresence(ctx, c, b.RoomID)
		slog.Info("client disconnected", "remote", remote, "room", b.RoomID, "user", b.UserID)
	}

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	c.close()
	c.ws.Close()
}

func (s *Server) handleMessage(ctx context.Context, c *conn, msg protocol.ClientMessage, remote string) {
	switch m := msg.(type) {
	case protocol.Ping:
		c.send(protocol.Pong{})
	case protocol.Pong:
		// Observed, nothing to do.
	case protocol.Join:
		s.handleJoin(ctx, c, m, remote)
	case protocol.Leave:
		b := s.registry.Binding(c)
		if b == nil {
			c.sendError("not authenticated")
			return
		}
		s.handleLeave(ctx, c, remote)
	case protocol.Cursor:
		pos := m.Position
		s.handleUpdate(ctx, c, presence.UserUpdate{Cursor: &pos})
	case protocol.Typing:
		typing := m.IsTyping
		s.handleUpdate(ctx, c, presence.UserUpdate{Typing: &typing})
	case protocol.Custom:
		s.handleCustom(ctx, c, m)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *conn, m protocol.Join, remote string) {
	prev := s.registry.Binding(c)

	userID, metadata, err := s.resolveIdentity(ctx, m)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	// An anonymous connection keeps its generated identity across room
	// switches; only a fresh connection gets a new one.
	if prev != nil && s.verify == nil {
		userID = prev.UserID
	}

	roomID := m.RoomID
	if roomID == "" {
		roomID = s.defaultRoom
	}

	// Room switch: release the old binding first and tell the old room.
	if prev != nil {
		if _, err := s.registry.Unbind(ctx, c); err != nil {
			c.sendError(err.Error())
			return
		}
		s.broadcastPresence(ctx, c, prev.RoomID)
	}

	handler := s.deliver(c, userID)
	if err := s.registry.Bind(ctx, c, roomID, userID, metadata, handler); err != nil {
		c.sendError(err.Error())
		return
	}

	s.broadcastPresence(ctx, c, roomID)
	slog.Info("client joined", "remote", remote, "room", roomID, "user", userID)
}

func (s *Server) handleLeave(ctx context.Context, c *conn, remote string) {
	b, err := s.registry.Unbind(ctx, c)
	if err != nil {
		c.sendError(err.Error())
	}
	if b != nil {
		s.broadcastPresence(ctx, c, b.RoomID)
		slog.Info("client left", "remote", remote, "room", b.RoomID, "user", b.UserID)
	}
}

func (s *Server) handleUpdate(ctx context.Context, c *conn, upd presence.UserUpdate) {
	b := s.registry.Binding(c)
	if b == nil {
		c.sendError("not authenticated")
		return
	}

	user, err := s.store.Update(ctx, b.RoomID, b.UserID, upd)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if user == nil {
		// Absent user: the update is a no-op and triggers no broadcast.
		return
	}
	s.broadcast(ctx, c, b.RoomID, b.UserID, protocol.Update{User: *user})
}

func (s *Server) handleCustom(ctx context.Context, c *conn, m protocol.Custom) {
	b := s.registry.Binding(c)
	if b == nil {
		c.sendError("not authenticated")
		return
	}

	user, err := s.currentUser(ctx, b)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	s.broadcast(ctx, c, b.RoomID, b.UserID, protocol.Custom{
		Event: m.Event,
		Data:  m.Data,
		User:  user,
	})
}

// resolveIdentity applies the authentication policy: anonymous identities
// when no verifier is configured, token verification otherwise. A verifier
// panic is contained and rejects only this join.
func (s *Server) resolveIdentity(ctx context.Context, m protocol.Join) (userID string, metadata map[string]any, err error) {
	if s.verify == nil {
		return uuid.NewString(), m.Metadata, nil
	}
	if m.Token == "" {
		return "", nil, errors.New("authentication required: missing token")
	}

	var identity Identity
	func() {
		defer func() {
			if v := recover(); v != nil {
				err = fmt.Errorf("token verification failed: %v", v)
			}
		}()
		identity, err = s.verify(ctx, m.Token)
	}()
	if err != nil {
		return "", nil, fmt.Errorf("authentication failed: %w", err)
	}

	metadata = m.Metadata
	if identity.Metadata != nil {
		if metadata == nil {
			metadata = make(map[string]any, len(identity.Metadata))
		}
		for k, v := range identity.Metadata {
			metadata[k] = v
		}
	}
	return identity.UserID, metadata, nil
}

// deliver builds the store handler for one connection: open the internal
// envelope, drop frames excluded for this identity, queue the rest.
func (s *Server) deliver(c *conn, userID string) presence.Handler {
	return func(payload []byte) {
		exclude, body, err := openBroadcast(payload)
		if err != nil {
			slog.Warn("dropping malformed broadcast", "err", err)
			return
		}
		if exclude != "" && exclude == userID {
			return
		}
		c.enqueue(body)
	}
}

// broadcast seals msg with an excluded identity and hands it to the store.
func (s *Server) broadcast(ctx context.Context, c *conn, roomID, exclude string, msg protocol.ServerMessage) {
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		slog.Error("failed to encode broadcast", "err", err)
		return
	}
	sealed, err := sealBroadcast(exclude, data)
	if err != nil {
		slog.Error("failed to seal broadcast", "err", err)
		return
	}
	if err := s.store.Broadcast(ctx, roomID, sealed); err != nil {
		c.sendError(err.Error())
	}
}

// broadcastPresence sends the room's full membership snapshot to everyone
// in it, including the originator.
func (s *Server) broadcastPresence(ctx context.Context, c *conn, roomID string) {
	users, err := s.store.Users(ctx, roomID)
	if err != nil {
		c.sendError(err.Error())
		return
	}
	if users == nil {
		users = []protocol.User{}
	}
	s.broadcast(ctx, c, roomID, "", protocol.Presence{Users: users})
}

func (s *Server) currentUser(ctx context.Context, b *Binding) (*protocol.User, error) {
	users, err := s.store.Users(ctx, b.RoomID)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == b.UserID {
			return &users[i], nil
		}
	}
	return &protocol.User{ID: b.UserID, RoomID: b.RoomID}, nil
}

func (c *conn) send(msg protocol.ServerMessage) {
	data, err := protocol.EncodeServer(msg)
	if err != nil {
		slog.Error("failed to encode message", "err", err)
		return
	}
	c.enqueue(data)
}

func (c *conn) sendError(text string) {
	c.send(protocol.Error{Error: text})
}

// enqueue queues data without ever blocking on a slow peer; a full queue
// loses the frame for this connection only.
func (c *conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.outgoing <- data:
	default:
		slog.Warn("client queue full, dropping frame")
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outgoing)
}
