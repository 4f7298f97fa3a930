// Package session implements the client side of the presence protocol: one
// logical connection with automatic rejoin, reconnect backoff, heartbeat,
// and cursor throttling.
package session

import (
	"math"
	"sync"
	"time"

	"github.com/presenceio/relay/pkg/protocol"
)

// State is the session's connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
)

// Listener receives dispatched messages. For the local connected and
// disconnected events the message is nil.
type Listener func(msg protocol.ServerMessage)

// Options configures a Session. Zero durations disable the heartbeat and
// the cursor throttle; reconnect fields default sensibly when unset.
type Options struct {
	RoomID   string
	Token    string
	Metadata map[string]any

	HeartbeatInterval time.Duration
	ThrottleCursor    time.Duration

	Reconnect     bool
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration

	// Dialer opens the transport; defaults to the WebSocket dialer.
	Dialer Dialer
}

// Session manages one connection lifecycle against a relay server.
type Session struct {
	url  string
	opts Options

	mu            sync.Mutex
	state         State
	closed        bool
	transport     Transport
	gen           uint64 // invalidates callbacks from stale transports
	attempts      int
	roomID        string
	listeners     map[string][]Listener
	heartbeatDone chan struct{}

	lastCursorSent time.Time
	pendingCursor  *protocol.Position
	throttleTimer  *time.Timer
	reconnectTimer *time.Timer
}

// New creates a session and immediately starts connecting.
func New(url string, opts Options) *Session {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialDelay == 0 {
		opts.InitialDelay = time.Second
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = 2
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer()
	}

	s := &Session{
		url:       url,
		opts:      opts,
		state:     StateConnecting,
		roomID:    opts.RoomID,
		listeners: make(map[string][]Listener),
		// The throttle window opens at creation so a burst of cursor moves
		// right after connecting still coalesces into one frame.
		lastCursorSent: time.Now(),
	}
	go s.connect()
	return s
}

// On registers a listener for a message type. Use protocol.TypeConnected
// and protocol.TypeDisconnected for the local state-change events.
func (s *Session) On(msgType string, l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[msgType] = append(s.listeners[msgType], l)
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the room this session currently targets.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// JoinRoom switches to another room. Fire-and-forget: the switch is
// tracked locally and the join is dropped silently while disconnected.
func (s *Session) JoinRoom(roomID string) {
	s.mu.Lock()
	s.roomID = roomID
	token, metadata := s.opts.Token, s.opts.Metadata
	s.mu.Unlock()
	s.send(protocol.Join{RoomID: roomID, Token: token, Metadata: metadata})
}

// LeaveRoom leaves the current room without closing the connection.
func (s *Session) LeaveRoom() {
	s.send(protocol.Leave{RoomID: s.RoomID()})
}

// Typing reports the local typing flag.
func (s *Session) Typing(isTyping bool) {
	s.send(protocol.Typing{RoomID: s.RoomID(), IsTyping: isTyping})
}

// Send broadcasts a custom event to the room.
func (s *Session) Send(event string, data []byte) {
	s.send(protocol.Custom{RoomID: s.RoomID(), Event: event, Data: data})
}

// Cursor reports a cursor position, throttled to at most one frame per
// configured window. Only the freshest pending position survives; latency
// is bounded by the window.
func (s *Session) Cursor(pos protocol.Position) {
	s.mu.Lock()

	if s.opts.ThrottleCursor <= 0 {
		s.lastCursorSent = time.Now()
		roomID := s.roomID
		s.mu.Unlock()
		s.send(protocol.Cursor{RoomID: roomID, Position: pos})
		return
	}

	elapsed := time.Since(s.lastCursorSent)
	if s.throttleTimer == nil && elapsed >= s.opts.ThrottleCursor {
		s.lastCursorSent = time.Now()
		roomID := s.roomID
		s.mu.Unlock()
		s.send(protocol.Cursor{RoomID: roomID, Position: pos})
		return
	}

	// Inside the window: hold only the freshest position behind a single
	// flush timer.
	s.pendingCursor = &pos
	if s.throttleTimer == nil {
		wait := s.opts.ThrottleCursor - elapsed
		s.throttleTimer = time.AfterFunc(wait, s.flushCursor)
	}
	s.mu.Unlock()
}

// Disconnect permanently tears the session down: no reconnect attempt,
// heartbeat, or throttled flush fires afterwards, even if scheduled.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.stopTimersLocked()
	t := s.transport
	s.transport = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	if wasConnected {
		s.emit(protocol.TypeDisconnected, nil)
	}
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.attempts == 0 {
		s.state = StateConnecting
	} else {
		s.state = StateReconnecting
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	t, err := s.opts.Dialer(s.url, s.handleFrame, func(error) { s.handleClose(gen) })
	if err != nil {
		s.handleClose(gen)
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen {
		// The transport died before we got here and handleClose already
		// moved on. Claiming it now would fake a connected edge.
		s.mu.Unlock()
		t.Close()
		return
	}
	s.transport = t
	s.attempts = 0
	s.state = StateConnected
	roomID, token, metadata := s.roomID, s.opts.Token, s.opts.Metadata
	s.mu.Unlock()

	s.emit(protocol.TypeConnected, nil)
	s.send(protocol.Join{RoomID: roomID, Token: token, Metadata: metadata})
	s.startHeartbeat(gen)
}

// handleClose runs the not-caller-initiated close transition and feeds the
// reconnect policy. Stale transports are ignored via the generation check.
func (s *Session) handleClose(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.stopHeartbeatLocked()
	s.transport = nil
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected

	exhausted := false
	if s.opts.Reconnect {
		if s.attempts < s.opts.MaxAttempts {
			delay := s.backoffDelay(s.attempts)
			s.attempts++
			s.reconnectTimer = time.AfterFunc(delay, s.connect)
		} else {
			exhausted = true
		}
	}
	s.mu.Unlock()

	if wasConnected {
		s.emit(protocol.TypeDisconnected, nil)
	}
	if exhausted {
		s.emit(protocol.TypeError, protocol.Error{Error: "reconnect attempts exhausted"})
	}
}

// backoffDelay computes min(initialDelay * factor^attempt, maxDelay).
func (s *Session) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(s.opts.InitialDelay) * math.Pow(s.opts.BackoffFactor, float64(attempt)))
	if d > s.opts.MaxDelay {
		d = s.opts.MaxDelay
	}
	return d
}

func (s *Session) handleFrame(data []byte) {
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		return
	}
	switch msg.(type) {
	case protocol.Ping:
		s.send(protocol.Pong{})
		return
	case protocol.Pong:
		return
	}
	s.emit(protocol.TypeOf(msg), msg)
}

func (s *Session) emit(msgType string, msg protocol.ServerMessage) {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners[msgType]...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(msg)
	}
}

// send encodes and transmits a client message, silently dropping it when
// the transport is not open.
func (s *Session) send(msg protocol.ClientMessage) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	data, err := protocol.EncodeClient(msg)
	if err != nil {
		return
	}
	t.Send(data)
}

func (s *Session) flushCursor() {
	s.mu.Lock()
	s.throttleTimer = nil
	if s.closed || s.pendingCursor == nil {
		s.mu.Unlock()
		return
	}
	pos := *s.pendingCursor
	s.pendingCursor = nil
	s.lastCursorSent = time.Now()
	roomID := s.roomID
	s.mu.Unlock()

	s.send(protocol.Cursor{RoomID: roomID, Position: pos})
}

func (s *Session) startHeartbeat(gen uint64) {
	if s.opts.HeartbeatInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.stopHeartbeatLocked()
	done := make(chan struct{})
	s.heartbeatDone = done
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.send(protocol.Ping{})
			}
		}
	}()
}

// Caller holds s.mu.
func (s *Session) stopHeartbeatLocked() {
	if s.heartbeatDone != nil {
		close(s.heartbeatDone)
		s.heartbeatDone = nil
	}
}

// Caller holds s.mu.
func (s *Session) stopTimersLocked() {
	s.stopHeartbeatLocked()
	if s.throttleTimer != nil {
		s.throttleTimer.Stop()
		s.throttleTimer = nil
	}
	s.pendingCursor = nil
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}
