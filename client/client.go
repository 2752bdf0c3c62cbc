// Package client is the collaboration client: a connection core that keeps one
// socket registered against the relay server, an event bus that fans incoming
// envelopes out to the synchronization engines, and the two engines themselves
// (canvas and scratchpad).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"driftboard/internal/protocol"
)

// State is the connection lifecycle. Transitions:
// Idle → Connecting → Registered → (Disconnected → Reconnecting)* → Closed.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistered
	StateDisconnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	defaultReconnectDelay    = 2000 * time.Millisecond
	defaultMaxReconnects     = 5
	defaultHeartbeatInterval = 30 * time.Second
)

// socket is the slice of *websocket.Conn the core uses, injectable in tests.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Core owns one socket per session and is passed explicitly to each
// synchronization engine; there is no ambient global connection.
type Core struct {
	URL  string
	User protocol.User

	// Tunables, set before Connect.
	ReconnectDelay    time.Duration
	MaxReconnects     int
	HeartbeatInterval time.Duration

	// OnStateChange, if set, observes lifecycle transitions. Called
	// synchronously without internal locks held.
	OnStateChange func(State)

	// OnReconnectFailed fires once the reconnect cap is exhausted. The UI is
	// expected to prompt for a refresh; the core will not retry further.
	OnReconnectFailed func()

	logger *slog.Logger
	dial   func(url string) (socket, error)
	bus    *Bus

	mu          sync.Mutex
	conn        socket
	state       State
	closed      bool
	attempts    int
	rooms       map[string]string // room -> session id, for re-join on reconnect
	registered  chan struct{}
	activeUsers []protocol.User
	stopHB      chan struct{}

	writeMu sync.Mutex
}

// NewCore builds a core for the given server URL and identity. The identity's
// id and name are what the caller persisted; color arrives at registration.
func NewCore(url string, user protocol.User) *Core {
	return &Core{
		URL:               url,
		User:              user,
		ReconnectDelay:    defaultReconnectDelay,
		MaxReconnects:     defaultMaxReconnects,
		HeartbeatInterval: defaultHeartbeatInterval,
		logger:            slog.With("component", "collab"),
		dial: func(url string) (socket, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		bus:   NewBus(),
		rooms: make(map[string]string),
		state: StateIdle,
	}
}

// Bus returns the event bus the engines subscribe on.
func (c *Core) Bus() *Bus { return c.bus }

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the socket is open and registered.
func (c *Core) IsConnected() bool {
	return c.State() == StateRegistered
}

// ActiveUsers returns the last presence list received for any joined room.
func (c *Core) ActiveUsers() []protocol.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]protocol.User, len(c.activeUsers))
	copy(users, c.activeUsers)
	return users
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	cb := c.OnStateChange
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

// Connect opens the socket, sends the registration envelope and blocks until
// the server confirms it. A socket error before registration fails the call;
// the reconnect loop still runs in the background for drops after dial.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateRegistered {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.attempts = 0
	c.mu.Unlock()

	c.setState(StateConnecting)

	conn, err := c.dial(c.URL)
	if err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("connect %s: %w", c.URL, err)
	}

	registered := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.registered = registered
	c.mu.Unlock()

	go func() {
		c.readLoop(conn)
		close(done)
	}()

	if !c.sendRegister(conn) {
		return fmt.Errorf("connect %s: registration send failed", c.URL)
	}

	select {
	case <-registered:
		return nil
	case <-done:
		return fmt.Errorf("connect %s: socket closed before registration", c.URL)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect marks the connection as intentionally closed, suppressing the
// auto-reconnect, and stops the heartbeat.
func (c *Core) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	c.setState(StateClosed)
	if conn != nil {
		conn.Close()
	}
}

// Send serializes and transmits an envelope. It returns false, never panics,
// when the socket is down; callers treat that as "drop silently".
func (c *Core) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn("cannot send, not connected", "type", string(env.Type))
		return false
	}
	return c.write(conn, env)
}

func (c *Core) write(conn socket, env protocol.Envelope) bool {
	if env.Timestamp == 0 {
		env.Timestamp = protocol.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("marshal envelope", "type", string(env.Type), "error", err)
		return false
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("send failed", "type", string(env.Type), "error", err)
		return false
	}
	return true
}

// JoinRoom records the desired room and asks the server for membership. The
// recorded room is re-joined automatically after a reconnect.
func (c *Core) JoinRoom(room, sessionID string) bool {
	if sessionID == "" {
		sessionID = "default"
	}
	c.mu.Lock()
	c.rooms[room] = sessionID
	c.mu.Unlock()
	return c.sendJoin(room, sessionID)
}

func (c *Core) sendJoin(room, sessionID string) bool {
	data := protocol.JoinRoomData{}
	if strings.HasPrefix(room, protocol.RoomScratchpad) {
		data.DocID = sessionID
	} else {
		data.CanvasID = sessionID
	}
	env, err := protocol.Make(protocol.TypeJoinRoom, room, data)
	if err != nil {
		return false
	}
	return c.Send(env)
}

// LeaveRoom sends leave_room and clears the tracked room if it matches.
func (c *Core) LeaveRoom(room string) bool {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	return c.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, Room: room})
}

// SetName renames the local identity and notifies the server.
func (c *Core) SetName(name string) bool {
	if name == "" {
		return false
	}
	c.mu.Lock()
	c.User.Name = name
	c.mu.Unlock()

	env, err := protocol.Make(protocol.TypeUpdateUser, "", protocol.UpdateUserData{Name: name})
	if err != nil {
		return false
	}
	return c.Send(env)
}

// RequestSessions asks the server for the saved session catalog. The reply
// arrives as a sessions_list event on the bus.
func (c *Core) RequestSessions() bool {
	return c.Send(protocol.Envelope{Type: protocol.TypeListSessions})
}

// CreateSession asks the server to create a named canvas or scratchpad
// session. The assigned id arrives as a session_created event on the bus.
func (c *Core) CreateSession(sessionType, name string) bool {
	env, err := protocol.Make(protocol.TypeCreateSession, "", protocol.CreateSessionData{
		SessionType: sessionType,
		Name:        name,
	})
	if err != nil {
		return false
	}
	return c.Send(env)
}

func (c *Core) sendRegister(conn socket) bool {
	env, err := protocol.Make(protocol.TypeRegister, "", protocol.RegisterData{
		ID:   c.User.ID,
		Name: c.User.Name,
	})
	if err != nil {
		return false
	}
	return c.write(conn, env)
}

func (c *Core) readLoop(conn socket) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

// dispatch routes one incoming envelope. The type set is closed; anything
// outside it is logged and dropped.
func (c *Core) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegistered:
		c.handleRegistered(env)

	case protocol.TypePong:
		// Heartbeat response; absence is not currently acted upon.

	case protocol.TypeActiveUsers:
		var data protocol.ActiveUsersData
		if err := protocol.DecodeData(env, &data); err == nil {
			c.mu.Lock()
			c.activeUsers = data.Users
			c.mu.Unlock()
		}
		c.bus.Emit(env.Type, Event{User: env.User, Data: env.Data})

	case protocol.TypeUserJoin, protocol.TypeUserLeave,
		protocol.TypeCanvasState, protocol.TypeCanvasStroke,
		protocol.TypeCanvasClear, protocol.TypeCanvasCursor,
		protocol.TypeScratchpadState, protocol.TypeScratchpadChange,
		protocol.TypeScratchpadCursor, protocol.TypeSaveComplete,
		protocol.TypeSessionsList, protocol.TypeSessionCreated:
		c.bus.Emit(env.Type, Event{User: env.User, Data: env.Data})

	default:
		c.logger.Warn("unknown message type", "type", string(env.Type))
	}
}

func (c *Core) handleRegistered(env protocol.Envelope) {
	c.mu.Lock()
	if env.User != nil {
		c.User.Color = env.User.Color
	}
	c.attempts = 0
	registered := c.registered
	c.registered = nil
	rooms := make(map[string]string, len(c.rooms))
	for room, session := range c.rooms {
		rooms[room] = session
	}
	c.startHeartbeatLocked()
	c.mu.Unlock()

	c.setState(StateRegistered)
	c.logger.Info("registered", "id", c.User.ID, "color", c.User.Color)

	if registered != nil {
		close(registered)
	}

	// Membership survives reconnection: re-issue joins for whatever rooms
	// were active before the drop.
	for room, session := range rooms {
		c.sendJoin(room, session)
	}

	c.bus.Emit(protocol.TypeRegistered, Event{User: env.User})
}

func (c *Core) handleDisconnect(conn socket) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A stale reader from a socket already replaced.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()

	if c.closed {
		c.mu.Unlock()
		c.setState(StateClosed)
		return
	}

	if c.attempts >= c.MaxReconnects {
		c.mu.Unlock()
		c.setState(StateClosed)
		c.logger.Error("max reconnection attempts reached")
		if c.OnReconnectFailed != nil {
			c.OnReconnectFailed()
		}
		return
	}

	c.attempts++
	attempt := c.attempts
	max := c.MaxReconnects
	delay := c.ReconnectDelay
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.logger.Info("reconnecting", "attempt", attempt, "max", max)
	c.setState(StateReconnecting)

	time.AfterFunc(delay, c.reconnect)
}

func (c *Core) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	conn, err := c.dial(c.URL)
	if err != nil {
		// A failed dial counts like an immediate drop of the new socket.
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.MaxReconnects {
			c.mu.Unlock()
			c.setState(StateClosed)
			c.logger.Error("max reconnection attempts reached")
			if c.OnReconnectFailed != nil {
				c.OnReconnectFailed()
			}
			return
		}
		c.attempts++
		attempt := c.attempts
		max := c.MaxReconnects
		delay := c.ReconnectDelay
		c.mu.Unlock()

		c.logger.Info("reconnecting", "attempt", attempt, "max", max, "error", err)
		time.AfterFunc(delay, c.reconnect)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	// Registration always re-sends the same identity so the server can
	// re-associate it with the fresh socket.
	c.sendRegister(conn)
}

func (c *Core) startHeartbeatLocked() {
	if c.stopHB != nil {
		return
	}
	stop := make(chan struct{})
	c.stopHB = stop
	interval := c.HeartbeatInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Send(protocol.Envelope{Type: protocol.TypePing})
			}
		}
	}()
}

func (c *Core) stopHeartbeatLocked() {
	if c.stopHB != nil {
		close(c.stopHB)
		c.stopHB = nil
	}
}
