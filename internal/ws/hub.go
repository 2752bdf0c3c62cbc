package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"driftboard/internal/protocol"
	"driftboard/internal/store"
)

// Colors cycled through at registration, keyed by registration order so two
// simultaneously active users rarely share one.
var userPalette = []string{
	"#4ade80", "#60a5fa", "#f472b6", "#fb923c",
	"#a78bfa", "#fbbf24", "#34d399", "#f87171",
}

// roomState is the live, server-held canonical copy of a canvas room: the
// ordered stroke log replayed for every late joiner.
type roomState struct {
	sessionID string
	strokes   []protocol.Stroke
	dirty     bool
}

// docState is the live buffer of a document room. Last write wins.
type docState struct {
	sessionID string
	content   string
	meta      protocol.DocumentMetadata
	loaded    bool
}

type inbound struct {
	client *Client
	env    protocol.Envelope
}

// Hub owns all room membership and relays envelopes between clients. All
// protocol handling happens on the Run goroutine, which is the single relay
// point giving per-sender FIFO ordering within a room.
type Hub struct {
	// Registered clients by room
	rooms map[string]map[*Client]bool

	// All connected clients
	clients map[*Client]bool

	canvases    map[string]*roomState
	scratchpads map[string]*docState

	broadcast  chan *inbound
	register   chan *Client
	unregister chan *Client

	db         *store.Store
	colorIndex int

	mu sync.RWMutex
}

// NewHub creates a hub. The store may be nil, in which case saves fail softly
// and joiners only receive in-memory state.
func NewHub(db *store.Store) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Client]bool),
		clients:     make(map[*Client]bool),
		canvases:    make(map[string]*roomState),
		scratchpads: make(map[string]*docState),
		broadcast:   make(chan *inbound, 64),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		db:          db,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("Client connected: %s (total: %d)", client.id, total)

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.broadcast:
			h.handle(msg.client, msg.env)
		}
	}
}

// dropClient removes a client from every room it joined and closes its send
// channel. Presence reflects only open sockets: the user disappears from
// active_users immediately, with no grace period.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	var left []string
	for room := range c.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
				log.Printf("Room %s closed (empty)", room)
			} else {
				left = append(left, room)
			}
		}
	}
	total := len(h.clients)
	close(c.send)
	h.mu.Unlock()

	name := "unregistered"
	if c.user != nil {
		name = c.user.Name
	}
	log.Printf("Client disconnected: %s (total: %d)", name, total)

	for _, room := range left {
		h.notifyPresence(room, protocol.TypeUserLeave, c)
	}
}

func (h *Hub) handle(c *Client, env protocol.Envelope) {
	if env.Type == protocol.TypeRegister {
		h.handleRegister(c, env)
		return
	}
	if env.Type == protocol.TypePing {
		h.sendTo(c, protocol.Envelope{Type: protocol.TypePong, Timestamp: protocol.Now()})
		return
	}
	if c.user == nil {
		log.Printf("⚠️ Dropping %s from unregistered client %s", env.Type, c.id)
		return
	}

	// Relay tags every envelope with the server-side identity; the sender's
	// own user field is never trusted.
	env.User = c.user
	env.Timestamp = protocol.Now()

	switch env.Type {
	case protocol.TypeJoinRoom:
		h.handleJoin(c, env)
	case protocol.TypeLeaveRoom:
		h.handleLeave(c, env)
	case protocol.TypeUpdateUser:
		h.handleUpdateUser(c, env)
	case protocol.TypeCanvasStroke:
		h.handleCanvasStroke(c, env)
	case protocol.TypeCanvasClear:
		h.handleCanvasClear(c, env)
	case protocol.TypeCanvasCursor:
		var cur protocol.CanvasCursor
		if err := protocol.DecodeData(env, &cur); err != nil {
			log.Printf("⚠️ Invalid canvas_cursor from %s: %v", c.user.Name, err)
			return
		}
		h.relay(env.Room, env, c)
	case protocol.TypeScratchpadChange:
		h.handleScratchpadChange(c, env)
	case protocol.TypeScratchpadCursor:
		var cur protocol.ScratchpadCursor
		if err := protocol.DecodeData(env, &cur); err != nil {
			log.Printf("⚠️ Invalid scratchpad_cursor from %s: %v", c.user.Name, err)
			return
		}
		h.relay(env.Room, env, c)
	case protocol.TypeSaveCanvas:
		h.handleSaveCanvas(c, env)
	case protocol.TypeSaveScratchpad:
		h.handleSaveScratchpad(c, env)
	case protocol.TypeListSessions:
		h.handleListSessions(c)
	case protocol.TypeCreateSession:
		h.handleCreateSession(c, env)
	default:
		// Includes server-to-client types echoed back by a confused client.
		log.Printf("⚠️ Unknown message type %q from %s", env.Type, c.id)
	}
}

func (h *Hub) handleRegister(c *Client, env protocol.Envelope) {
	if c.user != nil {
		log.Printf("⚠️ Duplicate register from %s ignored", c.user.Name)
		return
	}

	var data protocol.RegisterData
	if len(env.Data) > 0 {
		if err := protocol.DecodeData(env, &data); err != nil {
			log.Printf("⚠️ Invalid register data from %s: %v", c.id, err)
		}
	}
	if data.ID == "" {
		data.ID = fmt.Sprintf("user_%d", time.Now().UnixMilli())
	}
	if data.Name == "" {
		data.Name = "Anonymous"
	}

	h.mu.Lock()
	color := userPalette[h.colorIndex%len(userPalette)]
	h.colorIndex++
	h.mu.Unlock()

	c.user = &protocol.User{ID: data.ID, Name: data.Name, Color: color}
	log.Printf("User registered: %s (%s)", c.user.Name, color)

	h.sendTo(c, protocol.Envelope{
		Type:      protocol.TypeRegistered,
		User:      c.user,
		Timestamp: protocol.Now(),
	})
}

func (h *Hub) handleJoin(c *Client, env protocol.Envelope) {
	room := env.Room
	if room == "" {
		log.Printf("⚠️ join_room without room from %s", c.user.Name)
		return
	}

	var data protocol.JoinRoomData
	if len(env.Data) > 0 {
		_ = protocol.DecodeData(env, &data)
	}

	h.mu.Lock()
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
	count := len(h.rooms[room])
	h.mu.Unlock()

	log.Printf("%s joined room %s (total: %d)", c.user.Name, room, count)

	// Notify existing members before the snapshot so everyone agrees on
	// membership by the time the joiner starts applying state.
	h.relay(room, protocol.Envelope{
		Type:      protocol.TypeUserJoin,
		Room:      room,
		User:      c.user,
		Timestamp: protocol.Now(),
	}, c)

	if strings.HasPrefix(room, protocol.RoomCanvas) {
		h.sendCanvasSnapshot(c, room, data.CanvasID)
	} else if strings.HasPrefix(room, protocol.RoomScratchpad) {
		h.sendScratchpadSnapshot(c, room, data.DocID)
	}

	h.broadcastActiveUsers(room)
}

func (h *Hub) sendCanvasSnapshot(c *Client, room, canvasID string) {
	if canvasID == "" {
		canvasID = "default"
	}

	h.mu.Lock()
	state, ok := h.canvases[room]
	if !ok {
		state = &roomState{sessionID: canvasID}
		h.canvases[room] = state
	}
	if len(state.strokes) == 0 && h.db != nil {
		h.mu.Unlock()
		saved, err := h.db.LoadCanvas(canvasID)
		h.mu.Lock()
		if err != nil {
			log.Printf("⚠️ Loading canvas %s: %v", canvasID, err)
		} else if saved != nil && len(state.strokes) == 0 {
			state.strokes = saved.Strokes
		}
	}
	strokes := make([]protocol.Stroke, len(state.strokes))
	copy(strokes, state.strokes)
	h.mu.Unlock()

	if len(strokes) == 0 {
		return
	}

	env, err := protocol.Make(protocol.TypeCanvasState, room, protocol.CanvasState{Strokes: strokes})
	if err != nil {
		log.Printf("⚠️ Encoding canvas state: %v", err)
		return
	}
	log.Printf("Sending %d cached strokes to %s", len(strokes), c.user.Name)
	h.sendTo(c, env)
}

func (h *Hub) sendScratchpadSnapshot(c *Client, room, docID string) {
	if docID == "" {
		docID = "default"
	}

	h.mu.Lock()
	doc, ok := h.scratchpads[room]
	if !ok {
		doc = &docState{sessionID: docID}
		h.scratchpads[room] = doc
	}
	if !doc.loaded && h.db != nil {
		h.mu.Unlock()
		saved, err := h.db.LoadScratchpad(docID)
		h.mu.Lock()
		if err != nil {
			log.Printf("⚠️ Loading scratchpad %s: %v", docID, err)
		} else if saved != nil && !doc.loaded {
			doc.content = saved.Content
			doc.meta = protocol.DocumentMetadata{Mode: saved.Mode, Lines: saved.Lines, Characters: saved.Chars}
		}
		doc.loaded = true
	}
	content, meta := doc.content, doc.meta
	h.mu.Unlock()

	if content == "" {
		return
	}

	env, err := protocol.Make(protocol.TypeScratchpadState, room, protocol.ScratchpadState{
		Content:  content,
		Metadata: meta,
	})
	if err != nil {
		log.Printf("⚠️ Encoding scratchpad state: %v", err)
		return
	}
	h.sendTo(c, env)
}

func (h *Hub) handleLeave(c *Client, env protocol.Envelope) {
	room := env.Room
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
	h.mu.Unlock()

	log.Printf("%s left room %s", c.user.Name, room)
	h.notifyPresence(room, protocol.TypeUserLeave, c)
}

func (h *Hub) handleUpdateUser(c *Client, env protocol.Envelope) {
	var data protocol.UpdateUserData
	if err := protocol.DecodeData(env, &data); err != nil || data.Name == "" {
		return
	}
	c.user.Name = data.Name

	h.mu.RLock()
	joined := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		joined = append(joined, room)
	}
	h.mu.RUnlock()

	for _, room := range joined {
		h.broadcastActiveUsers(room)
	}
}

func (h *Hub) handleCanvasStroke(c *Client, env protocol.Envelope) {
	var stroke protocol.Stroke
	if err := protocol.DecodeData(env, &stroke); err != nil {
		log.Printf("⚠️ Invalid stroke from %s: %v", c.user.Name, err)
		return
	}
	if err := stroke.Validate(); err != nil {
		log.Printf("⚠️ Invalid stroke from %s: %v", c.user.Name, err)
		return
	}

	if env.Room != "" {
		h.mu.Lock()
		state, ok := h.canvases[env.Room]
		if !ok {
			state = &roomState{sessionID: "default"}
			h.canvases[env.Room] = state
		}
		state.strokes = append(state.strokes, stroke)
		state.dirty = true
		h.mu.Unlock()
	}

	h.relay(env.Room, env, c)
}

func (h *Hub) handleCanvasClear(c *Client, env protocol.Envelope) {
	if env.Room != "" {
		h.mu.Lock()
		if state, ok := h.canvases[env.Room]; ok {
			state.strokes = nil
			state.dirty = true
		}
		h.mu.Unlock()
	}
	h.relay(env.Room, env, c)
}

func (h *Hub) handleScratchpadChange(c *Client, env protocol.Envelope) {
	var change protocol.DocumentChange
	if err := protocol.DecodeData(env, &change); err != nil {
		log.Printf("⚠️ Invalid scratchpad_change from %s: %v", c.user.Name, err)
		return
	}

	if env.Room != "" {
		h.mu.Lock()
		doc, ok := h.scratchpads[env.Room]
		if !ok {
			doc = &docState{sessionID: "default", loaded: true}
			h.scratchpads[env.Room] = doc
		}
		doc.content = change.Content
		doc.loaded = true
		h.mu.Unlock()
	}

	h.relay(env.Room, env, c)
}

func (h *Hub) handleSaveCanvas(c *Client, env protocol.Envelope) {
	var data protocol.SaveCanvasData
	if err := protocol.DecodeData(env, &data); err != nil {
		h.sendSaveResult(c, env.Room, fmt.Errorf("invalid save_canvas: %w", err))
		return
	}
	if data.CanvasID == "" {
		data.CanvasID = "default"
	}

	var err error
	if h.db == nil {
		err = fmt.Errorf("no store configured")
	} else {
		err = h.db.SaveCanvas(data.CanvasID, data.CanvasData.Strokes)
	}
	h.sendSaveResult(c, env.Room, err)
}

func (h *Hub) handleSaveScratchpad(c *Client, env protocol.Envelope) {
	var data protocol.SaveScratchpadData
	if err := protocol.DecodeData(env, &data); err != nil {
		h.sendSaveResult(c, env.Room, fmt.Errorf("invalid save_scratchpad: %w", err))
		return
	}
	if data.DocID == "" {
		data.DocID = "default"
	}

	var err error
	if h.db == nil {
		err = fmt.Errorf("no store configured")
	} else {
		err = h.db.SaveScratchpad(data.DocID, data.Content, data.Metadata)
		if err == nil {
			if _, verr := h.db.AddVersion(data.DocID, data.Content, c.user.Name, true); verr != nil {
				log.Printf("⚠️ Recording version for %s: %v", data.DocID, verr)
			}
		}
	}
	h.sendSaveResult(c, env.Room, err)
}

func (h *Hub) sendSaveResult(c *Client, room string, err error) {
	result := protocol.SaveResult{
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		result.Error = err.Error()
		log.Printf("⚠️ Save failed for %s: %v", c.id, err)
	}
	env, merr := protocol.Make(protocol.TypeSaveComplete, room, result)
	if merr != nil {
		return
	}
	h.sendTo(c, env)
}

func (h *Hub) handleListSessions(c *Client) {
	var list protocol.SessionsListData
	if h.db != nil {
		if canvases, err := h.db.ListCanvases(); err == nil {
			list.Canvases = canvases
		}
		if docs, err := h.db.ListScratchpads(); err == nil {
			list.Scratchpads = docs
		}
	}
	env, err := protocol.Make(protocol.TypeSessionsList, "", list)
	if err != nil {
		return
	}
	h.sendTo(c, env)
}

func (h *Hub) handleCreateSession(c *Client, env protocol.Envelope) {
	var data protocol.CreateSessionData
	if err := protocol.DecodeData(env, &data); err != nil {
		return
	}

	name := data.Name
	if name == "" {
		name = data.SessionType
	}
	sessionID := fmt.Sprintf("%s_%d", name, time.Now().UnixMilli())

	if h.db != nil {
		var err error
		switch data.SessionType {
		case protocol.RoomCanvas:
			err = h.db.SaveCanvas(sessionID, nil)
		case protocol.RoomScratchpad:
			err = h.db.SaveScratchpad(sessionID, "", protocol.DocumentMetadata{})
		default:
			err = fmt.Errorf("unknown session type %q", data.SessionType)
		}
		if err != nil {
			log.Printf("⚠️ Creating session: %v", err)
			return
		}
	}

	reply, err := protocol.Make(protocol.TypeSessionCreated, "", protocol.SessionCreatedData{SessionID: sessionID})
	if err != nil {
		return
	}
	h.sendTo(c, reply)
}

// notifyPresence broadcasts a user_join/user_leave for c followed by the
// refreshed member list.
func (h *Hub) notifyPresence(room string, t protocol.Type, c *Client) {
	if c.user != nil {
		h.relay(room, protocol.Envelope{
			Type:      t,
			Room:      room,
			User:      c.user,
			Timestamp: protocol.Now(),
		}, c)
	}
	h.broadcastActiveUsers(room)
}

func (h *Hub) broadcastActiveUsers(room string) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	users := make([]protocol.User, 0, len(members))
	for member := range members {
		if member.user != nil {
			users = append(users, *member.user)
		}
	}
	h.mu.RUnlock()

	env, err := protocol.Make(protocol.TypeActiveUsers, room, protocol.ActiveUsersData{Users: users})
	if err != nil {
		return
	}
	h.relay(room, env, nil)
}

// relay forwards an envelope to every member of a room except the sender.
func (h *Hub) relay(room string, env protocol.Envelope, sender *Client) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("⚠️ Encoding envelope %s: %v", env.Type, err)
		return
	}

	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}
	var stale []*Client
	for client := range members {
		if client == sender {
			continue
		}
		select {
		case client.send <- data:
		default:
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	// A full send buffer means the reader is gone or wedged; drop it the way
	// a closed socket would be dropped.
	for _, client := range stale {
		h.dropClient(client)
	}
}

func (h *Hub) sendTo(c *Client, env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("⚠️ Encoding envelope %s: %v", env.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.dropClient(c)
	}
}

// CanvasSnapshot pairs a session with its current stroke log for the
// retention service.
type CanvasSnapshot struct {
	SessionID string
	Strokes   []protocol.Stroke
}

// FlushDirtyCanvases returns the stroke logs modified since the last call and
// clears their dirty flags.
func (h *Hub) FlushDirtyCanvases() []CanvasSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []CanvasSnapshot
	for _, state := range h.canvases {
		if !state.dirty {
			continue
		}
		strokes := make([]protocol.Stroke, len(state.strokes))
		copy(strokes, state.strokes)
		out = append(out, CanvasSnapshot{SessionID: state.sessionID, Strokes: strokes})
		state.dirty = false
	}
	return out
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms returns member counts per room.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		rooms[room] = len(members)
	}
	return rooms
}
