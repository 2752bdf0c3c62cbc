package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies a message on the wire. The set is closed: both the hub and
// the client switch over these constants and drop anything they don't know.
type Type string

// Client → server messages.
const (
	TypeRegister         Type = "register"
	TypeJoinRoom         Type = "join_room"
	TypeLeaveRoom        Type = "leave_room"
	TypeUpdateUser       Type = "update_user"
	TypeCanvasStroke     Type = "canvas_stroke"
	TypeCanvasClear      Type = "canvas_clear"
	TypeCanvasCursor     Type = "canvas_cursor"
	TypeScratchpadChange Type = "scratchpad_change"
	TypeScratchpadCursor Type = "scratchpad_cursor"
	TypeSaveCanvas       Type = "save_canvas"
	TypeSaveScratchpad   Type = "save_scratchpad"
	TypeListSessions     Type = "list_sessions"
	TypeCreateSession    Type = "create_session"
	TypePing             Type = "ping"
)

// Server → client messages.
const (
	TypeRegistered      Type = "registered"
	TypeUserJoin        Type = "user_join"
	TypeUserLeave       Type = "user_leave"
	TypeActiveUsers     Type = "active_users"
	TypeCanvasState     Type = "canvas_state"
	TypeScratchpadState Type = "scratchpad_state"
	TypeSaveComplete    Type = "save_complete"
	TypeSessionsList    Type = "sessions_list"
	TypeSessionCreated  Type = "session_created"
	TypePong            Type = "pong"
)

// Well-known room names. A room scopes broadcast; the name also selects which
// state snapshot a joiner receives.
const (
	RoomCanvas     = "canvas"
	RoomScratchpad = "scratchpad"
)

// Drawing tools accepted in a stroke.
const (
	ToolPen    = "pen"
	ToolEraser = "eraser"
)

// Envelope is the only structure exchanged on the socket. User is filled in
// by the server on relay and never trusted from the sending client.
type Envelope struct {
	Type      Type            `json:"type"`
	Room      string          `json:"room,omitempty"`
	User      *User           `json:"user,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

// User is an ephemeral identity: id and name come from the client, color is
// assigned by the server at registration.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type RegisterData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// JoinRoomData carries an optional scoped session identifier so multiple
// independent canvases or documents could share one room name.
type JoinRoomData struct {
	CanvasID string `json:"canvas_id,omitempty"`
	DocID    string `json:"doc_id,omitempty"`
}

type UpdateUserData struct {
	Name string `json:"name"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is append-only: once broadcast it is immutable.
type Stroke struct {
	Tool   string  `json:"tool"`
	Color  string  `json:"color"`
	Size   float64 `json:"size"`
	Points []Point `json:"points"`
}

// Validate checks the minimal shape required before a stroke may mutate a
// raster. Anything that fails here is dropped, never applied.
func (s *Stroke) Validate() error {
	if s.Tool != ToolPen && s.Tool != ToolEraser {
		return fmt.Errorf("unknown tool %q", s.Tool)
	}
	if len(s.Points) == 0 {
		return fmt.Errorf("stroke has no points")
	}
	if s.Size <= 0 {
		return fmt.Errorf("invalid stroke size %v", s.Size)
	}
	return nil
}

type CanvasState struct {
	Strokes []Stroke `json:"strokes"`
}

// CanvasCursor is a pointer position normalized to [0,1] of the sender's
// raster dimensions.
type CanvasCursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type DocumentMetadata struct {
	Mode       string `json:"mode,omitempty"`
	Lines      int    `json:"lines,omitempty"`
	Characters int    `json:"characters,omitempty"`
}

type DocumentChange struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type ScratchpadState struct {
	Content  string           `json:"content"`
	Metadata DocumentMetadata `json:"metadata,omitempty"`
}

type ScratchpadCursor struct {
	Position int `json:"position"`
	Line     int `json:"line"`
	Column   int `json:"column"`
}

type SaveCanvasData struct {
	CanvasID   string      `json:"canvas_id"`
	CanvasData CanvasState `json:"canvas_data"`
}

type SaveScratchpadData struct {
	DocID    string           `json:"doc_id"`
	Content  string           `json:"content"`
	Metadata DocumentMetadata `json:"metadata,omitempty"`
}

type SaveResult struct {
	Success   bool   `json:"success"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ActiveUsersData struct {
	Users []User `json:"users"`
}

type SessionInfo struct {
	ID           string `json:"id"`
	LastModified string `json:"last_modified"`
	StrokeCount  int    `json:"stroke_count,omitempty"`
	Characters   int    `json:"content_length,omitempty"`
}

type SessionsListData struct {
	Canvases    []SessionInfo `json:"canvases"`
	Scratchpads []SessionInfo `json:"scratchpads"`
}

type CreateSessionData struct {
	SessionType string `json:"session_type"`
	Name        string `json:"name,omitempty"`
}

type SessionCreatedData struct {
	SessionID string `json:"session_id"`
}

// Now returns the wire timestamp: seconds since the epoch with sub-second
// precision.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Make builds an envelope with the payload marshaled into Data and the
// timestamp stamped.
func Make(t Type, room string, payload any) (Envelope, error) {
	env := Envelope{Type: t, Room: room, Timestamp: Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}

// Decode parses a raw wire message. Malformed envelopes are a protocol error:
// the caller logs and drops them, the connection stays alive.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into dst, validating only that
// it is well-formed JSON of the expected shape.
func DecodeData(env Envelope, dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s envelope has no data", env.Type)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return nil
}
