package client

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"driftboard/internal/protocol"
)

const defaultCursorThrottle = 50 * time.Millisecond

// RemoteCursor is another participant's last reported pointer position, in
// local pixel coordinates.
type RemoteCursor struct {
	User protocol.User
	X    float64
	Y    float64
}

// Canvas is the drawing synchronization engine. Local input is applied to the
// raster first and broadcast second; remote strokes append to the same log,
// so every participant converges on the identical stroke sequence.
type Canvas struct {
	core   *Core
	raster *Raster
	logger *slog.Logger

	// Active tool settings, read at PointerDown.
	Tool  string
	Color string
	Size  float64

	// CursorThrottle is the minimum interval between cursor broadcasts.
	CursorThrottle time.Duration

	now func() time.Time

	mu         sync.Mutex
	room       string
	strokes    []protocol.Stroke
	current    *protocol.Stroke
	cursors    map[string]RemoteCursor
	lastCursor time.Time

	subs []subscription
}

type subscription struct {
	t  protocol.Type
	id int
}

// NewCanvas attaches a canvas engine to the core and subscribes it to the
// relevant message types. Width and height size the local raster.
func NewCanvas(core *Core, width, height int) *Canvas {
	cv := &Canvas{
		core:           core,
		raster:         NewRaster(width, height),
		logger:         slog.With("component", "canvas"),
		Tool:           protocol.ToolPen,
		Color:          "#4ade80",
		Size:           3,
		CursorThrottle: defaultCursorThrottle,
		now:            time.Now,
		cursors:        make(map[string]RemoteCursor),
	}

	bus := core.Bus()
	cv.subscribe(bus, protocol.TypeCanvasState, cv.onState)
	cv.subscribe(bus, protocol.TypeCanvasStroke, cv.onRemoteStroke)
	cv.subscribe(bus, protocol.TypeCanvasClear, cv.onRemoteClear)
	cv.subscribe(bus, protocol.TypeCanvasCursor, cv.onRemoteCursor)
	cv.subscribe(bus, protocol.TypeUserLeave, cv.onUserLeave)
	return cv
}

func (cv *Canvas) subscribe(bus *Bus, t protocol.Type, fn Handler) {
	id := bus.On(t, fn)
	cv.subs = append(cv.subs, subscription{t: t, id: id})
}

// Close detaches the engine from the bus.
func (cv *Canvas) Close() {
	bus := cv.core.Bus()
	for _, s := range cv.subs {
		bus.Off(s.t, s.id)
	}
	cv.subs = nil
}

// Join enters the canvas room for the given session. The server answers with
// a canvas_state snapshot which replaces the local log.
func (cv *Canvas) Join(room, sessionID string) bool {
	cv.mu.Lock()
	cv.room = room
	cv.mu.Unlock()
	return cv.core.JoinRoom(room, sessionID)
}

// PointerDown begins a stroke with the current tool settings.
func (cv *Canvas) PointerDown(x, y float64) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.current = &protocol.Stroke{
		Tool:   cv.Tool,
		Color:  cv.Color,
		Size:   cv.Size,
		Points: []protocol.Point{{X: x, Y: y}},
	}
}

// PointerMove extends the active stroke and paints the newest segment.
func (cv *Canvas) PointerMove(x, y float64) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if cv.current == nil {
		return
	}
	cv.current.Points = append(cv.current.Points, protocol.Point{X: x, Y: y})
	cv.raster.DrawStrokeFrom(*cv.current, len(cv.current.Points)-2)
}

// PointerUp commits the active stroke: it is appended to the local log first,
// then broadcast. A send failure leaves the local state untouched.
func (cv *Canvas) PointerUp() {
	cv.mu.Lock()
	s := cv.current
	cv.current = nil
	if s == nil || len(s.Points) == 0 {
		cv.mu.Unlock()
		return
	}
	cv.strokes = append(cv.strokes, *s)
	room := cv.room
	cv.mu.Unlock()

	env, err := protocol.Make(protocol.TypeCanvasStroke, room, *s)
	if err != nil {
		cv.logger.Error("encode stroke", "error", err)
		return
	}
	cv.core.Send(env)
}

// Clear empties the local log and surface, then broadcasts the clear. Strokes
// sent after a clear land on the emptied log everywhere.
func (cv *Canvas) Clear() {
	cv.mu.Lock()
	cv.strokes = nil
	cv.current = nil
	cv.raster.Clear()
	room := cv.room
	cv.mu.Unlock()

	cv.core.Send(protocol.Envelope{Type: protocol.TypeCanvasClear, Room: room})
}

// Save asks the relay to persist the current stroke log under the given
// session id. The server answers the sender with save_complete.
func (cv *Canvas) Save(canvasID string) bool {
	cv.mu.Lock()
	strokes := make([]protocol.Stroke, len(cv.strokes))
	copy(strokes, cv.strokes)
	room := cv.room
	cv.mu.Unlock()

	env, err := protocol.Make(protocol.TypeSaveCanvas, room, protocol.SaveCanvasData{
		CanvasID:   canvasID,
		CanvasData: protocol.CanvasState{Strokes: strokes},
	})
	if err != nil {
		cv.logger.Error("encode save", "error", err)
		return false
	}
	return cv.core.Send(env)
}

// BroadcastCursor shares the local pointer position, normalized to [0,1] so
// differently sized surfaces agree on placement. Calls inside the throttle
// window are dropped; it reports whether an envelope actually went out.
func (cv *Canvas) BroadcastCursor(x, y float64) bool {
	cv.mu.Lock()
	now := cv.now()
	if now.Sub(cv.lastCursor) < cv.CursorThrottle {
		cv.mu.Unlock()
		return false
	}
	cv.lastCursor = now
	room := cv.room
	cv.mu.Unlock()

	env, err := protocol.Make(protocol.TypeCanvasCursor, room, protocol.CanvasCursor{
		X: x / float64(cv.raster.width),
		Y: y / float64(cv.raster.height),
	})
	if err != nil {
		return false
	}
	return cv.core.Send(env)
}

// Strokes returns a copy of the committed log.
func (cv *Canvas) Strokes() []protocol.Stroke {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]protocol.Stroke, len(cv.strokes))
	copy(out, cv.strokes)
	return out
}

// Image returns the rendered surface.
func (cv *Canvas) Image() image.Image {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return cv.raster.Image()
}

// RemoteCursors returns a copy of the known remote pointer positions. Entries
// persist until the owning user leaves.
func (cv *Canvas) RemoteCursors() map[string]RemoteCursor {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make(map[string]RemoteCursor, len(cv.cursors))
	for id, c := range cv.cursors {
		out[id] = c
	}
	return out
}

func (cv *Canvas) onState(ev Event) {
	var state protocol.CanvasState
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &state); err != nil {
		cv.logger.Warn("bad canvas snapshot", "error", err)
		return
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.strokes = state.Strokes
	cv.raster.Replay(cv.strokes)
}

func (cv *Canvas) onRemoteStroke(ev Event) {
	var s protocol.Stroke
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &s); err != nil {
		cv.logger.Warn("bad remote stroke", "error", err)
		return
	}
	if err := s.Validate(); err != nil {
		cv.logger.Warn("dropping invalid stroke", "error", err)
		return
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.strokes = append(cv.strokes, s)
	cv.raster.DrawStroke(s)
}

func (cv *Canvas) onRemoteClear(Event) {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.strokes = nil
	cv.raster.Clear()
}

func (cv *Canvas) onRemoteCursor(ev Event) {
	if ev.User == nil {
		return
	}
	var cur protocol.CanvasCursor
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &cur); err != nil {
		return
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	cv.cursors[ev.User.ID] = RemoteCursor{
		User: *ev.User,
		X:    cur.X * float64(cv.raster.width),
		Y:    cur.Y * float64(cv.raster.height),
	}
}

func (cv *Canvas) onUserLeave(ev Event) {
	if ev.User == nil {
		return
	}
	cv.mu.Lock()
	defer cv.mu.Unlock()
	delete(cv.cursors, ev.User.ID)
}
