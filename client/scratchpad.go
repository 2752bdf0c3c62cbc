package client

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"driftboard/internal/protocol"
)

const (
	defaultEchoWindow = 100 * time.Millisecond
	defaultSaveDelay  = 2 * time.Second
	defaultCursorTTL  = 3 * time.Second
)

// RemoteCaret is another participant's caret position inside the document.
type RemoteCaret struct {
	User   protocol.User
	Line   int
	Column int
}

type caretEntry struct {
	caret RemoteCaret
	timer *time.Timer
}

// Scratchpad is the shared text buffer engine. Concurrency control is
// last-write-wins on the whole buffer: every local edit broadcasts the full
// content, every remote change replaces it.
type Scratchpad struct {
	core   *Core
	logger *slog.Logger

	// Mode is a display hint carried in save metadata (e.g. "plain",
	// "markdown"). It does not affect synchronization.
	Mode string

	// Tunables, set before the first edit.
	EchoWindow time.Duration
	SaveDelay  time.Duration
	CursorTTL  time.Duration

	// OnStatus, if set, observes save status transitions ("Editing...",
	// "Saving...", "Saved", "Loaded").
	OnStatus func(string)

	mu         sync.Mutex
	room       string
	docID      string
	content    string
	lastSaved  string
	selStart   int
	selEnd     int
	suppressed bool

	saveTimer     *time.Timer
	suppressTimer *time.Timer
	carets        map[string]*caretEntry

	subs []subscription
}

// NewScratchpad attaches a scratchpad engine to the core.
func NewScratchpad(core *Core) *Scratchpad {
	sp := &Scratchpad{
		core:       core,
		logger:     slog.With("component", "scratchpad"),
		Mode:       "plain",
		EchoWindow: defaultEchoWindow,
		SaveDelay:  defaultSaveDelay,
		CursorTTL:  defaultCursorTTL,
		carets:     make(map[string]*caretEntry),
	}

	bus := core.Bus()
	sp.subscribe(bus, protocol.TypeScratchpadState, sp.onState)
	sp.subscribe(bus, protocol.TypeScratchpadChange, sp.onRemoteChange)
	sp.subscribe(bus, protocol.TypeScratchpadCursor, sp.onRemoteCursor)
	sp.subscribe(bus, protocol.TypeSaveComplete, sp.onSaveComplete)
	sp.subscribe(bus, protocol.TypeUserLeave, sp.onUserLeave)
	return sp
}

func (sp *Scratchpad) subscribe(bus *Bus, t protocol.Type, fn Handler) {
	id := bus.On(t, fn)
	sp.subs = append(sp.subs, subscription{t: t, id: id})
}

// Close detaches the engine and stops its timers.
func (sp *Scratchpad) Close() {
	bus := sp.core.Bus()
	for _, s := range sp.subs {
		bus.Off(s.t, s.id)
	}
	sp.subs = nil

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.saveTimer != nil {
		sp.saveTimer.Stop()
	}
	if sp.suppressTimer != nil {
		sp.suppressTimer.Stop()
	}
	for _, e := range sp.carets {
		e.timer.Stop()
	}
}

// Join enters the scratchpad room for the given document. The server answers
// with a scratchpad_state snapshot.
func (sp *Scratchpad) Join(room, docID string) bool {
	sp.mu.Lock()
	sp.room = room
	sp.docID = docID
	sp.mu.Unlock()
	return sp.core.JoinRoom(room, docID)
}

// Edit applies a local change: the buffer is replaced, the change broadcast,
// and a save scheduled. An edit that fires while a remote change is being
// applied is the editor echoing that remote content back; it is applied but
// not re-broadcast.
func (sp *Scratchpad) Edit(content string) {
	sp.mu.Lock()
	sp.content = content
	suppressed := sp.suppressed
	room := sp.room
	sp.scheduleSaveLocked()
	sp.mu.Unlock()

	sp.setStatus("Editing...")
	if suppressed {
		return
	}

	env, err := protocol.Make(protocol.TypeScratchpadChange, room, protocol.DocumentChange{
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		sp.logger.Error("encode change", "error", err)
		return
	}
	sp.core.Send(env)
}

// Content returns the current buffer.
func (sp *Scratchpad) Content() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.content
}

// SetSelection records the local caret/selection offsets.
func (sp *Scratchpad) SetSelection(start, end int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.selStart = start
	sp.selEnd = end
}

// Selection returns the local selection offsets, as adjusted by any remote
// changes applied since they were set.
func (sp *Scratchpad) Selection() (int, int) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.selStart, sp.selEnd
}

// Flush saves immediately, bypassing the debounce. Used on shutdown.
func (sp *Scratchpad) Flush() {
	sp.mu.Lock()
	if sp.saveTimer != nil {
		sp.saveTimer.Stop()
		sp.saveTimer = nil
	}
	sp.mu.Unlock()
	sp.save()
}

func (sp *Scratchpad) scheduleSaveLocked() {
	if sp.saveTimer != nil {
		sp.saveTimer.Stop()
	}
	sp.saveTimer = time.AfterFunc(sp.SaveDelay, sp.save)
}

func (sp *Scratchpad) save() {
	sp.mu.Lock()
	if sp.content == sp.lastSaved {
		sp.mu.Unlock()
		return
	}
	content := sp.content
	sp.lastSaved = content
	room := sp.room
	docID := sp.docID
	mode := sp.Mode
	sp.mu.Unlock()

	sp.setStatus("Saving...")

	env, err := protocol.Make(protocol.TypeSaveScratchpad, room, protocol.SaveScratchpadData{
		DocID:   docID,
		Content: content,
		Metadata: protocol.DocumentMetadata{
			Mode:       mode,
			Lines:      strings.Count(content, "\n") + 1,
			Characters: len(content),
		},
	})
	if err != nil {
		sp.logger.Error("encode save", "error", err)
		return
	}
	sp.core.Send(env)
}

// BroadcastCursor shares the local caret as a line/column pair derived from
// the byte offset.
func (sp *Scratchpad) BroadcastCursor(position int) bool {
	sp.mu.Lock()
	content := sp.content
	room := sp.room
	sp.mu.Unlock()

	if position < 0 {
		position = 0
	}
	if position > len(content) {
		position = len(content)
	}
	before := content[:position]
	line := strings.Count(before, "\n") + 1
	column := position
	if i := strings.LastIndexByte(before, '\n'); i >= 0 {
		column = position - i - 1
	}

	env, err := protocol.Make(protocol.TypeScratchpadCursor, room, protocol.ScratchpadCursor{
		Position: position,
		Line:     line,
		Column:   column,
	})
	if err != nil {
		return false
	}
	return sp.core.Send(env)
}

// RemoteCarets returns a copy of the currently visible remote carets. Entries
// expire when their owner stops moving for CursorTTL.
func (sp *Scratchpad) RemoteCarets() map[string]RemoteCaret {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make(map[string]RemoteCaret, len(sp.carets))
	for id, e := range sp.carets {
		out[id] = e.caret
	}
	return out
}

func (sp *Scratchpad) setStatus(status string) {
	if sp.OnStatus != nil {
		sp.OnStatus(status)
	}
}

func (sp *Scratchpad) onState(ev Event) {
	var state protocol.ScratchpadState
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &state); err != nil {
		sp.logger.Warn("bad scratchpad snapshot", "error", err)
		return
	}
	sp.mu.Lock()
	sp.content = state.Content
	sp.lastSaved = state.Content
	if state.Metadata.Mode != "" {
		sp.Mode = state.Metadata.Mode
	}
	sp.armSuppressionLocked()
	sp.mu.Unlock()
	sp.setStatus("Loaded")
}

func (sp *Scratchpad) onRemoteChange(ev Event) {
	var change protocol.DocumentChange
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &change); err != nil {
		sp.logger.Warn("bad remote change", "error", err)
		return
	}

	sp.mu.Lock()
	delta := len(change.Content) - len(sp.content)
	sp.content = change.Content
	sp.selStart += delta
	if sp.selStart < 0 {
		sp.selStart = 0
	}
	sp.selEnd += delta
	if sp.selEnd < 0 {
		sp.selEnd = 0
	}
	sp.armSuppressionLocked()
	sp.mu.Unlock()
}

// armSuppressionLocked opens the echo window: the editor reacting to a remote
// buffer swap will call Edit within it, and that edit must not go back out.
func (sp *Scratchpad) armSuppressionLocked() {
	sp.suppressed = true
	if sp.suppressTimer != nil {
		sp.suppressTimer.Stop()
	}
	sp.suppressTimer = time.AfterFunc(sp.EchoWindow, func() {
		sp.mu.Lock()
		sp.suppressed = false
		sp.mu.Unlock()
	})
}

func (sp *Scratchpad) onRemoteCursor(ev Event) {
	if ev.User == nil {
		return
	}
	var cur protocol.ScratchpadCursor
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &cur); err != nil {
		return
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	id := ev.User.ID
	if e, ok := sp.carets[id]; ok {
		e.caret = RemoteCaret{User: *ev.User, Line: cur.Line, Column: cur.Column}
		e.timer.Reset(sp.CursorTTL)
		return
	}
	e := &caretEntry{caret: RemoteCaret{User: *ev.User, Line: cur.Line, Column: cur.Column}}
	e.timer = time.AfterFunc(sp.CursorTTL, func() {
		sp.mu.Lock()
		delete(sp.carets, id)
		sp.mu.Unlock()
	})
	sp.carets[id] = e
}

func (sp *Scratchpad) onSaveComplete(ev Event) {
	var result protocol.SaveResult
	if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &result); err != nil {
		return
	}
	if result.Success {
		sp.setStatus("Saved")
	} else {
		sp.logger.Warn("save failed", "error", result.Error)
		sp.setStatus("Save failed")
	}
}

func (sp *Scratchpad) onUserLeave(ev Event) {
	if ev.User == nil {
		return
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if e, ok := sp.carets[ev.User.ID]; ok {
		e.timer.Stop()
		delete(sp.carets, ev.User.ID)
	}
}
