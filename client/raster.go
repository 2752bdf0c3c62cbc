package client

import (
	"image"

	"github.com/fogleman/gg"

	"driftboard/internal/protocol"
)

// defaultBackground is the board surface color. The eraser paints with it, so
// erased pixels are indistinguishable from untouched ones.
const defaultBackground = "#1e293b"

// Raster renders the stroke log onto an in-memory image. It performs no
// synchronization; Canvas serializes access.
type Raster struct {
	dc         *gg.Context
	width      int
	height     int
	background string
}

func NewRaster(width, height int) *Raster {
	r := &Raster{
		dc:         gg.NewContext(width, height),
		width:      width,
		height:     height,
		background: defaultBackground,
	}
	r.Clear()
	return r
}

// Clear fills the surface with the background color.
func (r *Raster) Clear() {
	r.dc.SetHexColor(r.background)
	r.dc.Clear()
}

// DrawStroke renders a full stroke.
func (r *Raster) DrawStroke(s protocol.Stroke) {
	r.DrawStrokeFrom(s, 0)
}

// DrawStrokeFrom renders the stroke's segments starting at the given point
// index. During live drawing only the newest segment is painted, so the frame
// cost stays flat no matter how long the stroke gets.
func (r *Raster) DrawStrokeFrom(s protocol.Stroke, start int) {
	if len(s.Points) < 2 {
		return
	}
	if start < 0 {
		start = 0
	}
	if start > len(s.Points)-2 {
		start = len(s.Points) - 2
	}

	if s.Tool == protocol.ToolEraser {
		r.dc.SetHexColor(r.background)
	} else {
		r.dc.SetHexColor(s.Color)
	}
	r.dc.SetLineWidth(s.Size)
	r.dc.SetLineCap(gg.LineCapRound)
	r.dc.SetLineJoin(gg.LineJoinRound)

	r.dc.MoveTo(s.Points[start].X, s.Points[start].Y)
	for _, p := range s.Points[start+1:] {
		r.dc.LineTo(p.X, p.Y)
	}
	r.dc.Stroke()
}

// Replay clears the surface and re-renders the whole log in order. Because
// strokes are append-only and draw order matches log order, replaying a
// snapshot yields the same pixels as applying each stroke as it arrived.
func (r *Raster) Replay(strokes []protocol.Stroke) {
	r.Clear()
	for _, s := range strokes {
		r.DrawStroke(s)
	}
}

// Image returns the backing image. The caller must not draw concurrently
// while reading it.
func (r *Raster) Image() image.Image {
	return r.dc.Image()
}

// Size returns the surface dimensions in pixels.
func (r *Raster) Size() (int, int) {
	return r.width, r.height
}
