package ui

import (
	"hash/fnv"
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/driver/desktop"
	"fyne.io/fyne/v2/widget"

	"qenboard/internal/pages"
)

// PageCanvas renders the displayed page: the committed snapshot content plus
// every participant's live stroke feed. Local drawing is echoed directly and
// reported through OnPoint, normalized to the canvas width so every board
// sees the same geometry regardless of window size.
type PageCanvas struct {
	widget.BaseWidget

	mu        sync.RWMutex
	committed []pages.UserStrokes
	live      map[string][]pages.DrawPoint
	liveOrder []string
	gen       int
	ratio     float32
	drawing   bool

	localUser string
	OnPoint   func(pages.DrawPoint)
}

var _ fyne.Widget = (*PageCanvas)(nil)
var _ fyne.Draggable = (*PageCanvas)(nil)
var _ desktop.Mouseable = (*PageCanvas)(nil)

func NewPageCanvas(localUser string) *PageCanvas {
	c := &PageCanvas{
		localUser: localUser,
		live:      make(map[string][]pages.DrawPoint),
		ratio:     1.0,
	}
	c.ExtendBaseWidget(c)
	return c
}

// SetPage swaps in a fresh snapshot, discarding live strokes from the
// previous page generation. Call from the Fyne goroutine.
func (c *PageCanvas) SetPage(snap pages.SelectedPage) {
	c.mu.Lock()
	c.committed = snap.Content
	c.live = make(map[string][]pages.DrawPoint)
	c.liveOrder = nil
	c.gen++
	if snap.AspectRatio > 0 {
		c.ratio = snap.AspectRatio
	}
	c.mu.Unlock()
	c.Refresh()
}

// AttachStreams consumes the live feeds for the active page. The local
// user's own feed is skipped; local drawing is already echoed on input, and
// rendering the round-tripped copy would double every stroke.
func (c *PageCanvas) AttachStreams(streams []pages.UserStream) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	for _, s := range streams {
		if s.UserID == c.localUser {
			go drain(s.Points)
			continue
		}
		go c.pumpStream(s, gen)
	}
}

func drain(points <-chan pages.DrawPoint) {
	for range points {
	}
}

func (c *PageCanvas) pumpStream(s pages.UserStream, gen int) {
	for pt := range s.Points {
		if !c.appendLive(s.UserID, pt, gen) {
			go drain(s.Points)
			return
		}
		fyne.Do(c.Refresh)
	}
}

// appendLive adds a point if the stream's page generation is still the one
// on screen.
func (c *PageCanvas) appendLive(uid string, pt pages.DrawPoint, gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if _, ok := c.live[uid]; !ok {
		c.liveOrder = append(c.liveOrder, uid)
	}
	c.live[uid] = append(c.live[uid], pt)
	return true
}

func (c *PageCanvas) MouseDown(e *desktop.MouseEvent) {
	if e.Button != desktop.MouseButtonPrimary {
		return
	}
	c.drawing = true
	c.localPoint(e.Position, pages.TouchDown)
}

func (c *PageCanvas) MouseUp(e *desktop.MouseEvent) {
	if e.Button != desktop.MouseButtonPrimary || !c.drawing {
		return
	}
	c.drawing = false
	c.localPoint(e.Position, pages.TouchUp)
}

func (c *PageCanvas) Dragged(e *fyne.DragEvent) {
	if !c.drawing {
		return
	}
	c.localPoint(e.Position, pages.TouchMove)
}

func (c *PageCanvas) localPoint(pos fyne.Position, t pages.TouchEventType) {
	w := c.Size().Width
	if w <= 0 {
		return
	}
	pt := pages.DrawPoint{X: pos.X / w, Y: pos.Y / w, Type: t}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.appendLive(c.localUser, pt, gen)
	c.Refresh()
	if c.OnPoint != nil {
		c.OnPoint(pt)
	}
}

func (c *PageCanvas) MouseIn(*desktop.MouseEvent)    {}
func (c *PageCanvas) MouseOut()                      {}
func (c *PageCanvas) MouseMoved(*desktop.MouseEvent) {}
func (c *PageCanvas) DragEnd()                       {}

func (c *PageCanvas) CreateRenderer() fyne.WidgetRenderer {
	r := &pageCanvasRenderer{board: c}
	r.background = canvas.NewRectangle(color.White)
	return r
}

type pageCanvasRenderer struct {
	board      *PageCanvas
	background *canvas.Rectangle
}

func (r *pageCanvasRenderer) Objects() []fyne.CanvasObject {
	b := r.board
	b.mu.RLock()
	defer b.mu.RUnlock()

	scale := b.Size().Width
	objects := []fyne.CanvasObject{r.background}
	for _, user := range b.committed {
		objects = appendSegments(objects, user.Points, scale, colorFor(user.UserID, b.localUser))
	}
	for _, uid := range b.liveOrder {
		objects = appendSegments(objects, b.live[uid], scale, colorFor(uid, b.localUser))
	}
	return objects
}

// appendSegments connects consecutive points of one user, lifting the pen
// across stroke boundaries.
func appendSegments(objects []fyne.CanvasObject, points []pages.DrawPoint, scale float32, col color.Color) []fyne.CanvasObject {
	for i := 1; i < len(points); i++ {
		if points[i].Type == pages.TouchDown || points[i-1].Type == pages.TouchUp {
			continue
		}
		seg := canvas.NewLine(col)
		seg.StrokeWidth = 2
		seg.Position1 = fyne.NewPos(points[i-1].X*scale, points[i-1].Y*scale)
		seg.Position2 = fyne.NewPos(points[i].X*scale, points[i].Y*scale)
		objects = append(objects, seg)
	}
	return objects
}

var remotePalette = []color.Color{
	color.NRGBA{R: 200, A: 255},
	color.NRGBA{B: 200, A: 255},
	color.NRGBA{G: 150, A: 255},
	color.NRGBA{R: 180, B: 180, A: 255},
	color.NRGBA{R: 200, G: 120, A: 255},
}

// colorFor picks a stable color per participant; the local user draws black.
func colorFor(uid, localUser string) color.Color {
	if uid == localUser {
		return color.Black
	}
	h := fnv.New32a()
	h.Write([]byte(uid))
	return remotePalette[h.Sum32()%uint32(len(remotePalette))]
}

func (r *pageCanvasRenderer) Refresh()              { canvas.Refresh(r.board) }
func (r *pageCanvasRenderer) Destroy()              {}
func (r *pageCanvasRenderer) Layout(size fyne.Size) { r.background.Resize(size) }
func (r *pageCanvasRenderer) MinSize() fyne.Size    { return fyne.NewSize(480, 300) }
