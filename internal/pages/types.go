// Package pages is the page-coordination and touch-stream synchronization
// engine: it allocates page numbers under concurrent writers, fans each
// user's stroke stream out to the store and everyone else's back in, and
// runs the navigation state machine that turns the remote feed into the one
// "currently displayed page" the view layer renders.
package pages

import "fmt"

// TouchEventType classifies one stroke point.
type TouchEventType string

const (
	TouchDown TouchEventType = "tDown"
	TouchMove TouchEventType = "tMove"
	TouchUp   TouchEventType = "tUp"
)

// DrawPoint is a single freehand stroke point, normalized to [0,1] relative
// to the canvas.
type DrawPoint struct {
	X    float32        `json:"x"`
	Y    float32        `json:"y"`
	Type TouchEventType `json:"type"`
}

// UserStrokes is one user's stroke history on a page, in store key order.
// Points of different users interleave with no defined cross-user order.
type UserStrokes struct {
	UserID string
	Points []DrawPoint
}

// UserStream is one participant's live stroke feed for the active page.
// The channel closes when the active page changes.
type UserStream struct {
	UserID string
	Points <-chan DrawPoint
}

// SelectedPage is the view-layer snapshot of the currently displayed page.
// Current is always <= Total once Total is known. A moot SelectedPage
// carries page numbers but no content; the live streams deliver the rest.
type SelectedPage struct {
	Current     int
	Total       int
	Content     []UserStrokes
	AspectRatio float32
}

func (p SelectedPage) String() string {
	return fmt.Sprintf("page %d/%d (%d users, AR %.3f)", p.Current, p.Total, len(p.Content), p.AspectRatio)
}

// MetaEvent is a navigation intent, either from the local UI or from a
// remote invalidation notice.
type MetaEvent interface{ isMetaEvent() }

// CyclePage advances to the next page, wrapping past the last back to 1.
type CyclePage struct{}

// SelectPage jumps straight to a page. Selecting past the known max is a
// caller bug and surfaces as ErrPrecondition.
type SelectPage struct{ Page int }

// NewPage allocates the next page number with the given aspect ratio.
type NewPage struct{ AspectRatio float32 }

// CurrentPage re-fetches the displayed page. The first CurrentPage of a
// session also supplies the fallback aspect ratio used if the very first
// page has to be created.
type CurrentPage struct{ AspectRatio float32 }

// UiClearPage wipes the displayed page's strokes and participants.
type UiClearPage struct{}

// DbClearPage reports that some client emptied a page's participant list.
// Only relevant when it names the displayed page.
type DbClearPage struct{ Page int }

func (CyclePage) isMetaEvent()   {}
func (SelectPage) isMetaEvent()  {}
func (NewPage) isMetaEvent()     {}
func (CurrentPage) isMetaEvent() {}
func (UiClearPage) isMetaEvent() {}
func (DbClearPage) isMetaEvent() {}
