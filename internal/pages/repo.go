package pages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"qenboard/internal/store"
)

// Store path layout. Kept stable so clients of different versions share one
// tree: pages/{n}/AR, pages/{n}/UIDs/{uid}, touch history/{n}-{uid}/{push},
// most recent.
const (
	pagesKey      = "pages"
	historyKey    = "touch history"
	mostRecentKey = "most recent"
	arKey         = "AR"
	uidsKey       = "UIDs"
)

// ErrPrecondition marks caller bugs: an operation invoked before its
// prerequisites or with an out-of-range argument. Fatal, never retried.
var ErrPrecondition = errors.New("pages: precondition violated")

// ErrNoAspectRatio is returned when a page's aspect-ratio attribute is
// absent, meaning the page was never created through the allocator or
// lifecycle. A caller asking for such a page is in an invalid state.
var ErrNoAspectRatio = errors.New("pages: page has no aspect ratio")

// Repo binds the engine to one user's view of the remote tree.
type Repo struct {
	st     store.Store
	userID string
}

func NewRepo(st store.Store, userID string) *Repo {
	return &Repo{st: st, userID: userID}
}

func (r *Repo) UserID() string { return r.userID }

func pagePath(page int) string   { return fmt.Sprintf("%s/%d", pagesKey, page) }
func arPath(page int) string     { return fmt.Sprintf("%s/%d/%s", pagesKey, page, arKey) }
func uidsPath(page int) string   { return fmt.Sprintf("%s/%d/%s", pagesKey, page, uidsKey) }
func pageUID(page int, uid string) string { return fmt.Sprintf("%d-%s", page, uid) }
func historyPath(page int, uid string) string {
	return historyKey + "/" + pageUID(page, uid)
}

func encodePoint(p DrawPoint) store.Value {
	return map[string]store.Value{
		"x":    float64(p.X),
		"y":    float64(p.Y),
		"type": string(p.Type),
	}
}

func decodePoint(v store.Value) (DrawPoint, error) {
	m, ok := v.(map[string]store.Value)
	if !ok {
		return DrawPoint{}, fmt.Errorf("pages: malformed stroke point %v", v)
	}
	x, xOK := m["x"].(float64)
	y, yOK := m["y"].(float64)
	typ, tOK := m["type"].(string)
	if !xOK || !yOK || !tOK {
		return DrawPoint{}, fmt.Errorf("pages: malformed stroke point %v", v)
	}
	return DrawPoint{X: float32(x), Y: float32(y), Type: TouchEventType(typ)}, nil
}

func decodeAR(v store.Value) (float32, bool) {
	f, ok := v.(float64)
	return float32(f), ok
}

// AddNewPage writes a specific page's aspect ratio and then moves the
// most-recent marker there. The caller supplies the number, so this is for
// writers that already know it; allocating the NEXT number under concurrent
// clients goes through MaxPage.AddPage, which serializes via a transaction.
// The marker write is best effort: a fresh app start lands on a slightly
// stale page at worst, so its failure is logged, not returned.
func (r *Repo) AddNewPage(ctx context.Context, page int, ar float32) error {
	err := r.st.Write(ctx, pagePath(page), map[string]store.Value{arKey: float64(ar)})
	if err != nil {
		return fmt.Errorf("pages: add page %d: %w", page, err)
	}
	if err := r.setMostRecent(ctx, page); err != nil {
		log.Printf("[pages] failed to move most-recent marker to %d: %v", page, err)
	}
	return nil
}

func (r *Repo) setMostRecent(ctx context.Context, page int) error {
	return r.st.Write(ctx, mostRecentKey, float64(page))
}

// MostRecentPage resolves the landing page for a fresh start: the last page
// any client navigated to, clamped to the current max (the marker may lag
// or lead the truth; it is only a hint).
func (r *Repo) MostRecentPage(ctx context.Context, maxPage int) (int, error) {
	v, err := r.st.ReadOnce(ctx, mostRecentKey)
	if err != nil {
		return 0, err
	}
	recent := 1
	if f, ok := v.(float64); ok {
		recent = int(f)
	}
	if recent > maxPage {
		recent = maxPage
	}
	if recent < 1 {
		recent = 1
	}
	return recent, nil
}

// PageNumbers lists every existing page number in ascending order. Children
// of the pages node that do not parse as page numbers (the empty-collection
// sentinel) are skipped.
func (r *Repo) PageNumbers(ctx context.Context) ([]int, error) {
	v, err := r.st.ReadOnce(ctx, pagesKey)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, k := range store.SortedChildKeys(v) {
		if n, err := strconv.Atoi(k); err == nil {
			nums = append(nums, n)
		}
	}
	return nums, nil
}

// participants lists the page's user IDs in store order, moved around so the
// local user comes first when present.
func (r *Repo) participants(ctx context.Context, page int) ([]string, error) {
	v, err := r.st.ReadOnce(ctx, uidsPath(page))
	if err != nil {
		return nil, err
	}
	keys := store.SortedChildKeys(v)
	for i, k := range keys {
		if k == r.userID && i != 0 {
			copy(keys[1:i+1], keys[:i])
			keys[0] = k
			break
		}
	}
	return keys, nil
}

func (r *Repo) registerParticipant(ctx context.Context, page int) error {
	return r.st.Write(ctx, uidsPath(page)+"/"+r.userID, true)
}

// GetPage is a point-in-time read of a page's per-user stroke lists and its
// aspect ratio. With fetchContents false no stroke-history read is issued at
// all. A page without an aspect ratio was never created; that is a caller
// error, not an empty result.
func (r *Repo) GetPage(ctx context.Context, page int, fetchContents bool) ([]UserStrokes, float32, error) {
	arVal, err := r.st.ReadOnce(ctx, arPath(page))
	if err != nil {
		return nil, 0, err
	}
	ar, ok := decodeAR(arVal)
	if !ok {
		return nil, 0, fmt.Errorf("%w: page %d", ErrNoAspectRatio, page)
	}
	if !fetchContents {
		return []UserStrokes{}, ar, nil
	}

	users, err := r.participants(ctx, page)
	if err != nil {
		return nil, 0, err
	}
	content := make([]UserStrokes, 0, len(users))
	for _, uid := range users {
		hist, err := r.st.ReadOnce(ctx, historyPath(page, uid))
		if err != nil {
			return nil, 0, err
		}
		us := UserStrokes{UserID: uid}
		m, _ := hist.(map[string]store.Value)
		for _, key := range store.SortedChildKeys(hist) {
			pt, err := decodePoint(m[key])
			if err != nil {
				return nil, 0, err
			}
			us.Points = append(us.Points, pt)
		}
		// a participant whose history was wiped by a half-finished
		// clear still renders, just empty
		content = append(content, us)
	}
	return content, ar, nil
}

// ClearPage deletes every participant's stroke history for the page and then
// the participant list itself. The store has no cross-key transactions, so a
// crash between the deletes leaves either stale participants with no strokes
// or the reverse; readers tolerate both and the next clear converges.
func (r *Repo) ClearPage(ctx context.Context, page int) error {
	users, err := r.participants(ctx, page)
	if err != nil {
		return err
	}
	log.Printf("[pages] clearing page %d for %d participant(s)", page, len(users))
	for _, uid := range users {
		if err := r.st.Delete(ctx, historyPath(page, uid)); err != nil {
			return fmt.Errorf("pages: clear page %d history of %s: %w", page, uid, err)
		}
	}
	if err := r.st.Delete(ctx, uidsPath(page)); err != nil {
		return fmt.Errorf("pages: clear page %d participants: %w", page, err)
	}
	return nil
}

// WatchPageCleared follows the latest value of pageC and emits that page's
// number whenever its participant list becomes empty, i.e. some client
// cleared the page out from under us. Switching pages tears the previous
// page's watch down before the next one starts.
func (r *Repo) WatchPageCleared(ctx context.Context, pageC <-chan int) <-chan int {
	out := make(chan int)
	go func() {
		defer close(out)
		var (
			watchCancel store.CancelFunc
			watchC      <-chan store.Value
			current     int
		)
		defer func() {
			if watchCancel != nil {
				watchCancel()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case page, open := <-pageC:
				if !open {
					return
				}
				if watchCancel != nil {
					watchCancel()
				}
				c, cancel, err := r.st.WatchValue(ctx, uidsPath(page))
				if err != nil {
					log.Printf("[pages] cleared-watch on page %d: %v", page, err)
					watchC, watchCancel = nil, nil
					continue
				}
				// no snapshot skip: landing on a page whose
				// participant list is already empty counts as
				// cleared, same as the reference behavior
				watchC, watchCancel, current = c, cancel, page
			case v, open := <-watchC:
				if !open {
					watchC = nil
					continue
				}
				if v == nil {
					select {
					case out <- current:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
