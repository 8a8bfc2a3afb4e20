package pages

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"qenboard/internal/store"
)

// watchSlack backdates the stream-open marker slightly so a stroke written
// just before the watch opened is not lost to clock skew between clients.
const watchSlack = 500 * time.Millisecond

// AddTouchStream multiplexes drawing between this user and everyone sharing
// the active page.
//
// Outbound: every point arriving on in is appended to the (page, user)
// history of the latest page seen on pageC, under a store-generated push
// key; activating a page also registers the local user as a participant and
// moves the most-recent marker.
//
// Inbound: for every distinct active page the full participant set is
// discovered and one live stroke watch is opened per participant, local
// user first, each starting at a freshly minted time marker so already
// rendered history is not replayed. The per-user channels for a page all
// close when the active page changes; a page with no participants yet
// yields an empty slice, since the caller renders self-drawing directly.
//
// Points within one user's stream arrive in store key order. Ordering
// ACROSS users sharing a page is unspecified: there is no global clock, and
// consumers must not assume one.
func (r *Repo) AddTouchStream(ctx context.Context, in <-chan DrawPoint, pageC <-chan int) <-chan []UserStream {
	out := make(chan []UserStream)
	var activePage atomic.Int64

	// outbound half: latest-page semantics, never blocked by page churn
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pt, open := <-in:
				if !open {
					return
				}
				page := int(activePage.Load())
				if page == 0 {
					continue // no active page yet, nowhere to put it
				}
				path := historyPath(page, r.userID) + "/" + r.st.PushKey()
				if err := r.st.Write(ctx, path, encodePoint(pt)); err != nil {
					log.Printf("[pages] dropped stroke point on page %d: %v", page, err)
				}
			}
		}
	}()

	// inbound half: one fan-out generation per active page
	go func() {
		defer close(out)
		var cancelPage context.CancelFunc
		defer func() {
			if cancelPage != nil {
				cancelPage()
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
				activePage.Store(int64(page))
				if cancelPage != nil {
					cancelPage()
				}
				var pageCtx context.Context
				pageCtx, cancelPage = context.WithCancel(ctx)

				streams, err := r.openPageStreams(pageCtx, page)
				if err != nil {
					log.Printf("[pages] fan-in for page %d: %v", page, err)
					continue
				}
				select {
				case out <- streams:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// openPageStreams registers the local user on the page and opens one
// filtered history watch per pre-existing participant, local user first.
func (r *Repo) openPageStreams(pageCtx context.Context, page int) ([]UserStream, error) {
	users, err := r.participants(pageCtx, page)
	if err != nil {
		return nil, err
	}
	if err := r.setMostRecent(pageCtx, page); err != nil {
		log.Printf("[pages] failed to move most-recent marker to %d: %v", page, err)
	}
	if err := r.registerParticipant(pageCtx, page); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		// first one here: nothing to listen to, and no self-watch —
		// the caller echoes local drawing without a round-trip
		return []UserStream{}, nil
	}

	marker := store.EncodePushTime(time.Now().Add(-watchSlack).UnixMilli())
	streams := make([]UserStream, 0, len(users))
	for _, uid := range users {
		points := make(chan DrawPoint, 64)
		streams = append(streams, UserStream{UserID: uid, Points: points})
		go r.pumpUserStrokes(pageCtx, page, uid, marker, points)
	}
	return streams, nil
}

// pumpUserStrokes forwards one participant's new stroke points until the
// page generation is cancelled. Forwarding stops at cancellation even if
// the store has not physically torn the watch down yet.
func (r *Repo) pumpUserStrokes(pageCtx context.Context, page int, uid, marker string, points chan<- DrawPoint) {
	defer close(points)
	events, cancel, err := r.st.WatchChildAdded(pageCtx, historyPath(page, uid))
	if err != nil {
		log.Printf("[pages] stroke watch for %s on page %d: %v", uid, page, err)
		return
	}
	defer cancel()
	for {
		select {
		case <-pageCtx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if len(ev.Key) < store.PushKeyTimePrefixLen || ev.Key[:store.PushKeyTimePrefixLen] <= marker {
				continue // history from before the stream opened
			}
			pt, err := decodePoint(ev.Value)
			if err != nil {
				log.Printf("[pages] skipping %v", err)
				continue
			}
			select {
			case points <- pt:
			case <-pageCtx.Done():
				return
			}
		}
	}
}
