package pages

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"qenboard/internal/store"
)

// courtesyTimeout is how long a client that claimed first-page creation
// rights waits for somebody else's page 1 before pushing its own. A normal
// control-flow branch, not an error.
const courtesyTimeout = 3 * time.Second

// MaxPage is the live handle to the highest allocated page number. It is
// created by Repo.OpenMaxPage, which resolves the very-first-page race, so
// holding one proves the allocator is initialized; thread it explicitly to
// whatever needs the max or wants to allocate the next page.
//
// One remote subscription backs all Subscribe calls; it starts with the
// first subscriber and stops when the last detaches. Values are monotonic
// and deduplicated: each distinct max is delivered at most once per
// subscriber, and a slow subscriber is conflated forward to the latest.
type MaxPage struct {
	repo *Repo
	ctx  context.Context

	mu      sync.Mutex
	current int
	subs    map[int]chan int
	nextSub int
	stop    store.CancelFunc
}

// OpenMaxPage initializes page allocation for this session. If no page
// exists anywhere it creates page 1 with fallbackAR, losing gracefully to
// any concurrent client doing the same; if pages exist it just resolves the
// maximum. Remote-store failures propagate; there is no retry here.
func (r *Repo) OpenMaxPage(ctx context.Context, fallbackAR float32) (*MaxPage, error) {
	first, err := r.awaitMaxPageAndSetIfAbsent(ctx, fallbackAR)
	if err != nil {
		return nil, err
	}
	log.Printf("[pages] max page resolved to %d", first)
	return &MaxPage{
		repo:    r,
		ctx:     ctx,
		current: first,
		subs:    make(map[int]chan int),
	}, nil
}

// awaitMaxPageAndSetIfAbsent is the first-page race resolution primitive.
// It claims creation rights by swapping a sentinel placeholder into the
// empty pages collection; the claim winner (and anyone who finds only the
// placeholder) then races a child-added watch against the courtesy timeout,
// creating page 1 itself only when nobody else does in time.
func (r *Repo) awaitMaxPageAndSetIfAbsent(ctx context.Context, fallbackAR float32) (int, error) {
	result, _, err := r.st.Transaction(ctx, pagesKey, func(v store.Value) (store.Value, bool) {
		if v == nil {
			return false, true // claim: falsy placeholder, no children
		}
		return nil, false
	})
	if err != nil {
		return 0, fmt.Errorf("pages: first-page transaction: %w", err)
	}
	if max, ok := maxChildKey(result); ok {
		return max, nil
	}
	return r.awaitFirstPage(ctx, fallbackAR)
}

func (r *Repo) awaitFirstPage(ctx context.Context, fallbackAR float32) (int, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, _, err := r.st.WatchChildAdded(watchCtx, pagesKey)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(courtesyTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return 0, ctx.Err()
			}
			if n, err := strconv.Atoi(ev.Key); err == nil {
				log.Printf("[pages] another client created page %d first", n)
				return n, nil
			}
		case <-timer.C:
			return r.createFirstPage(ctx, fallbackAR)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// createFirstPage swaps page 1 in over the placeholder. Done as a
// transaction so two timed-out claimants cannot both apply their side
// effect: the loser aborts and adopts whatever pages it finds.
func (r *Repo) createFirstPage(ctx context.Context, ar float32) (int, error) {
	result, committed, err := r.st.Transaction(ctx, pagesKey, func(v store.Value) (store.Value, bool) {
		if _, hasChildren := v.(map[string]store.Value); hasChildren {
			return nil, false
		}
		return map[string]store.Value{
			"1": map[string]store.Value{arKey: float64(ar)},
		}, true
	})
	if err != nil {
		return 0, fmt.Errorf("pages: create first page: %w", err)
	}
	if !committed {
		if max, ok := maxChildKey(result); ok {
			return max, nil
		}
		return 0, fmt.Errorf("pages: create first page: pages collection in unexpected state %v", result)
	}
	log.Printf("[pages] pushed first page (AR %.3f)", ar)
	if err := r.setMostRecent(ctx, 1); err != nil {
		log.Printf("[pages] failed to move most-recent marker to 1: %v", err)
	}
	return 1, nil
}

// maxChildKey returns the highest numeric child key of a pages snapshot.
// The placeholder sentinel (or an absent node) has no children and reports
// ok=false.
func maxChildKey(v store.Value) (int, bool) {
	max, found := 0, false
	m, _ := v.(map[string]store.Value)
	for key := range m {
		if n, err := strconv.Atoi(key); err == nil && n > max {
			max, found = n, true
		}
	}
	return max, found
}

// Current returns the latest known max page number.
func (m *MaxPage) Current() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AddPage allocates the next page number (max + 1) with the given aspect
// ratio and returns it. Allocation runs as a transaction on the pages
// collection so concurrent adds serialize: each committer sees the previous
// winner's page and claims the number after it, never skipping or repeating
// one. The handle's own max update arrives through the subscription once the
// store confirms the write.
func (m *MaxPage) AddPage(ctx context.Context, ar float32) (int, error) {
	if m.Current() == 0 {
		return 0, fmt.Errorf("%w: AddPage on an unresolved MaxPage handle", ErrPrecondition)
	}
	var allocated int
	_, committed, err := m.repo.st.Transaction(ctx, pagesKey, func(v store.Value) (store.Value, bool) {
		max, ok := maxChildKey(v)
		if !ok {
			return nil, false
		}
		allocated = max + 1
		cur, _ := v.(map[string]store.Value)
		next := make(map[string]store.Value, len(cur)+1)
		for k, c := range cur {
			next[k] = c
		}
		next[strconv.Itoa(allocated)] = map[string]store.Value{arKey: float64(ar)}
		return next, true
	})
	if err != nil {
		return 0, fmt.Errorf("pages: add page: %w", err)
	}
	if !committed {
		return 0, fmt.Errorf("%w: AddPage before any page exists", ErrPrecondition)
	}
	if err := m.repo.setMostRecent(ctx, allocated); err != nil {
		log.Printf("[pages] failed to move most-recent marker to %d: %v", allocated, err)
	}
	return allocated, nil
}

// Subscribe returns a channel that replays the current max immediately and
// then every distinct new max, conflated to the latest value. The returned
// cancel detaches the subscriber; the shared store watch stops with the
// last one. A store that refuses the watch fails the whole subscription,
// since a subscriber that can never hear about new pages is worse than an
// error.
func (m *MaxPage) Subscribe() (<-chan int, store.CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan int, 1)
	ch <- m.current
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	if len(m.subs) == 1 {
		if err := m.startWatchLocked(); err != nil {
			delete(m.subs, id)
			return nil, nil, fmt.Errorf("pages: max-page watch: %w", err)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			if len(m.subs) == 0 && m.stop != nil {
				m.stop()
				m.stop = nil
			}
		})
	}
	return ch, cancel, nil
}

func (m *MaxPage) startWatchLocked() error {
	values, stop, err := m.repo.st.WatchValue(m.ctx, pagesKey)
	if err != nil {
		return err
	}
	m.stop = stop
	go func() {
		for v := range values {
			max, ok := maxChildKey(v)
			if !ok {
				continue // placeholder or transient empty snapshot
			}
			m.mu.Lock()
			if max > m.current {
				m.current = max
				for _, ch := range m.subs {
					conflate(ch, max)
				}
			}
			m.mu.Unlock()
		}
	}()
	return nil
}

// conflate replaces a pending, not yet consumed value with the newer one so
// a stalled subscriber always wakes to the latest max.
func conflate(ch chan int, v int) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
