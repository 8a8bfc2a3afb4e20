package pages

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ViewModel is the page navigation state machine. It consumes user intents
// and remote invalidation notices and maintains the single SelectedPage
// snapshot the view layer displays, for the lifetime of the session.
//
// The machine is single-threaded: all transitions happen on the Run loop,
// remote I/O included, so a transition that fails simply leaves the
// previous snapshot displayed and the scan state untouched.
type ViewModel struct {
	repo *Repo

	events    chan MetaEvent
	touchesIn chan DrawPoint

	states     chan SelectedPage
	touchesOut chan []UserStream
	errs       chan error

	// latest-current-page fans, one per internal consumer
	clearPages chan int
	touchPages chan int
	lastPushed int
}

func NewViewModel(repo *Repo) *ViewModel {
	return &ViewModel{
		repo:       repo,
		events:     make(chan MetaEvent, 16),
		touchesIn:  make(chan DrawPoint, 64),
		states:     make(chan SelectedPage, 16),
		touchesOut: make(chan []UserStream, 4),
		errs:       make(chan error, 8),
		clearPages: make(chan int, 4),
		touchPages: make(chan int, 4),
	}
}

// Events receives navigation intents from the UI.
func (vm *ViewModel) Events() chan<- MetaEvent { return vm.events }

// TouchesIn receives the local user's stroke points.
func (vm *ViewModel) TouchesIn() chan<- DrawPoint { return vm.touchesIn }

// States emits every accepted SelectedPage snapshot.
func (vm *ViewModel) States() <-chan SelectedPage { return vm.states }

// TouchesOut emits, per active page, the set of live per-user stroke
// streams to render alongside the snapshot content.
func (vm *ViewModel) TouchesOut() <-chan []UserStream { return vm.touchesOut }

// Errs surfaces precondition and remote-store errors. The machine stays on
// its previous state after any of them.
func (vm *ViewModel) Errs() <-chan error { return vm.errs }

// Run drives the machine until ctx ends. It blocks waiting for the first
// CurrentPage event, whose aspect ratio seeds first-page creation if this
// client turns out to be the very first one anywhere.
func (vm *ViewModel) Run(ctx context.Context) {
	fallbackAR, ok := vm.awaitFallbackAR(ctx)
	if !ok {
		return
	}

	maxPage, err := vm.repo.OpenMaxPage(ctx, fallbackAR)
	if err != nil {
		vm.fail(err)
		return
	}
	maxC, cancelMax, err := maxPage.Subscribe()
	if err != nil {
		vm.fail(err)
		return
	}
	defer cancelMax()

	dbCleared := vm.repo.WatchPageCleared(ctx, vm.clearPages)
	remote := vm.repo.AddTouchStream(ctx, vm.touchesIn, vm.touchPages)
	go vm.forwardTouches(ctx, remote)

	// scan state; <-maxC primes it since Subscribe replays the resolved max
	var state SelectedPage
	initialized := false

	for {
		select {
		case <-ctx.Done():
			return

		case max := <-maxC:
			// a confirmed new max re-lands the machine on the
			// clamped most-recent page, the allocator stream being
			// the one source of truth for page creation
			next, err := vm.landOnMostRecent(ctx, max)
			if err != nil {
				vm.fail(err)
				if !initialized {
					return
				}
				continue
			}
			state = next
			initialized = true
			vm.emit(ctx, state)

		case page := <-dbCleared:
			if !initialized {
				continue
			}
			state = vm.apply(ctx, DbClearPage{Page: page}, state, maxPage)

		case ev := <-vm.events:
			if !initialized {
				log.Printf("[pages] dropping pre-init event %T", ev)
				continue
			}
			state = vm.apply(ctx, ev, state, maxPage)
		}
	}
}

func (vm *ViewModel) awaitFallbackAR(ctx context.Context) (float32, bool) {
	for {
		select {
		case <-ctx.Done():
			return 0, false
		case ev := <-vm.events:
			if cp, ok := ev.(CurrentPage); ok {
				return cp.AspectRatio, true
			}
			log.Printf("[pages] dropping pre-init event %T", ev)
		}
	}
}

func (vm *ViewModel) landOnMostRecent(ctx context.Context, max int) (SelectedPage, error) {
	recent, err := vm.repo.MostRecentPage(ctx, max)
	if err != nil {
		return SelectedPage{}, err
	}
	return vm.retrievePage(ctx, recent, max)
}

func (vm *ViewModel) retrievePage(ctx context.Context, page, total int) (SelectedPage, error) {
	content, ar, err := vm.repo.GetPage(ctx, page, true)
	if err != nil {
		return SelectedPage{}, err
	}
	return SelectedPage{Current: page, Total: total, Content: content, AspectRatio: ar}, nil
}

// apply runs one transition. Moot results update the scan state without
// emitting; failed transitions emit an error and return prev unchanged.
func (vm *ViewModel) apply(ctx context.Context, ev MetaEvent, prev SelectedPage, maxPage *MaxPage) SelectedPage {
	total := maxPage.Current()
	moot := SelectedPage{Current: prev.Current, Total: total, AspectRatio: prev.AspectRatio}

	var (
		next SelectedPage
		emit bool
		err  error
	)
	switch e := ev.(type) {
	case CyclePage:
		target := 1
		if prev.Current < total {
			target = prev.Current + 1
		}
		next, err = vm.retrievePage(ctx, target, total)
		emit = true

	case SelectPage:
		if e.Page > total || e.Page < 1 {
			err = fmt.Errorf("%w: select page %d of %d", ErrPrecondition, e.Page, total)
			break
		}
		next, err = vm.retrievePage(ctx, e.Page, total)
		emit = true

	case NewPage:
		// moot: the max-page stream drives the real update
		if _, err = maxPage.AddPage(ctx, e.AspectRatio); err == nil {
			next = moot
		}

	case CurrentPage:
		next, err = vm.retrievePage(ctx, prev.Current, total)
		emit = true

	case UiClearPage:
		if err = vm.repo.ClearPage(ctx, prev.Current); err == nil {
			next = moot // the cleared-watch echoes back as DbClearPage
		}

	case DbClearPage:
		if e.Page != prev.Current {
			next = moot
			break
		}
		// the clear wiped this user's registration along with everyone
		// else's; re-register before the re-fetch so strokes drawn after
		// the clear stay visible to readers of the participant list
		if err = vm.repo.registerParticipant(ctx, prev.Current); err != nil {
			break
		}
		next, err = vm.retrievePage(ctx, prev.Current, total)
		emit = true

	default:
		err = fmt.Errorf("%w: unknown event %T", ErrPrecondition, ev)
	}

	if err != nil {
		vm.fail(err)
		return prev
	}
	if emit {
		vm.emit(ctx, next)
	}
	return next
}

func (vm *ViewModel) emit(ctx context.Context, s SelectedPage) {
	select {
	case vm.states <- s:
	case <-ctx.Done():
		return
	}
	vm.pushPage(ctx, s.Current)
}

// pushPage feeds the active page number to the cleared-watch and the touch
// synchronizer. Distinct pages only — a re-fetch of the same page must not
// tear down and reopen every stroke watch — conflated so neither fan can
// stall the machine.
func (vm *ViewModel) pushPage(ctx context.Context, page int) {
	if page == vm.lastPushed {
		return
	}
	vm.lastPushed = page
	for _, ch := range []chan int{vm.clearPages, vm.touchPages} {
		select {
		case ch <- page:
		case <-ctx.Done():
			return
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- page:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (vm *ViewModel) forwardTouches(ctx context.Context, remote <-chan []UserStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case streams, open := <-remote:
			if !open {
				return
			}
			select {
			case vm.touchesOut <- streams:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (vm *ViewModel) fail(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("[pages] state transition failed: %v", err)
	select {
	case vm.errs <- err:
	default:
	}
}
