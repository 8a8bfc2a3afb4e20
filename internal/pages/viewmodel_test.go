package pages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qenboard/internal/store"
)

// seedOccupiedPage creates a page with a registered participant. An empty
// participant list reads as "cleared" the moment the machine lands on it and
// triggers a legitimate extra re-fetch, so tests that assert on the exact
// state sequence keep their pages occupied.
func seedOccupiedPage(t *testing.T, st store.Store, page int, ar float64) {
	t.Helper()
	seedPage(t, st, page, ar)
	require.NoError(t, st.Write(testCtx(t), uidsPath(page)+"/resident", true))
}

// startVM seeds nothing itself: the caller prepares the tree so the machine
// resolves without the first-page courtesy wait. The landing state is
// consumed and returned.
func startVM(t *testing.T, st *store.MemStore, userID string) (*ViewModel, SelectedPage) {
	t.Helper()
	ctx := testCtx(t)
	vm := NewViewModel(NewRepo(st, userID))
	go vm.Run(ctx)

	vm.Events() <- CurrentPage{AspectRatio: 1.6}
	landing := recv(t, vm.States())
	return vm, landing
}

func TestViewModelLandsOnMostRecent(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore()
	seedOccupiedPage(t, st, 1, 1.6)
	seedOccupiedPage(t, st, 2, 2.0)
	require.NoError(t, st.Write(testCtx(t), mostRecentKey, 2))

	_, landing := startVM(t, st, "alice")
	require.Equal(t, 2, landing.Current)
	require.Equal(t, 2, landing.Total)
	require.Equal(t, float32(2.0), landing.AspectRatio)
}

func TestViewModelCycleWrapsAround(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore()
	for page := 1; page <= 3; page++ {
		seedOccupiedPage(t, st, page, 1.6)
	}

	vm, landing := startVM(t, st, "alice")
	require.Equal(t, 1, landing.Current)

	vm.Events() <- CyclePage{}
	require.Equal(t, 2, recv(t, vm.States()).Current)
	vm.Events() <- CyclePage{}
	require.Equal(t, 3, recv(t, vm.States()).Current)
	vm.Events() <- CyclePage{}
	require.Equal(t, 1, recv(t, vm.States()).Current, "cycling past the last page wraps to 1")
}

func TestViewModelSelectPage(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore()
	seedOccupiedPage(t, st, 1, 1.6)
	seedPage(t, st, 2, 1.6)
	writePoints(t, st, 2, "bob", 3)

	vm, _ := startVM(t, st, "alice")

	vm.Events() <- SelectPage{Page: 2}
	state := recv(t, vm.States())
	require.Equal(t, 2, state.Current)
	require.Len(t, state.Content, 1)
	require.Len(t, state.Content[0].Points, 3)
}

func TestViewModelSelectBeyondMaxFails(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore()
	seedOccupiedPage(t, st, 1, 1.6)

	vm, _ := startVM(t, st, "alice")

	vm.Events() <- SelectPage{Page: 5}
	require.ErrorIs(t, recv(t, vm.Errs()), ErrPrecondition)

	// the machine stays put: the next accepted event still sees page 1
	vm.Events() <- CurrentPage{AspectRatio: 1.6}
	require.Equal(t, 1, recv(t, vm.States()).Current)
}

func TestViewModelNewPageLandsViaMaxStream(t *testing.T) {
	t.Parallel()
	st := store.NewMemStore()
	seedOccupiedPage(t, st, 1, 1.6)

	vm, _ := startVM(t, st, "alice")

	vm.Events() <- NewPage{AspectRatio: 1.25}
	state := recv(t, vm.States())
	require.Equal(t, 2, state.Current, "the confirmed max re-lands the machine on the new page")
	require.Equal(t, 2, state.Total)
	require.Equal(t, float32(1.25), state.AspectRatio)
}

func TestViewModelRemoteNewPageRelandsOnMostRecent(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedOccupiedPage(t, st, 1, 1.6)

	vm, _ := startVM(t, st, "alice")

	// somebody else allocates a page, which also moves the most-recent
	// marker; the confirmed max re-lands this machine there
	require.NoError(t, NewRepo(st, "bob").AddNewPage(ctx, 2, 1.6))
	state := recv(t, vm.States())
	require.Equal(t, 2, state.Total)
	require.Equal(t, 2, state.Current)
}

func TestViewModelClearPageRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)
	writePoints(t, st, 1, "bob", 4)

	vm, landing := startVM(t, st, "alice")
	require.Len(t, landing.Content, 1)

	// landing also registers alice asynchronously; wait for it so the clear
	// below races nothing
	require.Eventually(t, func() bool {
		v, err := st.ReadOnce(ctx, uidsPath(1)+"/alice")
		return err == nil && v != nil
	}, 5*time.Second, 10*time.Millisecond)

	vm.Events() <- UiClearPage{}

	// the clear is moot locally; the cleared-watch echo drives the refresh,
	// which also re-registers this user so post-clear strokes stay visible
	state := recv(t, vm.States())
	require.Equal(t, 1, state.Current)
	require.Len(t, state.Content, 1)
	require.Equal(t, "alice", state.Content[0].UserID)
	require.Empty(t, state.Content[0].Points)

	v, err := st.ReadOnce(ctx, uidsPath(1))
	require.NoError(t, err)
	require.Equal(t, map[string]store.Value{"alice": true}, v)
}

func TestViewModelRemoteClearOfInactivePageIsMoot(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedOccupiedPage(t, st, 1, 1.6)
	seedPage(t, st, 2, 1.6)
	writePoints(t, st, 2, "bob", 4)

	vm, landing := startVM(t, st, "alice")
	require.Equal(t, 1, landing.Current)

	// bob clears page 2; we are on page 1, so no clear-driven state may
	// arrive, only the explicit re-fetch
	require.NoError(t, NewRepo(st, "bob").ClearPage(ctx, 2))

	vm.Events() <- CurrentPage{AspectRatio: 1.6}
	state := recv(t, vm.States())
	require.Equal(t, 1, state.Current)
}
