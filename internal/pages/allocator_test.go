package pages

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qenboard/internal/store"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, open := <-ch:
		require.True(t, open, "channel closed while a value was expected")
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for channel value")
		panic("unreachable")
	}
}

func seedPage(t *testing.T, st store.Store, page int, ar float64) {
	t.Helper()
	require.NoError(t, st.Write(testCtx(t), pagePath(page), map[string]store.Value{arKey: ar}))
}

func TestOpenMaxPageExistingPages(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)
	seedPage(t, st, 4, 1.6)

	start := time.Now()
	mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.6)
	require.NoError(t, err)
	require.Equal(t, 4, mp.Current())
	require.Less(t, time.Since(start), courtesyTimeout, "existing pages must resolve without the courtesy wait")
}

func TestOpenMaxPageCreatesFirstPage(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()

	mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.25)
	require.NoError(t, err)
	require.Equal(t, 1, mp.Current())

	v, err := st.ReadOnce(ctx, arPath(1))
	require.NoError(t, err)
	require.Equal(t, 1.25, v)

	recent, err := st.ReadOnce(ctx, mostRecentKey)
	require.NoError(t, err)
	require.Equal(t, float64(1), recent)
}

func TestOpenMaxPageCourtesyLosesToRemoteCreation(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()

	resolved := make(chan int, 1)
	go func() {
		mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.6)
		require.NoError(t, err)
		resolved <- mp.Current()
	}()

	// let the claimant place its placeholder, then create page 1 remotely
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, NewRepo(st, "u2").AddNewPage(ctx, 1, 2.0))

	start := time.Now()
	require.Equal(t, 1, recv(t, resolved))
	require.Less(t, time.Since(start), courtesyTimeout, "remote page 1 must cut the courtesy wait short")

	v, err := st.ReadOnce(ctx, arPath(1))
	require.NoError(t, err)
	require.Equal(t, 2.0, v, "the remote creator's aspect ratio must survive")
}

func TestOpenMaxPageManyConcurrentClients(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()

	const n = 5
	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mp, err := NewRepo(st, "u"+string(rune('a'+i))).OpenMaxPage(ctx, 1.6)
			require.NoError(t, err)
			results <- mp.Current()
		}(i)
	}
	wg.Wait()
	close(results)

	for r := range results {
		require.Equal(t, 1, r, "every client must converge on the same first page")
	}

	v, err := st.ReadOnce(ctx, pagesKey)
	require.NoError(t, err)
	m, ok := v.(map[string]store.Value)
	require.True(t, ok)
	require.Len(t, m, 1, "exactly one page may exist after the race")
}

func TestAddPageAllocatesSequentially(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)

	mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.6)
	require.NoError(t, err)

	n, err := mp.AddPage(ctx, 1.6)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	v, err := st.ReadOnce(ctx, arPath(2))
	require.NoError(t, err)
	require.Equal(t, 1.6, v)

	recent, err := st.ReadOnce(ctx, mostRecentKey)
	require.NoError(t, err)
	require.Equal(t, float64(2), recent)
}

func TestAddPageConcurrentAddsAllocateDistinct(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)

	// four clients at the same max race to add a page; the transaction
	// serializes them into 2,3,4,5 with nobody's aspect ratio clobbered
	const n = 4
	var wg sync.WaitGroup
	type alloc struct {
		page int
		ar   float32
	}
	results := make(chan alloc, n)
	for i := 0; i < n; i++ {
		mp, err := NewRepo(st, "u"+string(rune('a'+i))).OpenMaxPage(ctx, 1.6)
		require.NoError(t, err)
		ar := float32(i+1) / 2
		wg.Add(1)
		go func(mp *MaxPage, ar float32) {
			defer wg.Done()
			page, err := mp.AddPage(ctx, ar)
			require.NoError(t, err)
			results <- alloc{page: page, ar: ar}
		}(mp, ar)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for r := range results {
		require.False(t, seen[r.page], "page %d allocated twice", r.page)
		seen[r.page] = true
		require.GreaterOrEqual(t, r.page, 2)
		require.LessOrEqual(t, r.page, n+1, "numbers may not be skipped")

		v, err := st.ReadOnce(ctx, arPath(r.page))
		require.NoError(t, err)
		require.Equal(t, float64(r.ar), v, "the winner's aspect ratio must survive on page %d", r.page)
	}
	require.Len(t, seen, n)

	v, err := st.ReadOnce(ctx, pagesKey)
	require.NoError(t, err)
	m, ok := v.(map[string]store.Value)
	require.True(t, ok)
	require.Len(t, m, n+1)
}

func TestSubscribeReplaysAndFollowsMax(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)

	mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.6)
	require.NoError(t, err)

	maxC, cancel, err := mp.Subscribe()
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, 1, recv(t, maxC))

	// remote client allocates page 2
	require.NoError(t, NewRepo(st, "u2").AddNewPage(ctx, 2, 1.6))
	require.Equal(t, 2, recv(t, maxC))
	require.Equal(t, 2, mp.Current())
}

func TestSubscribeIgnoresNonGrowth(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)
	seedPage(t, st, 2, 1.6)

	mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.6)
	require.NoError(t, err)

	maxC, cancel, err := mp.Subscribe()
	require.NoError(t, err)
	defer cancel()
	require.Equal(t, 2, recv(t, maxC))

	// touching an existing page's subtree changes the snapshot but not the max
	require.NoError(t, st.Write(ctx, uidsPath(1)+"/u9", true))
	require.NoError(t, NewRepo(st, "u2").AddNewPage(ctx, 3, 1.6))
	require.Equal(t, 3, recv(t, maxC), "only a genuinely larger max may be delivered")
}

func TestSubscribeConflatesToLatest(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)

	mp, err := NewRepo(st, "u1").OpenMaxPage(ctx, 1.6)
	require.NoError(t, err)

	maxC, cancel, err := mp.Subscribe()
	require.NoError(t, err)
	defer cancel()

	// do not consume the replayed 1; let growth overwrite it
	other := NewRepo(st, "u2")
	require.NoError(t, other.AddNewPage(ctx, 2, 1.6))
	require.NoError(t, other.AddNewPage(ctx, 3, 1.6))

	require.Eventually(t, func() bool { return mp.Current() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, recv(t, maxC), "a stalled subscriber wakes to the latest max only")
}

// watchlessStore refuses value watches, like a client whose hub connection
// dropped between resolution and subscription.
type watchlessStore struct {
	store.Store
}

func (s *watchlessStore) WatchValue(context.Context, string) (<-chan store.Value, store.CancelFunc, error) {
	return nil, nil, errors.New("connection lost")
}

func TestSubscribeSurfacesWatchFailure(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	mem := store.NewMemStore()
	seedPage(t, mem, 1, 1.6)

	mp, err := NewRepo(&watchlessStore{Store: mem}, "u1").OpenMaxPage(ctx, 1.6)
	require.NoError(t, err)

	_, _, err = mp.Subscribe()
	require.Error(t, err, "a subscriber that can never hear about new pages must fail loudly")

	// the failed subscriber is detached; a retry fails the same way
	// instead of silently starving behind a phantom first subscriber
	_, _, err = mp.Subscribe()
	require.Error(t, err)
}

func TestAddPageRequiresResolvedHandle(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)

	mp := &MaxPage{repo: NewRepo(store.NewMemStore(), "u1"), ctx: ctx, subs: map[int]chan int{}}
	_, err := mp.AddPage(ctx, 1.6)
	require.ErrorIs(t, err, ErrPrecondition)
}
