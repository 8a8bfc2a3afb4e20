package pages

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"qenboard/internal/store"
)

// countingStore counts stroke-history reads so tests can prove a metadata
// fetch never touches page content.
type countingStore struct {
	store.Store
	historyReads atomic.Int64
}

func (c *countingStore) ReadOnce(ctx context.Context, path string) (store.Value, error) {
	if strings.HasPrefix(path, historyKey+"/") {
		c.historyReads.Add(1)
	}
	return c.Store.ReadOnce(ctx, path)
}

func writePoints(t *testing.T, st store.Store, page int, uid string, n int) {
	t.Helper()
	ctx := testCtx(t)
	require.NoError(t, st.Write(ctx, uidsPath(page)+"/"+uid, true))
	for i := 0; i < n; i++ {
		typ := TouchMove
		switch i {
		case 0:
			typ = TouchDown
		case n - 1:
			typ = TouchUp
		}
		pt := DrawPoint{X: float32(i) / 10, Y: float32(i) / 20, Type: typ}
		require.NoError(t, st.Write(ctx, historyPath(page, uid)+"/"+st.PushKey(), encodePoint(pt)))
	}
}

func TestGetPageContents(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.5)
	writePoints(t, st, 1, "alice", 3)
	writePoints(t, st, 1, "bob", 2)

	repo := NewRepo(st, "bob")
	content, ar, err := repo.GetPage(ctx, 1, true)
	require.NoError(t, err)
	require.Equal(t, float32(1.5), ar)
	require.Len(t, content, 2)

	// local user first, then store order
	require.Equal(t, "bob", content[0].UserID)
	require.Len(t, content[0].Points, 2)
	require.Equal(t, "alice", content[1].UserID)
	require.Len(t, content[1].Points, 3)

	// per-user points keep write order
	require.Equal(t, TouchDown, content[1].Points[0].Type)
	require.Equal(t, TouchUp, content[1].Points[2].Type)
}

func TestGetPageWithoutContentsSkipsHistory(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	mem := store.NewMemStore()
	seedPage(t, mem, 1, 1.5)
	writePoints(t, mem, 1, "alice", 5)

	st := &countingStore{Store: mem}
	content, ar, err := NewRepo(st, "bob").GetPage(ctx, 1, false)
	require.NoError(t, err)
	require.Equal(t, float32(1.5), ar)
	require.Empty(t, content)
	require.Zero(t, st.historyReads.Load(), "a metadata fetch must not read stroke history")
}

func TestGetPageMissingAspectRatio(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()

	_, _, err := NewRepo(st, "u1").GetPage(ctx, 9, true)
	require.ErrorIs(t, err, ErrNoAspectRatio)
}

func TestGetPageToleratesWipedHistory(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.5)
	// participant registered but history already gone, as after a
	// half-finished clear
	require.NoError(t, st.Write(ctx, uidsPath(1)+"/ghost", true))

	content, _, err := NewRepo(st, "u1").GetPage(ctx, 1, true)
	require.NoError(t, err)
	require.Len(t, content, 1)
	require.Empty(t, content[0].Points)
}

func TestClearPageLeavesOtherPagesAlone(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	for _, page := range []int{1, 2, 3, 5} {
		seedPage(t, st, page, 1.6)
		writePoints(t, st, page, "alice", 4)
		writePoints(t, st, page, "bob", 2)
	}

	require.NoError(t, NewRepo(st, "alice").ClearPage(ctx, 3))

	for _, uid := range []string{"alice", "bob"} {
		v, err := st.ReadOnce(ctx, historyPath(3, uid))
		require.NoError(t, err)
		require.Nil(t, v)
	}
	uids, err := st.ReadOnce(ctx, uidsPath(3))
	require.NoError(t, err)
	require.Nil(t, uids)

	// the page itself and every other page survive
	for _, page := range []int{1, 2, 5} {
		content, _, err := NewRepo(st, "alice").GetPage(ctx, page, true)
		require.NoError(t, err)
		require.Len(t, content, 2)
	}
	ar, err := st.ReadOnce(ctx, arPath(3))
	require.NoError(t, err)
	require.Equal(t, 1.6, ar)
}

func TestMostRecentPageClamping(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	repo := NewRepo(st, "u1")

	// absent marker defaults to 1
	recent, err := repo.MostRecentPage(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, recent)

	// stale marker past the max is clamped down
	require.NoError(t, st.Write(ctx, mostRecentKey, 9))
	recent, err = repo.MostRecentPage(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, recent)

	// garbage marker is clamped up
	require.NoError(t, st.Write(ctx, mostRecentKey, -2))
	recent, err = repo.MostRecentPage(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, recent)
}

func TestPageNumbersSkipsPlaceholder(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	repo := NewRepo(st, "u1")

	nums, err := repo.PageNumbers(ctx)
	require.NoError(t, err)
	require.Empty(t, nums)

	require.NoError(t, st.Write(ctx, pagesKey, false))
	nums, err = repo.PageNumbers(ctx)
	require.NoError(t, err)
	require.Empty(t, nums, "the claim placeholder is not a page")

	seedPage(t, st, 2, 1.6)
	seedPage(t, st, 10, 1.6)
	nums, err = repo.PageNumbers(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{2, 10}, nums)
}

func TestWatchPageClearedEmitsOnEmptyLanding(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)

	pageC := make(chan int, 1)
	cleared := NewRepo(st, "u1").WatchPageCleared(ctx, pageC)

	// landing on a page with no participants counts as cleared
	pageC <- 1
	require.Equal(t, 1, recv(t, cleared))
}

func TestWatchPageClearedFollowsActivePage(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	st := store.NewMemStore()
	seedPage(t, st, 1, 1.6)
	seedPage(t, st, 2, 1.6)
	writePoints(t, st, 1, "alice", 2)
	writePoints(t, st, 2, "alice", 2)

	repo := NewRepo(st, "u1")
	pageC := make(chan int, 1)
	cleared := repo.WatchPageCleared(ctx, pageC)

	pageC <- 1
	// clearing the inactive page must stay silent; clearing the active one
	// must fire
	require.NoError(t, repo.ClearPage(ctx, 2))
	require.NoError(t, repo.ClearPage(ctx, 1))
	require.Equal(t, 1, recv(t, cleared))

	pageC <- 2
	require.Equal(t, 2, recv(t, cleared), "page 2 is already empty when it becomes active")
}
