package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"qenboard/internal/pages"
)

func samplePage(n, total int, ar float32) pages.SelectedPage {
	return pages.SelectedPage{
		Current: n,
		Total:   total,
		Content: []pages.UserStrokes{{
			UserID: "alice",
			Points: []pages.DrawPoint{
				{X: 0.1, Y: 0.1, Type: pages.TouchDown},
				{X: 0.4, Y: 0.2, Type: pages.TouchMove},
				{X: 0.5, Y: 0.5, Type: pages.TouchUp},
			},
		}},
		AspectRatio: ar,
	}
}

func TestPDFWritesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "board.pdf")
	snaps := []pages.SelectedPage{samplePage(1, 2, 1.6), samplePage(2, 2, 1.0)}
	require.NoError(t, PDF(path, snaps))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.Equal(t, "%PDF", string(data[:4]))
}

func TestPDFRejectsEmptyBoard(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.pdf")
	require.Error(t, PDF(path, nil))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestSizeForFollowsAspectRatio(t *testing.T) {
	t.Parallel()

	wide := sizeFor(2.0)
	require.Equal(t, pageWidthMM, wide.Wd)
	require.Equal(t, pageWidthMM/2, wide.Ht)

	// a page with a broken ratio still gets a sane square fallback
	broken := sizeFor(0)
	require.Equal(t, broken.Wd, broken.Ht)
}
