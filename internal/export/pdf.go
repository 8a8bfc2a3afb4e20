// Package export renders board pages to PDF.
package export

import (
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"qenboard/internal/pages"
)

const pageWidthMM = 250.0

// PDF writes the given page snapshots to path, one PDF page per board page.
// Points are stored normalized to the page width, so each PDF page is sized
// from its board page's aspect ratio.
func PDF(path string, snapshots []pages.SelectedPage) error {
	if len(snapshots) == 0 {
		return fmt.Errorf("export: nothing to export")
	}

	p := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "mm",
		Size:           sizeFor(snapshots[0].AspectRatio),
	})
	p.SetDrawColor(0, 0, 0)
	p.SetLineWidth(0.5)

	for _, snap := range snapshots {
		p.AddPageFormat("P", sizeFor(snap.AspectRatio))
		for _, user := range snap.Content {
			drawStrokes(p, user.Points)
		}
	}
	return p.OutputFileAndClose(path)
}

func sizeFor(ratio float32) gofpdf.SizeType {
	if ratio <= 0 {
		ratio = 1.0
	}
	return gofpdf.SizeType{Wd: pageWidthMM, Ht: pageWidthMM / float64(ratio)}
}

// drawStrokes connects consecutive points, lifting the pen between strokes.
func drawStrokes(p *gofpdf.Fpdf, points []pages.DrawPoint) {
	for i := 1; i < len(points); i++ {
		if points[i].Type == pages.TouchDown || points[i-1].Type == pages.TouchUp {
			continue
		}
		p.Line(
			float64(points[i-1].X)*pageWidthMM, float64(points[i-1].Y)*pageWidthMM,
			float64(points[i].X)*pageWidthMM, float64(points[i].Y)*pageWidthMM,
		)
	}
}
