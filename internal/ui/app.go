// Package ui is the Fyne front end: a drawing canvas for the displayed page
// and a toolbar for page navigation, both wired to the page engine's channel
// API.
package ui

import (
	"fmt"
	"log"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"qenboard/internal/config"
	"qenboard/internal/pages"
)

// Run opens the board window and blocks until it closes. subtitle names the
// session role ("hosting on :8877", "joined 192.168.1.7:8877"). onExport
// renders the whole board to the chosen PDF path.
func Run(cfg config.Config, vm *pages.ViewModel, subtitle string, onExport func(path string) error) {
	boardApp := app.New()
	win := boardApp.NewWindow(fmt.Sprintf("QenBoard - %s (%s)", cfg.DisplayName, subtitle))
	win.Resize(fyne.NewSize(1024, 768))

	board := NewPageCanvas(cfg.UserID)
	board.OnPoint = func(pt pages.DrawPoint) {
		select {
		case vm.TouchesIn() <- pt:
		default:
			// drop rather than stall the render goroutine
		}
	}

	status := widget.NewLabel("connecting...")
	send := func(ev pages.MetaEvent) {
		select {
		case vm.Events() <- ev:
		default:
			log.Printf("[ui] event queue full, dropped %T", ev)
		}
	}

	bar, pageLabel := newToolbar(toolbarActions{
		Cycle:   func() { send(pages.CyclePage{}) },
		NewPage: func() { send(pages.NewPage{AspectRatio: float32(cfg.AspectRatio)}) },
		Clear:   func() { send(pages.UiClearPage{}) },
		Select:  func(page int) { send(pages.SelectPage{Page: page}) },
		Export: func() {
			dialog.ShowFileSave(func(writer fyne.URIWriteCloser, err error) {
				if err != nil || writer == nil {
					return
				}
				path := writer.URI().Path()
				writer.Close()
				go func() {
					if err := onExport(path); err != nil {
						log.Printf("[ui] export: %v", err)
						fyne.Do(func() { status.SetText("export failed: " + err.Error()) })
						return
					}
					fyne.Do(func() { status.SetText("exported " + path) })
				}()
			}, win)
		},
	})

	go func() {
		for snap := range vm.States() {
			s := snap
			fyne.Do(func() {
				board.SetPage(s)
				pageLabel.SetText(fmt.Sprintf("page %d/%d", s.Current, s.Total))
				status.SetText(s.String())
			})
		}
	}()
	go func() {
		for streams := range vm.TouchesOut() {
			s := streams
			fyne.Do(func() { board.AttachStreams(s) })
		}
	}()
	go func() {
		for err := range vm.Errs() {
			e := err
			fyne.Do(func() { status.SetText(e.Error()) })
		}
	}()

	content := container.NewBorder(bar, status, nil, nil, board)
	win.SetContent(content)

	// the first CurrentPage seeds the fallback aspect ratio and kicks the
	// engine out of its pre-init wait
	vm.Events() <- pages.CurrentPage{AspectRatio: float32(cfg.AspectRatio)}

	win.ShowAndRun()
}
