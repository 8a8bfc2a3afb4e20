package ui

import (
	"strconv"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/layout"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
)

// toolbarActions are the navigation callbacks the toolbar drives.
type toolbarActions struct {
	Cycle   func()
	NewPage func()
	Clear   func()
	Select  func(page int)
	Export  func()
}

// newToolbar builds the page navigation bar. The returned label shows the
// "page n/m" position and is updated by the state feed.
func newToolbar(a toolbarActions) (fyne.CanvasObject, *widget.Label) {
	tb := widget.NewToolbar(
		widget.NewToolbarAction(theme.NavigateNextIcon(), a.Cycle),
		widget.NewToolbarAction(theme.ContentAddIcon(), a.NewPage),
		widget.NewToolbarAction(theme.DeleteIcon(), a.Clear),
		widget.NewToolbarSeparator(),
		widget.NewToolbarAction(theme.DocumentSaveIcon(), a.Export),
	)

	pageLabel := widget.NewLabel("page -/-")

	pageEntry := widget.NewEntry()
	pageEntry.SetPlaceHolder("page #")
	jump := func(text string) {
		if n, err := strconv.Atoi(text); err == nil {
			a.Select(n)
		}
		pageEntry.SetText("")
	}
	pageEntry.OnSubmitted = jump

	entryBox := container.New(layout.NewGridWrapLayout(fyne.NewSize(80, 36)), pageEntry)

	bar := container.NewHBox(
		tb,
		widget.NewSeparator(),
		pageLabel,
		widget.NewSeparator(),
		widget.NewLabel("Go to:"),
		entryBox,
		layout.NewSpacer(),
	)
	return bar, pageLabel
}
