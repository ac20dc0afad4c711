package console

import (
	"sync"
	"sync/atomic"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ElementName names the page's single output area
const ElementName = "console"

// Page is a terminal page holding one text area. It is also the probe's
// output sink: writes from other goroutines are queued onto the UI loop
// while the page runs and applied directly otherwise.
type Page struct {
	app  *tview.Application
	view *tview.TextView

	mu    sync.Mutex
	value string

	running atomic.Bool
	loaded  sync.Once
	onLoad  func()
}

// NewPage builds the page. A nil screen uses the real terminal.
func NewPage(title string, screen tcell.Screen) *Page {
	view := tview.NewTextView().
		SetDynamicColors(false).
		SetScrollable(true).
		SetWrap(true)
	view.SetBorder(true).
		SetTitle(" " + ElementName + " ").
		SetTitleAlign(tview.AlignLeft)

	help := tview.NewTextView().SetText(title + "  q/Esc: quit")
	help.SetTextColor(tcell.ColorGray)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(view, 0, 1, true).
		AddItem(help, 1, 0, false)

	p := &Page{
		app:  tview.NewApplication().SetRoot(layout, true).EnableMouse(false),
		view: view,
	}
	if screen != nil {
		p.app.SetScreen(screen)
	}
	p.app.SetInputCapture(p.handleKey)
	p.app.SetBeforeDrawFunc(func(tcell.Screen) bool {
		p.running.Store(true)
		p.loaded.Do(func() {
			if p.onLoad != nil {
				go p.onLoad()
			}
		})
		return false
	})
	return p
}

// Run shows the page and blocks until it is torn down. onLoad runs once,
// on its own goroutine, after the first draw.
func (p *Page) Run(onLoad func()) error {
	p.onLoad = onLoad
	defer p.running.Store(false)
	return p.app.Run()
}

// Stop tears the page down
func (p *Page) Stop() {
	p.running.Store(false)
	p.app.Stop()
}

func (p *Page) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEscape,
		event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q'):
		p.Stop()
		return nil
	}
	return event
}

func (p *Page) Set(value string) {
	p.mu.Lock()
	p.value = value
	p.mu.Unlock()
	p.render(func() {
		p.view.SetText(value)
	})
}

func (p *Page) Append(text string) {
	p.mu.Lock()
	p.value += text
	p.mu.Unlock()
	p.render(func() {
		_, _ = p.view.Write([]byte(text))
		p.view.ScrollToEnd()
	})
}

func (p *Page) Value() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Text returns what the text area currently shows
func (p *Page) Text() string {
	return p.view.GetText(false)
}

func (p *Page) render(update func()) {
	if p.running.Load() {
		p.app.QueueUpdateDraw(update)
		return
	}
	update()
}
