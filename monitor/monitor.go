// Package monitor is the terminal front end of the fixture daemon. It
// shows the active configuration, the progress of the running
// validation, the recent results and the log.
package monitor

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"lautenbacher.net/flashval/logging"
	"lautenbacher.net/flashval/util"
	"lautenbacher.net/flashval/validator"
)

const progressWidth = 50

// Info is what the intro pane shows about the running configuration.
type Info struct {
	Link      string
	Simulated bool
	FlashSize int
	RowSize   int
	ByteOrder string
	Policy    string
	Seed      uint32
}

// Monitor is the terminal UI shown with -monitor.
type Monitor struct {
	info     Info
	app      *tview.Application
	intro    *tview.TextView
	progress *tview.TextView
	history  *tview.TextView
	logView  *tview.TextView

	signals  chan<- os.Signal
	validate func(seed uint32)
	prog     *util.Latest[validator.Progress]
	hist     *validator.History

	attachOnce sync.Once
	ready      chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// New builds the monitor. Quit and reload keys are delivered as
// SIGINT and SIGHUP on signals; v calls validate with the configured
// seed. validate runs on the UI goroutine and must not block.
func New(info Info, prog *util.Latest[validator.Progress], hist *validator.History,
	signals chan<- os.Signal, validate func(seed uint32)) *Monitor {
	m := &Monitor{
		info:     info,
		signals:  signals,
		validate: validate,
		prog:     prog,
		hist:     hist,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.build()
	return m
}

func (m *Monitor) build() {
	m.app = tview.NewApplication()

	m.intro = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	m.intro.SetText(introText(m.info))
	m.intro.SetBorder(true).SetTitle(" flashval ").SetTitleColor(tcell.ColorLightBlue)
	m.intro.SetBackgroundColor(tcell.NewRGBColor(20, 20, 20))

	m.progress = tview.NewTextView().SetDynamicColors(true)
	m.progress.SetText(progressText(validator.Progress{}))
	m.progress.SetBorder(true).SetTitle(" Progress ").SetTitleColor(tcell.ColorLightBlue)
	m.progress.SetBackgroundColor(tcell.NewRGBColor(30, 30, 30))

	m.history = tview.NewTextView().SetDynamicColors(true)
	m.history.SetBorder(true).SetTitle(" Results ").SetTitleColor(tcell.ColorLightBlue)
	m.history.SetBackgroundColor(tcell.NewRGBColor(30, 30, 30))

	m.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			m.logView.ScrollToEnd()
			m.app.Draw()
		})
	m.logView.SetBorder(true).SetTitle(" Logs ").SetTitleColor(tcell.ColorLightBlue)
	m.logView.SetBackgroundColor(tcell.NewRGBColor(40, 40, 40))

	top := tview.NewFlex().
		AddItem(m.progress, 0, 1, false).
		AddItem(m.history, 0, 1, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(m.intro, 5, 0, false).
		AddItem(top, 10, 0, false).
		AddItem(m.logView, 0, 1, true)
	m.app.SetRoot(layout, true)

	m.app.SetAfterDrawFunc(func(tcell.Screen) {
		m.attachOnce.Do(func() {
			if err := logging.Attach(tview.ANSIWriter(m.logView)); err != nil {
				slog.Error("Failed to attach log pane", "error", err)
			}
			close(m.ready)
		})
	})
	m.app.SetInputCapture(m.handleKey)
}

func introText(info Info) string {
	mode := "hardware"
	if info.Simulated {
		mode = "simulated flash"
	}
	line1 := fmt.Sprintf("Link [#ffff00]%s[white] | %s | %d KiB in %d byte rows", info.Link, mode, info.FlashSize/1024, info.RowSize)
	line2 := fmt.Sprintf("Byte order [#ffff00]%s[white] | quad enable [#ffff00]%s[white] | seed [#ffff00]%08x[white]", info.ByteOrder, info.Policy, info.Seed)
	line3 := "Hit [#ff0000]v[-] to validate, [#ff0000]q[-] to exit, [#ff0000]r[-] to reload, [#ff0000]Up/Down[-] to scroll logs"
	return fmt.Sprintf("%s\n%s\n%s", line1, line2, line3)
}

func progressText(p validator.Progress) string {
	if p.Rows == 0 {
		return " idle"
	}
	filled := p.Row * progressWidth / p.Rows
	color := "green"
	if p.Errors > 0 {
		color = "red"
	}
	state := "running"
	if p.Done {
		state = "done"
	}
	return fmt.Sprintf(" seed %08x %s\n [%s]%s[-]%s\n row %d/%d, %d mismatches",
		p.Seed, state,
		color, strings.Repeat("█", filled), strings.Repeat("·", progressWidth-filled),
		p.Row, p.Rows, p.Errors)
}

func historyText(records []validator.Record) string {
	var buf strings.Builder
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		switch {
		case r.Error != "":
			fmt.Fprintf(&buf, " [red]FAIL[-] %08x  %s\n", r.Seed, r.Error)
		case r.Passed:
			fmt.Fprintf(&buf, " [green]PASS[-] %08x  first %08x last %08x  %s\n",
				r.Seed, r.Result.FirstObserved, r.Result.LastObserved, r.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(&buf, " [yellow]BAD [-] %08x  %d errors, last %08x\n",
				r.Seed, r.Result.ErrorCount, r.Result.LastObserved)
		}
	}
	return buf.String()
}

func (m *Monitor) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyCtrlC:
		m.signals <- os.Interrupt
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			m.signals <- os.Interrupt
			return nil
		case 'r', 'R':
			m.signals <- syscall.SIGHUP
			return nil
		case 'v', 'V':
			if m.validate != nil {
				m.validate(m.info.Seed)
			}
			return nil
		}
	case tcell.KeyUp:
		row, col := m.logView.GetScrollOffset()
		m.logView.ScrollTo(row-1, col)
		return nil
	case tcell.KeyDown:
		row, col := m.logView.GetScrollOffset()
		m.logView.ScrollTo(row+1, col)
		return nil
	}
	return event
}

// Start runs the terminal application and the pane updater in the
// background.
func (m *Monitor) Start() {
	go m.watch()
	go func() {
		if err := m.app.Run(); err != nil {
			slog.Error("Error running monitor", "error", err)
			m.signals <- os.Interrupt
		}
	}()
}

// Ready is closed once the first frame is drawn and the log pane
// receives output.
func (m *Monitor) Ready() <-chan struct{} {
	return m.ready
}

func (m *Monitor) watch() {
	var progressC, historyC <-chan struct{}
	if m.prog != nil {
		progressC = m.prog.Updates()
	}
	if m.hist != nil {
		historyC = m.hist.Updates()
	}
	for {
		select {
		case <-m.done:
			return
		case <-progressC:
			text := progressText(m.prog.Load())
			m.app.QueueUpdateDraw(func() { m.progress.SetText(text) })
		case <-historyC:
			text := historyText(m.hist.Records())
			m.app.QueueUpdateDraw(func() { m.history.SetText(text) })
		}
	}
}

// Stop holds log output again and shuts the terminal down.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		logging.Detach()
		close(m.done)
		m.app.Stop()
	})
}
