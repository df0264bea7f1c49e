package interactive

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/encoding"
	"github.com/mattn/go-runewidth"
	"go2tv.app/screenbeam/session"
)

const controlTimeout = 5 * time.Second

// Controller is what the keyboard drives.
type Controller interface {
	Stop(ctx context.Context)
	TogglePause(ctx context.Context) error
}

// NewScreen .
type NewScreen struct {
	Current tcell.Screen

	mu         sync.Mutex
	mediaTitle string
	lastState  session.State
	note       string
	ready      bool
}

type keyAction int

const (
	actionNone keyAction = iota
	actionStop
	actionTogglePause
)

func actionForKey(key tcell.Key, r rune) keyAction {
	switch {
	case key == tcell.KeyEscape || key == tcell.KeyCtrlC:
		return actionStop
	case key == tcell.KeyRune && (r == 'q' || r == 's'):
		return actionStop
	case key == tcell.KeyRune && r == 'p':
		return actionTogglePause
	default:
		return actionNone
	}
}

// statusText is the line shown for a session state.
func statusText(st session.State) string {
	switch st.Kind {
	case session.Idle:
		return "Waiting for status..."
	case session.Preparing:
		return "Connecting to " + st.DeviceName + "..."
	case session.Streaming:
		return "Streaming to " + st.DeviceName
	case session.Paused:
		return "Paused"
	case session.Stopped:
		return "Stopped"
	case session.Error:
		return "Error: " + st.Reason
	default:
		return st.String()
	}
}

func (p *NewScreen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

// EmitState displays a session state. It implements session.Observer.
func (p *NewScreen) EmitState(st session.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastState = st
	p.note = ""
	if st.Title != "" {
		p.mediaTitle = st.Title
	}

	p.renderLocked()
}

func (p *NewScreen) emitNote(note string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.note = note
	p.renderLocked()
}

func (p *NewScreen) renderLocked() {
	if !p.ready {
		return
	}

	s := p.Current
	w, h := s.Size()
	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	blinkStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Blink(true)
	errorStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorRed).Bold(true)

	s.Clear()

	title := "Title: " + p.mediaTitle
	p.emitStr(w/2-runewidth.StringWidth(title)/2, h/2-2, tcell.StyleDefault, title)

	status := statusText(p.lastState)
	style := boldStyle
	switch p.lastState.Kind {
	case session.Idle, session.Preparing:
		style = blinkStyle
	case session.Error:
		style = errorStyle
	}
	p.emitStr(w/2-runewidth.StringWidth(status)/2, h/2, style, status)

	if p.note != "" {
		p.emitStr(w/2-runewidth.StringWidth(p.note)/2, h/2+4, errorStyle, p.note)
	}

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC to stop and exit.")
	p.emitStr(w/2-len("Press p to Pause/Play.")/2, h/2+2, tcell.StyleDefault, "Press p to Pause/Play.")

	s.Show()
}

// Init sets up the terminal. States emitted before Init are shown once it returns.
func (p *NewScreen) Init(mediaTitle string) error {
	encoding.Register()

	s := p.Current
	if err := s.Init(); err != nil {
		return err
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)

	p.mu.Lock()
	if p.mediaTitle == "" {
		p.mediaTitle = mediaTitle
	}
	p.ready = true
	p.renderLocked()
	p.mu.Unlock()

	return nil
}

// InterInit handles keyboard input until the user stops the stream
// or Fini is called from elsewhere.
func (p *NewScreen) InterInit(ctx context.Context, ctrl Controller) {
	s := p.Current

	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			return
		case *tcell.EventResize:
			s.Sync()
			p.mu.Lock()
			p.renderLocked()
			p.mu.Unlock()
		case *tcell.EventKey:
			switch actionForKey(ev.Key(), ev.Rune()) {
			case actionStop:
				stopCtx, cancel := context.WithTimeout(ctx, controlTimeout)
				ctrl.Stop(stopCtx)
				cancel()
				p.Fini()
				return
			case actionTogglePause:
				pauseCtx, cancel := context.WithTimeout(ctx, controlTimeout)
				err := ctrl.TogglePause(pauseCtx)
				cancel()
				if errors.Is(err, session.ErrNotStreaming) {
					p.emitNote("Nothing to pause yet")
				} else if err != nil {
					p.emitNote(err.Error())
				}
			}
		}
	}
}

// Fini restores the terminal.
func (p *NewScreen) Fini() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		return
	}

	p.ready = false
	p.Current.Fini()
}

// InitTcellNewScreen .
func InitTcellNewScreen() (*NewScreen, error) {
	s, e := tcell.NewScreen()
	if e != nil {
		return nil, errors.New("can't start new interactive screen")
	}
	return &NewScreen{
		Current: s,
	}, nil
}
