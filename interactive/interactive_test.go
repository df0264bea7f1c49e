package interactive

import (
	"testing"

	"github.com/gdamore/tcell/v2"
	"go2tv.app/screenbeam/session"
)

func TestActionForKey(t *testing.T) {
	tests := []struct {
		name string
		key  tcell.Key
		r    rune
		want keyAction
	}{
		{
			name: "escape stops",
			key:  tcell.KeyEscape,
			want: actionStop,
		},
		{
			name: "q stops",
			key:  tcell.KeyRune,
			r:    'q',
			want: actionStop,
		},
		{
			name: "p toggles pause",
			key:  tcell.KeyRune,
			r:    'p',
			want: actionTogglePause,
		},
		{
			name: "other runes are ignored",
			key:  tcell.KeyRune,
			r:    'x',
			want: actionNone,
		},
		{
			name: "arrows are ignored",
			key:  tcell.KeyUp,
			want: actionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionForKey(tt.key, tt.r); got != tt.want {
				t.Fatalf("actionForKey(%v, %q) = %v, want %v", tt.key, tt.r, got, tt.want)
			}
		})
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		state session.State
		want  string
	}{
		{session.State{Kind: session.Idle}, "Waiting for status..."},
		{session.State{Kind: session.Preparing, DeviceName: "Hall"}, "Connecting to Hall..."},
		{session.State{Kind: session.Streaming, Title: "a.mp4", DeviceName: "Hall"}, "Streaming to Hall"},
		{session.State{Kind: session.Paused}, "Paused"},
		{session.State{Kind: session.Stopped}, "Stopped"},
		{session.State{Kind: session.Error, Reason: "no casting protocol accepted the stream"}, "Error: no casting protocol accepted the stream"},
	}

	for _, tt := range tests {
		if got := statusText(tt.state); got != tt.want {
			t.Errorf("statusText(%v) = %q, want %q", tt.state.Kind, got, tt.want)
		}
	}
}

func TestEmitStateBeforeInit(t *testing.T) {
	p := &NewScreen{}

	p.EmitState(session.State{Kind: session.Preparing, Title: "tour.mp4", DeviceName: "Hall"})
	p.Fini()

	if p.mediaTitle != "tour.mp4" || p.lastState.Kind != session.Preparing {
		t.Fatalf("state not kept for the first render: %q %v", p.mediaTitle, p.lastState.Kind)
	}
}
