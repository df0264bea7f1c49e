package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/rs/zerolog"
	"go2tv.app/screenbeam/castprotocol"
	"go2tv.app/screenbeam/devices"
	"go2tv.app/screenbeam/httphandlers"
)

var (
	ErrSessionActive = errors.New("session: a stream is already active")
	ErrNotStreaming  = errors.New("session: nothing is streaming")
	ErrNoDevice      = errors.New("session: no device selected")
	ErrNoMedia       = errors.New("session: no media selected")
)

// Kind is the coarse state of a cast session.
type Kind int

const (
	Idle Kind = iota
	Preparing
	Streaming
	Paused
	Stopped
	Error
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Preparing:
		return "Preparing"
	case Streaming:
		return "Streaming"
	case Paused:
		return "Paused"
	case Stopped:
		return "Stopped"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State is a session state. Title and DeviceName are set while
// Preparing, Streaming or Paused; Reason is set on Error.
type State struct {
	Kind       Kind
	Title      string
	DeviceName string
	Reason     string
}

func (s State) String() string {
	switch s.Kind {
	case Streaming, Paused:
		return fmt.Sprintf("%s %s on %s", s.Kind, s.Title, s.DeviceName)
	case Error:
		return "Error: " + s.Reason
	default:
		return s.Kind.String()
	}
}

// transitions lists every allowed state change. Streaming is only
// reachable through Preparing.
var transitions = map[Kind][]Kind{
	Idle:      {Preparing, Stopped},
	Preparing: {Streaming, Error, Stopped},
	Streaming: {Paused, Stopped, Error},
	Paused:    {Streaming, Stopped, Error},
	Stopped:   {Preparing},
	Error:     {Preparing, Stopped},
}

func canTransition(from, to Kind) bool {
	for _, k := range transitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// Observer gets every state change in order. EmitState must not call
// back into the Streamer.
type Observer interface {
	EmitState(State)
}

// Pusher casts media to a device.
type Pusher interface {
	Push(ctx context.Context, dev devices.CastDevice, mediaURL, title string) castprotocol.PushResult
	Stop(ctx context.Context, dev devices.CastDevice)
	SetRate(ctx context.Context, dev devices.CastDevice, rate float64) error
}

// MediaServer offers the media to receivers.
type MediaServer interface {
	SetResource(*httphandlers.MediaResource)
	ClearResource()
	MediaURL() string
}

// StreamRequest describes what to cast where.
type StreamRequest struct {
	Device   devices.CastDevice
	MediaURI string
	MimeType string
	Size     int64
	Title    string
}

// Streamer runs at most one cast session at a time.
type Streamer struct {
	Pusher   Pusher
	Server   MediaServer
	Observer Observer

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	// opMu serializes Start, Stop and TogglePause.
	opMu sync.Mutex
	// emitMu keeps observer notifications in transition order.
	emitMu sync.Mutex

	mu         sync.Mutex
	state      State
	device     devices.CastDevice
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewStreamer returns an Idle Streamer.
func NewStreamer(p Pusher, srv MediaServer, o Observer) *Streamer {
	return &Streamer{
		Pusher:   p,
		Server:   srv,
		Observer: o,
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (s *Streamer) Log() *zerolog.Logger {
	if s.LogOutput != nil {
		s.initLogOnce.Do(func() {
			s.Logger = zerolog.New(s.LogOutput).With().Timestamp().Logger()
		})
	}
	return &s.Logger
}

// State returns the current state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Start serves the media and pushes it to req.Device in the background.
// The session moves to Preparing right away, then to Streaming or Error.
func (s *Streamer) Start(ctx context.Context, req StreamRequest) error {
	if req.Device.Host == "" {
		return ErrNoDevice
	}
	if req.MediaURI == "" {
		return ErrNoMedia
	}
	if req.Title == "" {
		req.Title = path.Base(req.MediaURI)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !canTransition(s.state.Kind, Preparing) {
		current := s.state.Kind
		s.mu.Unlock()
		s.Log().Warn().Str("Method", "Start").Str("State", current.String()).Msg("session busy")
		return ErrSessionActive
	}

	s.Server.SetResource(&httphandlers.MediaResource{
		ContentURI: req.MediaURI,
		MimeType:   req.MimeType,
		Size:       req.Size,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.generation++
	gen := s.generation
	s.cancel = cancel
	s.done = done
	s.device = req.Device

	s.commitLocked(State{Kind: Preparing, Title: req.Title, DeviceName: req.Device.DisplayName()})

	go s.negotiate(runCtx, gen, req, done)

	return nil
}

func (s *Streamer) negotiate(ctx context.Context, gen uint64, req StreamRequest, done chan struct{}) {
	defer close(done)

	mediaURL := s.Server.MediaURL()
	s.Log().Debug().Str("Method", "negotiate").Str("Host", req.Device.Host).Str("URL", mediaURL).Msg("pushing media")

	res := s.Pusher.Push(ctx, req.Device, mediaURL, req.Title)

	s.mu.Lock()
	if gen != s.generation || s.state.Kind != Preparing {
		// Stopped while negotiating.
		s.mu.Unlock()
		return
	}

	if res.OK {
		s.commitLocked(State{Kind: Streaming, Title: req.Title, DeviceName: req.Device.DisplayName()})
		return
	}

	err := res.Err()
	s.Log().Error().Str("Method", "negotiate").Str("Host", req.Device.Host).Int("Attempts", len(res.Attempts)).Err(err).Msg("push failed")
	s.commitLocked(State{Kind: Error, Reason: err.Error()})
}

// Stop ends the session: any negotiation still running is cancelled,
// a streaming device gets a best-effort stop request and the media
// stops being served. Stop never fails.
func (s *Streamer) Stop(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	prev := s.state.Kind
	if prev == Stopped {
		s.mu.Unlock()
		return
	}

	s.generation++
	cancel, done, dev := s.cancel, s.done, s.device
	s.cancel, s.done = nil, nil
	s.Server.ClearResource()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if prev == Streaming || prev == Paused {
		s.Pusher.Stop(ctx, dev)
	}

	s.mu.Lock()
	s.device = devices.CastDevice{}
	s.commitLocked(State{Kind: Stopped})
}

// TogglePause pauses a streaming session or resumes a paused one.
func (s *Streamer) TogglePause(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	current, dev := s.state, s.device
	s.mu.Unlock()

	var rate float64
	var next Kind
	switch current.Kind {
	case Streaming:
		rate, next = 0, Paused
	case Paused:
		rate, next = 1, Streaming
	default:
		return ErrNotStreaming
	}

	if err := s.Pusher.SetRate(ctx, dev, rate); err != nil {
		return fmt.Errorf("TogglePause: %w", err)
	}

	s.mu.Lock()
	if s.state.Kind != current.Kind {
		s.mu.Unlock()
		return nil
	}
	current.Kind = next
	s.commitLocked(current)

	return nil
}

// Wait blocks until the running negotiation, if any, has finished.
func (s *Streamer) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// commitLocked stores st and notifies the observer. It is called with
// s.mu held and returns with it released.
func (s *Streamer) commitLocked(st State) {
	if !canTransition(s.state.Kind, st.Kind) {
		from := s.state.Kind
		s.mu.Unlock()
		s.Log().Error().Str("Method", "commit").Str("From", from.String()).Str("To", st.Kind.String()).Msg("illegal transition dropped")
		return
	}

	s.state = st
	s.emitMu.Lock()
	s.mu.Unlock()

	s.Log().Debug().Str("Method", "commit").Str("State", st.String()).Msg("session state")
	if s.Observer != nil {
		s.Observer.EmitState(st)
	}
	s.emitMu.Unlock()
}
