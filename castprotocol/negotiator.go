package castprotocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/screenbeam/devices"
	"go2tv.app/screenbeam/utils"
)

const (
	// DefaultAttemptTimeout bounds every single push attempt.
	DefaultAttemptTimeout = 5 * time.Second

	contentTypeBinaryPlist = "application/x-apple-binary-plist"
	contentTypeParameters  = "text/parameters"
	contentTypeJSON        = "application/json"

	airplayUserAgent = "iTunes/12.2 (Macintosh; OS X 10.10.5)"
	airplayDeviceID  = "0x0000000000000001"

	appLaunchRoute = "/apps/YouTube"
)

var (
	// DefaultFallbackPorts are tried after the declared port of a receiver.
	DefaultFallbackPorts = []int{7000, 7100}
	// DefaultGenericPaths are tried in order on receivers of unknown family.
	DefaultGenericPaths = []string{"/play", "/stream", "/media", "/cast"}

	ErrNoProtocolAccepted = errors.New("no casting protocol accepted the stream")
)

// Attempt records one push request and its outcome.
type Attempt struct {
	Protocol    string
	URL         string
	ContentType string
	StatusCode  int
	Elapsed     time.Duration
	Err         error
	OK          bool
}

func (a Attempt) String() string {
	switch {
	case a.Err != nil:
		return fmt.Sprintf("%s %s: %v", a.Protocol, a.URL, a.Err)
	case a.StatusCode != 0:
		return fmt.Sprintf("%s %s: HTTP %d", a.Protocol, a.URL, a.StatusCode)
	default:
		return a.Protocol + " " + a.URL
	}
}

// PushResult is the outcome of a Push. Winner points into Attempts.
type PushResult struct {
	OK       bool
	Winner   *Attempt
	Attempts []Attempt
}

// Err summarizes a failed push, nil when it succeeded.
func (r PushResult) Err() error {
	if r.OK {
		return nil
	}

	if len(r.Attempts) == 0 {
		return ErrNoProtocolAccepted
	}

	return fmt.Errorf("%w after %d attempts, last: %s", ErrNoProtocolAccepted, len(r.Attempts), r.Attempts[len(r.Attempts)-1])
}

// Negotiator pushes a media URL to a receiver by trying casting
// protocols one after the other until one is accepted. Attempts never
// overlap: receivers get confused by concurrent pushes.
type Negotiator struct {
	Client         *http.Client
	StopClient     *http.Client
	AttemptTimeout time.Duration
	FallbackPorts  []int
	GenericPaths   []string

	// CastV2 opens a CASTV2 session for cast dongles. Defaults to go-chromecast.
	CastV2     func(host string, port int, logger zerolog.Logger) (CastV2Session, error)
	CastV2Port int

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	mu       sync.Mutex
	sessions map[string]CastV2Session
}

// NewNegotiator returns a Negotiator with the default HTTP clients.
func NewNegotiator() *Negotiator {
	return &Negotiator{
		Client:     newHTTPClient(),
		StopClient: newRetryableHTTPClient(1),
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (n *Negotiator) Log() *zerolog.Logger {
	if n.LogOutput != nil {
		n.initLogOnce.Do(func() {
			n.Logger = zerolog.New(n.LogOutput).With().Timestamp().Logger()
		})
	}
	return &n.Logger
}

type candidate struct {
	protocol string
	run      func(ctx context.Context) Attempt
}

// Push tries every candidate protocol for the family of dev in order
// and stops at the first accepted one.
func (n *Negotiator) Push(ctx context.Context, dev devices.CastDevice, mediaURL, title string) PushResult {
	var result PushResult

	for _, c := range n.candidates(dev, mediaURL, title) {
		if ctx.Err() != nil {
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, n.attemptTimeout())
		start := time.Now()
		a := c.run(attemptCtx)
		cancel()

		a.Protocol = c.protocol
		a.Elapsed = time.Since(start)
		result.Attempts = append(result.Attempts, a)

		n.Log().Debug().Str("Method", "Push").Str("Host", dev.Host).Str("Attempt", a.String()).Bool("OK", a.OK).Msg("push attempt")

		if a.OK {
			result.OK = true
			result.Winner = &result.Attempts[len(result.Attempts)-1]
			n.Log().Info().Str("Method", "Push").Str("Host", dev.Host).Str("Protocol", a.Protocol).Msg("media accepted")
			break
		}
	}

	return result
}

func (n *Negotiator) candidates(dev devices.CastDevice, mediaURL, title string) []candidate {
	var list []candidate

	switch dev.Family {
	case devices.FamilyVendor:
		for _, port := range n.portsFor(dev) {
			list = append(list,
				n.playCandidate(dev.Host, port, mediaURL, contentTypeBinaryPlist),
				n.playCandidate(dev.Host, port, mediaURL, contentTypeParameters),
				n.streamCandidate(dev.Host, port, mediaURL, title),
			)
		}
	case devices.FamilyStreamingReceiver:
		for _, port := range n.portsFor(dev) {
			list = append(list,
				n.playCandidate(dev.Host, port, mediaURL, contentTypeParameters),
				n.playCandidate(dev.Host, port, mediaURL, contentTypeBinaryPlist),
			)
		}
	case devices.FamilyCastDongle:
		list = append(list,
			n.appLaunchCandidate(dev.Host, dev.Port, mediaURL),
			n.castV2Candidate(dev.Host, mediaURL),
		)
	default:
		paths := n.GenericPaths
		if len(paths) == 0 {
			paths = DefaultGenericPaths
		}
		for _, path := range paths {
			list = append(list, n.genericCandidate(dev.Host, dev.Port, path, mediaURL))
		}
	}

	return list
}

// portsFor returns the declared port followed by the fallbacks, without duplicates.
func (n *Negotiator) portsFor(dev devices.CastDevice) []int {
	fallbacks := n.FallbackPorts
	if len(fallbacks) == 0 {
		fallbacks = DefaultFallbackPorts
	}

	seen := make(map[int]bool)
	var ports []int
	for _, p := range append([]int{dev.Port}, fallbacks...) {
		if p <= 0 || seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}

	return ports
}

func (n *Negotiator) playCandidate(host string, port int, mediaURL, contentType string) candidate {
	protocol := "airplay-text"
	if contentType == contentTypeBinaryPlist {
		protocol = "airplay-plist"
	}

	return candidate{
		protocol: protocol,
		run: func(ctx context.Context) Attempt {
			body := "Content-Location: " + mediaURL + "\nStart-Position: 0.0\n"
			headers := map[string]string{
				"User-Agent":        airplayUserAgent,
				"X-Apple-Device-ID": airplayDeviceID,
			}
			if sessionID, err := utils.RandomUUID(); err == nil {
				headers["X-Apple-Session-ID"] = sessionID
			}

			return n.post(ctx, receiverURL(host, port, "/play"), contentType, []byte(body), headers)
		},
	}
}

type streamPayload struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (n *Negotiator) streamCandidate(host string, port int, mediaURL, title string) candidate {
	return candidate{
		protocol: "json-stream",
		run: func(ctx context.Context) Attempt {
			target := receiverURL(host, port, "/stream")
			body, err := json.Marshal(streamPayload{URL: mediaURL, Title: title})
			if err != nil {
				return Attempt{URL: target, Err: err}
			}

			return n.post(ctx, target, contentTypeJSON, body, nil)
		},
	}
}

type appLaunchPayload struct {
	V string `json:"v"`
}

func (n *Negotiator) appLaunchCandidate(host string, port int, mediaURL string) candidate {
	return candidate{
		protocol: "app-launch",
		run: func(ctx context.Context) Attempt {
			target := receiverURL(host, port, appLaunchRoute)
			body, err := json.Marshal(appLaunchPayload{V: mediaURL})
			if err != nil {
				return Attempt{URL: target, Err: err}
			}

			return n.post(ctx, target, contentTypeJSON, body, nil)
		},
	}
}

func (n *Negotiator) genericCandidate(host string, port int, path, mediaURL string) candidate {
	return candidate{
		protocol: "generic",
		run: func(ctx context.Context) Attempt {
			body := "Content-Location: " + mediaURL + "\n"
			return n.post(ctx, receiverURL(host, port, path), contentTypeParameters, []byte(body), nil)
		},
	}
}

func (n *Negotiator) castV2Candidate(host, mediaURL string) candidate {
	port := n.CastV2Port
	if port == 0 {
		port = DefaultCastV2Port
	}

	return candidate{
		protocol: "castv2",
		run: func(ctx context.Context) Attempt {
			a := Attempt{URL: "castv2://" + net.JoinHostPort(host, strconv.Itoa(port))}

			dial := n.CastV2
			if dial == nil {
				dial = dialCastV2
			}

			type loaded struct {
				session CastV2Session
				err     error
			}
			done := make(chan loaded, 1)

			go func() {
				session, err := dial(host, port, *n.Log())
				if err == nil {
					if err = session.Load(mediaURL, utils.DefaultMediaType); err != nil {
						_ = session.Close(false)
					}
				}
				done <- loaded{session, err}
			}()

			select {
			case <-ctx.Done():
				a.Err = ctx.Err()
				// Late successes must not leave a dangling session.
				go func() {
					if l := <-done; l.err == nil {
						_ = l.session.Close(true)
					}
				}()
			case l := <-done:
				if l.err != nil {
					a.Err = l.err
					break
				}
				n.setSession(host, l.session)
				a.OK = true
			}

			return a
		},
	}
}

func (n *Negotiator) post(ctx context.Context, target, contentType string, body []byte, headers map[string]string) Attempt {
	a := Attempt{URL: target, ContentType: contentType}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		a.Err = err
		return a
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := n.client().Do(req)
	if err != nil {
		a.Err = err
		return a
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	a.StatusCode = res.StatusCode
	a.OK = accepted(res.StatusCode)

	return a
}

// accepted reports whether a receiver took the push. Some receivers
// answer 101 when they switch to their playback channel.
func accepted(status int) bool {
	return (status >= 200 && status < 300) || status == http.StatusSwitchingProtocols
}

// Stop asks dev to stop playback. Failures are logged and otherwise ignored.
func (n *Negotiator) Stop(ctx context.Context, dev devices.CastDevice) {
	if session := n.takeSession(dev.Host); session != nil {
		if err := session.Close(true); err != nil {
			n.Log().Debug().Str("Method", "Stop").Str("Host", dev.Host).Err(err).Msg("castv2 stop failed")
		}
	}

	if dev.Family == devices.FamilyCastDongle {
		return
	}

	target := receiverURL(dev.Host, dev.Port, "/stop")
	if err := n.control(ctx, target); err != nil {
		n.Log().Debug().Str("Method", "Stop").Str("Host", dev.Host).Err(err).Msg("stop request failed")
	}
}

// SetRate sets the playback rate, 0 pauses and 1 resumes.
func (n *Negotiator) SetRate(ctx context.Context, dev devices.CastDevice, rate float64) error {
	if session := n.session(dev.Host); session != nil {
		if rate == 0 {
			return session.Pause()
		}
		return session.Play()
	}

	target := receiverURL(dev.Host, dev.Port, "/rate?value="+strconv.FormatFloat(rate, 'f', 6, 64))
	return n.control(ctx, target)
}

func (n *Negotiator) control(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeParameters)

	client := n.StopClient
	if client == nil {
		client = n.client()
	}

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	defer res.Body.Close()

	if !accepted(res.StatusCode) {
		return fmt.Errorf("control request: %s returned %d", target, res.StatusCode)
	}

	return nil
}

func (n *Negotiator) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return newHTTPClient()
}

func (n *Negotiator) attemptTimeout() time.Duration {
	if n.AttemptTimeout > 0 {
		return n.AttemptTimeout
	}
	return DefaultAttemptTimeout
}

func (n *Negotiator) setSession(host string, s CastV2Session) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.sessions == nil {
		n.sessions = make(map[string]CastV2Session)
	}
	if old, ok := n.sessions[host]; ok {
		_ = old.Close(false)
	}
	n.sessions[host] = s
}

func (n *Negotiator) session(host string) CastV2Session {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.sessions[host]
}

func (n *Negotiator) takeSession(host string) CastV2Session {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.sessions[host]
	delete(n.sessions, host)
	return s
}

func receiverURL(host string, port int, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
}
