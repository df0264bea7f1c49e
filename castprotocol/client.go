package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/application"
	"github.com/vishen/go-chromecast/cast"
)

// DefaultCastV2Port is the CASTV2 control port of cast dongles.
const DefaultCastV2Port = 8009

const (
	castLoadAttempts = 3
	castWakeupDelay  = 2 * time.Second
)

// CastV2Session is a connected CASTV2 media session.
type CastV2Session interface {
	Load(mediaURL, contentType string) error
	Pause() error
	Play() error
	Close(stopMedia bool) error
}

// CastClient wraps go-chromecast Application for the few commands
// a push cast needs.
type CastClient struct {
	app         *application.Application
	mu          sync.Mutex
	host        string
	port        int
	connected   bool
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *CastClient) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewCastClient returns a client for the dongle at host:port.
// A zero port means DefaultCastV2Port.
func NewCastClient(host string, port int) *CastClient {
	if port == 0 {
		port = DefaultCastV2Port
	}

	app := application.NewApplication(
		application.WithConnection(cast.NewConnection()),
		application.WithConnectionRetries(3),
	)

	return &CastClient{
		app:  app,
		host: host,
		port: port,
	}
}

// Connect establishes the CASTV2 connection.
func (c *CastClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")
	if err := c.app.Start(c.host, c.port); err != nil {
		return fmt.Errorf("chromecast connect: %w", err)
	}
	c.connected = true

	return nil
}

// Load starts playback of mediaURL on the default media receiver.
// Timeouts are retried a few times since sleeping TVs take a while to wake.
func (c *CastClient) Load(mediaURL, contentType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("chromecast load: not connected")
	}

	var lastErr error
	for attempt := range castLoadAttempts {
		err := c.app.Load(mediaURL, 0, contentType, false, false, false)
		if err == nil {
			c.Log().Debug().Str("Method", "Load").Str("URL", mediaURL).Msg("load success")
			return nil
		}

		lastErr = err
		if !isTimeoutError(err) {
			break
		}

		c.Log().Debug().Str("Method", "Load").Int("Attempt", attempt).Err(err).Msg("timeout, TV may be waking up, retrying")
		time.Sleep(castWakeupDelay)
	}

	return fmt.Errorf("chromecast load: %w", lastErr)
}

// Play resumes playback.
func (c *CastClient) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.app.Unpause()
}

// Pause pauses playback.
func (c *CastClient) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.app.Pause()
}

// Close disconnects, optionally stopping the media first.
func (c *CastClient) Close(stopMedia bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Close").Bool("StopMedia", stopMedia).Msg("closing connection")
	c.connected = false

	return c.app.Close(stopMedia)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func dialCastV2(host string, port int, logger zerolog.Logger) (CastV2Session, error) {
	c := NewCastClient(host, port)
	c.Logger = logger
	if err := c.Connect(); err != nil {
		return nil, err
	}

	return c, nil
}
