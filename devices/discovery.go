package devices

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/screenbeam/utils"
)

// DefaultDiscoveryWindow is how long the mDNS listener runs per campaign.
const DefaultDiscoveryWindow = 15 * time.Second

// Discovery runs one discovery campaign at a time. The listener runs
// for the whole window while the broadcast probe and the subnet scan
// run once, all concurrently, feeding the same Registry.
type Discovery struct {
	Registry  *Registry
	Listener  *MDNSListener
	Broadcast *BroadcastProbe
	Scanner   *SubnetScanner

	ServiceTypes []string
	Window       time.Duration

	// LocalNetwork resolves the subnet to probe. Defaults to utils.LocalNetwork.
	LocalNetwork func() (utils.NetInfo, error)

	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDiscovery returns a campaign runner with default probers wired to r.
func NewDiscovery(r *Registry) *Discovery {
	return &Discovery{
		Registry:  r,
		Listener:  &MDNSListener{Registry: r},
		Broadcast: &BroadcastProbe{Registry: r},
		Scanner:   &SubnetScanner{Registry: r},
	}
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (d *Discovery) Log() *zerolog.Logger {
	if d.LogOutput != nil {
		d.initLogOnce.Do(func() {
			d.Logger = zerolog.New(d.LogOutput).With().Timestamp().Logger()
		})
	}
	return &d.Logger
}

// Start clears the registry and launches a campaign in the background.
// A zero window falls back to Window, then to DefaultDiscoveryWindow.
// Starting while a campaign is still running returns ErrAlreadyDiscovering.
func (d *Discovery) Start(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		window = d.Window
	}
	if window <= 0 {
		window = DefaultDiscoveryWindow
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.Log().Warn().Str("Method", "Start").Msg("discovery already running")
		return ErrAlreadyDiscovering
	}

	windowCtx, cancel := context.WithTimeout(ctx, window)
	done := make(chan struct{})
	d.running = true
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()

	d.Registry.Clear()
	d.wireLoggers()

	d.Log().Info().Str("Method", "Start").Dur("Window", window).Msg("discovery started")

	go d.run(ctx, windowCtx, cancel, done)

	return nil
}

func (d *Discovery) run(ctx, windowCtx context.Context, cancel context.CancelFunc, done chan struct{}) {
	var wg sync.WaitGroup

	if d.Listener != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Listener.Run(windowCtx, d.ServiceTypes)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.probeSubnet(ctx)
	}()

	wg.Wait()
	cancel()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	close(done)

	d.Log().Info().Str("Method", "run").Int("Devices", d.Registry.Len()).Msg("discovery finished")
}

// probeSubnet runs the broadcast probe and the subnet scan. Without
// local network info both are skipped and only the listener runs.
func (d *Discovery) probeSubnet(ctx context.Context) {
	if d.Broadcast == nil && d.Scanner == nil {
		return
	}

	localNetwork := d.LocalNetwork
	if localNetwork == nil {
		localNetwork = utils.LocalNetwork
	}

	info, err := localNetwork()
	if err != nil {
		d.Log().Warn().Str("Method", "probeSubnet").Err(err).Msg("no local network, skipping broadcast and scan")
		return
	}

	var wg sync.WaitGroup

	if d.Broadcast != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Broadcast.Probe(ctx, info.Broadcast())
		}()
	}

	if d.Scanner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.Scanner.Scan(ctx, info.Prefix(), info.IP.String()); err != nil {
				d.Log().Warn().Str("Method", "probeSubnet").Err(err).Msg("subnet scan aborted")
			}
		}()
	}

	wg.Wait()
}

func (d *Discovery) wireLoggers() {
	if d.LogOutput == nil {
		return
	}

	logger := *d.Log()
	if d.Listener != nil {
		d.Listener.Logger = logger.With().Str("Prober", "mdns").Logger()
	}
	if d.Broadcast != nil {
		d.Broadcast.Logger = logger.With().Str("Prober", "broadcast").Logger()
	}
	if d.Scanner != nil {
		d.Scanner.Logger = logger.With().Str("Prober", "scan").Logger()
	}
}

// Stop ends the discovery window. The listener stops right away;
// probes already in flight finish on their own timeouts.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
}

// Discovering reports whether a campaign is in progress.
func (d *Discovery) Discovering() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.running
}

// Wait blocks until the current campaign, if any, has finished.
func (d *Discovery) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()

	if done != nil {
		<-done
	}
}
