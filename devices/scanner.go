package devices

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultScanTimeout   = 200 * time.Millisecond
	defaultScanHostLimit = 50
	defaultScanWorkers   = 16
	defaultScanRate      = rate.Limit(200)
)

// DefaultScanPorts are the TCP ports probed on every host.
var DefaultScanPorts = []int{7000, 7100, 8008, 8009}

// SubnetScanner connects to a fixed set of ports on the first hosts of
// the local /24 and registers every host that accepts a connection.
type SubnetScanner struct {
	Registry  *Registry
	Ports     []int
	Timeout   time.Duration
	HostLimit int
	Workers   int
	// Rate caps connection attempts per second across all workers.
	Rate rate.Limit

	// Dial opens the probe connection. Defaults to a net.Dialer.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger zerolog.Logger
}

// Scan probes prefix.1 to prefix.HostLimit, skipping skipHost. It
// returns early only when ctx is cancelled.
func (s *SubnetScanner) Scan(ctx context.Context, prefix, skipHost string) error {
	hostLimit := s.HostLimit
	if hostLimit <= 0 {
		hostLimit = defaultScanHostLimit
	}

	workers := s.Workers
	if workers <= 0 {
		workers = defaultScanWorkers
	}

	limit := s.Rate
	if limit <= 0 {
		limit = defaultScanRate
	}
	limiter := rate.NewLimiter(limit, workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for suffix := 1; suffix <= hostLimit && suffix < 255; suffix++ {
		host := prefix + "." + strconv.Itoa(suffix)
		if host == skipHost {
			continue
		}

		g.Go(func() error {
			return s.scanHost(gctx, limiter, host)
		})
	}

	err := g.Wait()
	s.Logger.Debug().Str("Method", "Scan").Str("Prefix", prefix).Int("Hosts", hostLimit).Msg("subnet scan finished")

	return err
}

func (s *SubnetScanner) scanHost(ctx context.Context, limiter *rate.Limiter, host string) error {
	ports := s.Ports
	if len(ports) == 0 {
		ports = DefaultScanPorts
	}

	for _, port := range ports {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		if !s.portOpen(ctx, host, port) {
			continue
		}

		family := ClassifyPort(port)
		if family == FamilyUnknown {
			continue
		}

		dev := CastDevice{
			Host:   host,
			Name:   family.String() + " (" + host + ")",
			Port:   port,
			Kind:   KindNetworkScan,
			Family: family,
		}

		if s.Registry != nil && s.Registry.Upsert(dev) {
			s.Logger.Info().Str("Method", "scanHost").Str("Host", host).Int("Port", port).Str("Family", family.String()).Msg("receiver found by scan")
		}

		return nil
	}

	return nil
}

func (s *SubnetScanner) portOpen(ctx context.Context, host string, port int) bool {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultScanTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := s.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	conn, err := dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()

	return true
}
