package devices

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/rs/zerolog"
)

const (
	defaultBroadcastReceiveTimeout = 3 * time.Second
	defaultBroadcastMaxReceives    = 3
	defaultSSDPWaitSeconds         = 2
	broadcastGenericName           = "EShare Device"
)

var (
	// DefaultBroadcastPorts are the UDP ports vendor receivers answer discovery on.
	DefaultBroadcastPorts = []int{48689, 8121, 2425}
	// DefaultBroadcastPayload is the vendor discovery datagram.
	DefaultBroadcastPayload = []byte("ESHARE_DISCOVER")
)

// ssdpSearch is swapped in tests.
var ssdpSearch = ssdp.Search

// BroadcastProbe sends discovery datagrams to the subnet broadcast
// address and registers every host that answers.
type BroadcastProbe struct {
	Registry       *Registry
	Ports          []int
	Payload        []byte
	ReceiveTimeout time.Duration
	MaxReceives    int

	// SSDP additionally runs an SSDP M-SEARCH sweep for media renderers.
	SSDP        bool
	SSDPWaitSec int

	Logger zerolog.Logger
}

// Probe runs one discovery round against target, usually the subnet
// broadcast address. Every port is probed by its own goroutine, so a
// socket error on one port never blocks the others.
func (p *BroadcastProbe) Probe(ctx context.Context, target net.IP) {
	ports := p.Ports
	if len(ports) == 0 {
		ports = DefaultBroadcastPorts
	}

	var wg sync.WaitGroup
	for _, port := range ports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.probePort(ctx, target, port); err != nil {
				p.Logger.Warn().Str("Method", "Probe").Int("Port", port).Err(err).Msg("udp discovery failed")
			}
		}()
	}

	if p.SSDP {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.sweepSSDP(); err != nil {
				p.Logger.Warn().Str("Method", "Probe").Err(err).Msg("ssdp sweep failed")
			}
		}()
	}

	wg.Wait()
}

func (p *BroadcastProbe) probePort(ctx context.Context, target net.IP, port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return err
	}
	defer conn.Close()

	payload := p.Payload
	if len(payload) == 0 {
		payload = DefaultBroadcastPayload
	}

	if _, err := conn.WriteToUDP(payload, &net.UDPAddr{IP: target, Port: port}); err != nil {
		return err
	}
	p.Logger.Debug().Str("Method", "probePort").Str("Target", target.String()).Int("Port", port).Msg("discovery sent")

	timeout := p.ReceiveTimeout
	if timeout <= 0 {
		timeout = defaultBroadcastReceiveTimeout
	}

	receives := p.MaxReceives
	if receives <= 0 {
		receives = defaultBroadcastMaxReceives
	}

	buf := make([]byte, 1024)
	for range receives {
		if ctx.Err() != nil {
			return nil
		}

		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}

		host := addr.IP.String()
		p.Logger.Debug().Str("Method", "probePort").Str("Host", host).Int("Port", port).Str("Reply", string(buf[:n])).Msg("discovery reply")

		p.register(CastDevice{
			Host:   host,
			Name:   broadcastGenericName,
			Port:   VendorVideoPort,
			Kind:   KindBroadcastReply,
			Family: FamilyVendor,
		})
	}

	return nil
}

func (p *BroadcastProbe) sweepSSDP() error {
	wait := p.SSDPWaitSec
	if wait <= 0 {
		wait = defaultSSDPWaitSeconds
	}

	list, err := ssdpSearch(ssdp.All, wait, "")
	if err != nil {
		return err
	}

	for _, srv := range list {
		if !strings.Contains(srv.Type, "AVTransport") && !strings.Contains(srv.Type, "MediaRenderer") {
			continue
		}

		host, port, ok := hostPortFromLocation(srv.Location)
		if !ok {
			continue
		}

		p.register(CastDevice{
			Host:   host,
			Port:   port,
			Kind:   KindBroadcastReply,
			Family: FamilyUnknown,
		})
	}

	return nil
}

func (p *BroadcastProbe) register(dev CastDevice) {
	if p.Registry != nil && p.Registry.Upsert(dev) {
		p.Logger.Info().Str("Method", "register").Str("Host", dev.Host).Int("Port", dev.Port).Msg("broadcast receiver found")
	}
}

func hostPortFromLocation(location string) (string, int, bool) {
	u, err := url.Parse(location)
	if err != nil || u.Hostname() == "" {
		return "", 0, false
	}

	port := 80
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, false
		}
	}

	return u.Hostname(), port, true
}
