package devices

import (
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	// DefaultResolveTimeout bounds a single mDNS resolution round.
	DefaultResolveTimeout = 5 * time.Second
	// Faster polling while no advertised device is known
	mdnsPollIntervalFast = 1 * time.Second
	// Slower polling once at least one device is known to reduce network load
	mdnsPollIntervalSlow = 4 * time.Second
)

// DefaultServiceTypes are the mDNS service types vendor receivers advertise.
var DefaultServiceTypes = []string{"_raop._tcp"}

// mdnsQuery is swapped in tests.
var mdnsQuery = mdns.Query

// MDNSListener browses mDNS service types and registers vendor
// receivers into the Registry as KindServiceAdvertisement devices.
type MDNSListener struct {
	Registry       *Registry
	ResolveTimeout time.Duration
	Logger         zerolog.Logger

	// Interfaces lists the interfaces to query on. Empty means every
	// active multicast interface, or the OS default when there is none.
	Interfaces []net.Interface
}

// Listening is a running MDNSListener browse.
type Listening struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop ends the browse and waits for in-flight queries to time out.
func (h *Listening) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once every poller has returned.
func (h *Listening) Done() <-chan struct{} {
	return h.done
}

// Start browses serviceTypes until ctx is done or Stop is called.
func (l *MDNSListener) Start(ctx context.Context, serviceTypes []string) *Listening {
	ctx, cancel := context.WithCancel(ctx)
	h := &Listening{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		l.Run(ctx, serviceTypes)
	}()

	return h
}

// Run browses serviceTypes and blocks until ctx is done. Each service
// type is polled on each interface by its own goroutine so a failing
// query never stops the others.
func (l *MDNSListener) Run(ctx context.Context, serviceTypes []string) {
	if len(serviceTypes) == 0 {
		serviceTypes = DefaultServiceTypes
	}

	interfaces := l.Interfaces
	if len(interfaces) == 0 {
		interfaces = getActiveNetworkInterfaces()
	}

	var wg sync.WaitGroup
	for _, serviceType := range serviceTypes {
		if len(interfaces) == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.poll(ctx, serviceType, nil)
			}()
			continue
		}

		for _, iface := range interfaces {
			wg.Add(1)
			go func(iface net.Interface) {
				defer wg.Done()
				l.poll(ctx, serviceType, &iface)
			}(iface)
		}
	}

	wg.Wait()
}

func (l *MDNSListener) poll(ctx context.Context, serviceType string, iface *net.Interface) {
	entriesCh := make(chan *mdns.ServiceEntry, 256)
	consumerDone := make(chan struct{})

	go func() {
		defer close(consumerDone)
		for entry := range entriesCh {
			l.handleEntry(serviceType, entry)
		}
	}()

	defer func() {
		close(entriesCh)
		<-consumerDone
	}()

	ifaceName := "default"
	if iface != nil {
		ifaceName = iface.Name
	}

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTimer.C:
		}

		params := mdns.DefaultParams(serviceType)
		params.Entries = entriesCh
		params.Timeout = l.resolveTimeout()
		params.DisableIPv6 = true
		params.WantUnicastResponse = true
		params.Logger = log.New(io.Discard, "", 0)
		if iface != nil {
			params.Interface = iface
		}

		if err := mdnsQuery(params); err != nil {
			l.Logger.Debug().Str("Method", "poll").Str("Service", serviceType).Str("Interface", ifaceName).Err(err).Msg("mdns query failed")
		}

		pollTimer.Reset(l.currentPollInterval())
	}
}

func (l *MDNSListener) resolveTimeout() time.Duration {
	if l.ResolveTimeout > 0 {
		return l.ResolveTimeout
	}

	return DefaultResolveTimeout
}

func (l *MDNSListener) currentPollInterval() time.Duration {
	if l.Registry == nil {
		return mdnsPollIntervalFast
	}

	for _, dev := range l.Registry.List() {
		if dev.Kind == KindServiceAdvertisement {
			return mdnsPollIntervalSlow
		}
	}

	return mdnsPollIntervalFast
}

// handleEntry turns a resolved service into a CastDevice. Entries with
// the vendor marker in neither their name nor their TXT records are dropped.
func (l *MDNSListener) handleEntry(serviceType string, entry *mdns.ServiceEntry) {
	if entry == nil || entry.AddrV4 == nil {
		return
	}

	name := instanceName(entry.Name, serviceType)
	host := entry.AddrV4.String()

	if ClassifyAdvertisement(name, entry.InfoFields) != FamilyVendor {
		l.Logger.Debug().Str("Method", "handleEntry").Str("Name", name).Str("Host", host).Msg("skipping non vendor service")
		return
	}

	dev := CastDevice{
		Host:   host,
		Name:   CleanDisplayName(name),
		Port:   VendorVideoPort,
		Kind:   KindServiceAdvertisement,
		Family: FamilyVendor,
	}

	if l.Registry != nil && l.Registry.Upsert(dev) {
		l.Logger.Info().Str("Method", "handleEntry").Str("Name", dev.Name).Str("Host", host).Int("AdvertisedPort", entry.Port).Msg("advertised receiver found")
	}
}

// instanceName returns the unescaped service instance part of a full
// mDNS name, e.g. `AABB\@Living\ Room._raop._tcp.local.` => `AABB@Living Room`.
func instanceName(full, serviceType string) string {
	name := unescapeDNSName(full)

	suffix := "." + strings.Trim(serviceType, ".")
	if idx := strings.Index(name, suffix); idx > 0 {
		name = name[:idx]
	}

	return strings.TrimSuffix(name, ".")
}

// unescapeDNSName undoes the `\X` and `\DDD` escaping used in
// presentation format domain names.
func unescapeDNSName(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}

		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			if v, err := strconv.Atoi(s[i+1 : i+4]); err == nil && v < 256 {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}

		b.WriteByte(s[i+1])
		i++
	}

	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}
