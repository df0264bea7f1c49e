package devices

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
)

func TestInstanceName(t *testing.T) {
	tt := []struct {
		name        string
		full        string
		serviceType string
		want        string
	}{
		{
			`escaped raop name`,
			`AABBCCDDEEFF\@EShare\ Room\ 3._raop._tcp.local.`,
			"_raop._tcp",
			"AABBCCDDEEFF@EShare Room 3",
		},
		{
			`decimal escape`,
			`EShare\0321._raop._tcp.local.`,
			"_raop._tcp",
			"EShare 1",
		},
		{
			`plain`,
			"Projector",
			"_raop._tcp",
			"Projector",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := instanceName(tc.full, tc.serviceType); got != tc.want {
				t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
			}
		})
	}
}

func TestHandleEntryFiltersByMarker(t *testing.T) {
	r := NewRegistry()
	l := &MDNSListener{Registry: r}

	l.handleEntry("_raop._tcp", &mdns.ServiceEntry{
		Name:   `0011@Kitchen\ TV._raop._tcp.local.`,
		AddrV4: net.ParseIP("10.0.0.7"),
		Port:   5000,
	})

	l.handleEntry("_raop._tcp", &mdns.ServiceEntry{
		Name:   `AABB\@EShare-Living._raop._tcp.local.`,
		AddrV4: net.ParseIP("10.0.0.8"),
		Port:   5000,
	})

	l.handleEntry("_raop._tcp", &mdns.ServiceEntry{Name: "EShare no address"})
	l.handleEntry("_raop._tcp", nil)

	list := r.List()
	if len(list) != 1 {
		t.Fatalf("got %d devices, want 1: %+v", len(list), list)
	}

	dev := list[0]
	if dev.Host != "10.0.0.8" {
		t.Errorf("host = %q", dev.Host)
	}
	if dev.Port != VendorVideoPort {
		t.Errorf("port = %d, want video port %d", dev.Port, VendorVideoPort)
	}
	if dev.Name != "EShare-Living" {
		t.Errorf("name = %q", dev.Name)
	}
	if dev.Kind != KindServiceAdvertisement || dev.Family != FamilyVendor {
		t.Errorf("kind/family = %s/%s", dev.Kind, dev.Family)
	}
}

func TestMDNSListenerSurvivesQueryErrors(t *testing.T) {
	origQuery := mdnsQuery
	t.Cleanup(func() {
		mdnsQuery = origQuery
	})

	var calls atomic.Int32
	mdnsQuery = func(params *mdns.QueryParam) error {
		n := calls.Add(1)
		if params.Timeout != 50*time.Millisecond {
			t.Errorf("query timeout = %s, want 50ms", params.Timeout)
		}

		switch params.Service {
		case "_broken._tcp":
			return errors.New("boom")
		case "_raop._tcp":
			params.Entries <- &mdns.ServiceEntry{
				Name:   `99\@EShare\ Hall._raop._tcp.local.`,
				AddrV4: net.ParseIP("10.0.0.20"),
				Port:   7000 + int(n),
			}
		}

		return nil
	}

	r := NewRegistry()
	l := &MDNSListener{
		Registry:       r,
		ResolveTimeout: 50 * time.Millisecond,
		Interfaces:     []net.Interface{{Index: 99, Name: "test0"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := l.Start(ctx, []string{"_broken._tcp", "_raop._tcp"})

	deadline := time.After(3 * time.Second)
	for r.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("advertised device never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	h.Stop()

	select {
	case <-h.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}

	dev, ok := r.Get("10.0.0.20")
	if !ok || dev.Name != "EShare Hall" {
		t.Fatalf("unexpected device %+v (found=%v)", dev, ok)
	}
}
