package devices

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeDialer struct {
	mu    sync.Mutex
	open  map[string]bool
	tried []string
}

func (f *fakeDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.mu.Lock()
	f.tried = append(f.tried, addr)
	ok := f.open[addr]
	f.mu.Unlock()

	if !ok {
		return nil, errors.New("connection refused")
	}

	c1, c2 := net.Pipe()
	c2.Close()
	return c1, nil
}

func (f *fakeDialer) attempted(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.tried {
		if a == addr {
			return true
		}
	}
	return false
}

func TestSubnetScannerClassifiesOpenPorts(t *testing.T) {
	d := &fakeDialer{open: map[string]bool{
		"10.0.0.5:7000": true,
		"10.0.0.6:8009": true,
		"10.0.0.7:22":   true,
		"10.0.0.2:7100": true,
	}}

	r := NewRegistry()
	s := &SubnetScanner{
		Registry: r,
		Dial:     d.dial,
		Timeout:  50 * time.Millisecond,
		Rate:     10000,
	}

	if err := s.Scan(context.Background(), "10.0.0", "10.0.0.2"); err != nil {
		t.Fatalf("Scan() err = %v", err)
	}

	tt := []struct {
		host   string
		family Family
		port   int
	}{
		{"10.0.0.5", FamilyStreamingReceiver, 7000},
		{"10.0.0.6", FamilyCastDongle, 8009},
	}

	for _, tc := range tt {
		dev, ok := r.Get(tc.host)
		if !ok {
			t.Fatalf("%s was not registered", tc.host)
		}
		if dev.Family != tc.family || dev.Port != tc.port || dev.Kind != KindNetworkScan {
			t.Errorf("%s: unexpected device %+v", tc.host, dev)
		}
		if want := tc.family.String() + " (" + tc.host + ")"; dev.Name != want {
			t.Errorf("%s: name = %q, want %q", tc.host, dev.Name, want)
		}
	}

	if r.Len() != 2 {
		t.Fatalf("got %d devices, want 2: %+v", r.Len(), r.List())
	}

	if d.attempted("10.0.0.2:7000") {
		t.Error("local host should be skipped")
	}
	if !d.attempted("10.0.0.50:8009") {
		t.Error("last host of the range was not probed")
	}
	if d.attempted("10.0.0.51:7000") {
		t.Error("probed past the host limit")
	}
}

func TestSubnetScannerHostLimit(t *testing.T) {
	d := &fakeDialer{open: map[string]bool{"192.168.4.9:7000": true}}

	r := NewRegistry()
	s := &SubnetScanner{Registry: r, Dial: d.dial, HostLimit: 5, Rate: 10000}

	if err := s.Scan(context.Background(), "192.168.4", ""); err != nil {
		t.Fatalf("Scan() err = %v", err)
	}

	if r.Len() != 0 {
		t.Fatalf("host outside the limit was registered: %+v", r.List())
	}
	if d.attempted("192.168.4.6:7000") {
		t.Error("probed past the host limit")
	}
}

func TestSubnetScannerCancelled(t *testing.T) {
	d := &fakeDialer{open: map[string]bool{}}
	s := &SubnetScanner{Registry: NewRegistry(), Dial: d.dial}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Scan(ctx, "10.1.1", ""); err == nil {
		t.Fatal("Scan() should report cancellation")
	}
}

func TestSubnetScannerNeverDowngrades(t *testing.T) {
	d := &fakeDialer{open: map[string]bool{"10.0.0.5:7000": true}}

	r := NewRegistry()
	r.Upsert(CastDevice{Host: "10.0.0.5", Name: "AA:BB@Living Room", Port: 7000, Kind: KindServiceAdvertisement, Family: FamilyVendor})

	s := &SubnetScanner{Registry: r, Dial: d.dial, HostLimit: 10, Rate: 10000}
	if err := s.Scan(context.Background(), "10.0.0", ""); err != nil {
		t.Fatal(err)
	}

	dev, _ := r.Get("10.0.0.5")
	if dev.Kind != KindServiceAdvertisement || dev.DisplayName() != "Living Room" {
		t.Fatalf("scan overwrote the advertised device: %+v", dev)
	}
}
