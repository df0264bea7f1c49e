package utils

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestListenAddress(t *testing.T) {
	tt := []struct {
		name         string
		port         int
		wantFromPort int
		wantToPort   int
	}{
		{
			`Test #1`,
			8080,
			8080,
			9080,
		},
		{
			`Test #2`,
			3500,
			3500,
			4500,
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ListenAddress("127.0.0.1", tc.port)
			if err != nil {
				t.Errorf("%s: Failed to call ListenAddress due to %s", tc.name, err.Error())
				return
			}
			outSplit := strings.Split(out, ":")

			if len(outSplit) < 2 {
				t.Errorf("%s: Not in ip:port format: %s", tc.name, out)
				return
			}

			outInt, _ := strconv.Atoi(outSplit[1])

			if outInt < tc.wantFromPort || outInt > tc.wantToPort {
				t.Errorf("%s: got: %s, wanted port between: %d - %d.", tc.name, out, tc.wantFromPort, tc.wantToPort)
				return
			}
		})
	}
}

func TestListenAddressSkipsBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	busy := ln.Addr().(*net.TCPAddr).Port

	out, err := ListenAddress("127.0.0.1", busy)
	if err != nil {
		t.Fatalf("ListenAddress() err = %v", err)
	}

	if out == ln.Addr().String() {
		t.Fatalf("ListenAddress() returned busy address %s", out)
	}
}

func TestListenAddressEmptyIP(t *testing.T) {
	if _, err := ListenAddress("", 8080); err == nil {
		t.Fatal("ListenAddress() with empty ip should fail")
	}
}

func TestNetInfo(t *testing.T) {
	tt := []struct {
		name      string
		info      NetInfo
		prefix    string
		broadcast string
		host      string
	}{
		{
			`/24`,
			NetInfo{IP: net.ParseIP("192.168.1.23"), Mask: net.CIDRMask(24, 32)},
			"192.168.1",
			"192.168.1.255",
			"192.168.1.7",
		},
		{
			`/16`,
			NetInfo{IP: net.ParseIP("10.0.3.4"), Mask: net.CIDRMask(16, 32)},
			"10.0.3",
			"10.0.255.255",
			"10.0.3.7",
		},
		{
			`missing mask`,
			NetInfo{IP: net.ParseIP("172.16.5.9")},
			"172.16.5",
			"172.16.5.255",
			"172.16.5.7",
		},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.info.Prefix(); got != tc.prefix {
				t.Errorf("Prefix() = %q, want %q", got, tc.prefix)
			}
			if got := tc.info.Broadcast().String(); got != tc.broadcast {
				t.Errorf("Broadcast() = %q, want %q", got, tc.broadcast)
			}
			if got := tc.info.HostAt(7); got != tc.host {
				t.Errorf("HostAt(7) = %q, want %q", got, tc.host)
			}
		})
	}
}

func TestPickIPv4(t *testing.T) {
	_, lo, _ := net.ParseCIDR("127.0.0.1/8")
	_, v6, _ := net.ParseCIDR("fe80::1/64")

	lan := &net.IPNet{IP: net.ParseIP("192.168.0.10"), Mask: net.CIDRMask(24, 32)}

	info, ok := pickIPv4([]net.Addr{lo, v6, lan})
	if !ok {
		t.Fatal("pickIPv4() found nothing")
	}

	if info.IP.String() != "192.168.0.10" {
		t.Fatalf("pickIPv4() ip = %s, want 192.168.0.10", info.IP)
	}

	if _, ok := pickIPv4([]net.Addr{lo, v6}); ok {
		t.Fatal("pickIPv4() should skip loopback and IPv6")
	}
}

func TestHostPortIsAlive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	if !HostPortIsAlive(addr, time.Second) {
		t.Fatalf("HostPortIsAlive(%s) = false, want true", addr)
	}

	ln.Close()

	if HostPortIsAlive(addr, 200*time.Millisecond) {
		t.Fatalf("HostPortIsAlive(%s) = true after close", addr)
	}
}
