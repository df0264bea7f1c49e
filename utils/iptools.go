package utils

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrNoLocalAddress is returned when no usable IPv4 address
// could be found on this machine.
var ErrNoLocalAddress = errors.New("no local IPv4 address")

// NetInfo describes the local IPv4 address and the subnet it belongs to.
type NetInfo struct {
	IP   net.IP
	Mask net.IPMask
}

// Prefix returns the first three octets of the local address,
// e.g. "192.168.1" for 192.168.1.23.
func (n NetInfo) Prefix() string {
	ip := n.IP.To4()
	if ip == nil {
		return ""
	}

	return fmt.Sprintf("%d.%d.%d", ip[0], ip[1], ip[2])
}

// HostAt returns the address with the given last octet inside the /24 prefix.
func (n NetInfo) HostAt(suffix int) string {
	return n.Prefix() + "." + strconv.Itoa(suffix)
}

// Broadcast returns the directed broadcast address of the subnet.
// A missing mask is treated as /24.
func (n NetInfo) Broadcast() net.IP {
	ip := n.IP.To4()
	if ip == nil {
		return nil
	}

	mask := n.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		mask = net.CIDRMask(24, 32)
	}

	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}

	return out
}

func (n NetInfo) String() string {
	if n.IP == nil {
		return ""
	}

	ones, _ := n.Mask.Size()
	return fmt.Sprintf("%s/%d", n.IP, ones)
}

// LocalNetwork resolves the local IPv4 address and its subnet mask.
// Interfaces that are up and not loopback are preferred; when none
// qualifies we fall back to the preferred outbound IP with a /24 mask.
func LocalNetwork() (NetInfo, error) {
	interfaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range interfaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}

			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}

			if info, ok := pickIPv4(addrs); ok {
				return info, nil
			}
		}
	}

	if out := net.ParseIP(GetOutboundIP()); out != nil && out.To4() != nil {
		return NetInfo{IP: out.To4(), Mask: net.CIDRMask(24, 32)}, nil
	}

	return NetInfo{}, ErrNoLocalAddress
}

func pickIPv4(addrs []net.Addr) (NetInfo, bool) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}

		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}

		mask := ipnet.Mask
		if len(mask) == net.IPv6len {
			mask = mask[12:]
		}

		return NetInfo{IP: ip4, Mask: mask}, true
	}

	return NetInfo{}, false
}

// GetOutboundIP gets the preferred outbound IP of this machine
func GetOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String()
}

// ListenAddress returns an ip:port pair we can bind our media
// server to, starting the search at the preferred port.
func ListenAddress(ip string, port int) (string, error) {
	if strings.TrimSpace(ip) == "" {
		return "", fmt.Errorf("ListenAddress: %w", ErrNoLocalAddress)
	}

	portToListen, err := checkAndPickPort(ip, port)
	if err != nil {
		return "", fmt.Errorf("ListenAddress port error: %w", err)
	}

	return net.JoinHostPort(ip, portToListen), nil
}

func checkAndPickPort(ip string, port int) (string, error) {
	const maxAttempts = 1000
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				if attempt == maxAttempts {
					break
				}
				port++
				continue
			}

			return "", fmt.Errorf("port pick error: %w", err)
		}
		conn.Close()
		return strconv.Itoa(port), nil
	}

	return "", fmt.Errorf("port pick error. Exceeded maximum attempts")
}

// HostPortIsAlive reports whether a TCP connection to h
// can be established within the timeout.
func HostPortIsAlive(h string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", h, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
