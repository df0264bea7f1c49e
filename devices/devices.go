package devices

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

var (
	ErrNoDeviceAvailable  = errors.New("discovery: No available cast receivers")
	ErrDeviceNotAvailable = errors.New("devicePicker: Requested device not available")
	ErrAlreadyDiscovering = errors.New("discovery: campaign already running")
)

// ProtocolKind tells which prober reported a device. Kinds form a
// total order: a sighting only replaces a stored device when its kind
// outranks the stored one.
type ProtocolKind int

const (
	KindUnknown ProtocolKind = iota
	KindNetworkScan
	KindBroadcastReply
	KindServiceAdvertisement
)

// Outranks reports whether k is strictly more specific than other.
func (k ProtocolKind) Outranks(other ProtocolKind) bool {
	return k > other
}

func (k ProtocolKind) String() string {
	switch k {
	case KindNetworkScan:
		return "NetworkScan"
	case KindBroadcastReply:
		return "BroadcastReply"
	case KindServiceAdvertisement:
		return "ServiceAdvertisement"
	default:
		return "Unknown"
	}
}

// Family is the casting wire protocol a device is expected to accept.
type Family int

const (
	FamilyUnknown Family = iota
	// FamilyVendor receivers take EShare style pushes.
	FamilyVendor
	// FamilyStreamingReceiver receivers take AirPlay style pushes.
	FamilyStreamingReceiver
	// FamilyCastDongle receivers are Chromecast style dongles.
	FamilyCastDongle
)

func (f Family) String() string {
	switch f {
	case FamilyVendor:
		return "EShare"
	case FamilyStreamingReceiver:
		return "AirPlay"
	case FamilyCastDongle:
		return "Chromecast"
	default:
		return "Network Device"
	}
}

const (
	// VendorMarker is the tag an advertised name must carry
	// for us to accept it as a vendor receiver.
	VendorMarker = "EShare"
	// VendorVideoPort is where vendor receivers accept video pushes,
	// regardless of the advertised control port.
	VendorVideoPort = 7000
)

// ClassifyAdvertisedName maps an advertised service instance name to a
// protocol family. Only names carrying the vendor marker are accepted;
// everything else is FamilyUnknown and gets filtered out.
func ClassifyAdvertisedName(name string) Family {
	if strings.Contains(strings.ToLower(name), strings.ToLower(VendorMarker)) {
		return FamilyVendor
	}

	return FamilyUnknown
}

// ClassifyAdvertisement classifies an advertised service by its instance
// name first and then by its TXT records, since some receivers only
// carry the vendor tag in their model field.
func ClassifyAdvertisement(name string, txt []string) Family {
	if family := ClassifyAdvertisedName(name); family != FamilyUnknown {
		return family
	}

	for _, field := range txt {
		if ClassifyAdvertisedName(field) == FamilyVendor {
			return FamilyVendor
		}
	}

	return FamilyUnknown
}

// ClassifyPort guesses the protocol family from an open TCP port.
func ClassifyPort(port int) Family {
	switch port {
	case 7000, 7100:
		return FamilyStreamingReceiver
	case 8008, 8009:
		return FamilyCastDongle
	default:
		return FamilyUnknown
	}
}

// CleanDisplayName strips a machine identifier prefix such as
// "AABBCCDDEEFF@" from an advertised name.
func CleanDisplayName(name string) string {
	if _, after, ok := strings.Cut(name, "@"); ok {
		name = after
	}

	return strings.TrimSpace(name)
}

// CastDevice is a receiver seen on the network. Host is the identity.
type CastDevice struct {
	Host     string
	Name     string
	Port     int
	Kind     ProtocolKind
	Family   Family
	Selected bool
}

// DisplayName returns the name shown to users.
func (d CastDevice) DisplayName() string {
	if name := CleanDisplayName(d.Name); name != "" {
		return name
	}

	return d.Family.String() + " (" + d.Host + ")"
}

// ID returns the host:port pair of the device.
func (d CastDevice) ID() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// DevicePicker will pick the nth device (1-based) from the list.
func DevicePicker(list []CastDevice, n int) (CastDevice, error) {
	if n > len(list) || len(list) == 0 || n <= 0 {
		return CastDevice{}, ErrDeviceNotAvailable
	}

	return list[n-1], nil
}
