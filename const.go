package bt

// This file includes constants from the BLE spec plus the adapter-level
// enumerations of the public API.

import "github.com/sgothel/direct-bt-sub002/internal/codec"

// ScanType is the bitmask of transports a discovery session covers. The
// adapter tracks two instances: the meta scan type (what the user asked
// for) and the native scan type (what the controller is actually doing);
// meta always includes native, with equality outside pause windows.
type ScanType uint8

const (
	ScanNone  ScanType = 0
	ScanBREDR ScanType = 1 << 0
	ScanLE    ScanType = 1 << 1
	ScanDual  ScanType = ScanBREDR | ScanLE
)

func (s ScanType) Has(o ScanType) bool { return s&o == o }

func (s ScanType) String() string {
	switch s {
	case ScanNone:
		return "none"
	case ScanBREDR:
		return "bredr"
	case ScanLE:
		return "le"
	case ScanDual:
		return "dual"
	default:
		return "invalid"
	}
}

// DiscoveryPolicy controls whether the adapter auto-resumes scanning
// around connection events.
type DiscoveryPolicy uint8

const (
	// DiscoveryAutoOff stops discovery on connect and leaves it off.
	DiscoveryAutoOff DiscoveryPolicy = iota
	// DiscoveryPauseConnectedUntilDisconnected pauses scanning while any
	// connection exists and resumes when the last paused device
	// disconnects.
	DiscoveryPauseConnectedUntilDisconnected
	// DiscoveryPauseConnectedUntilReady resumes once the last paused
	// device has completed GATT service discovery.
	DiscoveryPauseConnectedUntilReady
	// DiscoveryPauseConnectedUntilPaired resumes once the last paused
	// device has completed pairing.
	DiscoveryPauseConnectedUntilPaired
	// DiscoveryAlwaysOn restarts scanning immediately after any connect.
	DiscoveryAlwaysOn
)

func (p DiscoveryPolicy) String() string {
	switch p {
	case DiscoveryAutoOff:
		return "auto-off"
	case DiscoveryPauseConnectedUntilDisconnected:
		return "pause-until-disconnected"
	case DiscoveryPauseConnectedUntilReady:
		return "pause-until-ready"
	case DiscoveryPauseConnectedUntilPaired:
		return "pause-until-paired"
	case DiscoveryAlwaysOn:
		return "always-on"
	default:
		return "invalid"
	}
}

// BTMode selects which transports an adapter is brought up with.
type BTMode uint8

const (
	BTModeDual BTMode = iota
	BTModeBREDR
	BTModeLE
)

func (m BTMode) String() string {
	switch m {
	case BTModeDual:
		return "dual"
	case BTModeBREDR:
		return "bredr"
	case BTModeLE:
		return "le"
	default:
		return "invalid"
	}
}

// BTRole is the adapter's or device's role on one connection.
type BTRole uint8

const (
	RoleMaster BTRole = iota // central: initiates connections
	RoleSlave                // peripheral: accepts connections
)

func (r BTRole) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "slave"
}

// SecurityLevel is the BT security level applied to an L2CAP channel.
type SecurityLevel uint8

const (
	SecurityNone        SecurityLevel = 0
	SecurityEncOnly     SecurityLevel = 2 // unauthenticated encryption
	SecurityEncAuth     SecurityLevel = 3 // authenticated encryption
	SecurityEncAuthFIPS SecurityLevel = 4 // authenticated LE Secure Connections
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityEncOnly:
		return "enc-only"
	case SecurityEncAuth:
		return "enc-auth"
	case SecurityEncAuthFIPS:
		return "enc-auth-fips"
	default:
		return "invalid"
	}
}

// Well-known GATT service and characteristic UUIDs used by the engine's
// Generic Access probe and the default local services of the peripheral
// role.
var (
	uuidGAPService  = codec.Short16(0x1800)
	uuidGATTService = codec.Short16(0x1801)

	uuidDeviceName          = codec.Short16(0x2A00)
	uuidAppearance          = codec.Short16(0x2A01)
	uuidPreferredConnParams = codec.Short16(0x2A04)
)

// https://developer.bluetooth.org/gatt/characteristics: appearance
// "Generic Computer".
var gapCharAppearanceGenericComputer = []byte{0x80, 0x00}
