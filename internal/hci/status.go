package hci

import "fmt"

// Status is the one-byte HCI status/error code carried in Command Complete,
// Command Status, and most other event parameters.
type Status uint8

const (
	StatusSuccess               Status = 0x00
	StatusUnknownCommand        Status = 0x01
	StatusUnknownConnID         Status = 0x02
	StatusHardwareFailure       Status = 0x03
	StatusPageTimeout           Status = 0x04
	StatusAuthFailure           Status = 0x05
	StatusPinOrKeyMissing       Status = 0x06
	StatusMemoryCapacityExceeded Status = 0x07
	StatusConnTimeout           Status = 0x08
	StatusConnLimitExceeded     Status = 0x09
	StatusCommandDisallowed     Status = 0x0c
	StatusInvalidParameters     Status = 0x12
	StatusRemoteUserTerminated  Status = 0x13
	StatusRemotePowerOff        Status = 0x15
	StatusConnTerminatedByLocal Status = 0x16
	StatusUnsupportedRemoteFeature Status = 0x1a
	StatusUnspecifiedError      Status = 0x1f
	StatusUnsupportedLEParamValue Status = 0x20
	StatusControllerBusy        Status = 0x3a
	StatusUnacceptableConnParams Status = 0x3b
)

// Err returns nil for StatusSuccess and an error wrapping the status
// otherwise, the idiom PDU-parsing callers use to fold a status byte into
// Go's normal error-handling flow.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return statusError(s)
}

type statusError Status

func (e statusError) Error() string { return fmt.Sprintf("hci: %s", Status(e).String()) }

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusUnknownConnID:
		return "unknown connection identifier"
	case StatusHardwareFailure:
		return "hardware failure"
	case StatusPageTimeout:
		return "page timeout"
	case StatusAuthFailure:
		return "authentication failure"
	case StatusPinOrKeyMissing:
		return "PIN or key missing"
	case StatusMemoryCapacityExceeded:
		return "memory capacity exceeded"
	case StatusConnTimeout:
		return "connection timeout"
	case StatusConnLimitExceeded:
		return "connection limit exceeded"
	case StatusCommandDisallowed:
		return "command disallowed"
	case StatusInvalidParameters:
		return "invalid HCI command parameters"
	case StatusRemoteUserTerminated:
		return "remote user terminated connection"
	case StatusRemotePowerOff:
		return "remote device powered off"
	case StatusConnTerminatedByLocal:
		return "connection terminated by local host"
	case StatusUnsupportedRemoteFeature:
		return "unsupported remote feature"
	case StatusUnspecifiedError:
		return "unspecified error"
	case StatusUnsupportedLEParamValue:
		return "unsupported LE parameter value"
	case StatusControllerBusy:
		return "controller busy"
	case StatusUnacceptableConnParams:
		return "unacceptable connection parameters"
	default:
		return fmt.Sprintf("status(0x%02X)", uint8(s))
	}
}
