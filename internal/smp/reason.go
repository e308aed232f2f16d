package smp

import "fmt"

// Reason is the SMP pairing-failure reason carried by a Pairing Failed
// PDU, preserved verbatim from the wire so callers can distinguish
// retryable from fatal failures.
type Reason uint8

const (
	ReasonPasskeyEntryFailed  Reason = 0x01
	ReasonOOBNotAvailable     Reason = 0x02
	ReasonAuthRequirements    Reason = 0x03
	ReasonConfirmValueFailed  Reason = 0x04
	ReasonPairingNotSupported Reason = 0x05
	ReasonEncryptionKeySize   Reason = 0x06
	ReasonCommandNotSupported Reason = 0x07
	ReasonUnspecified         Reason = 0x08
	ReasonRepeatedAttempts    Reason = 0x09
	ReasonInvalidParameters   Reason = 0x0a
	ReasonDHKeyCheckFailed    Reason = 0x0b
	ReasonNumericCompareFailed Reason = 0x0c
	ReasonBREDRPairingInProgress Reason = 0x0d
	ReasonCrossTransportNotAllowed Reason = 0x0e
)

func (r Reason) Error() string {
	switch r {
	case ReasonPasskeyEntryFailed:
		return "passkey entry failed"
	case ReasonOOBNotAvailable:
		return "OOB not available"
	case ReasonAuthRequirements:
		return "authentication requirements"
	case ReasonConfirmValueFailed:
		return "confirm value failed"
	case ReasonPairingNotSupported:
		return "pairing not supported"
	case ReasonEncryptionKeySize:
		return "encryption key size"
	case ReasonCommandNotSupported:
		return "command not supported"
	case ReasonUnspecified:
		return "unspecified reason"
	case ReasonRepeatedAttempts:
		return "repeated attempts"
	case ReasonInvalidParameters:
		return "invalid parameters"
	case ReasonDHKeyCheckFailed:
		return "DHKey check failed"
	case ReasonNumericCompareFailed:
		return "numeric comparison failed"
	case ReasonBREDRPairingInProgress:
		return "BR/EDR pairing in progress"
	case ReasonCrossTransportNotAllowed:
		return "cross-transport key derivation not allowed"
	default:
		return fmt.Sprintf("smp-reason(0x%02X)", uint8(r))
	}
}
