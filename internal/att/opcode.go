// Package att implements the Attribute Protocol PDU types and the client
// half of its request/response exchange used by the GATT engine (component
// C6), built the way the teacher's const.go/att.go lay out ATT opcodes and
// error codes for its GATT-server role.
package att

import "fmt"

// DefaultMTU is the minimum ATT MTU every LE link starts from.
const DefaultMTU = 23

// Opcode is the one-byte ATT PDU opcode.
type Opcode uint8

const (
	OpError           Opcode = 0x01
	OpMTUReq          Opcode = 0x02
	OpMTUResp         Opcode = 0x03
	OpFindInfoReq     Opcode = 0x04
	OpFindInfoResp    Opcode = 0x05
	OpFindByTypeReq   Opcode = 0x06
	OpFindByTypeResp  Opcode = 0x07
	OpReadByTypeReq   Opcode = 0x08
	OpReadByTypeResp  Opcode = 0x09
	OpReadReq         Opcode = 0x0a
	OpReadResp        Opcode = 0x0b
	OpReadBlobReq     Opcode = 0x0c
	OpReadBlobResp    Opcode = 0x0d
	OpReadMultiReq    Opcode = 0x0e
	OpReadMultiResp   Opcode = 0x0f
	OpReadByGroupReq  Opcode = 0x10
	OpReadByGroupResp Opcode = 0x11
	OpWriteReq        Opcode = 0x12
	OpWriteResp       Opcode = 0x13
	OpPrepWriteReq    Opcode = 0x16
	OpPrepWriteResp   Opcode = 0x17
	OpExecWriteReq    Opcode = 0x18
	OpExecWriteResp   Opcode = 0x19
	OpHandleNotify    Opcode = 0x1b
	OpHandleInd       Opcode = 0x1d
	OpHandleCnf       Opcode = 0x1e
	OpWriteCmd        Opcode = 0x52
	OpSignedWriteCmd  Opcode = 0xd2
)

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("att-opcode(0x%02X)", uint8(op))
}

// IsResponse reports whether op is the reply to a request.
func (op Opcode) IsResponse() bool {
	switch op {
	case OpMTUResp, OpFindInfoResp, OpFindByTypeResp, OpReadByTypeResp,
		OpReadResp, OpReadBlobResp, OpReadMultiResp, OpReadByGroupResp,
		OpWriteResp, OpPrepWriteResp, OpExecWriteResp:
		return true
	default:
		return false
	}
}

// ErrorCode is the ATT error code carried in an Error Response.
type ErrorCode uint8

const (
	ErrInvalidHandle        ErrorCode = 0x01
	ErrReadNotPermitted      ErrorCode = 0x02
	ErrWriteNotPermitted     ErrorCode = 0x03
	ErrInvalidPDU            ErrorCode = 0x04
	ErrInsufficientAuth      ErrorCode = 0x05
	ErrRequestNotSupported   ErrorCode = 0x06
	ErrInvalidOffset         ErrorCode = 0x07
	ErrInsufficientAuthor    ErrorCode = 0x08
	ErrPrepareQueueFull      ErrorCode = 0x09
	ErrAttrNotFound          ErrorCode = 0x0a
	ErrAttrNotLong           ErrorCode = 0x0b
	ErrInsufficientEncKeySize ErrorCode = 0x0c
	ErrInvalidAttrValueLen   ErrorCode = 0x0d
	ErrUnlikely              ErrorCode = 0x0e
	ErrInsufficientEnc       ErrorCode = 0x0f
	ErrUnsupportedGroupType  ErrorCode = 0x10
	ErrInsufficientResources ErrorCode = 0x11

	// SPEC_FULL.md §5 long-read/write extensions over the teacher's
	// server-only set.
	ErrOutOfRange ErrorCode = 0xff
)

func (e ErrorCode) Error() string {
	switch e {
	case ErrInvalidHandle:
		return "invalid handle"
	case ErrReadNotPermitted:
		return "read not permitted"
	case ErrWriteNotPermitted:
		return "write not permitted"
	case ErrInvalidPDU:
		return "invalid PDU"
	case ErrInsufficientAuth:
		return "insufficient authentication"
	case ErrRequestNotSupported:
		return "request not supported"
	case ErrInvalidOffset:
		return "invalid offset"
	case ErrInsufficientAuthor:
		return "insufficient authorization"
	case ErrPrepareQueueFull:
		return "prepare queue full"
	case ErrAttrNotFound:
		return "attribute not found"
	case ErrAttrNotLong:
		return "attribute not long"
	case ErrInsufficientEncKeySize:
		return "insufficient encryption key size"
	case ErrInvalidAttrValueLen:
		return "invalid attribute value length"
	case ErrUnlikely:
		return "unlikely error"
	case ErrInsufficientEnc:
		return "insufficient encryption"
	case ErrUnsupportedGroupType:
		return "unsupported group type"
	case ErrInsufficientResources:
		return "insufficient resources"
	default:
		return fmt.Sprintf("att-error(0x%02X)", uint8(e))
	}
}

// requestFor maps each response opcode back to the request it answers,
// the mirror of the teacher's attRespFor (request → response) map. The
// GATT engine does not consult it: it matches a reply on the expected
// response opcode or on an Error Response.
var requestFor = map[Opcode]Opcode{
	OpMTUResp:         OpMTUReq,
	OpFindInfoResp:    OpFindInfoReq,
	OpFindByTypeResp:  OpFindByTypeReq,
	OpReadByTypeResp:  OpReadByTypeReq,
	OpReadResp:        OpReadReq,
	OpReadBlobResp:    OpReadBlobReq,
	OpReadMultiResp:   OpReadMultiReq,
	OpReadByGroupResp: OpReadByGroupReq,
	OpWriteResp:       OpWriteReq,
	OpPrepWriteResp:   OpPrepWriteReq,
	OpExecWriteResp:   OpExecWriteReq,
}

var opcodeNames = map[Opcode]string{
	OpError:           "ErrorResponse",
	OpMTUReq:          "ExchangeMTURequest",
	OpMTUResp:         "ExchangeMTUResponse",
	OpFindInfoReq:     "FindInformationRequest",
	OpFindInfoResp:    "FindInformationResponse",
	OpFindByTypeReq:   "FindByTypeValueRequest",
	OpFindByTypeResp:  "FindByTypeValueResponse",
	OpReadByTypeReq:   "ReadByTypeRequest",
	OpReadByTypeResp:  "ReadByTypeResponse",
	OpReadReq:         "ReadRequest",
	OpReadResp:        "ReadResponse",
	OpReadBlobReq:     "ReadBlobRequest",
	OpReadBlobResp:    "ReadBlobResponse",
	OpReadMultiReq:    "ReadMultipleRequest",
	OpReadMultiResp:   "ReadMultipleResponse",
	OpReadByGroupReq:  "ReadByGroupTypeRequest",
	OpReadByGroupResp: "ReadByGroupTypeResponse",
	OpWriteReq:        "WriteRequest",
	OpWriteResp:       "WriteResponse",
	OpPrepWriteReq:    "PrepareWriteRequest",
	OpPrepWriteResp:   "PrepareWriteResponse",
	OpExecWriteReq:    "ExecuteWriteRequest",
	OpExecWriteResp:   "ExecuteWriteResponse",
	OpHandleNotify:    "HandleValueNotification",
	OpHandleInd:       "HandleValueIndication",
	OpHandleCnf:       "HandleValueConfirmation",
	OpWriteCmd:        "WriteCommand",
	OpSignedWriteCmd:  "SignedWriteCommand",
}

// Well-known GATT declaration and descriptor UUIDs, short (16-bit) form.
const (
	UUIDPrimaryService       = 0x2800
	UUIDSecondaryService     = 0x2801
	UUIDInclude              = 0x2802
	UUIDCharacteristic       = 0x2803
	UUIDClientCharCfg        = 0x2902
	UUIDServerCharCfg        = 0x2903
	UUIDCharExtendedProps    = 0x2900
	UUIDCharUserDescription  = 0x2901
	UUIDCharPresentationFmt  = 0x2904
)

// Client Characteristic Configuration bit flags.
const (
	CCCNotify   = 0x0001
	CCCIndicate = 0x0002
)
