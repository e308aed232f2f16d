package att

import (
	"fmt"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// Frame is a parsed ATT PDU: its opcode and the remaining, still-typed
// parameter bytes.
type Frame struct {
	Op     Opcode
	Params []byte
}

// ParseFrame splits a raw ATT PDU (as delivered whole by one L2CAP
// SOCK_SEQPACKET read) into its opcode and parameters.
func ParseFrame(b []byte) (Frame, error) {
	if len(b) < 1 {
		return Frame{}, fmt.Errorf("att: empty PDU")
	}
	return Frame{Op: Opcode(b[0]), Params: b[1:]}, nil
}

// ErrorResponse is the Error Response PDU.
type ErrorResponse struct {
	RequestOpcode   Opcode
	AttributeHandle uint16
	ErrorCode       ErrorCode
}

func ParseErrorResponse(b []byte) (ErrorResponse, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	op, err := r.GetU8()
	if err != nil {
		return ErrorResponse{}, err
	}
	h, err := r.GetU16()
	if err != nil {
		return ErrorResponse{}, err
	}
	ec, err := r.GetU8()
	if err != nil {
		return ErrorResponse{}, err
	}
	return ErrorResponse{RequestOpcode: Opcode(op), AttributeHandle: h, ErrorCode: ErrorCode(ec)}, nil
}

// MarshalMTUReq builds an Exchange MTU Request.
func MarshalMTUReq(clientMTU uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpMTUReq)).PutU16(clientMTU)
	return w.Bytes()
}

// MTUResp is the Exchange MTU Response.
type MTUResp struct{ ServerMTU uint16 }

func ParseMTUResp(b []byte) (MTUResp, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	v, err := r.GetU16()
	return MTUResp{ServerMTU: v}, err
}

// MarshalFindByTypeValueReq builds a Find By Type Value Request, the
// fast path for discovering a primary service by its 16-bit UUID.
func MarshalFindByTypeValueReq(startHandle, endHandle, attrType uint16, value []byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpFindByTypeReq)).PutU16(startHandle).PutU16(endHandle).PutU16(attrType).PutBytes(value)
	return w.Bytes()
}

// HandleRange is one (start,end) pair in a Find By Type Value Response /
// Read By Group Type Response continuation.
type HandleRange struct{ Start, End uint16 }

func ParseFindByTypeValueResp(b []byte) ([]HandleRange, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	var out []HandleRange
	for r.Remaining() > 0 {
		start, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		end, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		out = append(out, HandleRange{Start: start, End: end})
	}
	return out, nil
}

// MarshalReadByGroupTypeReq builds a Read By Group Type Request, used for
// primary service discovery by the GATT_PRIMARY_SERVICE group type.
func MarshalReadByGroupTypeReq(startHandle, endHandle, groupType uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpReadByGroupReq)).PutU16(startHandle).PutU16(endHandle).PutU16(groupType)
	return w.Bytes()
}

// GroupAttrData is one entry of a Read By Group Type Response.
type GroupAttrData struct {
	Handle    uint16
	EndGroup  uint16
	Value     []byte
}

func ParseReadByGroupTypeResp(b []byte) ([]GroupAttrData, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	length, err := r.GetU8()
	if err != nil {
		return nil, err
	}
	if length < 4 {
		return nil, fmt.Errorf("att: read-by-group-type length %d too small", length)
	}
	valueLen := int(length) - 4
	var out []GroupAttrData
	for r.Remaining() > 0 {
		handle, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		end, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		value, err := r.GetBytes(valueLen)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(value))
		copy(cp, value)
		out = append(out, GroupAttrData{Handle: handle, EndGroup: end, Value: cp})
	}
	return out, nil
}

// MarshalReadByTypeReq builds a Read By Type Request, used for
// characteristic declaration and descriptor-value discovery.
func MarshalReadByTypeReq(startHandle, endHandle, attrType uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpReadByTypeReq)).PutU16(startHandle).PutU16(endHandle).PutU16(attrType)
	return w.Bytes()
}

// AttrData is one entry of a Read By Type Response.
type AttrData struct {
	Handle uint16
	Value  []byte
}

func ParseReadByTypeResp(b []byte) ([]AttrData, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	length, err := r.GetU8()
	if err != nil {
		return nil, err
	}
	if length < 2 {
		return nil, fmt.Errorf("att: read-by-type length %d too small", length)
	}
	valueLen := int(length) - 2
	var out []AttrData
	for r.Remaining() > 0 {
		handle, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		value, err := r.GetBytes(valueLen)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(value))
		copy(cp, value)
		out = append(out, AttrData{Handle: handle, Value: cp})
	}
	return out, nil
}

// MarshalFindInfoReq builds a Find Information Request, used for
// descriptor discovery.
func MarshalFindInfoReq(startHandle, endHandle uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpFindInfoReq)).PutU16(startHandle).PutU16(endHandle)
	return w.Bytes()
}

// InfoEntry is one (handle, UUID) pair of a Find Information Response.
type InfoEntry struct {
	Handle uint16
	UUID   []byte // 2 or 16 raw wire bytes, caller decodes via codec.UUID
}

func ParseFindInfoResp(b []byte) ([]InfoEntry, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	format, err := r.GetU8()
	if err != nil {
		return nil, err
	}
	var uuidLen int
	switch format {
	case 0x01:
		uuidLen = 2
	case 0x02:
		uuidLen = 16
	default:
		return nil, fmt.Errorf("att: unknown find-info format %d", format)
	}
	var out []InfoEntry
	for r.Remaining() > 0 {
		handle, err := r.GetU16()
		if err != nil {
			return nil, err
		}
		uuid, err := r.GetBytes(uuidLen)
		if err != nil {
			return nil, err
		}
		cp := make([]byte, len(uuid))
		copy(cp, uuid)
		out = append(out, InfoEntry{Handle: handle, UUID: cp})
	}
	return out, nil
}

// MarshalReadReq builds a Read Request.
func MarshalReadReq(handle uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpReadReq)).PutU16(handle)
	return w.Bytes()
}

// MarshalReadBlobReq builds a Read Blob Request, the long-read
// continuation once a Read Response's value fills the MTU.
func MarshalReadBlobReq(handle, offset uint16) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpReadBlobReq)).PutU16(handle).PutU16(offset)
	return w.Bytes()
}

// MarshalWriteReq builds a Write Request (acknowledged write).
func MarshalWriteReq(handle uint16, value []byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpWriteReq)).PutU16(handle).PutBytes(value)
	return w.Bytes()
}

// MarshalWriteCmd builds a Write Command (unacknowledged write).
func MarshalWriteCmd(handle uint16, value []byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpWriteCmd)).PutU16(handle).PutBytes(value)
	return w.Bytes()
}

// MarshalPrepareWriteReq builds a Prepare Write Request, the long-write
// queueing step.
func MarshalPrepareWriteReq(handle, offset uint16, value []byte) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpPrepWriteReq)).PutU16(handle).PutU16(offset).PutBytes(value)
	return w.Bytes()
}

// MarshalExecuteWriteReq builds an Execute Write Request. flags: 0 =
// cancel queued writes, 1 = commit.
func MarshalExecuteWriteReq(flags uint8) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(OpExecWriteReq)).PutU8(flags)
	return w.Bytes()
}

// HandleValue is the payload common to Handle Value Notification and
// Handle Value Indication.
type HandleValue struct {
	Handle uint16
	Value  []byte
}

func ParseHandleValue(b []byte) (HandleValue, error) {
	r := codec.NewReader(b, codec.LittleEndian)
	handle, err := r.GetU16()
	if err != nil {
		return HandleValue{}, err
	}
	return HandleValue{Handle: handle, Value: r.GetRest()}, nil
}

// MarshalHandleCnf builds a Handle Value Confirmation, the client's
// acknowledgement of an indication.
func MarshalHandleCnf() []byte { return []byte{uint8(OpHandleCnf)} }
