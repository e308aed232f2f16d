package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgothel/direct-bt-sub002/internal/att"
	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

func testServer(t *testing.T) *GATTServer {
	t.Helper()
	svc := NewService(codec.Short16(0x180f))
	battery := svc.AddCharacteristic(codec.Short16(0x2a19))
	battery.SetValue([]byte{0x63})
	battery.HandleNotifyFunc(func(r Request, n Notifier) {})
	return NewGATTServer("test-periph", svc)
}

func testCentral(t *testing.T, srv *GATTServer) *central {
	t.Helper()
	ch := newFakeATTChannel(nil)
	return newCentral(srv, ch, mustAddr(t, "AA:BB:CC:DD:EE:10", AddrLERandom))
}

func TestServerMTUExchange(t *testing.T) {
	c := testCentral(t, testServer(t))
	resp := c.handleReq([]byte{uint8(att.OpMTUReq), 0x05, 0x02}) // client 517
	require.Equal(t, uint8(att.OpMTUResp), resp[0])
	assert.Equal(t, 517, c.MTU())
}

func TestServerReadByGroupListsServices(t *testing.T) {
	c := testCentral(t, testServer(t))
	req := codec.NewWriter(codec.LittleEndian)
	req.PutU8(uint8(att.OpReadByGroupReq)).PutU16(0x0001).PutU16(0xFFFF).PutU16(att.UUIDPrimaryService)

	resp := c.handleReq(req.Bytes())
	require.Equal(t, uint8(att.OpReadByGroupResp), resp[0])
	groups, err := att.ParseReadByGroupTypeResp(resp[1:])
	require.NoError(t, err)
	// GAP + GATT defaults + the battery service
	require.Len(t, groups, 3)
	// the last service's group end is open-ended
	assert.Equal(t, uint16(0xFFFF), groups[2].EndGroup)
	u, err := codec.FromWire(groups[2].Value)
	require.NoError(t, err)
	assert.True(t, u.Equal(codec.Short16(0x180f)))
}

func TestServerCharacteristicDiscoveryAndRead(t *testing.T) {
	srv := testServer(t)
	c := testCentral(t, srv)

	// find the battery characteristic declaration
	req := codec.NewWriter(codec.LittleEndian)
	req.PutU8(uint8(att.OpReadByTypeReq)).PutU16(0x0001).PutU16(0xFFFF).PutU16(att.UUIDCharacteristic)
	resp := c.handleReq(req.Bytes())
	require.Equal(t, uint8(att.OpReadByTypeResp), resp[0])
	attrs, err := att.ParseReadByTypeResp(resp[1:])
	require.NoError(t, err)
	require.NotEmpty(t, attrs)

	var valueHandle uint16
	for _, a := range attrs {
		u, err := codec.FromWire(a.Value[3:])
		if err == nil && u.Equal(codec.Short16(0x2a19)) {
			valueHandle = uint16(a.Value[1]) | uint16(a.Value[2])<<8
		}
	}
	require.NotZero(t, valueHandle, "battery characteristic must be discoverable")

	read := codec.NewWriter(codec.LittleEndian)
	read.PutU8(uint8(att.OpReadReq)).PutU16(valueHandle)
	resp = c.handleReq(read.Bytes())
	require.Equal(t, uint8(att.OpReadResp), resp[0])
	assert.Equal(t, []byte{0x63}, resp[1:])
}

func TestServerErrorsOnUnknownHandleAndOpcode(t *testing.T) {
	c := testCentral(t, testServer(t))

	read := codec.NewWriter(codec.LittleEndian)
	read.PutU8(uint8(att.OpReadReq)).PutU16(0x7777)
	resp := c.handleReq(read.Bytes())
	require.Equal(t, uint8(att.OpError), resp[0])
	er, err := att.ParseErrorResponse(resp[1:])
	require.NoError(t, err)
	assert.Equal(t, att.ErrInvalidHandle, er.ErrorCode)

	resp = c.handleReq([]byte{0x7f})
	require.Equal(t, uint8(att.OpError), resp[0])
	er, err = att.ParseErrorResponse(resp[1:])
	require.NoError(t, err)
	assert.Equal(t, att.ErrRequestNotSupported, er.ErrorCode)
}

func TestServerWriteRoundTrip(t *testing.T) {
	svc := NewService(codec.Short16(0x1815))
	ctrl := svc.AddCharacteristic(codec.Short16(0x2a56))
	var written []byte
	ctrl.HandleWriteFunc(func(r Request, data []byte) byte {
		written = append([]byte(nil), data...)
		return StatusSuccess
	})
	srv := NewGATTServer("writer", svc)
	c := testCentral(t, srv)

	_, valueHandle := ctrl.Handles()
	require.NotZero(t, valueHandle)

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpWriteReq)).PutU16(valueHandle).PutBytes([]byte{0xab, 0xcd})
	resp := c.handleReq(w.Bytes())
	assert.Equal(t, []byte{uint8(att.OpWriteResp)}, resp)
	assert.Equal(t, []byte{0xab, 0xcd}, written)

	// write command: no response due
	w = codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpWriteCmd)).PutU16(valueHandle).PutBytes([]byte{0x01})
	assert.Nil(t, c.handleReq(w.Bytes()))
	assert.Equal(t, []byte{0x01}, written)
}

func TestGenerateHandlesLaysOutCCCD(t *testing.T) {
	srv := testServer(t)
	// battery characteristic carries notify, so a CCCD must exist
	var cccd *handle
	for i := range srv.handles.hh {
		h := srv.handles.hh[i]
		if h.typ == typDescriptor && h.uuid.Is16() && h.uuid.As16() == 0x2902 {
			cccd = &srv.handles.hh[i]
		}
	}
	require.NotNil(t, cccd, "notify characteristic needs a CCCD handle")

	// handles are contiguous starting at base
	for i, h := range srv.handles.hh {
		assert.Equal(t, srv.handles.base+uint16(i), h.n, "handle %d not contiguous", i)
	}
}
