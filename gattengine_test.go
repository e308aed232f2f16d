package bt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgothel/direct-bt-sub002/internal/att"
	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// fakeATTChannel is an in-memory ATT peer: Write hands the request to the
// server function, whose responses feed subsequent Reads.
type fakeATTChannel struct {
	mu     sync.Mutex
	open   bool
	inbox  chan []byte
	serve  func(req []byte) [][]byte
	writes [][]byte
}

func newFakeATTChannel(serve func(req []byte) [][]byte) *fakeATTChannel {
	return &fakeATTChannel{open: true, inbox: make(chan []byte, 32), serve: serve}
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string { return "fake: read timeout" }
func (fakeTimeout) Timeout() bool { return true }

func (f *fakeATTChannel) Read(b []byte, timeout time.Duration) (int, error) {
	select {
	case frame, ok := <-f.inbox:
		if !ok {
			return 0, assert.AnError
		}
		return copy(b, frame), nil
	case <-time.After(50 * time.Millisecond):
		return 0, fakeTimeout{}
	}
}

func (f *fakeATTChannel) Write(b []byte) (int, error) {
	f.mu.Lock()
	cp := append([]byte(nil), b...)
	f.writes = append(f.writes, cp)
	serve := f.serve
	f.mu.Unlock()
	if serve != nil {
		for _, resp := range serve(cp) {
			f.inbox <- resp
		}
	}
	return len(b), nil
}

func (f *fakeATTChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		f.open = false
		close(f.inbox)
	}
	return nil
}

func (f *fakeATTChannel) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeATTChannel) sentPDUs() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

// mtuServer answers only the MTU exchange.
func mtuServer(serverMTU uint16) func(req []byte) [][]byte {
	return func(req []byte) [][]byte {
		if att.Opcode(req[0]) == att.OpMTUReq {
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpMTUResp)).PutU16(serverMTU)
			return [][]byte{w.Bytes()}
		}
		return nil
	}
}

func TestMTUExchangeFloor(t *testing.T) {
	ch := newFakeATTChannel(mtuServer(23))
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, 23, e.UsedMTU(), "used MTU must be min(client, server)")

	// first PDU on the wire was the MTU request with our 517
	pdus := ch.sentPDUs()
	require.NotEmpty(t, pdus)
	assert.Equal(t, uint8(att.OpMTUReq), pdus[0][0])
	assert.LessOrEqual(t, len(pdus[0]), 23, "request PDU must fit the floor MTU")
}

// longReadServer serves one characteristic value at the given handle over
// Read/ReadBlob with the server-side MTU slice limit.
func longReadServer(handle uint16, value []byte, mtu int) func(req []byte) [][]byte {
	maxSlice := mtu - 1
	slice := func(off int) []byte {
		if off >= len(value) {
			return []byte{}
		}
		end := off + maxSlice
		if end > len(value) {
			end = len(value)
		}
		return value[off:end]
	}
	return func(req []byte) [][]byte {
		switch att.Opcode(req[0]) {
		case att.OpMTUReq:
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpMTUResp)).PutU16(uint16(mtu))
			return [][]byte{w.Bytes()}
		case att.OpReadReq:
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpReadResp)).PutBytes(slice(0))
			return [][]byte{w.Bytes()}
		case att.OpReadBlobReq:
			off := int(req[3]) | int(req[4])<<8
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpReadBlobResp)).PutBytes(slice(off))
			return [][]byte{w.Bytes()}
		}
		return nil
	}
}

func TestLongReadAssembles120BytesOverMTU23(t *testing.T) {
	value := make([]byte, 120)
	for i := range value {
		value[i] = byte(i)
	}
	ch := newFakeATTChannel(longReadServer(0x0010, value, 23))
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	got, err := e.readLong(0x0010)
	require.NoError(t, err)
	assert.Equal(t, value, got, "assembled long read must be byte-identical")

	// exactly one ReadReq then blobs at 22,44,66,88,110
	var reads, blobs []int
	for _, pdu := range ch.sentPDUs() {
		switch att.Opcode(pdu[0]) {
		case att.OpReadReq:
			reads = append(reads, 0)
		case att.OpReadBlobReq:
			blobs = append(blobs, int(pdu[3])|int(pdu[4])<<8)
		}
	}
	assert.Len(t, reads, 1)
	assert.Equal(t, []int{22, 44, 66, 88, 110}, blobs)
}

func TestShortFirstReadStopsWithoutBlob(t *testing.T) {
	value := []byte{1, 2, 3, 4, 5}
	ch := newFakeATTChannel(longReadServer(0x0010, value, 23))
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	got, err := e.readLong(0x0010)
	require.NoError(t, err)
	assert.Equal(t, value, got)
	for _, pdu := range ch.sentPDUs() {
		assert.NotEqual(t, uint8(att.OpReadBlobReq), pdu[0], "no blob request after a short first response")
	}
}

func TestNotLongErrorOnFirstBlobEndsCleanly(t *testing.T) {
	// exactly one full slice: the first response fills the MTU, the
	// follow-up blob is answered with error-not-long
	value := make([]byte, 22)
	for i := range value {
		value[i] = byte(0x40 + i)
	}
	serve := func(req []byte) [][]byte {
		switch att.Opcode(req[0]) {
		case att.OpMTUReq:
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpMTUResp)).PutU16(23)
			return [][]byte{w.Bytes()}
		case att.OpReadReq:
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpReadResp)).PutBytes(value)
			return [][]byte{w.Bytes()}
		case att.OpReadBlobReq:
			return [][]byte{attErrorResp(uint8(att.OpReadBlobReq), 0x0010, uint8(att.ErrAttrNotLong))}
		}
		return nil
	}
	ch := newFakeATTChannel(serve)
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	got, err := e.readLong(0x0010)
	require.NoError(t, err)
	assert.Equal(t, value, got, "accumulated bytes from the initial read must survive")
}

func TestNotificationDispatch(t *testing.T) {
	ch := newFakeATTChannel(mtuServer(64))
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	svc := &Service{uuid: codec.Short16(0x180f), startHandle: 1, endHandle: 5}
	char := &Characteristic{uuid: codec.Short16(0x2a19), service: svc, declHandle: 2, valueHandle: 3, props: PropNotify}
	svc.chars = []*Characteristic{char}
	e.svcMu.Lock()
	e.services = []*Service{svc}
	e.svcMu.Unlock()

	got := make(chan []byte, 1)
	var indicated, confirmed bool
	e.AddListener(&CharacteristicListener{
		Char: char,
		Notified: func(c *Characteristic, value []byte, indication, conf bool, ts time.Time) {
			indicated, confirmed = indication, conf
			got <- value
		},
	})

	// inject a notification frame
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpHandleNotify)).PutU16(3).PutBytes([]byte{0x63})
	ch.inbox <- w.Bytes()

	select {
	case v := <-got:
		assert.Equal(t, []byte{0x63}, v)
		assert.False(t, indicated)
		assert.False(t, confirmed)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestIndicationConfirmedBeforeDispatch(t *testing.T) {
	ch := newFakeATTChannel(mtuServer(64))
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	svc := &Service{uuid: codec.Short16(0x180f), startHandle: 1, endHandle: 5}
	char := &Characteristic{uuid: codec.Short16(0x2a19), service: svc, declHandle: 2, valueHandle: 3, props: PropIndicate}
	svc.chars = []*Characteristic{char}
	e.svcMu.Lock()
	e.services = []*Service{svc}
	e.svcMu.Unlock()

	got := make(chan bool, 1)
	e.AddListener(&CharacteristicListener{
		Notified: func(c *Characteristic, value []byte, indication, conf bool, ts time.Time) {
			got <- indication && conf
		},
	})

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpHandleInd)).PutU16(3).PutBytes([]byte{0x01})
	ch.inbox <- w.Bytes()

	select {
	case ok := <-got:
		assert.True(t, ok, "listener must see indication with confirmation sent")
	case <-time.After(2 * time.Second):
		t.Fatal("indication not dispatched")
	}

	sawCnf := false
	for _, pdu := range ch.sentPDUs() {
		if att.Opcode(pdu[0]) == att.OpHandleCnf {
			sawCnf = true
		}
	}
	assert.True(t, sawCnf, "confirmation PDU must go out")
}

func TestServiceDiscoveryTree(t *testing.T) {
	// one service 0x1800 with one characteristic (device name) whose
	// descriptor set is a single CCCD (0x2902)
	serve := func(req []byte) [][]byte {
		switch att.Opcode(req[0]) {
		case att.OpMTUReq:
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpMTUResp)).PutU16(64)
			return [][]byte{w.Bytes()}
		case att.OpReadByGroupReq:
			start := int(req[1]) | int(req[2])<<8
			if start > 1 {
				return [][]byte{attErrorResp(uint8(att.OpReadByGroupReq), uint16(start), uint8(att.ErrAttrNotFound))}
			}
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpReadByGroupResp)).PutU8(6)
			w.PutU16(0x0001).PutU16(0xFFFF).PutBytes(codec.Short16(0x1800).Bytes())
			return [][]byte{w.Bytes()}
		case att.OpReadByTypeReq:
			start := int(req[1]) | int(req[2])<<8
			if start > 2 {
				return [][]byte{attErrorResp(uint8(att.OpReadByTypeReq), uint16(start), uint8(att.ErrAttrNotFound))}
			}
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpReadByTypeResp)).PutU8(7)
			w.PutU16(0x0002) // declaration handle
			w.PutU8(uint8(PropRead | PropNotify))
			w.PutU16(0x0003) // value handle
			w.PutBytes(codec.Short16(0x2a00).Bytes())
			return [][]byte{w.Bytes()}
		case att.OpFindInfoReq:
			start := int(req[1]) | int(req[2])<<8
			if start > 4 {
				return [][]byte{attErrorResp(uint8(att.OpFindInfoReq), uint16(start), uint8(att.ErrAttrNotFound))}
			}
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpFindInfoResp)).PutU8(0x01)
			w.PutU16(0x0004).PutBytes(codec.Short16(0x2902).Bytes())
			return [][]byte{w.Bytes()}
		case att.OpReadReq:
			w := codec.NewWriter(codec.LittleEndian)
			w.PutU8(uint8(att.OpReadResp)).PutBytes([]byte("probe"))
			return [][]byte{w.Bytes()}
		}
		return nil
	}
	ch := newFakeATTChannel(serve)
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	services, err := e.DiscoverServices()
	require.NoError(t, err)
	require.Len(t, services, 1)

	s := services[0]
	assert.True(t, s.UUID().Equal(codec.Short16(0x1800)))
	start, end := s.Handles()
	assert.Equal(t, uint16(1), start)
	assert.Equal(t, uint16(0xFFFF), end)

	require.Len(t, s.Characteristics(), 1)
	c := s.Characteristics()[0]
	decl, value := c.Handles()
	assert.Equal(t, uint16(2), decl)
	assert.Equal(t, uint16(3), value)
	assert.True(t, c.Properties()&PropNotify != 0)

	require.Len(t, c.Descriptors(), 1)
	assert.NotNil(t, c.ClientConfig(), "CCCD must be identified by UUID")
}

func TestWriteSizeCheckedAgainstMTU(t *testing.T) {
	ch := newFakeATTChannel(mtuServer(23))
	e, err := NewGATTEngine(nil, ch)
	require.NoError(t, err)
	defer e.Close()

	c := &Characteristic{valueHandle: 5, props: PropWrite | PropWriteNR}
	big := make([]byte, 21) // > 23-3
	assert.Error(t, e.WriteCharacteristic(c, big))
	assert.Error(t, e.WriteCharacteristicNoResponse(c, big))
	assert.NoError(t, e.WriteCharacteristicNoResponse(c, big[:20]))
}
