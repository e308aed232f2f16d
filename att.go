package bt

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/att"
	"github.com/sgothel/direct-bt-sub002/internal/codec"
	"github.com/sgothel/direct-bt-sub002/internal/config"
)

// Central is a remote central connected to the local GATT server of the
// peripheral role.
type Central interface {
	// Addr returns the central's address.
	Addr() Address
	// Close disconnects the central.
	Close() error
	// MTU returns the negotiated ATT MTU.
	MTU() int
}

// attErrorResp builds an Error Response the way the attribute server
// answers every unserviceable request.
func attErrorResp(op uint8, h uint16, status uint8) []byte {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpError)).PutU8(op).PutU16(h).PutU8(status)
	return w.Bytes()
}

// central is one accepted server-side connection: it runs the attribute
// request loop over its channel against the server's handle table.
type central struct {
	log *logrus.Entry

	srv  *GATTServer
	ch   attChannel
	addr Address

	mtu int

	mu        sync.Mutex
	notifiers map[uint16]*notifier

	stopOnce sync.Once
	stop     chan struct{}
}

func newCentral(srv *GATTServer, ch attChannel, addr Address) *central {
	return &central{
		log:       logrus.WithField("component", "gatt-server").WithField("central", addr.String()),
		srv:       srv,
		ch:        ch,
		addr:      addr,
		mtu:       att.DefaultMTU,
		notifiers: map[uint16]*notifier{},
		stop:      make(chan struct{}),
	}
}

func (c *central) Addr() Address { return c.addr }
func (c *central) MTU() int      { return c.mtu }

func (c *central) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		for _, n := range c.notifiers {
			n.stop()
		}
		c.mu.Unlock()
		err = c.ch.Close()
	})
	return err
}

// loop services attribute requests until the channel dies.
func (c *central) loop() {
	defer c.Close()
	pollTimeout := config.Duration(config.KeyL2CAPPollTimeout)
	buf := make([]byte, DefaultClientMTU+1)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		n, err := c.ch.Read(buf, pollTimeout)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			return
		}
		if resp := c.handleReq(buf[:n]); resp != nil {
			if _, err := c.ch.Write(resp); err != nil {
				return
			}
		}
	}
}

// handleReq dispatches one request and returns the response PDU, or nil
// when no response is due (write command, confirmation).
func (c *central) handleReq(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	op := att.Opcode(b[0])
	params := b[1:]
	switch op {
	case att.OpMTUReq:
		return c.handleMTU(params)
	case att.OpFindInfoReq:
		return c.handleFindInfo(params)
	case att.OpReadByGroupReq:
		return c.handleReadByGroup(params)
	case att.OpReadByTypeReq:
		return c.handleReadByType(params)
	case att.OpReadReq, att.OpReadBlobReq:
		return c.handleRead(op, params)
	case att.OpWriteReq, att.OpWriteCmd:
		return c.handleWrite(op, params)
	case att.OpHandleCnf:
		return nil
	default:
		c.log.Debugf("unsupported request %s", op)
		return attErrorResp(uint8(op), 0, uint8(att.ErrRequestNotSupported))
	}
}

func (c *central) handleMTU(b []byte) []byte {
	r := codec.NewReader(b, codec.LittleEndian)
	client, err := r.GetU16()
	if err != nil {
		return attErrorResp(uint8(att.OpMTUReq), 0, uint8(att.ErrInvalidPDU))
	}
	c.mtu = int(client)
	if c.mtu < att.DefaultMTU {
		c.mtu = att.DefaultMTU
	}
	if c.mtu > DefaultClientMTU {
		c.mtu = DefaultClientMTU
	}
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpMTUResp)).PutU16(uint16(c.mtu))
	return w.Bytes()
}

func (c *central) handleFindInfo(b []byte) []byte {
	r := codec.NewReader(b, codec.LittleEndian)
	start, err1 := r.GetU16()
	end, err2 := r.GetU16()
	if err1 != nil || err2 != nil {
		return attErrorResp(uint8(att.OpFindInfoReq), 0, uint8(att.ErrInvalidPDU))
	}

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpFindInfoResp))
	uuidLen := -1
	for _, h := range c.srv.handles.Subrange(start, end) {
		if uuidLen == -1 {
			uuidLen = h.uuid.Len()
			if uuidLen == 2 {
				w.PutU8(0x01)
			} else {
				w.PutU8(0x02)
			}
		}
		if h.uuid.Len() != uuidLen {
			break
		}
		if w.Len()+2+uuidLen > c.mtu {
			break
		}
		w.PutU16(h.n).PutBytes(h.uuid.Bytes())
	}
	if uuidLen == -1 {
		return attErrorResp(uint8(att.OpFindInfoReq), start, uint8(att.ErrAttrNotFound))
	}
	return w.Bytes()
}

func (c *central) handleReadByGroup(b []byte) []byte {
	r := codec.NewReader(b, codec.LittleEndian)
	start, err1 := r.GetU16()
	end, err2 := r.GetU16()
	group, err3 := r.GetU16()
	if err1 != nil || err2 != nil || err3 != nil {
		return attErrorResp(uint8(att.OpReadByGroupReq), 0, uint8(att.ErrInvalidPDU))
	}
	if group != att.UUIDPrimaryService {
		return attErrorResp(uint8(att.OpReadByGroupReq), start, uint8(att.ErrUnsupportedGroupType))
	}

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpReadByGroupResp))
	length := -1
	for _, h := range c.srv.handles.Subrange(start, end) {
		if h.typ != typService {
			continue
		}
		if length == -1 {
			length = 4 + len(h.value)
			w.PutU8(uint8(length))
		}
		if 4+len(h.value) != length || w.Len()+length > c.mtu {
			break
		}
		w.PutU16(h.startn).PutU16(h.endn).PutBytes(h.value)
	}
	if length == -1 {
		return attErrorResp(uint8(att.OpReadByGroupReq), start, uint8(att.ErrAttrNotFound))
	}
	return w.Bytes()
}

func (c *central) handleReadByType(b []byte) []byte {
	r := codec.NewReader(b, codec.LittleEndian)
	start, err1 := r.GetU16()
	end, err2 := r.GetU16()
	if err1 != nil || err2 != nil {
		return attErrorResp(uint8(att.OpReadByTypeReq), 0, uint8(att.ErrInvalidPDU))
	}
	typRaw := r.GetRest()
	typ, err := codec.FromWire(typRaw)
	if err != nil {
		return attErrorResp(uint8(att.OpReadByTypeReq), start, uint8(att.ErrInvalidPDU))
	}

	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpReadByTypeResp))
	length := -1
	isCharDiscovery := typ.Is16() && typ.As16() == att.UUIDCharacteristic
	for _, h := range c.srv.handles.Subrange(start, end) {
		var value []byte
		switch {
		case isCharDiscovery && h.typ == typCharacteristic:
			value = h.value
		case !isCharDiscovery && h.uuid.Equal(typ):
			value = c.readValue(h, 0)
		default:
			continue
		}
		if length == -1 {
			length = 2 + len(value)
			w.PutU8(uint8(length))
		}
		if 2+len(value) != length || w.Len()+length > c.mtu {
			break
		}
		w.PutU16(h.n).PutBytes(value)
	}
	if length == -1 {
		return attErrorResp(uint8(att.OpReadByTypeReq), start, uint8(att.ErrAttrNotFound))
	}
	return w.Bytes()
}

func (c *central) handleRead(op att.Opcode, b []byte) []byte {
	r := codec.NewReader(b, codec.LittleEndian)
	n, err := r.GetU16()
	if err != nil {
		return attErrorResp(uint8(op), 0, uint8(att.ErrInvalidPDU))
	}
	offset := uint16(0)
	respOp := att.OpReadResp
	if op == att.OpReadBlobReq {
		respOp = att.OpReadBlobResp
		if offset, err = r.GetU16(); err != nil {
			return attErrorResp(uint8(op), n, uint8(att.ErrInvalidPDU))
		}
	}
	h, ok := c.srv.handles.At(n)
	if !ok {
		return attErrorResp(uint8(op), n, uint8(att.ErrInvalidHandle))
	}
	if h.typ == typCharacteristicValue && h.props&PropRead == 0 {
		return attErrorResp(uint8(op), n, uint8(att.ErrReadNotPermitted))
	}

	value := c.readValue(h, int(offset))
	if value == nil {
		return attErrorResp(uint8(op), n, uint8(att.ErrInvalidOffset))
	}
	if len(value) > c.mtu-1 {
		value = value[:c.mtu-1]
	}
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(respOp)).PutBytes(value)
	return w.Bytes()
}

// readValue resolves a handle's current value, consulting the
// characteristic's read handler when one is installed.
func (c *central) readValue(h handle, offset int) []byte {
	value := h.value
	if ch, ok := h.attr.(*Characteristic); ok && h.typ == typCharacteristicValue && ch.rhandler != nil {
		resp := newReadResponseWriter(c.mtu - 1)
		req := &ReadRequest{
			Request: Request{Central: c, Service: ch.service, Characteristic: ch},
			Cap:     c.mtu - 1,
			Offset:  offset,
		}
		ch.rhandler.ServeRead(resp, req)
		if resp.status != StatusSuccess {
			return nil
		}
		return resp.bytes()
	}
	if offset > len(value) {
		return nil
	}
	return value[offset:]
}

func (c *central) handleWrite(op att.Opcode, b []byte) []byte {
	r := codec.NewReader(b, codec.LittleEndian)
	n, err := r.GetU16()
	if err != nil {
		return attErrorResp(uint8(op), 0, uint8(att.ErrInvalidPDU))
	}
	value := r.GetRest()

	h, ok := c.srv.handles.At(n)
	if !ok {
		return attErrorResp(uint8(op), n, uint8(att.ErrInvalidHandle))
	}

	if d, ok := h.attr.(*Descriptor); ok && d.IsClientConfig() {
		return c.handleCCCDWrite(op, n, d.char, value)
	}

	ch, ok := h.attr.(*Characteristic)
	if !ok || h.typ != typCharacteristicValue {
		return attErrorResp(uint8(op), n, uint8(att.ErrWriteNotPermitted))
	}
	if op == att.OpWriteReq && ch.props&PropWrite == 0 ||
		op == att.OpWriteCmd && ch.props&PropWriteNR == 0 {
		return attErrorResp(uint8(op), n, uint8(att.ErrWriteNotPermitted))
	}
	status := StatusSuccess
	if ch.whandler != nil {
		status = ch.whandler.ServeWrite(Request{Central: c, Service: ch.service, Characteristic: ch}, value)
	}
	if op == att.OpWriteCmd {
		return nil
	}
	if status != StatusSuccess {
		return attErrorResp(uint8(op), n, status)
	}
	return []byte{uint8(att.OpWriteResp)}
}

// handleCCCDWrite starts or stops a notification session when a central
// flips the notify bit.
func (c *central) handleCCCDWrite(op att.Opcode, n uint16, ch *Characteristic, value []byte) []byte {
	if len(value) < 1 {
		return attErrorResp(uint8(op), n, uint8(att.ErrInvalidAttrValueLen))
	}
	enable := value[0]&att.CCCNotify != 0

	c.mu.Lock()
	current := c.notifiers[ch.valueHandle]
	if enable && current == nil && ch.nhandler != nil {
		nf := newNotifier(c, ch, c.mtu-3)
		c.notifiers[ch.valueHandle] = nf
		go ch.nhandler.ServeNotify(Request{Central: c, Service: ch.service, Characteristic: ch}, nf)
	} else if !enable && current != nil {
		current.stop()
		delete(c.notifiers, ch.valueHandle)
	}
	c.mu.Unlock()

	if op == att.OpWriteCmd {
		return nil
	}
	return []byte{uint8(att.OpWriteResp)}
}

// sendNotification pushes one handle-value notification to the central.
func (c *central) sendNotification(ch *Characteristic, data []byte) (int, error) {
	w := codec.NewWriter(codec.LittleEndian)
	w.PutU8(uint8(att.OpHandleNotify)).PutU16(ch.valueHandle).PutBytes(data)
	if _, err := c.ch.Write(w.Bytes()); err != nil {
		return 0, err
	}
	return len(data), nil
}
