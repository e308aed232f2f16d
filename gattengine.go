package bt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sgothel/direct-bt-sub002/internal/att"
	"github.com/sgothel/direct-bt-sub002/internal/codec"
	"github.com/sgothel/direct-bt-sub002/internal/config"
	"github.com/sgothel/direct-bt-sub002/internal/l2cap"
)

// DefaultClientMTU is the MTU requested in the Exchange MTU Request, the
// maximum an LE data-length-extended link can carry in one PDU.
const DefaultClientMTU = 517

// attChannel is the transport surface the engine needs; satisfied by
// *l2cap.Channel and by in-memory fakes in tests.
type attChannel interface {
	Read(b []byte, timeout time.Duration) (int, error)
	Write(b []byte) (int, error)
	Close() error
	IsOpen() bool
}

var _ attChannel = (*l2cap.Channel)(nil)

// ErrEngineClosed is returned by requests once the engine stopped.
var ErrEngineClosed = errors.New("bt: gatt engine closed")

// GATTEngine is the ATT/GATT client over one L2CAP channel: MTU
// negotiation, service discovery, reads/writes with long-value
// fragmentation, and notification/indication dispatch. It owns a reader
// goroutine and a bounded reply ring; one request is outstanding at a
// time, serialized by reqMu.
type GATTEngine struct {
	log *logrus.Entry

	dev *Device // nil when the engine runs stand-alone (tests)
	ch  attChannel

	usedMTU int

	reqMu   sync.Mutex
	replies chan att.Frame

	svcMu    sync.Mutex
	services []*Service

	lisMu     sync.Mutex
	listeners []*CharacteristicListener

	// sendIndicationConfirm controls whether indications are confirmed
	// before listener dispatch.
	sendIndicationConfirm bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewGATTEngine wraps an open ATT channel, starts the reader, and
// performs the MTU exchange with the longer initial-command timeout.
func NewGATTEngine(dev *Device, ch attChannel) (*GATTEngine, error) {
	log := logrus.WithField("component", "gatt")
	if dev != nil {
		log = log.WithField("device", dev.Addr.String())
	}
	e := &GATTEngine{
		log:                   log,
		dev:                   dev,
		ch:                    ch,
		usedMTU:               att.DefaultMTU,
		replies:               make(chan att.Frame, config.Int(config.KeyATTReplyRing)),
		sendIndicationConfirm: true,
		stop:                  make(chan struct{}),
		done:                  make(chan struct{}),
	}
	go e.readLoop()

	if err := e.exchangeMTU(DefaultClientMTU); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// UsedMTU returns the negotiated ATT MTU.
func (e *GATTEngine) UsedMTU() int { return e.usedMTU }

// Close stops the reader and closes the channel. Safe to call twice; it
// waits for the reader to exit up to the shutdown timeout.
func (e *GATTEngine) Close() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stop)
		err = e.ch.Close()
		select {
		case <-e.done:
		case <-time.After(config.Duration(config.KeyShutdownTimeout)):
			e.log.Warn("GATT reader did not stop within shutdown timeout")
		}
	})
	return err
}

// AddListener registers a characteristic listener.
func (e *GATTEngine) AddListener(l *CharacteristicListener) {
	e.lisMu.Lock()
	defer e.lisMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RemoveListener removes a previously registered listener; removal takes
// effect no later than the next dispatch.
func (e *GATTEngine) RemoveListener(l *CharacteristicListener) bool {
	e.lisMu.Lock()
	defer e.lisMu.Unlock()
	for i, have := range e.listeners {
		if have == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (e *GATTEngine) snapshotListeners() []*CharacteristicListener {
	e.lisMu.Lock()
	defer e.lisMu.Unlock()
	return append([]*CharacteristicListener(nil), e.listeners...)
}

// Services returns the discovered service tree.
func (e *GATTEngine) Services() []*Service {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	return append([]*Service(nil), e.services...)
}

func (e *GATTEngine) readLoop() {
	defer close(e.done)
	pollTimeout := config.Duration(config.KeyL2CAPPollTimeout)
	buf := make([]byte, DefaultClientMTU+1)
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		n, err := e.ch.Read(buf, pollTimeout)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			select {
			case <-e.stop:
			default:
				e.log.WithError(err).Debug("ATT reader stopping")
			}
			return
		}
		f, err := att.ParseFrame(buf[:n])
		if err != nil {
			e.log.WithError(err).Warn("malformed ATT PDU")
			continue
		}
		cp := make([]byte, len(f.Params))
		copy(cp, f.Params)
		f.Params = cp
		e.route(f)
	}
}

func (e *GATTEngine) route(f att.Frame) {
	switch f.Op {
	case att.OpHandleNotify:
		e.dispatchHandleValue(f, false)
	case att.OpHandleInd:
		confirmed := false
		if e.sendIndicationConfirm {
			if _, err := e.ch.Write(att.MarshalHandleCnf()); err != nil {
				e.log.WithError(err).Warn("sending indication confirmation failed")
			} else {
				confirmed = true
			}
		}
		e.dispatchHandleValue(f, true, confirmed)
	case 0x23: // Multiple Handle Value Notification
		e.log.Info("multiple-handle value notification not supported, dropped")
	default:
		select {
		case e.replies <- f:
		default:
			e.log.Warnf("ATT reply ring full, dropping %s", f.Op)
		}
	}
}

func (e *GATTEngine) dispatchHandleValue(f att.Frame, indication bool, confirmed ...bool) {
	hv, err := att.ParseHandleValue(f.Params)
	if err != nil {
		e.log.WithError(err).Warn("malformed handle-value PDU")
		return
	}
	c := e.findCharacteristicByValueHandle(hv.Handle)
	if c == nil {
		e.log.Debugf("handle-value for unknown handle 0x%04x", hv.Handle)
		return
	}
	now := time.Now()
	conf := false
	if len(confirmed) > 0 {
		conf = confirmed[0]
	}
	for _, l := range e.snapshotListeners() {
		if l.Notified == nil || (l.Char != nil && l.Char != c) {
			continue
		}
		value := append([]byte(nil), hv.Value...)
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Errorf("characteristic listener panicked: %v", r)
				}
			}()
			l.Notified(c, value, indication, conf, now)
		}()
	}
}

func (e *GATTEngine) findCharacteristicByValueHandle(h uint16) *Characteristic {
	e.svcMu.Lock()
	defer e.svcMu.Unlock()
	for _, s := range e.services {
		if c := s.findCharacteristic(h); c != nil {
			return c
		}
	}
	return nil
}

// request writes one ATT request and blocks for the matching response.
// Stale replies of earlier timed-out requests are discarded.
func (e *GATTEngine) request(req []byte, wantOp att.Opcode, timeout time.Duration) (att.Frame, error) {
	e.reqMu.Lock()
	defer e.reqMu.Unlock()

	// drain leftovers of an earlier timed-out exchange
	for {
		select {
		case <-e.replies:
			continue
		default:
		}
		break
	}

	if _, err := e.ch.Write(req); err != nil {
		return att.Frame{}, fmt.Errorf("bt: ATT write: %w", err)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case f := <-e.replies:
			if f.Op == att.OpError {
				er, err := att.ParseErrorResponse(f.Params)
				if err != nil {
					return att.Frame{}, err
				}
				return f, er.ErrorCode
			}
			if f.Op != wantOp {
				e.log.Debugf("discarding stale ATT reply %s while waiting for %s", f.Op, wantOp)
				continue
			}
			return f, nil
		case <-deadline.C:
			return att.Frame{}, fmt.Errorf("bt: ATT request %s timed out", wantOp)
		case <-e.stop:
			return att.Frame{}, ErrEngineClosed
		}
	}
}

func (e *GATTEngine) exchangeMTU(clientMTU uint16) error {
	f, err := e.request(att.MarshalMTUReq(clientMTU), att.OpMTUResp, config.Duration(config.KeyATTInitialTimeout))
	if err != nil {
		return fmt.Errorf("bt: MTU exchange: %w", err)
	}
	resp, err := att.ParseMTUResp(f.Params)
	if err != nil {
		return err
	}
	used := int(resp.ServerMTU)
	if int(clientMTU) < used {
		used = int(clientMTU)
	}
	if used < att.DefaultMTU {
		used = att.DefaultMTU
	}
	e.usedMTU = used
	e.log.Debugf("MTU negotiated: client %d server %d used %d", clientMTU, resp.ServerMTU, used)
	return nil
}

// DiscoverServices performs the composite discovery: primary services,
// then each service's characteristics, then each characteristic's
// descriptors, then the Generic Access probe.
func (e *GATTEngine) DiscoverServices() ([]*Service, error) {
	readTimeout := config.Duration(config.KeyATTReadTimeout)

	services, err := e.discoverPrimaryServices(readTimeout)
	if err != nil {
		return nil, err
	}
	for _, s := range services {
		if err := e.discoverCharacteristics(s, readTimeout); err != nil {
			return nil, err
		}
		for i, c := range s.chars {
			endHandle := s.endHandle
			if i+1 < len(s.chars) {
				endHandle = s.chars[i+1].declHandle - 1
			}
			if err := e.discoverDescriptors(c, endHandle, readTimeout); err != nil {
				return nil, err
			}
		}
	}

	e.svcMu.Lock()
	e.services = services
	e.svcMu.Unlock()

	e.probeGenericAccess(services)
	return services, nil
}

func (e *GATTEngine) discoverPrimaryServices(timeout time.Duration) ([]*Service, error) {
	var services []*Service
	start := uint16(0x0001)
	for {
		req := att.MarshalReadByGroupTypeReq(start, 0xFFFF, att.UUIDPrimaryService)
		f, err := e.request(req, att.OpReadByGroupResp, timeout)
		if err != nil {
			if errors.Is(err, att.ErrAttrNotFound) {
				break
			}
			return nil, fmt.Errorf("bt: primary service discovery: %w", err)
		}
		batch, err := att.ParseReadByGroupTypeResp(f.Params)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		var lastEnd uint16
		for _, g := range batch {
			u, err := codec.FromWire(g.Value)
			if err != nil {
				e.log.WithError(err).Warnf("service at 0x%04x has invalid UUID", g.Handle)
				continue
			}
			var dev *Device
			if e.dev != nil {
				dev = e.dev
			}
			services = append(services, &Service{
				uuid:        u,
				primary:     true,
				startHandle: g.Handle,
				endHandle:   g.EndGroup,
				dev:         dev,
			})
			lastEnd = g.EndGroup
		}
		if lastEnd == 0xFFFF || lastEnd == 0 {
			break
		}
		start = lastEnd + 1
	}
	return services, nil
}

func (e *GATTEngine) discoverCharacteristics(s *Service, timeout time.Duration) error {
	start := s.startHandle
	for start != 0 && start <= s.endHandle {
		req := att.MarshalReadByTypeReq(start, s.endHandle, att.UUIDCharacteristic)
		f, err := e.request(req, att.OpReadByTypeResp, timeout)
		if err != nil {
			if errors.Is(err, att.ErrAttrNotFound) {
				return nil
			}
			return fmt.Errorf("bt: characteristic discovery: %w", err)
		}
		batch, err := att.ParseReadByTypeResp(f.Params)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		var lastValue uint16
		for _, a := range batch {
			// declaration value: properties(1) value-handle(2) uuid(2|16)
			if len(a.Value) < 5 {
				continue
			}
			props := Property(a.Value[0])
			valueHandle := uint16(a.Value[1]) | uint16(a.Value[2])<<8
			u, err := codec.FromWire(a.Value[3:])
			if err != nil {
				continue
			}
			s.chars = append(s.chars, &Characteristic{
				uuid:        u,
				service:     s,
				declHandle:  a.Handle,
				valueHandle: valueHandle,
				props:       props,
			})
			lastValue = valueHandle
		}
		if lastValue >= s.endHandle {
			return nil
		}
		start = lastValue + 1
	}
	return nil
}

func (e *GATTEngine) discoverDescriptors(c *Characteristic, endHandle uint16, timeout time.Duration) error {
	start := c.valueHandle + 1
	for start != 0 && start <= endHandle {
		f, err := e.request(att.MarshalFindInfoReq(start, endHandle), att.OpFindInfoResp, timeout)
		if err != nil {
			if errors.Is(err, att.ErrAttrNotFound) {
				return nil
			}
			return fmt.Errorf("bt: descriptor discovery: %w", err)
		}
		entries, err := att.ParseFindInfoResp(f.Params)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		var last uint16
		for _, entry := range entries {
			u, err := codec.FromWire(entry.UUID)
			if err != nil {
				continue
			}
			d := &Descriptor{uuid: u, handle: entry.Handle, char: c}
			c.descs = append(c.descs, d)
			if d.IsClientConfig() {
				c.cccd = d
			}
			last = entry.Handle
		}
		if last >= endHandle {
			return nil
		}
		start = last + 1
	}
	return nil
}

// probeGenericAccess reads the GAP device name and appearance and applies
// them to the owning device, notifying listeners on change.
func (e *GATTEngine) probeGenericAccess(services []*Service) {
	if e.dev == nil {
		return
	}
	var gap *Service
	for _, s := range services {
		if s.uuid.Equal(uuidGAPService) {
			gap = s
			break
		}
	}
	if gap == nil {
		return
	}
	report := &EInfoReport{}
	for _, c := range gap.chars {
		switch {
		case c.uuid.Equal(uuidDeviceName):
			if v, err := e.ReadCharacteristic(c); err == nil {
				report.Name = string(v)
				report.Set |= EIRName
			}
		case c.uuid.Equal(uuidAppearance):
			if v, err := e.ReadCharacteristic(c); err == nil && len(v) >= 2 {
				report.Appearance = uint16(v[0]) | uint16(v[1])<<8
				report.Set |= EIRAppearance
			}
		case c.uuid.Equal(uuidPreferredConnParams):
			// informational only
		}
	}
	if report.Set != EIRNone {
		e.dev.applyEIR(report, time.Now())
	}
}

// ReadCharacteristic reads the full value, following up with Read Blob
// requests while responses fill the PDU. It stops after the first short
// response; a not-long error on the first blob ends cleanly with the
// bytes read so far.
func (e *GATTEngine) ReadCharacteristic(c *Characteristic) ([]byte, error) {
	return e.readLong(c.valueHandle)
}

// ReadDescriptor reads a descriptor value with the same long-read rule.
func (e *GATTEngine) ReadDescriptor(d *Descriptor) ([]byte, error) {
	return e.readLong(d.handle)
}

func (e *GATTEngine) readLong(handle uint16) ([]byte, error) {
	readTimeout := config.Duration(config.KeyATTReadTimeout)
	maxSlice := e.usedMTU - 1

	f, err := e.request(att.MarshalReadReq(handle), att.OpReadResp, readTimeout)
	if err != nil {
		return nil, err
	}
	value := append([]byte(nil), f.Params...)
	if len(f.Params) < maxSlice {
		return value, nil
	}
	for {
		f, err := e.request(att.MarshalReadBlobReq(handle, uint16(len(value))), att.OpReadBlobResp, readTimeout)
		if err != nil {
			if errors.Is(err, att.ErrAttrNotLong) {
				return value, nil
			}
			return nil, err
		}
		if len(f.Params) == 0 {
			return value, nil
		}
		value = append(value, f.Params...)
		if len(f.Params) < maxSlice {
			return value, nil
		}
	}
}

// WriteCharacteristic performs an acknowledged write, returning after the
// Write Response.
func (e *GATTEngine) WriteCharacteristic(c *Characteristic, value []byte) error {
	if len(value) > e.usedMTU-3 {
		return fmt.Errorf("bt: value size %d exceeds MTU-3 (%d)", len(value), e.usedMTU-3)
	}
	_, err := e.request(att.MarshalWriteReq(c.valueHandle, value), att.OpWriteResp, config.Duration(config.KeyATTWriteTimeout))
	return err
}

// WriteCharacteristicNoResponse fires a Write Command; no reply is
// expected but the size is still checked against the MTU.
func (e *GATTEngine) WriteCharacteristicNoResponse(c *Characteristic, value []byte) error {
	if len(value) > e.usedMTU-3 {
		return fmt.Errorf("bt: value size %d exceeds MTU-3 (%d)", len(value), e.usedMTU-3)
	}
	_, err := e.ch.Write(att.MarshalWriteCmd(c.valueHandle, value))
	return err
}

// WriteDescriptor performs an acknowledged descriptor write.
func (e *GATTEngine) WriteDescriptor(d *Descriptor, value []byte) error {
	_, err := e.request(att.MarshalWriteReq(d.handle, value), att.OpWriteResp, config.Duration(config.KeyATTWriteTimeout))
	return err
}

// ConfigureNotifications writes the characteristic's CCCD to enable or
// disable notification/indication delivery at the peer. A disable that
// races with disconnection is tolerated: logged, not returned.
func (e *GATTEngine) ConfigureNotifications(c *Characteristic, enableNotify, enableIndicate bool) error {
	if c.cccd == nil {
		return fmt.Errorf("bt: characteristic %s has no client config descriptor", c.uuid)
	}
	var bits uint16
	if enableNotify {
		bits |= att.CCCNotify
	}
	if enableIndicate {
		bits |= att.CCCIndicate
	}
	err := e.WriteDescriptor(c.cccd, []byte{byte(bits), byte(bits >> 8)})
	if err != nil && bits == 0 {
		e.log.WithError(err).Debug("CCCD disable raced with disconnect, ignored")
		return nil
	}
	return err
}

// Ping reads the Generic Access appearance characteristic; a failure
// means the link is dead and triggers a disconnect of the owning device.
func (e *GATTEngine) Ping() bool {
	e.svcMu.Lock()
	var target *Characteristic
	for _, s := range e.services {
		if !s.uuid.Equal(uuidGAPService) {
			continue
		}
		for _, c := range s.chars {
			if c.uuid.Equal(uuidAppearance) {
				target = c
				break
			}
		}
	}
	e.svcMu.Unlock()
	if target == nil {
		return e.ch.IsOpen()
	}
	if _, err := e.readLong(target.valueHandle); err != nil {
		e.log.WithError(err).Info("ping failed, link considered dead")
		if e.dev != nil {
			go func() { _ = e.dev.Disconnect() }()
		}
		return false
	}
	return true
}

func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
