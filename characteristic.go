package bt

import (
	"bytes"
	"fmt"

	"github.com/sgothel/direct-bt-sub002/internal/att"
	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

// Property is the characteristic properties bitmask. Do not re-order the
// bit flags below; they are organized to match the BLE spec.
type Property uint8

const (
	PropBroadcast    Property = 1 << 0
	PropRead         Property = 1 << 1
	PropWriteNR      Property = 1 << 2
	PropWrite        Property = 1 << 3
	PropNotify       Property = 1 << 4
	PropIndicate     Property = 1 << 5
	PropSignedWrite  Property = 1 << 6
	PropExtendedProp Property = 1 << 7
)

func (p Property) String() string {
	var b bytes.Buffer
	add := func(bit Property, name string) {
		if p&bit != 0 {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(name)
		}
	}
	add(PropBroadcast, "broadcast")
	add(PropRead, "read")
	add(PropWriteNR, "write-nr")
	add(PropWrite, "write")
	add(PropNotify, "notify")
	add(PropIndicate, "indicate")
	add(PropSignedWrite, "signed-write")
	add(PropExtendedProp, "ext-props")
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

// Supported statuses for GATT characteristic read/write handlers of the
// peripheral role.
const (
	StatusSuccess         = byte(0x00)
	StatusInvalidOffset   = byte(att.ErrInvalidOffset)
	StatusUnexpectedError = byte(att.ErrUnlikely)
)

// A Request is the context for a request from a connected central.
type Request struct {
	Central        Central
	Service        *Service
	Characteristic *Characteristic
}

// A ReadRequest is a characteristic read request from a connected central.
type ReadRequest struct {
	Request
	Cap    int // maximum allowed reply length
	Offset int // request value offset
}

// ReadResponseWriter is handed to a ReadHandler to produce the value.
type ReadResponseWriter interface {
	// Write writes data to return as the characteristic value.
	Write([]byte) (int, error)
	// SetStatus reports the result of the read operation. See the
	// Status* constants.
	SetStatus(byte)
}

// A ReadHandler handles GATT read requests of the peripheral role.
type ReadHandler interface {
	ServeRead(resp ReadResponseWriter, req *ReadRequest)
}

// ReadHandlerFunc is an adapter to allow the use of ordinary functions as
// ReadHandlers.
type ReadHandlerFunc func(resp ReadResponseWriter, req *ReadRequest)

// ServeRead calls f(resp, req).
func (f ReadHandlerFunc) ServeRead(resp ReadResponseWriter, req *ReadRequest) {
	f(resp, req)
}

// A WriteHandler handles GATT write requests. Write and write-no-response
// requests are presented identically; the server will ensure that a
// response is sent if appropriate.
type WriteHandler interface {
	ServeWrite(r Request, data []byte) (status byte)
}

// WriteHandlerFunc is an adapter to allow the use of ordinary functions
// as WriteHandlers.
type WriteHandlerFunc func(r Request, data []byte) byte

// ServeWrite calls f(r, data).
func (f WriteHandlerFunc) ServeWrite(r Request, data []byte) byte {
	return f(r, data)
}

// A NotifyHandler handles GATT notification sessions of the peripheral
// role: it is started when a central subscribes and may push values
// through the provided notifier until it reports done.
type NotifyHandler interface {
	ServeNotify(r Request, n Notifier)
}

// NotifyHandlerFunc is an adapter to allow the use of ordinary functions
// as NotifyHandlers.
type NotifyHandlerFunc func(r Request, n Notifier)

// ServeNotify calls f(r, n).
func (f NotifyHandlerFunc) ServeNotify(r Request, n Notifier) {
	f(r, n)
}

// A Notifier provides a means for a GATT server to send notifications
// about value changes to a connected central.
type Notifier interface {
	// Write sends data to the central.
	Write(data []byte) (int, error)

	// Done reports whether the central has requested not to receive any
	// more notifications with this notifier.
	Done() bool

	// Cap returns the maximum number of bytes that may be sent in a
	// single notification.
	Cap() int
}

// A Characteristic is a BLE characteristic: discovered on a remote device
// (handles/properties filled by the engine) or part of a local service of
// the peripheral role (handlers attached by the application).
type Characteristic struct {
	uuid    codec.UUID
	service *Service

	// remote-side attribute handles
	declHandle  uint16
	valueHandle uint16
	props       Property

	descs []*Descriptor
	cccd  *Descriptor

	// server-side state
	secure   Property // security-enabled properties
	value    []byte   // static value
	rhandler ReadHandler
	whandler WriteHandler
	nhandler NotifyHandler
}

// UUID returns the characteristic's value UUID.
func (c *Characteristic) UUID() codec.UUID { return c.uuid }

// Service returns the owning service.
func (c *Characteristic) Service() *Service { return c.service }

// Properties returns the properties bitmask.
func (c *Characteristic) Properties() Property { return c.props }

// Handles returns the declaration and value handles on the remote server.
func (c *Characteristic) Handles() (decl, value uint16) { return c.declHandle, c.valueHandle }

// Descriptors returns the characteristic's descriptors.
func (c *Characteristic) Descriptors() []*Descriptor { return c.descs }

// ClientConfig returns the Client Characteristic Configuration
// descriptor, or nil when the characteristic supports neither
// notifications nor indications.
func (c *Characteristic) ClientConfig() *Descriptor { return c.cccd }

func (c *Characteristic) String() string {
	return fmt.Sprintf("char[%s, decl 0x%04x, value 0x%04x, %s]", c.uuid, c.declHandle, c.valueHandle, c.props)
}

// HandleRead makes the characteristic support read requests, and routes
// read requests to h. HandleRead must be called before any server using c
// has been started.
func (c *Characteristic) HandleRead(h ReadHandler) {
	c.props |= PropRead
	c.secure |= PropRead
	c.rhandler = h
}

// HandleReadFunc calls HandleRead(ReadHandlerFunc(f)).
func (c *Characteristic) HandleReadFunc(f func(resp ReadResponseWriter, req *ReadRequest)) {
	c.HandleRead(ReadHandlerFunc(f))
}

// HandleWrite makes the characteristic support write and
// write-no-response requests, and routes write requests to h.
func (c *Characteristic) HandleWrite(h WriteHandler) {
	c.props |= PropWrite | PropWriteNR
	c.secure |= PropWrite | PropWriteNR
	c.whandler = h
}

// HandleWriteFunc calls HandleWrite(WriteHandlerFunc(f)).
func (c *Characteristic) HandleWriteFunc(f func(r Request, data []byte) (status byte)) {
	c.HandleWrite(WriteHandlerFunc(f))
}

// HandleNotify makes the characteristic support notify requests, and
// routes notification sessions to h.
func (c *Characteristic) HandleNotify(h NotifyHandler) {
	c.props |= PropNotify
	c.secure |= PropNotify
	c.nhandler = h
}

// HandleNotifyFunc calls HandleNotify(NotifyHandlerFunc(f)).
func (c *Characteristic) HandleNotifyFunc(f func(r Request, n Notifier)) {
	c.HandleNotify(NotifyHandlerFunc(f))
}

// SetValue sets a static value served by the peripheral role without a
// read handler.
func (c *Characteristic) SetValue(b []byte) {
	c.props |= PropRead
	c.secure |= PropRead
	c.value = append([]byte(nil), b...)
}

// readResponseWriter is the default implementation of ReadResponseWriter.
type readResponseWriter struct {
	capacity int
	buf      *bytes.Buffer
	status   byte
}

func newReadResponseWriter(c int) *readResponseWriter {
	return &readResponseWriter{
		capacity: c,
		buf:      new(bytes.Buffer),
		status:   StatusSuccess,
	}
}

func (w *readResponseWriter) Write(b []byte) (int, error) {
	if avail := w.capacity - w.buf.Len(); avail < len(b) {
		return 0, fmt.Errorf("requested write %d bytes, %d available", len(b), avail)
	}
	return w.buf.Write(b)
}

func (w *readResponseWriter) SetStatus(status byte) { w.status = status }
func (w *readResponseWriter) bytes() []byte         { return w.buf.Bytes() }
