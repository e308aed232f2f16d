package bt

import "github.com/sgothel/direct-bt-sub002/internal/codec"

type handleType int

const (
	typService handleType = iota
	typCharacteristic
	typDescriptor
	typCharacteristicValue
	typIncludedService
)

// handle is one attribute of the local GATT database served by the
// peripheral role. It is not exported; managing handles is an
// implementation detail.
type handle struct {
	n      uint16 // gatt handle number
	startn uint16
	valuen uint16
	endn   uint16
	typ    handleType
	uuid   codec.UUID
	attr   interface{}
	props  Property
	secure Property
	value  []byte
}

// isPrimaryService reports whether this handle is the primary service
// with uuid uuid.
func (h handle) isPrimaryService(uuid codec.UUID) bool {
	return h.typ == typService && h.uuid.Equal(uuid)
}

// isCharacteristic reports whether this handle is the characteristic
// with uuid uuid.
func (h handle) isCharacteristic(uuid codec.UUID) bool {
	return h.typ == typCharacteristic && h.uuid.Equal(uuid)
}

// isDescriptor reports whether this handle is the descriptor with uuid
// uuid.
func (h handle) isDescriptor(uuid codec.UUID) bool {
	return h.typ == typDescriptor && h.uuid.Equal(uuid)
}

// generateHandles lays the default GAP/GATT services plus the
// application's services out into a contiguous handle table.
func generateHandles(name string, svcs []*Service, base uint16) *handleRange {
	svcs = append(defaultServices(name), svcs...)
	var handles []handle
	n := base

	last := len(svcs) - 1
	for i, svc := range svcs {
		var hh []handle
		n, hh = svc.generateHandles(n, i == last)
		handles = append(handles, hh...)
	}

	return &handleRange{hh: handles, base: base}
}

// generateHandles assigns this service's attribute handles starting at n.
func (s *Service) generateHandles(n uint16, last bool) (uint16, []handle) {
	var handles []handle
	s.startHandle = n

	svcHandle := handle{
		n:      n,
		startn: n,
		typ:    typService,
		uuid:   s.uuid,
		attr:   s,
		value:  s.uuid.Bytes(),
	}
	n++

	for _, c := range s.chars {
		c.declHandle = n
		declValue := append([]byte{byte(c.props), byte(n + 1), byte((n + 1) >> 8)}, c.uuid.Bytes()...)
		handles = append(handles, handle{
			n:      n,
			typ:    typCharacteristic,
			uuid:   c.uuid,
			attr:   c,
			props:  c.props,
			secure: c.secure,
			value:  declValue,
		})
		n++
		c.valueHandle = n
		handles = append(handles, handle{
			n:      n,
			valuen: n,
			typ:    typCharacteristicValue,
			uuid:   c.uuid,
			attr:   c,
			props:  c.props,
			secure: c.secure,
			value:  c.value,
		})
		n++
		if c.props&(PropNotify|PropIndicate) != 0 {
			cccd := &Descriptor{uuid: codec.Short16(0x2902), char: c, handle: n}
			c.cccd = cccd
			c.descs = append(c.descs, cccd)
			handles = append(handles, handle{
				n:     n,
				typ:   typDescriptor,
				uuid:  cccd.uuid,
				attr:  cccd,
				props: PropRead | PropWrite,
				value: []byte{0x00, 0x00},
			})
			n++
		}
		for _, d := range c.descs {
			if d == c.cccd {
				continue
			}
			d.handle = n
			handles = append(handles, handle{
				n:     n,
				typ:   typDescriptor,
				uuid:  d.uuid,
				attr:  d,
				props: PropRead,
				value: d.value,
			})
			n++
		}
	}

	end := n - 1
	s.endHandle = end
	svcHandle.endn = end
	if last {
		svcHandle.endn = 0xFFFF
		s.endHandle = 0xFFFF
	}
	return n, append([]handle{svcHandle}, handles...)
}

// defaultServices builds the mandatory GAP and GATT services every
// peripheral serves.
func defaultServices(name string) []*Service {
	gapService := &Service{
		uuid:    uuidGAPService,
		primary: true,
		chars: []*Characteristic{
			{
				uuid:   uuidDeviceName,
				props:  PropRead,
				secure: PropRead,
				value:  []byte(name),
			},
			{
				uuid:   uuidAppearance,
				props:  PropRead,
				secure: PropRead,
				value:  gapCharAppearanceGenericComputer,
			},
		},
	}
	for _, c := range gapService.chars {
		c.service = gapService
	}

	gattService := &Service{uuid: uuidGATTService, primary: true}
	return []*Service{gapService, gattService}
}

// A handleRange is a contiguous range of handles.
type handleRange struct {
	hh   []handle
	base uint16 // handle number for first handle in hh
}

const (
	tooSmall = -1
	tooLarge = -2
)

// idx returns the index into hh corresponding to handle n.
// If n is too small, idx returns tooSmall (-1).
// If n is too large, idx returns tooLarge (-2).
func (r *handleRange) idx(n int) int {
	if n < int(r.base) {
		return tooSmall
	}
	if int(n) >= int(r.base)+len(r.hh) {
		return tooLarge
	}
	return n - int(r.base)
}

// At returns handle n.
func (r *handleRange) At(n uint16) (h handle, ok bool) {
	i := r.idx(int(n))
	if i < 0 {
		return handle{}, false
	}
	return r.hh[i], true
}

// Subrange returns handles in range [start, end]; it may return an empty
// slice. Subrange does not panic for out-of-range start or end.
func (r *handleRange) Subrange(start, end uint16) []handle {
	startidx := r.idx(int(start))
	switch startidx {
	case tooSmall:
		startidx = 0
	case tooLarge:
		return []handle{}
	}

	endidx := r.idx(int(end) + 1) // [start, end] includes its upper bound!
	switch endidx {
	case tooSmall:
		return []handle{}
	case tooLarge:
		endidx = len(r.hh)
	}
	return r.hh[startidx:endidx]
}
