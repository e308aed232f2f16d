package bt

import "github.com/sgothel/direct-bt-sub002/internal/codec"

// A Service is one GATT service: either discovered on a remote device
// (handles filled in by the engine) or built locally for the peripheral
// role. Calls to AddCharacteristic must occur before the service is used
// by a server.
type Service struct {
	uuid    codec.UUID
	primary bool

	// handle range on the remote server; zero for local services until
	// the peripheral generates its handle table.
	startHandle uint16
	endHandle   uint16

	chars []*Characteristic

	// dev is the owning remote device for discovered services, nil for
	// local ones.
	dev *Device
}

// NewService creates a local primary service for the peripheral role.
func NewService(u codec.UUID) *Service {
	return &Service{uuid: u, primary: true}
}

// AddCharacteristic adds a characteristic to a local service.
// AddCharacteristic panics if the service already contains another
// characteristic with the same UUID.
func (s *Service) AddCharacteristic(u codec.UUID) *Characteristic {
	for _, char := range s.chars {
		if char.uuid.Equal(u) {
			panic("service already contains a characteristic with uuid " + u.String())
		}
	}
	char := &Characteristic{service: s, uuid: u}
	s.chars = append(s.chars, char)
	return char
}

// UUID returns the service's UUID.
func (s *Service) UUID() codec.UUID { return s.uuid }

// Primary reports whether this is a primary (rather than included)
// service.
func (s *Service) Primary() bool { return s.primary }

// Handles returns the service's attribute handle range on the remote
// server.
func (s *Service) Handles() (start, end uint16) { return s.startHandle, s.endHandle }

// Characteristics returns the service's characteristics.
func (s *Service) Characteristics() []*Characteristic { return s.chars }

// Device returns the remote device this service was discovered on, nil
// for local services.
func (s *Service) Device() *Device { return s.dev }

// findCharacteristic returns the characteristic owning the given value
// handle.
func (s *Service) findCharacteristic(valueHandle uint16) *Characteristic {
	for _, c := range s.chars {
		if c.valueHandle == valueHandle {
			return c
		}
	}
	return nil
}
