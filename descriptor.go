package bt

import "github.com/sgothel/direct-bt-sub002/internal/codec"

// A Descriptor is one characteristic descriptor, discovered on a remote
// device or declared on a local service.
type Descriptor struct {
	uuid   codec.UUID
	handle uint16
	char   *Characteristic
	value  []byte // static value, server role
}

// UUID returns the descriptor's UUID.
func (d *Descriptor) UUID() codec.UUID { return d.uuid }

// Handle returns the descriptor's attribute handle on the remote server.
func (d *Descriptor) Handle() uint16 { return d.handle }

// Characteristic returns the owning characteristic.
func (d *Descriptor) Characteristic() *Characteristic { return d.char }

// Value returns the static server-role value.
func (d *Descriptor) Value() []byte { return d.value }

// IsClientConfig reports whether this is the Client Characteristic
// Configuration descriptor whose bits enable notifications/indications.
func (d *Descriptor) IsClientConfig() bool {
	return d.uuid.Is16() && d.uuid.As16() == 0x2902
}
