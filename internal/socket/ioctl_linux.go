package socket

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// Linux's <linux/hci.h> ioctl numbers and structures, used to enumerate and
// bring up local HCI devices alongside (and as a cross-check against) the
// MGMT socket's read-index-list command.
const (
	hciMaxDevices    = 16
	hciGetDeviceList = 210
	hciGetDeviceInfo = 211
	hciDevUp         = 201
)

var (
	reqGetDeviceList = ioctl.IOR('H', hciGetDeviceList, unsafe.Sizeof(uintptr(0)))
	reqGetDeviceInfo = ioctl.IOR('H', hciGetDeviceInfo, unsafe.Sizeof(uintptr(0)))
	reqDevUp         = ioctl.IO('H', hciDevUp)
)

type hciDevReq struct {
	devID  uint16
	devOpt uint32
}

type hciDevListReq struct {
	devNum uint16
	devReq [hciMaxDevices]hciDevReq
}

// DeviceInfo mirrors the fields of struct hci_dev_info this package uses.
type DeviceInfo struct {
	ID      uint16
	Name    string
	Address [6]byte
	Flags   uint32
}

type hciDevInfo struct {
	devID   uint16
	name    [8]byte
	bdaddr  [6]byte
	flags   uint32
	devType uint8
	// remaining kernel fields (features, pkt type, link policy/mode, MTU
	// counters, stats) are not needed by this package and are left unread;
	// the ioctl still writes them into a correctly sized buffer below.
	_ [2 + 8 + 4 + 4 + 4 + 2 + 2 + 2 + 2 + 40]byte
}

// ListDevices enumerates local HCI controllers via HCIGETDEVLIST/
// HCIGETDEVINFO, independent of (and a cross-check for) the MGMT-reported
// adapter index set.
func ListDevices() ([]DeviceInfo, error) {
	fd, err := rawHCISocket()
	if err != nil {
		return nil, err
	}
	defer Close(fd)

	req := hciDevListReq{devNum: hciMaxDevices}
	if err := ioctl.Ioctl(uintptr(fd), reqGetDeviceList, uintptr(unsafe.Pointer(&req))); err != nil {
		return nil, fmt.Errorf("HCIGETDEVLIST: %w", err)
	}

	out := make([]DeviceInfo, 0, req.devNum)
	for i := 0; i < int(req.devNum); i++ {
		info := hciDevInfo{devID: req.devReq[i].devID}
		if err := ioctl.Ioctl(uintptr(fd), reqGetDeviceInfo, uintptr(unsafe.Pointer(&info))); err != nil {
			continue
		}
		out = append(out, DeviceInfo{
			ID:      info.devID,
			Name:    cString(info.name[:]),
			Address: info.bdaddr,
			Flags:   info.flags,
		})
	}
	return out, nil
}

// BringUp issues HCIDEVUP for controller index dev. Most systems already
// have the controller up by the time this package opens it; this exists
// for completeness against the ioctl control surface.
func BringUp(dev int) error {
	fd, err := rawHCISocket()
	if err != nil {
		return err
	}
	defer Close(fd)
	return ioctl.Ioctl(uintptr(fd), reqDevUp, uintptr(dev))
}

// rawHCISocket opens an unbound HCI socket, sufficient for ioctls that take
// a device index as an argument rather than requiring a bound channel.
func rawHCISocket() (int, error) {
	fd, err := unixSocket()
	if err != nil {
		return -1, fmt.Errorf("socket(AF_BLUETOOTH, HCI): %w", err)
	}
	return fd, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
