package bt

import (
	"fmt"
	"strings"

	"github.com/sgothel/direct-bt-sub002/internal/hci"
)

// AdapterSetting is the adapter settings bitmask: which modes the
// controller currently has enabled. The bit layout follows the MGMT
// wire form so the diff against a New Settings event is a plain XOR.
type AdapterSetting uint32

const (
	SettingPowered         = AdapterSetting(hci.SettingPowered)
	SettingConnectable     = AdapterSetting(hci.SettingConnectable)
	SettingFastConnectable = AdapterSetting(hci.SettingFastConnectable)
	SettingDiscoverable    = AdapterSetting(hci.SettingDiscoverable)
	SettingBondable        = AdapterSetting(hci.SettingBondable)
	SettingLinkSecurity    = AdapterSetting(hci.SettingLinkSecurity)
	SettingSSP             = AdapterSetting(hci.SettingSSP)
	SettingBREDR           = AdapterSetting(hci.SettingBREDR)
	SettingHS              = AdapterSetting(hci.SettingHS)
	SettingLE              = AdapterSetting(hci.SettingLE)
	SettingAdvertising     = AdapterSetting(hci.SettingAdvertising)
	SettingSecureConn      = AdapterSetting(hci.SettingSecureConn)
	SettingDebugKeys       = AdapterSetting(hci.SettingDebugKeys)
	SettingPrivacy         = AdapterSetting(hci.SettingPrivacy)
	SettingStaticAddress   = AdapterSetting(hci.SettingStaticAddress)

	// SettingNone is the synthetic "old" value a freshly registered
	// status listener sees.
	SettingNone AdapterSetting = 0
)

var settingNames = []struct {
	bit  AdapterSetting
	name string
}{
	{SettingPowered, "powered"},
	{SettingConnectable, "connectable"},
	{SettingFastConnectable, "fast-connectable"},
	{SettingDiscoverable, "discoverable"},
	{SettingBondable, "bondable"},
	{SettingLinkSecurity, "link-security"},
	{SettingSSP, "ssp"},
	{SettingBREDR, "bredr"},
	{SettingHS, "hs"},
	{SettingLE, "le"},
	{SettingAdvertising, "advertising"},
	{SettingSecureConn, "secure-conn"},
	{SettingDebugKeys, "debug-keys"},
	{SettingPrivacy, "privacy"},
	{SettingStaticAddress, "static-address"},
}

func (s AdapterSetting) Has(bit AdapterSetting) bool { return s&bit != 0 }

func (s AdapterSetting) String() string {
	if s == SettingNone {
		return "[none]"
	}
	var parts []string
	for _, n := range settingNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// AdapterInfo is the immutable identity of one controller, read once at
// construction; the mutable current-settings word lives on the Adapter.
type AdapterInfo struct {
	Index        uint16
	Address      EUI48
	Version      uint8
	Manufacturer uint16
	Supported    AdapterSetting
	Name         string
	ShortName    string
}

func (i AdapterInfo) String() string {
	return fmt.Sprintf("adapter[%d, %s, %q, hci-v%d, manuf 0x%04x]",
		i.Index, i.Address, i.Name, i.Version, i.Manufacturer)
}
