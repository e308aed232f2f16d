package bt

import "time"

// AdapterStatusListener receives every adapter- and device-level event of
// one adapter. Each field is optional; a nil field is skipped. Listeners
// are held by shared reference: dispatch snapshots the current list, so a
// callback may add or remove listeners without deadlock, and removal takes
// effect no later than the next dispatch. Events for a single device are
// totally ordered; events across devices are not.
type AdapterStatusListener struct {
	// SettingsChanged fires on every non-empty settings diff. A newly
	// registered listener receives a synthetic initial event with
	// old == SettingNone and an empty diff.
	SettingsChanged func(a *Adapter, old, cur, changed AdapterSetting)

	// DiscoveringChanged fires when the native scan state flips, with the
	// scan type that changed and whether a paused meta-scan will
	// auto-resume.
	DiscoveringChanged func(a *Adapter, current, changed ScanType, on bool, policy DiscoveryPolicy)

	// DeviceFound fires for a newly sighted device. Returning true picks
	// the device up (keeps it in the shared set); if every listener
	// returns false the device is released again.
	DeviceFound func(d *Device, ts time.Time) bool

	// DeviceUpdated fires when a later sighting changed some fields.
	DeviceUpdated func(d *Device, updated EIRDataType, ts time.Time)

	// DeviceConnected fires on the controller's connection event.
	DeviceConnected func(d *Device, handle uint16, ts time.Time)

	// DevicePairingState tracks the SMP state machine.
	DevicePairingState func(d *Device, state PairingState, mode PairingMode, ts time.Time)

	// DeviceReady fires once a connected device has finished pairing (if
	// any) and GATT service discovery, i.e. is usable.
	DeviceReady func(d *Device, ts time.Time)

	// DeviceDisconnected fires with the HCI reason code.
	DeviceDisconnected func(d *Device, reason uint8, handle uint16, ts time.Time)
}

// CharacteristicListener receives notification and indication values for
// one characteristic, or for all characteristics of a device when Char is
// nil. For indications, confirmed tells whether the confirmation PDU was
// already sent by the engine.
type CharacteristicListener struct {
	Char *Characteristic

	Notified func(c *Characteristic, value []byte, indication, confirmed bool, ts time.Time)
}

// ChangedAdapterSetListener is invoked by the Manager when a controller
// appears or disappears.
type ChangedAdapterSetListener func(added bool, a *Adapter)
