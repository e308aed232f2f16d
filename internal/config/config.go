// Package config holds the flat "namespace.key" tunable registry: every
// timeout, ring capacity, and debug toggle of the stack, each with a
// documented default and bounds. Out-of-range values clamp to the nearest
// bound rather than erroring, so a fat-fingered environment never stops
// the stack from starting.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Tunable keys. Durations are configured in milliseconds, counts as plain
// integers, toggles as true/false.
const (
	// MGMT/HCI command reply timeout; set-power gets its own longer one
	// since a controller power-on can take seconds.
	KeyHCICommandTimeout = "hci.cmd.timeout"
	KeyHCIPowerTimeout   = "hci.cmd.power.timeout"
	KeyHCIReplyRing      = "hci.reply.ring"

	KeyATTInitialTimeout = "att.cmd.init.timeout"
	KeyATTReadTimeout    = "att.cmd.read.timeout"
	KeyATTWriteTimeout   = "att.cmd.write.timeout"
	KeyATTReplyRing      = "att.reply.ring"

	KeySMPIOTimeout        = "smp.io.timeout"
	KeySMPWatchdogInterval = "smp.watchdog.interval"

	KeyL2CAPPollTimeout = "l2cap.poll.timeout"

	KeyShutdownTimeout = "thread.shutdown.timeout"

	KeyConnectTimeout      = "adapter.connect.timeout"
	KeyScanRestartMax      = "adapter.scan.restart.max"
	KeyScanRestartDelay    = "adapter.scan.restart.delay"
	KeyRSSIPollInterval    = "adapter.rssi.poll.interval"
	KeyResolveCacheEntries = "adapter.resolve.cache"

	// Default SMP I/O capability; see smp.IOCapability values.
	KeyIOCapability = "smp.iocap.default"

	KeyDebugHCI     = "debug.hci"
	KeyDebugL2CAP   = "debug.l2cap"
	KeyDebugGATT    = "debug.gatt"
	KeyDebugSMP     = "debug.smp"
	KeyDebugAdapter = "debug.adapter"
)

type tunable struct {
	def, min, max int64
}

// the registry: default plus inclusive bounds, all in their natural unit
// (milliseconds for timeouts).
var registry = map[string]tunable{
	KeyHCICommandTimeout: {def: 3000, min: 250, max: 30000},
	KeyHCIPowerTimeout:   {def: 6000, min: 1000, max: 60000},
	KeyHCIReplyRing:      {def: 64, min: 8, max: 1024},

	KeyATTInitialTimeout: {def: 2500, min: 250, max: 30000},
	KeyATTReadTimeout:    {def: 500, min: 50, max: 30000},
	KeyATTWriteTimeout:   {def: 500, min: 50, max: 30000},
	KeyATTReplyRing:      {def: 16, min: 4, max: 256},

	KeySMPIOTimeout:        {def: 500, min: 50, max: 30000},
	KeySMPWatchdogInterval: {def: 2000, min: 500, max: 60000},

	KeyL2CAPPollTimeout: {def: 10000, min: 100, max: 600000},

	KeyShutdownTimeout: {def: 8000, min: 1000, max: 60000},

	KeyConnectTimeout:      {def: 10000, min: 1000, max: 120000},
	KeyScanRestartMax:      {def: 3, min: 0, max: 10},
	KeyScanRestartDelay:    {def: 500, min: 50, max: 10000},
	KeyRSSIPollInterval:    {def: 5000, min: 0, max: 600000},
	KeyResolveCacheEntries: {def: 256, min: 16, max: 65536},

	KeyIOCapability: {def: 0x03 /* no-input-no-output */, min: 0x00, max: 0x04},

	KeyDebugHCI:     {def: 0, min: 0, max: 1},
	KeyDebugL2CAP:   {def: 0, min: 0, max: 1},
	KeyDebugGATT:    {def: 0, min: 0, max: 1},
	KeyDebugSMP:     {def: 0, min: 0, max: 1},
	KeyDebugAdapter: {def: 0, min: 0, max: 1},
}

var (
	mu        sync.RWMutex
	overrides = map[string]int64{}
)

func init() {
	// Environment form: dots become underscores, upper-cased, prefixed,
	// e.g. adapter.connect.timeout -> DIRECT_BT_ADAPTER_CONNECT_TIMEOUT.
	for key := range registry {
		env := "DIRECT_BT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if v, ok := os.LookupEnv(env); ok {
			Set(key, v)
		}
	}
}

func clamp(key string, v int64) int64 {
	t := registry[key]
	if v < t.min {
		logrus.Warnf("config: %s=%d below minimum, clamping to %d", key, v, t.min)
		return t.min
	}
	if v > t.max {
		logrus.Warnf("config: %s=%d above maximum, clamping to %d", key, v, t.max)
		return t.max
	}
	return v
}

// Set overrides one tunable from its textual form. Unknown keys and
// unparsable values are logged and ignored; out-of-range values clamp.
func Set(key, value string) {
	if _, ok := registry[key]; !ok {
		logrus.Warnf("config: unknown tunable %q ignored", key)
		return
	}
	var v int64
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "on", "yes":
		v = 1
	case "false", "off", "no":
		v = 0
	default:
		parsed, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64)
		if err != nil {
			logrus.Warnf("config: unparsable value %q for %s ignored", value, key)
			return
		}
		v = parsed
	}
	mu.Lock()
	overrides[key] = clamp(key, v)
	mu.Unlock()
}

// Reset drops every override, restoring documented defaults (test hook).
func Reset() {
	mu.Lock()
	overrides = map[string]int64{}
	mu.Unlock()
}

// Int returns the current value of an integer tunable.
func Int(key string) int {
	mu.RLock()
	v, ok := overrides[key]
	mu.RUnlock()
	if !ok {
		v = registry[key].def
	}
	return int(v)
}

// Duration returns a timeout tunable, interpreting the value as
// milliseconds.
func Duration(key string) time.Duration {
	return time.Duration(Int(key)) * time.Millisecond
}

// Bool returns a toggle tunable.
func Bool(key string) bool { return Int(key) != 0 }
