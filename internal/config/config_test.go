package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	Reset()
	if got := Duration(KeyHCICommandTimeout); got != 3*time.Second {
		t.Fatalf("hci.cmd.timeout default = %v, want 3s", got)
	}
	if got := Duration(KeyHCIPowerTimeout); got != 6*time.Second {
		t.Fatalf("hci.cmd.power.timeout default = %v, want 6s", got)
	}
	if got := Int(KeyHCIReplyRing); got != 64 {
		t.Fatalf("hci.reply.ring default = %d, want 64", got)
	}
	if got := Duration(KeyATTInitialTimeout); got != 2500*time.Millisecond {
		t.Fatalf("att.cmd.init.timeout default = %v, want 2.5s", got)
	}
	if got := Duration(KeyShutdownTimeout); got != 8*time.Second {
		t.Fatalf("thread.shutdown.timeout default = %v, want 8s", got)
	}
	if Bool(KeyDebugSMP) {
		t.Fatal("debug toggles must default to off")
	}
}

func TestSetAndClamp(t *testing.T) {
	Reset()
	defer Reset()

	Set(KeyATTReadTimeout, "1000")
	if got := Duration(KeyATTReadTimeout); got != time.Second {
		t.Fatalf("override not applied: %v", got)
	}

	// below minimum clamps up
	Set(KeyATTReadTimeout, "1")
	if got := Duration(KeyATTReadTimeout); got != 50*time.Millisecond {
		t.Fatalf("expected clamp to 50ms, got %v", got)
	}

	// above maximum clamps down
	Set(KeyHCIReplyRing, "1000000")
	if got := Int(KeyHCIReplyRing); got != 1024 {
		t.Fatalf("expected clamp to 1024, got %d", got)
	}
}

func TestSetBoolForms(t *testing.T) {
	Reset()
	defer Reset()
	Set(KeyDebugGATT, "true")
	if !Bool(KeyDebugGATT) {
		t.Fatal("true not parsed")
	}
	Set(KeyDebugGATT, "off")
	if Bool(KeyDebugGATT) {
		t.Fatal("off not parsed")
	}
}

func TestSetIgnoresUnknownAndGarbage(t *testing.T) {
	Reset()
	defer Reset()
	Set("no.such.key", "5")
	Set(KeyATTReadTimeout, "not-a-number")
	if got := Duration(KeyATTReadTimeout); got != 500*time.Millisecond {
		t.Fatalf("garbage must leave default intact, got %v", got)
	}
}
