package bt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sgothel/direct-bt-sub002/internal/codec"
)

func TestParseEIRFull(t *testing.T) {
	payload := []byte{
		0x02, 0x01, 0x06, // flags: general discoverable, no BR/EDR
		0x05, 0x03, 0x0f, 0x18, 0x00, 0x18, // complete 16-bit uuids: 0x180f, 0x1800
		0x07, 0x09, 's', 'e', 'n', 's', 'o', 'r', // complete name
		0x02, 0x0a, 0xf4, // tx power -12
		0x05, 0xff, 0x5a, 0x02, 0xde, 0xad, // manufacturer 0x025a + data
		0x03, 0x19, 0x41, 0x03, // appearance 0x0341
	}
	r := ParseEIR(payload)

	assert.True(t, r.Set&EIRFlags != 0)
	assert.Equal(t, uint8(0x06), r.Flags)
	assert.Equal(t, "sensor", r.Name)
	assert.Equal(t, int8(-12), r.TxPower)
	assert.Equal(t, uint16(0x025a), r.ManufID)
	assert.Equal(t, []byte{0xde, 0xad}, r.ManufData)
	assert.Equal(t, uint16(0x0341), r.Appearance)
	if assert.Len(t, r.Services, 2) {
		assert.True(t, r.Services[0].Equal(codec.Short16(0x180f)))
		assert.True(t, r.Services[1].Equal(codec.Short16(0x1800)))
	}
}

func TestParseEIRToleratesPaddingAndTruncation(t *testing.T) {
	// zero padding ends the walk cleanly
	r := ParseEIR([]byte{0x02, 0x01, 0x06, 0x00, 0x00, 0x00})
	assert.True(t, r.Set&EIRFlags != 0)

	// declared length running past the buffer is ignored
	r = ParseEIR([]byte{0x0a, 0x09, 'x'})
	assert.Equal(t, "", r.Name)
	assert.Equal(t, EIRNone, r.Set)

	// empty payload
	r = ParseEIR(nil)
	assert.Equal(t, EIRNone, r.Set)
}

func TestParseEIRShortNamePreferredWhenNoComplete(t *testing.T) {
	r := ParseEIR([]byte{0x04, 0x08, 'a', 'b', 'c'})
	assert.Equal(t, "abc", r.BestName())

	r = ParseEIR([]byte{
		0x04, 0x08, 'a', 'b', 'c',
		0x05, 0x09, 'a', 'b', 'c', 'd',
	})
	assert.Equal(t, "abcd", r.BestName(), "complete name wins")
}

func TestDiffAgainstDetectsSwappedServiceUUID(t *testing.T) {
	d := &Device{Services: []codec.UUID{codec.Short16(0x180f)}}

	// same UUID set, same count: no services diff
	same := &EInfoReport{Set: EIRServices, Services: []codec.UUID{codec.Short16(0x180f)}}
	assert.Equal(t, EIRNone, same.diffAgainst(d)&EIRServices)

	// one UUID swapped for another of the same count: must diff
	swapped := &EInfoReport{Set: EIRServices, Services: []codec.UUID{codec.Short16(0x1800)}}
	assert.Equal(t, EIRServices, swapped.diffAgainst(d)&EIRServices)
}

func TestEIR128BitServiceUUID(t *testing.T) {
	u, err := codec.ParseUUID("12345678-9abc-def0-1234-56789abcdef0")
	assert.NoError(t, err)
	payload := append([]byte{0x11, 0x07}, u.Bytes()...)
	r := ParseEIR(payload)
	if assert.Len(t, r.Services, 1) {
		assert.True(t, r.Services[0].Equal(u))
	}
}
