package hci

import "fmt"

// Event is a fully classified HCI event: its code, and for LE Meta events
// the LE sub-event code, together with the still-unparsed parameter bytes.
type Event struct {
	Code     EventCode
	Sub      LESubeventCode // valid only when Code == EventLEMeta
	HasSub   bool
	Params   []byte
}

// ParseFrame classifies a raw socket read of type PacketEvent (the leading
// packet-type octet already stripped by the caller) into an Event.
func ParseFrame(b []byte) (Event, error) {
	hdr, params, err := ParseEventHeader(b)
	if err != nil {
		return Event{}, err
	}
	if int(hdr.Plen) > len(params) {
		return Event{}, fmt.Errorf("hci: event %s declares plen=%d but only %d bytes follow", hdr.Code, hdr.Plen, len(params))
	}
	params = params[:hdr.Plen]
	ev := Event{Code: hdr.Code, Params: params}
	if hdr.Code == EventLEMeta && len(params) >= 1 {
		ev.Sub = LESubeventCode(params[0])
		ev.HasSub = true
		ev.Params = params[1:]
	}
	return ev, nil
}

// IsCommandReply reports whether this event completes a pending command
// (Command Complete or Command Status), and if so, which opcode.
func (e Event) IsCommandReply() (Opcode, bool) {
	switch e.Code {
	case EventCommandComplete:
		cc, err := ParseCommandComplete(e.Params)
		if err != nil {
			return 0, false
		}
		return cc.CommandOpcode, true
	case EventCommandStatus:
		cs, err := ParseCommandStatus(e.Params)
		if err != nil {
			return 0, false
		}
		return cs.CommandOpcode, true
	default:
		return 0, false
	}
}
