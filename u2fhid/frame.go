package u2fhid

import (
	"encoding/binary"
	"fmt"

	"github.com/dantte-lp/gofido/fido"
)

// -------------------------------------------------------------------------
// reportBuffer — append-only report builder
// -------------------------------------------------------------------------

// reportBuffer accumulates frame bytes and zero-pads to the fixed
// report size. Writes beyond FrameSize are a programming error and
// panic; all frame layouts in this package fit by construction.
type reportBuffer struct {
	buf [FrameSize]byte
	n   int
}

// writeByte appends a single byte.
func (r *reportBuffer) writeByte(b byte) {
	r.buf[r.n] = b
	r.n++
}

// writeUint16 appends v big-endian.
func (r *reportBuffer) writeUint16(v uint16) {
	binary.BigEndian.PutUint16(r.buf[r.n:], v)
	r.n += 2
}

// writeUint32 appends v big-endian.
func (r *reportBuffer) writeUint32(v uint32) {
	binary.BigEndian.PutUint32(r.buf[r.n:], v)
	r.n += 4
}

// write appends p.
func (r *reportBuffer) write(p []byte) {
	copy(r.buf[r.n:], p)
	r.n += len(p)
}

// report returns the accumulated bytes zero-padded to FrameSize.
func (r *reportBuffer) report() []byte {
	out := make([]byte, FrameSize)
	copy(out, r.buf[:r.n])
	return out
}

// -------------------------------------------------------------------------
// Fragmenter
// -------------------------------------------------------------------------

// splitFrames fragments a logical message into HID reports: one initial
// frame carrying the command byte and the total payload length, then as
// many continuation frames as the payload needs, each stamped with the
// channel id and a sequence number starting at zero.
func splitFrames(channel uint32, cmd byte, payload []byte) ([][]byte, error) {
	if len(payload) > MaxMessageSize {
		return nil, fido.NewError(fido.KindProtocolViolation, "send",
			fmt.Errorf("payload %d bytes exceeds maximum %d", len(payload), MaxMessageSize))
	}

	var first reportBuffer
	first.writeUint32(channel)
	first.writeByte(cmd)
	first.writeUint16(uint16(len(payload)))
	chunk := min(len(payload), initPayloadMax)
	first.write(payload[:chunk])
	frames := [][]byte{first.report()}
	payload = payload[chunk:]

	for seq := byte(0); len(payload) > 0; seq++ {
		var cont reportBuffer
		cont.writeUint32(channel)
		cont.writeByte(seq)
		chunk = min(len(payload), contPayloadMax)
		cont.write(payload[:chunk])
		frames = append(frames, cont.report())
		payload = payload[chunk:]
	}
	return frames, nil
}

// -------------------------------------------------------------------------
// Reassembler
// -------------------------------------------------------------------------

// reassembler rebuilds one logical message from a stream of HID
// reports. Reports on foreign channels and runt reports are dropped
// without advancing any state; they belong to other host processes
// sharing the device. The initial frame's length field is
// authoritative: exactly that many payload bytes are consumed and
// trailing pad bytes are ignored.
type reassembler struct {
	channel uint32
	cmd     byte

	started bool
	need    int
	nextSeq byte
	msg     []byte

	// dropped counts foreign-channel and runt reports, for the
	// metrics hook.
	dropped int
}

// newReassembler expects a response to cmd on the given channel.
func newReassembler(channel uint32, cmd byte) *reassembler {
	return &reassembler{channel: channel, cmd: cmd}
}

// feed consumes one report. It returns done=true once the full message
// has been assembled. Frames that violate the protocol produce a
// *fido.Error; an ERROR frame from the device — whether it arrives in
// place of the initial frame or mid-reassembly — is decoded into the
// transport taxonomy the same way.
func (r *reassembler) feed(report []byte) (done bool, err error) {
	if len(report) < contHeaderSize {
		r.dropped++
		return false, nil
	}
	if binary.BigEndian.Uint32(report[0:4]) != r.channel {
		r.dropped++
		return false, nil
	}

	typ := report[4]
	if typ == CmdError {
		return false, decodeErrorFrame(report)
	}

	if !r.started {
		return r.feedInitial(typ, report)
	}
	return r.feedContinuation(typ, report)
}

// feedInitial handles the first channel-matched report of a response.
func (r *reassembler) feedInitial(typ byte, report []byte) (bool, error) {
	if len(report) < initHeaderSize {
		r.dropped++
		return false, nil
	}
	if typ != r.cmd {
		return false, fido.NewError(fido.KindProtocolViolation, "recv",
			fmt.Errorf("expected %s response, got %s", cmdName(r.cmd), cmdName(typ)))
	}

	r.started = true
	r.need = int(binary.BigEndian.Uint16(report[5:7]))
	take := min(r.need, initPayloadMax)
	r.msg = append(r.msg, report[initHeaderSize:initHeaderSize+take]...)
	r.need -= take
	return r.need == 0, nil
}

// feedContinuation handles subsequent channel-matched reports. The
// sequence must advance by exactly one per frame with the command flag
// clear; any gap, repetition, or stray command flag is a violation.
func (r *reassembler) feedContinuation(typ byte, report []byte) (bool, error) {
	if typ&commandFlag != 0 {
		return false, fido.NewError(fido.KindProtocolViolation, "recv",
			fmt.Errorf("unexpected %s frame during reassembly", cmdName(typ)))
	}
	if typ != r.nextSeq {
		return false, fido.NewError(fido.KindProtocolViolation, "recv",
			fmt.Errorf("continuation sequence %d, expected %d", typ, r.nextSeq))
	}
	r.nextSeq++

	take := min(r.need, contPayloadMax)
	r.msg = append(r.msg, report[contHeaderSize:contHeaderSize+take]...)
	r.need -= take
	return r.need == 0, nil
}

// message returns the assembled payload. Valid once feed reported done.
func (r *reassembler) message() []byte {
	if r.msg == nil {
		return []byte{}
	}
	return r.msg
}

// decodeErrorFrame maps an ERROR frame's device error code into the
// transport taxonomy: MessageTimeout becomes Timeout, ChannelBusy
// becomes TokenBusy, everything else is a protocol violation.
func decodeErrorFrame(report []byte) error {
	if len(report) < initHeaderSize+1 {
		return fido.NewError(fido.KindProtocolViolation, "recv",
			fmt.Errorf("truncated ERROR frame (%d bytes)", len(report)))
	}
	code := DeviceError(report[7])
	switch code {
	case ErrCodeMessageTimeout:
		return fido.NewError(fido.KindTimeout, "recv", code)
	case ErrCodeChannelBusy:
		return fido.NewError(fido.KindTokenBusy, "recv", code)
	default:
		return fido.NewError(fido.KindProtocolViolation, "recv", code)
	}
}

// Error lets a DeviceError serve as the cause inside a *fido.Error.
func (e DeviceError) Error() string { return e.String() }
