// Package u2ftoken implements the U2F operations on top of the u2fhid
// transport: Register, Authenticate, CheckKeyHandle and Version.
//
// The facade wraps U2F instructions in extended-length APDUs, hashes
// the clientData and application id inputs, strips and interprets the
// APDU status word of each response, and absorbs user-presence retries
// so callers only ever see final outcomes.
package u2ftoken

import (
	"encoding/binary"
	"fmt"

	"github.com/dantte-lp/gofido/fido"
)

// -------------------------------------------------------------------------
// U2F instructions — FIDO U2F raw message formats Section 3
// -------------------------------------------------------------------------

const (
	// insRegister is the U2F_REGISTER instruction.
	insRegister byte = 0x01

	// insAuthenticate is the U2F_AUTHENTICATE instruction.
	insAuthenticate byte = 0x02

	// insVersion is the U2F_VERSION instruction.
	insVersion byte = 0x03
)

// U2F_AUTHENTICATE control byte (P1) values.
const (
	// p1CheckOnly probes whether the key handle was created by this
	// device; the device must answer with an error either way.
	p1CheckOnly byte = 0x07

	// p1EnforcePresence signs only with proof of user presence.
	p1EnforcePresence byte = 0x03

	// p1SkipPresence signs without requiring user presence. Not all
	// devices implement it.
	p1SkipPresence byte = 0x08
)

// -------------------------------------------------------------------------
// APDU status words — ISO 7816-4 SW1/SW2, U2F subset
// -------------------------------------------------------------------------

const (
	// StatusOK is SW 0x9000: the command completed and the preceding
	// bytes are the result payload.
	StatusOK uint16 = 0x9000

	// StatusUserPresenceRequired is SW 0x6985: the device wants a
	// touch before it will complete the request.
	StatusUserPresenceRequired uint16 = 0x6985

	// StatusInvalidKeyHandle is SW 0x6A80: the key handle was not
	// created by this device.
	StatusInvalidKeyHandle uint16 = 0x6A80

	// StatusInvalidParam1Or2 is SW 0x6A86: P1 or P2 was rejected.
	StatusInvalidParam1Or2 uint16 = 0x6A86

	// StatusInvalidLength is SW 0x6700: the request length is wrong.
	StatusInvalidLength uint16 = 0x6700

	// StatusClassUnsupported is SW 0x6E00: the CLA byte is unknown.
	StatusClassUnsupported uint16 = 0x6E00

	// StatusInstructionUnsupported is SW 0x6D00: the INS byte is
	// unknown. Legacy devices answer U2F_VERSION this way.
	StatusInstructionUnsupported uint16 = 0x6D00
)

// maxAPDUData is the largest data field an extended-length APDU with a
// two-byte Lc can carry.
const maxAPDUData = 0xFFFF

// buildAPDU assembles an extended-length APDU: CLA=0x00, INS, P1,
// P2=0x00, a 3-byte Lc field (present even for empty data), the data,
// and a 2-byte Le of 0x0000 requesting the maximum 65536-byte response
// (some tokens, e.g. HyperFIDO, refuse shorter encodings).
func buildAPDU(ins, p1 byte, data []byte) ([]byte, error) {
	if len(data) > maxAPDUData {
		return nil, fido.NewError(fido.KindProtocolViolation, "apdu",
			fmt.Errorf("data field %d bytes exceeds maximum %d", len(data), maxAPDUData))
	}
	apdu := make([]byte, 0, 7+len(data)+2)
	apdu = append(apdu, 0x00, ins, p1, 0x00, 0x00)
	apdu = append(apdu, byte(len(data)>>8), byte(len(data)))
	apdu = append(apdu, data...)
	apdu = append(apdu, 0x00, 0x00)
	return apdu, nil
}

// splitResponse separates a raw APDU response into its payload and the
// trailing big-endian status word.
func splitResponse(op string, resp []byte) (payload []byte, status uint16, err error) {
	if len(resp) < 2 {
		return nil, 0, fido.NewError(fido.KindProtocolViolation, op,
			fmt.Errorf("APDU response too short (%d bytes)", len(resp)))
	}
	status = binary.BigEndian.Uint16(resp[len(resp)-2:])
	return resp[:len(resp)-2], status, nil
}

// statusError maps a non-OK status word into the error taxonomy. The
// status word rides along for diagnostics and for the call sites that
// distinguish individual words (Version's v0 fallback, CheckKeyHandle).
func statusError(op string, status uint16) *fido.Error {
	switch status {
	case StatusUserPresenceRequired:
		return fido.StatusError(fido.KindUserPresenceRequired, op, status)
	case StatusInvalidKeyHandle:
		return fido.StatusError(fido.KindInvalidKeyHandle, op, status)
	case StatusInvalidParam1Or2, StatusInvalidLength,
		StatusClassUnsupported, StatusInstructionUnsupported:
		return fido.StatusError(fido.KindUnsupportedOperation, op, status)
	default:
		return fido.StatusError(fido.KindProtocolViolation, op, status)
	}
}
